// Package manager owns the daemon's model lifecycle: loading, single-flight
// generation, cancellation, retry, and tier-driven memory release. It is
// structured into small files by concern:
//
//   - manager.go: core Manager type, constructor, simple getters.
//   - config.go: Config and package defaults; New applies defaults.
//   - errors.go: error types and helpers (IsBusy, IsNoLastRequest).
//   - gate.go: the single model-operation slot and generation admission.
//   - accumulator.go: the full-output accumulator behind /status.
//   - coalesce.go: time-coalesced commit writer for generation streams.
//   - load.go: model resolution, hub fetch, and engine load with progress.
//   - generate.go: the generation path, plus Retry and Cancel.
//   - cleanup.go: unload, tier post-release, and emergency cleanup.
//   - status.go: Snapshot/Status reporting.
//   - events.go: lifecycle event publishing.
//   - metrics.go: Prometheus collectors.
//
// The manager talks to model runtimes only through the engine boundary and
// serializes every engine call; handles never see concurrent use. Exactly one
// generation can run at a time, and a second request is rejected immediately
// rather than queued.
package manager
