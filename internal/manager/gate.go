package manager

import "context"

// The gate is the single model-operation slot. Generation, load, unload, and
// cleanup all hold it, so the engine never sees concurrent calls.
//
// beginGeneration never waits: a taken slot means a generation (or another
// model operation) is in flight and the request is rejected outright.
func (m *Manager) beginGeneration(modelID string) (func(), error) {
	select {
	case m.gate <- struct{}{}:
		return func() { <-m.gate }, nil
	default:
		return func() {}, busyError{modelID: modelID}
	}
}

// beginOp waits for the slot; load/unload/cleanup queue up behind whatever
// is running instead of failing.
func (m *Manager) beginOp(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return func() {}, err
	}
	select {
	case m.gate <- struct{}{}:
		return func() { <-m.gate }, nil
	case <-ctx.Done():
		return func() {}, ctx.Err()
	}
}
