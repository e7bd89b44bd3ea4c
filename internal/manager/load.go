package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"mlxd/internal/engine"
	"mlxd/internal/hub"
	"mlxd/internal/registry"
	"mlxd/pkg/types"
)

// Download dominates cold-load wall time; the final slice covers the engine
// mapping the weights.
const downloadShare = 0.95

// loadTrack is the /status view of an in-flight load.
type loadTrack struct {
	active    bool
	fraction  float64
	message   string
	startedAt time.Time
}

// eta extrapolates remaining time from elapsed progress.
func (lt loadTrack) eta(now time.Time) int64 {
	if !lt.active || lt.fraction <= 0 || lt.fraction >= 1 {
		return 0
	}
	elapsed := now.Sub(lt.startedAt)
	remaining := time.Duration(float64(elapsed) * (1 - lt.fraction) / lt.fraction)
	return remaining.Milliseconds()
}

// loadEmitter throttles progress onto the wire and into /status. Progress
// callbacks can arrive per chunk of a download; lines go out only when the
// fraction moved a full percent, the message changed, or the load finished.
type loadEmitter struct {
	m       *Manager
	w       io.Writer
	flush   func()
	modelID string

	lastPct int
	lastMsg string
	err     error
}

func (le *loadEmitter) report(fraction float64, message string) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	now := time.Now()

	le.m.mu.Lock()
	le.m.load.active = true
	le.m.load.fraction = fraction
	le.m.load.message = message
	track := le.m.load
	le.m.mu.Unlock()

	pct := int(fraction * 100)
	if pct < 100 && pct == le.lastPct && message == le.lastMsg {
		return
	}
	le.lastPct = pct
	le.lastMsg = message

	le.m.publish(EventLoadProgress, le.modelID, map[string]any{"percent": pct, "message": message})
	if le.w == nil || le.err != nil {
		return
	}
	line, _ := json.Marshal(types.LoadProgress{
		Progress:  fraction,
		Percent:   pct,
		ETAMillis: track.eta(now),
		Message:   message,
	})
	if _, err := le.w.Write(append(line, '\n')); err != nil {
		// The client went away; keep loading, stop writing.
		le.err = err
		return
	}
	if le.flush != nil {
		le.flush()
	}
}

func (le *loadEmitter) done() error {
	if le.w == nil || le.err != nil {
		return le.err
	}
	line, _ := json.Marshal(types.LoadDone{Done: true, Model: le.modelID})
	if _, err := le.w.Write(append(line, '\n')); err != nil {
		return err
	}
	if le.flush != nil {
		le.flush()
	}
	return nil
}

// Load brings a model up, streaming NDJSON progress lines to w. Loading the
// already-loaded model is a cheap no-op that neither downloads nor touches
// the engine. Errors are returned, not written; the HTTP layer renders them.
func (m *Manager) Load(ctx context.Context, req types.LoadRequest, w io.Writer, flush func()) error {
	modelID := req.Model
	if modelID == "" {
		modelID = m.cfg.DefaultModel
	}
	if modelID == "" {
		return engine.NewError(engine.KindInvalid, "load", "",
			errors.New("no model specified and no default configured"))
	}
	release, err := m.beginOp(ctx)
	if err != nil {
		return err
	}
	defer release()
	m.refreshTier()

	le := &loadEmitter{m: m, w: w, flush: flush, modelID: modelID, lastPct: -1}
	if err := m.loadModel(ctx, modelID, le); err != nil {
		return err
	}
	return le.done()
}

// ensureLoaded is the generation path's way in: same semantics as Load but
// without a progress stream, and the caller already holds the gate.
func (m *Manager) ensureLoaded(ctx context.Context, modelID string) error {
	return m.loadModel(ctx, modelID, &loadEmitter{m: m, modelID: modelID, lastPct: -1})
}

// resolveLocal finds the model under its given ID or under the directory
// name a hub snapshot of it would use.
func resolveLocal(models []types.Model, id string) (types.Model, bool) {
	if mdl, ok := registry.Resolve(models, id); ok {
		return mdl, true
	}
	return registry.Resolve(models, hub.DirName(id))
}

// loadModel resolves, optionally fetches, and loads a model. Caller holds
// the gate.
func (m *Manager) loadModel(ctx context.Context, modelID string, le *loadEmitter) error {
	m.mu.RLock()
	mdl, ok := resolveLocal(m.cfg.Registry, modelID)
	already := ok && m.current == mdl.ID && m.handle != nil
	m.mu.RUnlock()
	if already {
		le.report(1, "already loaded")
		m.mu.Lock()
		m.load = loadTrack{}
		m.mu.Unlock()
		m.publish(EventLoadDone, mdl.ID, map[string]any{"cached": true})
		return nil
	}

	m.publish(EventLoadStart, modelID, nil)
	start := time.Now()
	m.mu.Lock()
	m.state = StateLoading
	m.load = loadTrack{active: true, startedAt: start}
	m.mu.Unlock()
	fetched := false
	if !ok {
		var err error
		mdl, err = m.fetch(ctx, modelID, le)
		if err != nil {
			m.failLoad(modelID, err)
			return err
		}
		fetched = true
	}

	// Swap: drop the previous model before mapping the next one so both
	// never sit in memory together.
	m.releaseHandle(ctx, true)

	budget := m.Budget()
	cfg := engine.LoadConfig{
		ModelID:          mdl.ID,
		ModelPath:        mdl.Path,
		CacheLimitBytes:  budget.CacheLimitBytes,
		MemoryLimitBytes: budget.MemoryLimitBytes,
	}
	// After a fetch the engine stage occupies the final slice of the scale;
	// a local model gets the whole of it.
	scale := func(f float64) float64 { return f }
	if fetched {
		scale = func(f float64) float64 { return downloadShare + (1-downloadShare)*f }
	}
	h, err := m.cfg.Engine.Load(ctx, cfg, func(f float64, msg string) {
		le.report(scale(f), msg)
	})
	if err != nil {
		m.failLoad(mdl.ID, err)
		return err
	}

	le.report(1, "model ready")
	m.mu.Lock()
	m.handle = h
	m.current = mdl.ID
	m.state = StateReady
	m.lastErr = ""
	m.load = loadTrack{}
	m.mu.Unlock()

	loadsTotal.WithLabelValues("ok").Inc()
	loadDuration.Observe(time.Since(start).Seconds())
	m.publish(EventLoadDone, mdl.ID, nil)
	m.log.Info().Str("model", mdl.ID).Dur("took", time.Since(start)).Msg("model loaded")
	return nil
}

// failLoad unwinds a failed load. A bad request (unknown model, canceled)
// leaves the daemon in its previous state; real failures park it in error.
func (m *Manager) failLoad(modelID string, err error) {
	loadsTotal.WithLabelValues("error").Inc()
	m.publish(EventLoadError, modelID, map[string]any{"kind": string(engine.KindOf(err))})
	m.mu.Lock()
	m.load = loadTrack{}
	switch {
	case engine.IsNotFound(err) || engine.IsInvalid(err) || engine.IsCanceled(err):
		if m.handle != nil {
			m.state = StateReady
		} else {
			m.state = StateIdle
		}
	default:
		m.state = StateError
		m.lastErr = err.Error()
	}
	m.mu.Unlock()
}

// fetch downloads the model snapshot and rescans the registry. Caller holds
// the gate and owns the load track.
func (m *Manager) fetch(ctx context.Context, modelID string, le *loadEmitter) (types.Model, error) {
	if m.cfg.Fetcher == nil || m.cfg.ModelsDir == "" {
		return types.Model{}, engine.NewError(engine.KindNotFound, "load", modelID,
			fmt.Errorf("model %q not in registry", modelID))
	}

	destDir := filepath.Join(m.cfg.ModelsDir, hub.DirName(modelID))
	m.log.Info().Str("model", modelID).Str("dir", destDir).Msg("model not local, fetching")
	err := m.cfg.Fetcher.Download(ctx, modelID, destDir, func(f float64, msg string) {
		le.report(downloadShare*f, msg)
	})
	if err != nil {
		return types.Model{}, engine.Wrap(engine.KindDownload, "load", modelID, err)
	}

	models, err := registry.Scan(m.cfg.ModelsDir)
	if err != nil {
		return types.Model{}, engine.Wrap(engine.KindRuntime, "load", modelID, err)
	}
	m.mu.Lock()
	m.cfg.Registry = models
	m.mu.Unlock()

	mdl, ok := resolveLocal(models, modelID)
	if !ok {
		return types.Model{}, engine.NewError(engine.KindDownload, "load", modelID,
			fmt.Errorf("model %q still missing after download", modelID))
	}
	return mdl, nil
}
