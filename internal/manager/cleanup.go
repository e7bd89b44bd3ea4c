package manager

import (
	"context"
	"time"

	"mlxd/internal/tier"
)

// releaseTimeout bounds any post-generation or shutdown release pass; the
// daemon never sleeps until memory reads clean.
const releaseTimeout = 10 * time.Second

// preclear drops the engine cache before a generation starts. The ultra-low
// tier always pre-clears; the low tier only when configured. Failures are
// logged and ignored, a stale cache must not block generation.
func (m *Manager) preclear(ctx context.Context) {
	t := m.Tier()
	if t != tier.UltraLow && !(t == tier.Low && m.cfg.PreclearLow) {
		return
	}
	if err := m.clearCache(ctx); err != nil {
		m.log.Warn().Err(err).Msg("pre-generation cache clear failed")
	}
}

// postRelease applies the tier policy after a generation ends, success or
// not: ultra-low clears the cache and unloads the model, low clears the
// cache and keeps the weights, standard keeps everything warm.
func (m *Manager) postRelease() {
	t := m.Tier()
	if t == tier.Standard {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	if err := m.clearCache(ctx); err != nil {
		m.log.Warn().Err(err).Msg("post-generation cache clear failed")
	}
	if t == tier.UltraLow {
		m.releaseHandle(ctx, true)
		m.log.Debug().Msg("ultra-low tier: model unloaded after generation")
	}
	cleanupsTotal.WithLabelValues("tier").Inc()
}

// clearCache asks the loaded handle to drop cached memory, retrying a small
// fixed number of times. Nil-safe when nothing is loaded.
func (m *Manager) clearCache(ctx context.Context) error {
	m.mu.RLock()
	h := m.handle
	m.mu.RUnlock()
	if h == nil {
		return nil
	}
	return withRetry(func() error { return h.ClearCache(ctx) })
}

// releaseHandle closes the loaded handle with bounded retries and clears
// the current model. Caller holds the gate.
func (m *Manager) releaseHandle(ctx context.Context, logIt bool) {
	m.mu.Lock()
	h := m.handle
	model := m.current
	m.handle = nil
	m.current = ""
	m.mu.Unlock()
	if h == nil {
		return
	}
	if err := withRetry(h.Close); err != nil {
		m.log.Error().Err(err).Str("model", model).Msg("handle close failed, resources may leak until exit")
		return
	}
	if logIt {
		m.log.Info().Str("model", model).Msg("model unloaded")
	}
}

// withRetry runs op up to releaseAttempts times with a short fixed backoff.
func withRetry(op func() error) error {
	var err error
	for i := 0; i < releaseAttempts; i++ {
		if err = op(); err == nil {
			return nil
		}
		if i < releaseAttempts-1 {
			time.Sleep(releaseBackoff)
		}
	}
	return err
}

// Unload releases the loaded model. Reports whether anything was loaded.
func (m *Manager) Unload(ctx context.Context) (bool, error) {
	release, err := m.beginOp(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	m.mu.RLock()
	model := m.current
	had := m.handle != nil
	m.mu.RUnlock()
	if !had {
		return false, nil
	}
	m.releaseHandle(ctx, true)
	m.setState(StateIdle)
	cleanupsTotal.WithLabelValues("unload").Inc()
	m.publish(EventUnload, model, nil)
	return true, nil
}

// EmergencyCleanup cancels any in-flight generation and releases engine
// memory outright. The pressure watcher calls this when available memory
// drops below its threshold; it is also reachable via POST /v1/cleanup.
func (m *Manager) EmergencyCleanup(ctx context.Context, reason string) error {
	m.Cancel()
	release, err := m.beginOp(ctx)
	if err != nil {
		return err
	}
	defer release()

	m.mu.RLock()
	model := m.current
	m.mu.RUnlock()

	cctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := m.clearCache(cctx); err != nil {
		m.log.Warn().Err(err).Msg("emergency cache clear failed")
	}
	m.releaseHandle(cctx, false)
	m.setState(StateIdle)

	m.mu.Lock()
	m.cleanups++
	m.mu.Unlock()
	cleanupsTotal.WithLabelValues("emergency").Inc()
	m.publish(EventCleanupEmergency, model, map[string]any{"reason": reason})
	m.log.Warn().Str("reason", reason).Str("model", model).Msg("emergency cleanup: model released")
	return nil
}
