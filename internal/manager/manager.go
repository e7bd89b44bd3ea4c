package manager

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mlxd/internal/engine"
	"mlxd/internal/tier"
	"mlxd/pkg/types"
)

type Manager struct {
	cfg    Config
	events EventPublisher
	log    zerolog.Logger

	// gate is the single model-operation slot; see gate.go.
	gate chan struct{}

	mu        sync.RWMutex
	tier      tier.Tier
	totalMem  uint64
	budget    tier.Budget
	state     State
	current   string // loaded model ID; "" when idle
	handle    engine.Handle
	lastErr   string
	lastReq   *genRequest
	lastRun   *types.LastRun
	cancelGen context.CancelFunc
	load      loadTrack

	acc       accumulator
	startTime time.Time

	// seedFn draws the per-generation seed; swapped in tests.
	seedFn func() int64

	generations uint64
	cleanups    uint64
}

// Ready reports whether a model is loaded and generation can be admitted.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handle != nil && (m.state == StateReady || m.state == StateGenerating)
}

// ListModels returns the registry snapshot.
func (m *Manager) ListModels() []types.Model {
	m.mu.RLock()
	defer m.mu.RUnlock()
	// shallow copy to avoid external mutation
	out := make([]types.Model, len(m.cfg.Registry))
	copy(out, m.cfg.Registry)
	return out
}

// Tier reports the tier currently in effect.
func (m *Manager) Tier() tier.Tier {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tier
}

// Budget reports the generation budget currently in effect.
func (m *Manager) Budget() tier.Budget {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.budget
}

// refreshTier re-runs the tier policy when a source is configured. Every
// generation start and explicit load goes through here, so the budget
// always reflects the latest memory reading rather than the one from
// startup.
func (m *Manager) refreshTier() (tier.Tier, tier.Budget) {
	if m.cfg.TierSource == nil {
		m.mu.RLock()
		defer m.mu.RUnlock()
		return m.tier, m.budget
	}
	t, total := m.cfg.TierSource()
	b := t.Budget()
	m.mu.Lock()
	prev := m.tier
	m.tier = t
	m.totalMem = total
	m.budget = b
	m.mu.Unlock()
	if t != prev {
		m.log.Info().Str("from", prev.String()).Str("to", t.String()).Msg("memory tier changed")
	}
	return t, b
}

// CurrentModel returns the loaded model ID, or "".
func (m *Manager) CurrentModel() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Close releases the loaded model. Called on daemon shutdown.
func (m *Manager) Close(ctx context.Context) error {
	m.Cancel()
	release, err := m.beginOp(ctx)
	if err != nil {
		return err
	}
	defer release()
	m.releaseHandle(ctx, true)
	m.setState(StateIdle)
	return nil
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) publish(name, modelID string, fields map[string]any) {
	m.events.Publish(Event{Name: name, ModelID: modelID, Fields: fields})
}
