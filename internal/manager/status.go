package manager

import (
	"time"

	"mlxd/pkg/types"
)

// Snapshot returns a read-only view of the manager state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{State: m.state, Model: m.current, Err: m.lastErr}
}

// Status builds the detailed response for GET /status.
func (m *Manager) Status() types.StatusResponse {
	now := time.Now()

	m.mu.RLock()
	resp := types.StatusResponse{
		State:            string(m.state),
		Model:            m.current,
		MemoryTotalBytes: m.totalMem,
		Running:          m.state == StateGenerating,
		GenerationsTotal: m.generations,
		CleanupsTotal:    m.cleanups,
		UptimeSeconds:    int64(now.Sub(m.startTime).Seconds()),
		ServerTimeUnix:   now.Unix(),
		Last:             m.lastRun,
		Tier: types.TierInfo{
			Tier:             m.tier.String(),
			CacheLimitBytes:  m.budget.CacheLimitBytes,
			MemoryLimitBytes: m.budget.MemoryLimitBytes,
			MaxTokens:        m.budget.MaxTokens,
			ImageEdgePixels:  m.budget.ImageEdgePixels,
		},
	}
	if m.load.active {
		resp.Load = &types.LoadStatus{
			Percent:   int(m.load.fraction * 100),
			ETAMillis: m.load.eta(now),
			Message:   m.load.message,
		}
	}
	m.mu.RUnlock()

	resp.OutputBytes = m.acc.Len()
	return resp
}
