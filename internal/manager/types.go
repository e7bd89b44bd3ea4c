package manager

import "mlxd/internal/engine"

// State is the daemon-visible lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateLoading    State = "loading"
	StateReady      State = "ready"
	StateGenerating State = "generating"
	StateError      State = "error"
)

// Snapshot is a read-only view of the manager state.
type Snapshot struct {
	State State
	Model string
	Err   string
}

// genRequest is the tuple recorded at every generation start. Retry replays
// it unchanged: Seed holds the requested value, so an explicit seed repeats
// and an auto seed (zero) draws fresh again.
type genRequest struct {
	Model       string
	Req         engine.Request
	MaxTokens   int
	Temperature float32
	TopP        float32
	Seed        int64
}
