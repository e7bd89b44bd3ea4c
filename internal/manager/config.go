package manager

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"mlxd/internal/engine"
	"mlxd/internal/history"
	"mlxd/internal/tier"
	"mlxd/pkg/types"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultCommitInterval = 250 * time.Millisecond
	releaseAttempts       = 3
	releaseBackoff        = 50 * time.Millisecond
)

// Fetcher downloads a model snapshot into destDir. *hub.Client satisfies it.
type Fetcher interface {
	Download(ctx context.Context, repoID, destDir string, progress engine.ProgressFunc) error
}

// Config encapsulates all tunables for Manager construction.
type Config struct {
	Registry     []types.Model
	DefaultModel string
	// ModelsDir receives hub downloads and is rescanned after them.
	ModelsDir string

	Tier             tier.Tier
	TotalMemoryBytes uint64
	// TierSource, when set, is re-consulted at every generation start and
	// explicit load, so a changed memory reading moves the daemon between
	// tiers without a restart. Nil pins the fixed Tier above.
	TierSource func() (tier.Tier, uint64)

	Engine  engine.Engine
	Fetcher Fetcher        // optional: nil disables downloads
	History *history.Store // optional: nil disables persistence
	Events  EventPublisher // optional

	// CommitInterval coalesces streamed text into one commit line per
	// interval.
	CommitInterval time.Duration
	// PreclearLow extends the pre-generation cache clear from the ultra-low
	// tier to the low tier.
	PreclearLow bool

	Logger zerolog.Logger
}

// New constructs a Manager from Config.
func New(cfg Config) *Manager {
	m := &Manager{
		cfg:       cfg,
		tier:      cfg.Tier,
		totalMem:  cfg.TotalMemoryBytes,
		budget:    cfg.Tier.Budget(),
		events:    cfg.Events,
		log:       cfg.Logger,
		gate:      make(chan struct{}, 1),
		state:     StateIdle,
		startTime: time.Now(),
		seedFn:    freshSeed,
	}
	if m.cfg.CommitInterval <= 0 {
		m.cfg.CommitInterval = defaultCommitInterval
	}
	if m.events == nil {
		m.events = noopPublisher{}
	}
	m.refreshTier()
	return m
}

// freshSeed draws a non-zero seed; zero is reserved for "pick one for me".
func freshSeed() int64 {
	for {
		if s := rand.Int64(); s != 0 {
			return s
		}
	}
}
