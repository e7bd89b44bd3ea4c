// Package pressure watches available system memory and fires the emergency
// cleanup path when the machine is close to exhaustion. The watcher is the
// only caller of cleanup that acts on its own; everything else waits for an
// operator or a request.
package pressure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var pressureEventsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "mlxd",
		Subsystem: "pressure",
		Name:      "events_total",
		Help:      "Low-memory events that triggered emergency cleanup",
	},
)

func init() {
	prometheus.MustRegister(pressureEventsTotal)
}

// SampleFunc reports available and total memory in bytes.
type SampleFunc func() (avail, total uint64, err error)

// Config parameterizes a Watcher.
type Config struct {
	// Threshold is the available-memory fraction below which cleanup fires.
	// Must be in (0,1).
	Threshold float64
	// Interval is the poll cadence. Defaults to 5s.
	Interval time.Duration
	// Cooldown is the minimum spacing between two cleanup triggers, so a
	// slow cleanup is not piled onto. Defaults to 30s.
	Cooldown time.Duration
	// Sample overrides the platform sampler. Defaults to ReadMemory.
	Sample SampleFunc
	// OnLow runs when available memory drops below the threshold.
	OnLow func(ctx context.Context, reason string) error

	Logger zerolog.Logger
}

// Watcher polls memory and invokes the cleanup callback. One goroutine,
// stopped by canceling the context handed to Start.
type Watcher struct {
	cfg      Config
	lastFire time.Time
}

// New validates cfg and builds a Watcher.
func New(cfg Config) (*Watcher, error) {
	if cfg.Threshold <= 0 || cfg.Threshold >= 1 {
		return nil, fmt.Errorf("pressure threshold must be in (0,1), got %v", cfg.Threshold)
	}
	if cfg.OnLow == nil {
		return nil, errors.New("pressure watcher needs an OnLow callback")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Sample == nil {
		cfg.Sample = ReadMemory
	}
	return &Watcher{cfg: cfg}, nil
}

// Start polls until ctx is done. It blocks; run it in its own goroutine.
func (w *Watcher) Start(ctx context.Context) {
	t := time.NewTicker(w.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.check(ctx)
		}
	}
}

func (w *Watcher) check(ctx context.Context) {
	avail, total, err := w.cfg.Sample()
	if err != nil || total == 0 {
		w.cfg.Logger.Debug().Err(err).Msg("memory sample unavailable")
		return
	}
	frac := float64(avail) / float64(total)
	if frac >= w.cfg.Threshold {
		return
	}
	if !w.lastFire.IsZero() && time.Since(w.lastFire) < w.cfg.Cooldown {
		return
	}
	// The cooldown window starts at the trigger, not at cleanup completion;
	// a failing cleanup is retried no sooner than the next window.
	w.lastFire = time.Now()
	pressureEventsTotal.Inc()

	reason := fmt.Sprintf("memory pressure: %.1f%% available", frac*100)
	w.cfg.Logger.Warn().
		Uint64("avail_bytes", avail).
		Uint64("total_bytes", total).
		Float64("threshold", w.cfg.Threshold).
		Msg("low memory, running emergency cleanup")
	if err := w.cfg.OnLow(ctx, reason); err != nil {
		w.cfg.Logger.Error().Err(err).Msg("emergency cleanup failed")
	}
}
