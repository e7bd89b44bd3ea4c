//go:build !llama

package llamacpp

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"mlxd/internal/engine"
)

// Engine is the no-CGO stub compiled without the 'llama' build tag. It
// refuses to load rather than mock inference, keeping default builds and CI
// CGO-free.
type Engine struct {
	cfg Config
	log zerolog.Logger
}

func New(cfg Config, log zerolog.Logger) *Engine {
	return &Engine{cfg: cfg.withDefaults(), log: log}
}

func (e *Engine) Load(ctx context.Context, cfg engine.LoadConfig, progress engine.ProgressFunc) (engine.Handle, error) {
	return nil, engine.NewError(engine.KindUnavailable, "load", cfg.ModelID,
		errors.New("llama support not built (missing 'llama' build tag)"))
}
