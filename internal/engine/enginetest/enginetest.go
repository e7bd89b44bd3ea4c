// Package enginetest provides a scripted in-memory engine shared by the
// manager, httpapi, and e2e tests.
package enginetest

import (
	"context"
	"strings"
	"sync"
	"time"

	"mlxd/internal/engine"
)

// Step is one scripted load-progress report.
type Step struct {
	Fraction float64
	Message  string
}

// Engine implements engine.Engine with scripted behavior. Configure the
// exported fields before use; observation getters are safe to call
// concurrently with a running generation.
type Engine struct {
	LoadErr    error
	LoadDelay  time.Duration
	LoadSteps  []Step
	GenErr     error
	Chunks     []string
	ChunkDelay time.Duration
	Result     engine.Result
	ClearErr   error

	mu         sync.Mutex
	loads      int
	clears     int
	closes     int
	lastCfg    engine.LoadConfig
	lastReq    engine.Request
	lastParams engine.Params
}

func New() *Engine { return &Engine{} }

func (e *Engine) Load(ctx context.Context, cfg engine.LoadConfig, progress engine.ProgressFunc) (engine.Handle, error) {
	e.mu.Lock()
	e.loads++
	e.lastCfg = cfg
	e.mu.Unlock()
	if e.LoadDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.LoadDelay):
		}
	}
	if e.LoadErr != nil {
		return nil, e.LoadErr
	}
	for _, s := range e.LoadSteps {
		if progress != nil {
			progress(s.Fraction, s.Message)
		}
	}
	return &Handle{e: e}, nil
}

// Loads reports how many times Load was called.
func (e *Engine) Loads() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loads
}

// Clears reports how many times ClearCache was called across handles.
func (e *Engine) Clears() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clears
}

// Closes reports how many handles were closed.
func (e *Engine) Closes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closes
}

// LastConfig returns the LoadConfig of the most recent Load.
func (e *Engine) LastConfig() engine.LoadConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastCfg
}

// LastRequest returns the Request of the most recent Generate.
func (e *Engine) LastRequest() engine.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastReq
}

// LastParams returns the Params of the most recent Generate.
func (e *Engine) LastParams() engine.Params {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastParams
}

// Handle is the scripted counterpart of engine.Handle.
type Handle struct {
	e *Engine
}

func (h *Handle) Generate(ctx context.Context, req engine.Request, p engine.Params, onChunk func(engine.Chunk) error) (engine.Result, error) {
	e := h.e
	e.mu.Lock()
	e.lastReq = req
	e.lastParams = p
	e.mu.Unlock()
	if e.GenErr != nil {
		return engine.Result{}, e.GenErr
	}
	var out strings.Builder
	emitted := 0
	capped := false
	for _, c := range e.Chunks {
		if p.MaxTokens > 0 && emitted >= p.MaxTokens {
			capped = true
			break
		}
		if e.ChunkDelay > 0 {
			select {
			case <-ctx.Done():
				return engine.Result{}, ctx.Err()
			case <-time.After(e.ChunkDelay):
			}
		} else if err := ctx.Err(); err != nil {
			return engine.Result{}, err
		}
		if err := onChunk(engine.Chunk{Text: c}); err != nil {
			return engine.Result{}, err
		}
		out.WriteString(c)
		emitted++
	}
	res := e.Result
	if res.Output == "" {
		res.Output = out.String()
	}
	if res.TokenCount == 0 {
		res.TokenCount = emitted
	}
	if res.FinishReason == "" {
		if capped {
			res.FinishReason = "length"
		} else {
			res.FinishReason = "stop"
		}
	}
	return res, nil
}

func (h *Handle) ClearCache(ctx context.Context) error {
	h.e.mu.Lock()
	h.e.clears++
	h.e.mu.Unlock()
	return h.e.ClearErr
}

func (h *Handle) Close() error {
	h.e.mu.Lock()
	h.e.closes++
	h.e.mu.Unlock()
	return nil
}
