//go:build llama

package llamacpp

import (
	"context"
	"errors"
	"os"
	"time"

	llama "github.com/go-skynet/go-llama.cpp"
	"github.com/rs/zerolog"

	"mlxd/internal/engine"
)

// Engine loads gguf weights in-process.
type Engine struct {
	cfg Config
	log zerolog.Logger
}

func New(cfg Config, log zerolog.Logger) *Engine {
	return &Engine{cfg: cfg.withDefaults(), log: log}
}

type handle struct {
	e       *Engine
	modelID string
	model   *llama.LLama
}

// Load reads the weights synchronously; there is no incremental progress to
// surface, so the callback marks start and end of the mapping.
func (e *Engine) Load(ctx context.Context, cfg engine.LoadConfig, progress engine.ProgressFunc) (engine.Handle, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, engine.NewError(engine.KindNotFound, "load", cfg.ModelID, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, engine.Wrap(engine.KindCanceled, "load", cfg.ModelID, err)
	}
	if progress != nil {
		progress(0, "loading weights")
	}
	m, err := llama.New(cfg.ModelPath, llama.SetContext(e.cfg.ContextSize))
	if err != nil {
		return nil, engine.NewError(engine.KindRuntime, "load", cfg.ModelID, err)
	}
	if progress != nil {
		progress(1, "weights loaded")
	}
	e.log.Info().Str("model", cfg.ModelID).Str("path", cfg.ModelPath).Int("ctx", e.cfg.ContextSize).Msg("llamacpp: model loaded")
	return &handle{e: e, modelID: cfg.ModelID, model: m}, nil
}

func (h *handle) Generate(ctx context.Context, req engine.Request, p engine.Params, onChunk func(engine.Chunk) error) (engine.Result, error) {
	if h.model == nil {
		return engine.Result{}, engine.NewError(engine.KindUnavailable, "generate", h.modelID, errors.New("model not loaded"))
	}
	if len(req.Images) > 0 || req.Video != "" {
		return engine.Result{}, engine.NewError(engine.KindInvalid, "generate", h.modelID,
			errors.New("image and video inputs are not supported by the llama engine"))
	}

	prompt := req.Prompt
	if req.System != "" {
		prompt = req.System + "\n\n" + req.Prompt
	}

	var cbErr error
	tokens := 0
	h.model.SetTokenCallback(func(tok string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		if err := onChunk(engine.Chunk{Text: tok}); err != nil {
			cbErr = err
			return false
		}
		tokens++
		return true
	})

	maxTokens := p.MaxTokens
	if maxTokens < 1 {
		maxTokens = 1
	}
	po := []llama.PredictOption{
		llama.SetTokens(maxTokens),
		llama.SetThreads(h.e.cfg.Threads),
	}
	if p.Temperature > 0 {
		po = append(po, llama.SetTemperature(p.Temperature))
	}
	if p.TopP > 0 {
		po = append(po, llama.SetTopP(p.TopP))
	}
	if p.Seed != 0 {
		po = append(po, llama.SetSeed(int(p.Seed)))
	}

	start := time.Now()
	text, err := h.model.Predict(prompt, po...)
	if err != nil {
		if ctx.Err() != nil {
			return engine.Result{}, engine.Wrap(engine.KindCanceled, "generate", h.modelID, ctx.Err())
		}
		return engine.Result{}, engine.NewError(engine.KindRuntime, "generate", h.modelID, err)
	}
	// A false return from the token callback ends Predict without an error;
	// surface what actually stopped us.
	if cbErr != nil {
		return engine.Result{}, cbErr
	}
	if ctx.Err() != nil {
		return engine.Result{}, engine.Wrap(engine.KindCanceled, "generate", h.modelID, ctx.Err())
	}

	res := engine.Result{Output: text, TokenCount: tokens, FinishReason: "stop"}
	if p.MaxTokens > 0 && tokens >= p.MaxTokens {
		res.FinishReason = "length"
	}
	if secs := time.Since(start).Seconds(); secs > 0 && tokens > 0 {
		res.TokensPerSecond = float64(tokens) / secs
	}
	return res, nil
}

// ClearCache is a no-op: go-llama.cpp exposes no cache-release hook short of
// freeing the model, which Close already does.
func (h *handle) ClearCache(ctx context.Context) error {
	h.e.log.Debug().Str("model", h.modelID).Msg("llamacpp: clear-cache is a no-op for the in-process runtime")
	return nil
}

func (h *handle) Close() error {
	if h.model != nil {
		h.model.Free()
		h.model = nil
	}
	return nil
}
