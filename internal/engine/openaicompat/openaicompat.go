// Package openaicompat serves models through a remote OpenAI-compatible
// endpoint. Nothing runs locally: Load verifies the endpoint answers and
// Generate streams chat completions through the official client.
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/rs/zerolog"

	"mlxd/internal/engine"
)

// Config locates the remote endpoint.
type Config struct {
	// BaseURL of the OpenAI-compatible API, e.g. "http://127.0.0.1:8081/v1".
	BaseURL string
	// APIKey is sent as a bearer token when set.
	APIKey string
	// Model overrides the remote model name; default is the registry ID.
	Model string
}

// Engine implements engine.Engine against a remote endpoint.
type Engine struct {
	cfg Config
	log zerolog.Logger
}

func New(cfg Config, log zerolog.Logger) *Engine {
	return &Engine{cfg: cfg, log: log}
}

type handle struct {
	e           *Engine
	modelID     string
	remoteModel string
	client      openai.Client
}

// Load builds the client and verifies the endpoint serves /models. There is
// nothing to download or warm up, so progress jumps straight to ready.
func (e *Engine) Load(ctx context.Context, cfg engine.LoadConfig, progress engine.ProgressFunc) (engine.Handle, error) {
	if e.cfg.BaseURL == "" {
		return nil, engine.NewError(engine.KindInvalid, "load", cfg.ModelID, errors.New("openai engine: base URL not configured"))
	}
	opts := []option.RequestOption{
		option.WithBaseURL(strings.TrimRight(e.cfg.BaseURL, "/")),
	}
	if e.cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(e.cfg.APIKey))
	}
	client := openai.NewClient(opts...)

	if progress != nil {
		progress(0.5, "checking remote endpoint")
	}
	if _, err := client.Models.List(ctx); err != nil {
		return nil, classify(ctx, "load", cfg.ModelID, err)
	}
	if progress != nil {
		progress(1, "remote endpoint ready")
	}

	remote := e.cfg.Model
	if remote == "" {
		remote = cfg.ModelID
	}
	e.log.Info().Str("model", cfg.ModelID).Str("remote_model", remote).Str("url", e.cfg.BaseURL).Msg("openaicompat: endpoint ready")
	return &handle{e: e, modelID: cfg.ModelID, remoteModel: remote, client: client}, nil
}

func (h *handle) Generate(ctx context.Context, req engine.Request, p engine.Params, onChunk func(engine.Chunk) error) (engine.Result, error) {
	if len(req.Images) > 0 || req.Video != "" {
		return engine.Result{}, engine.NewError(engine.KindInvalid, "generate", h.modelID,
			errors.New("image and video inputs are not supported by the openai engine"))
	}

	var msgs []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	msgs = append(msgs, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    h.remoteModel,
		Messages: msgs,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if p.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(p.MaxTokens))
	}
	if p.Temperature > 0 {
		params.Temperature = openai.Float(float64(p.Temperature))
	}
	if p.TopP > 0 {
		params.TopP = openai.Float(float64(p.TopP))
	}
	if p.Seed != 0 {
		params.Seed = openai.Int(p.Seed)
	}

	start := time.Now()
	stream := h.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var res engine.Result
	var out strings.Builder
	frags, usageTokens := 0, 0
	for stream.Next() {
		chunk := stream.Current()
		if chunk.Usage.CompletionTokens > 0 {
			usageTokens = int(chunk.Usage.CompletionTokens)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if frag := chunk.Choices[0].Delta.Content; frag != "" {
			if err := onChunk(engine.Chunk{Text: frag}); err != nil {
				return res, err
			}
			out.WriteString(frag)
			frags++
		}
		if fr := chunk.Choices[0].FinishReason; fr != "" {
			res.FinishReason = fr
		}
	}
	if err := stream.Err(); err != nil {
		return res, classify(ctx, "generate", h.modelID, err)
	}

	res.Output = out.String()
	res.TokenCount = usageTokens
	if res.TokenCount == 0 {
		res.TokenCount = frags
	}
	if secs := time.Since(start).Seconds(); secs > 0 && res.TokenCount > 0 {
		res.TokensPerSecond = float64(res.TokenCount) / secs
	}
	if res.FinishReason == "" {
		res.FinishReason = "stop"
	}
	return res, nil
}

// classify maps client errors to kinds: the caller's cancellation first,
// then the HTTP status when the API answered, else the endpoint is
// unreachable.
func classify(ctx context.Context, op, model string, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return engine.Wrap(engine.KindCanceled, op, model, cerr)
	}
	if errors.Is(err, context.Canceled) {
		return engine.Wrap(engine.KindCanceled, op, model, err)
	}
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return engine.NewError(engine.KindFromHTTPStatus(apierr.StatusCode), op, model,
			fmt.Errorf("remote endpoint: %w", err))
	}
	return engine.Wrap(engine.KindUnavailable, op, model, err)
}

// ClearCache is a no-op: cache policy belongs to the remote server.
func (h *handle) ClearCache(ctx context.Context) error {
	h.e.log.Debug().Str("model", h.modelID).Msg("openaicompat: clear-cache is a no-op for remote endpoints")
	return nil
}

// Close drops the handle; the remote server owns the model lifecycle.
func (h *handle) Close() error { return nil }
