// Package mlxlm runs models through an OpenAI-compatible mlx_lm.server
// process. Load spawns the server (or attaches to a pre-started one) and
// polls it healthy; Generate streams chat completions over SSE.
package mlxlm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"mlxd/internal/engine"
)

// Config parameterizes the runtime.
type Config struct {
	// Bin launches the runtime, e.g. "mlx_lm.server" or "python".
	Bin string
	// ExtraArgs are appended to the spawn command line.
	ExtraArgs []string
	Host      string
	// PortMin/PortMax bound the chosen port; 0/0 lets the OS pick.
	PortMin int
	PortMax int
	// BaseURL attaches to an already-running server instead of spawning.
	BaseURL string
	// StartTimeout bounds readiness polling after spawn.
	StartTimeout time.Duration
}

// Engine implements engine.Engine over a managed subprocess.
type Engine struct {
	cfg  Config
	http *http.Client
	log  zerolog.Logger
}

// New builds the engine. The HTTP client carries no global timeout; every
// call must bring a context deadline.
func New(cfg Config, log zerolog.Logger) *Engine {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 2 * time.Minute
	}
	return &Engine{cfg: cfg, http: &http.Client{Timeout: 0}, log: log}
}

// handle is one running (or attached) server process serving one model.
type handle struct {
	e       *Engine
	modelID string
	baseURL string

	mu      sync.Mutex
	cmd     *exec.Cmd
	waitErr chan error // closed result of cmd.Wait
	stderr  *bytes.Buffer
}

// Load spawns the runtime for cfg.ModelPath and waits until it serves
// /v1/models, or attaches to the configured BaseURL without spawning.
func (e *Engine) Load(ctx context.Context, cfg engine.LoadConfig, progress engine.ProgressFunc) (engine.Handle, error) {
	report := func(f float64, msg string) {
		if progress != nil {
			progress(f, msg)
		}
	}
	if e.cfg.BaseURL != "" {
		h := &handle{e: e, modelID: cfg.ModelID, baseURL: strings.TrimRight(e.cfg.BaseURL, "/")}
		report(0.5, "checking runtime")
		if !e.healthy(ctx, h.baseURL) {
			return nil, engine.NewError(engine.KindUnavailable, "load", cfg.ModelID,
				fmt.Errorf("runtime at %s not responding", h.baseURL))
		}
		report(1, "runtime ready")
		return h, nil
	}

	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, engine.NewError(engine.KindNotFound, "load", cfg.ModelID, err)
	}
	report(0, "starting runtime")

	port, err := e.pickPort()
	if err != nil {
		return nil, engine.NewError(engine.KindUnavailable, "load", cfg.ModelID, err)
	}
	baseURL := fmt.Sprintf("http://%s:%d", e.cfg.Host, port)

	args := []string{
		"--model", cfg.ModelPath,
		"--host", e.cfg.Host,
		"--port", strconv.Itoa(port),
	}
	if cfg.CacheLimitBytes > 0 {
		// The runtime takes its cache ceiling in gigabytes.
		args = append(args, "--cache-limit-gb", formatGB(cfg.CacheLimitBytes))
	}
	args = append(args, e.cfg.ExtraArgs...)

	cmd := exec.Command(e.cfg.Bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, engine.NewError(engine.KindUnavailable, "load", cfg.ModelID,
				fmt.Errorf("runtime binary %q not found: %w", e.cfg.Bin, err))
		}
		return nil, engine.NewError(engine.KindUnavailable, "load", cfg.ModelID, err)
	}
	e.log.Info().Str("model", cfg.ModelID).Int("pid", cmd.Process.Pid).Str("url", baseURL).Msg("mlxlm: runtime started")

	h := &handle{e: e, modelID: cfg.ModelID, baseURL: baseURL, cmd: cmd, stderr: &stderr, waitErr: make(chan error, 1)}
	go func() { h.waitErr <- cmd.Wait() }()

	// Poll until the server answers, the process dies, or the deadline hits.
	deadline := time.Now().Add(e.cfg.StartTimeout)
	for {
		if err := ctx.Err(); err != nil {
			h.stop()
			return nil, engine.Wrap(engine.KindUnavailable, "load", cfg.ModelID, err)
		}
		if time.Now().After(deadline) {
			h.stop()
			return nil, engine.NewError(engine.KindUnavailable, "load", cfg.ModelID,
				fmt.Errorf("runtime not ready within %s", e.cfg.StartTimeout))
		}
		select {
		case werr := <-h.waitErr:
			return nil, h.classifyExit(werr, "load")
		default:
		}
		if e.healthy(ctx, baseURL) {
			report(1, "runtime ready")
			e.log.Info().Str("model", cfg.ModelID).Str("url", baseURL).Msg("mlxlm: runtime ready")
			return h, nil
		}
		report(0.5, "waiting for runtime")
		time.Sleep(100 * time.Millisecond)
	}
}

// classifyExit turns a process exit into a structured kind: a SIGKILL is
// treated as the OOM killer (memory), other non-zero exits as runtime
// faults. The stderr tail rides along for the logs.
func (h *handle) classifyExit(waitErr error, op string) error {
	tail := ""
	if h.stderr != nil {
		tail = h.stderr.String()
		if len(tail) > 2048 {
			tail = tail[len(tail)-2048:]
		}
	}
	kind := engine.KindRuntime
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() && ws.Signal() == syscall.SIGKILL {
			kind = engine.KindMemory
		}
	}
	if waitErr == nil {
		waitErr = errors.New("runtime exited before ready")
	}
	if tail != "" {
		h.e.log.Warn().Str("model", h.modelID).Str("stderr", tail).Msg("mlxlm: runtime exited")
	}
	return engine.NewError(kind, op, h.modelID, waitErr)
}

// exited reports a process exit observed so far, without blocking.
func (h *handle) exited() (error, bool) {
	if h.waitErr == nil {
		return nil, false
	}
	select {
	case werr := <-h.waitErr:
		// Put it back for Close.
		h.waitErr <- werr
		return werr, true
	default:
		return nil, false
	}
}

func (e *Engine) healthy(ctx context.Context, baseURL string) bool {
	hctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(hctx, http.MethodGet, baseURL+"/v1/models", nil)
	if err != nil {
		return false
	}
	resp, err := e.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (e *Engine) pickPort() (int, error) {
	if e.cfg.PortMin > 0 && e.cfg.PortMax >= e.cfg.PortMin {
		for p := e.cfg.PortMin; p <= e.cfg.PortMax; p++ {
			l, err := net.Listen("tcp", fmt.Sprintf("%s:%d", e.cfg.Host, p))
			if err != nil {
				continue
			}
			_ = l.Close()
			return p, nil
		}
		return 0, fmt.Errorf("no free port in range %d-%d", e.cfg.PortMin, e.cfg.PortMax)
	}
	l, err := net.Listen("tcp", e.cfg.Host+":0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	addr := l.Addr().String()
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return 0, fmt.Errorf("unexpected addr: %s", addr)
	}
	return strconv.Atoi(addr[idx+1:])
}

func formatGB(bytes int64) string {
	return strconv.FormatFloat(float64(bytes)/(1<<30), 'f', -1, 64)
}

// Wire types for the OpenAI-compatible chat surface.

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *imageURLPart `json:"image_url,omitempty"`
	VideoURL *imageURLPart `json:"video_url,omitempty"`
}

type imageURLPart struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
	TopP        float32       `json:"top_p,omitempty"`
	Seed        int64         `json:"seed,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// buildMessages maps a request to chat messages; images and video become
// content parts the way vision-capable servers expect them.
func buildMessages(req engine.Request) []chatMessage {
	var msgs []chatMessage
	if req.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.System})
	}
	if len(req.Images) == 0 && req.Video == "" {
		msgs = append(msgs, chatMessage{Role: "user", Content: req.Prompt})
		return msgs
	}
	parts := []contentPart{{Type: "text", Text: req.Prompt}}
	for _, img := range req.Images {
		parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURLPart{URL: img}})
	}
	if req.Video != "" {
		parts = append(parts, contentPart{Type: "video_url", VideoURL: &imageURLPart{URL: req.Video}})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: parts})
	return msgs
}

func (h *handle) Generate(ctx context.Context, req engine.Request, p engine.Params, onChunk func(engine.Chunk) error) (engine.Result, error) {
	payload := chatRequest{
		Messages:    buildMessages(req),
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
		TopP:        p.TopP,
		Seed:        p.Seed,
		Stream:      true,
	}
	body, _ := json.Marshal(payload)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return engine.Result{}, engine.Wrap(engine.KindRuntime, "generate", h.modelID, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := h.e.http.Do(httpReq)
	if err != nil {
		return engine.Result{}, h.classifyTransport(ctx, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return engine.Result{}, engine.NewError(engine.KindFromHTTPStatus(resp.StatusCode), "generate", h.modelID,
			fmt.Errorf("runtime returned %s: %s", resp.Status, strings.TrimSpace(string(b))))
	}

	var res engine.Result
	var out strings.Builder
	frags, usageTokens := 0, 0
	r := bufio.NewReader(resp.Body)
	for {
		line, rerr := r.ReadString('\n')
		if l := strings.TrimSpace(line); l != "" && strings.HasPrefix(strings.ToLower(l), "data:") {
			data := strings.TrimSpace(l[len("data:"):])
			if data == "[DONE]" {
				break
			}
			var msg chatStreamChunk
			if e := json.Unmarshal([]byte(data), &msg); e == nil {
				if msg.Usage != nil && msg.Usage.CompletionTokens > 0 {
					usageTokens = msg.Usage.CompletionTokens
				}
				if len(msg.Choices) > 0 {
					if frag := msg.Choices[0].Delta.Content; frag != "" {
						if cbErr := onChunk(engine.Chunk{Text: frag}); cbErr != nil {
							return res, cbErr
						}
						out.WriteString(frag)
						frags++
					}
					if fr := msg.Choices[0].FinishReason; fr != "" {
						res.FinishReason = fr
					}
				}
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return res, h.classifyTransport(ctx, rerr)
		}
	}
	res.Output = out.String()
	// The server's usage count is authoritative; one-token-per-delta is the
	// fallback when the stream carries no usage.
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

// classifyTransport maps a transport failure to a kind. A canceled caller
// wins; after that the process state decides: a dead runtime killed by the
// OOM killer means memory, any other exit means runtime.
func (h *handle) classifyTransport(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return engine.Wrap(engine.KindCanceled, "generate", h.modelID, cerr)
	}
	if errors.Is(err, context.Canceled) {
		return engine.Wrap(engine.KindCanceled, "generate", h.modelID, err)
	}
	if werr, dead := h.exited(); dead {
		return h.classifyExit(werr, "generate")
	}
	return engine.Wrap(engine.KindRuntime, "generate", h.modelID, err)
}

// ClearCache is a no-op for this runtime: the compute cache lives inside
// the server process and is bounded by the --cache-limit flag passed at
// spawn. Unloading is the only way to hand memory back eagerly.
func (h *handle) ClearCache(ctx context.Context) error {
	h.e.log.Debug().Str("model", h.modelID).Msg("mlxlm: clear-cache is a no-op for the subprocess runtime")
	return nil
}

// Close stops the spawned process, SIGTERM first, then SIGKILL.
func (h *handle) Close() error {
	h.stop()
	return nil
}

func (h *handle) stop() {
	h.mu.Lock()
	cmd := h.cmd
	h.cmd = nil
	h.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	if h.waitErr == nil {
		_ = cmd.Process.Kill()
		return
	}
	select {
	case <-h.waitErr:
	case <-time.After(2 * time.Second):
		_ = cmd.Process.Kill()
		select {
		case <-h.waitErr:
		case <-time.After(time.Second):
		}
	}
	h.e.log.Info().Str("model", h.modelID).Msg("mlxlm: runtime stopped")
}
