package mlxctl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"mlxd/pkg/types"
)

// APIError is a non-2xx daemon reply, or the terminal error line of a
// stream (Code 0 in that case, the stream itself was 200).
type APIError struct {
	Code int
	Kind string
	Msg  string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s (kind=%s)", e.Msg, e.Kind)
	}
	return e.Msg
}

// Client talks to a running daemon. The underlying http.Client carries no
// global timeout; unary calls bring a context deadline and streams run
// until the daemon finishes or ctx is canceled.
type Client struct {
	base string
	http *http.Client
}

func NewClient(addr string) *Client {
	return &Client{base: normalizeBase(addr), http: &http.Client{}}
}

// normalizeBase accepts ":8080", "host:8080", or a full URL.
func normalizeBase(addr string) string {
	a := strings.TrimSpace(addr)
	if a == "" {
		a = "http://127.0.0.1:8080"
	}
	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if !strings.Contains(a, "://") {
		a = "http://" + a
	}
	return strings.TrimRight(a, "/")
}

func (c *Client) Status(ctx context.Context) (types.StatusResponse, error) {
	var out types.StatusResponse
	err := c.getJSON(ctx, "/status", &out)
	return out, err
}

func (c *Client) Models(ctx context.Context) (types.ModelsResponse, error) {
	var out types.ModelsResponse
	err := c.getJSON(ctx, "/v1/models", &out)
	return out, err
}

func (c *Client) History(ctx context.Context, limit int) (types.HistoryResponse, error) {
	path := "/v1/history"
	if limit > 0 {
		path = fmt.Sprintf("/v1/history?limit=%d", limit)
	}
	var out types.HistoryResponse
	err := c.getJSON(ctx, path, &out)
	return out, err
}

func (c *Client) Cancel(ctx context.Context) (types.CancelResponse, error) {
	var out types.CancelResponse
	err := c.postJSON(ctx, "/v1/cancel", nil, &out)
	return out, err
}

func (c *Client) Unload(ctx context.Context) (types.UnloadResponse, error) {
	var out types.UnloadResponse
	err := c.postJSON(ctx, "/v1/unload", nil, &out)
	return out, err
}

func (c *Client) Cleanup(ctx context.Context, reason string) (types.CleanupResponse, error) {
	var body any
	if reason != "" {
		body = map[string]string{"reason": reason}
	}
	var out types.CleanupResponse
	err := c.postJSON(ctx, "/v1/cleanup", body, &out)
	return out, err
}

// Generate streams a completion. Each coalesced text chunk is handed to
// onChunk as it arrives; the terminal line is returned.
func (c *Client) Generate(ctx context.Context, req types.GenerateRequest, onChunk func(types.GenerateChunk)) (types.GenerateDone, error) {
	return c.generateStream(ctx, "/v1/generate", req, onChunk)
}

// Retry replays the daemon's last generation request.
func (c *Client) Retry(ctx context.Context, onChunk func(types.GenerateChunk)) (types.GenerateDone, error) {
	return c.generateStream(ctx, "/v1/retry", nil, onChunk)
}

func (c *Client) generateStream(ctx context.Context, path string, body any, onChunk func(types.GenerateChunk)) (types.GenerateDone, error) {
	var done types.GenerateDone
	resp, err := c.stream(ctx, path, body)
	if err != nil {
		return done, err
	}
	defer resp.Body.Close()

	// Superset of chunk, done, and error lines; dispatched per line.
	type line struct {
		Text            string  `json:"text"`
		Done            bool    `json:"done"`
		Output          string  `json:"output"`
		Tokens          int     `json:"tokens"`
		TokensPerSecond float64 `json:"tokens_per_second"`
		FinishReason    string  `json:"finish_reason"`
		Error           string  `json:"error"`
		Kind            string  `json:"kind"`
	}
	sc := newLineScanner(resp.Body)
	for sc.Scan() {
		raw := sc.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var l line
		if err := json.Unmarshal(raw, &l); err != nil {
			return done, fmt.Errorf("bad stream line: %w", err)
		}
		switch {
		case l.Error != "":
			return done, &APIError{Kind: l.Kind, Msg: l.Error}
		case l.Done:
			done = types.GenerateDone{
				Done:            true,
				Output:          l.Output,
				Tokens:          l.Tokens,
				TokensPerSecond: l.TokensPerSecond,
				FinishReason:    l.FinishReason,
			}
			return done, nil
		default:
			if onChunk != nil {
				onChunk(types.GenerateChunk{Text: l.Text})
			}
		}
	}
	if err := sc.Err(); err != nil {
		return done, err
	}
	return done, fmt.Errorf("stream ended without a terminal line")
}

// Load streams a model load, reporting progress lines to onProgress.
func (c *Client) Load(ctx context.Context, model string, onProgress func(types.LoadProgress)) (types.LoadDone, error) {
	var done types.LoadDone
	var body any
	if model != "" {
		body = types.LoadRequest{Model: model}
	}
	resp, err := c.stream(ctx, "/v1/load", body)
	if err != nil {
		return done, err
	}
	defer resp.Body.Close()

	type line struct {
		Progress  float64 `json:"progress"`
		Percent   int     `json:"percent"`
		ETAMillis int64   `json:"eta_ms"`
		Message   string  `json:"message"`
		Done      bool    `json:"done"`
		Model     string  `json:"model"`
		Error     string  `json:"error"`
		Kind      string  `json:"kind"`
	}
	sc := newLineScanner(resp.Body)
	for sc.Scan() {
		raw := sc.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var l line
		if err := json.Unmarshal(raw, &l); err != nil {
			return done, fmt.Errorf("bad stream line: %w", err)
		}
		switch {
		case l.Error != "":
			return done, &APIError{Kind: l.Kind, Msg: l.Error}
		case l.Done:
			return types.LoadDone{Done: true, Model: l.Model}, nil
		default:
			if onProgress != nil {
				onProgress(types.LoadProgress{
					Progress:  l.Progress,
					Percent:   l.Percent,
					ETAMillis: l.ETAMillis,
					Message:   l.Message,
				})
			}
		}
	}
	if err := sc.Err(); err != nil {
		return done, err
	}
	return done, fmt.Errorf("stream ended without a terminal line")
}

// stream POSTs and returns the open response body after checking the status.
func (c *Client) stream(ctx context.Context, path string, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	debug("POST %s%s", c.base, path)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.decodeError(resp)
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	debug("GET %s%s", c.base, path)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.decodeError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	debug("POST %s%s", c.base, path)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.decodeError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) decodeError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var e types.ErrorResponse
	if err := json.Unmarshal(b, &e); err == nil && e.Error != "" {
		return &APIError{Code: e.Code, Kind: e.Kind, Msg: e.Error}
	}
	msg := strings.TrimSpace(string(b))
	if msg == "" {
		msg = resp.Status
	}
	return &APIError{Code: resp.StatusCode, Msg: msg}
}

// newLineScanner sizes a scanner for coalesced NDJSON lines, which can
// carry many KB of text per commit.
func newLineScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return sc
}
