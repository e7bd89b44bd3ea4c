package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mlxd/internal/engine/enginetest"
	"mlxd/internal/history"
	"mlxd/internal/httpapi"
	"mlxd/internal/manager"
	"mlxd/internal/registry"
	"mlxd/internal/tier"
)

// writeMLXModel lays down a minimal mlx snapshot (config.json + weights)
// that the registry scanner accepts.
func writeMLXModel(t *testing.T, base, name string) {
	t.Helper()
	dir := filepath.Join(base, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	for file, content := range map[string]string{
		"config.json":       `{"model_type":"qwen2"}`,
		"model.safetensors": "stub-weights",
		"tokenizer.json":    "{}",
	} {
		if err := os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", file, err)
		}
	}
}

func writeGGUFModel(t *testing.T, base, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(base, name), []byte("GGUF"), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

// daemonConfig tunes the in-process daemon under test.
type daemonConfig struct {
	Tier         tier.Tier
	DefaultModel string
	History      bool
	Commit       time.Duration
	Script       func(e *enginetest.Engine)
}

type daemon struct {
	srv *httptest.Server
	mgr *manager.Manager
	eng *enginetest.Engine
}

// startDaemon builds the full in-process stack: a models dir with one mlx
// and one gguf model, a scripted engine, the manager, and the HTTP mux.
func startDaemon(t *testing.T, cfg daemonConfig) *daemon {
	t.Helper()
	dir := t.TempDir()
	writeMLXModel(t, dir, "alpha-0.5b-4bit")
	writeGGUFModel(t, dir, "beta.gguf")

	models, err := registry.Scan(dir)
	if err != nil {
		t.Fatalf("scan models: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("fixture scan found %d models", len(models))
	}

	eng := enginetest.New()
	eng.Chunks = []string{"Hello ", "world"}
	if cfg.Script != nil {
		cfg.Script(eng)
	}

	var store *history.Store
	if cfg.History {
		store, err = history.Open(filepath.Join(t.TempDir(), "history.db"))
		if err != nil {
			t.Fatalf("open history: %v", err)
		}
		t.Cleanup(func() { store.Close() })
	}

	defaultModel := cfg.DefaultModel
	if defaultModel == "" {
		defaultModel = "alpha-0.5b-4bit"
	}
	commit := cfg.Commit
	if commit == 0 {
		// Commit every chunk so streams are deterministic to read.
		commit = time.Nanosecond
	}
	// Report a memory figure consistent with the tier under test.
	total := uint64(16) << 30
	switch cfg.Tier {
	case tier.UltraLow:
		total = 4 << 30
	case tier.Low:
		total = 8 << 30
	}

	mgr := manager.New(manager.Config{
		Registry:         models,
		DefaultModel:     defaultModel,
		ModelsDir:        dir,
		Tier:             cfg.Tier,
		TotalMemoryBytes: total,
		Engine:           eng,
		History:          store,
		Events:           manager.NewMemoryPublisher(),
		CommitInterval:   commit,
		Logger:           zerolog.Nop(),
	})

	srv := httptest.NewServer(httpapi.NewMux(mgr))
	t.Cleanup(srv.Close)
	return &daemon{srv: srv, mgr: mgr, eng: eng}
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func httpPostJSON(t *testing.T, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

// openStream POSTs a JSON payload and hands back the still-open response so
// the caller can read NDJSON lines as they arrive.
func openStream(t *testing.T, url string, payload []byte) (*http.Response, *bufio.Reader) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	return resp, bufio.NewReader(resp.Body)
}

// ndjsonLines decodes every non-empty NDJSON line into a generic map.
func ndjsonLines(t *testing.T, body []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, raw := range bytes.Split(body, []byte("\n")) {
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("bad NDJSON line %q: %v", raw, err)
		}
		out = append(out, m)
	}
	return out
}

// manyChunks scripts a generation long enough to overlap other requests.
func manyChunks(n int) []string {
	chunks := make([]string, n)
	for i := range chunks {
		chunks[i] = "tok "
	}
	return chunks
}
