package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mlxd/internal/engine"
	"mlxd/internal/engine/enginetest"
	"mlxd/internal/registry"
	"mlxd/internal/tier"
	"mlxd/pkg/types"
)

// writeModelDir creates an mlx-layout model directory the registry accepts.
func writeModelDir(t *testing.T, modelsDir, name string) {
	t.Helper()
	dir := filepath.Join(modelsDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for file, content := range map[string]string{
		"config.json":           `{"model_type":"qwen2"}`,
		"model.safetensors":     "weights",
		"tokenizer_config.json": "{}",
	} {
		if err := os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", file, err)
		}
	}
}

// fakeFetcher materializes a model directory on Download, or fails.
type fakeFetcher struct {
	mu        sync.Mutex
	downloads int
	err       error
}

func (f *fakeFetcher) Download(ctx context.Context, repoID, destDir string, progress engine.ProgressFunc) error {
	f.mu.Lock()
	f.downloads++
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	for file, content := range map[string]string{
		"config.json":       "{}",
		"model.safetensors": "weights",
	} {
		if err := os.WriteFile(filepath.Join(destDir, file), []byte(content), 0o644); err != nil {
			return err
		}
	}
	if progress != nil {
		progress(0.5, "downloading model.safetensors")
		progress(1, "download complete")
	}
	return nil
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloads
}

type testEnv struct {
	m   *Manager
	eng *enginetest.Engine
	pub *MemoryPublisher
	dir string
}

// newTestEnv builds a manager over a scripted engine and one local model
// named "qwen-test". The hour-long commit interval makes streams
// deterministic: one commit line, then the done line.
func newTestEnv(t *testing.T, tr tier.Tier, mutate ...func(*Config)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	writeModelDir(t, dir, "qwen-test")
	models, err := registry.Scan(dir)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	eng := enginetest.New()
	eng.Chunks = []string{"Hello", " ", "world"}
	pub := NewMemoryPublisher()
	cfg := Config{
		Registry:         models,
		DefaultModel:     "qwen-test",
		ModelsDir:        dir,
		Tier:             tr,
		TotalMemoryBytes: 16 << 30,
		Engine:           eng,
		Events:           pub,
		CommitInterval:   time.Hour,
		Logger:           zerolog.Nop(),
	}
	for _, f := range mutate {
		f(&cfg)
	}
	return &testEnv{m: New(cfg), eng: eng, pub: pub, dir: dir}
}

// addModel drops another model directory into the registry after the fact.
func (te *testEnv) addModel(t *testing.T, name string) {
	t.Helper()
	writeModelDir(t, te.dir, name)
	models, err := registry.Scan(te.dir)
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	te.m.mu.Lock()
	te.m.cfg.Registry = models
	te.m.mu.Unlock()
}

// ndjson decodes every line of buf into a generic map.
func ndjson(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("bad ndjson line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

// lastLine decodes the final NDJSON line into v.
func lastLine(t *testing.T, buf *bytes.Buffer, v any) {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) == 0 || lines[len(lines)-1] == "" {
		t.Fatalf("no output lines")
	}
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), v); err != nil {
		t.Fatalf("decode last line %q: %v", lines[len(lines)-1], err)
	}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// generate runs one generation against the default model and returns the
// stream buffer.
func (te *testEnv) generate(t *testing.T, req types.GenerateRequest) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	if req.Prompt == "" {
		req.Prompt = "say hello"
	}
	if err := te.m.Generate(testCtx(t), req, &buf, nil); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return &buf
}
