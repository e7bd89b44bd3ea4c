package blackbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"testing"
	"time"
)

// findFreePort picks an available TCP port on localhost.
func findFreePort(t *testing.T) (int, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	cleanup := func() { _ = ln.Close() }
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return port, cleanup
}

func projectRootFromThisFile(t *testing.T) string {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	// this file: <root>/tests/blackbox/blackbox_test.go
	bbDir := filepath.Dir(thisFile)
	return filepath.Dir(filepath.Dir(bbDir))
}

func buildBinary(t *testing.T) string {
	t.Helper()
	root := projectRootFromThisFile(t)
	outDir := t.TempDir()
	binPath := filepath.Join(outDir, "mlxd")
	cmd := exec.Command("go", "build", "-o", binPath, "./cmd/mlxd")
	cmd.Dir = root
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("go build failed: %v\n%s", err, string(out))
	}
	return binPath
}

func createTempModelsDir(t *testing.T, names ...string) (string, []string) {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		p := filepath.Join(dir, n)
		if err := os.WriteFile(p, []byte("GGUF"), 0o644); err != nil {
			t.Fatalf("write temp model %s: %v", p, err)
		}
	}
	return dir, names
}

// stubBackend fakes the OpenAI-compatible surface the daemon's engine
// touches: the model list probed on load and the streaming chat completion.
func stubBackend(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"stub","object":"model","created":1,"owned_by":"test"}]}`))
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		events := []string{
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"stub","choices":[{"index":0,"delta":{"content":"Salt spray "}}]}`,
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"stub","choices":[{"index":0,"delta":{"content":"rises"},"finish_reason":"stop"}]}`,
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"stub","choices":[],"usage":{"prompt_tokens":4,"completion_tokens":2,"total_tokens":6}}`,
		}
		for _, ev := range events {
			_, _ = w.Write([]byte("data: " + ev + "\n\n"))
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

type serverProc struct {
	cmd  *exec.Cmd
	base string // http base URL, e.g. http://127.0.0.1:18080
}

// startServer runs the built daemon against the stub backend and waits for
// it to answer /healthz.
func startServer(t *testing.T, bin, modelsDir, defaultModel, engineURL string, extraArgs ...string) *serverProc {
	t.Helper()
	port, release := findFreePort(t)
	release()
	addr := fmt.Sprintf(":%d", port)
	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	args := []string{
		"--addr", addr,
		"--models-dir", modelsDir,
		"--engine", "openai",
		"--tier", "standard",
	}
	if defaultModel != "" {
		args = append(args, "--default-model", defaultModel)
	}
	args = append(args, extraArgs...)
	cmd := exec.Command(bin, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), "MLXD_ENGINE_BASE_URL="+engineURL)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { _ = cmd.Process.Kill() })

	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, err := http.Get(base + "/healthz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			_ = cmd.Process.Kill()
			t.Fatalf("server did not become healthy in time")
		}
		time.Sleep(50 * time.Millisecond)
	}
	return &serverProc{cmd: cmd, base: base}
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}

func postJSON(t *testing.T, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}

func TestBlackbox_Flow(t *testing.T) {
	bin := buildBinary(t)
	modelsDir, models := createTempModelsDir(t, "alpha.gguf", "beta.gguf")
	backend := stubBackend(t)
	historyPath := filepath.Join(t.TempDir(), "history.db")
	sp := startServer(t, bin, modelsDir, models[0], backend.URL+"/v1", "--history", historyPath)

	// /healthz
	resp, body := get(t, sp.base+"/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/healthz %d %s", resp.StatusCode, string(body))
	}

	// /v1/models lists what the scanner found
	resp, body = get(t, sp.base+"/v1/models")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/v1/models %d %s", resp.StatusCode, string(body))
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("/v1/models content-type=%s", ct)
	}
	var modelsResp struct {
		Models []struct {
			ID string `json:"id"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &modelsResp); err != nil {
		t.Fatalf("/v1/models json: %v body=%s", err, string(body))
	}
	if len(modelsResp.Models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(modelsResp.Models))
	}

	// /readyz is 503 before anything loads
	resp, body = get(t, sp.base+"/readyz")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("/readyz initial %d %s", resp.StatusCode, string(body))
	}

	// /v1/generate without a model uses the default and streams NDJSON
	resp, body = postJSON(t, sp.base+"/v1/generate", []byte(`{"prompt":"hello"}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/v1/generate %d %s", resp.StatusCode, string(body))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("/v1/generate content-type=%s", ct)
	}
	var done struct {
		Done   bool   `json:"done"`
		Output string `json:"output"`
		Tokens int    `json:"tokens"`
	}
	lines := bytes.Split(bytes.TrimSpace(body), []byte("\n"))
	if err := json.Unmarshal(lines[len(lines)-1], &done); err != nil {
		t.Fatalf("done line json: %v body=%s", err, string(body))
	}
	if !done.Done || done.Output != "Salt spray rises" || done.Tokens != 2 {
		t.Fatalf("done line = %+v", done)
	}

	// /readyz flips to 200 once the run loaded the model
	resp, body = get(t, sp.base+"/readyz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/readyz after generate %d %s", resp.StatusCode, string(body))
	}

	// /status reflects the loaded model and the finished run
	resp, body = get(t, sp.base+"/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/status %d %s", resp.StatusCode, string(body))
	}
	var st struct {
		State            string `json:"state"`
		Model            string `json:"model"`
		GenerationsTotal uint64 `json:"generations_total"`
		Tier             struct {
			Tier string `json:"tier"`
		} `json:"tier"`
	}
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("/status json: %v body=%s", err, string(body))
	}
	if st.State != "ready" || st.Model != models[0] || st.GenerationsTotal != 1 || st.Tier.Tier != "standard" {
		t.Fatalf("/status = %+v", st)
	}

	// /v1/history recorded the run
	resp, body = get(t, sp.base+"/v1/history")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/v1/history %d %s", resp.StatusCode, string(body))
	}
	var hist struct {
		Runs []struct {
			Prompt string `json:"prompt"`
			Output string `json:"output"`
			Tokens int    `json:"tokens"`
		} `json:"runs"`
	}
	if err := json.Unmarshal(body, &hist); err != nil {
		t.Fatalf("/v1/history json: %v body=%s", err, string(body))
	}
	if len(hist.Runs) != 1 || hist.Runs[0].Prompt != "hello" || hist.Runs[0].Output != "Salt spray rises" {
		t.Fatalf("/v1/history = %+v", hist.Runs)
	}

	// SIGTERM shuts the daemon down cleanly
	waitErr := make(chan error, 1)
	go func() { waitErr <- sp.cmd.Wait() }()
	if err := sp.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("signal: %v", err)
	}
	select {
	case err := <-waitErr:
		if err != nil {
			t.Fatalf("daemon exit after SIGTERM: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("daemon did not exit after SIGTERM")
	}
}

func TestBlackbox_PromptRequired(t *testing.T) {
	bin := buildBinary(t)
	modelsDir, models := createTempModelsDir(t, "alpha.gguf")
	backend := stubBackend(t)
	sp := startServer(t, bin, modelsDir, models[0], backend.URL+"/v1")

	resp, body := postJSON(t, sp.base+"/v1/generate", []byte(`{}`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d, body=%s", resp.StatusCode, string(body))
	}
	var er struct {
		Code int    `json:"code"`
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(body, &er); err != nil {
		t.Fatalf("400 json: %v body=%s", err, string(body))
	}
	if er.Code != http.StatusBadRequest || er.Kind != "invalid" {
		t.Fatalf("400 payload = %+v", er)
	}
}

func TestBlackbox_BadEngineExits(t *testing.T) {
	bin := buildBinary(t)

	cmd := exec.Command(bin, "--engine", "bogus")
	out, err := cmd.CombinedOutput()
	if err == nil {
		t.Fatalf("expected a nonzero exit, output: %s", out)
	}
	if !strings.Contains(string(out), "unknown engine type") {
		t.Fatalf("expected the engine error on stderr, got: %s", out)
	}
}
