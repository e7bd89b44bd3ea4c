package mlxctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"mlxd/pkg/types"
)

func TestNormalizeBase(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", "http://127.0.0.1:8080"},
		{":9090", "http://127.0.0.1:9090"},
		{"localhost:8080", "http://localhost:8080"},
		{"http://box:8080", "http://box:8080"},
		{"https://box:8080/", "https://box:8080"},
		{"  box:1234 ", "http://box:1234"},
	}
	for _, c := range cases {
		if got := normalizeBase(c.in); got != c.want {
			t.Fatalf("normalizeBase(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestClientStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" || r.Method != http.MethodGet {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(types.StatusResponse{State: "ready", Model: "m1"})
	}))
	defer srv.Close()

	st, err := NewClient(srv.URL).Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != "ready" || st.Model != "m1" {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestClientModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(types.ModelsResponse{Models: []types.Model{{ID: "a"}, {ID: "b"}}})
	}))
	defer srv.Close()

	resp, err := NewClient(srv.URL).Models(context.Background())
	if err != nil {
		t.Fatalf("models: %v", err)
	}
	if len(resp.Models) != 2 || resp.Models[0].ID != "a" {
		t.Fatalf("unexpected models: %+v", resp.Models)
	}
}

func TestClientHistoryLimitQuery(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode(types.HistoryResponse{Runs: []types.HistoryEntry{}})
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL).History(context.Background(), 5); err != nil {
		t.Fatalf("history: %v", err)
	}
	if gotQuery != "limit=5" {
		t.Fatalf("query = %q, want limit=5", gotQuery)
	}
	if _, err := NewClient(srv.URL).History(context.Background(), 0); err != nil {
		t.Fatalf("history: %v", err)
	}
	if gotQuery != "" {
		t.Fatalf("query without limit = %q, want empty", gotQuery)
	}
}

func TestClientGenerateStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req types.GenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Prompt != "hi" {
			t.Fatalf("prompt = %q", req.Prompt)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"text":"Hello"}`)
		fmt.Fprintln(w, `{"text":" world"}`)
		fmt.Fprintln(w, `{"done":true,"output":"Hello world","tokens":2,"tokens_per_second":40.5,"finish_reason":"stop"}`)
	}))
	defer srv.Close()

	var got strings.Builder
	done, err := NewClient(srv.URL).Generate(context.Background(), types.GenerateRequest{Prompt: "hi"}, func(c types.GenerateChunk) {
		got.WriteString(c.Text)
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got.String() != "Hello world" {
		t.Fatalf("chunks = %q", got.String())
	}
	if !done.Done || done.Tokens != 2 || done.FinishReason != "stop" {
		t.Fatalf("done = %+v", done)
	}
}

func TestClientGenerateStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"text":"partial"}`)
		fmt.Fprintln(w, `{"error":"runtime: backend died","kind":"runtime"}`)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Generate(context.Background(), types.GenerateRequest{Prompt: "x"}, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Kind != "runtime" || !strings.Contains(apiErr.Msg, "backend died") {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestClientGenerateBusy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(types.ErrorResponse{Error: "generation already in flight: m1", Code: 429, Kind: "busy"})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Generate(context.Background(), types.GenerateRequest{Prompt: "x"}, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != 429 || apiErr.Kind != "busy" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestClientErrorPlainBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Status(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != 502 || !strings.Contains(apiErr.Msg, "bad gateway") {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestClientStreamTruncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"text":"partial"}`)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Generate(context.Background(), types.GenerateRequest{Prompt: "x"}, nil)
	if err == nil || !strings.Contains(err.Error(), "terminal line") {
		t.Fatalf("expected truncation error, got %v", err)
	}
}

func TestClientLoadStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req types.LoadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Model != "m1" {
			t.Fatalf("model = %q", req.Model)
		}
		fmt.Fprintln(w, `{"progress":0.5,"percent":50,"message":"downloading"}`)
		fmt.Fprintln(w, `{"done":true,"model":"m1"}`)
	}))
	defer srv.Close()

	var percents []int
	done, err := NewClient(srv.URL).Load(context.Background(), "m1", func(p types.LoadProgress) {
		percents = append(percents, p.Percent)
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if done.Model != "m1" || !done.Done {
		t.Fatalf("done = %+v", done)
	}
	if len(percents) != 1 || percents[0] != 50 {
		t.Fatalf("percents = %v", percents)
	}
}

func TestClientLoadWithoutModelSendsNoBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		if len(b) != 0 {
			t.Fatalf("expected empty body, got %q", b)
		}
		fmt.Fprintln(w, `{"done":true,"model":"default"}`)
	}))
	defer srv.Close()

	done, err := NewClient(srv.URL).Load(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if done.Model != "default" {
		t.Fatalf("done = %+v", done)
	}
}

func TestClientCleanupSendsReason(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(types.CleanupResponse{OK: true})
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL).Cleanup(context.Background(), "pressure drill"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if gotBody["reason"] != "pressure drill" {
		t.Fatalf("reason = %q", gotBody["reason"])
	}
}

func TestClientCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/cancel" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(types.CancelResponse{Canceled: true})
	}))
	defer srv.Close()

	resp, err := NewClient(srv.URL).Cancel(context.Background())
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !resp.Canceled {
		t.Fatalf("expected canceled=true")
	}
}
