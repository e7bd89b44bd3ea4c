package e2e

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mlxd/internal/common/fsutil"
	"mlxd/internal/engine/mlxlm"
	"mlxd/internal/httpapi"
	"mlxd/internal/manager"
	"mlxd/internal/registry"
	"mlxd/internal/tier"
)

// TestLiveRuntime_Haiku prints a real haiku by spawning mlx_lm.server and
// streaming through the full daemon stack. Skips unless:
//   - MLXLM_BIN points to the runtime launcher, and
//   - MLXD_MODELS_DIR (default ~/models/mlx) holds at least one mlx snapshot.
func TestLiveRuntime_Haiku(t *testing.T) {
	bin := strings.TrimSpace(os.Getenv("MLXLM_BIN"))
	if bin == "" {
		t.Skip("MLXLM_BIN not set; skipping live-runtime haiku test")
	}
	modelsDir := os.Getenv("MLXD_MODELS_DIR")
	if modelsDir == "" {
		modelsDir = "~/models/mlx"
	}
	dir, err := fsutil.ExpandHome(modelsDir)
	if err != nil {
		t.Fatalf("expand models dir: %v", err)
	}
	models, err := registry.Scan(dir)
	if err != nil {
		t.Fatalf("scan models: %v", err)
	}
	var modelID string
	for _, m := range models {
		if m.Format == "mlx" {
			modelID = m.ID
			break
		}
	}
	if modelID == "" {
		t.Skipf("no mlx snapshot under %s; skipping live-runtime haiku test", dir)
	}

	eng := mlxlm.New(mlxlm.Config{Bin: bin, StartTimeout: 2 * time.Minute}, zerolog.Nop())
	mgr := manager.New(manager.Config{
		Registry:         models,
		DefaultModel:     modelID,
		ModelsDir:        dir,
		Tier:             tier.Standard,
		TotalMemoryBytes: 16 << 30,
		Engine:           eng,
		Events:           manager.NewMemoryPublisher(),
		CommitInterval:   100 * time.Millisecond,
		Logger:           zerolog.Nop(),
	})
	srv := httptest.NewServer(httpapi.NewMux(mgr))
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = mgr.Close(ctx)
	})

	resp, body := httpPostJSON(t, srv.URL+"/v1/generate",
		[]byte(`{"prompt":"Write a 3-line haiku about the ocean.","max_tokens":128,"temperature":0.7}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/v1/generate status=%d body=%s", resp.StatusCode, string(body))
	}
	lines := ndjsonLines(t, body)
	last := lines[len(lines)-1]
	out, _ := last["output"].(string)
	if last["done"] != true || strings.TrimSpace(out) == "" {
		t.Fatalf("expected a done line with content, got %v", last)
	}
	t.Logf("\n----- GENERATED HAIKU -----\n%s\n---------------------------\n", strings.TrimSpace(out))
}
