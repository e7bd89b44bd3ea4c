package registry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeModelDir lays out a minimal mlx snapshot under dir/name.
func writeModelDir(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.MkdirAll(p, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for f, content := range map[string]string{
		"config.json":       `{"model_type":"qwen2"}`,
		"model.safetensors": strings.Repeat("w", 64),
	} {
		if err := os.WriteFile(filepath.Join(p, f), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", f, err)
		}
	}
	return p
}

func TestScanFindsBothLayouts(t *testing.T) {
	dir := t.TempDir()
	writeModelDir(t, dir, "mlx-community_Qwen2.5-0.5B-4bit")
	if err := os.WriteFile(filepath.Join(dir, "tiny.Q4_K_M.gguf"), []byte("gg"), 0o644); err != nil {
		t.Fatalf("write gguf: %v", err)
	}
	// Noise that must be ignored.
	os.MkdirAll(filepath.Join(dir, "not-a-model"), 0o755)
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644)

	models, err := Scan(dir)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("expected 2 models, got %d: %+v", len(models), models)
	}
	byID := map[string]string{}
	for _, m := range models {
		byID[m.ID] = m.Format
		if m.SizeBytes <= 0 {
			t.Fatalf("model %s has no size", m.ID)
		}
	}
	if byID["mlx-community_Qwen2.5-0.5B-4bit"] != "mlx" {
		t.Fatalf("mlx dir not detected: %v", byID)
	}
	if byID["tiny.Q4_K_M.gguf"] != "gguf" {
		t.Fatalf("gguf file not detected: %v", byID)
	}
}

func TestScanMissingDirIsEmpty(t *testing.T) {
	models, err := Scan(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("missing dir should not error: %v", err)
	}
	if len(models) != 0 {
		t.Fatalf("expected empty registry, got %+v", models)
	}
}

func TestScanSkipsPartialWeights(t *testing.T) {
	dir := t.TempDir()
	p := writeModelDir(t, dir, "m")
	if err := os.WriteFile(filepath.Join(p, "model-00002.safetensors.part"), []byte(strings.Repeat("x", 1024)), 0o644); err != nil {
		t.Fatalf("write part: %v", err)
	}
	models, err := Scan(dir)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(models) != 1 {
		t.Fatalf("expected 1 model, got %d", len(models))
	}
	// config.json (22) + model.safetensors (64); the .part must not count.
	if models[0].SizeBytes >= 1024 {
		t.Fatalf("partial file counted in size: %d", models[0].SizeBytes)
	}
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	writeModelDir(t, dir, "mlx-community_Qwen2.5-0.5B-4bit")
	writeModelDir(t, dir, "mlx-community_Llama-3.2-1B-4bit")
	models, err := Scan(dir)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	if m, ok := Resolve(models, "mlx-community_Qwen2.5-0.5B-4bit"); !ok || m.Format != "mlx" {
		t.Fatalf("exact resolve failed: %+v %v", m, ok)
	}
	if m, ok := Resolve(models, "Llama-3.2-1B-4bit"); !ok || m.ID != "mlx-community_Llama-3.2-1B-4bit" {
		t.Fatalf("suffix resolve failed: %+v %v", m, ok)
	}
	if _, ok := Resolve(models, "4bit"); ok {
		t.Fatalf("ambiguous suffix must not resolve")
	}
	if _, ok := Resolve(models, "missing"); ok {
		t.Fatalf("unknown id must not resolve")
	}
}
