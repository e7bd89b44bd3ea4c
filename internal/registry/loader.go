package registry

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"mlxd/internal/common/fsutil"
	"mlxd/internal/hub"
	"mlxd/pkg/types"
)

// Scan reads modelsDir and returns the models it holds. Two layouts count:
// a directory with an mlx snapshot (config.json next to weights), and a
// bare *.gguf file. A missing directory yields an empty registry so a fresh
// install can still pull models from the hub.
func Scan(modelsDir string) ([]types.Model, error) {
	abs, err := fsutil.ResolveDir(modelsDir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.Model
	for _, e := range entries {
		name := e.Name()
		p := filepath.Join(abs, name)
		if e.IsDir() {
			if !hub.ModelPresent(p) {
				continue
			}
			models = append(models, types.Model{
				ID:        name,
				Name:      name,
				Path:      p,
				Format:    "mlx",
				SizeBytes: dirSize(p),
			})
			continue
		}
		if strings.HasSuffix(strings.ToLower(name), ".gguf") {
			var size int64
			if fi, err := e.Info(); err == nil {
				size = fi.Size()
			}
			models = append(models, types.Model{
				ID:        name,
				Name:      name,
				Path:      p,
				Format:    "gguf",
				SizeBytes: size,
			})
		}
	}
	return models, nil
}

// Resolve finds a model by exact ID, or by unique suffix so operators can
// type "Qwen2.5-0.5B-4bit" instead of the full directory name.
func Resolve(models []types.Model, id string) (types.Model, bool) {
	for _, m := range models {
		if m.ID == id {
			return m, true
		}
	}
	var hit types.Model
	matches := 0
	for _, m := range models {
		if strings.HasSuffix(m.ID, id) {
			hit = m
			matches++
		}
	}
	if matches == 1 {
		return hit, true
	}
	return types.Model{}, false
}

// dirSize sums file sizes under root; partial downloads are excluded so a
// resumable .part file does not inflate the reported model size.
func dirSize(root string) int64 {
	var total int64
	filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if strings.HasSuffix(d.Name(), ".part") {
			return nil
		}
		if fi, err := d.Info(); err == nil {
			total += fi.Size()
		}
		return nil
	})
	return total
}
