// Package hub fetches model snapshots from a Hugging Face style hub:
// list the repository files, download the ones a local runtime needs,
// resume partial files, and report aggregate progress.
package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"context"

	"github.com/rs/zerolog"

	"mlxd/internal/engine"
)

// DefaultEndpoint is the public Hugging Face hub.
const DefaultEndpoint = "https://huggingface.co"

const partSuffix = ".part"

// Client downloads model snapshots. The zero value is not usable; construct
// with New.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
	log      zerolog.Logger
}

// New builds a hub client. endpoint "" means DefaultEndpoint; token "" means
// anonymous access (gated repos will fail with a download error).
func New(endpoint, token string, log zerolog.Logger) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    token,
		http:     &http.Client{Timeout: 30 * time.Minute},
		log:      log,
	}
}

// repoMeta mirrors the subset of hub model metadata we need. The siblings
// list covers files at the repository root, enough for mlx snapshot layouts.
type repoMeta struct {
	Siblings []struct {
		RFilename string `json:"rfilename"`
		Size      int64  `json:"size"`
		LFS       struct {
			Size int64 `json:"size"`
		} `json:"lfs"`
	} `json:"siblings"`
}

// wantFile reports whether a repository file belongs in a local snapshot:
// config, tokenizer and preprocessor files plus the weight shards.
func wantFile(name string) bool {
	lower := strings.ToLower(name)
	switch lower {
	case "config.json", "tokenizer.json", "tokenizer_config.json",
		"generation_config.json", "special_tokens_map.json", "tokenizer.model",
		"preprocessor_config.json", "chat_template.json", "added_tokens.json",
		"vocab.json", "merges.txt":
		return true
	}
	if strings.HasSuffix(lower, ".npz") {
		return true
	}
	if strings.HasSuffix(lower, ".safetensors") || strings.HasSuffix(lower, ".safetensors.index.json") {
		return true
	}
	return false
}

// DirName maps a repo ID to its local directory name,
// e.g. "mlx-community/Qwen2.5-0.5B" -> "mlx-community_Qwen2.5-0.5B".
func DirName(repoID string) string {
	return strings.ReplaceAll(repoID, "/", "_")
}

// ModelPresent reports whether dir holds a complete-enough snapshot:
// a config.json next to at least one weights file.
func ModelPresent(dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, "config.json")); err != nil {
		return false
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		name := strings.ToLower(e.Name())
		if strings.HasSuffix(name, ".safetensors") || strings.HasSuffix(name, ".npz") {
			return true
		}
	}
	return false
}

// Download fetches the snapshot of repoID into destDir. Files already
// complete on disk are skipped; partial files resume via Range requests.
// Aggregate progress (downloaded bytes over total bytes) is reported through
// progress, which may be nil. All transport failures classify as
// engine.KindDownload; an unknown repository as engine.KindNotFound.
func (c *Client) Download(ctx context.Context, repoID, destDir string, progress engine.ProgressFunc) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}
	files, sizes, err := c.fetchFileList(ctx, repoID)
	if err != nil {
		return err
	}
	var total, done int64
	for _, f := range files {
		total += sizes[f]
	}
	report := func(fileDone int64, name string) {
		if progress == nil {
			return
		}
		frac := 0.0
		if total > 0 {
			frac = float64(done+fileDone) / float64(total)
			if frac > 1 {
				frac = 1
			}
		}
		progress(frac, "downloading "+name)
	}
	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return engine.Wrap(engine.KindDownload, "download", repoID, err)
		}
		dest := filepath.Join(destDir, name)
		want := sizes[name]
		if fi, err := os.Stat(dest); err == nil && want > 0 && fi.Size() == want {
			c.log.Debug().Str("file", name).Msg("hub: file already complete")
			done += want
			report(0, name)
			continue
		}
		url := c.endpoint + "/" + repoID + "/resolve/main/" + name
		n, err := c.downloadFile(ctx, url, dest, func(fileDone int64) { report(fileDone, name) })
		if err != nil {
			return engine.Wrap(engine.KindDownload, "download", repoID, fmt.Errorf("%s: %w", name, err))
		}
		done += n
	}
	if progress != nil {
		progress(1, "download complete")
	}
	c.log.Info().Str("repo", repoID).Str("dir", destDir).Int64("bytes", done).Msg("hub: snapshot ready")
	return nil
}

func (c *Client) fetchFileList(ctx context.Context, repoID string) ([]string, map[string]int64, error) {
	url := c.endpoint + "/api/models/" + repoID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, engine.Wrap(engine.KindDownload, "download", repoID, err)
	}
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, engine.Wrap(engine.KindDownload, "download", repoID, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil, engine.NewError(engine.KindNotFound, "download", repoID, errors.New("repository not found on hub"))
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, nil, engine.NewError(engine.KindDownload, "download", repoID,
			fmt.Errorf("hub api returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	var meta repoMeta
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, nil, engine.Wrap(engine.KindDownload, "download", repoID, err)
	}
	var files []string
	sizes := make(map[string]int64)
	for _, sib := range meta.Siblings {
		name := sib.RFilename
		if name == "" || !wantFile(name) {
			continue
		}
		size := sib.Size
		if sib.LFS.Size > 0 {
			size = sib.LFS.Size
		}
		files = append(files, name)
		sizes[name] = size
	}
	if len(files) == 0 {
		return nil, nil, engine.NewError(engine.KindDownload, "download", repoID,
			errors.New("no downloadable model files in repository"))
	}
	return files, sizes, nil
}

// downloadFile fetches url into dest through a .part staging file, resuming
// an existing partial via a Range request. Returns the final byte count.
func (c *Client) downloadFile(ctx context.Context, url, dest string, onBytes func(int64)) (int64, error) {
	tmp := dest + partSuffix
	var offset int64
	if fi, err := os.Stat(tmp); err == nil {
		offset = fi.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	c.authorize(req)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var f *os.File
	switch resp.StatusCode {
	case http.StatusPartialContent:
		f, err = os.OpenFile(tmp, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	case http.StatusOK:
		// Server ignored the Range (or there was none): start over.
		offset = 0
		f, err = os.Create(tmp)
	case http.StatusRequestedRangeNotSatisfiable:
		// Stale partial; drop it and retry from scratch once.
		if rmErr := os.Remove(tmp); rmErr != nil {
			return 0, rmErr
		}
		return c.downloadFile(ctx, url, dest, onBytes)
	default:
		return 0, fmt.Errorf("fetch returned %d", resp.StatusCode)
	}
	if err != nil {
		return 0, err
	}

	written := offset
	buf := make([]byte, 256<<10)
	for {
		if err := ctx.Err(); err != nil {
			f.Close()
			return 0, err
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				return 0, werr
			}
			written += int64(n)
			if onBytes != nil {
				onBytes(written)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			// Keep the partial file so the next attempt can resume.
			f.Close()
			return 0, rerr
		}
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, dest); err != nil {
		return 0, err
	}
	return written, nil
}

func (c *Client) authorize(req *http.Request) {
	token := c.token
	if token == "" {
		for _, key := range []string{"HF_TOKEN", "HUGGING_FACE_HUB_TOKEN"} {
			if v := strings.TrimSpace(os.Getenv(key)); v != "" {
				token = v
				break
			}
		}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}
