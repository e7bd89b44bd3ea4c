// Package engine defines the boundary between the daemon and the model
// runtimes that serve it. The daemon only ever sees these interfaces; the
// concrete runtimes (mlx_lm.server subprocess, an OpenAI-compatible remote,
// in-process llama.cpp) live in subpackages and classify their failures into
// structured kinds at this boundary.
package engine

import "context"

// LoadConfig carries everything a runtime needs to bring a model up. The
// cache and memory ceilings are explicit per-load values derived from the
// active memory tier; runtimes must not consult process-global knobs.
type LoadConfig struct {
	// ModelID is the registry identifier, used for error context.
	ModelID string
	// ModelPath is the on-disk location: a directory for mlx models, a
	// single file for gguf.
	ModelPath string
	// CacheLimitBytes caps the runtime's reusable compute cache.
	CacheLimitBytes int64
	// MemoryLimitBytes caps the runtime's total allocation; 0 = unlimited.
	MemoryLimitBytes int64
}

// ProgressFunc receives load progress. fraction is in [0,1]; message names
// the current stage. Implementations must tolerate a nil ProgressFunc.
type ProgressFunc func(fraction float64, message string)

// Request is the input tuple of one generation.
type Request struct {
	Prompt string
	System string
	Images []string
	Video  string
}

// Params are the per-generation sampling knobs. MaxTokens and
// ImageEdgePixels arrive already capped by the active tier's budget.
type Params struct {
	MaxTokens       int
	Temperature     float32
	TopP            float32
	Seed            int64
	ImageEdgePixels int
}

// Chunk is one streamed delta of output text.
type Chunk struct {
	Text string
}

// Result ends every successful stream.
type Result struct {
	Output          string
	TokenCount      int
	TokensPerSecond float64
	FinishReason    string
}

// Engine creates model handles.
type Engine interface {
	// Load prepares a model for generation, reporting progress along the
	// way. Load failures caused by fetching carry KindDownload.
	Load(ctx context.Context, cfg LoadConfig, progress ProgressFunc) (Handle, error)
}

// Handle is one loaded model. Handles are not safe for concurrent
// Generate calls; the manager serializes access.
type Handle interface {
	// Generate streams chunks via onChunk until the model stops, the
	// token cap is reached, or ctx is canceled. A non-nil error from
	// onChunk aborts the stream and is returned verbatim.
	Generate(ctx context.Context, req Request, p Params, onChunk func(Chunk) error) (Result, error)
	// ClearCache releases cached device memory while keeping weights
	// resident.
	ClearCache(ctx context.Context) error
	// Close unloads the model entirely.
	Close() error
}
