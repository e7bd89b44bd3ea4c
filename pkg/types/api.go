package types

// GenerateRequest is the payload for POST /v1/generate.
type GenerateRequest struct {
	// Optional model identifier. If empty, the server default is used.
	// example: qwen2.5-0.5b-instruct-4bit
	Model string `json:"model,omitempty" example:"qwen2.5-0.5b-instruct-4bit"`
	// Required prompt text to generate a completion for.
	// example: Write a haiku about the ocean.
	Prompt string `json:"prompt" example:"Write a haiku about the ocean."`
	// Optional system prompt prepended to the conversation.
	// example: You are a concise assistant.
	System string `json:"system,omitempty" example:"You are a concise assistant."`
	// Optional image paths or URLs for vision models. Images are resized so
	// their longest edge does not exceed the active tier's pixel budget.
	Images []string `json:"images,omitempty"`
	// Optional video path or URL for vision models.
	Video string `json:"video,omitempty"`
	// Maximum number of new tokens. Capped by the active tier's budget;
	// 0 or omitted inherits the budget cap.
	// example: 128
	MaxTokens int `json:"max_tokens,omitempty" example:"128"`
	// Sampling temperature (higher = more random).
	// example: 0.7
	Temperature float64 `json:"temperature,omitempty" example:"0.7"`
	// Nucleus sampling probability.
	// example: 0.9
	TopP float64 `json:"top_p,omitempty" example:"0.9"`
	// Random seed for reproducibility; 0 or omitted draws a fresh seed per run.
	// example: 42
	Seed int64 `json:"seed,omitempty" example:"42"`
}

// GenerateChunk is one coalesced NDJSON line of streamed output text.
type GenerateChunk struct {
	// Text accumulated since the previous commit.
	// example: The waves
	Text string `json:"text" example:"The waves"`
}

// GenerateDone is the final NDJSON line of a successful stream.
type GenerateDone struct {
	// Always true on the terminal line.
	// example: true
	Done bool `json:"done" example:"true"`
	// Full output text of the generation.
	Output string `json:"output"`
	// Number of tokens generated.
	// example: 57
	Tokens int `json:"tokens" example:"57"`
	// Decode throughput in tokens per second.
	// example: 41.3
	TokensPerSecond float64 `json:"tokens_per_second" example:"41.3"`
	// Why generation stopped (stop, length, cancel).
	// example: stop
	FinishReason string `json:"finish_reason" example:"stop"`
}

// StreamError is the final NDJSON line of a stream that failed after headers
// were already sent.
type StreamError struct {
	// Category-annotated error message.
	// example: download: fetching model manifest: connection refused
	Error string `json:"error" example:"download: fetching model manifest: connection refused"`
	// Structured error kind (download, memory, runtime, canceled, ...).
	// example: download
	Kind string `json:"kind" example:"download"`
}

// LoadRequest is the payload for POST /v1/load.
type LoadRequest struct {
	// Model identifier to load.
	// example: qwen2.5-0.5b-instruct-4bit
	Model string `json:"model" example:"qwen2.5-0.5b-instruct-4bit"`
}

// LoadProgress is one NDJSON progress line emitted while a model loads.
type LoadProgress struct {
	// Completed fraction in [0,1].
	// example: 0.42
	Progress float64 `json:"progress" example:"0.42"`
	// Completed percentage, rounded down.
	// example: 42
	Percent int `json:"percent" example:"42"`
	// Estimated remaining time in milliseconds, extrapolated from elapsed
	// time; 0 when no estimate is available yet.
	// example: 5300
	ETAMillis int64 `json:"eta_ms" example:"5300"`
	// Human-readable stage description.
	// example: downloading model-00001-of-00002.safetensors
	Message string `json:"message" example:"downloading model-00001-of-00002.safetensors"`
}

// LoadDone is the final NDJSON line of a load stream.
type LoadDone struct {
	// Always true on the terminal line.
	// example: true
	Done bool `json:"done" example:"true"`
	// Model identifier that is now loaded.
	// example: qwen2.5-0.5b-instruct-4bit
	Model string `json:"model" example:"qwen2.5-0.5b-instruct-4bit"`
}

// CancelResponse is returned by POST /v1/cancel.
type CancelResponse struct {
	// True when an in-flight generation was actually canceled.
	// example: true
	Canceled bool `json:"canceled" example:"true"`
}

// UnloadResponse is returned by POST /v1/unload.
type UnloadResponse struct {
	// True when a loaded model was actually released.
	// example: true
	Unloaded bool `json:"unloaded" example:"true"`
}

// CleanupResponse is returned by POST /v1/cleanup.
type CleanupResponse struct {
	OK bool `json:"ok" example:"true"`
}

// ModelsResponse wraps the list of models returned by GET /v1/models.
type ModelsResponse struct {
	// List of available models.
	Models []Model `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Category-annotated error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
	// Structured error kind, when one applies.
	// example: invalid
	Kind string `json:"kind,omitempty" example:"invalid"`
}

// TierInfo describes the active memory tier and its generation budget.
type TierInfo struct {
	// Tier name: ultra-low, low, or standard.
	// example: low
	Tier string `json:"tier" example:"low"`
	// Engine cache ceiling in bytes.
	// example: 33554432
	CacheLimitBytes int64 `json:"cache_limit_bytes" example:"33554432"`
	// Engine memory ceiling in bytes; 0 means unlimited.
	// example: 3221225472
	MemoryLimitBytes int64 `json:"memory_limit_bytes" example:"3221225472"`
	// Maximum tokens a single generation may produce.
	// example: 240
	MaxTokens int `json:"max_tokens" example:"240"`
	// Longest-edge pixel cap applied to request images.
	// example: 448
	ImageEdgePixels int `json:"image_edge_pixels" example:"448"`
}

// LoadStatus reports progress of an in-flight model load.
type LoadStatus struct {
	// Completed percentage, rounded down.
	// example: 42
	Percent int `json:"percent" example:"42"`
	// Estimated remaining milliseconds; 0 when unknown.
	// example: 5300
	ETAMillis int64 `json:"eta_ms" example:"5300"`
	// Current stage description.
	Message string `json:"message,omitempty"`
}

// LastRun summarizes the most recently finished generation.
type LastRun struct {
	// Tokens generated.
	// example: 57
	Tokens int `json:"tokens" example:"57"`
	// Decode throughput in tokens per second.
	// example: 41.3
	TokensPerSecond float64 `json:"tokens_per_second" example:"41.3"`
	// Why the run ended.
	// example: stop
	FinishReason string `json:"finish_reason,omitempty" example:"stop"`
	// Error message when the run failed.
	Error string `json:"error,omitempty"`
	// Structured kind of the failure, when one applies.
	Kind string `json:"kind,omitempty"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Lifecycle state: idle, loading, ready, generating, or error.
	// example: ready
	State string `json:"state" example:"ready"`
	// Identifier of the loaded (or loading) model, if any.
	// example: qwen2.5-0.5b-instruct-4bit
	Model string `json:"model,omitempty" example:"qwen2.5-0.5b-instruct-4bit"`
	// Active memory tier and its budget.
	Tier TierInfo `json:"tier"`
	// Detected (or configured) physical memory in bytes.
	// example: 8589934592
	MemoryTotalBytes uint64 `json:"memory_total_bytes" example:"8589934592"`
	// True while a generation is in flight.
	// example: false
	Running bool `json:"running" example:"false"`
	// Progress of an in-flight load; absent otherwise.
	Load *LoadStatus `json:"load,omitempty"`
	// Length of the visible output accumulator in bytes.
	// example: 412
	OutputBytes int `json:"output_bytes" example:"412"`
	// Most recently finished generation, if any.
	Last *LastRun `json:"last,omitempty"`
	// Total generations started since boot.
	// example: 12
	GenerationsTotal uint64 `json:"generations_total" example:"12"`
	// Total emergency cleanups since boot.
	// example: 1
	CleanupsTotal uint64 `json:"cleanups_total" example:"1"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}

// HistoryEntry is one recorded generation returned by GET /v1/history.
type HistoryEntry struct {
	// Row identifier.
	// example: 17
	ID int64 `json:"id" example:"17"`
	// Start time in unix seconds.
	// example: 1700000000
	StartedUnix int64 `json:"started_unix" example:"1700000000"`
	// Model that served the run.
	Model string `json:"model"`
	// Memory tier active during the run.
	// example: low
	Tier string `json:"tier" example:"low"`
	// Prompt text.
	Prompt string `json:"prompt"`
	// Seed used for the run.
	// example: 42
	Seed int64 `json:"seed" example:"42"`
	// Full output text; empty when the run failed early.
	Output string `json:"output,omitempty"`
	// Structured kind of the failure, when the run failed.
	ErrorKind string `json:"error_kind,omitempty"`
	// Tokens generated.
	Tokens int `json:"tokens"`
	// Decode throughput in tokens per second.
	TokensPerSecond float64 `json:"tokens_per_second"`
	// Wall-clock duration in milliseconds.
	DurationMillis int64 `json:"duration_ms"`
}

// HistoryResponse wraps GET /v1/history results, newest first.
type HistoryResponse struct {
	Runs []HistoryEntry `json:"runs"`
}
