package types

// Model represents a discoverable model on disk.
type Model struct {
	// Stable identifier for the model.
	// example: qwen2.5-0.5b-instruct-4bit
	ID string `json:"id" example:"qwen2.5-0.5b-instruct-4bit"`
	// Human-friendly name.
	// example: Qwen2.5 0.5B Instruct (4bit)
	Name string `json:"name" example:"Qwen2.5 0.5B Instruct (4bit)"`
	// Absolute path to the model directory (mlx) or file (gguf).
	// example: /home/user/models/qwen2.5-0.5b-instruct-4bit
	Path string `json:"path" example:"/home/user/models/qwen2.5-0.5b-instruct-4bit"`
	// Weight format: "mlx" (safetensors directory) or "gguf" (single file).
	// example: mlx
	Format string `json:"format" example:"mlx"`
	// Total size of the weights in bytes.
	// example: 278430720
	SizeBytes int64 `json:"size_bytes" example:"278430720"`
}
