// Package llamacpp runs gguf models in-process through go-llama.cpp. The
// real adapter needs CGO and the 'llama' build tag; default builds get a
// stub that reports the backend unavailable instead of mocking inference.
package llamacpp

// Config sizes the in-process runtime.
type Config struct {
	// ContextSize is the model context window in tokens.
	ContextSize int
	// Threads caps inference threads; 0 picks a default.
	Threads int
}

func (c Config) withDefaults() Config {
	if c.ContextSize <= 0 {
		c.ContextSize = 4096
	}
	if c.Threads <= 0 {
		c.Threads = 4
	}
	return c
}
