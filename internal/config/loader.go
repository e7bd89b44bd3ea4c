package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds every runtime knob of the daemon. All tuning is explicit
// configuration handed to components at construction; nothing reads hidden
// process-global state. Zero values mean "unspecified" and are filled by
// Default() before use.
type Config struct {
	Addr         string `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir    string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	DefaultModel string `json:"default_model" yaml:"default_model" toml:"default_model"`

	Engine   Engine   `json:"engine" yaml:"engine" toml:"engine"`
	Tier     Tier     `json:"tier" yaml:"tier" toml:"tier"`
	Generate Generate `json:"generate" yaml:"generate" toml:"generate"`
	Hub      Hub      `json:"hub" yaml:"hub" toml:"hub"`
	Pressure Pressure `json:"pressure" yaml:"pressure" toml:"pressure"`
	History  History  `json:"history" yaml:"history" toml:"history"`
	HTTP     HTTP     `json:"http" yaml:"http" toml:"http"`
	Log      Log      `json:"log" yaml:"log" toml:"log"`
}

// Engine selects and parameterizes the model runtime.
type Engine struct {
	// Type is one of "mlxlm" (managed mlx_lm.server subprocess), "openai"
	// (remote OpenAI-compatible endpoint), or "llama" (in-process, needs
	// the llama build tag).
	Type string `json:"type" yaml:"type" toml:"type"`
	// Bin is the launcher for the mlxlm runtime, e.g. "mlx_lm.server".
	Bin  string `json:"bin" yaml:"bin" toml:"bin"`
	Host string `json:"host" yaml:"host" toml:"host"`
	// PortMin/PortMax bound the port picked for a spawned runtime;
	// 0/0 lets the OS choose.
	PortMin int `json:"port_min" yaml:"port_min" toml:"port_min"`
	PortMax int `json:"port_max" yaml:"port_max" toml:"port_max"`
	// BaseURL and APIKey configure the openai runtime.
	BaseURL string `json:"base_url" yaml:"base_url" toml:"base_url"`
	APIKey  string `json:"api_key" yaml:"api_key" toml:"api_key"`
	// StartTimeoutMS bounds how long a spawned runtime may take to come up.
	StartTimeoutMS int `json:"start_timeout_ms" yaml:"start_timeout_ms" toml:"start_timeout_ms"`
}

// Tier overrides memory-tier resolution, mainly for tests and constrained
// deployments.
type Tier struct {
	// MemoryBytes substitutes the detected physical memory; 0 detects.
	MemoryBytes uint64 `json:"memory_bytes" yaml:"memory_bytes" toml:"memory_bytes"`
	// Force pins the tier: "ultra-low", "low", "standard", or "" to classify.
	Force string `json:"force" yaml:"force" toml:"force"`
}

// Generate tunes the streaming behavior.
type Generate struct {
	// CommitIntervalMS bounds how often accumulated output is committed to
	// the client; 0 commits every chunk.
	CommitIntervalMS int `json:"commit_interval_ms" yaml:"commit_interval_ms" toml:"commit_interval_ms"`
	// PreclearLow also clears the engine cache before runs on the low
	// tier (the ultra-low tier always pre-clears).
	PreclearLow bool `json:"preclear_low" yaml:"preclear_low" toml:"preclear_low"`
}

// Hub configures model acquisition.
type Hub struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint" toml:"endpoint"`
	Token    string `json:"token" yaml:"token" toml:"token"`
}

// Pressure configures the low-memory watcher.
type Pressure struct {
	Enabled bool `json:"enabled" yaml:"enabled" toml:"enabled"`
	// Threshold is the available-memory fraction below which emergency
	// cleanup fires.
	Threshold  float64 `json:"threshold" yaml:"threshold" toml:"threshold"`
	IntervalMS int     `json:"interval_ms" yaml:"interval_ms" toml:"interval_ms"`
	CooldownMS int     `json:"cooldown_ms" yaml:"cooldown_ms" toml:"cooldown_ms"`
}

// History configures the generation record store.
type History struct {
	// Path of the sqlite database; empty disables recording.
	Path string `json:"path" yaml:"path" toml:"path"`
}

// HTTP tunes the server surface.
type HTTP struct {
	MaxBodyBytes int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	CORSEnabled  bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSOrigins  []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
}

// Log selects logger verbosity and encoding.
type Log struct {
	Level  string `json:"level" yaml:"level" toml:"level"`
	Format string `json:"format" yaml:"format" toml:"format"`
}

// Default returns the configuration the daemon runs with when nothing else
// is specified.
func Default() Config {
	return Config{
		Addr:      ":8080",
		ModelsDir: "~/models/mlx",
		Engine: Engine{
			Type:           "mlxlm",
			Bin:            "mlx_lm.server",
			Host:           "127.0.0.1",
			StartTimeoutMS: 120_000,
		},
		Generate: Generate{CommitIntervalMS: 250},
		Hub:      Hub{Enabled: true, Endpoint: ""},
		Pressure: Pressure{Threshold: 0.10, IntervalMS: 5_000, CooldownMS: 30_000},
		HTTP:     HTTP{MaxBodyBytes: 10 << 20},
		Log:      Log{Level: "info", Format: "console"},
	}
}

// Merge overlays non-zero fields of over onto c and returns the result.
// Used to apply a config file over Default() before flags take their turn.
func Merge(c, over Config) Config {
	if over.Addr != "" {
		c.Addr = over.Addr
	}
	if over.ModelsDir != "" {
		c.ModelsDir = over.ModelsDir
	}
	if over.DefaultModel != "" {
		c.DefaultModel = over.DefaultModel
	}
	if over.Engine.Type != "" {
		c.Engine.Type = over.Engine.Type
	}
	if over.Engine.Bin != "" {
		c.Engine.Bin = over.Engine.Bin
	}
	if over.Engine.Host != "" {
		c.Engine.Host = over.Engine.Host
	}
	if over.Engine.PortMin != 0 {
		c.Engine.PortMin = over.Engine.PortMin
	}
	if over.Engine.PortMax != 0 {
		c.Engine.PortMax = over.Engine.PortMax
	}
	if over.Engine.BaseURL != "" {
		c.Engine.BaseURL = over.Engine.BaseURL
	}
	if over.Engine.APIKey != "" {
		c.Engine.APIKey = over.Engine.APIKey
	}
	if over.Engine.StartTimeoutMS != 0 {
		c.Engine.StartTimeoutMS = over.Engine.StartTimeoutMS
	}
	if over.Tier.MemoryBytes != 0 {
		c.Tier.MemoryBytes = over.Tier.MemoryBytes
	}
	if over.Tier.Force != "" {
		c.Tier.Force = over.Tier.Force
	}
	if over.Generate.CommitIntervalMS != 0 {
		c.Generate.CommitIntervalMS = over.Generate.CommitIntervalMS
	}
	if over.Generate.PreclearLow {
		c.Generate.PreclearLow = true
	}
	if over.Hub.Enabled {
		c.Hub.Enabled = true
	}
	if over.Hub.Endpoint != "" {
		c.Hub.Endpoint = over.Hub.Endpoint
	}
	if over.Hub.Token != "" {
		c.Hub.Token = over.Hub.Token
	}
	if over.Pressure.Enabled {
		c.Pressure.Enabled = true
	}
	if over.Pressure.Threshold != 0 {
		c.Pressure.Threshold = over.Pressure.Threshold
	}
	if over.Pressure.IntervalMS != 0 {
		c.Pressure.IntervalMS = over.Pressure.IntervalMS
	}
	if over.Pressure.CooldownMS != 0 {
		c.Pressure.CooldownMS = over.Pressure.CooldownMS
	}
	if over.History.Path != "" {
		c.History.Path = over.History.Path
	}
	if over.HTTP.MaxBodyBytes != 0 {
		c.HTTP.MaxBodyBytes = over.HTTP.MaxBodyBytes
	}
	if over.HTTP.CORSEnabled {
		c.HTTP.CORSEnabled = true
	}
	if len(over.HTTP.CORSOrigins) > 0 {
		c.HTTP.CORSOrigins = over.HTTP.CORSOrigins
	}
	if over.Log.Level != "" {
		c.Log.Level = over.Log.Level
	}
	if over.Log.Format != "" {
		c.Log.Format = over.Log.Format
	}
	return c
}

// Validate rejects structurally impossible configurations.
func (c Config) Validate() error {
	switch c.Engine.Type {
	case "mlxlm", "openai", "llama":
	default:
		return fmt.Errorf("unknown engine type: %q", c.Engine.Type)
	}
	if c.Engine.Type == "openai" && c.Engine.BaseURL == "" {
		return fmt.Errorf("engine.base_url required for the openai engine")
	}
	if c.Engine.PortMin < 0 || c.Engine.PortMax < 0 || c.Engine.PortMax < c.Engine.PortMin {
		return fmt.Errorf("invalid engine port range [%d,%d]", c.Engine.PortMin, c.Engine.PortMax)
	}
	if c.Generate.CommitIntervalMS < 0 {
		return fmt.Errorf("generate.commit_interval_ms must be >= 0")
	}
	if c.Pressure.Enabled && (c.Pressure.Threshold <= 0 || c.Pressure.Threshold >= 1) {
		return fmt.Errorf("pressure.threshold must be in (0,1), got %v", c.Pressure.Threshold)
	}
	switch c.Tier.Force {
	case "", "ultra-low", "low", "standard":
	default:
		return fmt.Errorf("unknown tier.force: %q", c.Tier.Force)
	}
	if c.HTTP.MaxBodyBytes < 0 {
		return fmt.Errorf("http.max_body_bytes must be >= 0")
	}
	return nil
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
