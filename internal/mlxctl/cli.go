package mlxctl

import (
	"flag"
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	Addr       string
	TimeoutSec int
	LogLvl     string
}

func usage() {
	fmt.Println("Usage: mlxctl [--addr URL] [--timeout N] [--log-level info] <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  status")
	fmt.Println("  models")
	fmt.Println("  generate [model:<id>] [max:<n>] [temp:<f>] [seed:<n>] [img:<path>] <prompt...>")
	fmt.Println("  retry")
	fmt.Println("  load [model]")
	fmt.Println("  unload")
	fmt.Println("  cancel")
	fmt.Println("  history [n]")
	fmt.Println("  cleanup [reason]")
	fmt.Println("  completion bash|zsh|fish|powershell")
}

// Run dispatches the CLI command. It returns an error instead of exiting,
// enabling reuse from other packages or tests.
func Run(args []string, cfg *Config) error {
	switch args[0] {
	case "status":
		return fnStatus(cfg)
	case "models":
		return fnModels(cfg)
	case "generate":
		if len(args) < 2 {
			return fmt.Errorf("generate requires a prompt")
		}
		return fnGenerate(cfg, args[1:])
	case "retry":
		return fnRetry(cfg)
	case "load":
		model := ""
		if len(args) >= 2 {
			model = args[1]
		}
		return fnLoad(cfg, model)
	case "unload":
		return fnUnload(cfg)
	case "cancel":
		return fnCancel(cfg)
	case "history":
		limit := 0
		if len(args) >= 2 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 0 {
				return fmt.Errorf("history limit must be a non-negative integer, got %q", args[1])
			}
			limit = n
		}
		return fnHistory(cfg, limit)
	case "cleanup":
		reason := ""
		if len(args) >= 2 {
			reason = args[1]
		}
		return fnCleanup(cfg, reason)
	case "completion":
		// Completion scripts come from the Cobra tree so they describe
		// every command and flag.
		root := buildRootCmdWith(cfg)
		root.SetArgs(args)
		return root.Execute()
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func ParseConfig() (*Config, []string) {
	return ParseConfigWith(flag.CommandLine, os.Args[1:])
}

// ParseConfigWith parses flags using the provided FlagSet and args slice.
// This enables tests to inject their own FlagSet and arguments without
// mutating global state.
func ParseConfigWith(fs *flag.FlagSet, args []string) (*Config, []string) {
	cfg := &Config{}
	// Only define flags if they are not already present on the provided FlagSet.
	if fs.Lookup("addr") == nil {
		fs.String("addr", envStr("MLXD_ADDR", "http://127.0.0.1:8080"), "Daemon address")
	}
	if fs.Lookup("timeout") == nil {
		fs.Int("timeout", envInt("MLXCTL_TIMEOUT", 30), "Request timeout in seconds (streams are unbounded)")
	}
	if fs.Lookup("log-level") == nil {
		fs.String("log-level", envStr("MLXCTL_LOG_LEVEL", "info"), "Log level: debug|info|warn|error")
	}
	_ = fs.Parse(args)
	// Read back values from the parsed FlagSet, falling back to env defaults.
	addr := envStr("MLXD_ADDR", "http://127.0.0.1:8080")
	if f := fs.Lookup("addr"); f != nil {
		if v := f.Value.String(); v != "" {
			addr = v
		}
	}
	to := envInt("MLXCTL_TIMEOUT", 30)
	if f := fs.Lookup("timeout"); f != nil {
		var n int
		_, _ = fmt.Sscanf(f.Value.String(), "%d", &n)
		if n != 0 {
			to = n
		}
	}
	ll := envStr("MLXCTL_LOG_LEVEL", "info")
	if f := fs.Lookup("log-level"); f != nil {
		if v := f.Value.String(); v != "" {
			ll = v
		}
	}
	cfg.Addr = addr
	cfg.TimeoutSec = to
	cfg.LogLvl = ll
	return cfg, fs.Args()
}

// MainWithArgs is a testable variant of Main that accepts args explicitly.
// It returns an exit code (0 for success, non-zero on error).
func MainWithArgs(args []string) int {
	// If user explicitly asks for help, print usage and exit 0
	for _, a := range args {
		if a == "-h" || a == "--help" || a == "help" {
			usage()
			return 0
		}
	}
	fs := flag.NewFlagSet("mlxctl", flag.ContinueOnError)
	cfg, rest := ParseConfigWith(fs, args)
	SetLogLevel(cfg.LogLvl)
	if len(rest) == 0 {
		usage()
		return 2
	}
	if err := Run(rest, cfg); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	return 0
}

// Main returns an exit code (0 for success, non-zero on error) for use by cmd/mlxctl.
func Main() int { return MainWithArgs(os.Args[1:]) }
