package mlxctl

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

// buildRootCmd is a convenience for help-only fallbacks.
func buildRootCmd() *cobra.Command {
	return buildRootCmdWith(&Config{Addr: "http://127.0.0.1:8080", TimeoutSec: 30, LogLvl: "info"})
}

// buildRootCmdWith constructs a Cobra command tree wired to the existing fn* actions.
func buildRootCmdWith(cfg *Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "mlxctl",
		Short:         "Control a running mlxd daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags -> Config
	root.PersistentFlags().String("addr", cfg.Addr, "Daemon address (defaults MLXD_ADDR or http://127.0.0.1:8080)")
	root.PersistentFlags().Int("timeout", cfg.TimeoutSec, "Request timeout in seconds (defaults MLXCTL_TIMEOUT or 30)")
	root.PersistentFlags().String("log-level", cfg.LogLvl, "Log level: debug|info|warn|error (defaults MLXCTL_LOG_LEVEL or info)")
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if f := cmd.InheritedFlags().Lookup("addr"); f != nil {
			if v := f.Value.String(); v != "" {
				cfg.Addr = v
			}
		}
		if f := cmd.InheritedFlags().Lookup("timeout"); f != nil {
			var n int
			_, _ = fmt.Sscanf(f.Value.String(), "%d", &n)
			if n != 0 {
				cfg.TimeoutSec = n
			}
		}
		if f := cmd.InheritedFlags().Lookup("log-level"); f != nil {
			if v := f.Value.String(); v != "" {
				cfg.LogLvl = v
			}
		}
		SetLogLevel(cfg.LogLvl)
	}

	root.AddCommand(&cobra.Command{Use: "status", Short: "Show daemon state, tier, and last run", RunE: func(cmd *cobra.Command, args []string) error { return fnStatus(cfg) }})
	root.AddCommand(&cobra.Command{Use: "models", Short: "List models the daemon can serve", RunE: func(cmd *cobra.Command, args []string) error { return fnModels(cfg) }})
	root.AddCommand(&cobra.Command{
		Use:     "generate [model:<id>] [max:<n>] [temp:<f>] [seed:<n>] [img:<path>] <prompt...>",
		Short:   "Stream a completion to stdout",
		Example: "  mlxctl generate write a haiku about the ocean\n  mlxctl generate model:qwen2.5-0.5b-instruct-4bit max:64 \"list three colors\"",
		Args:    cobra.MinimumNArgs(1),
		RunE:    func(cmd *cobra.Command, args []string) error { return fnGenerate(cfg, args) },
	})
	root.AddCommand(&cobra.Command{Use: "retry", Short: "Replay the last generation request", RunE: func(cmd *cobra.Command, args []string) error { return fnRetry(cfg) }})
	root.AddCommand(&cobra.Command{
		Use:   "load [model]",
		Short: "Load a model (the default when omitted), streaming progress",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			model := ""
			if len(args) == 1 {
				model = args[0]
			}
			return fnLoad(cfg, model)
		},
	})
	root.AddCommand(&cobra.Command{Use: "unload", Short: "Release the loaded model", RunE: func(cmd *cobra.Command, args []string) error { return fnUnload(cfg) }})
	root.AddCommand(&cobra.Command{Use: "cancel", Short: "Cancel the in-flight generation", RunE: func(cmd *cobra.Command, args []string) error { return fnCancel(cfg) }})
	root.AddCommand(&cobra.Command{
		Use:   "history [n]",
		Short: "Show recent generations, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit := 0
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n < 0 {
					return fmt.Errorf("history limit must be a non-negative integer, got %q", args[0])
				}
				limit = n
			}
			return fnHistory(cfg, limit)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "cleanup [reason]",
		Short: "Force an emergency cache cleanup on the daemon",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason := ""
			if len(args) == 1 {
				reason = args[0]
			}
			return fnCleanup(cfg, reason)
		},
	})

	// completion command
	completionCmd := &cobra.Command{Use: "completion", Short: "Generate the autocompletion script for the specified shell"}
	completionCmd.AddCommand(&cobra.Command{Use: "bash", Short: "Bash completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenBashCompletion(os.Stdout) }})
	completionCmd.AddCommand(&cobra.Command{Use: "zsh", Short: "Zsh completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenZshCompletion(os.Stdout) }})
	completionCmd.AddCommand(&cobra.Command{Use: "fish", Short: "Fish completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenFishCompletion(os.Stdout, true) }})
	completionCmd.AddCommand(&cobra.Command{Use: "powershell", Short: "PowerShell completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenPowerShellCompletionWithDesc(os.Stdout) }})
	root.AddCommand(completionCmd)

	return root
}
