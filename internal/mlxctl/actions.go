package mlxctl

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"mlxd/pkg/types"
)

// Indirection layer to allow stubbing in tests

var (
	fnStatus   = actionStatus
	fnModels   = actionModels
	fnGenerate = actionGenerate
	fnRetry    = actionRetry
	fnLoad     = actionLoad
	fnUnload   = actionUnload
	fnCancel   = actionCancel
	fnHistory  = actionHistory
	fnCleanup  = actionCleanup
)

func unaryCtx(cfg *Config) (context.Context, context.CancelFunc) {
	d := time.Duration(cfg.TimeoutSec) * time.Second
	if d <= 0 {
		d = 30 * time.Second
	}
	return context.WithTimeout(context.Background(), d)
}

// streamCtx cancels on Ctrl-C so the daemon sees the client go away and
// aborts the run.
func streamCtx() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func actionStatus(cfg *Config) error {
	ctx, cancel := unaryCtx(cfg)
	defer cancel()
	st, err := NewClient(cfg.Addr).Status(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("state:    %s\n", st.State)
	if st.Model != "" {
		fmt.Printf("model:    %s\n", st.Model)
	}
	fmt.Printf("tier:     %s (max_tokens=%d, cache_limit=%s)\n",
		st.Tier.Tier, st.Tier.MaxTokens, humanBytes(uint64(st.Tier.CacheLimitBytes)))
	fmt.Printf("memory:   %s\n", humanBytes(st.MemoryTotalBytes))
	fmt.Printf("running:  %v\n", st.Running)
	if st.Load != nil {
		fmt.Printf("load:     %d%% %s\n", st.Load.Percent, st.Load.Message)
	}
	if st.Last != nil {
		if st.Last.Error != "" {
			fmt.Printf("last:     failed: %s\n", st.Last.Error)
		} else {
			fmt.Printf("last:     %d tokens @ %.1f tok/s (%s)\n",
				st.Last.Tokens, st.Last.TokensPerSecond, st.Last.FinishReason)
		}
	}
	fmt.Printf("runs:     %d (cleanups: %d)\n", st.GenerationsTotal, st.CleanupsTotal)
	fmt.Printf("uptime:   %s\n", (time.Duration(st.UptimeSeconds) * time.Second).String())
	return nil
}

func actionModels(cfg *Config) error {
	ctx, cancel := unaryCtx(cfg)
	defer cancel()
	resp, err := NewClient(cfg.Addr).Models(ctx)
	if err != nil {
		return err
	}
	if len(resp.Models) == 0 {
		fmt.Println("no models found")
		return nil
	}
	for _, m := range resp.Models {
		fmt.Printf("%-48s %-5s %10s\n", m.ID, m.Format, humanBytes(uint64(m.SizeBytes)))
	}
	return nil
}

// actionGenerate streams a completion to stdout. Leading option tokens
// (model:, max:, temp:, seed:, img:, video:) are peeled off; the rest of
// the args join into the prompt.
func actionGenerate(cfg *Config, args []string) error {
	req, rest, err := parseGenerateArgs(args)
	if err != nil {
		return err
	}
	req.Prompt = strings.Join(rest, " ")
	if strings.TrimSpace(req.Prompt) == "" {
		return fmt.Errorf("generate requires a prompt, e.g. mlxctl generate \"write a haiku\"")
	}

	ctx, stop := streamCtx()
	defer stop()
	done, err := NewClient(cfg.Addr).Generate(ctx, req, func(c types.GenerateChunk) {
		fmt.Print(c.Text)
	})
	if err != nil {
		fmt.Println()
		return err
	}
	printRunSummary(done)
	return nil
}

func printRunSummary(done types.GenerateDone) {
	if !strings.HasSuffix(done.Output, "\n") {
		fmt.Println()
	}
	info("%d tokens @ %.1f tok/s (%s)", done.Tokens, done.TokensPerSecond, done.FinishReason)
	if done.FinishReason == "length" {
		warn("output was cut at the tier's token budget; retry with max:<n> under the cap or a smaller prompt")
	}
}

// parseGenerateArgs splits option tokens from prompt words.
func parseGenerateArgs(args []string) (types.GenerateRequest, []string, error) {
	var req types.GenerateRequest
	rest := make([]string, 0, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, ":")
		if !ok {
			rest = append(rest, a)
			continue
		}
		switch k {
		case "model":
			req.Model = v
		case "max":
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return req, nil, fmt.Errorf("bad max token count: %q", v)
			}
			req.MaxTokens = n
		case "temp":
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return req, nil, fmt.Errorf("bad temperature: %q", v)
			}
			req.Temperature = f
		case "seed":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return req, nil, fmt.Errorf("bad seed: %q", v)
			}
			req.Seed = n
		case "img":
			req.Images = append(req.Images, v)
		case "video":
			req.Video = v
		default:
			// Unrecognized prefixes are prompt text ("ratio:16:9" etc).
			rest = append(rest, a)
		}
	}
	return req, rest, nil
}

func actionRetry(cfg *Config) error {
	ctx, stop := streamCtx()
	defer stop()
	done, err := NewClient(cfg.Addr).Retry(ctx, func(c types.GenerateChunk) {
		fmt.Print(c.Text)
	})
	if err != nil {
		fmt.Println()
		return err
	}
	printRunSummary(done)
	return nil
}

func actionLoad(cfg *Config, model string) error {
	ctx, stop := streamCtx()
	defer stop()
	done, err := NewClient(cfg.Addr).Load(ctx, model, func(p types.LoadProgress) {
		eta := ""
		if p.ETAMillis > 0 {
			eta = fmt.Sprintf(" eta %s", (time.Duration(p.ETAMillis) * time.Millisecond).Round(time.Second))
		}
		fmt.Fprintf(os.Stderr, "\r[%3d%%]%s %s\x1b[K", p.Percent, eta, p.Message)
	})
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return err
	}
	info("loaded %s", done.Model)
	return nil
}

func actionUnload(cfg *Config) error {
	ctx, cancel := unaryCtx(cfg)
	defer cancel()
	resp, err := NewClient(cfg.Addr).Unload(ctx)
	if err != nil {
		return err
	}
	if resp.Unloaded {
		fmt.Println("unloaded")
	} else {
		fmt.Println("nothing loaded")
	}
	return nil
}

func actionCancel(cfg *Config) error {
	ctx, cancel := unaryCtx(cfg)
	defer cancel()
	resp, err := NewClient(cfg.Addr).Cancel(ctx)
	if err != nil {
		return err
	}
	if resp.Canceled {
		fmt.Println("canceled")
	} else {
		fmt.Println("nothing running")
	}
	return nil
}

func actionHistory(cfg *Config, limit int) error {
	ctx, cancel := unaryCtx(cfg)
	defer cancel()
	resp, err := NewClient(cfg.Addr).History(ctx, limit)
	if err != nil {
		return err
	}
	if len(resp.Runs) == 0 {
		fmt.Println("no recorded runs")
		return nil
	}
	for _, r := range resp.Runs {
		when := time.Unix(r.StartedUnix, 0).Format("2006-01-02 15:04:05")
		outcome := fmt.Sprintf("%d tok @ %.1f tok/s", r.Tokens, r.TokensPerSecond)
		if r.ErrorKind != "" {
			outcome = "failed: " + r.ErrorKind
		}
		fmt.Printf("#%-5d %s  %-32s %-24s %s\n", r.ID, when, r.Model, outcome, truncate(r.Prompt, 48))
	}
	return nil
}

func actionCleanup(cfg *Config, reason string) error {
	ctx, cancel := unaryCtx(cfg)
	defer cancel()
	if _, err := NewClient(cfg.Addr).Cleanup(ctx, reason); err != nil {
		return err
	}
	fmt.Println("cleanup done")
	return nil
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
