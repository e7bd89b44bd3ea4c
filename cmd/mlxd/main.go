package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"mlxd/internal/common/fsutil"
	"mlxd/internal/config"
	"mlxd/internal/engine"
	"mlxd/internal/engine/llamacpp"
	"mlxd/internal/engine/mlxlm"
	"mlxd/internal/engine/openaicompat"
	"mlxd/internal/history"
	"mlxd/internal/httpapi"
	"mlxd/internal/hub"
	"mlxd/internal/logging"
	"mlxd/internal/manager"
	"mlxd/internal/pressure"
	"mlxd/internal/registry"
	"mlxd/internal/tier"
)

func main() {
	cfgPath := flag.String("config", envOr("MLXD_CONFIG", ""), "Config file (.yaml/.json/.toml)")
	addr := flag.String("addr", "", "HTTP listen address, e.g. :8080")
	modelsDir := flag.String("models-dir", "", "Directory holding model snapshots")
	defaultModel := flag.String("default-model", "", "Model id used when a request omits one")
	engineType := flag.String("engine", "", "Engine: mlxlm|openai|llama")
	tierForce := flag.String("tier", "", "Force memory tier: ultra-low|low|standard")
	historyPath := flag.String("history", "", "Generation history sqlite path")
	logLevel := flag.String("log-level", "", "Log level: trace|debug|info|warn|error")
	logFormat := flag.String("log-format", "", "Log format: console|json")
	flag.Parse()

	cfg := config.Default()
	if *cfgPath != "" {
		file, err := config.Load(*cfgPath)
		if err != nil {
			fatalf("load config %s: %v", *cfgPath, err)
		}
		cfg = config.Merge(cfg, file)
	}
	cfg = config.Merge(cfg, envOverlay())
	cfg = config.Merge(cfg, flagOverlay(*addr, *modelsDir, *defaultModel, *engineType, *tierForce, *historyPath, *logLevel, *logFormat))
	if err := cfg.Validate(); err != nil {
		fatalf("invalid configuration: %v", err)
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fatalf("logger: %v", err)
	}

	dir, err := fsutil.ResolveDir(cfg.ModelsDir)
	if err != nil {
		fatalf("models dir: %v", err)
	}
	models, err := registry.Scan(dir)
	if err != nil {
		fatalf("scan models: %v", err)
	}

	tr, totalMem := tier.Resolve(cfg.Tier.Force, cfg.Tier.MemoryBytes)
	log.Info().
		Str("tier", tr.String()).
		Uint64("memory_total_bytes", totalMem).
		Int("models", len(models)).
		Str("engine", cfg.Engine.Type).
		Msg("starting")

	eng, err := buildEngine(cfg, log)
	if err != nil {
		fatalf("engine: %v", err)
	}

	var fetcher manager.Fetcher
	if cfg.Hub.Enabled {
		fetcher = hub.New(cfg.Hub.Endpoint, cfg.Hub.Token, log)
	}

	var store *history.Store
	if cfg.History.Path != "" {
		store, err = history.Open(cfg.History.Path)
		if err != nil {
			// Recording is best-effort; a broken store must not keep the
			// daemon down.
			log.Warn().Err(err).Str("path", cfg.History.Path).Msg("history disabled")
			store = nil
		} else {
			defer store.Close()
		}
	}

	mgr := manager.New(manager.Config{
		Registry:         models,
		DefaultModel:     cfg.DefaultModel,
		ModelsDir:        dir,
		Tier:             tr,
		TotalMemoryBytes: totalMem,
		TierSource: func() (tier.Tier, uint64) {
			return tier.Resolve(cfg.Tier.Force, cfg.Tier.MemoryBytes)
		},
		Engine:         eng,
		Fetcher:        fetcher,
		History:        store,
		Events:         manager.NewMemoryPublisher(),
		CommitInterval: time.Duration(cfg.Generate.CommitIntervalMS) * time.Millisecond,
		PreclearLow:    cfg.Generate.PreclearLow,
		Logger:         log,
	})

	baseCtx, stopBase := context.WithCancel(context.Background())
	defer stopBase()
	httpapi.SetBaseContext(baseCtx)
	httpapi.SetLogger(log)
	httpapi.SetMaxBodyBytes(cfg.HTTP.MaxBodyBytes)
	httpapi.SetCORSOptions(cfg.HTTP.CORSEnabled, cfg.HTTP.CORSOrigins, nil, nil)

	if cfg.Pressure.Enabled {
		w, err := pressure.New(pressure.Config{
			Threshold: cfg.Pressure.Threshold,
			Interval:  time.Duration(cfg.Pressure.IntervalMS) * time.Millisecond,
			Cooldown:  time.Duration(cfg.Pressure.CooldownMS) * time.Millisecond,
			OnLow:     mgr.EmergencyCleanup,
			Logger:    log,
		})
		if err != nil {
			fatalf("pressure watcher: %v", err)
		}
		go w.Start(baseCtx)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(mgr),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Str("models_dir", dir).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutting down")

	// Cancel in-flight streams first so Shutdown does not wait on them.
	stopBase()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown")
	}
	if err := mgr.Close(ctx); err != nil {
		log.Error().Err(err).Msg("manager close")
	}
}

// buildEngine picks the runtime adapter for cfg.Engine.Type.
func buildEngine(cfg config.Config, log zerolog.Logger) (engine.Engine, error) {
	switch cfg.Engine.Type {
	case "mlxlm":
		return mlxlm.New(mlxlm.Config{
			Bin:          cfg.Engine.Bin,
			Host:         cfg.Engine.Host,
			PortMin:      cfg.Engine.PortMin,
			PortMax:      cfg.Engine.PortMax,
			BaseURL:      cfg.Engine.BaseURL,
			StartTimeout: time.Duration(cfg.Engine.StartTimeoutMS) * time.Millisecond,
		}, log), nil
	case "openai":
		return openaicompat.New(openaicompat.Config{
			BaseURL: cfg.Engine.BaseURL,
			APIKey:  cfg.Engine.APIKey,
		}, log), nil
	case "llama":
		return llamacpp.New(llamacpp.Config{}, log), nil
	default:
		return nil, fmt.Errorf("unknown engine type: %q", cfg.Engine.Type)
	}
}

// envOverlay maps MLXD_* environment variables onto a config overlay.
// Precedence is flags > env > file > defaults.
func envOverlay() config.Config {
	var c config.Config
	c.Addr = os.Getenv("MLXD_ADDR")
	c.ModelsDir = os.Getenv("MLXD_MODELS_DIR")
	c.DefaultModel = os.Getenv("MLXD_DEFAULT_MODEL")
	c.Engine.Type = os.Getenv("MLXD_ENGINE")
	c.Engine.BaseURL = os.Getenv("MLXD_ENGINE_BASE_URL")
	c.Engine.APIKey = os.Getenv("MLXD_ENGINE_API_KEY")
	c.Tier.Force = os.Getenv("MLXD_TIER")
	c.Hub.Token = os.Getenv("MLXD_HUB_TOKEN")
	c.History.Path = os.Getenv("MLXD_HISTORY")
	c.Log.Level = os.Getenv("MLXD_LOG_LEVEL")
	c.Log.Format = os.Getenv("MLXD_LOG_FORMAT")
	return c
}

func flagOverlay(addr, modelsDir, defaultModel, engineType, tierForce, historyPath, logLevel, logFormat string) config.Config {
	var c config.Config
	c.Addr = addr
	c.ModelsDir = modelsDir
	c.DefaultModel = defaultModel
	c.Engine.Type = engineType
	c.Tier.Force = tierForce
	c.History.Path = historyPath
	c.Log.Level = logLevel
	c.Log.Format = logFormat
	return c
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
