// Package daemon wires every service together and runs the HTTP server.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/api"
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/cache"
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/config"
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/domain"
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/engine"
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/health"
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/loader"
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/pipeline"
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/registry"
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/router"
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/store"
)

// Idle handles are torn down after this much inactivity.
const idleTimeout = 30 * time.Minute

// Daemon is the assembled runtime.
type Daemon struct {
	Config   config.Config
	Log      zerolog.Logger
	DB       *store.DB
	Registry *registry.Registry
	Router   *router.Router
	Cache    *cache.Cache
	Pipeline *pipeline.Pipeline
	Health   *health.Checker
	Server   *api.Server

	cancel context.CancelFunc
}

// New loads configuration and assembles the daemon.
func New(configPath string) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return NewWithConfig(cfg)
}

// NewWithConfig assembles the daemon from an explicit configuration.
func NewWithConfig(cfg config.Config) (*Daemon, error) {
	log := newLogger(cfg.Logging.Level)

	db, err := store.Open(cfg.Registry.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open usage store: %w", err)
	}

	forceKill := time.Duration(cfg.Limits.ForceKillMs) * time.Millisecond
	loaders, engines := buildBackends(cfg, forceKill, log)

	reg, err := registry.New(loaders, engines, registry.Options{
		JournalPath: cfg.Registry.Path,
		Capacity:    cfg.Registry.Capacity,
		QueueDepth:  cfg.Limits.QueueDepth,
		DB:          db,
	}, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	rt := router.New(reg, router.Config{
		DefaultStrategy:  domain.Strategy(cfg.Router.Strategy),
		ScoreInterval:    time.Duration(cfg.Router.ScoreIntervalMs) * time.Millisecond,
		BreakerWindow:    cfg.Router.BreakerWindow,
		BreakerThreshold: cfg.Router.BreakerThreshold,
		Cooldown:         time.Duration(cfg.Router.CooldownMs) * time.Millisecond,
	}, nil, log)

	var resultCache *cache.Cache
	if cfg.Cache.Enabled {
		resultCache, err = cache.New(cfg.Cache.Capacity, time.Duration(cfg.Cache.TTLMs)*time.Millisecond)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("build result cache: %w", err)
		}
	}

	pipe := pipeline.New(reg, rt, pipeline.Options{
		Cache:        resultCache,
		MaxFallbacks: cfg.Router.MaxFallbacks,
	}, log)

	checker := health.NewChecker(db, reg, cfg.Registry.Path)

	srv := api.NewServer(pipe, reg, checker, log)
	if cfg.Server.Metrics {
		srv.EnableMetrics()
	}

	return &Daemon{
		Config:   cfg,
		Log:      log,
		DB:       db,
		Registry: reg,
		Router:   rt,
		Cache:    resultCache,
		Pipeline: pipe,
		Health:   checker,
		Server:   srv,
	}, nil
}

// buildBackends assembles the loader set and substrate selector. A missing
// llama-server degrades gguf to unavailable instead of failing startup.
func buildBackends(cfg config.Config, forceKill time.Duration, log zerolog.Logger) (*loader.Set, *engine.Selector) {
	home := config.Home()
	set := loader.NewSet()
	defaults := loader.Defaults{
		MaxThreads:  cfg.Inference.MaxThreads,
		ContextSize: cfg.Inference.ContextSize,
		BatchSize:   cfg.Inference.BatchSize,
	}

	if gguf, err := loader.NewGGUFLoader(home, defaults, forceKill, log); err == nil {
		set.Register(gguf)
	} else {
		log.Warn().Err(err).Msg("gguf models unavailable")
	}

	set.Register(loader.NewAPILoader(log))

	runner := runnerCommand()
	tensorFormats := []domain.Format{
		domain.FormatSafetensors, domain.FormatPyTorch,
		domain.FormatBinary, domain.FormatBitNet,
	}
	set.Register(loader.NewWorkerLoader(runner, tensorFormats, defaults, forceKill, log))
	set.Register(loader.NewONNXLoader(runner, onnxProviders(), defaults, forceKill, log))
	set.Register(loader.NewMockLoader())

	runnerBin := ""
	if len(runner) > 0 {
		runnerBin = runner[0]
	}
	selector := engine.NewSelector(log,
		engine.NewNativeEngine(),
		engine.NewWorkerEngine(runnerBin),
		engine.NewWASMEngine(),
		engine.NewEdgeEngine(os.Getenv("LLMRD_EDGE_ENDPOINT")),
		engine.NewRemoteEngine(),
	)
	return set, selector
}

// runnerCommand resolves the tensor runner argv from LLMRD_RUNNER
// (whitespace-separated). Empty means tensor formats are unavailable.
func runnerCommand() []string {
	if v := os.Getenv("LLMRD_RUNNER"); v != "" {
		return strings.Fields(v)
	}
	return nil
}

func onnxProviders() []string {
	if v := os.Getenv("LLMRD_ONNX_PROVIDERS"); v != "" {
		return strings.Split(v, ",")
	}
	return nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

// Serve starts the background services and the HTTP server, blocking until
// shutdown.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.Router.Start()
	go d.Health.Run(ctx)
	go d.idleReaper(ctx)

	addr := fmt.Sprintf("%s:%d", d.Config.Server.Host, d.Config.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.Server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // streaming responses
		IdleTimeout:  2 * time.Minute,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			d.Log.Info().Str("signal", sig.String()).Msg("shutting down")
		case <-ctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx) //nolint:errcheck
		d.shutdown()
	}()

	d.Log.Info().Str("addr", addr).Msg("serving")
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// idleReaper unloads handles that have sat unused past the idle timeout.
func (d *Daemon) idleReaper(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-idleTimeout)
			for _, v := range d.Registry.List() {
				if v.Status != domain.StatusLoaded || v.InFlight > 0 {
					continue
				}
				last := v.Metrics.LastUsedAt
				if !last.IsZero() && last.Before(cutoff) {
					if err := d.Registry.Unload(v.Descriptor.ID); err == nil {
						d.Log.Info().Str("model", v.Descriptor.ID).Msg("unloaded idle model")
					}
				}
			}
		}
	}
}

func (d *Daemon) shutdown() {
	d.Router.Stop()
	if d.Cache != nil {
		d.Cache.Close()
	}
	if err := d.Registry.Close(); err != nil {
		d.Log.Warn().Err(err).Msg("registry close failed")
	}
	if err := d.DB.Close(); err != nil {
		d.Log.Warn().Err(err).Msg("store close failed")
	}
}

// Close tears the daemon down outside Serve.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
		return
	}
	d.shutdown()
}
