package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/grafana/pyroscope-go"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"github.com/tathienbao/stgeng/internal/alerting"
	"github.com/tathienbao/stgeng/internal/api"
	"github.com/tathienbao/stgeng/internal/broker/paper"
	"github.com/tathienbao/stgeng/internal/config"
	"github.com/tathienbao/stgeng/internal/engine"
	"github.com/tathienbao/stgeng/internal/feed"
	"github.com/tathienbao/stgeng/internal/metrics"
	"github.com/tathienbao/stgeng/internal/persistence"
	"github.com/tathienbao/stgeng/internal/position"
	"github.com/tathienbao/stgeng/internal/risk"
	"github.com/tathienbao/stgeng/internal/strategy"
	"github.com/tathienbao/stgeng/internal/types"
)

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "stgeng.yaml", "Path to configuration file")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.App)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("stgeng exited with error", "err", err)
		os.Exit(1)
	}
}

// run wires the engine and its surroundings, blocks until ctx is done and shuts everything down.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("stgeng starting",
		"version", Version,
		"strategy", cfg.Strategy.Name,
		"stg_id", cfg.Strategy.StgID,
		"instances", len(cfg.Strategy.Instances),
	)
	metrics.SetBuildInfo(Version, GitCommit, BuildTime)

	if cfg.Profiling.Enabled {
		profiler, err := startProfiler(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = profiler.Stop() }()
	}

	factory, err := strategy.Factory(cfg.Strategy.Name, logger)
	if err != nil {
		return err
	}

	var repo persistence.Repository
	if cfg.Persistence.Enabled {
		sqlite, err := persistence.NewSQLiteRepository(cfg.Persistence.Path)
		if err != nil {
			return fmt.Errorf("open repository: %w", err)
		}
		defer func() { _ = sqlite.Close() }()
		repo = sqlite
		logger.Info("persistence enabled", "path", cfg.Persistence.Path)
	}

	marks := position.NewMarkBook()
	for _, r := range cfg.Rates {
		marks.SetRate(r.From, r.To, decimal.NewFromFloat(r.Rate))
	}

	eng, err := engine.NewEngine(cfg.ToEngineConfig(), engine.Deps{
		Venue:   paper.NewVenue(cfg.ToPaperConfig(), logger),
		Risk:    risk.NewEngine(cfg.ToRiskConfig(), logger),
		Repo:    repo,
		Symbols: types.NewSymbolRegistry(cfg.SymbolInfos()...),
		Marks:   marks,
		Alerter: newAlerter(cfg, logger),
	}, factory, logger)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	for _, info := range cfg.StgInstInfos() {
		if err := eng.AddStgInst(ctx, info); err != nil {
			return fmt.Errorf("add instance %d: %w", info.StgInstID, err)
		}
	}

	sources, err := newSources(cfg, eng, logger)
	if err != nil {
		return err
	}

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.ToMetricsConfig(), logger)
		metricsServer.RegisterHealthCheck("engine", func() metrics.Check {
			if !eng.IsRunning() {
				return metrics.Check{Status: metrics.StatusUnhealthy, Message: "engine not running"}
			}
			if st := eng.RiskState(); st.SafeMode {
				return metrics.Check{Status: metrics.StatusDegraded, Message: "safe mode: " + st.SafeModeReason}
			}
			return metrics.Check{Status: metrics.StatusHealthy}
		})
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
	}

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(api.Config{
			Addr:  cfg.API.Addr,
			Token: cfg.API.Token,
			StgID: types.StgID(cfg.Strategy.StgID),
		}, eng, logger)
		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("start api server: %w", err)
		}
	}

	feedCtx, stopFeeds := context.WithCancel(ctx)
	defer stopFeeds()
	var feeds conc.WaitGroup
	feeds.Go(func() {
		if err := feed.RunAll(feedCtx, logger, sources...); err != nil {
			logger.Error("feeds stopped with errors", "err", err)
		}
	})

	logger.Info("stgeng running", "feeds", len(sources))
	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	return shutdown(shutdownCtx, logger, []shutdownStep{
		{"stop feeds", func(context.Context) error {
			stopFeeds()
			var errs []error
			for _, s := range sources {
				errs = append(errs, s.Close())
			}
			feeds.Wait()
			return errors.Join(errs...)
		}},
		{"stop api server", func(ctx context.Context) error {
			if apiServer == nil {
				return nil
			}
			return apiServer.Shutdown(ctx)
		}},
		{"stop engine", eng.Stop},
		{"stop metrics server", func(ctx context.Context) error {
			if metricsServer == nil {
				return nil
			}
			return metricsServer.Shutdown(ctx)
		}},
	})
}

type shutdownStep struct {
	name string
	fn   func(ctx context.Context) error
}

// shutdown runs the steps in order. A failing step is logged and does not stop the rest.
func shutdown(ctx context.Context, logger *slog.Logger, steps []shutdownStep) error {
	logger.Info("starting graceful shutdown")

	var errs []error
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("shutdown timeout during: %s", step.name))
			break
		}
		logger.Debug("shutdown step", "step", step.name)
		if err := step.fn(ctx); err != nil {
			logger.Warn("shutdown step failed", "step", step.name, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
		}
	}

	logger.Info("stgeng shutdown complete")
	return errors.Join(errs...)
}

func newAlerter(cfg *config.Config, logger *slog.Logger) alerting.Alerter {
	if !cfg.Alerting.Enabled {
		return nil
	}

	multi := alerting.NewMultiAlerter(logger)
	for _, ch := range cfg.Alerting.Channels {
		switch ch.Type {
		case "console":
			multi.AddAlerter(alerting.NewConsoleAlerter(logger))
		case "telegram":
			multi.AddAlerter(alerting.NewTelegramAlerter(cfg.TelegramConfig(ch)))
		}
	}

	var a alerting.Alerter = multi
	if every := cfg.AlertThrottle(); every > 0 {
		a = alerting.NewThrottledAlerter(a, every, cfg.Alerting.ThrottleBurst)
	}
	return alerting.NewFilteredAlerter(a, cfg.IsAlertEventEnabled)
}

func newSources(cfg *config.Config, sink feed.Sink, logger *slog.Logger) ([]feed.Source, error) {
	var sources []feed.Source
	for _, c := range cfg.KafkaFeeds() {
		s, err := feed.NewKafkaSource(c, sink, logger)
		if err != nil {
			return nil, fmt.Errorf("kafka feed %s: %w", c.Name, err)
		}
		sources = append(sources, s)
	}
	for _, c := range cfg.WebsocketFeeds() {
		s, err := feed.NewWebsocketSource(c, sink, logger)
		if err != nil {
			return nil, fmt.Errorf("websocket feed %s: %w", c.Name, err)
		}
		sources = append(sources, s)
	}
	for _, c := range cfg.ReplayFeeds() {
		s, err := feed.NewReplaySource(c, sink, logger)
		if err != nil {
			return nil, fmt.Errorf("replay feed %s: %w", c.Name, err)
		}
		sources = append(sources, s)
	}
	return sources, nil
}

func startProfiler(cfg *config.Config) (*pyroscope.Profiler, error) {
	name := cfg.Profiling.ApplicationName
	if name == "" {
		name = cfg.App.Name
	}
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: name,
		ServerAddress:   cfg.Profiling.ServerAddress,
		Tags:            map[string]string{"stg_id": fmt.Sprint(cfg.Strategy.StgID)},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("start profiler: %w", err)
	}
	return profiler, nil
}
