// Command tacaman is a cover-art cache daemon: content-addressed storage
// via hard links, a conversion job queue, and a watermark garbage
// collector, fronted by a minimal JSON-over-HTTP surface.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/tahifi/tacaman/background"
	"github.com/tahifi/tacaman/cache"
	"github.com/tahifi/tacaman/config"
	"github.com/tahifi/tacaman/gc"
	"github.com/tahifi/tacaman/history"
	"github.com/tahifi/tacaman/queue"
	"github.com/tahifi/tacaman/server"
	"github.com/tahifi/tacaman/telemetry"
	"github.com/tahifi/tacaman/timestamp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		return fmt.Errorf("parsing configuration: %w", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	formats, err := cfg.Formats()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.CacheRoot, 0o755); err != nil {
		return fmt.Errorf("creating cache root: %w", err)
	}

	hist, err := history.Open(cfg.HistoryDBPath)
	if err != nil {
		return fmt.Errorf("opening history ledger: %w", err)
	}
	defer hist.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "tacaman",
		OTLPEndpoint:     cfg.OTLPEndpoint,
		EnablePrometheus: cfg.EnablePrometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown failed", slog.Any("error", err))
		}
	}()

	bg := background.NewTask(logger)
	tsBase := time.Now()
	if fi, err := os.Stat(filepath.Join(cfg.CacheRoot, ".obj")); err == nil {
		if st, ok := fi.Sys().(*syscall.Stat_t); ok {
			tsBase = time.Unix(st.Atim.Sec, st.Atim.Nsec)
		}
	}
	ts := timestamp.NewService(tsBase)

	var mgr *cache.Manager
	var q *queue.Queue
	mgr = cache.New(cfg.CacheRoot, cfg.UpperLimits(), nil, bg, ts, cache.WithLogger(logger), cache.WithLowerLimitPercentage(cfg.LowerLimitPercentage))
	q = queue.New(cfg.CacheRoot, mgr, logger, queue.WithFormats(formats), queue.WithNiceness(cfg.Niceness), queue.WithShell(cfg.RecipeShell))
	mgr.SetPending(q)

	if err := mgr.Init(); err != nil {
		return fmt.Errorf("initializing cache manager: %w", err)
	}

	gcManager := gc.New(mgr, gc.WithLogger(logger), gc.WithMetrics(telemetry.Meter()))

	bg.OnAction(background.ActionGC, func() {
		result := gcManager.Run(ctx)
		if err := hist.RecordGCRun(result); err != nil {
			logger.Warn("recording gc run failed", slog.Any("error", err))
		}
	})
	bg.OnAction(background.ActionResetTimestamps, func() {
		base := time.Now()
		touched, err := mgr.ResetAllTimestamps(base)
		if recErr := hist.RecordTimestampReset(time.Now(), base, touched, err); recErr != nil {
			logger.Warn("recording timestamp reset failed", slog.Any("error", recErr))
		}
		if err != nil {
			logger.Error("timestamp reset failed", slog.Any("error", err))
		}
	})

	if snap, found, err := hist.LatestStatsSnapshot(); err != nil {
		logger.Warn("reading stats snapshot failed", slog.Any("error", err))
	} else if found {
		logger.Info("previous run statistics", slog.Int("keys", snap.NKeys), slog.Int("sources", snap.NSources), slog.Int("objects", snap.NObjects))
	}

	bg.Start()
	q.Start()

	srv, err := server.New(server.Config{
		Address: cfg.ListenAddress,
		Manager: mgr,
		Queue:   q,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("tacaman started", slog.String("address", srv.Address()), slog.String("cache_root", cfg.CacheRoot))

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown failed", slog.Any("error", err))
		}
		q.Shutdown()
		bg.Shutdown(false)

		if err := hist.RecordStatsSnapshot(mgr.Stats()); err != nil {
			logger.Warn("recording final stats snapshot failed", slog.Any("error", err))
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := cfg.LogLevelValue()
	if err != nil {
		return nil, err
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	default:
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	}
	return slog.New(handler), nil
}
