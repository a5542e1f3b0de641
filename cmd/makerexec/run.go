package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tathienbao/maker-exec/internal/exchange/paper"
	"github.com/tathienbao/maker-exec/internal/execution"
	"github.com/tathienbao/maker-exec/internal/metrics"
	"github.com/tathienbao/maker-exec/internal/sizing"
	"github.com/tathienbao/maker-exec/internal/ui"
)

func cmdRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file (defaults when empty)")
	paperMode := fs.Bool("paper", false, "Force the paper venue")
	simulate := fs.Bool("simulate", true, "Drive the paper venue with a random-walk market")
	instrument := fs.String("instrument", "TOKEN-YES", "Instrument to sell")
	sizeFlag := fs.String("size", "", "Base units to sell (required)")
	floorFlag := fs.String("floor", "", "Lowest acceptable price (required)")
	volumeFlag := fs.String("volume", "", "Market volume; scales --size against --base-volume")
	baseVolumeFlag := fs.String("base-volume", "", "Volume at which --size is used unscaled")
	verbose := fs.Bool("verbose", false, "Verbose output")
	fs.Parse(args)

	if *sizeFlag == "" || *floorFlag == "" {
		fmt.Fprintln(os.Stderr, "Error: --size and --floor are required")
		fs.Usage()
		return 2
	}
	size, err := decimal.NewFromString(*sizeFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid --size: %v\n", err)
		return 2
	}
	floor, err := decimal.NewFromString(*floorFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid --floor: %v\n", err)
		return 2
	}
	if *volumeFlag != "" && *baseVolumeFlag != "" {
		volume, err1 := decimal.NewFromString(*volumeFlag)
		baseVolume, err2 := decimal.NewFromString(*baseVolumeFlag)
		if err1 != nil || err2 != nil {
			fmt.Fprintln(os.Stderr, "Error: invalid --volume or --base-volume")
			return 2
		}
		size = sizing.ScaleByVolume(size, volume, baseVolume)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}
	if *paperMode {
		cfg.Venue.Type = "paper"
	}

	// Logs go to stderr so the status line owns stdout.
	logger := newLogger(cfg, os.Stderr, *verbose, true)
	slog.SetDefault(logger)

	metrics.SetBuildInfo(Version, GitCommit, BuildTime)
	rec := metrics.NewRecorder()

	venue, pv, err := openVenue(cfg, *instrument, logger.With("component", "venue"))
	if err != nil {
		slog.Error("failed to open venue", "err", err)
		return 1
	}
	defer venue.Close()

	if pv != nil && *simulate {
		sim := paper.NewSimulator(pv, cfg.ToSimulatorConfig(*instrument), logger.With("component", "simulator"))
		sim.Start()
		defer sim.Stop()
	}

	journal, err := openJournal(cfg)
	if err != nil {
		slog.Error("failed to open journal", "err", err)
		return 1
	}
	if journal != nil {
		defer journal.Close()
	}

	manager, err := execution.NewManager(cfg.ToManagerConfig(), buildDeps(cfg, venue, journal, rec, logger), logger)
	if err != nil {
		slog.Error("failed to create manager", "err", err)
		return 1
	}

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.ToServerConfig(), logger)
		srv.RegisterHealthCheck("venue", func() metrics.Check {
			return metrics.Healthy(venue.Name())
		})
		srv.RegisterHealthCheck("intents", func() metrics.Check {
			return metrics.Healthy(fmt.Sprintf("%d active", len(manager.Active())))
		})
		if err := srv.Start(); err != nil {
			slog.Error("failed to start metrics server", "err", err)
			return 1
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	// Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Shutdown.RecoverOnStart && journal != nil {
		n, err := manager.RecoverOrphans(ctx)
		if err != nil {
			slog.Error("orphan recovery incomplete", "recovered", n, "err", err)
			return 1
		}
		if n > 0 {
			slog.Warn("recovered orphaned orders", "count", n)
		}
	}

	slog.Info("maker-exec starting",
		"version", Version,
		"venue", venue.Name(),
		"instrument", *instrument,
		"size", size.String(),
		"floor", floor.String(),
	)

	h, err := manager.StartSellIntent(ctx, *instrument, size, floor)
	if err != nil {
		slog.Error("failed to start sell intent", "err", err)
		return 1
	}

	line := ui.NewStatusLine(os.Stdout, h.Size, h.Floor)
	line.Start()
	watch(ctx, h, line, rec, cfg.TickInterval())

	res, runErr := h.Wait(context.Background())
	line.Stop()
	line.Summary(res)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}

	if runErr != nil {
		slog.Error("sell intent failed", "intent_id", h.ID, "err", runErr)
		return 1
	}
	slog.Info("maker-exec shutdown complete", "intent_id", h.ID, "outcome", res.Outcome.String())
	return 0
}

// watch renders events until the intent's stream closes. A signal asks the
// intent to stop; its final events still render.
func watch(ctx context.Context, h *execution.Handle, line *ui.StatusLine, rec *metrics.Recorder, heartbeat time.Duration) {
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	done := ctx.Done()
	events := h.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			line.Render(ev)
		case <-done:
			slog.Info("shutdown signal received", "intent_id", h.ID)
			h.Stop()
			done = nil
		case <-ticker.C:
			rec.RecordHeartbeat()
		}
	}
}
