// Package main is the entry point for the maker-side sell executor.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/tathienbao/maker-exec/internal/alerting"
	"github.com/tathienbao/maker-exec/internal/config"
	"github.com/tathienbao/maker-exec/internal/exchange"
	"github.com/tathienbao/maker-exec/internal/exchange/ccxtvenue"
	"github.com/tathienbao/maker-exec/internal/exchange/paper"
	"github.com/tathienbao/maker-exec/internal/execution"
	"github.com/tathienbao/maker-exec/internal/metrics"
	"github.com/tathienbao/maker-exec/internal/persistence"
	"github.com/tathienbao/maker-exec/internal/pricing"
	"github.com/tathienbao/maker-exec/internal/sizing"
	"github.com/tathienbao/maker-exec/internal/status"
)

// Version information (set by build flags).
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	// Parse command
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "-v", "--version":
		cmdVersion()
	case "help", "-h", "--help":
		printUsage()
	case "run":
		os.Exit(cmdRun(os.Args[2:]))
	case "validate":
		cmdValidate(os.Args[2:])
	case "intents":
		cmdIntents(os.Args[2:])
	case "recover":
		cmdRecover(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`maker-exec - Maker-side sell order execution

Usage:
  makerexec <command> [options]

Commands:
  run        Sell a position with a repriced post-only order
  validate   Validate configuration file
  intents    List journaled sell intents
  recover    Cancel orders left by intents that lost their process
  version    Show version information
  help       Show this help message

Examples:
  makerexec run --config config.yaml --instrument TOKEN-YES --size 50 --floor 0.35
  makerexec run --paper --size 50 --floor 0.35
  makerexec intents --config config.yaml --id <intent-id>
  makerexec recover --config config.yaml

Use "makerexec <command> --help" for more information about a command.`)
}

func cmdVersion() {
	fmt.Printf("makerexec version %s\n", Version)
	fmt.Printf("  Build time: %s\n", BuildTime)
	fmt.Printf("  Git commit: %s\n", GitCommit)
}

// loadConfig loads path, or returns defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func newLogger(cfg *config.Config, w io.Writer, verbose, forceJSON bool) *slog.Logger {
	level := cfg.LogLevel()
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if forceJSON || cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func cmdValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Configuration is valid!")
	fmt.Printf("  Venue: %s %s\n", cfg.Venue.Type, cfg.Venue.Exchange)
	fmt.Printf("  Tick interval: %s\n", cfg.TickInterval())
	fmt.Printf("  Reprice tolerance: %g (tick %g)\n", cfg.Execution.RepriceTolerance, cfg.Execution.TickSize)
	fmt.Printf("  Shrink ladder: step %g, max %d steps, min size %g\n",
		cfg.Sizing.Step, cfg.Sizing.MaxSteps, cfg.Sizing.MinSize)
	fmt.Printf("  Journal: %v (%s)\n", cfg.Persistence.Enabled, cfg.Persistence.Path)
}

// openJournal opens the sqlite journal, or returns nil when persistence is
// disabled.
func openJournal(cfg *config.Config) (*persistence.SQLiteRepository, error) {
	if !cfg.Persistence.Enabled {
		return nil, nil
	}
	repo, err := persistence.NewSQLiteRepository(cfg.Persistence.Path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return repo, nil
}

// openVenue builds the configured venue. The paper venue is seeded for
// instrument.
func openVenue(cfg *config.Config, instrument string, logger *slog.Logger) (exchange.Venue, *paper.Venue, error) {
	switch cfg.Venue.Type {
	case "ccxt":
		client, err := ccxtvenue.NewClient(cfg.ToCCXTConfig())
		if err != nil {
			return nil, nil, fmt.Errorf("create ccxt client: %w", err)
		}
		return ccxtvenue.New(client, cfg.ToCCXTConfig(), logger), nil, nil
	default:
		pv := paper.NewVenue(cfg.ToPaperConfig(instrument), logger)
		return pv, pv, nil
	}
}

func buildAlerter(cfg *config.Config, logger *slog.Logger) alerting.Alerter {
	if !cfg.Alerting.Enabled {
		return nil
	}
	var alerters []alerting.Alerter
	for _, ch := range cfg.Alerting.Channels {
		if ch.Type == "console" {
			alerters = append(alerters, alerting.NewConsoleAlerter(logger))
		}
	}
	for _, tg := range cfg.TelegramConfigs() {
		alerters = append(alerters, alerting.NewTelegramAlerter(tg))
	}
	if len(alerters) == 0 {
		alerters = append(alerters, alerting.NewConsoleAlerter(logger))
	}
	multi := alerting.NewMultiAlerter(logger, alerters...)
	logger.Info("alerting enabled", "channels", multi.Len(), "events", cfg.Alerting.Events)
	return alerting.NewFilteredAlerter(multi, cfg.IsAlertEventEnabled)
}

// buildDeps wires the shared collaborators of a manager.
func buildDeps(cfg *config.Config, venue exchange.Venue, journal *persistence.SQLiteRepository, rec *metrics.Recorder, logger *slog.Logger) execution.Deps {
	instrumented := exchange.NewInstrumented(venue, rec)
	deps := execution.Deps{
		Venue:      instrumented,
		Repricer:   pricing.NewRepricer(cfg.ToPricingConfig()),
		Sizer:      sizing.NewAdapter(cfg.ToSizingConfig(), instrumented, logger.With("component", "sizing")),
		Normalizer: status.NewNormalizer(cfg.ToStatusConfig()),
		Recorder:   rec,
		Alerter:    buildAlerter(cfg, logger),
	}
	// A nil *SQLiteRepository must not become a non-nil interface.
	if journal != nil {
		deps.Journal = journal
	}
	return deps
}

func cmdIntents(args []string) {
	fs := flag.NewFlagSet("intents", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	limit := fs.Int("limit", 20, "Number of intents to list")
	id := fs.String("id", "", "Show the event log of one intent")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}
	journal, err := openJournal(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if journal == nil {
		fmt.Fprintln(os.Stderr, "Error: persistence is disabled")
		os.Exit(1)
	}
	defer journal.Close()

	ctx := context.Background()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	if *id != "" {
		events, err := journal.GetEvents(ctx, *id, *limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintln(w, "TIME\tSTATE\tORDER\tPRICE\tFILLED\tREMAINING\tMESSAGE")
		for _, e := range events {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				e.Timestamp.Format("15:04:05.000"), e.State, e.OrderID,
				e.Price, e.FilledTotal, e.Remaining, e.Message)
		}
		return
	}

	intents, err := journal.ListIntents(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintln(w, "ID\tINSTRUMENT\tSTATUS\tSIZE\tFLOOR\tFILLED\tREMAINING\tCREATED\tERROR")
	for _, in := range intents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			in.ID, in.Instrument, in.Status, in.RequestedSize, in.Floor,
			in.FilledTotal, in.Remaining, in.CreatedAt.Format("2006-01-02 15:04:05"), in.Error)
	}
}

func cmdRecover(args []string) {
	fs := flag.NewFlagSet("recover", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	verbose := fs.Bool("verbose", false, "Verbose output")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg, os.Stdout, *verbose, false)
	slog.SetDefault(logger)

	journal, err := openJournal(cfg)
	if err != nil {
		slog.Error("failed to open journal", "err", err)
		os.Exit(1)
	}
	if journal == nil {
		slog.Error("persistence is disabled, nothing to recover")
		os.Exit(1)
	}
	defer journal.Close()

	venue, _, err := openVenue(cfg, "", logger)
	if err != nil {
		slog.Error("failed to open venue", "err", err)
		os.Exit(1)
	}
	defer venue.Close()

	manager, err := execution.NewManager(cfg.ToManagerConfig(),
		buildDeps(cfg, venue, journal, metrics.NewRecorder(), logger), logger)
	if err != nil {
		slog.Error("failed to create manager", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := manager.RecoverOrphans(ctx)
	if err != nil {
		slog.Error("recovery incomplete", "recovered", n, "err", err)
		os.Exit(1)
	}
	slog.Info("recovery complete", "recovered", n)
}
