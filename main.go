package main

import (
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"coinpilot/internal/api"
	"coinpilot/internal/execution"
	"coinpilot/internal/guard"
	"coinpilot/internal/market"
	"coinpilot/internal/ops"
	"coinpilot/internal/portfolio"
	"coinpilot/internal/position"
	"coinpilot/internal/report"
	"coinpilot/internal/risk"
	"coinpilot/internal/settings"
	"coinpilot/internal/signal"
	"coinpilot/internal/watcher"
	"coinpilot/internal/watchlist"
	"coinpilot/pkg/config"
	"coinpilot/pkg/db"
	"coinpilot/pkg/upbit"
)

var logLevel string

func main() {
	root := &cobra.Command{
		Use:   "coinpilot",
		Short: "Automated KRW spot trading bot for Upbit",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(logLevel)
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(
		newScanCmd(),
		newWatchCmd(),
		newMorningCmd(),
		newWatchlistCmd(),
		newFlattenCmd(),
		newResetDayCmd(),
		newReportCmd(),
		newHeartbeatCmd(),
		newDryCmd(),
		newServeCmd(),
	)

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	if os.Getenv("LOG_JSON") != "true" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// app holds the wired components for one command invocation.
type app struct {
	cfg      *config.Config
	database *db.Database
	client   *upbit.Client
	gateway  *market.Gateway
	registry *watchlist.Registry
	signals  *signal.Engine
	gate     *risk.Gate
	adapter  *execution.Adapter
	ledger   *position.Ledger
	balances *portfolio.Balances
	reports  *report.Aggregator
	dispatch *report.Dispatcher
	runner   *ops.Runner
	watcher  *watcher.Watcher
	settings *settings.Store
}

func (a *app) close() {
	if a.database != nil {
		a.database.Close()
	}
}

func buildApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	loc := cfg.Location()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.ApplyMigrations(database); err != nil {
		database.Close()
		return nil, err
	}

	client := upbit.NewClient(upbit.Config{
		BaseURL:    cfg.UpbitBaseURL,
		AccessKey:  cfg.UpbitAccessKey,
		SecretKey:  cfg.UpbitSecretKey,
		TimeoutSec: cfg.UpbitTimeoutSec,
	})

	store := settings.NewStore(database)
	dryGuard, err := guard.New(store, cfg.Bot.DryRun, cfg.Bot.NightStart, cfg.Bot.NightEnd, loc)
	if err != nil {
		database.Close()
		return nil, err
	}

	registry := watchlist.NewRegistry(database, client, cfg.Bot.WatchlistTTLSec)
	gateway := market.NewGateway(database, client, registry, loc, cfg.Bot.SnapshotCandles)
	signals := signal.NewEngine(database, gateway, cfg.Bot.SignalCooldownMinutes, cfg.Bot.CandidateWindowMinutes)

	gate := risk.NewGate(database, risk.Limits{
		DailyBudgetQuote:     cfg.Bot.DailyBudgetQuote,
		CooldownMinutes:      cfg.Bot.SignalCooldownMinutes,
		MinOrderNotional:     cfg.Bot.MinOrderNotional,
		DailyDrawdownStopPct: cfg.Bot.DailyDrawdownStopPct,
	}, loc)
	gate.UseSymbolMinimums(registry)

	adapter := execution.NewAdapter(client, gateway, dryGuard, execution.Options{})
	ledger := position.NewLedger(database)
	balances := portfolio.NewBalances(client, cfg.Bot.BalanceTTLSec)
	reports := report.NewAggregator(database, loc)
	dispatch := buildDispatcher(cfg)

	runner := ops.NewRunner(ops.Deps{
		Config:   cfg,
		Gateway:  gateway,
		Registry: registry,
		Signals:  signals,
		Gate:     gate,
		Adapter:  adapter,
		Ledger:   ledger,
		Balances: balances,
		Reports:  reports,
		Dispatch: dispatch,
	})

	w := watcher.New(gateway, adapter, ledger, gate, watcher.Options{
		Interval:       time.Duration(cfg.Bot.WatchIntervalSec) * time.Second,
		Jitter:         time.Duration(cfg.Bot.WatchJitterSec) * time.Second,
		MaxErrors:      cfg.Bot.WatchMaxErrors,
		TimeoutMinutes: cfg.Bot.PositionTimeoutMinutes,
	})

	if cfg.Bot.DryRun {
		log.Info().Msg("dry mode forced by config: fills are simulated")
	}

	return &app{
		cfg:      cfg,
		database: database,
		client:   client,
		gateway:  gateway,
		registry: registry,
		signals:  signals,
		gate:     gate,
		adapter:  adapter,
		ledger:   ledger,
		balances: balances,
		reports:  reports,
		dispatch: dispatch,
		runner:   runner,
		watcher:  w,
		settings: store,
	}, nil
}

func buildDispatcher(cfg *config.Config) *report.Dispatcher {
	var sheet report.SheetAppender
	if cfg.ReportCSVPath != "" {
		sheet = &report.CSVSheet{Path: cfg.ReportCSVPath}
	}
	var mail report.MailNotifier
	if cfg.SMTPAddr != "" && cfg.SMTPTo != "" {
		host, port := splitHostPort(cfg.SMTPAddr)
		mail = &report.SMTPMailer{
			Host: host,
			Port: port,
			User: cfg.SMTPUser,
			Pass: cfg.SMTPPass,
			From: cfg.SMTPFrom,
			To:   cfg.SMTPTo,
		}
	}
	return report.NewDispatcher(sheet, mail)
}

func splitHostPort(addr string) (string, int) {
	host, portStr, ok := strings.Cut(addr, ":")
	if !ok {
		return addr, 0
	}
	port := 0
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}

// signalContext returns a context canceled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run one minute scan over the watch list",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			rep, err := a.runner.MinuteScan(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("scanned=%d entered=%d snapshots=%d skips=%v\n", rep.Scanned, rep.Entered, rep.Snapshot, rep.Skips)
			return nil
		},
	}
}

func newWatchCmd() *cobra.Command {
	var useStream bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch open positions and exit on TP, SL, or timeout",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			if useStream {
				go runTickerFeed(ctx, a)
			}

			err = a.watcher.Run(ctx)
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&useStream, "stream", true, "warm the price cache from the ticker websocket")
	return cmd
}

// runTickerFeed keeps the price cache warm from the exchange websocket so
// watch checks rarely need a REST round trip. Reconnects with a short pause.
func runTickerFeed(ctx context.Context, a *app) {
	stream := upbit.NewStreamClient(a.cfg.UpbitWSURL)
	for {
		symbols, err := a.registry.EnabledSymbols(ctx)
		if err != nil {
			symbols = nil
		}
		if open, err := a.ledger.GetOpenPositions(ctx); err == nil {
			for _, p := range open {
				symbols = append(symbols, p.Symbol)
			}
		}
		if len(symbols) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Second):
				continue
			}
		}

		ticks, stop, err := stream.SubscribeTicker(ctx, symbols)
		if err != nil {
			log.Warn().Err(err).Msg("ticker stream connect failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
				continue
			}
		}
		for tick := range ticks {
			a.gateway.WarmPrice(tick.Symbol, tick.Price)
		}
		stop()

		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func newMorningCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "morning",
		Short: "Prepare the trading day: refresh data, rebuild the watch list, record equity",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()
			return a.runner.MorningPrep(ctx)
		},
	}
}

func newWatchlistCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watchlist",
		Short: "Manage the watch list",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the watch list from latest snapshot volume",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()
			n, err := a.runner.RebuildWatchList(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("watch list rebuilt: %d symbols enabled\n", n)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add <symbol>...",
		Short: "Add symbols to the watch list",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()
			n, err := a.registry.BulkAdd(ctx, args)
			if err != nil {
				return err
			}
			fmt.Printf("%d symbols added\n", n)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <symbol>...",
		Short: "Disable symbols on the watch list",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()
			removed := 0
			for _, s := range args {
				ok, err := a.registry.Remove(ctx, s)
				if err != nil {
					return err
				}
				if ok {
					removed++
				}
			}
			fmt.Printf("%d symbols disabled\n", removed)
			return nil
		},
	})

	return cmd
}

func newFlattenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flatten",
		Short: "Market-sell every open position",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()
			rep, err := a.runner.Flatten(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("closed=%d held=%d failed=%d\n", rep.Closed, rep.Held, rep.Failed)
			if rep.Failed > 0 {
				return fmt.Errorf("flatten: %d position(s) failed to close", rep.Failed)
			}
			return nil
		},
	}
}

func newResetDayCmd() *cobra.Command {
	var keepCooldowns bool
	var forceEquity bool
	cmd := &cobra.Command{
		Use:   "reset-day",
		Short: "Record opening equity, clear today's risk counters and prune old snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()
			return a.runner.ResetDay(ctx, !keepCooldowns, forceEquity)
		},
	}
	cmd.Flags().BoolVar(&keepCooldowns, "keep-cooldowns", false, "leave symbol cooldowns in place")
	cmd.Flags().BoolVar(&forceEquity, "force-equity", false, "overwrite today's recorded opening equity")
	return cmd
}

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Reporting commands",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "daily",
		Short: "Aggregate today's ledger row and dispatch it",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()
			row, err := a.runner.DailyReport(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%s pnl=%.2f (%.2f%%) wins=%d losses=%d trades=%d\n",
				row.Date, row.PnL, row.PnLPct, row.Wins, row.Losses, row.TradesCount)
			return nil
		},
	})
	return cmd
}

func newHeartbeatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "heartbeat",
		Short: "Print the bot's live status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()
			st, err := a.runner.Heartbeat(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("dry=%v guard=%v halted=%v open=%d watched=%d budget_left=%.0f used=%.0f pnl=%.2f\n",
				st.DryRun, st.GuardActive, st.Halted, st.OpenPositions, st.WatchedSymbols,
				st.RemainingBudget, st.UsedBudget, st.DayPnL)
			return nil
		},
	}
}

func newDryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dry <on|off|clear>",
		Short: "Override dry mode, or clear the override",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			switch args[0] {
			case "on", "off":
				if err := a.settings.Set(ctx, settings.KeyDryOverride, args[0]); err != nil {
					return err
				}
			case "clear":
				if err := a.settings.Delete(ctx, settings.KeyDryOverride); err != nil {
					return err
				}
			default:
				return fmt.Errorf("state must be on, off, or clear")
			}
			fmt.Printf("dry override: %s\n", args[0])
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only ops API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			server := api.NewServer(a.runner, a.ledger, a.signals, a.registry, a.reports, a.settings)
			addr := ":" + a.cfg.APIPort
			log.Info().Str("addr", addr).Msg("ops api listening")

			errCh := make(chan error, 1)
			go func() { errCh <- server.Start(addr) }()

			select {
			case <-ctx.Done():
				return nil
			case err := <-errCh:
				return err
			}
		},
	}
}
