package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"leverageGuard/config"
	"leverageGuard/internal/adapters/binanceclient"
	"leverageGuard/internal/adapters/logger"
	"leverageGuard/internal/adapters/metrics"
	"leverageGuard/internal/adapters/sqlite"
	"leverageGuard/internal/analytics"
	"leverageGuard/internal/app"
	"leverageGuard/internal/breaker"
	"leverageGuard/internal/domain"
	"leverageGuard/internal/gate"
	"leverageGuard/internal/ports"
	"leverageGuard/internal/risk"
	techsignal "leverageGuard/internal/signal"
	"leverageGuard/internal/sizing"
	"leverageGuard/internal/utils"
)

// newRootCmd creates the root command
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "leverageguard",
		Short: "leverageGuard - leveraged futures trade lifecycle controller",
		Long: `leverageGuard scans trading signals, gates and sizes them, opens protected
leveraged positions and reconciles them against the exchange until they close.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newTradesCmd())
	rootCmd.AddCommand(newReportCmd())
	rootCmd.AddCommand(newStatusCmd())

	return rootCmd
}

// newRunCmd starts the engine until SIGINT or SIGTERM.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scan and reconciliation loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runEngine(ctx, cfg)
		},
	}
}

func runEngine(ctx context.Context, cfg *config.Config) error {
	appLogger := logger.New(cfg.LogLevel)
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	repo, err := openRepository(cfg, appLogger)
	if err != nil {
		return err
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()

	client, err := binanceclient.New(binanceclient.Config{
		APIKey:            cfg.APIKey,
		SecretKey:         cfg.SecretKey,
		UseTestnet:        cfg.IsTestnet,
		QuoteAsset:        cfg.QuoteAsset,
		RequestsPerSecond: cfg.RequestsPerSecond,
		RequestBurst:      cfg.RequestBurst,
		Logger:            appLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize Binance client: %w", err)
	}
	appLogger.Info(ctx, "Binance client initialized", map[string]interface{}{"testnet": cfg.IsTestnet})

	rules, err := config.LoadTradingRules()
	if err != nil {
		return fmt.Errorf("failed to load trading rules: %w", err)
	}
	rulesStore := config.NewRulesStore(cfg.EnvFile, rules)
	appLogger.Info(ctx, "Trading rules loaded", rules.Summary())

	signalCfg := techsignal.DefaultConfig()
	signalCfg.Interval = cfg.Engine.KlineInterval
	signalCfg.Limit = cfg.Engine.KlineLimit
	signals, err := techsignal.NewTechnical(signalCfg, client, appLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize signal source: %w", err)
	}

	brk := breaker.New(cfg.Breaker, appLogger)
	deps := app.Deps{
		Exchange: client,
		Ledger:   repo,
		Signals:  signals,
		Rules:    rulesStore,
		Breaker:  brk,
		Gate:     gate.New(cfg.Gate, func(s domain.Symbol) domain.SymbolRule { return rulesStore.Rules().RuleFor(s) }, appLogger),
		Sizer:    sizing.New(cfg.Sizing, sizing.NewHistory(cfg.Sizing.Performance.Window), appLogger),
		Risk:     risk.NewRiskManager(cfg.Risk, brk, appLogger),
		Logger:   appLogger,
	}

	if cfg.MetricsAddr != "" {
		recorder := metrics.NewRecorder()
		deps.Metrics = recorder
		srv := serveMetrics(cfg.MetricsAddr, recorder.Handler(), appLogger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	engine, err := app.NewEngine(cfg.Engine, deps)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}
	appLogger.Info(ctx, "Engine initialized")

	if err := engine.Run(ctx); err != nil {
		return fmt.Errorf("engine exited with error: %w", err)
	}
	appLogger.Info(context.Background(), "Application finished gracefully.")
	return nil
}

func serveMetrics(addr string, handler http.Handler, log ports.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info(context.Background(), "Metrics endpoint listening", map[string]interface{}{"addr": addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(context.Background(), err, "Metrics endpoint stopped", map[string]interface{}{"severity": "critical"})
		}
	}()
	return srv
}

func openRepository(cfg *config.Config, log ports.Logger) (*sqlite.Repository, error) {
	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: log})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database repository: %w", err)
	}
	return repo, nil
}

// withLedger loads config and opens the ledger for read-only commands.
func withLedger(fn func(ctx context.Context, repo *sqlite.Repository) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		repo, err := openRepository(cfg, logger.New(logger.LevelWarn))
		if err != nil {
			return err
		}
		defer repo.Close()
		return fn(cmd.Context(), repo)
	}
}

func newTradesCmd() *cobra.Command {
	var asCSV bool
	cmd := &cobra.Command{
		Use:   "trades",
		Short: "List open trades from the ledger",
		RunE: withLedger(func(ctx context.Context, repo *sqlite.Repository) error {
			trades, err := repo.FindOpenTrades(ctx, "")
			if err != nil {
				return err
			}
			if asCSV {
				return utils.WriteTrades(os.Stdout, trades)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSYMBOL\tSIDE\tQTY\tENTRY\tSTOP\tTARGET\tLEV\tPNL%\tPROTECTED\tOPENED")
			for _, t := range trades {
				fmt.Fprintf(w, "%s\t%s\t%s\t%g\t%g\t%g\t%g\t%dx\t%.2f\t%t\t%s\n",
					t.ID, t.Symbol, t.Side, t.OpenQuantity(), t.EntryPrice, t.StopLoss, t.TakeProfit,
					t.Leverage, t.PnLPercent, t.StopLossSet && t.TakeProfitSet, t.OpenedAt.Format(time.RFC3339))
			}
			return w.Flush()
		}),
	}
	cmd.Flags().BoolVar(&asCSV, "csv", false, "Write trades as CSV")
	return cmd
}

func newReportCmd() *cobra.Command {
	var (
		limit          int
		initialBalance float64
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize performance of closed trades",
		RunE: withLedger(func(ctx context.Context, repo *sqlite.Repository) error {
			closed, err := repo.FindClosedTrades(ctx, limit)
			if err != nil {
				return err
			}
			m := analytics.AnalyzePerformance(closed, initialBalance)

			fmt.Printf("Trades:         %d (%d wins, %d losses)\n", m.TotalTrades, m.WinningTrades, m.LosingTrades)
			fmt.Printf("Win rate:       %.2f%%\n", m.WinRate*100)
			fmt.Printf("Total profit:   %.2f\n", m.TotalProfit)
			fmt.Printf("Profit factor:  %.2f\n", m.ProfitFactor)
			fmt.Printf("Expectancy:     %.2f\n", m.Expectancy)
			fmt.Printf("Sharpe:         %.2f\n", m.SharpeRatio)
			fmt.Printf("Max drawdown:   %.2f%%\n", m.MaxDrawdown*100)
			fmt.Printf("Forced closes:  %d\n", m.ForcedCloses)

			if len(m.ByReason) > 0 {
				fmt.Println("\nBy close reason:")
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				for _, r := range m.Reasons() {
					s := m.ByReason[r]
					fmt.Fprintf(w, "  %s\t%d\t%.2f\n", r, s.Count, s.PnL)
				}
				w.Flush()
			}
			if len(m.BySymbol) > 0 {
				fmt.Println("\nBy symbol:")
				symbols := make([]string, 0, len(m.BySymbol))
				for s := range m.BySymbol {
					symbols = append(symbols, string(s))
				}
				sort.Strings(symbols)
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				for _, s := range symbols {
					fmt.Fprintf(w, "  %s\t%.2f\n", s, m.BySymbol[domain.Symbol(s)])
				}
				w.Flush()
			}
			if months := m.GetMonthlyReturns(); len(months) > 0 {
				fmt.Println("\nMonthly returns:")
				for _, mr := range months {
					fmt.Printf("  %s  %.2f\n", mr.Month.Format("2006-01"), mr.Return)
				}
			}
			return nil
		}),
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Only analyze the most recent N closed trades (0 for all)")
	cmd.Flags().Float64Var(&initialBalance, "initial-balance", 1000, "Starting balance for drawdown and ROI")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show ledger totals",
		RunE: withLedger(func(ctx context.Context, repo *sqlite.Repository) error {
			s, err := repo.GetSummary(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Open trades:    %d\n", s.OpenTrades)
			fmt.Printf("Closed trades:  %d (%d wins, %d losses)\n", s.ClosedTrades, s.Wins, s.Losses)
			fmt.Printf("Realized PnL:   %.2f\n", s.TotalRealized)
			fmt.Printf("Forced closes:  %d\n", s.CloseErrors)
			return nil
		}),
	}
}
