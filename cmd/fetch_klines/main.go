package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"leverageGuard/config"
	"leverageGuard/internal/adapters/binanceclient"
	"leverageGuard/internal/adapters/logger"
	"leverageGuard/internal/domain"
	"leverageGuard/internal/utils"
)

func main() {
	var (
		symbol   string
		interval string
		months   int
		outDir   string
	)
	cmd := &cobra.Command{
		Use:          "fetch_klines",
		Short:        "Download historical klines to CSV",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			appLogger := logger.New(cfg.LogLevel)

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

			sym := domain.NormalizeSymbol(symbol)
			end := time.Now()
			start := end.AddDate(0, -months, 0)
			ctx := cmd.Context()

			appLogger.Info(ctx, "Fetching klines", map[string]interface{}{
				"symbol": sym, "interval": interval, "start": start, "end": end,
			})
			klines, err := client.GetKlinesRange(ctx, sym, interval, start, end)
			if err != nil {
				return fmt.Errorf("error fetching klines: %w", err)
			}
			appLogger.Info(ctx, "Fetched klines", map[string]interface{}{"count": len(klines)})

			if err := os.MkdirAll(outDir, 0755); err != nil {
				return fmt.Errorf("failed to create output directory '%s': %w", outDir, err)
			}
			filename := filepath.Join(outDir, fmt.Sprintf("%s_%s_%s_to_%s.csv", sym, interval, start.Format("20060102"), end.Format("20060102")))
			if err := utils.WriteKlinesToCSV(klines, filename); err != nil {
				return fmt.Errorf("error writing CSV: %w", err)
			}
			appLogger.Info(ctx, "Saved to", map[string]interface{}{"filename": filename})
			return nil
		},
	}
	cmd.Flags().StringVar(&symbol, "symbol", "ETHUSDT", "Futures symbol")
	cmd.Flags().StringVar(&interval, "interval", "1m", "Kline interval")
	cmd.Flags().IntVar(&months, "months", 3, "How many months back to fetch")
	cmd.Flags().StringVar(&outDir, "out", "data", "Output directory")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
}
