package utils

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"leverageGuard/internal/domain"
)

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// WriteKlinesToCSV writes klines to filename, replacing any existing file.
func WriteKlinesToCSV(klines []*domain.Kline, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()
	return WriteKlines(file, klines)
}

// WriteKlines writes a header and one row per kline.
func WriteKlines(w io.Writer, klines []*domain.Kline) error {
	writer := csv.NewWriter(w)

	if err := writer.Write([]string{"open_time", "close_time", "symbol", "interval", "open", "high", "low", "close", "volume"}); err != nil {
		return fmt.Errorf("writing kline header: %w", err)
	}
	for _, k := range klines {
		if err := writer.Write([]string{
			k.OpenTime.UTC().Format(time.RFC3339),
			k.CloseTime.UTC().Format(time.RFC3339),
			k.Symbol.String(),
			k.Interval,
			formatFloat(k.Open),
			formatFloat(k.High),
			formatFloat(k.Low),
			formatFloat(k.Close),
			formatFloat(k.Volume),
		}); err != nil {
			return fmt.Errorf("writing kline row: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}

// WriteTrades writes ledger trades as CSV. Open trades leave the close columns empty.
func WriteTrades(w io.Writer, trades []*domain.Trade) error {
	writer := csv.NewWriter(w)

	header := []string{
		"id", "symbol", "side", "status", "quantity", "remaining_quantity", "entry_price",
		"exit_price", "stop_loss", "take_profit", "leverage", "confidence",
		"realized_pnl", "pnl_percent", "opened_at", "closed_at", "close_reason",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("writing trade header: %w", err)
	}
	for _, t := range trades {
		closedAt := ""
		if t.ClosedAt != nil {
			closedAt = t.ClosedAt.UTC().Format(time.RFC3339)
		}
		if err := writer.Write([]string{
			t.ID,
			t.Symbol.String(),
			string(t.Side),
			string(t.Status),
			formatFloat(t.Quantity),
			formatFloat(t.OpenQuantity()),
			formatFloat(t.EntryPrice),
			formatFloat(t.ExitPrice),
			formatFloat(t.StopLoss),
			formatFloat(t.TakeProfit),
			strconv.Itoa(t.Leverage),
			formatFloat(t.Confidence),
			formatFloat(t.RealizedPnL),
			formatFloat(t.PnLPercent),
			t.OpenedAt.UTC().Format(time.RFC3339),
			closedAt,
			t.CloseReason,
		}); err != nil {
			return fmt.Errorf("writing trade row: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}
