package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"ledger-signals/internal/service"
)

// Scan runs one pipeline pass and writes the JSON report to stdout.
func (a *App) Scan(ctx context.Context, opts ScanOptions) error {
	report, err := a.scan(ctx, opts, 0)
	if err != nil {
		return err
	}
	return writeReport(os.Stdout, report, opts.Pretty)
}

func (a *App) scan(ctx context.Context, opts ScanOptions, lookback time.Duration) (*service.Report, error) {
	src, closeSrc, err := a.newSource()
	if err != nil {
		return nil, err
	}
	defer closeSrc()

	so := service.ScanOptions{
		PageSize:        opts.PageSize,
		MaxPages:        opts.Pages,
		Concurrency:     opts.Concurrency,
		HeatmapLookback: lookback,
	}
	if opts.Since > 0 {
		so.Since = time.Now().Add(-opts.Since)
	}

	report, err := a.newService(src, nil).Scan(ctx, opts.Address, so)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", opts.Address, err)
	}
	if report.Truncated {
		a.Logger.Warn().Str("address", opts.Address).Msg("scan result is partial; see report warning")
	}
	return report, nil
}

func writeReport(w io.Writer, report *service.Report, pretty bool) error {
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}
