package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"ledger-signals/internal/aggregate"
)

// Heatmap scans an address and renders its hourly activity as CSV and/or PNG.
func (a *App) Heatmap(ctx context.Context, opts HeatmapOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	hours := opts.Hours
	if hours <= 0 {
		hours = a.Config.Aggregation.HeatmapHours
	}
	lookback := time.Duration(hours) * time.Hour

	report, err := a.scan(ctx, ScanOptions{Address: opts.Address, Pages: opts.Pages, Since: lookback}, lookback)
	if err != nil {
		return err
	}
	hm := report.Metrics.Heatmap
	a.Logger.Info().
		Str("address", opts.Address).
		Int("records", hm.Total).
		Ints("peak_hours", hm.PeakHours).
		Msg("exporting heatmap")

	if opts.CSVPath != "" {
		if err := writeHeatmapCSV(opts.CSVPath, hm); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeHeatmapPNG(opts.PNGPath, opts.Address, hm); err != nil {
			return err
		}
	}
	return nil
}

func writeHeatmapCSV(path string, hm aggregate.HeatmapReport) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write([]string{"hour_utc", "tx_count", "avg_volume", "peak"}); err != nil {
		return err
	}

	peaks := make(map[int]bool, len(hm.PeakHours))
	for _, h := range hm.PeakHours {
		peaks[h] = true
	}
	for _, b := range hm.Buckets {
		record := []string{
			fmt.Sprintf("%02d", b.Hour),
			strconv.Itoa(b.Count),
			strconv.FormatFloat(b.AvgVolume, 'f', 2, 64),
			strconv.FormatBool(peaks[b.Hour]),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeHeatmapPNG(path, address string, hm aggregate.HeatmapReport) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	bars := make([]chart.Value, 0, len(hm.Buckets))
	for _, b := range hm.Buckets {
		bars = append(bars, chart.Value{Label: fmt.Sprintf("%02d", b.Hour), Value: float64(b.Count)})
	}

	graph := chart.BarChart{
		Title:    fmt.Sprintf("%s activity by UTC hour (%s - %s)", shortAddress(address), hm.Since.Format(time.RFC3339), hm.Until.Format(time.RFC3339)),
		Width:    1280,
		Height:   720,
		BarWidth: 36,
		Background: chart.Style{
			Padding: chart.Box{Top: 40},
		},
		YAxis: chart.YAxis{
			Name: "Transactions",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		Bars: bars,
	}
	if hm.Total == 0 {
		// go-chart rejects a zero-height range
		graph.YAxis.Range = &chart.ContinuousRange{Min: 0, Max: 1}
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func shortAddress(address string) string {
	if len(address) <= 12 {
		return address
	}
	return address[:6] + ".." + address[len(address)-4:]
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
