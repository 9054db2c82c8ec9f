package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledger-signals/internal/aggregate"
	"ledger-signals/internal/discovery"
	"ledger-signals/internal/fetcher"
	"ledger-signals/internal/ledger"
)

// Metric stream names of a scan.
const (
	StreamVolume    = "volume"
	StreamTransfers = "transfers"
	StreamFee       = "fee"
	StreamPrice     = "price"
)

// Record outcome statuses.
const (
	StatusOK     = "ok"
	StatusAbsent = "absent"
	StatusFailed = "failed" // the ledger marked the record as failed
	StatusError  = "error"  // the lookup itself failed
)

const lamportsPerSOL = 9

// ScanOptions tune one scan. Zero fields take the service defaults.
type ScanOptions struct {
	PageSize         int
	MaxPages         int
	Concurrency      int
	Since            time.Time
	Now              time.Time
	HeatmapLookback  time.Duration
	Windows          aggregate.WindowSizes
	AnomalyThreshold float64
	Thresholds       aggregate.Thresholds
}

func (o ScanOptions) merge(def ScanOptions) ScanOptions {
	if o.PageSize <= 0 {
		o.PageSize = def.PageSize
	}
	if o.MaxPages <= 0 {
		o.MaxPages = def.MaxPages
	}
	if o.Concurrency <= 0 {
		o.Concurrency = def.Concurrency
	}
	if o.Since.IsZero() {
		o.Since = def.Since
	}
	if o.HeatmapLookback <= 0 {
		o.HeatmapLookback = def.HeatmapLookback
	}
	if o.Windows == (aggregate.WindowSizes{}) {
		o.Windows = def.Windows
	}
	if o.AnomalyThreshold <= 0 {
		o.AnomalyThreshold = def.AnomalyThreshold
	}
	if o.Thresholds.Volume.IsZero() {
		o.Thresholds.Volume = def.Thresholds.Volume
	}
	if o.Thresholds.Senders <= 0 {
		o.Thresholds.Senders = def.Thresholds.Senders
	}
	return o
}

// RecordOutcome reports what happened to one discovered entry.
type RecordOutcome struct {
	ID         ledger.Identifier `json:"signature"`
	Slot       uint64            `json:"slot"`
	ObservedAt *time.Time        `json:"observed_at,omitempty"`
	Status     string            `json:"status"`
	Fee        uint64            `json:"fee_lamports,omitempty"`
	Events     int               `json:"events"`
	Error      string            `json:"error,omitempty"`
}

// Metrics are the aggregations derived from a scan.
type Metrics struct {
	Activity     aggregate.Activity        `json:"activity"`
	Graph        []aggregate.Edge          `json:"transfer_graph"`
	Heatmap      aggregate.HeatmapReport   `json:"heatmap"`
	Features     []aggregate.FeatureVector `json:"price_features"`
	Anomalies    []aggregate.Anomaly       `json:"anomalies"`
	Correlations []aggregate.Correlation   `json:"correlations"`
}

// Report is the result of one scan. Records and SubEvents are oldest first.
type Report struct {
	ID          string            `json:"id"`
	Address     string            `json:"address"`
	GeneratedAt time.Time         `json:"generated_at"`
	Truncated   bool              `json:"truncated"`
	Warning     string            `json:"warning,omitempty"`
	Entries     int               `json:"entries"`
	Records     []RecordOutcome   `json:"records"`
	SubEvents   []ledger.SubEvent `json:"sub_events"`
	Metrics     Metrics           `json:"metrics"`
}

// Scan runs discovery, fetching, extraction and aggregation once for
// address. A malformed address or a walk that yields nothing because the
// source failed is returned as an error; a walk cut short after some pages
// is reported through Report.Truncated.
func (s *Service) Scan(ctx context.Context, address string, opts ScanOptions) (*Report, error) {
	if err := ledger.ValidateAddress(address); err != nil {
		return nil, err
	}
	opts = opts.merge(s.defaults)
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	report := &Report{
		ID:          uuid.NewString(),
		Address:     address,
		GeneratedAt: now,
		Records:     []RecordOutcome{},
		SubEvents:   []ledger.SubEvent{},
	}
	log := s.logger.With().Str("address", address).Str("scan", report.ID).Logger()

	entries, err := discovery.Discover(ctx, s.src, address, discovery.Options{
		PageSize: opts.PageSize,
		MaxPages: opts.MaxPages,
		Since:    opts.Since,
	})
	if err != nil {
		if !errors.Is(err, discovery.ErrTruncated) || len(entries) == 0 {
			return nil, fmt.Errorf("discover %s: %w", address, err)
		}
		report.Truncated = true
		report.Warning = err.Error()
		log.Warn().Err(err).Int("entries", len(entries)).Msg("discovery truncated; reporting partial result")
	}
	report.Entries = len(entries)

	chrono := make([]ledger.RawEntry, len(entries))
	for i, e := range entries {
		chrono[len(entries)-1-i] = e
	}

	ids := make([]ledger.Identifier, 0, len(chrono))
	for _, e := range chrono {
		if !e.Failed {
			ids = append(ids, e.ID)
		}
	}
	results := fetcher.Resolve(ctx, s.src, ids, opts.Concurrency)

	var (
		streams = map[string]*aggregate.Stream{
			StreamVolume:    {Name: StreamVolume},
			StreamTransfers: {Name: StreamTransfers},
			StreamFee:       {Name: StreamFee},
			StreamPrice:     {Name: StreamPrice},
		}
		hours  []aggregate.HourSample
		points []aggregate.Point
	)

	for _, e := range chrono {
		out := RecordOutcome{ID: e.ID, Slot: e.Slot, ObservedAt: e.ObservedAt}
		hour := aggregate.HourSample{At: e.ObservedAt}

		res := results[e.ID]
		switch {
		case e.Failed:
			out.Status = StatusFailed
		case res.Err != nil:
			out.Status = StatusError
			out.Error = res.Err.Error()
		case res.Absent():
			out.Status = StatusAbsent
		default:
			rec := res.Record
			out.Status = StatusOK
			out.Fee = rec.Fee
			if out.ObservedAt == nil {
				out.ObservedAt = rec.ObservedAt
				hour.At = rec.ObservedAt
			}

			events := s.extractor.Extract(rec)
			out.Events = len(events)
			report.SubEvents = append(report.SubEvents, events...)

			volume, transfers := decimal.Zero, 0
			for _, ev := range events {
				if aggregate.IsTransfer(ev) {
					volume = volume.Add(ev.Amount)
					transfers++
				}
				if ev.Kind == ledger.KindSwap {
					price := ev.Price().InexactFloat64()
					streams[StreamPrice].Samples = append(streams[StreamPrice].Samples, aggregate.Sample{At: ev.ObservedAt, Value: price})
					if ev.ObservedAt != nil {
						points = append(points, aggregate.Point{At: *ev.ObservedAt, Price: price, Volume: ev.Amount.InexactFloat64()})
					}
				}
			}
			at := out.ObservedAt
			streams[StreamVolume].Samples = append(streams[StreamVolume].Samples, aggregate.Sample{At: at, Value: volume.InexactFloat64()})
			streams[StreamTransfers].Samples = append(streams[StreamTransfers].Samples, aggregate.Sample{At: at, Value: float64(transfers)})
			fee := decimal.NewFromInt(int64(rec.Fee)).Shift(-lamportsPerSOL).InexactFloat64()
			streams[StreamFee].Samples = append(streams[StreamFee].Samples, aggregate.Sample{At: at, Value: fee})

			hour.Volume = volume.InexactFloat64()
			hour.HasVolume = true
		}
		report.Records = append(report.Records, out)
		hours = append(hours, hour)
	}

	report.Metrics = Metrics{
		Activity: aggregate.Summarize(report.SubEvents, opts.Thresholds),
		Graph:    aggregate.TransferGraph(report.SubEvents),
		Heatmap:  aggregate.Heatmap(hours, aggregate.HeatmapOptions{Now: now, Lookback: opts.HeatmapLookback}),
		Features: aggregate.Features(points, opts.Windows),
		Anomalies: aggregate.DetectAnomalies([]aggregate.Stream{
			*streams[StreamVolume], *streams[StreamTransfers], *streams[StreamFee], *streams[StreamPrice],
		}, opts.AnomalyThreshold),
		Correlations: aggregate.Correlate(map[string][]float64{
			StreamVolume:    values(streams[StreamVolume]),
			StreamTransfers: values(streams[StreamTransfers]),
			StreamFee:       values(streams[StreamFee]),
		}, aggregate.AllPairs([]string{StreamVolume, StreamTransfers, StreamFee})),
	}
	if report.Metrics.Graph == nil {
		report.Metrics.Graph = []aggregate.Edge{}
	}
	if report.Metrics.Features == nil {
		report.Metrics.Features = []aggregate.FeatureVector{}
	}
	if report.Metrics.Anomalies == nil {
		report.Metrics.Anomalies = []aggregate.Anomaly{}
	}

	log.Info().
		Int("entries", report.Entries).
		Int("sub_events", len(report.SubEvents)).
		Int("anomalies", len(report.Metrics.Anomalies)).
		Bool("truncated", report.Truncated).
		Msg("scan complete")
	return report, nil
}

func values(s *aggregate.Stream) []float64 {
	out := make([]float64, len(s.Samples))
	for i, smp := range s.Samples {
		out[i] = smp.Value
	}
	return out
}
