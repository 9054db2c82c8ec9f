package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"ledger-signals/internal/aggregate"
	"ledger-signals/internal/extract"
	"ledger-signals/internal/fetcher"
	"ledger-signals/internal/ledger"
	"ledger-signals/internal/watch"
)

// DefaultScanOptions mirror the documented pipeline defaults.
var DefaultScanOptions = ScanOptions{
	PageSize:         100,
	MaxPages:         1,
	Concurrency:      fetcher.DefaultConcurrency,
	HeatmapLookback:  aggregate.DefaultLookback,
	Windows:          aggregate.DefaultWindowSizes,
	AnomalyThreshold: aggregate.DefaultAnomalyThreshold,
	Thresholds:       aggregate.DefaultThresholds,
}

// Options configure a Service.
type Options struct {
	Scan  ScanOptions
	Watch watch.Options
}

// Service exposes the pipeline as a one-shot scan and as a watch loop over
// one shared RecordSource.
type Service struct {
	src       ledger.RecordSource
	extractor *extract.Extractor
	defaults  ScanOptions
	watchOpts watch.Options
	logger    zerolog.Logger
}

// New wires the pipeline. A nil extractor uses the built-in rules.
func New(src ledger.RecordSource, extractor *extract.Extractor, opts Options, logger zerolog.Logger) *Service {
	if extractor == nil {
		extractor = extract.Default()
	}
	return &Service{
		src:       src,
		extractor: extractor,
		defaults:  opts.Scan.merge(DefaultScanOptions),
		watchOpts: opts.Watch,
		logger:    logger.With().Str("component", "service").Logger(),
	}
}

// Sinks are the destinations of a watch loop.
type Sinks struct {
	Events   []watch.Consumer
	Activity []watch.ActivityHandler
}

// NewWatcher builds a watcher sharing the service's source and rules, with
// sinks subscribed in order.
func (s *Service) NewWatcher(sinks Sinks) *watch.Watcher {
	w := watch.New(s.src, s.extractor, s.watchOpts, s.logger)
	for _, c := range sinks.Events {
		if c != nil {
			w.Subscribe(c)
		}
	}
	for _, h := range sinks.Activity {
		if h != nil {
			w.OnActivity(h)
		}
	}
	return w
}

// Watch polls targets until ctx is cancelled. Malformed targets fail before
// any poll starts.
func (s *Service) Watch(ctx context.Context, targets []string, sinks Sinks) error {
	if len(targets) == 0 {
		return fmt.Errorf("watch: no targets")
	}
	w := s.NewWatcher(sinks)
	for _, addr := range targets {
		if err := w.AddTarget(addr); err != nil {
			return fmt.Errorf("add watch target %q: %w", addr, err)
		}
	}
	s.logger.Info().Strs("targets", w.Targets()).Msg("starting watch loop")
	err := w.Run(ctx)
	s.logger.Info().Msg("watch loop stopped")
	return err
}
