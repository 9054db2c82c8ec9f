package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"ledger-signals/internal/aggregate"
	"ledger-signals/internal/alerting"
	"ledger-signals/internal/config"
	"ledger-signals/internal/fetcher"
	"ledger-signals/internal/ledger"
	"ledger-signals/internal/metrics"
	"ledger-signals/internal/service"
	"ledger-signals/internal/storage"
	"ledger-signals/internal/watch"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// newSource dials the configured RPC endpoint behind the request limiter.
func (a *App) newSource() (ledger.RecordSource, func(), error) {
	cfg := a.Config.Solana
	if cfg.RPCURL == "" {
		return nil, nil, errors.New("solana.rpc_url not configured")
	}
	sol := fetcher.NewSolana(fetcher.SolanaOptions{
		RPCURL:     cfg.RPCURL,
		Commitment: cfg.Commitment,
		Timeout:    cfg.RequestTimeout,
	}, a.Logger)
	closer := func() {
		if err := sol.Close(); err != nil {
			a.Logger.Debug().Err(err).Msg("close rpc client")
		}
	}
	return fetcher.RateLimited(sol, cfg.RequestsPerSecond, cfg.Burst), closer, nil
}

func (a *App) scanDefaults() service.ScanOptions {
	agg := a.Config.Aggregation
	return service.ScanOptions{
		PageSize:        a.Config.Discovery.PageSize,
		MaxPages:        a.Config.Discovery.MaxPages,
		Concurrency:     a.Config.Fetcher.Concurrency,
		HeatmapLookback: time.Duration(agg.HeatmapHours) * time.Hour,
		Windows: aggregate.WindowSizes{
			Short:  agg.ShortWindow,
			Medium: agg.MediumWindow,
			Long:   agg.LongWindow,
		},
		AnomalyThreshold: agg.AnomalyThreshold,
		Thresholds: aggregate.Thresholds{
			Volume:  decimal.NewFromFloat(agg.VolumeAlert),
			Senders: agg.SenderAlert,
		},
	}
}

func (a *App) newService(src ledger.RecordSource, locker watch.Locker) *service.Service {
	w := a.Config.Watch
	opts := service.Options{
		Scan: a.scanDefaults(),
		Watch: watch.Options{
			Interval:         w.Interval,
			PageSize:         w.PageSize,
			MaxPages:         w.MaxPages,
			Concurrency:      a.Config.Fetcher.Concurrency,
			CycleTimeout:     w.ResolveCycleTimeout(),
			MaxFetchAttempts: w.MaxFetchAttempts,
			Thresholds:       a.scanDefaults().Thresholds,
		},
	}
	if locker != nil && w.AdvisoryLockKey != 0 {
		opts.Watch.Locker = locker
		opts.Watch.LockKey = w.AdvisoryLockKey
	}
	return service.New(src, nil, opts, a.Logger)
}

func (a *App) newNotifier() *alerting.TelegramNotifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) newKafkaSink() (*alerting.KafkaSink, error) {
	if !a.Config.Kafka.Enabled {
		return nil, nil
	}
	return alerting.NewKafkaSink(a.Config.Kafka.Brokers, a.Config.Kafka.Topic, nil)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, store.Close, nil
}

func (a *App) serveMetrics() (func(), error) {
	if a.Config.Metrics.Addr == "" {
		return func() {}, nil
	}
	srv, err := metrics.Serve(a.Config.Metrics.Addr, a.Logger)
	if err != nil {
		return nil, err
	}
	a.Logger.Info().Str("addr", srv.Addr).Msg("metrics endpoint listening")
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Warn().Err(err).Msg("metrics server shutdown")
		}
	}, nil
}

// sinks collects the destinations configured for delivered events and
// escalated summaries. The returned closer releases producer connections.
func (a *App) sinks(store *storage.Store) (service.Sinks, func(), error) {
	var sinks service.Sinks
	closer := func() {}

	if store != nil {
		sinks.Events = append(sinks.Events, store)
	}

	var alerts alerting.Fanout
	if tg := a.newNotifier(); tg != nil {
		alerts = append(alerts, tg)
		minAmount := decimal.NewFromFloat(a.Config.Watch.MinNotifyAmount)
		sinks.Events = append(sinks.Events, service.MinAmount(service.Notify(tg), minAmount))
	}

	kafka, err := a.newKafkaSink()
	if err != nil {
		return service.Sinks{}, nil, err
	}
	if kafka != nil {
		alerts = append(alerts, kafka)
		sinks.Events = append(sinks.Events, kafka)
		closer = func() {
			if err := kafka.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("close kafka producer")
			}
		}
	}

	var notifier alerting.Notifier
	if len(alerts) > 0 {
		notifier = alerts
		sinks.Activity = append(sinks.Activity, service.NotifyActivity(alerts))
	}

	var anomalies storage.AnomalyStore
	if store != nil {
		anomalies = store
	}
	sinks.Events = append(sinks.Events, service.NewAnomalyMonitor(a.Config.Aggregation.AnomalyThreshold, anomalies, notifier, a.Logger))
	return sinks, closer, nil
}

// Watch polls targets until SIGINT/SIGTERM.
func (a *App) Watch(ctx context.Context, opts WatchOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	targets := opts.Targets
	if len(targets) == 0 {
		targets = a.Config.Watch.Targets
	}
	if len(targets) == 0 {
		return errors.New("no watch targets; pass addresses or set watch.targets")
	}
	for _, t := range targets {
		if err := ledger.ValidateAddress(t); err != nil {
			return fmt.Errorf("watch target %q: %w", t, err)
		}
	}

	src, closeSrc, err := a.newSource()
	if err != nil {
		return err
	}
	defer closeSrc()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	sinks, closeSinks, err := a.sinks(store)
	if err != nil {
		return err
	}
	defer closeSinks()

	stopMetrics, err := a.serveMetrics()
	if err != nil {
		return err
	}
	defer stopMetrics()

	var locker watch.Locker
	if store != nil {
		locker = store
	}
	svc := a.newService(src, locker)

	err = svc.Watch(ctx, targets, sinks)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("watch terminated with error")
		return err
	}
	return nil
}

// ScanOptions are the CLI overrides of one scan.
type ScanOptions struct {
	Address     string
	Pages       int
	PageSize    int
	Concurrency int
	Since       time.Duration
	Pretty      bool
}

// WatchOptions configure the watch command.
type WatchOptions struct {
	Targets []string
}

// HeatmapOptions hold parameters for exporting an hourly heatmap.
type HeatmapOptions struct {
	Address string
	Hours   int
	Pages   int
	PNGPath string
	CSVPath string
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Address string
	Limit   int
}

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	Address string
	Since   time.Duration
	Pages   int
	DryRun  bool
}
