package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"ledger-signals/internal/aggregate"
	"ledger-signals/internal/alerting"
	"ledger-signals/internal/ledger"
	"ledger-signals/internal/metrics"
	"ledger-signals/internal/storage"
	"ledger-signals/internal/watch"
)

// MinAmount forwards only events whose Amount reaches min.
func MinAmount(next watch.Consumer, min decimal.Decimal) watch.Consumer {
	if min.LessThanOrEqual(decimal.Zero) {
		return next
	}
	return watch.ConsumerFunc(func(ctx context.Context, address string, ev ledger.SubEvent) error {
		if ev.Amount.LessThan(min) {
			return nil
		}
		return next.HandleEvent(ctx, address, ev)
	})
}

// Notify adapts a Notifier to a watch consumer.
func Notify(n alerting.Notifier) watch.Consumer {
	return watch.ConsumerFunc(func(ctx context.Context, address string, ev ledger.SubEvent) error {
		return n.Notify(ctx, alerting.EventNotification(address, ev))
	})
}

// NotifyActivity adapts a Notifier to a watch activity handler.
func NotifyActivity(n alerting.Notifier) watch.ActivityHandler {
	return watch.ActivityFunc(func(ctx context.Context, address string, act aggregate.Activity) error {
		return n.Notify(ctx, alerting.ActivityNotification(address, act))
	})
}

// recentKeysPerStream bounds the redelivery memory of one stream.
const recentKeysPerStream = 256

// recentKeys remembers the last keys seen, oldest evicted first.
type recentKeys struct {
	ring []string
	next int
	set  map[string]struct{}
}

func newRecentKeys(size int) *recentKeys {
	return &recentKeys{ring: make([]string, size), set: make(map[string]struct{}, size)}
}

// add reports false when key is already remembered.
func (r *recentKeys) add(key string) bool {
	if _, ok := r.set[key]; ok {
		return false
	}
	if old := r.ring[r.next]; old != "" {
		delete(r.set, old)
	}
	r.ring[r.next] = key
	r.next = (r.next + 1) % len(r.ring)
	r.set[key] = struct{}{}
	return true
}

// AnomalyMonitor scores each delivered transfer amount against the running
// statistics of its address and reports outliers.
type AnomalyMonitor struct {
	detector *aggregate.AnomalyDetector
	store    storage.AnomalyStore
	notifier alerting.Notifier
	logger   zerolog.Logger

	mu   sync.Mutex
	seen map[string]*recentKeys
}

// NewAnomalyMonitor builds a monitor; store and notifier may be nil.
func NewAnomalyMonitor(threshold float64, store storage.AnomalyStore, notifier alerting.Notifier, logger zerolog.Logger) *AnomalyMonitor {
	return &AnomalyMonitor{
		detector: aggregate.NewAnomalyDetector(threshold),
		store:    store,
		notifier: notifier,
		logger:   logger.With().Str("component", "anomaly_monitor").Logger(),
		seen:     map[string]*recentKeys{},
	}
}

// HandleEvent observes transfer amounts, one stream per address and kind.
// Redelivered events are observed once.
func (m *AnomalyMonitor) HandleEvent(ctx context.Context, address string, ev ledger.SubEvent) error {
	if !aggregate.IsTransfer(ev) {
		return nil
	}

	metric := address + ":" + ev.Kind
	if !m.firstSeen(metric, ev.Key()) {
		return nil
	}
	anomaly, flagged := m.detector.Observe(metric, ev.ObservedAt, ev.Amount.InexactFloat64())
	if !flagged {
		return nil
	}
	anomaly.Metric = ev.Kind + "_amount"
	metrics.AnomaliesDetected.WithLabelValues(anomaly.Metric).Inc()
	m.logger.Warn().
		Str("address", address).
		Str("event", ev.Key()).
		Float64("value", anomaly.Value).
		Float64("score", anomaly.Score).
		Msg("anomalous transfer")

	if m.store != nil {
		if _, err := m.store.InsertAnomaly(ctx, storage.AnomalyRecord{
			Address:    address,
			Metric:     anomaly.Metric,
			ObservedAt: anomaly.At,
			Value:      anomaly.Value,
			Score:      anomaly.Score,
		}); err != nil {
			m.logger.Error().Err(err).Str("address", address).Msg("failed to persist anomaly")
		}
	}
	if m.notifier != nil {
		at := time.Now().UTC()
		if anomaly.At != nil {
			at = anomaly.At.UTC()
		}
		return m.notifier.Notify(ctx, alerting.Notification{
			Kind:    alerting.KindAnomaly,
			Address: address,
			At:      at,
			Anomaly: &anomaly,
		})
	}
	return nil
}

func (m *AnomalyMonitor) firstSeen(metric, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys, ok := m.seen[metric]
	if !ok {
		keys = newRecentKeys(recentKeysPerStream)
		m.seen[metric] = keys
	}
	return keys.add(key)
}
