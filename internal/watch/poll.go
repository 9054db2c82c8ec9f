package watch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ledger-signals/internal/aggregate"
	"ledger-signals/internal/discovery"
	"ledger-signals/internal/fetcher"
	"ledger-signals/internal/ledger"
	"ledger-signals/internal/metrics"
)

// batch is one processed entry and the sub-events it produced.
type batch struct {
	entry  ledger.RawEntry
	events []ledger.SubEvent
}

// poll runs one cycle for snap. The cursor moves only to the newest entry
// of the chronological prefix that was fully fetched and delivered. A
// record skipped after MaxFetchAttempts failures counts as delivered.
func (w *Watcher) poll(ctx context.Context, snap *target) {
	start := time.Now()
	log := w.logger.With().
		Str("address", snap.address).
		Str("cycle", uuid.NewString()).
		Logger()

	outcome := "ok"
	defer func() {
		metrics.WatchCycles.WithLabelValues(outcome).Inc()
		metrics.WatchCycleLatency.Observe(time.Since(start).Seconds())
	}()

	// Stop must not cut a cycle short; only the cycle budget can.
	cycleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.opts.CycleTimeout)
	defer cancel()

	batches, failed, err := w.collect(cycleCtx, snap, log)
	if err != nil {
		outcome = "source_error"
		if cycleCtx.Err() != nil {
			outcome = "timeout"
		}
		log.Warn().Err(err).Str("cursor", snap.cursor.String()).Msg("poll cycle skipped")
		w.finish(snap, "")
		return
	}
	w.noteFailure(snap, failed)
	if len(batches) == 0 {
		outcome = "empty"
		if failed != "" {
			outcome = "held"
		}
		w.finish(snap, "")
		return
	}

	if !w.markNotifying(snap) {
		outcome = "discarded"
		log.Info().Int("entries", len(batches)).Msg("target removed during poll; results discarded")
		return
	}

	events, last := w.deliver(context.WithoutCancel(ctx), snap, batches, log)
	w.finish(snap, last)
	w.summarize(context.WithoutCancel(ctx), snap.address, events, log)
	log.Info().
		Int("entries", len(batches)).
		Int("events", len(events)).
		Str("cursor", last.String()).
		Dur("took", time.Since(start)).
		Msg("poll cycle complete")
}

// collect discovers new entries, fetches them and extracts their events,
// returning the oldest-first prefix that precedes the first failed fetch
// and the identifier of that fetch. A record that has failed
// MaxFetchAttempts cycles in a row is skipped instead of holding the prefix.
func (w *Watcher) collect(ctx context.Context, snap *target, log zerolog.Logger) ([]batch, ledger.Identifier, error) {
	pager := discovery.NewPager(w.src, snap.address, discovery.Options{
		PageSize: w.opts.PageSize,
		MaxPages: w.opts.MaxPages,
		StopAt:   snap.cursor,
	})
	var entries []ledger.RawEntry
	for {
		page, more, err := pager.Next(ctx)
		if err != nil {
			// a partial walk would leave a hole between it and the cursor
			return nil, "", err
		}
		entries = append(entries, page...)
		if !more {
			break
		}
	}
	if len(entries) == 0 {
		return nil, "", nil
	}
	if snap.cursor != "" && !pager.ReachedStop() {
		log.Warn().
			Str("cursor", snap.cursor.String()).
			Int("entries", len(entries)).
			Msg("cursor not reached; older activity may have been skipped")
	}

	// oldest first
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
	results := fetcher.Resolve(ctx, w.src, ids, w.opts.Concurrency)
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	batches := make([]batch, 0, len(chrono))
	for _, e := range chrono {
		if e.Failed {
			batches = append(batches, batch{entry: e})
			continue
		}
		res := results[e.ID]
		if res.Err != nil {
			attempt := 1
			if e.ID == snap.failedID {
				attempt = snap.failures + 1
			}
			if attempt < w.opts.MaxFetchAttempts {
				log.Warn().Err(res.Err).
					Str("record", e.ID.String()).
					Int("attempt", attempt).
					Int("held_back", len(chrono)-len(batches)).
					Msg("record fetch failed; holding cursor before it")
				return batches, e.ID, nil
			}
			metrics.WatchSkippedRecords.Inc()
			log.Error().Err(res.Err).
				Str("record", e.ID.String()).
				Int("attempts", attempt).
				Msg("record kept failing; skipping it")
			batches = append(batches, batch{entry: e})
			continue
		}
		batches = append(batches, batch{entry: e, events: w.extractor.Extract(res.Record)})
	}
	return batches, "", nil
}

// noteFailure records which identifier, if any, held the cursor back.
func (w *Watcher) noteFailure(snap *target, failed ledger.Identifier) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.targets[snap.address]
	if !ok || t.gen != snap.gen {
		return
	}
	switch {
	case failed == "":
		t.failedID, t.failures = "", 0
	case failed == t.failedID:
		t.failures++
	default:
		t.failedID, t.failures = failed, 1
	}
}

// markNotifying flips the live target to NOTIFYING unless it was removed.
func (w *Watcher) markNotifying(snap *target) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.targets[snap.address]
	if !ok || t.gen != snap.gen {
		return false
	}
	t.state = StateNotifying
	return true
}

func (w *Watcher) live(snap *target) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.targets[snap.address]
	return ok && t.gen == snap.gen
}

// finish returns the target to IDLE, moving its cursor when cursor is set.
func (w *Watcher) finish(snap *target, cursor ledger.Identifier) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.targets[snap.address]
	if !ok || t.gen != snap.gen {
		return
	}
	if cursor != "" {
		t.cursor = cursor
	}
	t.state = StateIdle
}

// deliver hands every event to every consumer in order. It stops early if
// the target is removed and returns the events that went out along with the
// last entry whose events all went out.
func (w *Watcher) deliver(ctx context.Context, snap *target, batches []batch, log zerolog.Logger) ([]ledger.SubEvent, ledger.Identifier) {
	w.mu.Lock()
	consumers := append([]Consumer(nil), w.consumers...)
	w.mu.Unlock()

	var delivered []ledger.SubEvent
	var last ledger.Identifier
	for _, b := range batches {
		if !w.live(snap) {
			log.Info().Msg("target removed during delivery; dropping remaining events")
			break
		}
		for _, ev := range b.events {
			for _, c := range consumers {
				if err := safeHandle(ctx, c, snap.address, ev); err != nil {
					metrics.WatchConsumerErrors.Inc()
					log.Error().Err(err).Str("event", ev.Key()).Msg("consumer failed")
				}
			}
			delivered = append(delivered, ev)
		}
		last = b.entry.ID
	}
	if len(delivered) > 0 {
		metrics.WatchEventsDelivered.WithLabelValues(snap.address).Add(float64(len(delivered)))
	}
	return delivered, last
}

// summarize grades the events of one cycle and hands escalated summaries
// to the activity handlers.
func (w *Watcher) summarize(ctx context.Context, address string, events []ledger.SubEvent, log zerolog.Logger) {
	w.mu.Lock()
	handlers := append([]ActivityHandler(nil), w.activity...)
	w.mu.Unlock()
	if len(handlers) == 0 || len(events) == 0 {
		return
	}

	act := aggregate.Summarize(events, w.opts.Thresholds)
	if act.Level == aggregate.LevelInfo {
		return
	}
	log.Warn().
		Str("level", act.Level).
		Str("volume", act.TotalVolume.String()).
		Int("senders", act.UniqueSenders).
		Msg(act.Message)
	for _, h := range handlers {
		if err := safeActivity(ctx, h, address, act); err != nil {
			metrics.WatchConsumerErrors.Inc()
			log.Error().Err(err).Str("level", act.Level).Msg("activity handler failed")
		}
	}
}
