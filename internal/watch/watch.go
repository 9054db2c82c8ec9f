// Package watch polls tracked addresses on a timer and delivers each new
// sub-event to registered consumers in chronological order.
package watch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ledger-signals/internal/aggregate"
	"ledger-signals/internal/extract"
	"ledger-signals/internal/fetcher"
	"ledger-signals/internal/ledger"
	"ledger-signals/internal/metrics"
	"ledger-signals/internal/scheduler"
)

const (
	DefaultInterval         = 10 * time.Second
	DefaultPageSize         = 100
	DefaultMaxFetchAttempts = 3
)

// State is the per-target poll state.
type State int

const (
	StateIdle State = iota
	StatePolling
	StateNotifying
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateNotifying:
		return "notifying"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Locker gates a tick across processes, e.g. a postgres advisory lock.
type Locker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Options configure a Watcher. Zero values take defaults.
type Options struct {
	Interval    time.Duration
	PageSize    int
	MaxPages    int
	Concurrency int
	// CycleTimeout bounds discovery and fetching of one poll; 0 means Interval.
	CycleTimeout time.Duration
	// MaxFetchAttempts is how many consecutive cycles one record may fail
	// to resolve before it is skipped and the cursor moves past it.
	MaxFetchAttempts int
	// Thresholds grade the activity summary of each cycle.
	Thresholds aggregate.Thresholds

	Locker  Locker
	LockKey int64
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.MaxPages <= 0 {
		o.MaxPages = 1
	}
	if o.Concurrency <= 0 {
		o.Concurrency = fetcher.DefaultConcurrency
	}
	if o.CycleTimeout <= 0 {
		o.CycleTimeout = o.Interval
	}
	if o.MaxFetchAttempts <= 0 {
		o.MaxFetchAttempts = DefaultMaxFetchAttempts
	}
	return o
}

type target struct {
	address string
	cursor  ledger.Identifier
	state   State
	// gen changes when the address is removed, so a poll that outlives its
	// registration can tell its results are stale.
	gen uint64

	// failedID is the record that held the cursor back last cycle and
	// failures counts the consecutive cycles it did so.
	failedID ledger.Identifier
	failures int
}

// Watcher owns the watch targets and their cursors.
type Watcher struct {
	src       ledger.RecordSource
	extractor *extract.Extractor
	opts      Options
	logger    zerolog.Logger

	mu        sync.Mutex
	targets   map[string]*target
	consumers []Consumer
	activity  []ActivityHandler
	nextGen   uint64

	polls sync.WaitGroup

	runMu   sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New builds a Watcher. A nil extractor uses extract.Default().
func New(src ledger.RecordSource, extractor *extract.Extractor, opts Options, logger zerolog.Logger) *Watcher {
	if extractor == nil {
		extractor = extract.Default()
	}
	return &Watcher{
		src:       src,
		extractor: extractor,
		opts:      opts.withDefaults(),
		logger:    logger.With().Str("component", "watch").Logger(),
		targets:   map[string]*target{},
	}
}

// AddTarget registers address with an empty cursor. Re-adding is a no-op.
func (w *Watcher) AddTarget(address string) error {
	if err := ledger.ValidateAddress(address); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.targets[address]; ok {
		return nil
	}
	w.nextGen++
	w.targets[address] = &target{address: address, gen: w.nextGen}
	metrics.WatchTargets.Set(float64(len(w.targets)))
	w.logger.Info().Str("address", address).Msg("target added")
	return nil
}

// RemoveTarget deregisters address. A poll already running for it finishes
// but its results are dropped.
func (w *Watcher) RemoveTarget(address string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.targets[address]; !ok {
		return false
	}
	delete(w.targets, address)
	metrics.WatchTargets.Set(float64(len(w.targets)))
	w.logger.Info().Str("address", address).Msg("target removed")
	return true
}

// Targets lists registered addresses, sorted.
func (w *Watcher) Targets() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.targets))
	for addr := range w.targets {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// Cursor returns the last processed identifier of address.
func (w *Watcher) Cursor(address string) (ledger.Identifier, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.targets[address]
	if !ok {
		return "", false
	}
	return t.cursor, true
}

// State returns the poll state of address.
func (w *Watcher) State(address string) (State, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.targets[address]
	if !ok {
		return StateIdle, false
	}
	return t.state, true
}

// Subscribe registers a consumer for every future delivery.
func (w *Watcher) Subscribe(c Consumer) {
	w.mu.Lock()
	w.consumers = append(w.consumers, c)
	w.mu.Unlock()
}

// OnEvent registers a plain callback.
func (w *Watcher) OnEvent(cb func(address string, ev ledger.SubEvent)) {
	w.Subscribe(ConsumerFunc(func(_ context.Context, address string, ev ledger.SubEvent) error {
		cb(address, ev)
		return nil
	}))
}

// OnActivity registers a handler for cycle summaries graded above info.
func (w *Watcher) OnActivity(h ActivityHandler) {
	w.mu.Lock()
	w.activity = append(w.activity, h)
	w.mu.Unlock()
}

// Tick starts a poll for every idle target and returns how many started.
// Targets still polling from an earlier tick are skipped.
func (w *Watcher) Tick(ctx context.Context) (int, error) {
	release, ok, err := w.acquireLock(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		w.logger.Debug().Msg("skip tick because advisory lock held elsewhere")
		return 0, nil
	}

	w.mu.Lock()
	var due []*target
	for _, t := range w.targets {
		if t.state != StateIdle {
			continue
		}
		t.state = StatePolling
		due = append(due, &target{
			address:  t.address,
			cursor:   t.cursor,
			gen:      t.gen,
			failedID: t.failedID,
			failures: t.failures,
		})
	}
	w.mu.Unlock()

	var tickPolls sync.WaitGroup
	for _, snap := range due {
		w.polls.Add(1)
		tickPolls.Add(1)
		go func(snap *target) {
			defer w.polls.Done()
			defer tickPolls.Done()
			w.poll(ctx, snap)
		}(snap)
	}

	if release != nil {
		go func() {
			tickPolls.Wait()
			release()
		}()
	}
	return len(due), nil
}

// Wait blocks until every poll started so far has finished.
func (w *Watcher) Wait() { w.polls.Wait() }

func (w *Watcher) acquireLock(ctx context.Context) (func(), bool, error) {
	if w.opts.Locker == nil || w.opts.LockKey == 0 {
		return nil, true, nil
	}
	unlock, acquired, err := w.opts.Locker.TryAdvisoryLock(ctx, w.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	return unlock, acquired, nil
}

// Run ticks until ctx is cancelled, then waits for in-flight polls.
func (w *Watcher) Run(ctx context.Context) error {
	sched, err := scheduler.New(scheduler.Options{Interval: w.opts.Interval, Immediate: true}, w.logger)
	if err != nil {
		return err
	}
	w.logger.Info().Dur("interval", sched.Interval()).Msg("watch loop started")
	err = sched.Run(ctx, func(ctx context.Context, _ time.Time) error {
		_, err := w.Tick(ctx)
		return err
	})
	w.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Start runs the tick loop in the background. Calling Start twice without
// Stop is an error.
func (w *Watcher) Start(ctx context.Context) error {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.cancel != nil {
		return errors.New("watch already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.stopped = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		if err := w.Run(ctx); err != nil {
			w.logger.Error().Err(err).Msg("watch loop exited")
		}
	}(w.stopped)
	return nil
}

// Stop halts future ticks and waits for in-flight polls to drain. Polls are
// not cancelled.
func (w *Watcher) Stop() {
	w.runMu.Lock()
	cancel, done := w.cancel, w.stopped
	w.cancel, w.stopped = nil, nil
	w.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
