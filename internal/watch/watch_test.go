package watch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger-signals/internal/aggregate"
	"ledger-signals/internal/ledger"
)

const (
	addrA = "11111111111111111111111111111111"
	addrB = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
)

// fakeLedger is an in-memory RecordSource whose history can grow between ticks.
type fakeLedger struct {
	mu        sync.Mutex
	history   map[string][]ledger.RawEntry // newest first
	records   map[ledger.Identifier]*ledger.ParsedRecord
	failing   map[ledger.Identifier]bool
	listErr   error
	gate      chan struct{}
	listCalls int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		history: map[string][]ledger.RawEntry{},
		records: map[ledger.Identifier]*ledger.ParsedRecord{},
		failing: map[ledger.Identifier]bool{},
	}
}

// push appends a new record holding one token transfer of amount.
func (f *fakeLedger) push(address string, id ledger.Identifier, amount int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[address] = append([]ledger.RawEntry{{ID: id}}, f.history[address]...)
	f.records[id] = &ledger.ParsedRecord{
		ID:        id,
		Succeeded: true,
		Instructions: []ledger.Instruction{{
			Program: ledger.ProgramSPLToken,
			Kind:    ledger.OpTransfer,
			Params:  ledger.TokenTransfer{Source: "S", Destination: "D", Amount: decimal.NewFromInt(amount).String()},
		}},
	}
}

func (f *fakeLedger) setFailing(id ledger.Identifier, failing bool) {
	f.mu.Lock()
	f.failing[id] = failing
	f.mu.Unlock()
}

func (f *fakeLedger) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *fakeLedger) ListRecent(_ context.Context, address string, opts ledger.ListOptions) ([]ledger.RawEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	entries := f.history[address]
	start := 0
	if opts.Before != "" {
		start = len(entries)
		for i, e := range entries {
			if e.ID == opts.Before {
				start = i + 1
				break
			}
		}
	}
	end := min(start+opts.Limit, len(entries))
	return append([]ledger.RawEntry(nil), entries[start:end]...), nil
}

func (f *fakeLedger) GetRecord(ctx context.Context, id ledger.Identifier) (*ledger.ParsedRecord, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[id] {
		return nil, ledger.Unavailable(errors.New("node is behind"))
	}
	return f.records[id], nil
}

type delivery struct {
	address string
	id      ledger.Identifier
}

type collector struct {
	mu  sync.Mutex
	got []delivery
}

func (c *collector) HandleEvent(_ context.Context, address string, ev ledger.SubEvent) error {
	c.mu.Lock()
	c.got = append(c.got, delivery{address: address, id: ev.ID})
	c.mu.Unlock()
	return nil
}

func (c *collector) ids() []ledger.Identifier {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ledger.Identifier, 0, len(c.got))
	for _, d := range c.got {
		out = append(out, d.id)
	}
	return out
}

func newWatcher(src ledger.RecordSource, opts Options) (*Watcher, *collector) {
	w := New(src, nil, opts, zerolog.Nop())
	c := &collector{}
	w.Subscribe(c)
	return w, c
}

func tickAndWait(t *testing.T, w *Watcher) int {
	t.Helper()
	n, err := w.Tick(context.Background())
	require.NoError(t, err)
	w.Wait()
	return n
}

func TestWatchDeliversChronologicallyAndAdvancesCursor(t *testing.T) {
	src := newFakeLedger()
	src.push(addrA, "s1", 1)
	src.push(addrA, "s2", 2)
	src.push(addrA, "s3", 3)

	w, got := newWatcher(src, Options{Concurrency: 3})
	require.NoError(t, w.AddTarget(addrA))

	assert.Equal(t, 1, tickAndWait(t, w))
	assert.Equal(t, []ledger.Identifier{"s1", "s2", "s3"}, got.ids())
	cursor, ok := w.Cursor(addrA)
	require.True(t, ok)
	assert.Equal(t, ledger.Identifier("s3"), cursor)

	// nothing new: no delivery, cursor unchanged
	tickAndWait(t, w)
	assert.Len(t, got.ids(), 3)
	cursor, _ = w.Cursor(addrA)
	assert.Equal(t, ledger.Identifier("s3"), cursor)

	src.push(addrA, "s4", 4)
	src.push(addrA, "s5", 5)
	tickAndWait(t, w)
	assert.Equal(t, []ledger.Identifier{"s1", "s2", "s3", "s4", "s5"}, got.ids())
	cursor, _ = w.Cursor(addrA)
	assert.Equal(t, ledger.Identifier("s5"), cursor)

	state, _ := w.State(addrA)
	assert.Equal(t, StateIdle, state)
}

func TestWatchFailedFetchHoldsCursor(t *testing.T) {
	src := newFakeLedger()
	src.push(addrA, "s1", 1)
	src.push(addrA, "s2", 2)
	src.push(addrA, "s3", 3)
	src.setFailing("s2", true)

	w, got := newWatcher(src, Options{})
	require.NoError(t, w.AddTarget(addrA))

	tickAndWait(t, w)
	assert.Equal(t, []ledger.Identifier{"s1"}, got.ids())
	cursor, _ := w.Cursor(addrA)
	assert.Equal(t, ledger.Identifier("s1"), cursor)

	src.setFailing("s2", false)
	tickAndWait(t, w)
	assert.Equal(t, []ledger.Identifier{"s1", "s2", "s3"}, got.ids())
	cursor, _ = w.Cursor(addrA)
	assert.Equal(t, ledger.Identifier("s3"), cursor)
}

func TestWatchCursorNeverRegresses(t *testing.T) {
	src := newFakeLedger()
	w, _ := newWatcher(src, Options{PageSize: 2})
	require.NoError(t, w.AddTarget(addrA))

	order := map[ledger.Identifier]int{}
	var prev ledger.Identifier
	for i := 1; i <= 12; i++ {
		id := ledger.Identifier("s" + string(rune('a'+i)))
		order[id] = i
		src.push(addrA, id, int64(i))
		if i%3 == 0 {
			src.setFailing(id, true)
		}
		if i%4 == 0 {
			src.setFailing(ledger.Identifier("s"+string(rune('a'+i-1))), false)
		}

		tickAndWait(t, w)
		cursor, _ := w.Cursor(addrA)
		if prev != "" {
			require.GreaterOrEqual(t, order[cursor], order[prev], "cursor moved from %s back to %s", prev, cursor)
		}
		prev = cursor
	}
}

func TestWatchAbsentAndFailedRecordsAdvanceWithoutEvents(t *testing.T) {
	src := newFakeLedger()
	src.push(addrA, "s1", 1)
	src.mu.Lock()
	src.history[addrA] = append([]ledger.RawEntry{{ID: "reverted", Failed: true}, {ID: "pending"}}, src.history[addrA]...)
	src.mu.Unlock()

	w, got := newWatcher(src, Options{})
	require.NoError(t, w.AddTarget(addrA))

	tickAndWait(t, w)

	assert.Equal(t, []ledger.Identifier{"s1"}, got.ids())
	cursor, _ := w.Cursor(addrA)
	assert.Equal(t, ledger.Identifier("reverted"), cursor)
}

func TestWatchConsumerPanicDoesNotAbortCycle(t *testing.T) {
	src := newFakeLedger()
	src.push(addrA, "s1", 1)
	src.push(addrA, "s2", 2)

	w := New(src, nil, Options{}, zerolog.Nop())
	var calls atomic.Int32
	w.OnEvent(func(string, ledger.SubEvent) {
		calls.Add(1)
		panic("consumer bug")
	})
	w.Subscribe(ConsumerFunc(func(context.Context, string, ledger.SubEvent) error {
		return errors.New("sink down")
	}))
	got := &collector{}
	w.Subscribe(got)
	require.NoError(t, w.AddTarget(addrA))

	tickAndWait(t, w)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []ledger.Identifier{"s1", "s2"}, got.ids())
	cursor, _ := w.Cursor(addrA)
	assert.Equal(t, ledger.Identifier("s2"), cursor)
}

func TestWatchSkipsTargetStillPolling(t *testing.T) {
	src := newFakeLedger()
	src.push(addrA, "s1", 1)
	src.gate = make(chan struct{})

	w, got := newWatcher(src, Options{})
	require.NoError(t, w.AddTarget(addrA))

	n, err := w.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	state, _ := w.State(addrA)
	assert.Equal(t, StatePolling, state)

	n, err = w.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	close(src.gate)
	w.Wait()

	assert.Equal(t, []ledger.Identifier{"s1"}, got.ids())
	state, _ = w.State(addrA)
	assert.Equal(t, StateIdle, state)
}

func TestWatchRemoveTargetDiscardsInFlightResults(t *testing.T) {
	src := newFakeLedger()
	src.push(addrA, "s1", 1)
	src.push(addrB, "t1", 1)
	src.gate = make(chan struct{})

	w, got := newWatcher(src, Options{})
	require.NoError(t, w.AddTarget(addrA))
	require.NoError(t, w.AddTarget(addrB))

	n, err := w.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	assert.True(t, w.RemoveTarget(addrA))
	assert.False(t, w.RemoveTarget(addrA))
	close(src.gate)
	w.Wait()

	assert.Equal(t, []ledger.Identifier{"t1"}, got.ids())
	_, ok := w.Cursor(addrA)
	assert.False(t, ok)
	assert.Equal(t, []string{addrB}, w.Targets())
}

func TestWatchSourceUnavailableLeavesCursor(t *testing.T) {
	src := newFakeLedger()
	src.push(addrA, "s1", 1)

	w, got := newWatcher(src, Options{})
	require.NoError(t, w.AddTarget(addrA))
	tickAndWait(t, w)

	src.push(addrA, "s2", 2)
	src.mu.Lock()
	src.listErr = errors.New("connection refused")
	src.mu.Unlock()
	tickAndWait(t, w)

	assert.Equal(t, []ledger.Identifier{"s1"}, got.ids())
	cursor, _ := w.Cursor(addrA)
	assert.Equal(t, ledger.Identifier("s1"), cursor)
	state, _ := w.State(addrA)
	assert.Equal(t, StateIdle, state)
}

func TestWatchCycleTimeoutSkipsCycle(t *testing.T) {
	src := newFakeLedger()
	src.push(addrA, "s1", 1)
	src.gate = make(chan struct{})

	w, got := newWatcher(src, Options{CycleTimeout: 20 * time.Millisecond})
	require.NoError(t, w.AddTarget(addrA))

	tickAndWait(t, w)

	assert.Empty(t, got.ids())
	cursor, _ := w.Cursor(addrA)
	assert.Empty(t, cursor)
	state, _ := w.State(addrA)
	assert.Equal(t, StateIdle, state)
}

func TestWatchAddTarget(t *testing.T) {
	w := New(newFakeLedger(), nil, Options{}, zerolog.Nop())

	assert.ErrorIs(t, w.AddTarget("not base58!"), ledger.ErrMalformedIdentifier)
	require.NoError(t, w.AddTarget(addrA))
	require.NoError(t, w.AddTarget(addrA))
	assert.Equal(t, []string{addrA}, w.Targets())
	state, ok := w.State(addrA)
	assert.True(t, ok)
	assert.Equal(t, "idle", state.String())
}

type fakeLocker struct {
	grant    bool
	released atomic.Int32
}

func (l *fakeLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if !l.grant {
		return nil, false, nil
	}
	return func() { l.released.Add(1) }, true, nil
}

func TestWatchAdvisoryLockGatesTick(t *testing.T) {
	src := newFakeLedger()
	src.push(addrA, "s1", 1)
	locker := &fakeLocker{}

	w, got := newWatcher(src, Options{Locker: locker, LockKey: 42})
	require.NoError(t, w.AddTarget(addrA))

	assert.Zero(t, tickAndWait(t, w))
	assert.Empty(t, got.ids())

	locker.grant = true
	assert.Equal(t, 1, tickAndWait(t, w))
	assert.Equal(t, []ledger.Identifier{"s1"}, got.ids())
	require.Eventually(t, func() bool { return locker.released.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestWatchStartStop(t *testing.T) {
	src := newFakeLedger()
	src.push(addrA, "s1", 1)

	w, got := newWatcher(src, Options{Interval: 10 * time.Millisecond})
	require.NoError(t, w.AddTarget(addrA))

	require.NoError(t, w.Start(context.Background()))
	require.Error(t, w.Start(context.Background()))

	require.Eventually(t, func() bool { return len(got.ids()) == 1 }, time.Second, 5*time.Millisecond)
	src.push(addrA, "s2", 2)
	require.Eventually(t, func() bool { return len(got.ids()) == 2 }, time.Second, 5*time.Millisecond)

	w.Stop()
	calls := src.calls()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, calls, src.calls())

	w.Stop()
}

func TestWatchSkipsRecordThatKeepsFailing(t *testing.T) {
	src := newFakeLedger()
	src.push(addrA, "s1", 1)
	src.push(addrA, "s2", 2)
	src.push(addrA, "s3", 3)
	src.setFailing("s2", true)

	w, got := newWatcher(src, Options{MaxFetchAttempts: 3})
	require.NoError(t, w.AddTarget(addrA))

	tickAndWait(t, w)
	assert.Equal(t, []ledger.Identifier{"s1"}, got.ids())

	src.push(addrA, "s4", 4)
	tickAndWait(t, w)
	assert.Equal(t, []ledger.Identifier{"s1"}, got.ids())
	cursor, _ := w.Cursor(addrA)
	assert.Equal(t, ledger.Identifier("s1"), cursor)

	// third consecutive failure: s2 is given up on
	tickAndWait(t, w)
	assert.Equal(t, []ledger.Identifier{"s1", "s3", "s4"}, got.ids())
	cursor, _ = w.Cursor(addrA)
	assert.Equal(t, ledger.Identifier("s4"), cursor)

	src.push(addrA, "s5", 5)
	tickAndWait(t, w)
	assert.Equal(t, []ledger.Identifier{"s1", "s3", "s4", "s5"}, got.ids())
}

func TestWatchFailureCountResetsOnRecovery(t *testing.T) {
	src := newFakeLedger()
	src.push(addrA, "s1", 1)
	src.push(addrA, "s2", 2)
	src.setFailing("s1", true)

	w, got := newWatcher(src, Options{MaxFetchAttempts: 2})
	require.NoError(t, w.AddTarget(addrA))

	tickAndWait(t, w)
	src.setFailing("s1", false)
	tickAndWait(t, w)
	assert.Equal(t, []ledger.Identifier{"s1", "s2"}, got.ids())

	// a new failure starts counting from one again
	src.push(addrA, "s3", 3)
	src.push(addrA, "s4", 4)
	src.setFailing("s3", true)
	tickAndWait(t, w)
	assert.Equal(t, []ledger.Identifier{"s1", "s2"}, got.ids())
	tickAndWait(t, w)
	assert.Equal(t, []ledger.Identifier{"s1", "s2", "s4"}, got.ids())
}

type activityLog struct {
	mu   sync.Mutex
	acts []aggregate.Activity
}

func (l *activityLog) HandleActivity(_ context.Context, _ string, act aggregate.Activity) error {
	l.mu.Lock()
	l.acts = append(l.acts, act)
	l.mu.Unlock()
	return nil
}

func (l *activityLog) levels() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.acts))
	for _, a := range l.acts {
		out = append(out, a.Level)
	}
	return out
}

func TestWatchReportsEscalatedActivity(t *testing.T) {
	src := newFakeLedger()
	src.push(addrA, "s1", 6)
	src.push(addrA, "s2", 6)

	w, _ := newWatcher(src, Options{Thresholds: aggregate.Thresholds{Volume: decimal.NewFromInt(10)}})
	log := &activityLog{}
	w.OnActivity(log)
	require.NoError(t, w.AddTarget(addrA))

	tickAndWait(t, w)
	require.Equal(t, []string{aggregate.LevelCritical}, log.levels())
	assert.Equal(t, 2, log.acts[0].Transfers)
	assert.Equal(t, "12", log.acts[0].TotalVolume.String())

	// quiet cycles and cycles within range report nothing
	tickAndWait(t, w)
	src.push(addrA, "s3", 1)
	tickAndWait(t, w)
	assert.Len(t, log.levels(), 1)
}

func TestWatchActivityHandlerPanicIsIsolated(t *testing.T) {
	src := newFakeLedger()
	src.push(addrA, "s1", 50)

	w, got := newWatcher(src, Options{Thresholds: aggregate.Thresholds{Volume: decimal.NewFromInt(10)}})
	w.OnActivity(ActivityFunc(func(context.Context, string, aggregate.Activity) error {
		panic("boom")
	}))
	log := &activityLog{}
	w.OnActivity(log)
	require.NoError(t, w.AddTarget(addrA))

	tickAndWait(t, w)

	assert.Equal(t, []ledger.Identifier{"s1"}, got.ids())
	assert.Equal(t, []string{aggregate.LevelCritical}, log.levels())
}
