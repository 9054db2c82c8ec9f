package discovery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger-signals/internal/ledger"
)

// sliceSource serves a fixed newest-first history.
type sliceSource struct {
	entries []ledger.RawEntry
	failAt  int // 1-based ListRecent call that fails; 0 never
	repeat  bool
	calls   []ledger.ListOptions
}

func (s *sliceSource) ListRecent(_ context.Context, _ string, opts ledger.ListOptions) ([]ledger.RawEntry, error) {
	s.calls = append(s.calls, opts)
	if s.failAt > 0 && len(s.calls) == s.failAt {
		return nil, errors.New("connection reset")
	}
	start := 0
	if opts.Before != "" {
		start = len(s.entries)
		for i, e := range s.entries {
			if e.ID == opts.Before {
				start = i + 1
				if s.repeat {
					start = i
				}
				break
			}
		}
	}
	end := min(start+opts.Limit, len(s.entries))
	return append([]ledger.RawEntry(nil), s.entries[start:end]...), nil
}

func (s *sliceSource) GetRecord(context.Context, ledger.Identifier) (*ledger.ParsedRecord, error) {
	return nil, nil
}

// endlessSource always returns a full page.
type endlessSource struct{ calls int }

func (s *endlessSource) ListRecent(_ context.Context, _ string, opts ledger.ListOptions) ([]ledger.RawEntry, error) {
	s.calls++
	page := make([]ledger.RawEntry, opts.Limit)
	for i := range page {
		page[i] = ledger.RawEntry{ID: ledger.Identifier(fmt.Sprintf("p%d-%d", s.calls, i))}
	}
	return page, nil
}

func (s *endlessSource) GetRecord(context.Context, ledger.Identifier) (*ledger.ParsedRecord, error) {
	return nil, nil
}

func history(n int) []ledger.RawEntry {
	out := make([]ledger.RawEntry, n)
	for i := range out {
		out[i] = ledger.RawEntry{ID: ledger.Identifier(fmt.Sprintf("s%02d", n-i)), Slot: uint64(n - i)}
	}
	return out
}

func ids(entries []ledger.RawEntry) []ledger.Identifier {
	out := make([]ledger.Identifier, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestDiscoverStopsAtMaxPages(t *testing.T) {
	src := &endlessSource{}

	entries, err := Discover(context.Background(), src, "addr", Options{PageSize: 4, MaxPages: 3})

	require.NoError(t, err)
	assert.Equal(t, 3, src.calls)
	assert.Len(t, entries, 12)
}

func TestDiscoverStopsOnEmptyPage(t *testing.T) {
	src := &sliceSource{entries: history(2)}

	pager := NewPager(src, "addr", Options{PageSize: 2, MaxPages: 5})
	first, more, err := pager.Next(context.Background())
	require.NoError(t, err)
	assert.True(t, more)
	assert.Len(t, first, 2)

	second, more, err := pager.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, more)
	assert.Empty(t, second)
	assert.Equal(t, 1, pager.Pages())
	assert.Equal(t, ledger.Identifier("s01"), src.calls[1].Before)
}

func TestDiscoverUsesOldestIDAsBeforeMarker(t *testing.T) {
	src := &sliceSource{entries: history(7)}

	entries, err := Discover(context.Background(), src, "addr", Options{PageSize: 3, MaxPages: 10})

	require.NoError(t, err)
	assert.Equal(t, ids(history(7)), ids(entries))
	require.Len(t, src.calls, 4)
	assert.Equal(t, ledger.Identifier(""), src.calls[0].Before)
	assert.Equal(t, ledger.Identifier("s05"), src.calls[1].Before)
	assert.Equal(t, ledger.Identifier("s02"), src.calls[2].Before)
}

func TestDiscoverDropsRepeatedBoundaryEntry(t *testing.T) {
	src := &sliceSource{entries: history(5), repeat: true}

	entries, err := Discover(context.Background(), src, "addr", Options{PageSize: 2, MaxPages: 10})

	require.NoError(t, err)
	assert.Equal(t, ids(history(5)), ids(entries))
}

func TestDiscoverStopAt(t *testing.T) {
	src := &sliceSource{entries: []ledger.RawEntry{{ID: "b", Slot: 10}, {ID: "a", Slot: 9}}}

	all, err := Discover(context.Background(), src, "addr", Options{PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, []ledger.Identifier{"b", "a"}, ids(all))

	fresh, err := Discover(context.Background(), src, "addr", Options{PageSize: 2, StopAt: "a"})
	require.NoError(t, err)
	assert.Equal(t, []ledger.RawEntry{{ID: "b", Slot: 10}}, fresh)
}

func TestDiscoverStopAtEndsWalkEarly(t *testing.T) {
	src := &sliceSource{entries: history(10)}

	entries, err := Discover(context.Background(), src, "addr", Options{PageSize: 3, MaxPages: 10, StopAt: "s06"})

	require.NoError(t, err)
	assert.Equal(t, []ledger.Identifier{"s10", "s09", "s08", "s07"}, ids(entries))
	assert.Len(t, src.calls, 2)
}

func TestDiscoverTruncatedKeepsPartialResult(t *testing.T) {
	src := &sliceSource{entries: history(9), failAt: 2}

	entries, err := Discover(context.Background(), src, "addr", Options{PageSize: 3, MaxPages: 5})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTruncated)
	assert.ErrorIs(t, err, ledger.ErrSourceUnavailable)
	var te *TruncatedError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 1, te.Pages)
	assert.Equal(t, []ledger.Identifier{"s09", "s08", "s07"}, ids(entries))
}

func TestDiscoverFirstPageFailure(t *testing.T) {
	src := &sliceSource{entries: history(3), failAt: 1}

	entries, err := Discover(context.Background(), src, "addr", Options{})

	assert.Empty(t, entries)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDiscoverSinceFloor(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		ts := base.Add(d)
		return &ts
	}
	src := &sliceSource{entries: []ledger.RawEntry{
		{ID: "e", ObservedAt: at(0)},
		{ID: "d"},
		{ID: "c", ObservedAt: at(-30 * time.Minute)},
		{ID: "b", ObservedAt: at(-2 * time.Hour)},
		{ID: "a", ObservedAt: at(-3 * time.Hour)},
	}}

	entries, err := Discover(context.Background(), src, "addr", Options{PageSize: 2, MaxPages: 10, Since: base.Add(-time.Hour)})

	require.NoError(t, err)
	assert.Equal(t, []ledger.Identifier{"e", "d", "c"}, ids(entries))
	assert.Len(t, src.calls, 2)
}

func TestPagerAfterCompletionIsInert(t *testing.T) {
	src := &sliceSource{entries: history(1)}
	pager := NewPager(src, "addr", Options{PageSize: 5})

	_, more, err := pager.Next(context.Background())
	require.NoError(t, err)
	require.False(t, more)

	entries, more, err := pager.Next(context.Background())
	assert.NoError(t, err)
	assert.False(t, more)
	assert.Nil(t, entries)
	assert.Len(t, src.calls, 1)
}

func TestPagerReachedStop(t *testing.T) {
	src := &sliceSource{entries: history(4)}

	hit := NewPager(src, "addr", Options{PageSize: 10, StopAt: "s02"})
	_, _, err := hit.Next(context.Background())
	require.NoError(t, err)
	assert.True(t, hit.ReachedStop())

	miss := NewPager(src, "addr", Options{PageSize: 2, StopAt: "s01"})
	_, _, err = miss.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, miss.ReachedStop())
}
