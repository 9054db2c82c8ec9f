package fetcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ledger-signals/internal/ledger"
	"ledger-signals/internal/metrics"
)

// DefaultConcurrency is the in-flight ceiling used when none is given.
const DefaultConcurrency = 5

// FetchError isolates the failure of one identifier.
type FetchError struct {
	ID  ledger.Identifier
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch record %s: %v", e.ID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Result is the outcome for one identifier. Record and Err are both nil
// when the source does not have the record yet.
type Result struct {
	Record *ledger.ParsedRecord
	Err    *FetchError
}

// Absent reports a lookup that succeeded without a record.
func (r Result) Absent() bool { return r.Record == nil && r.Err == nil }

// Outcome pairs a Result with its identifier.
type Outcome struct {
	ID ledger.Identifier
	Result
}

// Resolve looks up every identifier with at most concurrency lookups in
// flight. It returns once each identifier has a Result; a failed lookup
// never cancels its siblings. Duplicate identifiers are fetched once.
func Resolve(ctx context.Context, src ledger.RecordSource, ids []ledger.Identifier, concurrency int) map[ledger.Identifier]Result {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	results := make(map[ledger.Identifier]Result, len(ids))
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(concurrency)

	seen := make(map[ledger.Identifier]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		g.Go(func() error {
			res := fetchOne(ctx, src, id)
			mu.Lock()
			results[id] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func fetchOne(ctx context.Context, src ledger.RecordSource, id ledger.Identifier) (res Result) {
	metrics.FetcherInFlight.Inc()
	start := time.Now()
	defer func() {
		metrics.FetcherInFlight.Dec()
		metrics.FetcherLatency.Observe(time.Since(start).Seconds())
	}()

	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: &FetchError{ID: id, Err: fmt.Errorf("source panic: %v", r)}}
		}
		metrics.FetcherRecords.WithLabelValues(res.outcome()).Inc()
	}()

	if err := ctx.Err(); err != nil {
		return Result{Err: &FetchError{ID: id, Err: err}}
	}

	record, err := src.GetRecord(ctx, id)
	if err != nil {
		return Result{Err: &FetchError{ID: id, Err: err}}
	}
	return Result{Record: record}
}

func (r Result) outcome() string {
	switch {
	case r.Err != nil:
		return "error"
	case r.Record == nil:
		return "absent"
	default:
		return "found"
	}
}

// Ordered lists results in the order of ids. Identifiers missing from
// results are reported as absent.
func Ordered(ids []ledger.Identifier, results map[ledger.Identifier]Result) []Outcome {
	out := make([]Outcome, 0, len(ids))
	for _, id := range ids {
		out = append(out, Outcome{ID: id, Result: results[id]})
	}
	return out
}

// Errors collects the FetchErrors of results in the order of ids.
func Errors(ids []ledger.Identifier, results map[ledger.Identifier]Result) []*FetchError {
	var errs []*FetchError
	for _, id := range ids {
		if res, ok := results[id]; ok && res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return errs
}
