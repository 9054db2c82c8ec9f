// Package discovery walks a RecordSource's newest-first pagination.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ledger-signals/internal/ledger"
	"ledger-signals/internal/metrics"
)

const (
	DefaultPageSize = 100
	DefaultMaxPages = 1
)

// ErrTruncated reports that a walk stopped on a page failure after
// producing a partial result.
var ErrTruncated = errors.New("discovery: truncated")

// TruncatedError carries the number of completed pages and the page error.
type TruncatedError struct {
	Pages int
	Err   error
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("discovery truncated after %d page(s): %v", e.Pages, e.Err)
}

func (e *TruncatedError) Unwrap() []error { return []error{ErrTruncated, e.Err} }

// Options bound one walk.
type Options struct {
	PageSize int
	MaxPages int
	// StopAt excludes this identifier and everything older.
	StopAt ledger.Identifier
	// Since excludes entries with a known time before it and ends the walk.
	Since time.Time
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.MaxPages <= 0 {
		o.MaxPages = DefaultMaxPages
	}
	return o
}

// Pager is the lazy form of a walk: each Next call fetches at most one page.
type Pager struct {
	src     ledger.RecordSource
	address string
	opts    Options

	before  ledger.Identifier
	pages   int
	done    bool
	reached bool
}

// NewPager prepares a walk over address. No call is made until Next.
func NewPager(src ledger.RecordSource, address string, opts Options) *Pager {
	return &Pager{src: src, address: address, opts: opts.withDefaults()}
}

// Pages returns how many non-empty pages were produced so far.
func (p *Pager) Pages() int { return p.pages }

// ReachedStop reports whether the walk met Options.StopAt.
func (p *Pager) ReachedStop() bool { return p.reached }

// Next returns the next page of entries, newest first. more is false once
// the walk is complete. A page error ends the walk with a *TruncatedError.
func (p *Pager) Next(ctx context.Context) (entries []ledger.RawEntry, more bool, err error) {
	if p.done {
		return nil, false, nil
	}
	if p.pages >= p.opts.MaxPages {
		p.done = true
		return nil, false, nil
	}

	page, err := p.src.ListRecent(ctx, p.address, ledger.ListOptions{Limit: p.opts.PageSize, Before: p.before})
	metrics.DiscoveryPages.WithLabelValues(outcome(err)).Inc()
	if err != nil {
		p.done = true
		return nil, false, &TruncatedError{Pages: p.pages, Err: ledger.Unavailable(err)}
	}

	// The source may repeat the before marker at the page boundary.
	if len(page) > 0 && p.before != "" && page[0].ID == p.before {
		page = page[1:]
	}
	if len(page) == 0 {
		p.done = true
		return nil, false, nil
	}

	p.pages++
	p.before = page[len(page)-1].ID

	entries = make([]ledger.RawEntry, 0, len(page))
	for _, entry := range page {
		if p.opts.StopAt != "" && entry.ID == p.opts.StopAt {
			p.done, p.reached = true, true
			break
		}
		if !p.opts.Since.IsZero() && entry.ObservedAt != nil && entry.ObservedAt.Before(p.opts.Since) {
			p.done = true
			break
		}
		entries = append(entries, entry)
	}

	if p.pages >= p.opts.MaxPages {
		p.done = true
	}
	return entries, !p.done, nil
}

// Discover runs a full walk and collects the entries newest first. On a
// page failure the entries gathered so far are returned together with a
// *TruncatedError.
func Discover(ctx context.Context, src ledger.RecordSource, address string, opts Options) ([]ledger.RawEntry, error) {
	pager := NewPager(src, address, opts)

	var out []ledger.RawEntry
	for {
		entries, more, err := pager.Next(ctx)
		out = append(out, entries...)
		if err != nil {
			return out, err
		}
		if !more {
			return out, nil
		}
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
