package fetcher

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"ledger-signals/internal/ledger"
)

type limitedSource struct {
	src     ledger.RecordSource
	limiter *rate.Limiter
}

// RateLimited shares one token bucket between every call made through the
// returned source. A non-positive rps disables limiting.
func RateLimited(src ledger.RecordSource, rps float64, burst int) ledger.RecordSource {
	if rps <= 0 {
		return src
	}
	if burst <= 0 {
		burst = 1
	}
	return &limitedSource{src: src, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (l *limitedSource) ListRecent(ctx context.Context, address string, opts ledger.ListOptions) ([]ledger.RawEntry, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	return l.src.ListRecent(ctx, address, opts)
}

func (l *limitedSource) GetRecord(ctx context.Context, id ledger.Identifier) (*ledger.ParsedRecord, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	return l.src.GetRecord(ctx, id)
}

// wait consumes exactly one token, giving it back if ctx ends first.
func (l *limitedSource) wait(ctx context.Context) error {
	r := l.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("rate limiter: cannot reserve token")
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return fmt.Errorf("rate limiter: %w", ctx.Err())
	}
}

var _ ledger.RecordSource = (*limitedSource)(nil)
