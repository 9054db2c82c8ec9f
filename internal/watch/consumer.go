package watch

import (
	"context"
	"fmt"

	"ledger-signals/internal/aggregate"
	"ledger-signals/internal/ledger"
)

// Consumer receives new sub-events. Delivery is at-least-once, so
// implementations should be idempotent on SubEvent.Key.
type Consumer interface {
	HandleEvent(ctx context.Context, address string, ev ledger.SubEvent) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(ctx context.Context, address string, ev ledger.SubEvent) error

func (f ConsumerFunc) HandleEvent(ctx context.Context, address string, ev ledger.SubEvent) error {
	return f(ctx, address, ev)
}

// safeHandle turns a consumer panic into an error.
func safeHandle(ctx context.Context, c Consumer, address string, ev ledger.SubEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("consumer panic: %v", r)
		}
	}()
	return c.HandleEvent(ctx, address, ev)
}

// ActivityHandler receives the summary of one cycle's deliveries for an
// address when its level is above info.
type ActivityHandler interface {
	HandleActivity(ctx context.Context, address string, act aggregate.Activity) error
}

// ActivityFunc adapts a function to ActivityHandler.
type ActivityFunc func(ctx context.Context, address string, act aggregate.Activity) error

func (f ActivityFunc) HandleActivity(ctx context.Context, address string, act aggregate.Activity) error {
	return f(ctx, address, act)
}

func safeActivity(ctx context.Context, h ActivityHandler, address string, act aggregate.Activity) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("activity handler panic: %v", r)
		}
	}()
	return h.HandleActivity(ctx, address, act)
}
