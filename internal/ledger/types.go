package ledger

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Identifier names one ledger record (a transaction signature).
type Identifier string

func (id Identifier) String() string { return string(id) }

// RawEntry is one discovered record reference. ObservedAt is nil while the
// record has no block time; callers must treat it as unknown, never zero.
type RawEntry struct {
	ID         Identifier
	Slot       uint64
	ObservedAt *time.Time
	Failed     bool
}

// ParsedRecord is the decoded body of one ledger record.
type ParsedRecord struct {
	ID           Identifier
	Slot         uint64
	ObservedAt   *time.Time
	Succeeded    bool
	Fee          uint64
	Instructions []Instruction
}

// Sub-event kinds produced by the built-in extraction rules.
const (
	KindTransfer       = "transfer"
	KindNativeTransfer = "native_transfer"
	KindSwap           = "swap"
)

// SubEvent is the normalised unit of activity consumed by aggregation and
// watch consumers. Amount is always non-negative.
type SubEvent struct {
	Kind        string          `json:"kind"`
	Program     string          `json:"program"`
	Source      string          `json:"source,omitempty"`
	Destination string          `json:"destination,omitempty"`
	Mint        string          `json:"mint,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	AmountOut   decimal.Decimal `json:"amount_out"`
	ID          Identifier      `json:"signature"`
	Index       int             `json:"index"`
	ObservedAt  *time.Time      `json:"observed_at,omitempty"`
}

// Price returns AmountOut/Amount for swaps and zero otherwise.
func (e SubEvent) Price() decimal.Decimal {
	if e.Amount.IsZero() || e.AmountOut.IsZero() {
		return decimal.Zero
	}
	return e.AmountOut.Div(e.Amount)
}

// Key identifies a sub-event across deliveries; consumers use it for idempotency.
func (e SubEvent) Key() string {
	return e.ID.String() + "#" + strconv.Itoa(e.Index)
}
