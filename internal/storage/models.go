package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"ledger-signals/internal/ledger"
)

// SubEventRecord is one persisted sub-event, keyed by
// (signature, instruction index, watched address).
type SubEventRecord struct {
	Signature        string
	InstructionIndex int
	Address          string
	Kind             string
	Program          string
	Source           string
	Destination      string
	Mint             string
	Amount           decimal.Decimal
	AmountOut        decimal.Decimal
	ObservedAt       *time.Time
	CreatedAt        time.Time
}

// NewSubEventRecord binds ev to the address it was observed for.
func NewSubEventRecord(address string, ev ledger.SubEvent) SubEventRecord {
	return SubEventRecord{
		Signature:        ev.ID.String(),
		InstructionIndex: ev.Index,
		Address:          address,
		Kind:             ev.Kind,
		Program:          ev.Program,
		Source:           ev.Source,
		Destination:      ev.Destination,
		Mint:             ev.Mint,
		Amount:           ev.Amount,
		AmountOut:        ev.AmountOut,
		ObservedAt:       ev.ObservedAt,
	}
}

// SubEvent converts the row back into the pipeline type.
func (r SubEventRecord) SubEvent() ledger.SubEvent {
	return ledger.SubEvent{
		Kind:        r.Kind,
		Program:     r.Program,
		Source:      r.Source,
		Destination: r.Destination,
		Mint:        r.Mint,
		Amount:      r.Amount,
		AmountOut:   r.AmountOut,
		ID:          ledger.Identifier(r.Signature),
		Index:       r.InstructionIndex,
		ObservedAt:  r.ObservedAt,
	}
}

// AnomalyRecord captures a flagged metric sample for auditing.
type AnomalyRecord struct {
	ID         int64
	Address    string
	Metric     string
	ObservedAt *time.Time
	Value      float64
	Score      float64
	CreatedAt  time.Time
}
