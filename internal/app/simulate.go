package app

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"ledger-signals/internal/ledger"
	"ledger-signals/internal/storage"
)

// simulatedID is a syntactically valid signature that no ledger will hold.
const simulatedID = ledger.Identifier("1111111111111111111111111111111111111111111111111111111111111111")

// SimulateEvent 通过一次模拟转账驱动完整的 watch 投递流程。
func (a *App) SimulateEvent(ctx context.Context, address string, amount decimal.Decimal) error {
	if err := ledger.ValidateAddress(address); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return errors.New("amount 必须大于 0")
	}

	var store *storage.Store
	if a.Config.Database.DSN != "" {
		s, closeStore, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		defer closeStore()
		store = s
	}

	sinks, closeSinks, err := a.sinks(store)
	if err != nil {
		return err
	}
	defer closeSinks()
	if len(sinks.Events) <= 1 {
		a.Logger.Warn().Msg("未配置任何投递通道，仅执行异常检测")
	}

	src := newStaticSource(address, amount)
	w := a.newService(src, nil).NewWatcher(sinks)
	if err := w.AddTarget(address); err != nil {
		return err
	}
	if _, err := w.Tick(ctx); err != nil {
		return err
	}
	w.Wait()

	cursor, _ := w.Cursor(address)
	if cursor != simulatedID {
		return errors.New("模拟事件未被处理")
	}
	a.Logger.Info().Str("address", address).Str("amount", amount.String()).Msg("模拟事件已投递")
	return nil
}

// staticSource serves one synthetic token transfer into address.
type staticSource struct {
	entry  ledger.RawEntry
	record *ledger.ParsedRecord
}

func newStaticSource(address string, amount decimal.Decimal) *staticSource {
	now := time.Now().UTC()
	return &staticSource{
		entry: ledger.RawEntry{ID: simulatedID, ObservedAt: &now},
		record: &ledger.ParsedRecord{
			ID:         simulatedID,
			ObservedAt: &now,
			Succeeded:  true,
			Instructions: []ledger.Instruction{{
				Program: ledger.ProgramSPLToken,
				Kind:    ledger.OpTransfer,
				Params: ledger.TokenTransfer{
					Source:      "simulated-sender",
					Destination: address,
					Amount:      amount.String(),
					Decimals:    -1,
				},
			}},
		},
	}
}

func (s *staticSource) ListRecent(_ context.Context, _ string, opts ledger.ListOptions) ([]ledger.RawEntry, error) {
	if opts.Before != "" {
		return nil, nil
	}
	return []ledger.RawEntry{s.entry}, nil
}

func (s *staticSource) GetRecord(_ context.Context, id ledger.Identifier) (*ledger.ParsedRecord, error) {
	if id != s.entry.ID {
		return nil, nil
	}
	return s.record, nil
}

var _ ledger.RecordSource = (*staticSource)(nil)
