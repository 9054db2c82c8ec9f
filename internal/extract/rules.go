package extract

import (
	"strings"

	"github.com/shopspring/decimal"

	"ledger-signals/internal/ledger"
)

// lamportsPerSOL scales system transfers to SOL.
const lamportsPerSOL = 9

// DefaultRules covers token transfers, native transfers and token swaps.
// Token amounts stay in base units; native amounts are in SOL.
func DefaultRules() []Rule {
	return []Rule{
		{Program: ledger.ProgramSPLToken, Kind: ledger.OpTransfer, Project: tokenTransfer},
		{Program: ledger.ProgramSPLToken, Kind: ledger.OpTransferChecked, Project: tokenTransfer},
		{Program: ledger.ProgramSystem, Kind: ledger.OpTransfer, Project: nativeTransfer},
		{Program: ledger.ProgramSPLTokenSwap, Kind: ledger.OpSwap, Project: tokenSwap},
	}
}

func tokenTransfer(ins ledger.Instruction, _ *ledger.ParsedRecord) (ledger.SubEvent, bool) {
	p, ok := ins.Params.(ledger.TokenTransfer)
	if !ok || p.Source == "" || p.Destination == "" {
		return ledger.SubEvent{}, false
	}
	amount, ok := parseAmount(p.Amount)
	if !ok {
		return ledger.SubEvent{}, false
	}
	return ledger.SubEvent{
		Kind:        ledger.KindTransfer,
		Source:      p.Source,
		Destination: p.Destination,
		Mint:        p.Mint,
		Amount:      amount,
	}, true
}

func nativeTransfer(ins ledger.Instruction, _ *ledger.ParsedRecord) (ledger.SubEvent, bool) {
	p, ok := ins.Params.(ledger.SystemTransfer)
	if !ok || p.Source == "" || p.Destination == "" {
		return ledger.SubEvent{}, false
	}
	lamports, ok := parseAmount(p.Lamports)
	if !ok {
		return ledger.SubEvent{}, false
	}
	return ledger.SubEvent{
		Kind:        ledger.KindNativeTransfer,
		Source:      p.Source,
		Destination: p.Destination,
		Amount:      lamports.Shift(-lamportsPerSOL),
	}, true
}

func tokenSwap(ins ledger.Instruction, _ *ledger.ParsedRecord) (ledger.SubEvent, bool) {
	p, ok := ins.Params.(ledger.Swap)
	if !ok || p.User == "" {
		return ledger.SubEvent{}, false
	}
	in, ok := parseAmount(p.AmountIn)
	if !ok {
		return ledger.SubEvent{}, false
	}
	out, ok := parseAmount(p.AmountOut)
	if !ok {
		return ledger.SubEvent{}, false
	}
	return ledger.SubEvent{
		Kind:      ledger.KindSwap,
		Source:    p.User,
		Amount:    in,
		AmountOut: out,
	}, true
}

// parseAmount accepts non-negative finite decimals only.
func parseAmount(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return decimal.Decimal{}, false
	}
	return d, true
}
