package ledger

import (
	"bytes"
	"encoding/json"
)

// Program tags as reported by jsonParsed RPC encoding.
const (
	ProgramSPLToken     = "spl-token"
	ProgramSystem       = "system"
	ProgramSPLTokenSwap = "spl-token-swap"
)

// Operation kinds as reported by jsonParsed RPC encoding.
const (
	OpTransfer        = "transfer"
	OpTransferChecked = "transferChecked"
	OpSwap            = "swap"
)

// Instruction is one sub-instruction of a record. Params carries the typed
// parameter variant selected by (Program, Kind).
type Instruction struct {
	Program string
	Kind    string
	Index   int
	Params  Params
}

// Params is the closed set of instruction parameter variants.
type Params interface {
	params()
}

// TokenTransfer covers spl-token transfer and transferChecked. Amount is in
// base units.
type TokenTransfer struct {
	Source      string
	Destination string
	Authority   string
	Mint        string
	Amount      string
	Decimals    int
}

// SystemTransfer is a native lamport transfer.
type SystemTransfer struct {
	Source      string
	Destination string
	Lamports    string
}

// Swap is a token-swap program exchange.
type Swap struct {
	User      string
	AmountIn  string
	AmountOut string
}

// Unmatched keeps the raw info of instructions without a typed variant.
type Unmatched struct {
	Raw json.RawMessage
}

func (TokenTransfer) params()  {}
func (SystemTransfer) params() {}
func (Swap) params()           {}
func (Unmatched) params()      {}

// DecodeInstruction maps a parsed instruction's info object onto its typed
// variant. Unknown pairs yield Unmatched. Malformed info never fails: the
// variant is returned with whatever fields could be read.
func DecodeInstruction(program, kind string, info json.RawMessage) Instruction {
	ins := Instruction{Program: program, Kind: kind}

	switch {
	case program == ProgramSPLToken && (kind == OpTransfer || kind == OpTransferChecked):
		var raw struct {
			Source            string   `json:"source"`
			Destination       string   `json:"destination"`
			Authority         string   `json:"authority"`
			MultisigAuthority string   `json:"multisigAuthority"`
			Mint              string   `json:"mint"`
			Amount            flexText `json:"amount"`
			TokenAmount       *struct {
				Amount   flexText `json:"amount"`
				Decimals int      `json:"decimals"`
			} `json:"tokenAmount"`
		}
		_ = json.Unmarshal(info, &raw)
		tt := TokenTransfer{
			Source:      raw.Source,
			Destination: raw.Destination,
			Authority:   raw.Authority,
			Mint:        raw.Mint,
			Amount:      string(raw.Amount),
			Decimals:    -1,
		}
		if tt.Authority == "" {
			tt.Authority = raw.MultisigAuthority
		}
		if raw.TokenAmount != nil {
			if tt.Amount == "" {
				tt.Amount = string(raw.TokenAmount.Amount)
			}
			tt.Decimals = raw.TokenAmount.Decimals
		}
		ins.Params = tt

	case program == ProgramSystem && kind == OpTransfer:
		var raw struct {
			Source      string   `json:"source"`
			Destination string   `json:"destination"`
			Lamports    flexText `json:"lamports"`
		}
		_ = json.Unmarshal(info, &raw)
		ins.Params = SystemTransfer{
			Source:      raw.Source,
			Destination: raw.Destination,
			Lamports:    string(raw.Lamports),
		}

	case program == ProgramSPLTokenSwap && kind == OpSwap:
		var raw struct {
			Source    string   `json:"source"`
			User      string   `json:"userTransferAuthority"`
			AmountIn  flexText `json:"amountIn"`
			AmountOut flexText `json:"amountOut"`
			MinOut    flexText `json:"minimumAmountOut"`
		}
		_ = json.Unmarshal(info, &raw)
		sw := Swap{User: raw.User, AmountIn: string(raw.AmountIn), AmountOut: string(raw.AmountOut)}
		if sw.User == "" {
			sw.User = raw.Source
		}
		if sw.AmountOut == "" {
			sw.AmountOut = string(raw.MinOut)
		}
		ins.Params = sw

	default:
		ins.Params = Unmatched{Raw: append(json.RawMessage(nil), info...)}
	}

	return ins
}

// flexText accepts a JSON string or number and keeps its literal text.
// Any other JSON value decodes to the empty string.
type flexText string

func (f *flexText) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
		*f = flexText(s)
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return nil
		}
		*f = flexText(n.String())
	}
	return nil
}
