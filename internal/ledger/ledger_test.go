package ledger

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInstructionTokenTransfer(t *testing.T) {
	info := json.RawMessage(`{"source":"A","destination":"B","authority":"C","amount":"1500"}`)

	ins := DecodeInstruction(ProgramSPLToken, OpTransfer, info)

	tt, ok := ins.Params.(TokenTransfer)
	require.True(t, ok, "expected TokenTransfer, got %T", ins.Params)
	assert.Equal(t, "A", tt.Source)
	assert.Equal(t, "B", tt.Destination)
	assert.Equal(t, "C", tt.Authority)
	assert.Equal(t, "1500", tt.Amount)
	assert.Equal(t, -1, tt.Decimals)
}

func TestDecodeInstructionTransferCheckedUsesTokenAmount(t *testing.T) {
	info := json.RawMessage(`{"source":"A","destination":"B","mint":"M","tokenAmount":{"amount":"2500000","decimals":6,"uiAmount":2.5}}`)

	ins := DecodeInstruction(ProgramSPLToken, OpTransferChecked, info)

	tt := ins.Params.(TokenTransfer)
	assert.Equal(t, "2500000", tt.Amount)
	assert.Equal(t, 6, tt.Decimals)
	assert.Equal(t, "M", tt.Mint)
}

func TestDecodeInstructionSystemTransferNumericLamports(t *testing.T) {
	info := json.RawMessage(`{"source":"A","destination":"B","lamports":5000}`)

	ins := DecodeInstruction(ProgramSystem, OpTransfer, info)

	st := ins.Params.(SystemTransfer)
	assert.Equal(t, "5000", st.Lamports)
}

func TestDecodeInstructionSwapFallsBackToMinimumOut(t *testing.T) {
	info := json.RawMessage(`{"source":"U","amountIn":"100","minimumAmountOut":"95"}`)

	ins := DecodeInstruction(ProgramSPLTokenSwap, OpSwap, info)

	sw := ins.Params.(Swap)
	assert.Equal(t, "U", sw.User)
	assert.Equal(t, "100", sw.AmountIn)
	assert.Equal(t, "95", sw.AmountOut)
}

func TestDecodeInstructionUnknownIsUnmatched(t *testing.T) {
	info := json.RawMessage(`{"foo":1}`)

	ins := DecodeInstruction("vote", "vote", info)

	un, ok := ins.Params.(Unmatched)
	require.True(t, ok)
	assert.JSONEq(t, `{"foo":1}`, string(un.Raw))
}

func TestDecodeInstructionMalformedInfoIsTotal(t *testing.T) {
	cases := []string{``, `null`, `[]`, `"text"`, `{"source":5,"amount":{"x":1}}`, `{not json`}
	for _, raw := range cases {
		ins := DecodeInstruction(ProgramSPLToken, OpTransfer, json.RawMessage(raw))
		tt, ok := ins.Params.(TokenTransfer)
		require.True(t, ok, "input %q", raw)
		assert.Empty(t, tt.Amount, "input %q", raw)
	}
}

func TestValidateAddress(t *testing.T) {
	require.NoError(t, ValidateAddress("11111111111111111111111111111111"))
	require.NoError(t, ValidateAddress("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"))

	for _, bad := range []string{"", "0OIl", "abc", strings.Repeat("1", 64)} {
		err := ValidateAddress(bad)
		require.Error(t, err, "address %q", bad)
		assert.True(t, errors.Is(err, ErrMalformedIdentifier))
	}
}

func TestValidateIdentifier(t *testing.T) {
	require.NoError(t, ValidateIdentifier(Identifier(strings.Repeat("1", 64))))

	err := ValidateIdentifier("11111111111111111111111111111111")
	assert.ErrorIs(t, err, ErrMalformedIdentifier)
}

func TestUnavailableWrapsOnce(t *testing.T) {
	base := errors.New("dial tcp: refused")

	err := Unavailable(base)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.ErrorIs(t, err, base)
	assert.Equal(t, err, Unavailable(err))
	assert.NoError(t, Unavailable(nil))
}

func TestSubEventPriceAndKey(t *testing.T) {
	ev := SubEvent{ID: "sig", Index: 3, Amount: decimal.NewFromInt(4), AmountOut: decimal.NewFromInt(10)}
	assert.True(t, ev.Price().Equal(decimal.RequireFromString("2.5")))
	assert.Equal(t, "sig#3", ev.Key())

	ev.Amount = decimal.Zero
	assert.True(t, ev.Price().IsZero())
}
