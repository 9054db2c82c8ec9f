package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog"

	"ledger-signals/internal/ledger"
)

// SolanaOptions parameterise the JSON-RPC record source.
type SolanaOptions struct {
	RPCURL     string
	Commitment string
	Timeout    time.Duration
}

// SolanaSource reads signatures and jsonParsed transactions from a Solana
// JSON-RPC endpoint.
type SolanaSource struct {
	opts       SolanaOptions
	logger     zerolog.Logger
	commitment rpc.CommitmentType

	client    *rpc.Client
	clientMux sync.Mutex
}

// NewSolana builds a record source. The RPC client is created on first use.
func NewSolana(opts SolanaOptions, logger zerolog.Logger) *SolanaSource {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &SolanaSource{
		opts:       opts,
		logger:     logger.With().Str("component", "solana_source").Logger(),
		commitment: commitmentOf(opts.Commitment),
	}
}

func commitmentOf(name string) rpc.CommitmentType {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "processed":
		// getSignaturesForAddress rejects processed.
		return rpc.CommitmentConfirmed
	case "finalized":
		return rpc.CommitmentFinalized
	default:
		return rpc.CommitmentConfirmed
	}
}

// ListRecent returns one newest-first page of signatures touching address.
func (s *SolanaSource) ListRecent(ctx context.Context, address string, opts ledger.ListOptions) ([]ledger.RawEntry, error) {
	account, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("%w: address %q: %v", ledger.ErrMalformedIdentifier, address, err)
	}

	req := &rpc.GetSignaturesForAddressOpts{Commitment: s.commitment}
	if opts.Limit > 0 {
		limit := opts.Limit
		req.Limit = &limit
	}
	if opts.Before != "" {
		before, err := solana.SignatureFromBase58(opts.Before.String())
		if err != nil {
			return nil, fmt.Errorf("%w: before marker %q: %v", ledger.ErrMalformedIdentifier, opts.Before, err)
		}
		req.Before = before
	}

	client, err := s.getClient()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	sigs, err := client.GetSignaturesForAddressWithOpts(ctx, account, req)
	if err != nil {
		return nil, ledger.Unavailable(fmt.Errorf("getSignaturesForAddress: %w", err))
	}

	entries := make([]ledger.RawEntry, 0, len(sigs))
	for _, sig := range sigs {
		if sig == nil {
			continue
		}
		entry := ledger.RawEntry{
			ID:     ledger.Identifier(sig.Signature.String()),
			Slot:   sig.Slot,
			Failed: sig.Err != nil,
		}
		if sig.BlockTime != nil {
			ts := sig.BlockTime.Time().UTC()
			entry.ObservedAt = &ts
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// GetRecord fetches one transaction. A null RPC result yields (nil, nil).
func (s *SolanaSource) GetRecord(ctx context.Context, id ledger.Identifier) (*ledger.ParsedRecord, error) {
	sig, err := solana.SignatureFromBase58(id.String())
	if err != nil {
		return nil, fmt.Errorf("%w: signature %q: %v", ledger.ErrMalformedIdentifier, id, err)
	}

	client, err := s.getClient()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	params := []interface{}{
		sig,
		rpc.M{
			"encoding":                       solana.EncodingJSONParsed,
			"commitment":                     s.commitment,
			"maxSupportedTransactionVersion": 0,
		},
	}

	var out *parsedTransaction
	if err := client.RPCCallForInto(ctx, &out, "getTransaction", params); err != nil {
		return nil, ledger.Unavailable(fmt.Errorf("getTransaction: %w", err))
	}
	if out == nil {
		s.logger.Debug().Str("signature", id.String()).Msg("transaction not indexed yet")
		return nil, nil
	}
	return out.toRecord(id), nil
}

func (s *SolanaSource) getClient() (*rpc.Client, error) {
	s.clientMux.Lock()
	defer s.clientMux.Unlock()

	if s.client != nil {
		return s.client, nil
	}
	if s.opts.RPCURL == "" {
		return nil, errors.New("solana rpc url not configured")
	}
	s.client = rpc.New(s.opts.RPCURL)
	return s.client, nil
}

// Close releases the underlying RPC client.
func (s *SolanaSource) Close() error {
	s.clientMux.Lock()
	defer s.clientMux.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

type parsedTransaction struct {
	Slot      uint64 `json:"slot"`
	BlockTime *int64 `json:"blockTime"`
	Meta      *struct {
		Err               json.RawMessage `json:"err"`
		Fee               uint64          `json:"fee"`
		InnerInstructions []struct {
			Index        int                 `json:"index"`
			Instructions []parsedInstruction `json:"instructions"`
		} `json:"innerInstructions"`
	} `json:"meta"`
	Transaction struct {
		Message struct {
			Instructions []parsedInstruction `json:"instructions"`
		} `json:"message"`
	} `json:"transaction"`
}

type parsedInstruction struct {
	Program   string          `json:"program"`
	ProgramID string          `json:"programId"`
	Parsed    json.RawMessage `json:"parsed"`
}

func (p parsedInstruction) decode(index int) ledger.Instruction {
	program := p.Program
	if program == "" {
		program = p.ProgramID
	}

	// parsed is an object for known programs and a bare string for some (memo).
	var body struct {
		Type string          `json:"type"`
		Info json.RawMessage `json:"info"`
	}
	if len(p.Parsed) > 0 && p.Parsed[0] == '{' {
		_ = json.Unmarshal(p.Parsed, &body)
	}

	info := body.Info
	if info == nil {
		info = p.Parsed
	}
	ins := ledger.DecodeInstruction(program, body.Type, info)
	ins.Index = index
	return ins
}

// toRecord flattens instructions in execution order: each top-level
// instruction followed by its inner instructions.
func (t *parsedTransaction) toRecord(id ledger.Identifier) *ledger.ParsedRecord {
	rec := &ledger.ParsedRecord{ID: id, Slot: t.Slot, Succeeded: true}
	if t.BlockTime != nil {
		ts := time.Unix(*t.BlockTime, 0).UTC()
		rec.ObservedAt = &ts
	}

	inner := map[int][]parsedInstruction{}
	if t.Meta != nil {
		rec.Fee = t.Meta.Fee
		if len(t.Meta.Err) > 0 && string(t.Meta.Err) != "null" {
			rec.Succeeded = false
		}
		for _, group := range t.Meta.InnerInstructions {
			inner[group.Index] = append(inner[group.Index], group.Instructions...)
		}
	}

	for i, top := range t.Transaction.Message.Instructions {
		rec.Instructions = append(rec.Instructions, top.decode(len(rec.Instructions)))
		for _, child := range inner[i] {
			rec.Instructions = append(rec.Instructions, child.decode(len(rec.Instructions)))
		}
	}
	return rec
}

var _ ledger.RecordSource = (*SolanaSource)(nil)
