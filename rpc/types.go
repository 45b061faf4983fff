package rpc

import (
	"context"
	"encoding/hex"
	"math/big"
	"strings"
	"time"

	"cipherpool/crypto"
	"cipherpool/crypto/confidential"
	"cipherpool/native/intents"
	"cipherpool/native/oracle"
	"cipherpool/native/registry"
	"cipherpool/native/reserve"
	"cipherpool/native/settlement"
	"cipherpool/storage/eventlog"
)

// Backend is the pool surface served over RPC.
type Backend interface {
	RegisterPool(caller [20]byte, symbolA, symbolB string, authority [20]byte, feedID string) (*registry.Pool, error)
	Pool(id [32]byte) (*registry.Pool, error)
	Pools() ([]*registry.Pool, error)
	Deposit(ctx context.Context, owner [20]byte, poolID, instrument [32]byte, amount *big.Int) error
	Withdraw(ctx context.Context, owner [20]byte, poolID, instrument [32]byte, amount *big.Int) error
	Reserve(poolID, instrument [32]byte) (*reserve.Record, error)
	Pause(module string, paused bool)
	Paused(module string) bool
	SubmitIntent(owner [20]byte, poolID [32]byte, amount, direction confidential.Value, expiry uint64) ([32]byte, error)
	Intent(id [32]byte) (*intents.Intent, error)
	FinalizeBatch(poolID [32]byte) (*intents.Batch, error)
	Batch(id [32]byte) (*intents.Batch, error)
	CurrentBatch(poolID [32]byte) (*intents.Batch, error)
	Settle(ctx context.Context, caller [20]byte, batchID [32]byte, proposal settlement.Proposal) (*settlement.Receipt, error)
	Balance(poolID, instrument [32]byte, owner [20]byte) (confidential.Value, bool, error)
	Authorize(caller [20]byte, poolID, instrument [32]byte, owner, grantee [20]byte) error
	Reveal(principal [20]byte, v confidential.Value) (uint64, error)
	Encrypt(owner [20]byte, plain uint64) (confidential.Value, error)
	PostPrice(caller [20]byte, poolID [32]byte, rate *big.Rat, ts time.Time) error
	Fund(caller, owner [20]byte, instrument [32]byte, amount *big.Int) error
	Wallet(owner [20]byte, instrument [32]byte) (*big.Int, error)
	OracleHealth() []oracle.FeedHealth
}

// EventSource lists persisted events.
type EventSource interface {
	List(ctx context.Context, filter eventlog.Filter) ([]eventlog.Record, error)
}

func hex32(v [32]byte) string { return "0x" + hex.EncodeToString(v[:]) }

func parseHash(field, raw string) ([32]byte, error) {
	var out [32]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if len(trimmed) != 64 {
		return out, invalidParams("%s must be a 32-byte hex string", field)
	}
	if _, err := hex.Decode(out[:], []byte(trimmed)); err != nil {
		return out, invalidParams("%s must be a 32-byte hex string", field)
	}
	return out, nil
}

// parseInstrument accepts either an instrument symbol or its hex identifier.
func parseInstrument(raw string) ([32]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "0x") && len(trimmed) == 66 {
		return parseHash("instrument", trimmed)
	}
	if registry.NormalizeSymbol(trimmed) == "" {
		return [32]byte{}, invalidParams("instrument required")
	}
	return registry.InstrumentID(trimmed), nil
}

func parseAddress(field, raw string) ([20]byte, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(raw))
	if err != nil {
		return [20]byte{}, invalidParams("%s must be a bech32 address", field)
	}
	return addr.Array(), nil
}

func parseValue(field, raw string) (confidential.Value, error) {
	v, err := confidential.ParseValue(strings.TrimSpace(raw))
	if err != nil {
		return confidential.Value{}, invalidParams("%s: %v", field, err)
	}
	return v, nil
}

func parseAmount(field, raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || v.Sign() <= 0 {
		return nil, invalidParams("%s must be a positive decimal integer", field)
	}
	return v, nil
}

func handleString(v confidential.Value) string { return "0x" + v.Hex() }

type PoolResult struct {
	ID          string `json:"id"`
	Instrument0 string `json:"instrument0"`
	Instrument1 string `json:"instrument1"`
	Symbol0     string `json:"symbol0"`
	Symbol1     string `json:"symbol1"`
	FeedID      string `json:"feedId"`
	Authority   string `json:"authority"`
	Escrow      string `json:"settlementAccount"`
	CreatedAt   uint64 `json:"createdAt"`
}

func poolResult(p *registry.Pool) PoolResult {
	return PoolResult{
		ID:          hex32(p.ID),
		Instrument0: hex32(p.Instrument0),
		Instrument1: hex32(p.Instrument1),
		Symbol0:     p.Symbol0,
		Symbol1:     p.Symbol1,
		FeedID:      p.FeedID,
		Authority:   crypto.FormatAddress(p.Authority),
		Escrow:      crypto.NewAddress(crypto.PoolPrefix, p.Escrow).String(),
		CreatedAt:   p.CreatedAt,
	}
}

type ReserveResult struct {
	Pool        string `json:"pool"`
	Instrument  string `json:"instrument"`
	Deposits    string `json:"deposits"`
	Withdrawals string `json:"withdrawals"`
	Unallocated string `json:"unallocated"`
	NetHeld     string `json:"netHeld"`
}

type IntentResult struct {
	ID        string `json:"id"`
	Pool      string `json:"pool"`
	Batch     string `json:"batch"`
	Index     uint32 `json:"index"`
	Owner     string `json:"owner"`
	Amount    string `json:"amount"`
	Direction string `json:"direction"`
	Expiry    uint64 `json:"expiry,omitempty"`
	Processed bool   `json:"processed"`
	CreatedAt uint64 `json:"createdAt"`
}

func intentResult(i *intents.Intent) IntentResult {
	return IntentResult{
		ID:        hex32(i.ID),
		Pool:      hex32(i.Pool),
		Batch:     hex32(i.Batch),
		Index:     i.Index,
		Owner:     crypto.FormatAddress(i.Owner),
		Amount:    handleString(i.Amount),
		Direction: handleString(i.Direction),
		Expiry:    i.Expiry,
		Processed: i.Processed,
		CreatedAt: i.CreatedAt,
	}
}

type BatchResult struct {
	ID          string   `json:"id"`
	Pool        string   `json:"pool"`
	Seq         uint64   `json:"seq"`
	Status      string   `json:"status"`
	Intents     []string `json:"intents"`
	OpenedAt    uint64   `json:"openedAt"`
	FinalizedAt uint64   `json:"finalizedAt,omitempty"`
	SettledAt   uint64   `json:"settledAt,omitempty"`
}

func batchResult(b *intents.Batch) BatchResult {
	ids := make([]string, len(b.Intents))
	for i, id := range b.Intents {
		ids[i] = hex32(id)
	}
	return BatchResult{
		ID:          hex32(b.ID),
		Pool:        hex32(b.Pool),
		Seq:         b.Seq,
		Status:      b.Status.String(),
		Intents:     ids,
		OpenedAt:    b.OpenedAt,
		FinalizedAt: b.FinalizedAt,
		SettledAt:   b.SettledAt,
	}
}

type ReceiptResult struct {
	Batch       string `json:"batch"`
	Pool        string `json:"pool"`
	Seq         uint64 `json:"seq"`
	Intents     int    `json:"intents"`
	Transfers   int    `json:"transfers"`
	AmountIn    uint64 `json:"amountIn"`
	AmountOut   uint64 `json:"amountOut"`
	Distributed uint64 `json:"distributed"`
	Dust        uint64 `json:"dust"`
	Price       string `json:"price,omitempty"`
}

func receiptResult(r *settlement.Receipt) ReceiptResult {
	out := ReceiptResult{
		Batch:       hex32(r.BatchID),
		Pool:        hex32(r.Pool),
		Seq:         r.Seq,
		Intents:     r.Intents,
		Transfers:   r.Transfers,
		AmountIn:    r.AmountIn,
		AmountOut:   r.AmountOut,
		Distributed: r.Distributed,
		Dust:        r.Dust,
	}
	if r.Price != nil {
		out.Price = r.Price.FloatString(18)
	}
	return out
}

type FeedHealthResult struct {
	Feed         string `json:"feed"`
	Source       string `json:"source"`
	Observations int    `json:"observations"`
	LastObserved int64  `json:"lastObserved"`
	Median       string `json:"median,omitempty"`
}

func feedHealthResult(h oracle.FeedHealth) FeedHealthResult {
	out := FeedHealthResult{
		Feed:         h.Feed,
		Source:       h.Source,
		Observations: h.Observations,
		LastObserved: h.LastObserved.Unix(),
	}
	if h.Median != nil {
		out.Median = h.Median.FloatString(18)
	}
	return out
}

type EventResult struct {
	Seq        uint64            `json:"seq"`
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	RecordedAt int64             `json:"recordedAt"`
}
