package events

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"cipherpool/core/types"
	"cipherpool/crypto"
)

const (
	TypePoolRegistered        = "pool.registered"
	TypePoolDeposit           = "pool.deposit"
	TypePoolWithdrawal        = "pool.withdrawal"
	TypeIntentSubmitted       = "intent.submitted"
	TypeBatchFinalized        = "batch.finalized"
	TypeSettlementTransfer    = "settlement.transfer"
	TypeSettlementNetSwap     = "settlement.net_swap"
	TypeSettlementBatchSettle = "settlement.batch_settled"
)

func hex32(v [32]byte) string { return hex.EncodeToString(v[:]) }

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

type PoolRegistered struct {
	Pool      [32]byte
	Symbol0   string
	Symbol1   string
	Authority [20]byte
	Escrow    [20]byte
}

func (PoolRegistered) EventType() string { return TypePoolRegistered }

func (e PoolRegistered) Event() *types.Event {
	escrow := ""
	if e.Escrow != ([20]byte{}) {
		escrow = crypto.NewAddress(crypto.PoolPrefix, e.Escrow).String()
	}
	return &types.Event{
		Type: TypePoolRegistered,
		Attributes: map[string]string{
			"pool":      hex32(e.Pool),
			"symbol0":   normalizeAsset(e.Symbol0),
			"symbol1":   normalizeAsset(e.Symbol1),
			"authority": crypto.FormatAddress(e.Authority),
			"escrow":    escrow,
		},
	}
}

// PoolDeposit records collateral entering the pool. The plaintext amount is
// public at this boundary because custody moves real funds.
type PoolDeposit struct {
	Pool       [32]byte
	Instrument [32]byte
	Owner      [20]byte
	Amount     *big.Int
}

func (PoolDeposit) EventType() string { return TypePoolDeposit }

func (e PoolDeposit) Event() *types.Event {
	return &types.Event{
		Type: TypePoolDeposit,
		Attributes: map[string]string{
			"pool":       hex32(e.Pool),
			"instrument": hex32(e.Instrument),
			"owner":      crypto.FormatAddress(e.Owner),
			"amount":     amountString(e.Amount),
		},
	}
}

type PoolWithdrawal struct {
	Pool       [32]byte
	Instrument [32]byte
	Owner      [20]byte
	Amount     *big.Int
}

func (PoolWithdrawal) EventType() string { return TypePoolWithdrawal }

func (e PoolWithdrawal) Event() *types.Event {
	return &types.Event{
		Type: TypePoolWithdrawal,
		Attributes: map[string]string{
			"pool":       hex32(e.Pool),
			"instrument": hex32(e.Instrument),
			"owner":      crypto.FormatAddress(e.Owner),
			"amount":     amountString(e.Amount),
		},
	}
}

// IntentSubmitted carries no amount or direction; only the handles' owner and
// batch placement are disclosed.
type IntentSubmitted struct {
	Intent [32]byte
	Pool   [32]byte
	Batch  [32]byte
	Seq    uint64
	Index  uint32
	Owner  [20]byte
	Expiry uint64
}

func (IntentSubmitted) EventType() string { return TypeIntentSubmitted }

func (e IntentSubmitted) Event() *types.Event {
	return &types.Event{
		Type: TypeIntentSubmitted,
		Attributes: map[string]string{
			"intent": hex32(e.Intent),
			"pool":   hex32(e.Pool),
			"batch":  hex32(e.Batch),
			"seq":    strconv.FormatUint(e.Seq, 10),
			"index":  strconv.FormatUint(uint64(e.Index), 10),
			"owner":  crypto.FormatAddress(e.Owner),
			"expiry": strconv.FormatUint(e.Expiry, 10),
		},
	}
}

type BatchFinalized struct {
	Batch   [32]byte
	Pool    [32]byte
	Seq     uint64
	Intents int
}

func (BatchFinalized) EventType() string { return TypeBatchFinalized }

func (e BatchFinalized) Event() *types.Event {
	return &types.Event{
		Type: TypeBatchFinalized,
		Attributes: map[string]string{
			"batch":   hex32(e.Batch),
			"pool":    hex32(e.Pool),
			"seq":     strconv.FormatUint(e.Seq, 10),
			"intents": strconv.Itoa(e.Intents),
		},
	}
}

type SettlementTransfer struct {
	Batch      [32]byte
	Intent     [32]byte
	Instrument [32]byte
	From       [20]byte
	To         [20]byte
	Amount     [32]byte
}

func (SettlementTransfer) EventType() string { return TypeSettlementTransfer }

func (e SettlementTransfer) Event() *types.Event {
	return &types.Event{
		Type: TypeSettlementTransfer,
		Attributes: map[string]string{
			"batch":      hex32(e.Batch),
			"intent":     hex32(e.Intent),
			"instrument": hex32(e.Instrument),
			"from":       crypto.FormatAddress(e.From),
			"to":         crypto.FormatAddress(e.To),
			"amount":     hex32(e.Amount),
		},
	}
}

type SettlementNetSwap struct {
	Batch       [32]byte
	Pool        [32]byte
	ZeroForOne  bool
	AmountIn    *big.Int
	AmountOut   *big.Int
	Price       string
	Distributed *big.Int
	Dust        *big.Int
}

func (SettlementNetSwap) EventType() string { return TypeSettlementNetSwap }

func (e SettlementNetSwap) Event() *types.Event {
	return &types.Event{
		Type: TypeSettlementNetSwap,
		Attributes: map[string]string{
			"batch":       hex32(e.Batch),
			"pool":        hex32(e.Pool),
			"zeroForOne":  strconv.FormatBool(e.ZeroForOne),
			"amountIn":    amountString(e.AmountIn),
			"amountOut":   amountString(e.AmountOut),
			"price":       e.Price,
			"distributed": amountString(e.Distributed),
			"dust":        amountString(e.Dust),
		},
	}
}

type BatchSettled struct {
	Batch     [32]byte
	Pool      [32]byte
	Seq       uint64
	Intents   int
	Transfers int
	NetSwap   bool
}

func (BatchSettled) EventType() string { return TypeSettlementBatchSettle }

func (e BatchSettled) Event() *types.Event {
	return &types.Event{
		Type: TypeSettlementBatchSettle,
		Attributes: map[string]string{
			"batch":     hex32(e.Batch),
			"pool":      hex32(e.Pool),
			"seq":       strconv.FormatUint(e.Seq, 10),
			"intents":   strconv.Itoa(e.Intents),
			"transfers": strconv.Itoa(e.Transfers),
			"netSwap":   strconv.FormatBool(e.NetSwap),
		},
	}
}
