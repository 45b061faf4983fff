package settlement

import (
	"errors"
	"math/big"
	"time"

	"cipherpool/crypto/confidential"
	"cipherpool/native/intents"
	"cipherpool/native/oracle"
)

// Re-exported so callers can match settlement failures without importing the
// coordinator and oracle packages.
var (
	ErrBatchNotFinalized      = intents.ErrBatchNotFinalized
	ErrBatchAlreadySettled    = intents.ErrBatchAlreadySettled
	ErrIntentAlreadyProcessed = intents.ErrIntentAlreadyProcessed
	ErrIntentExpired          = intents.ErrIntentExpired
	ErrStalePrice             = oracle.ErrStalePrice
)

var (
	ErrUnauthorized      = errors.New("settlement: caller is not the settlement authority")
	ErrEmptyBatch        = errors.New("settlement: batch has no intents")
	ErrIntentNotInBatch  = errors.New("settlement: intent not part of batch")
	ErrOwnerMismatch     = errors.New("settlement: participant does not own intent")
	ErrUnknownInstrument = errors.New("settlement: instrument not in pool")
	ErrInvalidShare      = errors.New("settlement: invalid distribution share")
	ErrInvalidNetOrder   = errors.New("settlement: invalid net order")
	ErrPriceDeviation    = errors.New("settlement: execution deviates from oracle price")

	ErrTransferExceedsIntent = errors.New("settlement: transfers exceed intent amount")
	ErrInvalidRecipient      = errors.New("settlement: recipient outside batch")
)

const (
	DefaultMaxPriceAge     = 600 * time.Second
	DefaultMaxDeviationBps = 500
	bpsDenominator         = 10_000
)

// InternalTransfer reshuffles confidential ownership between two
// participants. From must own the referenced intent and To must be the pool
// settlement account or another participant of the batch. The transfers
// drawn against one intent share an instrument and together stay within the
// intent amount.
type InternalTransfer struct {
	IntentID   [32]byte
	From       [20]byte
	To         [20]byte
	Instrument [32]byte
	Amount     confidential.Value
}

// NetOrder is the batch's residual volume executed on the exchange. The input
// is burned from the pool settlement account, which internal transfers fund.
type NetOrder struct {
	ZeroForOne  bool
	AmountIn    uint64
	Source      [32]byte
	Destination [32]byte
}

// Share assigns Numerator/Denominator of the net order output to a
// participant.
type Share struct {
	IntentID    [32]byte
	Participant [20]byte
	Numerator   uint64
	Denominator uint64
}

// Proposal is the settlement authority's plan for a finalized batch.
type Proposal struct {
	Transfers    []InternalTransfer
	NetOrder     *NetOrder
	Distribution []Share
}

// Receipt summarises an applied settlement.
type Receipt struct {
	BatchID     [32]byte
	Pool        [32]byte
	Seq         uint64
	Intents     int
	Transfers   int
	AmountIn    uint64
	AmountOut   uint64
	Distributed uint64
	Dust        uint64
	Price       *big.Rat
}

// Config tunes settlement policy.
type Config struct {
	// MaxPriceAge bounds how old the oracle observation may be.
	MaxPriceAge time.Duration
	// MaxDeviationBps bounds how far below the oracle-implied output the
	// exchange result may land.
	MaxDeviationBps uint32
}

func (c Config) normalise() Config {
	if c.MaxPriceAge <= 0 {
		c.MaxPriceAge = DefaultMaxPriceAge
	}
	if c.MaxDeviationBps == 0 || c.MaxDeviationBps > bpsDenominator {
		c.MaxDeviationBps = DefaultMaxDeviationBps
	}
	return c
}
