// Package exchange executes a batch's residual net order against external
// liquidity.
package exchange

import (
	"context"
	"errors"
	"math/big"
)

var (
	ErrPoolNotSeeded         = errors.New("exchange: pool has no liquidity")
	ErrInsufficientLiquidity = errors.New("exchange: insufficient liquidity")
	ErrSlippage              = errors.New("exchange: output below minimum")
	ErrZeroInput             = errors.New("exchange: amount in must be positive")
	ErrOverflow              = errors.New("exchange: arithmetic overflow")
	ErrInvalidFee            = errors.New("exchange: fee out of range")
)

// Hint carries the oracle reference price and the minimum acceptable output
// derived from it.
type Hint struct {
	Price  *big.Rat
	MinOut uint64
}

// NetExchange performs the real collateral movement for a net order. It is
// synchronous: it either completes within the call or fails.
type NetExchange interface {
	Execute(ctx context.Context, pool [32]byte, zeroForOne bool, amountIn uint64, hint Hint) (uint64, error)
}

// Quoter previews the output of a net order without executing it.
type Quoter interface {
	Quote(pool [32]byte, zeroForOne bool, amountIn uint64) (uint64, error)
}
