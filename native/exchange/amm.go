package exchange

import (
	"context"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

const feeDenominator = 10_000

var reservesPrefix = []byte("exchange/amm/")

// Storage abstracts the subset of state manager functionality required by the
// AMM.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// Reserves is the constant-product liquidity held for one pool.
type Reserves struct {
	Reserve0 *big.Int
	Reserve1 *big.Int
	FeeBps   uint32
}

// AMM is a constant-product market whose reserves live in the same state as
// the pool so a failed settlement rolls the swap back as well.
type AMM struct {
	store Storage
}

// NewAMM constructs an AMM over the provided state.
func NewAMM(store Storage) *AMM {
	return &AMM{store: store}
}

func reservesKey(pool [32]byte) []byte {
	return append(append([]byte(nil), reservesPrefix...), pool[:]...)
}

// Seed adds liquidity to the pool's market, creating it on first use. The fee
// is fixed by the first seed.
func (a *AMM) Seed(pool [32]byte, amount0, amount1 *big.Int, feeBps uint32) error {
	if amount0 == nil || amount1 == nil || amount0.Sign() <= 0 || amount1.Sign() <= 0 {
		return ErrZeroInput
	}
	if feeBps >= feeDenominator {
		return ErrInvalidFee
	}
	res, ok, err := a.Reserves(pool)
	if err != nil {
		return err
	}
	if !ok {
		res = &Reserves{Reserve0: big.NewInt(0), Reserve1: big.NewInt(0), FeeBps: feeBps}
	}
	res.Reserve0 = new(big.Int).Add(res.Reserve0, amount0)
	res.Reserve1 = new(big.Int).Add(res.Reserve1, amount1)
	return a.store.KVPut(reservesKey(pool), res)
}

// Reserves returns the pool's current liquidity.
func (a *AMM) Reserves(pool [32]byte) (*Reserves, bool, error) {
	var res Reserves
	ok, err := a.store.KVGet(reservesKey(pool), &res)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &res, true, nil
}

// Quote computes the output for amountIn without mutating reserves.
func (a *AMM) Quote(pool [32]byte, zeroForOne bool, amountIn uint64) (uint64, error) {
	res, ok, err := a.Reserves(pool)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrPoolNotSeeded
	}
	rIn, rOut := res.Reserve0, res.Reserve1
	if !zeroForOne {
		rIn, rOut = rOut, rIn
	}
	return amountOut(amountIn, rIn, rOut, res.FeeBps)
}

// Execute implements NetExchange.
func (a *AMM) Execute(ctx context.Context, pool [32]byte, zeroForOne bool, amountIn uint64, hint Hint) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	res, ok, err := a.Reserves(pool)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrPoolNotSeeded
	}
	rIn, rOut := res.Reserve0, res.Reserve1
	if !zeroForOne {
		rIn, rOut = rOut, rIn
	}
	out, err := amountOut(amountIn, rIn, rOut, res.FeeBps)
	if err != nil {
		return 0, err
	}
	if out < hint.MinOut {
		return 0, fmt.Errorf("%w: got %d, want at least %d", ErrSlippage, out, hint.MinOut)
	}
	nextIn := new(big.Int).Add(rIn, new(big.Int).SetUint64(amountIn))
	nextOut := new(big.Int).Sub(rOut, new(big.Int).SetUint64(out))
	if zeroForOne {
		res.Reserve0, res.Reserve1 = nextIn, nextOut
	} else {
		res.Reserve1, res.Reserve0 = nextIn, nextOut
	}
	if err := a.store.KVPut(reservesKey(pool), res); err != nil {
		return 0, err
	}
	return out, nil
}

// amountOut applies the constant-product formula with the fee charged on the
// input: out = in*(1-fee)*rOut / (rIn + in*(1-fee)).
func amountOut(amountIn uint64, reserveIn, reserveOut *big.Int, feeBps uint32) (uint64, error) {
	if amountIn == 0 {
		return 0, ErrZeroInput
	}
	rIn, overflow := uint256.FromBig(reserveIn)
	if overflow {
		return 0, ErrOverflow
	}
	rOut, overflow := uint256.FromBig(reserveOut)
	if overflow {
		return 0, ErrOverflow
	}
	if rIn.IsZero() || rOut.IsZero() {
		return 0, ErrInsufficientLiquidity
	}
	inWithFee, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(amountIn), uint256.NewInt(uint64(feeDenominator-feeBps)))
	if overflow {
		return 0, ErrOverflow
	}
	numerator, overflow := new(uint256.Int).MulOverflow(inWithFee, rOut)
	if overflow {
		return 0, ErrOverflow
	}
	scaledReserve, overflow := new(uint256.Int).MulOverflow(rIn, uint256.NewInt(feeDenominator))
	if overflow {
		return 0, ErrOverflow
	}
	denominator, overflow := new(uint256.Int).AddOverflow(scaledReserve, inWithFee)
	if overflow {
		return 0, ErrOverflow
	}
	out := new(uint256.Int).Div(numerator, denominator)
	if out.IsZero() || out.Cmp(rOut) >= 0 {
		return 0, ErrInsufficientLiquidity
	}
	if !out.IsUint64() {
		return 0, ErrOverflow
	}
	return out.Uint64(), nil
}
