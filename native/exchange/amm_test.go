package exchange

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"cipherpool/core/state"
	"cipherpool/storage"
)

var testPool = [32]byte{0x42}

func seeded(t *testing.T, r0, r1 int64, fee uint32) *AMM {
	t.Helper()
	amm := NewAMM(state.NewManager(storage.NewMemDB()))
	require.NoError(t, amm.Seed(testPool, big.NewInt(r0), big.NewInt(r1), fee))
	return amm
}

func TestExecuteConstantProduct(t *testing.T) {
	amm := seeded(t, 1_000_000, 1_000_000, 0)
	quote, err := amm.Quote(testPool, true, 1_000)
	require.NoError(t, err)
	// 1000*1e6 / (1e6+1000) = 999.000999 -> 999
	require.Equal(t, uint64(999), quote)

	out, err := amm.Execute(context.Background(), testPool, true, 1_000, Hint{MinOut: 999})
	require.NoError(t, err)
	require.Equal(t, quote, out)

	res, ok, err := amm.Reserves(testPool)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1_001_000), res.Reserve0.Int64())
	require.Equal(t, int64(999_001), res.Reserve1.Int64())
}

func TestExecuteReverseDirectionWithFee(t *testing.T) {
	amm := seeded(t, 500_000, 2_000_000, 30)
	out, err := amm.Execute(context.Background(), testPool, false, 10_000, Hint{})
	require.NoError(t, err)
	// in*(9970)*500000 / (2e6*10000 + in*9970)
	require.Equal(t, uint64(2_480), out)
	res, _, _ := amm.Reserves(testPool)
	require.Equal(t, int64(2_010_000), res.Reserve1.Int64())
	require.Equal(t, int64(500_000-2_480), res.Reserve0.Int64())
}

func TestExecuteSlippageLeavesReserves(t *testing.T) {
	amm := seeded(t, 1_000, 1_000, 0)
	_, err := amm.Execute(context.Background(), testPool, true, 100, Hint{MinOut: 100})
	require.True(t, errors.Is(err, ErrSlippage), "got %v", err)
	res, _, _ := amm.Reserves(testPool)
	require.Equal(t, int64(1_000), res.Reserve0.Int64())
	require.Equal(t, int64(1_000), res.Reserve1.Int64())
}

func TestExecuteErrors(t *testing.T) {
	amm := NewAMM(state.NewManager(storage.NewMemDB()))
	_, err := amm.Execute(context.Background(), testPool, true, 1, Hint{})
	require.ErrorIs(t, err, ErrPoolNotSeeded)

	amm = seeded(t, 10, 10, 0)
	_, err = amm.Execute(context.Background(), testPool, true, 0, Hint{})
	require.ErrorIs(t, err, ErrZeroInput)

	_, err = amm.Execute(context.Background(), testPool, true, 1, Hint{})
	require.ErrorIs(t, err, ErrInsufficientLiquidity)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = amm.Execute(ctx, testPool, true, 5, Hint{})
	require.ErrorIs(t, err, context.Canceled)

	require.ErrorIs(t, amm.Seed(testPool, big.NewInt(1), big.NewInt(1), feeDenominator), ErrInvalidFee)
}
