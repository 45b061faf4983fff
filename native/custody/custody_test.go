package custody

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"cipherpool/core/state"
	"cipherpool/storage"
)

var (
	owner = [20]byte{0x01}
	pool  = [32]byte{0x02}
	eth   = [32]byte{0x03}
	usdc  = [32]byte{0x04}
)

func TestPullPush(t *testing.T) {
	v := NewVault(state.NewManager(storage.NewMemDB()))
	ctx := context.Background()
	if err := v.Pull(ctx, owner, pool, eth, big.NewInt(1)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if err := v.Fund(owner, eth, big.NewInt(100)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := v.Pull(ctx, owner, pool, eth, big.NewInt(60)); err != nil {
		t.Fatalf("pull: %v", err)
	}
	if err := v.Push(ctx, owner, pool, eth, big.NewInt(10)); err != nil {
		t.Fatalf("push: %v", err)
	}
	wallet, _ := v.Wallet(owner, eth)
	held, _ := v.Held(pool, eth)
	if wallet.Int64() != 50 || held.Int64() != 50 {
		t.Fatalf("unexpected balances wallet=%s held=%s", wallet, held)
	}
	if err := v.Push(ctx, owner, pool, eth, big.NewInt(51)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if err := v.Pull(ctx, owner, pool, eth, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestRebalance(t *testing.T) {
	v := NewVault(state.NewManager(storage.NewMemDB()))
	if err := v.Fund(owner, eth, big.NewInt(300)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := v.Pull(context.Background(), owner, pool, eth, big.NewInt(300)); err != nil {
		t.Fatalf("pull: %v", err)
	}
	if err := v.Rebalance(pool, eth, usdc, big.NewInt(300), big.NewInt(290)); err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	heldEth, _ := v.Held(pool, eth)
	heldUsdc, _ := v.Held(pool, usdc)
	if heldEth.Sign() != 0 || heldUsdc.Int64() != 290 {
		t.Fatalf("unexpected holdings eth=%s usdc=%s", heldEth, heldUsdc)
	}
	if err := v.Rebalance(pool, eth, usdc, big.NewInt(1), big.NewInt(1)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}
