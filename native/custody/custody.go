// Package custody moves real collateral between participant wallets and the
// pool at the deposit and withdrawal boundaries.
package custody

import (
	"context"
	"errors"
	"fmt"
	"math/big"
)

var (
	ErrInsufficientFunds = errors.New("custody: insufficient funds")
	ErrInvalidAmount     = errors.New("custody: amount must be positive")

	errNilState = errors.New("custody: state not configured")
)

// Custody is the collateral boundary. Pull moves funds from an owner into the
// pool's custody; Push returns them.
type Custody interface {
	Pull(ctx context.Context, owner [20]byte, pool, instrument [32]byte, amount *big.Int) error
	Push(ctx context.Context, owner [20]byte, pool, instrument [32]byte, amount *big.Int) error
}

var (
	walletPrefix = []byte("custody/wallet/")
	heldPrefix   = []byte("custody/held/")
)

// Storage abstracts the subset of state manager functionality required by the
// vault.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// Vault is a state-backed custody used by development nodes: wallets are
// plain balances funded by an operator, and pool holdings are tracked per
// instrument.
type Vault struct {
	store Storage
}

// NewVault constructs a vault over the provided state.
func NewVault(store Storage) *Vault {
	return &Vault{store: store}
}

func walletKey(owner [20]byte, instrument [32]byte) []byte {
	buf := append(append([]byte(nil), walletPrefix...), owner[:]...)
	return append(buf, instrument[:]...)
}

func heldKey(pool, instrument [32]byte) []byte {
	buf := append(append([]byte(nil), heldPrefix...), pool[:]...)
	return append(buf, instrument[:]...)
}

func (v *Vault) get(key []byte) (*big.Int, error) {
	if v == nil || v.store == nil {
		return nil, errNilState
	}
	amount := new(big.Int)
	ok, err := v.store.KVGet(key, amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return amount, nil
}

func (v *Vault) move(fromKey, toKey []byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	from, err := v.get(fromKey)
	if err != nil {
		return err
	}
	if from.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, from, amount)
	}
	to, err := v.get(toKey)
	if err != nil {
		return err
	}
	if err := v.store.KVPut(fromKey, new(big.Int).Sub(from, amount)); err != nil {
		return err
	}
	return v.store.KVPut(toKey, new(big.Int).Add(to, amount))
}

// Fund credits an owner's external wallet.
func (v *Vault) Fund(owner [20]byte, instrument [32]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	current, err := v.get(walletKey(owner, instrument))
	if err != nil {
		return err
	}
	return v.store.KVPut(walletKey(owner, instrument), new(big.Int).Add(current, amount))
}

// Wallet returns an owner's external balance.
func (v *Vault) Wallet(owner [20]byte, instrument [32]byte) (*big.Int, error) {
	return v.get(walletKey(owner, instrument))
}

// Held returns the collateral in pool custody for an instrument.
func (v *Vault) Held(pool, instrument [32]byte) (*big.Int, error) {
	return v.get(heldKey(pool, instrument))
}

// Pull implements Custody.
func (v *Vault) Pull(ctx context.Context, owner [20]byte, pool, instrument [32]byte, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return v.move(walletKey(owner, instrument), heldKey(pool, instrument), amount)
}

// Push implements Custody.
func (v *Vault) Push(ctx context.Context, owner [20]byte, pool, instrument [32]byte, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return v.move(heldKey(pool, instrument), walletKey(owner, instrument), amount)
}

// Rebalance moves pool holdings between instruments after a net swap so the
// custody view follows the reserve counters.
func (v *Vault) Rebalance(pool, sold, bought [32]byte, amountIn, amountOut *big.Int) error {
	held, err := v.get(heldKey(pool, sold))
	if err != nil {
		return err
	}
	if held.Cmp(amountIn) < 0 {
		return fmt.Errorf("%w: pool holds %s, swap needs %s", ErrInsufficientFunds, held, amountIn)
	}
	if err := v.store.KVPut(heldKey(pool, sold), new(big.Int).Sub(held, amountIn)); err != nil {
		return err
	}
	gained, err := v.get(heldKey(pool, bought))
	if err != nil {
		return err
	}
	return v.store.KVPut(heldKey(pool, bought), new(big.Int).Add(gained, amountOut))
}
