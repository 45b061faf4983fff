package ledger

import (
	"errors"
	"fmt"

	"cipherpool/crypto/confidential"
)

var errNilState = errors.New("ledger: state not configured")

// Storage abstracts the subset of state manager functionality required by the
// ledger.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// Ledger owns every confidential account. Balances only change through Mint,
// Burn and Transfer so conservation holds by construction.
type Ledger struct {
	store Storage
	cap   confidential.Capability
}

// New constructs a ledger over the provided state and capability.
func New(store Storage, capability confidential.Capability) *Ledger {
	return &Ledger{store: store, cap: capability}
}

// Provision establishes the account class for a pool instrument.
func (l *Ledger) Provision(class Class) error {
	if l == nil || l.store == nil {
		return errNilState
	}
	if err := validateClass(&class); err != nil {
		return err
	}
	ok, err := l.store.KVGet(classKey(class.Pool, class.Instrument), nil)
	if err != nil {
		return err
	}
	if ok {
		return ErrAlreadyProvisioned
	}
	return l.store.KVPut(classKey(class.Pool, class.Instrument), class)
}

// Class returns the account class for the pool instrument.
func (l *Ledger) Class(pool, instrument [32]byte) (*Class, error) {
	if l == nil || l.store == nil {
		return nil, errNilState
	}
	var class Class
	ok, err := l.store.KVGet(classKey(pool, instrument), &class)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrTokenNotProvisioned
	}
	return &class, nil
}

// Provisioned reports whether the pool instrument has an account class.
func (l *Ledger) Provisioned(pool, instrument [32]byte) bool {
	_, err := l.Class(pool, instrument)
	return err == nil
}

// Balance returns the owner's balance handle. The boolean is false when the
// account has never been credited.
func (l *Ledger) Balance(pool, instrument [32]byte, owner [20]byte) (confidential.Value, bool, error) {
	acct, ok, err := l.loadAccount(pool, instrument, owner)
	if err != nil || !ok {
		return confidential.Value{}, ok, err
	}
	return acct.Balance, true, nil
}

// Account returns a copy of the stored account.
func (l *Ledger) Account(pool, instrument [32]byte, owner [20]byte) (*Account, bool, error) {
	acct, ok, err := l.loadAccount(pool, instrument, owner)
	if err != nil || !ok {
		return nil, ok, err
	}
	return acct.Clone(), true, nil
}

func (l *Ledger) loadAccount(pool, instrument [32]byte, owner [20]byte) (*Account, bool, error) {
	if l == nil || l.store == nil {
		return nil, false, errNilState
	}
	var acct Account
	ok, err := l.store.KVGet(accountKey(pool, instrument, owner), &acct)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return &Account{Pool: pool, Instrument: instrument, Owner: owner}, false, nil
	}
	return &acct, true, nil
}

// storeBalance persists the account with a new balance handle and grants the
// owner and every grantee access to it.
func (l *Ledger) storeBalance(acct *Account, balance confidential.Value) error {
	acct.Balance = balance
	if err := l.cap.Grant(balance, acct.Owner); err != nil {
		return err
	}
	for _, grantee := range acct.Grantees {
		if err := l.cap.Grant(balance, grantee); err != nil {
			return err
		}
	}
	return l.store.KVPut(accountKey(acct.Pool, acct.Instrument, acct.Owner), acct)
}

func (l *Ledger) checkAmount(amount confidential.Value, caller [20]byte) error {
	if amount.IsZero() {
		return ErrZeroAmount
	}
	ok, err := l.cap.Allowed(amount, caller)
	if err != nil {
		return err
	}
	if !ok {
		return ErrValueNotAllowed
	}
	return nil
}

// Mint credits owner with amount. Only the class mint authority may mint.
func (l *Ledger) Mint(caller [20]byte, pool, instrument [32]byte, owner [20]byte, amount confidential.Value) error {
	class, err := l.Class(pool, instrument)
	if err != nil {
		return err
	}
	if owner == ([20]byte{}) {
		return ErrZeroRecipient
	}
	if caller != class.MintAuthority {
		return ErrUnauthorized
	}
	if err := l.checkAmount(amount, caller); err != nil {
		return err
	}
	acct, _, err := l.loadAccount(pool, instrument, owner)
	if err != nil {
		return err
	}
	balance, err := l.cap.Add(acct.Balance, amount)
	if err != nil {
		return fmt.Errorf("ledger: mint: %w", err)
	}
	return l.storeBalance(acct, balance)
}

// Burn debits owner by amount. The caller must be the owner or the class
// operator. The comparison is performed on opaque values; a failure only
// reveals that the balance was insufficient.
func (l *Ledger) Burn(caller [20]byte, pool, instrument [32]byte, owner [20]byte, amount confidential.Value) error {
	class, err := l.Class(pool, instrument)
	if err != nil {
		return err
	}
	if caller != owner && caller != class.Operator {
		return ErrUnauthorized
	}
	if err := l.checkAmount(amount, caller); err != nil {
		return err
	}
	acct, _, err := l.loadAccount(pool, instrument, owner)
	if err != nil {
		return err
	}
	sufficient, err := l.cap.GreaterOrEqual(acct.Balance, amount)
	if err != nil {
		return err
	}
	if !sufficient {
		return ErrInsufficientConfidentialBalance
	}
	balance, err := l.cap.Sub(acct.Balance, amount)
	if err != nil {
		return fmt.Errorf("ledger: burn: %w", err)
	}
	return l.storeBalance(acct, balance)
}

// Transfer atomically moves amount from one owner to another.
func (l *Ledger) Transfer(caller [20]byte, pool, instrument [32]byte, from, to [20]byte, amount confidential.Value) error {
	class, err := l.Class(pool, instrument)
	if err != nil {
		return err
	}
	if to == ([20]byte{}) {
		return ErrZeroRecipient
	}
	if from == to {
		return ErrSelfTransfer
	}
	if caller != from && caller != class.Operator {
		return ErrUnauthorized
	}
	if err := l.checkAmount(amount, caller); err != nil {
		return err
	}
	sender, _, err := l.loadAccount(pool, instrument, from)
	if err != nil {
		return err
	}
	recipient, _, err := l.loadAccount(pool, instrument, to)
	if err != nil {
		return err
	}
	sufficient, err := l.cap.GreaterOrEqual(sender.Balance, amount)
	if err != nil {
		return err
	}
	if !sufficient {
		return ErrInsufficientConfidentialBalance
	}
	debited, err := l.cap.Sub(sender.Balance, amount)
	if err != nil {
		return fmt.Errorf("ledger: transfer: %w", err)
	}
	credited, err := l.cap.Add(recipient.Balance, amount)
	if err != nil {
		return fmt.Errorf("ledger: transfer: %w", err)
	}
	if err := l.storeBalance(sender, debited); err != nil {
		return err
	}
	return l.storeBalance(recipient, credited)
}

// Authorize lets grantee decrypt the owner's current and future balances.
// Grants are never revoked.
func (l *Ledger) Authorize(caller [20]byte, pool, instrument [32]byte, owner, grantee [20]byte) error {
	if _, err := l.Class(pool, instrument); err != nil {
		return err
	}
	if caller != owner {
		return ErrUnauthorized
	}
	if grantee == ([20]byte{}) {
		return ErrZeroRecipient
	}
	acct, _, err := l.loadAccount(pool, instrument, owner)
	if err != nil {
		return err
	}
	if !acct.HasGrantee(grantee) {
		acct.Grantees = append(acct.Grantees, grantee)
	}
	return l.storeBalance(acct, acct.Balance)
}
