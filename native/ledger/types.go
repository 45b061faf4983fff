package ledger

import (
	"errors"
	"fmt"

	"cipherpool/crypto/confidential"
)

var (
	ErrTokenNotProvisioned             = errors.New("ledger: token not provisioned")
	ErrAlreadyProvisioned              = errors.New("ledger: token already provisioned")
	ErrInsufficientConfidentialBalance = errors.New("ledger: insufficient confidential balance")
	ErrUnauthorized                    = errors.New("ledger: unauthorized caller")
	ErrZeroRecipient                   = errors.New("ledger: zero recipient")
	ErrZeroAmount                      = errors.New("ledger: zero amount handle")
	ErrSelfTransfer                    = errors.New("ledger: sender and recipient must differ")
	ErrValueNotAllowed                 = errors.New("ledger: caller not allowed on amount")
)

// Class establishes confidential accounts for one instrument within a pool.
// MintAuthority may mint; Operator may burn and transfer on behalf of owners.
type Class struct {
	Pool          [32]byte
	Instrument    [32]byte
	MintAuthority [20]byte
	Operator      [20]byte
}

// Account holds the opaque balance of one owner.
type Account struct {
	Pool       [32]byte
	Instrument [32]byte
	Owner      [20]byte
	Balance    confidential.Value
	Grantees   [][20]byte
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := *a
	clone.Grantees = append([][20]byte(nil), a.Grantees...)
	return &clone
}

// HasGrantee reports whether the principal was authorised by the owner.
func (a *Account) HasGrantee(principal [20]byte) bool {
	if a == nil {
		return false
	}
	for _, g := range a.Grantees {
		if g == principal {
			return true
		}
	}
	return false
}

func validateClass(c *Class) error {
	if c == nil {
		return fmt.Errorf("ledger: nil class")
	}
	if c.Pool == ([32]byte{}) || c.Instrument == ([32]byte{}) {
		return fmt.Errorf("ledger: pool and instrument required")
	}
	if c.MintAuthority == ([20]byte{}) {
		return fmt.Errorf("ledger: mint authority required")
	}
	if c.Operator == ([20]byte{}) {
		return fmt.Errorf("ledger: operator required")
	}
	return nil
}
