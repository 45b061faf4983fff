package reserve

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	ErrInvalidAmount       = errors.New("reserve: amount must be positive")
	ErrInsufficientReserve = errors.New("reserve: insufficient reserve")

	errNilState = errors.New("reserve: state not configured")
)

var recordPrefix = []byte("reserve/record/")

// Storage abstracts the subset of state manager functionality required by
// reserve accounting.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// Record captures cumulative plaintext collateral movements for one pool
// instrument. Unallocated holds distribution remainders that back no account.
type Record struct {
	Pool        [32]byte
	Instrument  [32]byte
	Deposits    *big.Int
	Withdrawals *big.Int
	Unallocated *big.Int
}

// NetHeld returns Deposits minus Withdrawals.
func (r *Record) NetHeld() *big.Int {
	if r == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Sub(r.Deposits, r.Withdrawals)
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	return &Record{
		Pool:        r.Pool,
		Instrument:  r.Instrument,
		Deposits:    new(big.Int).Set(r.Deposits),
		Withdrawals: new(big.Int).Set(r.Withdrawals),
		Unallocated: new(big.Int).Set(r.Unallocated),
	}
}

func (r *Record) ensureDefaults() {
	if r.Deposits == nil {
		r.Deposits = big.NewInt(0)
	}
	if r.Withdrawals == nil {
		r.Withdrawals = big.NewInt(0)
	}
	if r.Unallocated == nil {
		r.Unallocated = big.NewInt(0)
	}
}

// Reserve keeps the plaintext counters backing confidential balances. It has
// no knowledge of encrypted values; callers pair every Deposit with a mint and
// every Withdraw with a burn of the same amount.
type Reserve struct {
	store Storage
}

// New constructs reserve accounting over the provided state.
func New(store Storage) *Reserve {
	return &Reserve{store: store}
}

func recordKey(pool, instrument [32]byte) []byte {
	buf := make([]byte, len(recordPrefix)+64)
	copy(buf, recordPrefix)
	copy(buf[len(recordPrefix):], pool[:])
	copy(buf[len(recordPrefix)+32:], instrument[:])
	return buf
}

func (r *Reserve) load(pool, instrument [32]byte) (*Record, error) {
	if r == nil || r.store == nil {
		return nil, errNilState
	}
	rec := &Record{}
	ok, err := r.store.KVGet(recordKey(pool, instrument), rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		rec = &Record{Pool: pool, Instrument: instrument}
	}
	rec.ensureDefaults()
	return rec, nil
}

func (r *Reserve) put(rec *Record) error {
	return r.store.KVPut(recordKey(rec.Pool, rec.Instrument), rec)
}

func validAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// Deposit records a plaintext increase of net-held collateral.
func (r *Reserve) Deposit(pool, instrument [32]byte, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	rec, err := r.load(pool, instrument)
	if err != nil {
		return err
	}
	rec.Deposits = new(big.Int).Add(rec.Deposits, amount)
	return r.put(rec)
}

// Withdraw records a plaintext decrease. Net-held never goes negative.
func (r *Reserve) Withdraw(pool, instrument [32]byte, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	rec, err := r.load(pool, instrument)
	if err != nil {
		return err
	}
	if rec.NetHeld().Cmp(amount) < 0 {
		return fmt.Errorf("%w: held %s, requested %s", ErrInsufficientReserve, rec.NetHeld(), amount)
	}
	rec.Withdrawals = new(big.Int).Add(rec.Withdrawals, amount)
	return r.put(rec)
}

// RecordUnallocated books collateral that is held but was not credited to any
// account, such as proportional distribution remainders.
func (r *Reserve) RecordUnallocated(pool, instrument [32]byte, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	rec, err := r.load(pool, instrument)
	if err != nil {
		return err
	}
	next := new(big.Int).Add(rec.Unallocated, amount)
	if next.Cmp(rec.NetHeld()) > 0 {
		return fmt.Errorf("%w: unallocated exceeds net held", ErrInsufficientReserve)
	}
	rec.Unallocated = next
	return r.put(rec)
}

// NetHeld returns the plaintext collateral currently backing the instrument.
func (r *Reserve) NetHeld(pool, instrument [32]byte) (*big.Int, error) {
	rec, err := r.load(pool, instrument)
	if err != nil {
		return nil, err
	}
	return rec.NetHeld(), nil
}

// Get returns a copy of the full record. Unknown pairs yield zero counters.
func (r *Reserve) Get(pool, instrument [32]byte) (*Record, error) {
	rec, err := r.load(pool, instrument)
	if err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}
