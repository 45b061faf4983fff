// Package registry derives pool and instrument identifiers and stores the
// pool definitions shared by the coordinator, settlement and host modules.
package registry

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrPoolExists    = errors.New("registry: pool already registered")
	ErrPoolNotFound  = errors.New("registry: pool not found")
	ErrInvalidSymbol = errors.New("registry: invalid instrument symbol")
	ErrSameSymbol    = errors.New("registry: instruments must differ")
	ErrNoAuthority   = errors.New("registry: settlement authority required")

	errNilState = errors.New("registry: state not configured")
)

var (
	poolPrefix   = []byte("registry/pool/")
	poolIndexKey = []byte("registry/pools")
)

// Storage abstracts the subset of state manager functionality required by the
// registry.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVAppend(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
}

// Pool pairs two instruments under one settlement authority. Instrument0 is
// the lexicographically smaller identifier; a net order with ZeroForOne sells
// Instrument0 for Instrument1.
type Pool struct {
	ID          [32]byte
	Instrument0 [32]byte
	Instrument1 [32]byte
	Symbol0     string
	Symbol1     string
	FeedID      string
	Authority   [20]byte
	Escrow      [20]byte
	CreatedAt   uint64
}

// Has reports whether the instrument belongs to the pool.
func (p *Pool) Has(instrument [32]byte) bool {
	return p != nil && (instrument == p.Instrument0 || instrument == p.Instrument1)
}

// Other returns the counter instrument.
func (p *Pool) Other(instrument [32]byte) [32]byte {
	if instrument == p.Instrument0 {
		return p.Instrument1
	}
	return p.Instrument0
}

// Symbol returns the symbol registered for the instrument.
func (p *Pool) Symbol(instrument [32]byte) string {
	switch instrument {
	case p.Instrument0:
		return p.Symbol0
	case p.Instrument1:
		return p.Symbol1
	}
	return ""
}

// NormalizeSymbol upper-cases and trims an instrument symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// InstrumentID derives the identifier of an instrument symbol.
func InstrumentID(symbol string) [32]byte {
	return ethcrypto.Keccak256Hash([]byte("instrument"), []byte(NormalizeSymbol(symbol)))
}

// PoolID derives the pool identifier from its two instruments in canonical
// order.
func PoolID(a, b [32]byte) [32]byte {
	lo, hi := order(a, b)
	return ethcrypto.Keccak256Hash([]byte("pool"), lo[:], hi[:])
}

// SettlementAccount derives the pool-owned address that acts as ledger mint
// authority and operator, and collects net-order input.
func SettlementAccount(pool [32]byte) [20]byte {
	digest := ethcrypto.Keccak256([]byte("settlement"), pool[:])
	var out [20]byte
	copy(out[:], digest[12:])
	return out
}

// FeedID returns the default oracle feed for a symbol pair.
func FeedID(symbol0, symbol1 string) string {
	return NormalizeSymbol(symbol0) + "/" + NormalizeSymbol(symbol1)
}

func order(a, b [32]byte) ([32]byte, [32]byte) {
	if bytes.Compare(a[:], b[:]) <= 0 {
		return a, b
	}
	return b, a
}

// NewPool assembles a canonical pool definition for two symbols.
func NewPool(symbolA, symbolB string, authority [20]byte, feedID string, now uint64) (*Pool, error) {
	a, b := NormalizeSymbol(symbolA), NormalizeSymbol(symbolB)
	if a == "" || b == "" || strings.ContainsAny(a, "/ \t") || strings.ContainsAny(b, "/ \t") {
		return nil, ErrInvalidSymbol
	}
	if a == b {
		return nil, ErrSameSymbol
	}
	if authority == ([20]byte{}) {
		return nil, ErrNoAuthority
	}
	idA, idB := InstrumentID(a), InstrumentID(b)
	if bytes.Compare(idA[:], idB[:]) > 0 {
		a, b = b, a
		idA, idB = idB, idA
	}
	id := PoolID(idA, idB)
	feed := strings.TrimSpace(feedID)
	if feed == "" {
		feed = FeedID(a, b)
	}
	return &Pool{
		ID:          id,
		Instrument0: idA,
		Instrument1: idB,
		Symbol0:     a,
		Symbol1:     b,
		FeedID:      feed,
		Authority:   authority,
		Escrow:      SettlementAccount(id),
		CreatedAt:   now,
	}, nil
}

// Registry persists pool definitions.
type Registry struct {
	store Storage
}

// New constructs a registry over the provided state.
func New(store Storage) *Registry {
	return &Registry{store: store}
}

func poolKey(id [32]byte) []byte {
	return append(append([]byte(nil), poolPrefix...), id[:]...)
}

// Register stores a new pool definition.
func (r *Registry) Register(p *Pool) error {
	if r == nil || r.store == nil {
		return errNilState
	}
	if p == nil {
		return fmt.Errorf("registry: nil pool")
	}
	ok, err := r.store.KVGet(poolKey(p.ID), nil)
	if err != nil {
		return err
	}
	if ok {
		return ErrPoolExists
	}
	if err := r.store.KVPut(poolKey(p.ID), p); err != nil {
		return err
	}
	return r.store.KVAppend(poolIndexKey, p.ID[:])
}

// Pool loads a pool definition.
func (r *Registry) Pool(id [32]byte) (*Pool, error) {
	if r == nil || r.store == nil {
		return nil, errNilState
	}
	var p Pool
	ok, err := r.store.KVGet(poolKey(id), &p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrPoolNotFound
	}
	return &p, nil
}

// List returns every registered pool in registration order.
func (r *Registry) List() ([]*Pool, error) {
	if r == nil || r.store == nil {
		return nil, errNilState
	}
	var ids [][]byte
	if err := r.store.KVGetList(poolIndexKey, &ids); err != nil {
		return nil, err
	}
	out := make([]*Pool, 0, len(ids))
	for _, raw := range ids {
		var id [32]byte
		copy(id[:], raw)
		p, err := r.Pool(id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
