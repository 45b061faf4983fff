package confidential

import (
	"encoding/binary"
	"math"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Storage abstracts the subset of state manager functionality required by the
// plaintext capability.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVAppend(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
}

var (
	ciphertextPrefix = []byte("confidential/ct/")
	aclPrefix        = []byte("confidential/acl/")
	handleNonceKey   = []byte("confidential/nonce")
)

type storedCiphertext struct {
	Plain uint64
}

func ciphertextKey(v Value) []byte {
	return append(append([]byte(nil), ciphertextPrefix...), v[:]...)
}

func aclKey(v Value) []byte {
	return append(append([]byte(nil), aclPrefix...), v[:]...)
}

// PlainCapability keeps plaintexts in state behind opaque handles. Handles are
// derived from a persisted nonce so they are reproducible for a given history
// and roll back together with the rest of state.
type PlainCapability struct {
	store Storage
}

// NewPlainCapability constructs a capability over the provided storage.
func NewPlainCapability(store Storage) *PlainCapability {
	return &PlainCapability{store: store}
}

func (c *PlainCapability) nextHandle() (Value, error) {
	var nonce uint64
	if _, err := c.store.KVGet(handleNonceKey, &nonce); err != nil {
		return Value{}, err
	}
	nonce++
	if err := c.store.KVPut(handleNonceKey, nonce); err != nil {
		return Value{}, err
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	return Value(ethcrypto.Keccak256Hash([]byte("confidential/handle"), buf[:])), nil
}

func (c *PlainCapability) store64(plain uint64) (Value, error) {
	handle, err := c.nextHandle()
	if err != nil {
		return Value{}, err
	}
	if err := c.store.KVPut(ciphertextKey(handle), storedCiphertext{Plain: plain}); err != nil {
		return Value{}, err
	}
	return handle, nil
}

func (c *PlainCapability) load(v Value) (uint64, error) {
	if v.IsZero() {
		return 0, nil
	}
	var ct storedCiphertext
	ok, err := c.store.KVGet(ciphertextKey(v), &ct)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrUnknownValue
	}
	return ct.Plain, nil
}

// Encrypt implements Capability.
func (c *PlainCapability) Encrypt(plain uint64) (Value, error) {
	return c.store64(plain)
}

// Add implements Capability.
func (c *PlainCapability) Add(a, b Value) (Value, error) {
	x, err := c.load(a)
	if err != nil {
		return Value{}, err
	}
	y, err := c.load(b)
	if err != nil {
		return Value{}, err
	}
	if x > math.MaxUint64-y {
		return Value{}, ErrOverflow
	}
	return c.store64(x + y)
}

// Sub implements Capability.
func (c *PlainCapability) Sub(a, b Value) (Value, error) {
	x, err := c.load(a)
	if err != nil {
		return Value{}, err
	}
	y, err := c.load(b)
	if err != nil {
		return Value{}, err
	}
	if y > x {
		return Value{}, ErrUnderflow
	}
	return c.store64(x - y)
}

// GreaterOrEqual implements Capability.
func (c *PlainCapability) GreaterOrEqual(a, b Value) (bool, error) {
	x, err := c.load(a)
	if err != nil {
		return false, err
	}
	y, err := c.load(b)
	if err != nil {
		return false, err
	}
	return x >= y, nil
}

// Grant implements Capability.
func (c *PlainCapability) Grant(v Value, principal [20]byte) error {
	if v.IsZero() {
		return nil
	}
	if _, err := c.load(v); err != nil {
		return err
	}
	return c.store.KVAppend(aclKey(v), principal[:])
}

// Allowed implements Capability.
func (c *PlainCapability) Allowed(v Value, principal [20]byte) (bool, error) {
	if v.IsZero() {
		return true, nil
	}
	if _, err := c.load(v); err != nil {
		return false, err
	}
	var acl [][]byte
	if err := c.store.KVGetList(aclKey(v), &acl); err != nil {
		return false, err
	}
	for _, entry := range acl {
		if len(entry) == len(principal) && [20]byte(entry) == principal {
			return true, nil
		}
	}
	return false, nil
}

// Decrypt implements Capability.
func (c *PlainCapability) Decrypt(v Value, principal [20]byte) (uint64, error) {
	ok, err := c.Allowed(v, principal)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrAccessDenied
	}
	return c.load(v)
}
