// Package confidential defines the opaque value capability consumed by the
// ledger and settlement engine, together with a plaintext-backed
// implementation used for development nodes and tests.
package confidential

import (
	"encoding/hex"
	"errors"
)

var (
	ErrUnknownValue = errors.New("confidential: unknown value handle")
	ErrAccessDenied = errors.New("confidential: principal not allowed on value")
	ErrOverflow     = errors.New("confidential: arithmetic overflow")
	ErrUnderflow    = errors.New("confidential: arithmetic underflow")
)

// Value is an opaque handle to an encrypted 64-bit quantity. The zero handle
// denotes an uninitialised value and evaluates as an encrypted zero.
type Value [32]byte

// IsZero reports whether the handle is uninitialised.
func (v Value) IsZero() bool { return v == Value{} }

// Hex renders the handle for transport.
func (v Value) Hex() string { return hex.EncodeToString(v[:]) }

// ParseValue decodes a hex handle, accepting an optional 0x prefix.
func ParseValue(raw string) (Value, error) {
	var out Value
	if len(raw) >= 2 && raw[0] == '0' && (raw[1] == 'x' || raw[1] == 'X') {
		raw = raw[2:]
	}
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return out, err
	}
	if len(decoded) != len(out) {
		return out, errors.New("confidential: handle must be 32 bytes")
	}
	copy(out[:], decoded)
	return out, nil
}

// Capability is the closed operation set available on confidential values.
// Arithmetic results carry an empty access list; callers grant access
// explicitly. Grants are append-only.
type Capability interface {
	Encrypt(plain uint64) (Value, error)
	Add(a, b Value) (Value, error)
	Sub(a, b Value) (Value, error)
	// GreaterOrEqual reveals only the boolean outcome of a >= b.
	GreaterOrEqual(a, b Value) (bool, error)
	Grant(v Value, principal [20]byte) error
	Allowed(v Value, principal [20]byte) (bool, error)
	// Decrypt returns the plaintext to a principal on the value's access list.
	Decrypt(v Value, principal [20]byte) (uint64, error)
}
