package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix is the bech32 human-readable part of an address.
type AddressPrefix string

const (
	// ParticipantPrefix tags participant and authority addresses.
	ParticipantPrefix AddressPrefix = "cpl"
	// PoolPrefix tags pool-owned accounts such as the settlement account.
	PoolPrefix AddressPrefix = "cplpool"
)

var (
	ErrUnknownPrefix  = errors.New("crypto: unknown address prefix")
	ErrNotParticipant = errors.New("crypto: not a participant address")
)

func (p AddressPrefix) known() bool {
	return p == ParticipantPrefix || p == PoolPrefix
}

// Address is a 20-byte account tagged with its prefix.
type Address struct {
	prefix AddressPrefix
	raw    [20]byte
}

// NewAddress tags raw with prefix.
func NewAddress(prefix AddressPrefix, raw [20]byte) Address {
	return Address{prefix: prefix, raw: raw}
}

// String renders the bech32 form, or an empty string for an unknown prefix.
func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.raw[:], 8, 5, true)
	if err != nil {
		return ""
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		return ""
	}
	return encoded
}

// Array returns the raw account.
func (a Address) Array() [20]byte { return a.raw }

func (a Address) Prefix() AddressPrefix { return a.prefix }

// DecodeAddress parses a bech32 participant or pool address.
func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	if !AddressPrefix(prefix).known() {
		return Address{}, fmt.Errorf("%w: %q", ErrUnknownPrefix, prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	if len(conv) != 20 {
		return Address{}, fmt.Errorf("invalid address length %d", len(conv))
	}
	return NewAddress(AddressPrefix(prefix), [20]byte(conv)), nil
}

// ParseParticipant decodes an address that must carry the participant
// prefix. Pool accounts never act as callers or authorities.
func ParseParticipant(raw string) ([20]byte, error) {
	addr, err := DecodeAddress(raw)
	if err != nil {
		return [20]byte{}, err
	}
	if addr.prefix != ParticipantPrefix {
		return [20]byte{}, ErrNotParticipant
	}
	return addr.raw, nil
}

// FormatAddress renders a raw participant address in bech32 form. The zero
// address renders as an empty string.
func FormatAddress(addr [20]byte) string {
	if addr == ([20]byte{}) {
		return ""
	}
	return NewAddress(ParticipantPrefix, addr).String()
}

// PrivateKey is the node authority's secp256k1 key.
type PrivateKey struct {
	*ecdsa.PrivateKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Address derives the participant address controlled by the key.
func (k *PrivateKey) Address() Address {
	return NewAddress(ParticipantPrefix, crypto.PubkeyToAddress(k.PublicKey))
}
