package crypto

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/accounts/keystore"
)

func init() {
	scryptN, scryptP = keystore.LightScryptN, keystore.LightScryptP
}

func TestAddressRoundTrip(t *testing.T) {
	raw := [20]byte{0x01, 0x02, 19: 0xff}
	encoded := FormatAddress(raw)
	if !strings.HasPrefix(encoded, string(ParticipantPrefix)+"1") {
		t.Fatalf("unexpected prefix in %s", encoded)
	}
	decoded, err := DecodeAddress(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Array() != raw || decoded.Prefix() != ParticipantPrefix {
		t.Fatalf("round trip mismatch")
	}
	if FormatAddress([20]byte{}) != "" {
		t.Fatalf("zero address must render empty")
	}
	if _, err := DecodeAddress("cpl1invalid"); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestPoolPrefix(t *testing.T) {
	addr := NewAddress(PoolPrefix, [20]byte{})
	if !strings.HasPrefix(addr.String(), "cplpool1") {
		t.Fatalf("unexpected pool address %s", addr)
	}
}

func TestKeystoreLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "authority.keystore")
	key, created, err := LoadOrCreate(path, "pass")
	if err != nil || !created {
		t.Fatalf("create: created=%v err=%v", created, err)
	}
	again, created, err := LoadOrCreate(path, "pass")
	if err != nil || created {
		t.Fatalf("reload: created=%v err=%v", created, err)
	}
	if again.Address().String() != key.Address().String() {
		t.Fatalf("reloaded key differs")
	}
	if _, _, err := LoadOrCreate(path, "wrong"); err == nil {
		t.Fatalf("expected passphrase error")
	}
}

func TestParseParticipant(t *testing.T) {
	raw := [20]byte{0xA1}
	got, err := ParseParticipant(FormatAddress(raw))
	if err != nil || got != raw {
		t.Fatalf("participant: got %x err %v", got, err)
	}
	pool := NewAddress(PoolPrefix, raw).String()
	if _, err := ParseParticipant(pool); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant for a pool account, got %v", err)
	}
	decoded, err := DecodeAddress(pool)
	if err != nil || decoded.Prefix() != PoolPrefix {
		t.Fatalf("pool accounts must still decode: %v", err)
	}
	foreign, err := bech32.ConvertBits(raw[:], 8, 5, true)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	encoded, err := bech32.Encode("nhb", foreign)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeAddress(encoded); !errors.Is(err, ErrUnknownPrefix) {
		t.Fatalf("expected ErrUnknownPrefix, got %v", err)
	}
}

func TestGeneratedKeyAddress(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	addr := key.Address()
	if addr.Prefix() != ParticipantPrefix || addr.Array() == ([20]byte{}) {
		t.Fatalf("unexpected key address %s", addr)
	}
	if got, err := ParseParticipant(addr.String()); err != nil || got != addr.Array() {
		t.Fatalf("key address must parse as a participant: %v", err)
	}
}
