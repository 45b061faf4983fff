package confidential

import (
	"errors"
	"math"
	"testing"

	"cipherpool/core/state"
	"cipherpool/storage"
)

func newTestCapability() *PlainCapability {
	return NewPlainCapability(state.NewManager(storage.NewMemDB()))
}

func TestPlainArithmetic(t *testing.T) {
	c := newTestCapability()
	owner := [20]byte{0x01}

	a, err := c.Encrypt(700)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	b, err := c.Encrypt(300)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if a == b {
		t.Fatalf("handles must be unique")
	}
	sum, err := c.Add(a, b)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	diff, err := c.Sub(a, b)
	if err != nil {
		t.Fatalf("sub: %v", err)
	}
	if err := c.Grant(sum, owner); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := c.Grant(diff, owner); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if got, err := c.Decrypt(sum, owner); err != nil || got != 1000 {
		t.Fatalf("sum: got %d err %v", got, err)
	}
	if got, err := c.Decrypt(diff, owner); err != nil || got != 400 {
		t.Fatalf("diff: got %d err %v", got, err)
	}

	ge, err := c.GreaterOrEqual(b, a)
	if err != nil || ge {
		t.Fatalf("expected 300 >= 700 to be false, got %v err %v", ge, err)
	}
	ge, err = c.GreaterOrEqual(a, a)
	if err != nil || !ge {
		t.Fatalf("expected equality to satisfy >=, got %v err %v", ge, err)
	}
}

func TestPlainBounds(t *testing.T) {
	c := newTestCapability()
	small, _ := c.Encrypt(1)
	big, _ := c.Encrypt(math.MaxUint64)
	if _, err := c.Sub(small, big); !errors.Is(err, ErrUnderflow) {
		t.Fatalf("expected underflow, got %v", err)
	}
	if _, err := c.Add(small, big); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
}

func TestPlainAccessControl(t *testing.T) {
	c := newTestCapability()
	alice := [20]byte{0xA1}
	bob := [20]byte{0xB0}
	v, _ := c.Encrypt(55)
	if err := c.Grant(v, alice); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := c.Decrypt(v, bob); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected access denied for bob, got %v", err)
	}
	ok, err := c.Allowed(v, alice)
	if err != nil || !ok {
		t.Fatalf("alice should be allowed")
	}
	if _, err := c.Decrypt(Value{0x99}, alice); !errors.Is(err, ErrUnknownValue) {
		t.Fatalf("expected unknown value, got %v", err)
	}
}

func TestZeroHandleIsEncryptedZero(t *testing.T) {
	c := newTestCapability()
	v, _ := c.Encrypt(5)
	ge, err := c.GreaterOrEqual(Value{}, v)
	if err != nil || ge {
		t.Fatalf("zero handle should compare as 0")
	}
	sum, err := c.Add(Value{}, v)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := c.Grant(sum, [20]byte{1}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if got, _ := c.Decrypt(sum, [20]byte{1}); got != 5 {
		t.Fatalf("expected 5, got %d", got)
	}
}

func TestParseValue(t *testing.T) {
	c := newTestCapability()
	v, _ := c.Encrypt(9)
	parsed, err := ParseValue("0x" + v.Hex())
	if err != nil || parsed != v {
		t.Fatalf("round trip failed: %v", err)
	}
	if _, err := ParseValue("abcd"); err == nil {
		t.Fatalf("expected length error")
	}
}
