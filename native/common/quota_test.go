package common

import (
	"errors"
	"testing"
)

func TestCheckQuotaIntentLimit(t *testing.T) {
	q := Quota{MaxIntentsPerEpoch: 10}
	prev := QuotaNow{EpochID: 1}

	next, err := CheckQuota(q, 1, prev, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.Intents != 10 {
		t.Fatalf("unexpected intent count: %d", next.Intents)
	}

	denied, err := CheckQuota(q, 1, next, 1, 0)
	if !errors.Is(err, ErrQuotaIntentsExceeded) {
		t.Fatalf("expected ErrQuotaIntentsExceeded, got %v", err)
	}
	if denied != next {
		t.Fatalf("expected counters to remain unchanged on denial")
	}

	rollover, err := CheckQuota(q, 2, next, 1, 0)
	if err != nil {
		t.Fatalf("unexpected error after epoch rollover: %v", err)
	}
	if rollover.EpochID != 2 || rollover.Intents != 1 {
		t.Fatalf("unexpected state after rollover: %+v", rollover)
	}
}

func TestCheckQuotaVolume(t *testing.T) {
	q := Quota{MaxVolumePerEpoch: 1000}
	prev := QuotaNow{EpochID: 5}

	next, err := CheckQuota(q, 5, prev, 0, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.Volume != 1000 {
		t.Fatalf("unexpected volume: %d", next.Volume)
	}

	denied, err := CheckQuota(q, 5, next, 0, 1)
	if !errors.Is(err, ErrQuotaVolumeExceeded) {
		t.Fatalf("expected ErrQuotaVolumeExceeded, got %v", err)
	}
	if denied != next {
		t.Fatalf("expected counters to remain unchanged on denial")
	}

	rollover, err := CheckQuota(q, 6, next, 0, 500)
	if err != nil {
		t.Fatalf("unexpected error after epoch rollover: %v", err)
	}
	if rollover.Volume != 500 {
		t.Fatalf("unexpected volume after rollover: %d", rollover.Volume)
	}
}

func TestQuotaEpoch(t *testing.T) {
	q := Quota{EpochSeconds: 60}
	if got := q.Epoch(125); got != 2 {
		t.Fatalf("expected epoch 2, got %d", got)
	}
	if got := (Quota{}).Epoch(125); got != 0 {
		t.Fatalf("expected epoch 0 without length, got %d", got)
	}
}

func TestReentrancyGuard(t *testing.T) {
	var g ReentrancyGuard
	release, err := g.Enter()
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	if _, err := g.Enter(); !errors.Is(err, ErrReentrant) {
		t.Fatalf("expected ErrReentrant, got %v", err)
	}
	release()
	if g.Entered() {
		t.Fatalf("guard must be released")
	}
	release, err = g.Enter()
	if err != nil {
		t.Fatalf("re-enter after release: %v", err)
	}
	release()
}

func TestPausesGuard(t *testing.T) {
	p := NewPauses("pool")
	if err := Guard(p, "pool"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	p.Set("pool", false)
	if err := Guard(p, "pool"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Guard(nil, "pool"); err != nil {
		t.Fatalf("nil view must not block: %v", err)
	}
}
