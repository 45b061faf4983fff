package intents

import (
	"errors"
	"path/filepath"
	"testing"

	"cipherpool/core/events"
	"cipherpool/core/state"
	"cipherpool/crypto/confidential"
	"cipherpool/native/common"
	"cipherpool/native/ledger"
	"cipherpool/native/registry"
	"cipherpool/storage"
)

var (
	authority = [20]byte{0xAA}
	alice     = [20]byte{0xA1}
	bob       = [20]byte{0xB0}
)

type harness struct {
	state    *state.Manager
	cap      *confidential.PlainCapability
	reg      *registry.Registry
	ledger   *ledger.Ledger
	coord    *Coordinator
	pool     *registry.Pool
	recorder *events.Recorder
	now      int64
}

func newHarness(t *testing.T, db storage.Database, provision bool) *harness {
	t.Helper()
	h := &harness{state: state.NewManager(db), now: 1_000}
	h.cap = confidential.NewPlainCapability(h.state)
	h.reg = registry.New(h.state)
	h.ledger = ledger.New(h.state, h.cap)
	pool, err := registry.NewPool("ETH", "USDC", authority, "", 1)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	h.pool = pool
	if _, err := h.reg.Pool(pool.ID); errors.Is(err, registry.ErrPoolNotFound) {
		if err := h.reg.Register(pool); err != nil {
			t.Fatalf("register: %v", err)
		}
		if provision {
			for _, instrument := range [][32]byte{pool.Instrument0, pool.Instrument1} {
				class := ledger.Class{Pool: pool.ID, Instrument: instrument, MintAuthority: pool.Escrow, Operator: pool.Escrow}
				if err := h.ledger.Provision(class); err != nil {
					t.Fatalf("provision: %v", err)
				}
			}
		}
	}
	h.coord = NewCoordinator(h.state, h.reg, h.ledger, h.cap)
	h.recorder = events.NewRecorder(0)
	h.coord.SetEmitter(h.recorder)
	h.coord.SetNowFunc(func() int64 { return h.now })
	return h
}

func (h *harness) handle(t *testing.T, plain uint64, owner [20]byte) confidential.Value {
	t.Helper()
	v, err := h.cap.Encrypt(plain)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if err := h.cap.Grant(v, owner); err != nil {
		t.Fatalf("grant: %v", err)
	}
	return v
}

func (h *harness) submit(t *testing.T, owner [20]byte, amount, direction uint64) [32]byte {
	t.Helper()
	id, err := h.coord.SubmitIntent(owner, h.pool.ID, h.handle(t, amount, owner), h.handle(t, direction, owner), 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return id
}

func TestSubmitOpensBatchAndGrantsAuthority(t *testing.T) {
	h := newHarness(t, storage.NewMemDB(), true)
	id := h.submit(t, alice, 500, 0)

	intent, err := h.coord.Intent(id)
	if err != nil {
		t.Fatalf("intent: %v", err)
	}
	if intent.Index != 0 || intent.Owner != alice || intent.Processed {
		t.Fatalf("unexpected intent: %+v", intent)
	}
	if intent.ID != IntentID(intent.Batch, alice, 0) {
		t.Fatalf("intent id must be derived deterministically")
	}
	batch, err := h.coord.CurrentBatch(h.pool.ID)
	if err != nil {
		t.Fatalf("current batch: %v", err)
	}
	if batch.Seq != 1 || batch.Status != BatchOpen || !batch.Contains(id) {
		t.Fatalf("unexpected batch: %+v", batch)
	}
	if got, err := h.cap.Decrypt(intent.Amount, authority); err != nil || got != 500 {
		t.Fatalf("authority decrypt amount: %d %v", got, err)
	}
	if got, err := h.cap.Decrypt(intent.Direction, authority); err != nil || got != 0 {
		t.Fatalf("authority decrypt direction: %d %v", got, err)
	}
	if _, err := h.cap.Decrypt(intent.Amount, bob); !errors.Is(err, confidential.ErrAccessDenied) {
		t.Fatalf("bystander must not decrypt, got %v", err)
	}
	if evts := h.recorder.Events(events.TypeIntentSubmitted); len(evts) != 1 {
		t.Fatalf("expected one intent event, got %d", len(evts))
	}

	second := h.submit(t, bob, 100, 1)
	batch, _ = h.coord.CurrentBatch(h.pool.ID)
	if len(batch.Intents) != 2 || batch.Intents[1] != second {
		t.Fatalf("second intent must join the open batch")
	}
}

func TestSubmitRequiresProvisionedClasses(t *testing.T) {
	h := newHarness(t, storage.NewMemDB(), false)
	_, err := h.coord.SubmitIntent(alice, h.pool.ID, h.handle(t, 1, alice), h.handle(t, 0, alice), 0)
	if !errors.Is(err, ledger.ErrTokenNotProvisioned) {
		t.Fatalf("expected ErrTokenNotProvisioned, got %v", err)
	}
	if _, err := h.coord.CurrentBatch(h.pool.ID); !errors.Is(err, ErrNoActiveBatch) {
		t.Fatalf("failed submission must not open a batch")
	}
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, storage.NewMemDB(), true)
	amount := h.handle(t, 10, alice)
	direction := h.handle(t, 1, alice)
	cases := []struct {
		name      string
		owner     [20]byte
		pool      [32]byte
		amount    confidential.Value
		direction confidential.Value
		expiry    uint64
		want      error
	}{
		{"zero owner", [20]byte{}, h.pool.ID, amount, direction, 0, ErrInvalidOwner},
		{"zero amount", alice, h.pool.ID, confidential.Value{}, direction, 0, ErrZeroAmount},
		{"zero direction", alice, h.pool.ID, amount, confidential.Value{}, 0, ErrInvalidDirection},
		{"unknown pool", alice, [32]byte{0x77}, amount, direction, 0, registry.ErrPoolNotFound},
		{"foreign handle", bob, h.pool.ID, amount, direction, 0, ledger.ErrValueNotAllowed},
		{"expired", alice, h.pool.ID, amount, direction, uint64(h.now), ErrIntentExpired},
	}
	for _, tc := range cases {
		_, err := h.coord.SubmitIntent(tc.owner, tc.pool, tc.amount, tc.direction, tc.expiry)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestSubmitQuota(t *testing.T) {
	h := newHarness(t, storage.NewMemDB(), true)
	h.coord.SetQuota(common.Quota{MaxIntentsPerEpoch: 2, EpochSeconds: 60})
	h.submit(t, alice, 1, 0)
	h.submit(t, alice, 1, 0)
	_, err := h.coord.SubmitIntent(alice, h.pool.ID, h.handle(t, 1, alice), h.handle(t, 0, alice), 0)
	if !errors.Is(err, common.ErrQuotaIntentsExceeded) {
		t.Fatalf("expected quota error, got %v", err)
	}
	h.submit(t, bob, 1, 0)
	h.now += 60
	h.submit(t, alice, 1, 0)
}

func TestFinalizeLifecycle(t *testing.T) {
	h := newHarness(t, storage.NewMemDB(), true)
	if _, err := h.coord.FinalizeBatch(h.pool.ID); !errors.Is(err, ErrNoActiveBatch) {
		t.Fatalf("expected ErrNoActiveBatch, got %v", err)
	}
	id := h.submit(t, alice, 5, 0)
	batch, err := h.coord.FinalizeBatch(h.pool.ID)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if batch.Status != BatchFinalized || batch.FinalizedAt != uint64(h.now) {
		t.Fatalf("unexpected finalized batch: %+v", batch)
	}
	if _, err := h.coord.FinalizeBatch(h.pool.ID); !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("repeat finalize: expected ErrAlreadyFinalized, got %v", err)
	}
	if err := h.coord.MarkProcessed(id); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	if err := h.coord.MarkProcessed(id); !errors.Is(err, ErrIntentAlreadyProcessed) {
		t.Fatalf("expected ErrIntentAlreadyProcessed, got %v", err)
	}
	if err := h.coord.MarkSettled(batch.ID); err != nil {
		t.Fatalf("mark settled: %v", err)
	}
	if err := h.coord.MarkSettled(batch.ID); !errors.Is(err, ErrBatchAlreadySettled) {
		t.Fatalf("expected ErrBatchAlreadySettled, got %v", err)
	}

	next := h.submit(t, bob, 5, 1)
	current, _ := h.coord.CurrentBatch(h.pool.ID)
	if current.Seq != 2 || current.ID == batch.ID || !current.Contains(next) {
		t.Fatalf("a fresh batch must open after finalize: %+v", current)
	}
	if err := h.coord.MarkSettled(current.ID); !errors.Is(err, ErrBatchNotFinalized) {
		t.Fatalf("expected ErrBatchNotFinalized, got %v", err)
	}
	if evts := h.recorder.Events(events.TypeBatchFinalized); len(evts) != 1 {
		t.Fatalf("expected one finalize event, got %d", len(evts))
	}
}

func TestBatchSequenceSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")
	db, err := storage.NewLevelDB(path)
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	h := newHarness(t, db, true)
	seen := make(map[uint64]bool)
	var last uint64
	for i := 0; i < 3; i++ {
		h.submit(t, alice, 1, 0)
		batch, err := h.coord.FinalizeBatch(h.pool.ID)
		if err != nil {
			t.Fatalf("finalize: %v", err)
		}
		if batch.Seq <= last || seen[batch.Seq] {
			t.Fatalf("sequence must strictly increase: %d after %d", batch.Seq, last)
		}
		seen[batch.Seq] = true
		last = batch.Seq
	}
	if err := h.state.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	db.Close()

	reopened, err := storage.NewLevelDB(path)
	if err != nil {
		t.Fatalf("reopen leveldb: %v", err)
	}
	defer reopened.Close()
	h2 := newHarness(t, reopened, true)
	h2.submit(t, bob, 1, 1)
	batch, err := h2.coord.FinalizeBatch(h2.pool.ID)
	if err != nil {
		t.Fatalf("finalize after restart: %v", err)
	}
	if batch.Seq != last+1 {
		t.Fatalf("expected seq %d after restart, got %d", last+1, batch.Seq)
	}
	if _, err := h2.coord.BatchBySeq(h2.pool.ID, 1); err != nil {
		t.Fatalf("earlier batches must persist: %v", err)
	}
}
