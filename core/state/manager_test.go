package state

import (
	"math/big"
	"testing"

	"cipherpool/storage"
)

type sampleRecord struct {
	Name   string
	Amount *big.Int
	Seq    uint64
}

func TestKVRoundTrip(t *testing.T) {
	db := storage.NewMemDB()
	mgr := NewManager(db)

	rec := sampleRecord{Name: "alpha", Amount: big.NewInt(42), Seq: 7}
	if err := mgr.KVPut([]byte("sample/alpha"), rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	var got sampleRecord
	ok, err := mgr.KVGet([]byte("sample/alpha"), &got)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Name != "alpha" || got.Amount.Cmp(big.NewInt(42)) != 0 || got.Seq != 7 {
		t.Fatalf("unexpected record: %+v", got)
	}
	if len(db.Export()) != 0 {
		t.Fatalf("writes must stay pending until commit")
	}
	if err := mgr.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(db.Export()) != 1 {
		t.Fatalf("expected one committed key, got %d", len(db.Export()))
	}

	reopened := NewManager(db)
	ok, err = reopened.KVGet([]byte("sample/alpha"), &got)
	if err != nil || !ok {
		t.Fatalf("get after commit: ok=%v err=%v", ok, err)
	}
}

func TestRevertToSnapshot(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	if err := mgr.KVPut([]byte("a"), uint64(1)); err != nil {
		t.Fatalf("put: %v", err)
	}
	snap := mgr.Snapshot()
	if err := mgr.KVPut([]byte("a"), uint64(2)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := mgr.KVPut([]byte("b"), uint64(3)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := mgr.KVDelete([]byte("a")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	mgr.RevertToSnapshot(snap)

	var value uint64
	ok, err := mgr.KVGet([]byte("a"), &value)
	if err != nil || !ok || value != 1 {
		t.Fatalf("expected a=1 after revert, got ok=%v value=%d err=%v", ok, value, err)
	}
	ok, err = mgr.KVGet([]byte("b"), &value)
	if err != nil || ok {
		t.Fatalf("expected b to be absent after revert, ok=%v err=%v", ok, err)
	}
}

func TestDeleteCommitted(t *testing.T) {
	db := storage.NewMemDB()
	mgr := NewManager(db)
	if err := mgr.KVPut([]byte("gone"), "value"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := mgr.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := mgr.KVDelete([]byte("gone")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := mgr.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(db.Export()) != 0 {
		t.Fatalf("expected key to be deleted from backend")
	}
}

func TestKVAppendDeduplicates(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	for _, v := range [][]byte{{1}, {2}, {1}} {
		if err := mgr.KVAppend([]byte("list"), v); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	var list [][]byte
	if err := mgr.KVGetList([]byte("list"), &list); err != nil {
		t.Fatalf("get list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(list))
	}

	var empty [][]byte
	if err := mgr.KVGetList([]byte("missing"), &empty); err != nil {
		t.Fatalf("get missing list: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty non-nil slice")
	}
}

func TestLevelDBPersistsCommittedState(t *testing.T) {
	dir := t.TempDir()
	db, err := storage.NewLevelDB(dir)
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	mgr := NewManager(db)
	if err := mgr.KVPut([]byte("counter"), uint64(9)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := mgr.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	db.Close()

	db2, err := storage.NewLevelDB(dir)
	if err != nil {
		t.Fatalf("reopen leveldb: %v", err)
	}
	defer db2.Close()
	var value uint64
	ok, err := NewManager(db2).KVGet([]byte("counter"), &value)
	if err != nil || !ok || value != 9 {
		t.Fatalf("expected persisted counter, ok=%v value=%d err=%v", ok, value, err)
	}
}
