package intents

import (
	"errors"
	"fmt"
	"time"

	"cipherpool/core/events"
	"cipherpool/crypto/confidential"
	"cipherpool/native/common"
	"cipherpool/native/ledger"
	"cipherpool/native/registry"
)

var errNilState = errors.New("intents: state not configured")

// Storage abstracts the subset of state manager functionality required by the
// coordinator.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
}

// PoolSource resolves pool definitions.
type PoolSource interface {
	Pool(id [32]byte) (*registry.Pool, error)
}

// ClassSource reports whether a pool instrument has a ledger account class.
type ClassSource interface {
	Provisioned(pool, instrument [32]byte) bool
}

// Coordinator owns intent and batch records and drives the per-pool batch
// state machine: no batch, Open, Finalized, Settled.
type Coordinator struct {
	store   Storage
	pools   PoolSource
	classes ClassSource
	cap     confidential.Capability
	emitter events.Emitter
	quota   common.Quota
	nowFn   func() int64
}

// NewCoordinator wires the coordinator to its collaborators.
func NewCoordinator(store Storage, pools PoolSource, classes ClassSource, capability confidential.Capability) *Coordinator {
	return &Coordinator{
		store:   store,
		pools:   pools,
		classes: classes,
		cap:     capability,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetEmitter configures the event emitter used for intent and batch events.
func (c *Coordinator) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		c.emitter = events.NoopEmitter{}
		return
	}
	c.emitter = emitter
}

// SetNowFunc overrides the clock used for timestamps and expiry checks.
func (c *Coordinator) SetNowFunc(now func() int64) {
	if now == nil {
		c.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	c.nowFn = now
}

// SetQuota configures the per-owner submission quota.
func (c *Coordinator) SetQuota(q common.Quota) { c.quota = q }

func (c *Coordinator) now() uint64 {
	if c.nowFn == nil {
		return uint64(time.Now().Unix())
	}
	ts := c.nowFn()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

func (c *Coordinator) ready() error {
	if c == nil || c.store == nil {
		return errNilState
	}
	return nil
}

// SubmitIntent admits an intent into the pool's open batch, opening a new
// batch when none is active. The pool settlement authority is granted access
// to the amount and direction handles; nobody else is.
func (c *Coordinator) SubmitIntent(owner [20]byte, poolID [32]byte, amount, direction confidential.Value, expiry uint64) ([32]byte, error) {
	if err := c.ready(); err != nil {
		return [32]byte{}, err
	}
	if owner == ([20]byte{}) {
		return [32]byte{}, ErrInvalidOwner
	}
	if amount.IsZero() {
		return [32]byte{}, ErrZeroAmount
	}
	if direction.IsZero() {
		return [32]byte{}, ErrInvalidDirection
	}
	pool, err := c.pools.Pool(poolID)
	if err != nil {
		return [32]byte{}, err
	}
	if !c.classes.Provisioned(pool.ID, pool.Instrument0) || !c.classes.Provisioned(pool.ID, pool.Instrument1) {
		return [32]byte{}, ledger.ErrTokenNotProvisioned
	}
	for _, handle := range []confidential.Value{amount, direction} {
		ok, err := c.cap.Allowed(handle, owner)
		if err != nil {
			return [32]byte{}, err
		}
		if !ok {
			return [32]byte{}, ledger.ErrValueNotAllowed
		}
	}
	now := c.now()
	if expiry != 0 && expiry <= now {
		return [32]byte{}, ErrIntentExpired
	}
	if err := c.consumeQuota(owner, now); err != nil {
		return [32]byte{}, err
	}

	batch, err := c.openBatch(pool.ID, now)
	if err != nil {
		return [32]byte{}, err
	}
	index := uint32(len(batch.Intents))
	intent := &Intent{
		ID:        IntentID(batch.ID, owner, index),
		Pool:      pool.ID,
		Batch:     batch.ID,
		Index:     index,
		Owner:     owner,
		Amount:    amount,
		Direction: direction,
		Expiry:    expiry,
		CreatedAt: now,
	}
	if err := c.cap.Grant(amount, pool.Authority); err != nil {
		return [32]byte{}, err
	}
	if err := c.cap.Grant(direction, pool.Authority); err != nil {
		return [32]byte{}, err
	}
	if err := c.store.KVPut(intentKey(intent.ID), intent); err != nil {
		return [32]byte{}, err
	}
	batch.Intents = append(batch.Intents, intent.ID)
	if err := c.store.KVPut(batchKey(batch.ID), batch); err != nil {
		return [32]byte{}, err
	}
	c.emitter.Emit(events.IntentSubmitted{
		Intent: intent.ID,
		Pool:   pool.ID,
		Batch:  batch.ID,
		Seq:    batch.Seq,
		Index:  index,
		Owner:  owner,
		Expiry: expiry,
	})
	return intent.ID, nil
}

func (c *Coordinator) consumeQuota(owner [20]byte, now uint64) error {
	if c.quota.MaxIntentsPerEpoch == 0 {
		return nil
	}
	var usage common.QuotaNow
	if _, err := c.store.KVGet(quotaKey(owner), &usage); err != nil {
		return err
	}
	next, err := common.CheckQuota(c.quota, c.quota.Epoch(int64(now)), usage, 1, 0)
	if err != nil {
		return err
	}
	return c.store.KVPut(quotaKey(owner), next)
}

// openBatch returns the pool's open batch, creating the next one in sequence
// when none is active. The sequence counter is persisted so numbers are never
// reused.
func (c *Coordinator) openBatch(pool [32]byte, now uint64) (*Batch, error) {
	current, ok, err := c.currentID(pool)
	if err != nil {
		return nil, err
	}
	if ok {
		batch, err := c.Batch(current)
		if err != nil {
			return nil, err
		}
		if batch.Status != BatchOpen {
			return nil, fmt.Errorf("intents: current batch %x is %s", current, batch.Status)
		}
		return batch, nil
	}
	seq, err := c.LatestSeq(pool)
	if err != nil {
		return nil, err
	}
	seq++
	batch := &Batch{
		ID:       BatchID(pool, seq),
		Pool:     pool,
		Seq:      seq,
		Status:   BatchOpen,
		OpenedAt: now,
	}
	if err := c.store.KVPut(seqKey(pool), seq); err != nil {
		return nil, err
	}
	if err := c.store.KVPut(currentKey(pool), batch.ID); err != nil {
		return nil, err
	}
	return batch, nil
}

func (c *Coordinator) currentID(pool [32]byte) ([32]byte, bool, error) {
	var id [32]byte
	ok, err := c.store.KVGet(currentKey(pool), &id)
	if err != nil {
		return [32]byte{}, false, err
	}
	return id, ok, nil
}

// FinalizeBatch closes the pool's open batch to new intents. Anyone may call
// it once the batch holds at least one intent.
func (c *Coordinator) FinalizeBatch(poolID [32]byte) (*Batch, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if _, err := c.pools.Pool(poolID); err != nil {
		return nil, err
	}
	current, ok, err := c.currentID(poolID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, c.noOpenBatch(poolID)
	}
	batch, err := c.Batch(current)
	if err != nil {
		return nil, err
	}
	if batch.Status != BatchOpen {
		return nil, ErrAlreadyFinalized
	}
	if len(batch.Intents) == 0 {
		return nil, ErrNoActiveBatch
	}
	batch.Status = BatchFinalized
	batch.FinalizedAt = c.now()
	if err := c.store.KVPut(batchKey(batch.ID), batch); err != nil {
		return nil, err
	}
	if err := c.store.KVDelete(currentKey(poolID)); err != nil {
		return nil, err
	}
	c.emitter.Emit(events.BatchFinalized{Batch: batch.ID, Pool: poolID, Seq: batch.Seq, Intents: len(batch.Intents)})
	return batch.Clone(), nil
}

// noOpenBatch explains a finalize without an open batch: a repeat call after
// the latest batch closed reports ErrAlreadyFinalized.
func (c *Coordinator) noOpenBatch(poolID [32]byte) error {
	seq, err := c.LatestSeq(poolID)
	if err != nil {
		return err
	}
	if seq == 0 {
		return ErrNoActiveBatch
	}
	latest, err := c.Batch(BatchID(poolID, seq))
	if err != nil {
		return err
	}
	if latest.Status != BatchOpen {
		return ErrAlreadyFinalized
	}
	return ErrNoActiveBatch
}

// MarkProcessed flags an intent as settled. It fails on a second call.
func (c *Coordinator) MarkProcessed(id [32]byte) error {
	intent, err := c.Intent(id)
	if err != nil {
		return err
	}
	if intent.Processed {
		return ErrIntentAlreadyProcessed
	}
	intent.Processed = true
	return c.store.KVPut(intentKey(id), intent)
}

// MarkSettled moves a finalized batch to its terminal state.
func (c *Coordinator) MarkSettled(id [32]byte) error {
	batch, err := c.Batch(id)
	if err != nil {
		return err
	}
	switch batch.Status {
	case BatchFinalized:
	case BatchSettled:
		return ErrBatchAlreadySettled
	default:
		return ErrBatchNotFinalized
	}
	batch.Status = BatchSettled
	batch.SettledAt = c.now()
	return c.store.KVPut(batchKey(id), batch)
}

// Batch loads a batch by id.
func (c *Coordinator) Batch(id [32]byte) (*Batch, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	var batch Batch
	ok, err := c.store.KVGet(batchKey(id), &batch)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBatchNotFound
	}
	return &batch, nil
}

// BatchBySeq loads the seq-th batch of a pool.
func (c *Coordinator) BatchBySeq(pool [32]byte, seq uint64) (*Batch, error) {
	return c.Batch(BatchID(pool, seq))
}

// CurrentBatch returns the pool's open batch, or ErrNoActiveBatch.
func (c *Coordinator) CurrentBatch(pool [32]byte) (*Batch, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	current, ok, err := c.currentID(pool)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoActiveBatch
	}
	return c.Batch(current)
}

// LatestSeq returns the highest batch sequence number ever opened for the
// pool, zero when none.
func (c *Coordinator) LatestSeq(pool [32]byte) (uint64, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}
	var seq uint64
	if _, err := c.store.KVGet(seqKey(pool), &seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// Intent loads an intent by id.
func (c *Coordinator) Intent(id [32]byte) (*Intent, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	var intent Intent
	ok, err := c.store.KVGet(intentKey(id), &intent)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrIntentNotFound
	}
	return &intent, nil
}
