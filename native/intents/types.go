package intents

import (
	"encoding/binary"
	"errors"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"cipherpool/crypto/confidential"
)

var (
	ErrNoActiveBatch          = errors.New("intents: no active batch")
	ErrAlreadyFinalized       = errors.New("intents: batch already finalized")
	ErrBatchNotFound          = errors.New("intents: batch not found")
	ErrBatchNotFinalized      = errors.New("intents: batch not finalized")
	ErrBatchAlreadySettled    = errors.New("intents: batch already settled")
	ErrIntentNotFound         = errors.New("intents: intent not found")
	ErrIntentAlreadyProcessed = errors.New("intents: intent already processed")
	ErrIntentExpired          = errors.New("intents: intent expired")
	ErrInvalidOwner           = errors.New("intents: owner required")
	ErrZeroAmount             = errors.New("intents: amount handle required")
	ErrInvalidDirection       = errors.New("intents: direction handle required")
)

// BatchStatus enumerates the batch lifecycle. Transitions only move forward.
type BatchStatus uint8

const (
	BatchOpen BatchStatus = iota + 1
	BatchFinalized
	BatchSettled
)

func (s BatchStatus) String() string {
	switch s {
	case BatchOpen:
		return "open"
	case BatchFinalized:
		return "finalized"
	case BatchSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// Intent is one participant's confidential swap request. Amount and Direction
// are opaque; direction 0 sells instrument0 and 1 sells instrument1.
type Intent struct {
	ID        [32]byte
	Pool      [32]byte
	Batch     [32]byte
	Index     uint32
	Owner     [20]byte
	Amount    confidential.Value
	Direction confidential.Value
	Expiry    uint64
	Processed bool
	CreatedAt uint64
}

// Expired reports whether the intent's expiry has passed at now. A zero expiry
// never expires.
func (i *Intent) Expired(now uint64) bool {
	return i != nil && i.Expiry != 0 && now >= i.Expiry
}

// Batch groups intents that finalize and settle together.
type Batch struct {
	ID          [32]byte
	Pool        [32]byte
	Seq         uint64
	Intents     [][32]byte
	Status      BatchStatus
	OpenedAt    uint64
	FinalizedAt uint64
	SettledAt   uint64
}

// Clone returns a deep copy of the batch.
func (b *Batch) Clone() *Batch {
	if b == nil {
		return nil
	}
	clone := *b
	clone.Intents = append([][32]byte(nil), b.Intents...)
	return &clone
}

// Contains reports whether the intent was admitted to the batch.
func (b *Batch) Contains(id [32]byte) bool {
	if b == nil {
		return false
	}
	for _, existing := range b.Intents {
		if existing == id {
			return true
		}
	}
	return false
}

// BatchID derives the identifier of the seq-th batch of a pool.
func BatchID(pool [32]byte, seq uint64) [32]byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return ethcrypto.Keccak256Hash([]byte("batch"), pool[:], buf[:])
}

// IntentID derives the identifier of an intent from its batch placement.
func IntentID(batch [32]byte, owner [20]byte, index uint32) [32]byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], index)
	return ethcrypto.Keccak256Hash([]byte("intent"), batch[:], owner[:], buf[:])
}
