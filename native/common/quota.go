package common

import (
	"errors"
	"math"
)

var (
	ErrQuotaIntentsExceeded = errors.New("quota intents exceeded")
	ErrQuotaVolumeExceeded  = errors.New("quota volume cap exceeded")
	ErrQuotaCounterOverflow = errors.New("quota counter overflow")
)

// QuotaNow captures the current quota usage counters for a participant.
type QuotaNow struct {
	Intents uint32
	Volume  uint64
	EpochID uint64
}

// Quota defines the limits enforced per participant and epoch. Volume counts
// plaintext collateral deposited; intent amounts are opaque and only counted.
type Quota struct {
	MaxIntentsPerEpoch uint32
	MaxVolumePerEpoch  uint64
	EpochSeconds       uint32
}

// Epoch maps a unix timestamp onto the quota epoch. A zero epoch length puts
// every call in epoch zero.
func (q Quota) Epoch(unix int64) uint64 {
	if q.EpochSeconds == 0 || unix <= 0 {
		return 0
	}
	return uint64(unix) / uint64(q.EpochSeconds)
}

// CheckQuota verifies whether the additional intents and volume fit within the
// configured quota. The returned QuotaNow reflects the updated counters when the
// quota is not exceeded.
func CheckQuota(q Quota, nowEpoch uint64, prev QuotaNow, addIntents uint32, addVolume uint64) (QuotaNow, error) {
	next := prev
	if prev.EpochID != nowEpoch {
		next = QuotaNow{EpochID: nowEpoch}
	}

	if addIntents > 0 {
		if next.Intents > math.MaxUint32-addIntents {
			return prev, ErrQuotaCounterOverflow
		}
		next.Intents += addIntents
	}
	if q.MaxIntentsPerEpoch > 0 && next.Intents > q.MaxIntentsPerEpoch {
		return prev, ErrQuotaIntentsExceeded
	}

	if addVolume > 0 {
		if next.Volume > math.MaxUint64-addVolume {
			return prev, ErrQuotaCounterOverflow
		}
		next.Volume += addVolume
	}
	if q.MaxVolumePerEpoch > 0 && next.Volume > q.MaxVolumePerEpoch {
		return prev, ErrQuotaVolumeExceeded
	}

	return next, nil
}
