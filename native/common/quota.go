package common

import (
	"errors"
	"math"
)

var (
	ErrQuotaCallsExceeded   = errors.New("quota calls exceeded")
	ErrQuotaCreatesExceeded = errors.New("quota creates exceeded")
	ErrQuotaCounterOverflow = errors.New("quota counter overflow")
)

// QuotaNow captures the current quota usage counters for a caller.
type QuotaNow struct {
	Calls   uint32
	Creates uint32
	EpochID uint64
}

// Quota bounds the state-changing calls a single caller may issue per epoch.
// Zero limits are unlimited.
type Quota struct {
	MaxCallsPerEpoch   uint32
	MaxCreatesPerEpoch uint32
	EpochSeconds       uint32
}

// Enabled reports whether any limit is configured.
func (q Quota) Enabled() bool {
	return q.EpochSeconds > 0 && (q.MaxCallsPerEpoch > 0 || q.MaxCreatesPerEpoch > 0)
}

// Epoch maps a unix timestamp onto the quota epoch.
func (q Quota) Epoch(now int64) uint64 {
	if q.EpochSeconds == 0 || now <= 0 {
		return 0
	}
	return uint64(now) / uint64(q.EpochSeconds)
}

// CheckQuota verifies whether the additional calls and creations fit within
// the configured quota. The returned QuotaNow reflects the updated counters
// when the quota is not exceeded.
func CheckQuota(q Quota, nowEpoch uint64, prev QuotaNow, addCalls, addCreates uint32) (QuotaNow, error) {
	next := prev
	if prev.EpochID != nowEpoch {
		next = QuotaNow{EpochID: nowEpoch}
	}

	if addCalls > 0 {
		if next.Calls > math.MaxUint32-addCalls {
			return prev, ErrQuotaCounterOverflow
		}
		next.Calls += addCalls
	}
	if q.MaxCallsPerEpoch > 0 && next.Calls > q.MaxCallsPerEpoch {
		return prev, ErrQuotaCallsExceeded
	}

	if addCreates > 0 {
		if next.Creates > math.MaxUint32-addCreates {
			return prev, ErrQuotaCounterOverflow
		}
		next.Creates += addCreates
	}
	if q.MaxCreatesPerEpoch > 0 && next.Creates > q.MaxCreatesPerEpoch {
		return prev, ErrQuotaCreatesExceeded
	}

	return next, nil
}
