// Package limiter gates ledger-triggered outbound asset movement with
// per (operator, asset) daily quotas.
package limiter

import (
	"fmt"
	"time"

	"creditvault/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
)

// ErrRebalanceLimitExceeded rejects an outbound movement above the daily cap.
var ErrRebalanceLimitExceeded = fmt.Errorf("rebalance limit exceeded")

const secondsPerDay = 86_400

// CapKey addresses one daily quota.
type CapKey struct {
	Operator common.Address
	Asset    string
}

// CapState is the stored quota cell. Limit == 0 means unlimited.
type CapState struct {
	Limit   int64 `json:"limit"`
	Used    int64 `json:"used"`
	LastDay int64 `json:"lastDay"`
}

// RebalanceLimiter tracks daily outbound quotas. The clock is injectable so
// day-boundary behavior is testable without real time.
type RebalanceLimiter struct {
	caps  map[CapKey]CapState
	clock func() time.Time
}

func NewRebalanceLimiter(clock func() time.Time) *RebalanceLimiter {
	if clock == nil {
		clock = time.Now
	}
	return &RebalanceLimiter{
		caps:  make(map[CapKey]CapState),
		clock: clock,
	}
}

func (l *RebalanceLimiter) set(tx *ledger.Txn, key CapKey, state CapState) {
	prev, had := l.caps[key]
	tx.Record(func() {
		if had {
			l.caps[key] = prev
		} else {
			delete(l.caps, key)
		}
	})
	l.caps[key] = state
}

// CheckAndConsume accounts an outbound movement against the operator's daily
// quota. Must be called, and succeed, before the transfer happens;
// enforcement precedes effect. The usage update rides the operation's undo
// log, so a failed operation does not burn quota.
func (l *RebalanceLimiter) CheckAndConsume(tx *ledger.Txn, operator common.Address, asset string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("rebalance amount must be positive, got %d", amount)
	}

	key := CapKey{Operator: operator, Asset: asset}
	state := l.caps[key]
	today := l.clock().Unix() / secondsPerDay

	if today > state.LastDay {
		state.Used = amount
		state.LastDay = today
	} else {
		state.Used += amount
	}

	if state.Limit != 0 && state.Used > state.Limit {
		return fmt.Errorf("%w: used=%d limit=%d (%s/%s)",
			ErrRebalanceLimitExceeded, state.Used, state.Limit, operator.Hex(), asset)
	}

	l.set(tx, key, state)
	return nil
}

// SetCap installs or replaces a cap, zeroing today's usage. Admin path.
func (l *RebalanceLimiter) SetCap(tx *ledger.Txn, operator common.Address, asset string, limit int64) error {
	if limit < 0 {
		return fmt.Errorf("rebalance limit must be non-negative, got %d", limit)
	}
	key := CapKey{Operator: operator, Asset: asset}
	l.set(tx, key, CapState{
		Limit:   limit,
		Used:    0,
		LastDay: l.clock().Unix() / secondsPerDay,
	})
	return nil
}

// Get returns the stored cap cell.
func (l *RebalanceLimiter) Get(operator common.Address, asset string) CapState {
	return l.caps[CapKey{Operator: operator, Asset: asset}]
}

// All returns every quota cell, for snapshots.
func (l *RebalanceLimiter) All() map[CapKey]CapState {
	out := make(map[CapKey]CapState, len(l.caps))
	for k, v := range l.caps {
		out[k] = v
	}
	return out
}

// Restore directly sets a cell during snapshot recovery.
func (l *RebalanceLimiter) Restore(key CapKey, state CapState) {
	l.caps[key] = state
}
