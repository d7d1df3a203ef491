package state

import (
	"fmt"
	"sort"
	"time"

	"creditvault/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
)

// EpochInterval is the minimum spacing between funding settlements for one
// counterparty.
const EpochInterval = 8 * time.Hour

var ErrEpochUpdateInCoolDown = fmt.Errorf("epoch update in cooldown")

// EpochTracker records the last funding settlement per counterparty and
// enforces the settlement interval.
type EpochTracker struct {
	interval   time.Duration
	lastUpdate map[common.Address]int64 // unix seconds
}

func NewEpochTracker(interval time.Duration) *EpochTracker {
	if interval <= 0 {
		interval = EpochInterval
	}
	return &EpochTracker{
		interval:   interval,
		lastUpdate: make(map[common.Address]int64),
	}
}

func (e *EpochTracker) Interval() time.Duration { return e.interval }

func (e *EpochTracker) LastUpdate(counterparty common.Address) int64 {
	return e.lastUpdate[counterparty]
}

// Advance marks a funding settlement for the counterparty at now. It fails
// while the previous settlement is within the interval; a counterparty with
// no prior settlement advances immediately.
func (e *EpochTracker) Advance(tx *ledger.Txn, counterparty common.Address, now time.Time) error {
	last, had := e.lastUpdate[counterparty]
	if had && now.Unix() < last+int64(e.interval/time.Second) {
		next := time.Unix(last+int64(e.interval/time.Second), 0).UTC()
		return fmt.Errorf("%w: %s until %s", ErrEpochUpdateInCoolDown, counterparty.Hex(), next.Format(time.RFC3339))
	}

	tx.Record(func() {
		if had {
			e.lastUpdate[counterparty] = last
		} else {
			delete(e.lastUpdate, counterparty)
		}
	})
	e.lastUpdate[counterparty] = now.Unix()
	return nil
}

// EpochSnapshot captures the tracker for persistence.
type EpochSnapshot struct {
	IntervalSeconds int64                    `json:"intervalSeconds"`
	LastUpdate      map[common.Address]int64 `json:"lastUpdate"`
}

func (e *EpochTracker) Snapshot() EpochSnapshot {
	snap := EpochSnapshot{
		IntervalSeconds: int64(e.interval / time.Second),
		LastUpdate:      make(map[common.Address]int64, len(e.lastUpdate)),
	}
	for k, v := range e.lastUpdate {
		snap.LastUpdate[k] = v
	}
	return snap
}

// EpochFromSnapshot rebuilds a tracker from a persisted snapshot.
func EpochFromSnapshot(snap EpochSnapshot) *EpochTracker {
	e := NewEpochTracker(time.Duration(snap.IntervalSeconds) * time.Second)
	for k, v := range snap.LastUpdate {
		e.lastUpdate[k] = v
	}
	return e
}

// Pending returns counterparties whose interval has elapsed as of now,
// sorted for deterministic processing.
func (e *EpochTracker) Pending(now time.Time, counterparties []common.Address) []common.Address {
	out := make([]common.Address, 0, len(counterparties))
	for _, cp := range counterparties {
		last, had := e.lastUpdate[cp]
		if !had || now.Unix() >= last+int64(e.interval/time.Second) {
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out
}
