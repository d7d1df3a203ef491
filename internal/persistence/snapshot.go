package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"creditvault/internal/core"
	"creditvault/internal/event"

	"github.com/google/uuid"
)

// SnapshotStore persists and loads full vault state snapshots. On warm
// restart the latest verified snapshot loads first, then the event log
// replays from snapshot.sequence+1.
type SnapshotStore struct {
	db *sql.DB
}

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Save persists one snapshot. Saving is idempotent per sequence.
func (s *SnapshotStore) Save(ctx context.Context, snap *core.SnapshotState) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $5
	`, uuid.New(), snap.Sequence, data, snap.StateHash[:], len(data), time.Now().UTC())

	return err
}

// LoadLatest loads the most recent verified snapshot, or nil on cold start.
func (s *SnapshotStore) LoadLatest(ctx context.Context) (*core.SnapshotState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap core.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified flags a snapshot after a successful replay check against the
// state-hash chain.
func (s *SnapshotStore) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEnvelopesFrom streams envelopes from a sequence for replay.
func (s *SnapshotStore) LoadEnvelopesFrom(ctx context.Context, fromSequence int64, limit int) ([]*event.Envelope, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, asset, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var envelopes []*event.Envelope
	for rows.Next() {
		var (
			env       event.Envelope
			typeName  string
			stateHash []byte
			prevHash  []byte
		)
		if err := rows.Scan(
			&env.Sequence, &typeName, &env.IdempotencyKey, &env.Asset,
			&env.Payload, &stateHash, &prevHash, &env.Timestamp, &env.SourceSequence,
		); err != nil {
			return nil, err
		}
		env.EventType = eventTypeFromName(typeName)
		copy(env.StateHash[:], stateHash)
		copy(env.PrevHash[:], prevHash)
		envelopes = append(envelopes, &env)
	}
	return envelopes, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, or 0 for
// an empty log.
func (s *SnapshotStore) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// LoadRecentIdempotencyKeys returns composite dedup keys for LRU warming.
func (s *SnapshotStore) LoadRecentIdempotencyKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type, idempotency_key
		FROM event_log.events
		ORDER BY sequence DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var eventType, key string
		if err := rows.Scan(&eventType, &key); err != nil {
			return nil, err
		}
		keys = append(keys, eventType+":"+key)
	}
	return keys, rows.Err()
}

var eventTypeNames = func() map[string]event.EventType {
	m := make(map[string]event.EventType)
	for t := event.EventTypeTradeOpen; t <= event.EventTypeSignerSet; t++ {
		m[t.String()] = t
	}
	return m
}()

func eventTypeFromName(name string) event.EventType {
	if t, ok := eventTypeNames[name]; ok {
		return t
	}
	return event.EventTypeUnknown
}
