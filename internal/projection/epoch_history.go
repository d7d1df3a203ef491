package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"creditvault/internal/event"
)

// EpochHistory maintains a queryable record of funding settlements and
// yield distributions per counterparty and asset.
type EpochHistory struct {
	db *sql.DB
}

func NewEpochHistory(db *sql.DB) *EpochHistory {
	return &EpochHistory{db: db}
}

// Apply records epoch settlement entries from one applied event. Events of
// other types are ignored.
func (h *EpochHistory) Apply(ctx context.Context, tx *sql.Tx, env *event.Envelope, payload []byte) error {
	switch env.EventType {
	case event.EventTypeEpochSettled:
		var evt event.EpochSettled
		if err := json.Unmarshal(payload, &evt); err != nil {
			return fmt.Errorf("decode epoch payload: %w", err)
		}
		// The funding fee is what reached the pool as yield for the entry.
		for _, entry := range evt.Entries {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO projections.epoch_history
					(sequence, request_id, counterparty, asset, funding_fee, reserve_fee, yield_amount, settled_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (sequence, counterparty, asset) DO NOTHING
			`, env.Sequence, evt.RequestID, entry.Counterparty.Hex(), entry.Asset,
				entry.FundingFee, entry.ReserveFee, entry.FundingFee, evt.Timestamp); err != nil {
				return err
			}
		}
		return nil

	case event.EventTypeYieldDistributed:
		var evt event.YieldDistributed
		if err := json.Unmarshal(payload, &evt); err != nil {
			return fmt.Errorf("decode yield payload: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.epoch_history
				(sequence, request_id, counterparty, asset, funding_fee, reserve_fee, yield_amount, settled_at)
			VALUES ($1, $2, $3, $4, 0, 0, $5, $6)
			ON CONFLICT (sequence, counterparty, asset) DO NOTHING
		`, env.Sequence, evt.RequestID, evt.Caller.Hex(), evt.Asset, evt.Amount, evt.Timestamp)
		return err

	default:
		return nil
	}
}

// EpochHistoryRow is one settled epoch line for a counterparty and asset.
type EpochHistoryRow struct {
	Sequence     int64  `json:"sequence"`
	RequestID    string `json:"requestId"`
	Counterparty string `json:"counterparty"`
	Asset        string `json:"asset"`
	FundingFee   int64  `json:"fundingFee"`
	ReserveFee   int64  `json:"reserveFee"`
	YieldAmount  int64  `json:"yieldAmount"`
	SettledAt    string `json:"settledAt"`
}

// QueryByCounterparty returns the most recent epoch settlements for one
// counterparty, newest first.
func (h *EpochHistory) QueryByCounterparty(ctx context.Context, counterparty string, limit int) ([]EpochHistoryRow, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT sequence, request_id, counterparty, asset,
		       funding_fee, reserve_fee, yield_amount, settled_at
		FROM projections.epoch_history
		WHERE counterparty = $1
		ORDER BY sequence DESC
		LIMIT $2
	`, counterparty, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EpochHistoryRow
	for rows.Next() {
		var r EpochHistoryRow
		if err := rows.Scan(&r.Sequence, &r.RequestID, &r.Counterparty, &r.Asset,
			&r.FundingFee, &r.ReserveFee, &r.YieldAmount, &r.SettledAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RebuildEpochHistory repopulates the epoch history table from the event log.
func RebuildEpochHistory(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `
		SELECT sequence, event_type, payload
		FROM event_log.events
		WHERE event_type IN ('EpochSettled', 'YieldDistributed')
		ORDER BY sequence ASC
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	type logRow struct {
		sequence  int64
		eventType string
		payload   []byte
	}
	var log []logRow
	for rows.Next() {
		var r logRow
		if err := rows.Scan(&r.sequence, &r.eventType, &r.payload); err != nil {
			return err
		}
		log = append(log, r)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	h := NewEpochHistory(db)
	for _, r := range log {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		env := &event.Envelope{Sequence: r.sequence}
		switch r.eventType {
		case event.EventTypeEpochSettled.String():
			env.EventType = event.EventTypeEpochSettled
		case event.EventTypeYieldDistributed.String():
			env.EventType = event.EventTypeYieldDistributed
		}
		if err := h.Apply(ctx, tx, env, r.payload); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}
