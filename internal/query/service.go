package query

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Service provides read-only access to projection tables. The HTTP API
// serves queries from here rather than from the in-memory vault so reads
// never contend with the write path.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// GetBalance returns one counterparty's projected balances for an asset.
func (s *Service) GetBalance(
	ctx context.Context,
	counterparty common.Address,
	asset string,
) (*BalanceResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	resp := &BalanceResponse{
		Counterparty: counterparty,
		Asset:        asset,
		AsOfSequence: asOfSeq,
	}

	for _, q := range []struct {
		subType string
		dest    *int64
	}{
		{"position", &resp.Position},
		{"collateral", &resp.Collateral},
		{"pool_shares", &resp.PoolShares},
		{"bank", &resp.BankPaid},
	} {
		path := fmt.Sprintf("party:%s:%s:%s", counterparty.Hex(), q.subType, asset)
		bal, err := s.getProjectedBalance(ctx, path, asset)
		if err != nil {
			return nil, err
		}
		*q.dest = bal
	}

	return resp, nil
}

// GetPoolStats returns projected system-account balances for one pool.
func (s *Service) GetPoolStats(ctx context.Context, asset string) (*PoolStatsResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	resp := &PoolStatsResponse{Asset: asset, AsOfSequence: asOfSeq}

	for _, q := range []struct {
		subType string
		dest    *int64
	}{
		{"pool_underlying", &resp.TotalUnderlying},
		{"exit_fees", &resp.AccruedExitFees},
		{"reserve", &resp.Reserve},
	} {
		path := fmt.Sprintf("system:%s:%s", q.subType, asset)
		bal, err := s.getProjectedBalance(ctx, path, asset)
		if err != nil {
			return nil, err
		}
		*q.dest = bal
	}

	return resp, nil
}

// GetEpochHistory returns funding settlement history for a counterparty
// with cursor-based pagination.
func (s *Service) GetEpochHistory(
	ctx context.Context,
	counterparty common.Address,
	asset *string,
	limit int,
	afterSequence *int64,
) ([]EpochHistoryResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT sequence, request_id, counterparty, asset,
		       funding_fee, reserve_fee, yield_amount, settled_at
		FROM projections.epoch_history
		WHERE counterparty = $1
	`
	args := []interface{}{counterparty.Hex()}
	argIdx := 2

	if asset != nil {
		query += fmt.Sprintf(" AND asset = $%d", argIdx)
		args = append(args, *asset)
		argIdx++
	}

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []EpochHistoryResponse
	for rows.Next() {
		var h EpochHistoryResponse
		h.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&h.Sequence, &h.RequestID, &h.Counterparty, &h.Asset,
			&h.FundingFee, &h.ReserveFee, &h.YieldAmount, &h.SettledAt,
		); err != nil {
			return nil, err
		}
		history = append(history, h)
	}

	return history, rows.Err()
}

// GetJournalHistory returns journal entries touching a counterparty's
// accounts, newest first, with pagination.
func (s *Service) GetJournalHistory(
	ctx context.Context,
	counterparty common.Address,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("party:%s:%%", counterparty.Hex())

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity and global balance
// invariants over the whole event log.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT e1.sequence, e1.prev_hash, e2.state_hash
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND e1.prev_hash != COALESCE(e2.state_hash, e1.prev_hash)
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		var prevHash, expectedHash []byte
		if err := rows.Scan(&seq, &prevHash, &expectedHash); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Every journal entry debits and credits the same amount, so the
	// per-asset sum across all accounts must be zero.
	balanceRows, err := s.db.QueryContext(ctx, `
		SELECT asset, SUM(balance) as total
		FROM projections.balances
		GROUP BY asset
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var asset string
		var total int64
		if err := balanceRows.Scan(&asset, &total); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
			Asset:     asset,
			Imbalance: total,
		})
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (s *Service) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func (s *Service) getProjectedBalance(ctx context.Context, accountPath string, asset string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(balance, 0) FROM projections.balances
		WHERE account_path = $1 AND asset = $2
	`, accountPath, asset).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}
