package persistence_test

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"creditvault/internal/core"
	"creditvault/internal/event"
	"creditvault/internal/ledger"
	"creditvault/internal/persistence"
	"creditvault/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var testCounterparty = common.HexToAddress("0x2222222222222222222222222222222222222222")

func setupEventLog(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	testutil.RequireIntegration(t)

	db, cleanup := testutil.SetupTestDB(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx); err != nil {
		cleanup()
		t.Fatalf("migrate up: %v", err)
	}
	return db, cleanup
}

// makeOutput builds one trade output with a hash chained off prev.
func makeOutput(seq int64, prev [32]byte) core.Output {
	asset := "WETH"
	ts := time.Unix(1_700_000_000+seq, 0).UTC()

	evt := &event.TradeOpen{
		TradeID:       uuid.New(),
		Venue:         common.HexToAddress("0x7777777777777777777777777777777777777777"),
		Counterparty:  testCounterparty,
		AssetOut:      asset,
		AmountOut:     100 + seq,
		VenueSequence: seq,
		Timestamp:     ts,
	}
	payload, _ := json.Marshal(evt)

	batch := ledger.NewBatch(evt.IdempotencyKey(), seq, ts.UnixMicro())
	batch.Add(ledger.JournalTypeTradeOpen,
		ledger.NewPartyAccountKey(testCounterparty, ledger.SubTypePosition, asset),
		ledger.NewExternalAccountKey(asset),
		asset, 100+seq)

	env := &event.Envelope{
		Sequence:       seq,
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      event.EventTypeTradeOpen,
		Asset:          &asset,
		Timestamp:      ts,
		SourceSequence: seq,
		Payload:        payload,
		StateHash:      sha256.Sum256(append(prev[:], payload...)),
		PrevHash:       prev,
	}
	return core.Output{Envelope: env, Batch: batch, Payload: payload}
}

func runWorker(t *testing.T, db *sql.DB, outputs []core.Output) {
	t.Helper()
	ch := make(chan core.Output, len(outputs))
	for _, out := range outputs {
		ch <- out
	}
	close(ch)

	worker := persistence.NewWorker(db, ch, 2, 100*time.Millisecond, nil, zerolog.Nop())
	if err := worker.Run(context.Background()); err != nil {
		t.Fatalf("worker run: %v", err)
	}
}

func TestWorker_WriteAndReplayRoundTrip(t *testing.T) {
	db, cleanup := setupEventLog(t)
	defer cleanup()
	ctx := context.Background()

	var prev [32]byte
	outputs := make([]core.Output, 0, 3)
	for seq := int64(0); seq < 3; seq++ {
		out := makeOutput(seq, prev)
		prev = out.Envelope.StateHash
		outputs = append(outputs, out)
	}
	runWorker(t, db, outputs)

	store := persistence.NewSnapshotStore(db)
	envs, err := store.LoadEnvelopesFrom(ctx, 0, 10)
	if err != nil {
		t.Fatalf("load envelopes: %v", err)
	}
	if len(envs) != 3 {
		t.Fatalf("expected 3 envelopes, got %d", len(envs))
	}
	for i, env := range envs {
		want := outputs[i].Envelope
		if env.Sequence != want.Sequence {
			t.Errorf("envelope %d: sequence %d, want %d", i, env.Sequence, want.Sequence)
		}
		if env.EventType != event.EventTypeTradeOpen {
			t.Errorf("envelope %d: event type %v", i, env.EventType)
		}
		if env.StateHash != want.StateHash || env.PrevHash != want.PrevHash {
			t.Errorf("envelope %d: hash mismatch after round trip", i)
		}
		if string(env.Payload) != string(want.Payload) {
			t.Errorf("envelope %d: payload mismatch", i)
		}
		if !env.Timestamp.Equal(want.Timestamp) {
			t.Errorf("envelope %d: timestamp %v, want %v", i, env.Timestamp, want.Timestamp)
		}
	}

	tip, err := store.GetLatestSequence(ctx)
	if err != nil {
		t.Fatalf("latest sequence: %v", err)
	}
	if tip != 2 {
		t.Errorf("expected tip 2, got %d", tip)
	}

	var journalCount int
	if err := db.QueryRow("SELECT COUNT(*) FROM event_log.journal").Scan(&journalCount); err != nil {
		t.Fatalf("count journals: %v", err)
	}
	if journalCount != 3 {
		t.Errorf("expected 3 journal rows, got %d", journalCount)
	}
}

func TestWorker_RedeliveryIsIdempotent(t *testing.T) {
	db, cleanup := setupEventLog(t)
	defer cleanup()

	var prev [32]byte
	outputs := []core.Output{makeOutput(0, prev)}
	runWorker(t, db, outputs)
	runWorker(t, db, outputs) // redelivered batch

	var eventCount int
	if err := db.QueryRow("SELECT COUNT(*) FROM event_log.events").Scan(&eventCount); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if eventCount != 1 {
		t.Errorf("redelivery must conflict-skip, got %d rows", eventCount)
	}
}

func TestPostgresIdempotencyChecker(t *testing.T) {
	db, cleanup := setupEventLog(t)
	defer cleanup()

	out := makeOutput(0, [32]byte{})
	runWorker(t, db, []core.Output{out})

	checker := persistence.NewPostgresIdempotencyChecker(db)
	dup, err := checker.IsDuplicate("TradeOpen", out.Envelope.IdempotencyKey)
	if err != nil {
		t.Fatalf("check duplicate: %v", err)
	}
	if !dup {
		t.Error("persisted event must read back as duplicate")
	}

	dup, err = checker.IsDuplicate("TradeOpen", uuid.New().String())
	if err != nil {
		t.Fatalf("check unknown: %v", err)
	}
	if dup {
		t.Error("unknown key must not be a duplicate")
	}
}

func TestLoadRecentIdempotencyKeys_NewestFirst(t *testing.T) {
	db, cleanup := setupEventLog(t)
	defer cleanup()
	ctx := context.Background()

	var prev [32]byte
	outputs := make([]core.Output, 0, 3)
	for seq := int64(0); seq < 3; seq++ {
		out := makeOutput(seq, prev)
		prev = out.Envelope.StateHash
		outputs = append(outputs, out)
	}
	runWorker(t, db, outputs)

	store := persistence.NewSnapshotStore(db)
	keys, err := store.LoadRecentIdempotencyKeys(ctx, 2)
	if err != nil {
		t.Fatalf("load keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
	if want := "TradeOpen:" + outputs[2].Envelope.IdempotencyKey; keys[0] != want {
		t.Errorf("expected newest key %q first, got %q", want, keys[0])
	}
}

func TestSnapshotStore_OnlyVerifiedLoads(t *testing.T) {
	db, cleanup := setupEventLog(t)
	defer cleanup()
	ctx := context.Background()

	store := persistence.NewSnapshotStore(db)
	snap := &core.SnapshotState{
		Sequence:  41,
		StateHash: sha256.Sum256([]byte("state-41")),
		Positions: map[string]int64{
			testCounterparty.Hex() + "/WETH": 150,
		},
		Reserves:     map[string]int64{"WETH": 7},
		Nonces:       []uint64{1, 2, 9},
		RecentDedups: []string{"TradeOpen:" + uuid.New().String()},
	}
	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Unverified snapshots never load: a crash between save and verify must
	// not poison recovery.
	got, err := store.LoadLatest(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != nil {
		t.Fatal("unverified snapshot must not load")
	}

	if err := store.MarkVerified(ctx, 41); err != nil {
		t.Fatalf("mark verified: %v", err)
	}
	got, err = store.LoadLatest(ctx)
	if err != nil {
		t.Fatalf("load verified: %v", err)
	}
	if got == nil {
		t.Fatal("verified snapshot must load")
	}
	if got.Sequence != 41 || got.StateHash != snap.StateHash {
		t.Errorf("snapshot mismatch: sequence=%d", got.Sequence)
	}
	if got.Positions[testCounterparty.Hex()+"/WETH"] != 150 {
		t.Errorf("positions did not round-trip: %+v", got.Positions)
	}
	if len(got.Nonces) != 3 {
		t.Errorf("nonces did not round-trip: %v", got.Nonces)
	}

	// A newer unverified snapshot must not shadow the verified one.
	newer := &core.SnapshotState{Sequence: 55, StateHash: sha256.Sum256([]byte("state-55"))}
	if err := store.Save(ctx, newer); err != nil {
		t.Fatalf("save newer: %v", err)
	}
	got, err = store.LoadLatest(ctx)
	if err != nil {
		t.Fatalf("load after newer save: %v", err)
	}
	if got == nil || got.Sequence != 41 {
		t.Errorf("expected verified snapshot 41, got %+v", got)
	}
}
