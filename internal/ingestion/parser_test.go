package ingestion_test

import (
	"encoding/json"
	"testing"
	"time"

	"creditvault/internal/event"
	"creditvault/internal/ingestion"
)

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func TestParseTradeOpen(t *testing.T) {
	payload := map[string]interface{}{
		"trade_id":       "550e8400-e29b-41d4-a716-446655440000",
		"venue":          "0x7777777777777777777777777777777777777777",
		"counterparty":   "0x1111111111111111111111111111111111111111",
		"asset_out":      "USDC",
		"amount_out":     int64(1_000_000),
		"asset_in":       "WETH",
		"amount_in":      int64(500),
		"venue_sequence": int64(42),
		"timestamp_us":   int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "TradeOpen")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	to, ok := evt.(*event.TradeOpen)
	if !ok {
		t.Fatalf("expected *event.TradeOpen, got %T", evt)
	}

	if to.Venue.Hex() != "0x7777777777777777777777777777777777777777" {
		t.Errorf("venue: got %s", to.Venue.Hex())
	}
	if to.Counterparty.Hex() != "0x1111111111111111111111111111111111111111" {
		t.Errorf("counterparty: got %s", to.Counterparty.Hex())
	}
	if to.AssetOut != "USDC" {
		t.Errorf("asset_out: got %s, want USDC", to.AssetOut)
	}
	if to.AmountOut != 1_000_000 {
		t.Errorf("amount_out: got %d, want 1_000_000", to.AmountOut)
	}
	if to.AssetIn != "WETH" {
		t.Errorf("asset_in: got %s, want WETH", to.AssetIn)
	}
	if to.AmountIn != 500 {
		t.Errorf("amount_in: got %d, want 500", to.AmountIn)
	}
	if to.VenueSequence != 42 {
		t.Errorf("venue_sequence: got %d, want 42", to.VenueSequence)
	}
	if to.Timestamp.UnixMicro() != 1700000000000000 {
		t.Errorf("timestamp: got %d", to.Timestamp.UnixMicro())
	}
	if to.EventType() != event.EventTypeTradeOpen {
		t.Errorf("event type: got %v, want TradeOpen", to.EventType())
	}
	if to.SourceSequence() != 42 {
		t.Errorf("source sequence: got %d, want 42", to.SourceSequence())
	}
}

func TestParseTradeOpenRejectsBadAddress(t *testing.T) {
	payload := map[string]interface{}{
		"trade_id":       "550e8400-e29b-41d4-a716-446655440000",
		"venue":          "0x7777777777777777777777777777777777777777",
		"counterparty":   "not-an-address",
		"asset_out":      "USDC",
		"amount_out":     int64(100),
		"venue_sequence": int64(1),
		"timestamp_us":   int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawEvent(raw, "TradeOpen"); err == nil {
		t.Fatal("expected error for bad counterparty address")
	}
}

func TestParseTradeOpenRejectsMissingAsset(t *testing.T) {
	payload := map[string]interface{}{
		"trade_id":       "550e8400-e29b-41d4-a716-446655440000",
		"venue":          "0x7777777777777777777777777777777777777777",
		"counterparty":   "0x1111111111111111111111111111111111111111",
		"amount_out":     int64(100),
		"venue_sequence": int64(1),
		"timestamp_us":   int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawEvent(raw, "TradeOpen"); err == nil {
		t.Fatal("expected error for missing asset_out")
	}
}

func TestParseEpochSettle(t *testing.T) {
	payload := map[string]interface{}{
		"request_id": "660e8400-e29b-41d4-a716-446655440001",
		"caller":     "0x2222222222222222222222222222222222222222",
		"entries": []map[string]interface{}{
			{
				"counterparty": "0x1111111111111111111111111111111111111111",
				"asset":        "USDC",
				"funding_fee":  int64(1_000),
				"reserve_fee":  int64(100),
			},
			{
				"counterparty": "0x3333333333333333333333333333333333333333",
				"asset":        "WETH",
				"funding_fee":  int64(50),
				"reserve_fee":  int64(5),
			},
		},
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "EpochSettle")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	es, ok := evt.(*event.EpochSettled)
	if !ok {
		t.Fatalf("expected *event.EpochSettled, got %T", evt)
	}

	if len(es.Entries) != 2 {
		t.Fatalf("entries: got %d, want 2", len(es.Entries))
	}
	if es.Entries[0].Asset != "USDC" {
		t.Errorf("entry 0 asset: got %s, want USDC", es.Entries[0].Asset)
	}
	if es.Entries[0].FundingFee != 1_000 {
		t.Errorf("entry 0 funding_fee: got %d, want 1_000", es.Entries[0].FundingFee)
	}
	if es.Entries[1].ReserveFee != 5 {
		t.Errorf("entry 1 reserve_fee: got %d, want 5", es.Entries[1].ReserveFee)
	}
	if es.EventType() != event.EventTypeEpochSettled {
		t.Errorf("event type: got %v, want EpochSettled", es.EventType())
	}
}

func TestParseEpochSettleRejectsEmptyEntries(t *testing.T) {
	payload := map[string]interface{}{
		"request_id":   "660e8400-e29b-41d4-a716-446655440001",
		"caller":       "0x2222222222222222222222222222222222222222",
		"entries":      []map[string]interface{}{},
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawEvent(raw, "EpochSettle"); err == nil {
		t.Fatal("expected error for empty entries")
	}
}

func TestParseYieldDistribute(t *testing.T) {
	payload := map[string]interface{}{
		"request_id":   "770e8400-e29b-41d4-a716-446655440002",
		"caller":       "0x2222222222222222222222222222222222222222",
		"asset":        "USDC",
		"amount":       int64(5_000),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "YieldDistribute")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	yd, ok := evt.(*event.YieldDistributed)
	if !ok {
		t.Fatalf("expected *event.YieldDistributed, got %T", evt)
	}
	if yd.Asset != "USDC" {
		t.Errorf("asset: got %s, want USDC", yd.Asset)
	}
	if yd.Amount != 5_000 {
		t.Errorf("amount: got %d, want 5_000", yd.Amount)
	}
}

func TestParseUnknownEventType(t *testing.T) {
	raw := rawFromJSON(t, map[string]interface{}{})
	if _, err := ingestion.ParseRawEvent(raw, "Nonsense"); err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestParseMalformedJSON(t *testing.T) {
	raw := ingestion.RawEvent{
		Subject:   "test",
		Data:      []byte("{not json"),
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
	if _, err := ingestion.ParseRawEvent(raw, "TradeOpen"); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}
