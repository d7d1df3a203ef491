package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"creditvault/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a
// typed event.Event. The ingestion shell validates and converts raw events
// before handing them to the vault core.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "TradeOpen":
		return parseTradeOpen(raw.Data)
	case "EpochSettle":
		return parseEpochSettle(raw.Data)
	case "YieldDistribute":
		return parseYieldDistribute(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers.

type tradeOpenJSON struct {
	TradeID       string `json:"trade_id"`
	Venue         string `json:"venue"`
	Counterparty  string `json:"counterparty"`
	AssetOut      string `json:"asset_out"`
	AmountOut     int64  `json:"amount_out"`
	AssetIn       string `json:"asset_in"`
	AmountIn      int64  `json:"amount_in"`
	VenueSequence int64  `json:"venue_sequence"`
	TimestampUs   int64  `json:"timestamp_us"`
}

func parseTradeOpen(data []byte) (*event.TradeOpen, error) {
	var j tradeOpenJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse TradeOpen: %w", err)
	}

	tradeID, err := uuid.Parse(j.TradeID)
	if err != nil {
		return nil, fmt.Errorf("parse trade_id: %w", err)
	}
	venue, err := parseAddress(j.Venue, "venue")
	if err != nil {
		return nil, err
	}
	counterparty, err := parseAddress(j.Counterparty, "counterparty")
	if err != nil {
		return nil, err
	}
	if j.AssetOut == "" {
		return nil, fmt.Errorf("missing asset_out")
	}

	return &event.TradeOpen{
		TradeID:       tradeID,
		Venue:         venue,
		Counterparty:  counterparty,
		AssetOut:      j.AssetOut,
		AmountOut:     j.AmountOut,
		AssetIn:       j.AssetIn,
		AmountIn:      j.AmountIn,
		VenueSequence: j.VenueSequence,
		Timestamp:     time.UnixMicro(j.TimestampUs),
	}, nil
}

type epochEntryJSON struct {
	Counterparty string `json:"counterparty"`
	Asset        string `json:"asset"`
	FundingFee   int64  `json:"funding_fee"`
	ReserveFee   int64  `json:"reserve_fee"`
}

type epochSettleJSON struct {
	RequestID   string           `json:"request_id"`
	Caller      string           `json:"caller"`
	Entries     []epochEntryJSON `json:"entries"`
	TimestampUs int64            `json:"timestamp_us"`
}

func parseEpochSettle(data []byte) (*event.EpochSettled, error) {
	var j epochSettleJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse EpochSettle: %w", err)
	}

	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	caller, err := parseAddress(j.Caller, "caller")
	if err != nil {
		return nil, err
	}
	if len(j.Entries) == 0 {
		return nil, fmt.Errorf("empty entries")
	}

	entries := make([]event.EpochEntry, 0, len(j.Entries))
	for i, e := range j.Entries {
		cp, err := parseAddress(e.Counterparty, fmt.Sprintf("entries[%d].counterparty", i))
		if err != nil {
			return nil, err
		}
		if e.Asset == "" {
			return nil, fmt.Errorf("entries[%d]: missing asset", i)
		}
		entries = append(entries, event.EpochEntry{
			Counterparty: cp,
			Asset:        e.Asset,
			FundingFee:   e.FundingFee,
			ReserveFee:   e.ReserveFee,
		})
	}

	return &event.EpochSettled{
		RequestID: requestID,
		Caller:    caller,
		Entries:   entries,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type yieldDistributeJSON struct {
	RequestID   string `json:"request_id"`
	Caller      string `json:"caller"`
	Asset       string `json:"asset"`
	Amount      int64  `json:"amount"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseYieldDistribute(data []byte) (*event.YieldDistributed, error) {
	var j yieldDistributeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse YieldDistribute: %w", err)
	}

	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	caller, err := parseAddress(j.Caller, "caller")
	if err != nil {
		return nil, err
	}
	if j.Asset == "" {
		return nil, fmt.Errorf("missing asset")
	}

	return &event.YieldDistributed{
		RequestID: requestID,
		Caller:    caller,
		Asset:     j.Asset,
		Amount:    j.Amount,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseAddress(s, field string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("parse %s: not a hex address: %q", field, s)
	}
	return common.HexToAddress(s), nil
}
