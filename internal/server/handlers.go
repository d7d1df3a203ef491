package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"creditvault/internal/auth"
	"creditvault/internal/core"
	"creditvault/internal/event"
	"creditvault/internal/persistence"
	"creditvault/internal/projection"
	"creditvault/internal/query"
	"creditvault/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type handlers struct {
	vault     *core.Vault
	query     *query.Service
	db        *sql.DB
	snapshots *persistence.SnapshotStore
	logger    zerolog.Logger
}

// --- request/response wire formats ---

type positionUpdateJSON struct {
	Asset string `json:"asset"`
	Delta int64  `json:"delta"`
}

type tokenAmountJSON struct {
	Asset  string `json:"asset"`
	Amount int64  `json:"amount"`
}

type settleRequestJSON struct {
	RequestID    string               `json:"request_id"`
	Caller       string               `json:"caller"`
	Nonce        uint64               `json:"nonce"`
	Deadline     int64                `json:"deadline"`
	Counterparty string               `json:"counterparty"`
	Updates      []positionUpdateJSON `json:"position_updates"`
	Signature    string               `json:"signature"`
}

type repayRequestJSON struct {
	RequestID    string               `json:"request_id"`
	Caller       string               `json:"caller"`
	Counterparty string               `json:"counterparty"`
	Updates      []positionUpdateJSON `json:"updates"`
}

type addCollateralJSON struct {
	RequestID    string `json:"request_id"`
	Caller       string `json:"caller"`
	Counterparty string `json:"counterparty"`
	Asset        string `json:"asset"`
	Amount       int64  `json:"amount"`
}

type removeCollateralJSON struct {
	RequestID    string            `json:"request_id"`
	Caller       string            `json:"caller"`
	Nonce        uint64            `json:"nonce"`
	Deadline     int64             `json:"deadline"`
	Counterparty string            `json:"counterparty"`
	Tokens       []tokenAmountJSON `json:"tokens"`
	Signature    string            `json:"signature"`
}

type liquidateJSON struct {
	RequestID        string               `json:"request_id"`
	Liquidator       string               `json:"liquidator"`
	Nonce            uint64               `json:"nonce"`
	Deadline         int64                `json:"deadline"`
	Counterparty     string               `json:"counterparty"`
	Updates          []positionUpdateJSON `json:"position_updates"`
	ClaimCollaterals []tokenAmountJSON    `json:"claim_collaterals"`
	Signature        string               `json:"signature"`
}

type epochEntryJSON struct {
	Counterparty string `json:"counterparty"`
	Asset        string `json:"asset"`
	FundingFee   int64  `json:"funding_fee"`
	ReserveFee   int64  `json:"reserve_fee"`
}

type epochSettleJSON struct {
	RequestID string           `json:"request_id"`
	Caller    string           `json:"caller"`
	Entries   []epochEntryJSON `json:"entries"`
}

type yieldJSON struct {
	RequestID string `json:"request_id"`
	Caller    string `json:"caller"`
	Asset     string `json:"asset"`
	Amount    int64  `json:"amount"`
}

type poolDepositJSON struct {
	RequestID string `json:"request_id"`
	Depositor string `json:"depositor"`
	To        string `json:"to,omitempty"` // share recipient, defaults to depositor
	Asset     string `json:"asset"`
	Amount    int64  `json:"amount"`
}

type poolRedeemJSON struct {
	RequestID string `json:"request_id"`
	Holder    string `json:"holder"`
	To        string `json:"to,omitempty"` // payout recipient, defaults to holder
	Asset     string `json:"asset"`
	Shares    int64  `json:"shares"`
}

type poolTransferJSON struct {
	RequestID string `json:"request_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Asset     string `json:"asset"`
	Amount    int64  `json:"amount"`
}

type withdrawJSON struct {
	RequestID string `json:"request_id"`
	Caller    string `json:"caller"`
	Recipient string `json:"recipient"`
	Asset     string `json:"asset"`
	Amount    int64  `json:"amount"`
}

// --- credit operations ---

func (h *handlers) settle(w http.ResponseWriter, r *http.Request) {
	var req settleRequestJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	requestID, caller, err := parseRequestIdentity(req.RequestID, req.Caller)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	counterparty, err := parseAddr(req.Counterparty, "counterparty")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	sig, err := parseSignature(req.Signature)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	evt, err := h.vault.Settle(requestID, caller, &auth.SettlementRequest{
		Nonce:        req.Nonce,
		Deadline:     req.Deadline,
		Counterparty: counterparty,
		Updates:      toPositionUpdates(req.Updates),
	}, sig, time.Now())
	if err != nil {
		h.writeOpError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, evt)
}

func (h *handlers) repay(w http.ResponseWriter, r *http.Request) {
	var req repayRequestJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	requestID, caller, err := parseRequestIdentity(req.RequestID, req.Caller)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	counterparty, err := parseAddr(req.Counterparty, "counterparty")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	evt, err := h.vault.Repay(requestID, caller, counterparty, toPositionUpdates(req.Updates), time.Now())
	if err != nil {
		h.writeOpError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, evt)
}

func (h *handlers) addCollateral(w http.ResponseWriter, r *http.Request) {
	var req addCollateralJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	requestID, caller, err := parseRequestIdentity(req.RequestID, req.Caller)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	counterparty, err := parseAddr(req.Counterparty, "counterparty")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	evt, err := h.vault.AddCollateral(requestID, caller, counterparty, req.Asset, req.Amount, time.Now())
	if err != nil {
		h.writeOpError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, evt)
}

func (h *handlers) removeCollateral(w http.ResponseWriter, r *http.Request) {
	var req removeCollateralJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	requestID, caller, err := parseRequestIdentity(req.RequestID, req.Caller)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	counterparty, err := parseAddr(req.Counterparty, "counterparty")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	sig, err := parseSignature(req.Signature)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	evt, err := h.vault.RemoveCollateral(requestID, caller, &auth.RemoveCollateralRequest{
		Nonce:        req.Nonce,
		Deadline:     req.Deadline,
		Counterparty: counterparty,
		Tokens:       toTokenAmounts(req.Tokens),
	}, sig, time.Now())
	if err != nil {
		h.writeOpError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, evt)
}

func (h *handlers) liquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	requestID, liquidator, err := parseRequestIdentity(req.RequestID, req.Liquidator)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	counterparty, err := parseAddr(req.Counterparty, "counterparty")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	sig, err := parseSignature(req.Signature)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	evt, err := h.vault.Liquidate(requestID, liquidator, &auth.LiquidationRequest{
		Nonce:            req.Nonce,
		Deadline:         req.Deadline,
		Counterparty:     counterparty,
		Updates:          toPositionUpdates(req.Updates),
		ClaimCollaterals: toTokenAmounts(req.ClaimCollaterals),
	}, sig, time.Now())
	if err != nil {
		h.writeOpError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, evt)
}

func (h *handlers) settleEpoch(w http.ResponseWriter, r *http.Request) {
	var req epochSettleJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	requestID, caller, err := parseRequestIdentity(req.RequestID, req.Caller)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	entries := make([]event.EpochEntry, 0, len(req.Entries))
	for i, e := range req.Entries {
		cp, err := parseAddr(e.Counterparty, fmt.Sprintf("entries[%d].counterparty", i))
		if err != nil {
			h.writeError(w, http.StatusBadRequest, err)
			return
		}
		entries = append(entries, event.EpochEntry{
			Counterparty: cp,
			Asset:        e.Asset,
			FundingFee:   e.FundingFee,
			ReserveFee:   e.ReserveFee,
		})
	}

	evt, err := h.vault.SettleEpoch(requestID, caller, entries, time.Now())
	if err != nil {
		h.writeOpError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, evt)
}

func (h *handlers) distributeYield(w http.ResponseWriter, r *http.Request) {
	var req yieldJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	requestID, caller, err := parseRequestIdentity(req.RequestID, req.Caller)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	evt, err := h.vault.DistributeYield(requestID, caller, req.Asset, req.Amount, time.Now())
	if err != nil {
		h.writeOpError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, evt)
}

// --- pool operations ---

func (h *handlers) poolDeposit(w http.ResponseWriter, r *http.Request) {
	var req poolDepositJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	requestID, depositor, err := parseRequestIdentity(req.RequestID, req.Depositor)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	to := depositor
	if req.To != "" {
		if to, err = parseAddr(req.To, "to"); err != nil {
			h.writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	evt, err := h.vault.Deposit(requestID, depositor, to, req.Asset, req.Amount, time.Now())
	if err != nil {
		h.writeOpError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, evt)
}

func (h *handlers) poolRedeem(w http.ResponseWriter, r *http.Request) {
	var req poolRedeemJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	requestID, holder, err := parseRequestIdentity(req.RequestID, req.Holder)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	to := holder
	if req.To != "" {
		if to, err = parseAddr(req.To, "to"); err != nil {
			h.writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	evt, err := h.vault.Redeem(requestID, holder, to, req.Asset, req.Shares, time.Now())
	if err != nil {
		h.writeOpError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, evt)
}

func (h *handlers) poolTransfer(w http.ResponseWriter, r *http.Request) {
	var req poolTransferJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	requestID, from, err := parseRequestIdentity(req.RequestID, req.From)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	to, err := parseAddr(req.To, "to")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	evt, err := h.vault.TransferClaim(requestID, from, to, req.Asset, req.Amount, time.Now())
	if err != nil {
		h.writeOpError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, evt)
}

func (h *handlers) withdrawExitFees(w http.ResponseWriter, r *http.Request) {
	var req withdrawJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	requestID, caller, err := parseRequestIdentity(req.RequestID, req.Caller)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	recipient, err := parseAddr(req.Recipient, "recipient")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	evt, err := h.vault.WithdrawExitFees(requestID, caller, recipient, req.Asset, req.Amount, time.Now())
	if err != nil {
		h.writeOpError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, evt)
}

func (h *handlers) withdrawReserve(w http.ResponseWriter, r *http.Request) {
	var req withdrawJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	requestID, caller, err := parseRequestIdentity(req.RequestID, req.Caller)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	recipient, err := parseAddr(req.Recipient, "recipient")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	evt, err := h.vault.WithdrawReserve(requestID, caller, recipient, req.Asset, req.Amount, time.Now())
	if err != nil {
		h.writeOpError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, evt)
}

// --- read APIs ---

func (h *handlers) getState(w http.ResponseWriter, r *http.Request) {
	hash := h.vault.StateHash()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"next_sequence": h.vault.Sequence(),
		"state_hash":    hexutil.Encode(hash[:]),
	})
}

func (h *handlers) getBalance(w http.ResponseWriter, r *http.Request) {
	counterparty, err := parseAddr(chi.URLParam(r, "counterparty"), "counterparty")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	asset := chi.URLParam(r, "asset")

	resp, err := h.query.GetBalance(r.Context(), counterparty, asset)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) getPool(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")

	// Live pool view from the vault, projections for the fee/reserve split
	snap, err := h.vault.PoolView(asset)
	if err != nil {
		h.writeError(w, http.StatusNotFound, err)
		return
	}
	stats, err := h.query.GetPoolStats(r.Context(), asset)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"pool":       snap,
		"projection": stats,
	})
}

func (h *handlers) getCap(w http.ResponseWriter, r *http.Request) {
	operator, err := parseAddr(chi.URLParam(r, "operator"), "operator")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	asset := chi.URLParam(r, "asset")

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"operator": operator.Hex(),
		"asset":    asset,
		"cap":      h.vault.CapOf(operator, asset),
	})
}

func (h *handlers) getReserve(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"asset":   asset,
		"reserve": h.vault.ReserveOf(asset),
	})
}

func (h *handlers) getEpochHistory(w http.ResponseWriter, r *http.Request) {
	counterparty, err := parseAddr(chi.URLParam(r, "counterparty"), "counterparty")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	limit := queryLimit(r, 50, 100)
	var asset *string
	if a := r.URL.Query().Get("asset"); a != "" {
		asset = &a
	}
	afterSeq := queryCursor(r, "after_sequence")

	history, err := h.query.GetEpochHistory(r.Context(), counterparty, asset, limit, afterSeq)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"history": history})
}

func (h *handlers) getJournalHistory(w http.ResponseWriter, r *http.Request) {
	counterparty, err := parseAddr(chi.URLParam(r, "counterparty"), "counterparty")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	limit := queryLimit(r, 100, 500)
	afterSeq := queryCursor(r, "after_sequence")

	entries, err := h.query.GetJournalHistory(r.Context(), counterparty, limit, afterSeq)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"journals": entries})
}

// --- admin ---

type registerAssetJSON struct {
	RequestID string `json:"request_id"`
	Caller    string `json:"caller"`
	Asset     string `json:"asset"`
}

func (h *handlers) registerAsset(w http.ResponseWriter, r *http.Request) {
	var req registerAssetJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	requestID, caller, err := parseRequestIdentity(req.RequestID, req.Caller)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	evt, err := h.vault.RegisterAsset(requestID, caller, req.Asset, time.Now())
	if err != nil {
		h.writeOpError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, evt)
}

type setCounterpartyJSON struct {
	RequestID    string `json:"request_id"`
	Caller       string `json:"caller"`
	Counterparty string `json:"counterparty"`
	Settler      string `json:"settler,omitempty"`
	Recipient    string `json:"recipient"`
	Enabled      bool   `json:"enabled"`
	Whitelisted  bool   `json:"whitelisted"`
}

func (h *handlers) setCounterparty(w http.ResponseWriter, r *http.Request) {
	var req setCounterpartyJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	requestID, caller, err := parseRequestIdentity(req.RequestID, req.Caller)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	counterparty, err := parseAddr(req.Counterparty, "counterparty")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	var settler common.Address
	if req.Settler != "" {
		if settler, err = parseAddr(req.Settler, "settler"); err != nil {
			h.writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	recipient, err := parseAddr(req.Recipient, "recipient")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	evt, err := h.vault.SetCounterparty(requestID, caller, state.CounterpartyConfig{
		Counterparty: counterparty,
		Settler:      settler,
		Recipient:    recipient,
		Enabled:      req.Enabled,
		Whitelisted:  req.Whitelisted,
	}, time.Now())
	if err != nil {
		h.writeOpError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, evt)
}

type setLiquidatorJSON struct {
	RequestID  string `json:"request_id"`
	Caller     string `json:"caller"`
	Liquidator string `json:"liquidator"`
	Recipient  string `json:"recipient"`
	Enabled    bool   `json:"enabled"`
}

func (h *handlers) setLiquidator(w http.ResponseWriter, r *http.Request) {
	var req setLiquidatorJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	requestID, caller, err := parseRequestIdentity(req.RequestID, req.Caller)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	liquidator, err := parseAddr(req.Liquidator, "liquidator")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	recipient, err := parseAddr(req.Recipient, "recipient")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	evt, err := h.vault.SetLiquidator(requestID, caller, state.LiquidatorConfig{
		Liquidator: liquidator,
		Recipient:  recipient,
		Enabled:    req.Enabled,
	}, time.Now())
	if err != nil {
		h.writeOpError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, evt)
}

type roleChangeJSON struct {
	RequestID string `json:"request_id"`
	Caller    string `json:"caller"`
	Role      string `json:"role"`
	Address   string `json:"address"`
}

func (h *handlers) grantRole(w http.ResponseWriter, r *http.Request) {
	h.changeRole(w, r, true)
}

func (h *handlers) revokeRole(w http.ResponseWriter, r *http.Request) {
	h.changeRole(w, r, false)
}

func (h *handlers) changeRole(w http.ResponseWriter, r *http.Request, grant bool) {
	var req roleChangeJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	requestID, caller, err := parseRequestIdentity(req.RequestID, req.Caller)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	addr, err := parseAddr(req.Address, "address")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	role, err := parseRole(req.Role)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	var evt interface{}
	if grant {
		evt, err = h.vault.GrantRole(requestID, caller, role, addr, time.Now())
	} else {
		evt, err = h.vault.RevokeRole(requestID, caller, role, addr, time.Now())
	}
	if err != nil {
		h.writeOpError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, evt)
}

type setCapJSON struct {
	RequestID string `json:"request_id"`
	Caller    string `json:"caller"`
	Operator  string `json:"operator"`
	Asset     string `json:"asset"`
	Limit     int64  `json:"limit"`
}

func (h *handlers) setRebalanceCap(w http.ResponseWriter, r *http.Request) {
	var req setCapJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	requestID, caller, err := parseRequestIdentity(req.RequestID, req.Caller)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	operator, err := parseAddr(req.Operator, "operator")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	evt, err := h.vault.SetRebalanceCap(requestID, caller, operator, req.Asset, req.Limit, time.Now())
	if err != nil {
		h.writeOpError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, evt)
}

type setExitFeeJSON struct {
	RequestID string `json:"request_id"`
	Caller    string `json:"caller"`
	Asset     string `json:"asset"`
	FeeBips   int64  `json:"fee_bips"`
}

func (h *handlers) setExitFee(w http.ResponseWriter, r *http.Request) {
	var req setExitFeeJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	requestID, caller, err := parseRequestIdentity(req.RequestID, req.Caller)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	evt, err := h.vault.SetExitFee(requestID, caller, req.Asset, req.FeeBips, time.Now())
	if err != nil {
		h.writeOpError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, evt)
}

type setFeeExemptJSON struct {
	RequestID string `json:"request_id"`
	Caller    string `json:"caller"`
	Asset     string `json:"asset"`
	Holder    string `json:"holder"`
	Exempt    bool   `json:"exempt"`
}

func (h *handlers) setFeeExempt(w http.ResponseWriter, r *http.Request) {
	var req setFeeExemptJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	requestID, caller, err := parseRequestIdentity(req.RequestID, req.Caller)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	holder, err := parseAddr(req.Holder, "holder")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	evt, err := h.vault.SetFeeExempt(requestID, caller, req.Asset, holder, req.Exempt, time.Now())
	if err != nil {
		h.writeOpError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, evt)
}

type setSignerJSON struct {
	RequestID string `json:"request_id"`
	Caller    string `json:"caller"`
	Signer    string `json:"signer"`
}

func (h *handlers) setSigner(w http.ResponseWriter, r *http.Request) {
	var req setSignerJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	requestID, caller, err := parseRequestIdentity(req.RequestID, req.Caller)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	signer, err := parseAddr(req.Signer, "signer")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	evt, err := h.vault.SetSigner(requestID, caller, signer, time.Now())
	if err != nil {
		h.writeOpError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, evt)
}

func (h *handlers) takeSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := h.vault.CreateSnapshotState()
	if err := h.snapshots.Save(r.Context(), snap); err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := h.snapshots.MarkVerified(r.Context(), snap.Sequence); err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"sequence": snap.Sequence})
}

func (h *handlers) rebuildProjections(w http.ResponseWriter, r *http.Request) {
	if err := projection.Rebuild(r.Context(), h.db, h.logger); err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"rebuilt": true})
}

func (h *handlers) verifyIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := h.query.VerifyIntegrity(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *handlers) eventLogInfo(w http.ResponseWriter, r *http.Request) {
	latestSeq, err := h.snapshots.GetLatestSequence(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"last_persisted_sequence": latestSeq,
		"next_sequence":           h.vault.Sequence(),
	})
}

// --- helpers ---

func (h *handlers) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn().Err(err).Msg("encode response")
	}
}

func (h *handlers) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeOpError maps vault operation errors to HTTP statuses.
func (h *handlers) writeOpError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, core.ErrDuplicateRequest):
		status = http.StatusConflict
	case errors.Is(err, auth.ErrInvalidSignature),
		errors.Is(err, auth.ErrRequestExpired),
		errors.Is(err, auth.ErrNonceUsed):
		status = http.StatusUnauthorized
	case errors.Is(err, state.ErrUnauthorizedRole),
		errors.Is(err, core.ErrOnlyTrader):
		status = http.StatusForbidden
	case errors.Is(err, state.ErrUnknownCounterparty),
		errors.Is(err, state.ErrUnknownLiquidator),
		errors.Is(err, core.ErrUnknownPool):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrInsufficientUnderlying),
		errors.Is(err, core.ErrBankInsufficientFunds):
		status = http.StatusUnprocessableEntity
	}
	h.writeError(w, status, err)
}

func parseRequestIdentity(requestID, caller string) (uuid.UUID, common.Address, error) {
	id, err := uuid.Parse(requestID)
	if err != nil {
		return uuid.UUID{}, common.Address{}, fmt.Errorf("parse request_id: %w", err)
	}
	addr, err := parseAddr(caller, "caller")
	if err != nil {
		return uuid.UUID{}, common.Address{}, err
	}
	return id, addr, nil
}

func parseAddr(s, field string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s: not a hex address: %q", field, s)
	}
	return common.HexToAddress(s), nil
}

func parseSignature(s string) ([]byte, error) {
	sig, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("parse signature: %w", err)
	}
	return sig, nil
}

func parseRole(s string) (state.Role, error) {
	switch state.Role(s) {
	case state.RoleOwner, state.RoleVenue, state.RoleEpochSettler, state.RoleFeeWithdraw:
		return state.Role(s), nil
	default:
		return "", fmt.Errorf("unknown role: %q", s)
	}
}

func toPositionUpdates(in []positionUpdateJSON) []auth.PositionUpdate {
	out := make([]auth.PositionUpdate, 0, len(in))
	for _, u := range in {
		out = append(out, auth.PositionUpdate{Asset: u.Asset, Delta: u.Delta})
	}
	return out
}

func toTokenAmounts(in []tokenAmountJSON) []auth.TokenAmount {
	out := make([]auth.TokenAmount, 0, len(in))
	for _, t := range in {
		out = append(out, auth.TokenAmount{Asset: t.Asset, Amount: t.Amount})
	}
	return out
}

func queryLimit(r *http.Request, def, max int) int {
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= max {
			return n
		}
	}
	return def
}

func queryCursor(r *http.Request, param string) *int64 {
	if s := r.URL.Query().Get(param); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
			return &n
		}
	}
	return nil
}
