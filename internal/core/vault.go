package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"creditvault/internal/auth"
	"creditvault/internal/event"
	"creditvault/internal/ledger"
	"creditvault/internal/limiter"
	"creditvault/internal/observability"
	"creditvault/internal/pool"
	"creditvault/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

var (
	ErrDuplicateRequest       = fmt.Errorf("duplicate request")
	ErrInsufficientUnderlying = fmt.Errorf("insufficient pool underlying")
	ErrUnknownPool            = fmt.Errorf("no pool for asset")
	ErrOnlyTrader             = fmt.Errorf("caller is neither the counterparty nor its settler")
)

// IsPermanentReject reports whether an error is a business rejection that no
// redelivery will fix. Transient errors (everything else) should be retried.
func IsPermanentReject(err error) bool {
	permanent := []error{
		ErrDuplicateRequest,
		ErrInsufficientUnderlying,
		ErrUnknownPool,
		ErrOnlyTrader,
		ErrBankInsufficientFunds,
		auth.ErrRequestExpired,
		auth.ErrNonceUsed,
		auth.ErrInvalidSignature,
		state.ErrUnknownCounterparty,
		state.ErrCounterpartyDisabled,
		state.ErrUnknownLiquidator,
		state.ErrLiquidatorDisabled,
		state.ErrUnauthorizedRole,
		state.ErrAssetAlreadyRegistered,
		state.ErrInvalidUnderlying,
		state.ErrEpochUpdateInCoolDown,
		ledger.ErrInsufficientCollateral,
		ledger.ErrInsufficientReserve,
		ledger.ErrInvalidPositionUpdateAmount,
		limiter.ErrRebalanceLimitExceeded,
		pool.ErrBelowMinimumDeposit,
		pool.ErrZeroAmount,
		pool.ErrInsufficientShares,
		pool.ErrTransferInCooldown,
		pool.ErrExchangeRateIncreaseTooMuch,
	}
	for _, p := range permanent {
		if errors.Is(err, p) {
			return true
		}
	}
	return false
}

// Vault is the single entry point for every state transition: venue trade
// callbacks, signed settlement requests, pool operations, epoch funding, and
// administration. All state lives in plain in-memory books mutated under one
// lock; every operation runs inside an undo-log transaction so a failure
// anywhere, including after nonce consumption, unwinds completely.
type Vault struct {
	mu       sync.Mutex
	sequence int64
	hasher   *StateHasher

	registry   *state.Registry
	epochs     *state.EpochTracker
	positions  *ledger.PositionBook
	collateral *ledger.CollateralBook
	reserves   *ledger.ReserveBook
	nonces     *auth.NonceSet
	domain     *auth.Domain
	verifier   *auth.Verifier
	limiter    *limiter.RebalanceLimiter
	pools      map[string]*pool.SharePool
	poolParams pool.Params
	bank       Bank

	idempotency  *IdempotencyChecker
	seqValidator *SequenceValidator

	// opNow is the versioned timestamp of the operation in flight. The vault
	// never reads the wall clock; ingress supplies time and replay supplies
	// the envelope's timestamp.
	opNow time.Time

	metrics *observability.Metrics
	logger  zerolog.Logger

	persistChan    chan<- Output
	projectionChan chan<- Output
}

// Output is what one applied event hands downstream: the envelope for the
// event log, the journal batch, and the serialized payload.
type Output struct {
	Envelope *event.Envelope
	Batch    *ledger.Batch
	Payload  []byte
}

// VaultConfig carries construction parameters.
type VaultConfig struct {
	StartSequence       int64
	Owner               common.Address
	Signer              common.Address
	Domain              *auth.Domain
	EpochInterval       time.Duration
	PoolParams          pool.Params
	IdempotencyCapacity int
}

func NewVault(
	cfg VaultConfig,
	bank Bank,
	persistChan, projectionChan chan<- Output,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Vault {
	if cfg.IdempotencyCapacity <= 0 {
		cfg.IdempotencyCapacity = 1_000_000
	}

	nonces := auth.NewNonceSet()
	v := &Vault{
		sequence:       cfg.StartSequence,
		hasher:         NewStateHasher(),
		registry:       state.NewRegistry(cfg.Owner),
		epochs:         state.NewEpochTracker(cfg.EpochInterval),
		positions:      ledger.NewPositionBook(),
		collateral:     ledger.NewCollateralBook(),
		reserves:       ledger.NewReserveBook(),
		nonces:         nonces,
		domain:         cfg.Domain,
		verifier:       auth.NewVerifier(cfg.Domain, nonces, cfg.Signer),
		pools:          make(map[string]*pool.SharePool),
		poolParams:     cfg.PoolParams,
		bank:           bank,
		idempotency:    NewIdempotencyChecker(cfg.IdempotencyCapacity, dbChecker),
		seqValidator:   NewSequenceValidator(),
		metrics:        metrics,
		logger:         logger,
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}
	v.limiter = limiter.NewRebalanceLimiter(func() time.Time { return v.opNow })
	return v
}

// begin deduplicates and opens the operation transaction. now becomes the
// versioned timestamp every component sees for this operation.
func (v *Vault) begin(evt event.Event, now time.Time) (*ledger.Txn, error) {
	eventType := evt.EventType().String()
	if v.idempotency.IsDuplicate(eventType, evt.IdempotencyKey()) {
		if v.metrics != nil {
			v.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return nil, fmt.Errorf("%w: %s %s", ErrDuplicateRequest, eventType, evt.IdempotencyKey())
	}
	v.opNow = now
	return ledger.NewTxn(), nil
}

// finish commits, hashes, logs, and emits one applied event. The persist
// send blocks for backpressure; the projection send drops when full because
// projections rebuild from the event log.
func (v *Vault) finish(tx *ledger.Txn, evt event.Event, batch *ledger.Batch, start time.Time) error {
	eventType := evt.EventType().String()

	if batch != nil && len(batch.Journals) > 0 {
		if err := batch.Validate(); err != nil {
			tx.Rollback()
			return fmt.Errorf("journal batch invalid: %w", err)
		}
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("encode %s payload: %w", eventType, err)
	}

	tx.Commit()

	prevHash := v.hasher.GetPrevHash()
	stateHash := v.hasher.ComputeHash(v.sequence, payload)

	envelope := &event.Envelope{
		Sequence:       v.sequence,
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      evt.EventType(),
		Asset:          evt.AssetID(),
		Timestamp:      v.opNow,
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	out := Output{Envelope: envelope, Batch: batch, Payload: payload}

	if v.persistChan != nil {
		v.persistChan <- out
	}
	if v.projectionChan != nil {
		select {
		case v.projectionChan <- out:
		default:
			// Dropped; projections catch up from the event log.
			if v.metrics != nil {
				v.metrics.ProjectionDrops.WithLabelValues(eventType).Inc()
			}
		}
	}

	v.idempotency.MarkProcessed(eventType, evt.IdempotencyKey())
	v.sequence++

	if v.metrics != nil {
		v.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		v.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		v.metrics.CoreSequence.Set(float64(v.sequence))
	}
	v.logger.Debug().
		Str("event_type", eventType).
		Str("idempotency_key", evt.IdempotencyKey()).
		Int64("sequence", envelope.Sequence).
		Msg("event applied")

	return nil
}

func (v *Vault) poolFor(asset string) (*pool.SharePool, error) {
	p, ok := v.pools[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPool, asset)
	}
	return p, nil
}

// Sequence returns the next sequence number to be assigned.
func (v *Vault) Sequence() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sequence
}

// StateHash returns the current chain tip.
func (v *Vault) StateHash() [32]byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.hasher.GetPrevHash()
}

// Registry exposes read-only registry lookups for the query layer.
func (v *Vault) Registry() *state.Registry { return v.registry }

// PositionOf returns one position cell.
func (v *Vault) PositionOf(counterparty common.Address, asset string) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.positions.Get(ledger.PositionKey{Counterparty: counterparty, Asset: asset})
}

// CollateralOf returns one collateral cell.
func (v *Vault) CollateralOf(counterparty common.Address, asset string) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.collateral.Get(ledger.PositionKey{Counterparty: counterparty, Asset: asset})
}

// ReserveOf returns one asset's reserve balance.
func (v *Vault) ReserveOf(asset string) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.reserves.Get(asset)
}

// PoolView returns a pool snapshot for queries, or an error for an unknown
// asset.
func (v *Vault) PoolView(asset string) (pool.Snapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, err := v.poolFor(asset)
	if err != nil {
		return pool.Snapshot{}, err
	}
	return p.Snapshot(), nil
}

// CapOf returns an operator's rebalance cap state for one asset.
func (v *Vault) CapOf(operator common.Address, asset string) limiter.CapState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.limiter.Get(operator, asset)
}

// WarmLRU loads recent idempotency keys after a restart.
func (v *Vault) WarmLRU(keys []string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.idempotency.lru.WarmFromKeys(keys)
}
