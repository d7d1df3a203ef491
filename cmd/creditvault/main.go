package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"creditvault/internal/auth"
	"creditvault/internal/config"
	"creditvault/internal/core"
	"creditvault/internal/event"
	"creditvault/internal/ingestion"
	"creditvault/internal/observability"
	"creditvault/internal/persistence"
	"creditvault/internal/pool"
	"creditvault/internal/projection"
	"creditvault/internal/query"
	"creditvault/internal/server"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const replayBatchSize = 1000

func main() {
	configPath := flag.String("config", "", "path to TOML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := observability.NewLoggerWithLevel("creditvault", level)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("creditvault exited with error")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()

	migrator := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, logger)
	if err := migrator.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	health := observability.NewHealthChecker()

	persistChan := make(chan core.Output, cfg.Pipeline.PersistChanSize)
	projectionChan := make(chan core.Output, cfg.Pipeline.ProjectionChanSize)

	domain := auth.NewDomain(cfg.Vault.DomainName, cfg.Vault.DomainVersion, cfg.Vault.ChainID)
	vault := core.NewVault(
		core.VaultConfig{
			Owner:         cfg.OwnerAddress(),
			Signer:        cfg.SignerAddress(),
			Domain:        domain,
			EpochInterval: cfg.Vault.EpochInterval.Duration,
			PoolParams: pool.Params{
				MinDeposit:      cfg.Pool.MinDeposit,
				MinShareLock:    cfg.Pool.MinShareLock,
				Cooldown:        cfg.Pool.Cooldown.Duration,
				ExitFeeBips:     cfg.Pool.ExitFeeBips,
				MaxRateStepBips: cfg.Pool.MaxRateStepBips,
			},
			IdempotencyCapacity: cfg.Pipeline.IdempotencyCapacity,
		},
		core.NewInMemoryBank(),
		persistChan, projectionChan,
		persistence.NewPostgresIdempotencyChecker(db),
		metrics, logger,
	)

	snapshots := persistence.NewSnapshotStore(db)
	if err := recoverState(ctx, vault, snapshots, logger); err != nil {
		return fmt.Errorf("recover state: %w", err)
	}

	// Workers. The persist worker must outlive the vault's last send, so it
	// drains a closed channel rather than watching ctx.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	persistWorker := persistence.NewWorker(
		db, persistChan,
		cfg.Pipeline.PersistBatchSize,
		cfg.Pipeline.PersistFlushTimeout.Duration,
		metrics, logger,
	)
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		if err := persistWorker.Run(workerCtx); err != nil && err != context.Canceled {
			logger.Error().Err(err).Msg("persist worker stopped")
		}
	}()

	projWorkerChan := make(chan core.Output, cfg.Pipeline.ProjectionChanSize)
	publishChan := make(chan ingestion.PublishableEvent, cfg.Pipeline.ProjectionChanSize)

	// Fan projection output out to the projection worker and the outbound
	// publisher. Both sides are best-effort consumers of an at-least-once
	// event log, so a full channel drops rather than stalls.
	go func() {
		defer close(projWorkerChan)
		defer close(publishChan)
		for out := range projectionChan {
			select {
			case projWorkerChan <- out:
			default:
				metrics.ProjectionDrops.WithLabelValues(out.Envelope.EventType.String()).Inc()
			}
			select {
			case publishChan <- ingestion.PublishableEvent{
				Sequence:       out.Envelope.Sequence,
				EventType:      out.Envelope.EventType.String(),
				IdempotencyKey: out.Envelope.IdempotencyKey,
				Asset:          out.Envelope.Asset,
				Payload:        out.Envelope.Payload,
				StateHash:      out.Envelope.StateHash[:],
				Timestamp:      out.Envelope.Timestamp,
			}:
			default:
			}
		}
	}()

	projWorker := projection.NewWorker(db, projWorkerChan, logger)
	go func() {
		if err := projWorker.Run(workerCtx); err != nil && err != context.Canceled {
			logger.Error().Err(err).Msg("projection worker stopped")
		}
	}()

	var subscriber *ingestion.NATSSubscriber
	if cfg.NATS.Enabled {
		nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, logger)
		if err != nil {
			return err
		}
		defer nc.Close()

		if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
			return err
		}
		if err := ingestion.EnsureOutboundStream(ctx, js, logger); err != nil {
			return err
		}

		publisher := ingestion.NewOutboundPublisher(js, publishChan, logger)
		go func() {
			if err := publisher.Run(workerCtx); err != nil && err != context.Canceled {
				logger.Error().Err(err).Msg("outbound publisher stopped")
			}
		}()

		rawEventChan := make(chan ingestion.RawEvent, 4096)
		subscriber = ingestion.NewNATSSubscriber(js, rawEventChan, logger)
		if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
		go runIngestionLoop(ctx, vault, rawEventChan, metrics, logger)
	} else {
		// Nothing feeds the publisher; drain so the fan-out never blocks.
		go func() {
			for range publishChan {
			}
		}()
		logger.Warn().Msg("NATS disabled, venue trade feed is offline")
	}

	go runSnapshotLoop(ctx, vault, snapshots, cfg.Pipeline.SnapshotInterval, logger)

	httpServer := server.New(cfg.Server.HTTPAddr, &server.Deps{
		Vault:     vault,
		Query:     query.NewService(db),
		DB:        db,
		Snapshots: snapshots,
		Health:    health,
		Metrics:   metrics,
		Logger:    logger,
	})

	health.SetReady(true)
	logger.Info().
		Int64("next_sequence", vault.Sequence()).
		Str("http_addr", cfg.Server.HTTPAddr).
		Bool("nats", cfg.NATS.Enabled).
		Msg("creditvault started")

	serveErr := httpServer.Start(ctx)

	// Shutdown: stop intake first, then let the pipeline drain, then take a
	// final snapshot so the next start replays as little as possible.
	health.SetReady(false)
	if subscriber != nil {
		subscriber.Stop()
	}
	close(persistChan)
	close(projectionChan)

	select {
	case <-persistDone:
	case <-time.After(30 * time.Second):
		logger.Error().Msg("persist worker did not drain in time")
	}
	cancelWorkers()

	snapCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := saveSnapshot(snapCtx, vault, snapshots); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Int64("sequence", vault.Sequence()-1).Msg("final snapshot saved")
	}

	logger.Info().Msg("creditvault stopped")
	return serveErr
}

func openDatabase(ctx context.Context, cfg config.PostgresConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// recoverState restores the latest verified snapshot, then replays the event
// log from the snapshot sequence to the tip.
func recoverState(ctx context.Context, vault *core.Vault, snapshots *persistence.SnapshotStore, logger zerolog.Logger) error {
	start := time.Now()

	snap, err := snapshots.LoadLatest(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if snap != nil {
		if err := vault.RestoreFromSnapshot(snap); err != nil {
			return fmt.Errorf("restore snapshot at sequence %d: %w", snap.Sequence, err)
		}
		logger.Info().Int64("sequence", snap.Sequence).Msg("restored snapshot")
	}

	keys, err := snapshots.LoadRecentIdempotencyKeys(ctx, 100_000)
	if err != nil {
		return fmt.Errorf("load idempotency keys: %w", err)
	}
	vault.WarmLRU(keys)

	replayed := 0
	for {
		envelopes, err := snapshots.LoadEnvelopesFrom(ctx, vault.Sequence(), replayBatchSize)
		if err != nil {
			return fmt.Errorf("load envelopes from %d: %w", vault.Sequence(), err)
		}
		if len(envelopes) == 0 {
			break
		}
		for _, env := range envelopes {
			if err := vault.Replay(env); err != nil {
				return err
			}
		}
		replayed += len(envelopes)
	}

	tip, err := snapshots.GetLatestSequence(ctx)
	if err != nil {
		return fmt.Errorf("latest sequence: %w", err)
	}
	if tip > 0 && vault.Sequence() != tip+1 {
		return fmt.Errorf("recovery incomplete: vault at sequence %d, event log tip %d", vault.Sequence(), tip)
	}

	logger.Info().
		Int("replayed", replayed).
		Int64("next_sequence", vault.Sequence()).
		Dur("took", time.Since(start)).
		Msg("recovery complete")
	return nil
}

// runIngestionLoop pulls raw NATS messages, parses them, and applies them to
// the vault. The message is ACKed only after the vault accepts it (or rejects
// it permanently); transient failures NAK for redelivery.
func runIngestionLoop(ctx context.Context, vault *core.Vault, rawEvents <-chan ingestion.RawEvent, metrics *observability.Metrics, logger zerolog.Logger) {
	subjects := ingestion.DefaultSubjects()

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rawEvents:
			if !ok {
				return
			}

			eventType := resolveEventType(subjects, raw.Subject)
			if eventType == "" {
				logger.Warn().Str("subject", raw.Subject).Msg("no event type for subject")
				raw.AckFunc()
				continue
			}

			evt, err := ingestion.ParseRawEvent(raw, eventType)
			if err != nil {
				// Malformed payloads never become valid; ACK to stop redelivery.
				logger.Error().Str("subject", raw.Subject).Err(err).Msg("unparseable event")
				metrics.NATSMessages.WithLabelValues(eventType, "parse_error").Inc()
				raw.AckFunc()
				continue
			}

			if err := applyIngested(vault, evt, raw.Timestamp); err != nil {
				if core.IsPermanentReject(err) {
					logger.Warn().
						Str("event_type", eventType).
						Str("idempotency_key", evt.IdempotencyKey()).
						Err(err).
						Msg("event rejected")
					metrics.NATSMessages.WithLabelValues(eventType, "rejected").Inc()
					raw.AckFunc()
				} else {
					logger.Error().Str("event_type", eventType).Err(err).Msg("apply failed, will retry")
					metrics.NATSMessages.WithLabelValues(eventType, "retry").Inc()
					raw.NakFunc()
				}
				continue
			}
			metrics.NATSMessages.WithLabelValues(eventType, "applied").Inc()
			raw.AckFunc()
		}
	}
}

func applyIngested(vault *core.Vault, evt event.Event, now time.Time) error {
	switch e := evt.(type) {
	case *event.TradeOpen:
		return vault.ProcessTrade(e)
	case *event.EpochSettled:
		_, err := vault.SettleEpoch(e.RequestID, e.Caller, e.Entries, now)
		return err
	case *event.YieldDistributed:
		_, err := vault.DistributeYield(e.RequestID, e.Caller, e.Asset, e.Amount, now)
		return err
	default:
		return fmt.Errorf("no vault operation for %T", evt)
	}
}

// resolveEventType matches a concrete subject against the configured subject
// patterns, longest prefix first.
func resolveEventType(subjects []ingestion.SubjectConfig, subject string) string {
	best := ""
	bestLen := -1
	for _, cfg := range subjects {
		prefix := cfg.Subject
		if len(prefix) > 1 && prefix[len(prefix)-1] == '>' {
			prefix = prefix[:len(prefix)-1]
		}
		if len(prefix) > bestLen && len(subject) >= len(prefix) && subject[:len(prefix)] == prefix {
			best = cfg.EventType
			bestLen = len(prefix)
		}
	}
	return best
}

// runSnapshotLoop takes a snapshot whenever the sequence has advanced by the
// configured interval since the last one.
func runSnapshotLoop(ctx context.Context, vault *core.Vault, snapshots *persistence.SnapshotStore, interval int64, logger zerolog.Logger) {
	if interval <= 0 {
		return
	}
	lastSnap := vault.Sequence()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq := vault.Sequence()
			if seq-lastSnap < interval {
				continue
			}
			if err := saveSnapshot(ctx, vault, snapshots); err != nil {
				logger.Error().Err(err).Msg("periodic snapshot failed")
				continue
			}
			lastSnap = seq
			logger.Info().Int64("sequence", seq-1).Msg("snapshot saved")
		}
	}
}

func saveSnapshot(ctx context.Context, vault *core.Vault, snapshots *persistence.SnapshotStore) error {
	snap := vault.CreateSnapshotState()
	if snap.Sequence < 0 {
		return nil
	}
	if err := snapshots.Save(ctx, snap); err != nil {
		return err
	}
	return snapshots.MarkVerified(ctx, snap.Sequence)
}
