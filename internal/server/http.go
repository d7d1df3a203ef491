// Package server exposes the vault over HTTP/JSON: signed credit operations,
// pool operations, admin endpoints, and read APIs backed by projections.
package server

import (
	"context"
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"creditvault/internal/core"
	"creditvault/internal/observability"
	"creditvault/internal/persistence"
	"creditvault/internal/query"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Deps holds everything the HTTP handlers need.
type Deps struct {
	Vault     *core.Vault
	Query     *query.Service
	DB        *sql.DB
	Snapshots *persistence.SnapshotStore
	Health    *observability.HealthChecker
	Metrics   *observability.Metrics
	Logger    zerolog.Logger
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	logger     zerolog.Logger
}

func New(addr string, deps *Deps) *Server {
	h := &handlers{
		vault:     deps.Vault,
		query:     deps.Query,
		db:        deps.DB,
		snapshots: deps.Snapshots,
		logger:    deps.Logger.With().Str("component", "http").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestMetrics(deps.Metrics))

	r.Get("/healthz", deps.Health.LivenessHandler)
	r.Get("/readyz", deps.Health.ReadinessHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		// Credit operations
		r.Post("/settle", h.settle)
		r.Post("/repay", h.repay)
		r.Post("/collateral/add", h.addCollateral)
		r.Post("/collateral/remove", h.removeCollateral)
		r.Post("/liquidate", h.liquidate)
		r.Post("/epoch/settle", h.settleEpoch)
		r.Post("/epoch/yield", h.distributeYield)

		// Pool operations
		r.Post("/pool/deposit", h.poolDeposit)
		r.Post("/pool/redeem", h.poolRedeem)
		r.Post("/pool/transfer", h.poolTransfer)
		r.Post("/pool/fees/withdraw", h.withdrawExitFees)
		r.Post("/reserve/withdraw", h.withdrawReserve)

		// Read APIs
		r.Get("/state", h.getState)
		r.Get("/balances/{counterparty}/{asset}", h.getBalance)
		r.Get("/pools/{asset}", h.getPool)
		r.Get("/caps/{operator}/{asset}", h.getCap)
		r.Get("/reserves/{asset}", h.getReserve)
		r.Get("/epochs/{counterparty}", h.getEpochHistory)
		r.Get("/journal/{counterparty}", h.getJournalHistory)

		// Admin
		r.Route("/admin", func(r chi.Router) {
			r.Post("/assets", h.registerAsset)
			r.Post("/counterparties", h.setCounterparty)
			r.Post("/liquidators", h.setLiquidator)
			r.Post("/roles/grant", h.grantRole)
			r.Post("/roles/revoke", h.revokeRole)
			r.Post("/caps", h.setRebalanceCap)
			r.Post("/exit-fee", h.setExitFee)
			r.Post("/fee-exempt", h.setFeeExempt)
			r.Post("/signer", h.setSigner)
			r.Post("/snapshot", h.takeSnapshot)
			r.Post("/projections/rebuild", h.rebuildProjections)
			r.Get("/integrity", h.verifyIntegrity)
			r.Get("/eventlog", h.eventLogInfo)
		})
	})

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: deps.Logger.With().Str("component", "http").Logger(),
	}
}

// Start runs the server until ctx is cancelled (blocking).
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func requestMetrics(m *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			m.HTTPRequestDur.WithLabelValues(
				route, r.Method, strconv.Itoa(ww.Status()),
			).Observe(time.Since(start).Seconds())
		})
	}
}
