package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/tsromanox/openfinance-sub003/internal/version"
	"github.com/tsromanox/openfinance-sub003/pkg/store"
)

// Server exposes process health, readiness, and Prometheus metrics. The
// public REST surface serving collected data is out of scope (spec.md §1);
// this server only backs operator tooling: liveness/readiness probes, the
// scrape endpoint, and a DLQ inspection endpoint.
type Server struct {
	Router    *chi.Mux
	Logger    *slog.Logger
	DB        *pgxpool.Pool
	Redis     *redis.Client
	Store     store.Store
	Metrics   *prometheus.Registry
	startedAt time.Time
}

// NewServer creates the health/readiness/metrics/admin server. corsOrigins
// configures which origins may call the admin DLQ endpoint from a browser.
func NewServer(logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, st store.Store, metricsReg *prometheus.Registry, corsOrigins []string) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		DB:        db,
		Redis:     rdb,
		Store:     st,
		Metrics:   metricsReg,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET"},
		AllowedHeaders:   []string{"Accept", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))
	s.Router.Get("/admin/dlq", s.handleListDLQ)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.DB.Ping(ctx); err != nil {
		s.Logger.Error("readiness check: database ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "database not ready")
		return
	}

	if err := s.Redis.Ping(ctx).Err(); err != nil {
		s.Logger.Error("readiness check: redis ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "redis not ready")
		return
	}

	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleListDLQ pages through dead-lettered envelopes (events and jobs that
// durably failed delivery). It is an operator tool, not the out-of-scope
// public data API.
func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	params, err := ParseCursorParams(r)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	pred := store.Predicate{ExcludeDeleted: true}
	if partition := r.URL.Query().Get("partition"); partition != "" {
		pred.Partition = partition
	}

	docs, next, err := s.Store.Query(r.Context(), store.CollectionDLQ, pred, params.Limit, params.PageToken)
	if err != nil {
		s.Logger.Error("listing dlq", "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "listing dead letter queue")
		return
	}

	Respond(w, http.StatusOK, NewPage(docs, next))
}
