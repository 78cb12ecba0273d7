// Package api exposes the operator surface of the autotrader daemon: a JSON
// HTTP API, a websocket feed of run results and a gRPC operator service. The
// handlers are thin; every decision is delegated to the store, the engine and
// the scheduler.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"autotrader/internal/domain"
	"autotrader/internal/events"
	"autotrader/internal/store"
)

// Runner runs the daily routine of one strategy.
type Runner interface {
	RunDailyRoutine(ctx context.Context, strategyID int64) domain.RunResult
}

// FanOut runs every active strategy.
type FanOut interface {
	RunAllActive(ctx context.Context) (domain.AggregateReport, error)
}

// Accounts reports which broker accounts are configured.
type Accounts interface {
	Has(account string) bool
	Accounts() []string
}

// Server serves the operator HTTP API.
type Server struct {
	store    store.Store
	runner   Runner
	fanout   FanOut
	accounts Accounts
	bus      *events.Bus
	log      *slog.Logger
}

// NewServer creates a Server. bus may be nil, in which case the events
// websocket is not registered.
func NewServer(st store.Store, runner Runner, fanout FanOut, accounts Accounts, bus *events.Bus, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		store:    st,
		runner:   runner,
		fanout:   fanout,
		accounts: accounts,
		bus:      bus,
		log:      log.With("component", "api"),
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/accounts", s.handleAccounts)

	mux.HandleFunc("GET /api/strategies", s.handleListStrategies)
	mux.HandleFunc("POST /api/strategies", s.handleCreateStrategy)
	mux.HandleFunc("GET /api/strategies/{id}", s.handleGetStrategy)
	mux.HandleFunc("PUT /api/strategies/{id}", s.handleUpdateStrategy)
	mux.HandleFunc("DELETE /api/strategies/{id}", s.handleDeleteStrategy)
	mux.HandleFunc("POST /api/strategies/{id}/activate", s.handleSetStatus(domain.StrategyStatusActive))
	mux.HandleFunc("POST /api/strategies/{id}/deactivate", s.handleSetStatus(domain.StrategyStatusInactive))
	mux.HandleFunc("POST /api/strategies/{id}/run", s.handleRun)
	mux.HandleFunc("POST /api/run-all", s.handleRunAll)

	mux.HandleFunc("GET /api/strategies/{id}/snapshots", s.handleListSnapshots)
	mux.HandleFunc("POST /api/strategies/{id}/snapshots", s.handleCreateSnapshot)
	mux.HandleFunc("GET /api/snapshots/{id}", s.handleGetSnapshot)
	mux.HandleFunc("PUT /api/snapshots/{id}", s.handleUpdateSnapshot)
	mux.HandleFunc("DELETE /api/snapshots/{id}", s.handleDeleteSnapshot)

	mux.HandleFunc("GET /api/orders", s.handleListOrders)
	mux.HandleFunc("PUT /api/orders/{id}", s.handleUpdateOrder)
	mux.HandleFunc("DELETE /api/orders/{id}", s.handleDeleteOrder)

	if s.bus != nil {
		mux.HandleFunc("GET /api/events", s.handleEvents)
	}
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps storage and validation errors onto status codes.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	var cfgErr *domain.ConfigurationError
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrDuplicateKey):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrInvalidInput), errors.As(err, &cfgErr):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// pathID parses the {id} path value.
func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, &domain.ConfigurationError{Field: "id", Reason: "must be a positive integer"}
	}
	return id, nil
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &domain.ConfigurationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAccounts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.accounts.Accounts())
}
