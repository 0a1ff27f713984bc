// Package api exposes the transaction service over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"transaction-service/pkg/ledger"
	"transaction-service/pkg/logging"
	"transaction-service/pkg/models"
	"transaction-service/pkg/query"
	"transaction-service/pkg/scheduler"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Ledger records money movements.
type Ledger interface {
	RecordDebit(ctx context.Context, req ledger.DebitRequest) (*models.Transaction, error)
	RecordCredit(ctx context.Context, req ledger.CreditRequest) (*models.Transaction, error)
	RecordTransfer(ctx context.Context, req ledger.TransferRequest) (*models.Transaction, error)
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
}

// Limits reads and updates per-account caps.
type Limits interface {
	Get(ctx context.Context, account string) (models.TransactionLimit, error)
	Set(ctx context.Context, limit models.TransactionLimit) (models.TransactionLimit, error)
}

// Sagas exposes transfer saga state.
type Sagas interface {
	Get(ctx context.Context, transactionID string) (*models.TransactionSaga, error)
	ListManualReview(ctx context.Context) ([]*models.TransactionSaga, error)
}

// Schedules manages recurring transactions.
type Schedules interface {
	Create(ctx context.Context, req scheduler.CreateRequest) (*models.ScheduledTransaction, error)
	Get(ctx context.Context, id string) (*models.ScheduledTransaction, error)
	List(ctx context.Context, account string) ([]*models.ScheduledTransaction, error)
	Pause(ctx context.Context, id string) (*models.ScheduledTransaction, error)
	Resume(ctx context.Context, id string) (*models.ScheduledTransaction, error)
	Cancel(ctx context.Context, id string) (*models.ScheduledTransaction, error)
}

// Queries serves history and analytics.
type Queries interface {
	History(ctx context.Context, account string, page, limit int) (query.HistoryPage, error)
	MiniStatement(ctx context.Context, account string) (query.MiniStatement, error)
	MonthlyAnalytics(ctx context.Context, account string, year, month int) (query.MonthlyAnalytics, error)
}

// Authorizer decides whether the caller in ctx may act on an account.
type Authorizer interface {
	Authorize(ctx context.Context, account string) error
}

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// Dependencies are the services the handlers call.
type Dependencies struct {
	Ledger    Ledger
	Limits    Limits
	Sagas     Sagas
	Schedules Schedules
	Queries   Queries
	Accounts  Authorizer

	// Verifier authenticates requests. When nil every request runs as an
	// admin, which is only meant for local development.
	Verifier Verifier

	Health map[string]HealthCheck
}

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	// Address to listen on (e.g., ":8080")
	Address string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Registry receives the HTTP metrics and backs /metrics
	// (default: the prometheus default registry)
	Registry *prometheus.Registry
}

// DefaultServerConfig returns a default configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      ":8080",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server provides the HTTP endpoints.
type Server struct {
	deps   Dependencies
	router *mux.Router
	server *http.Server
	logger *logging.Logger
}

// NewServer creates a new API server.
func NewServer(deps Dependencies, config ServerConfig) (*Server, error) {
	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if config.Registry != nil {
		registerer, gatherer = config.Registry, config.Registry
	}

	httpMetrics, err := newHTTPMetrics(registerer)
	if err != nil {
		return nil, err
	}

	s := &Server{
		deps:   deps,
		router: mux.NewRouter(),
		logger: logging.L().Named("api"),
	}

	r := s.router
	r.Use(httpMetrics.middleware)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(s.authenticate)

	api.HandleFunc("/accounts/{account}/debits", s.handleDebit).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{account}/credits", s.handleCredit).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{account}/transfers", s.handleTransfer).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{account}/transactions", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{account}/mini-statement", s.handleMiniStatement).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{account}/analytics", s.handleAnalytics).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{account}/limits", s.handleGetLimits).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{account}/limits", s.handleSetLimits).Methods(http.MethodPut)
	api.HandleFunc("/accounts/{account}/schedules", s.handleListSchedules).Methods(http.MethodGet)

	api.HandleFunc("/transactions/{id}", s.handleGetTransaction).Methods(http.MethodGet)
	api.HandleFunc("/transactions/{id}/saga", s.handleGetSaga).Methods(http.MethodGet)

	api.HandleFunc("/schedules", s.handleCreateSchedule).Methods(http.MethodPost)
	api.HandleFunc("/schedules/{id}", s.handleGetSchedule).Methods(http.MethodGet)
	api.HandleFunc("/schedules/{id}/{action:pause|resume|cancel}", s.handleScheduleAction).Methods(http.MethodPost)

	api.HandleFunc("/sagas/manual-review", s.handleManualReview).Methods(http.MethodGet)

	s.server = &http.Server{
		Addr:         config.Address,
		Handler:      r,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.logger.Info("server listening", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Fatal("server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleHealth runs every registered check; any failure reports 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	components := make(map[string]string, len(s.deps.Health))
	for name, check := range s.deps.Health {
		if err := check(ctx); err != nil {
			components[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		components[name] = "ok"
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, status, map[string]interface{}{
		"status":     overall,
		"components": components,
		"timestamp":  time.Now().UTC(),
	})
}
