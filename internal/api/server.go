// Package api provides the operations HTTP server: health, metrics, cron
// triggers for the sync and sweep jobs, and per-Safe read and settings routes.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/auto-earn/internal/adapter"
	"github.com/auto-earn/internal/circuitbreaker"
	"github.com/auto-earn/internal/logging"
	"github.com/auto-earn/internal/models"
	"github.com/auto-earn/internal/service"
	"github.com/auto-earn/internal/worker"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Service interfaces for dependency injection and testing

// SyncRunner runs a deposit sync over every tracked Safe
type SyncRunner interface {
	SyncAll(ctx context.Context) (*service.SyncSummary, error)
}

// SweepRunner runs an auto-earn sweep over every target Safe
type SweepRunner interface {
	Run(ctx context.Context) (*service.RunSummary, error)
}

// PositionReader reads a Safe's vault position from chain
type PositionReader interface {
	GetPosition(ctx context.Context, safe string) (*service.VaultPosition, error)
}

// AllocationReader reads and reconciles allocation totals
type AllocationReader interface {
	Reconcile(ctx context.Context, safe string, repair bool) (*service.AllocationReport, error)
}

// SettingsWriter updates a user's auto-earn settings
type SettingsWriter interface {
	SetPercentage(ctx context.Context, userDID, safe string, pct int) (*models.AutoEarnConfig, error)
	RefreshModuleStatus(ctx context.Context, safe string) (bool, error)
}

// RPCStatus reports the health of each JSON-RPC endpoint
type RPCStatus interface {
	Status() []*adapter.ProviderHealth
}

// BreakerStatus reports an upstream circuit breaker
type BreakerStatus interface {
	GetStats() *circuitbreaker.Stats
}

// SchedulerStatus reports the worker's cron scheduler
type SchedulerStatus interface {
	IsRunning() bool
	Status() []worker.JobStatus
}

// HealthSources feed /health. Nil members are left out of the report.
type HealthSources struct {
	RPC       RPCStatus
	Breakers  []BreakerStatus
	Scheduler SchedulerStatus
}

// Services groups the collaborators of the server. Nil members disable their routes.
type Services struct {
	Sync        SyncRunner
	Sweep       SweepRunner
	Positions   PositionReader
	Allocations AllocationReader
	Settings    SettingsWriter
	Health      HealthSources
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	services   Services
	gatherer   prometheus.Gatherer
	config     *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration // must cover a full sweep run when cron routes are used
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	CronSecret      string
	RequestsPerSec  int // per client IP, safe routes only
	Burst           int
}

// NewServer creates a new API server instance. gatherer backs /metrics; nil
// uses the default registry.
func NewServer(config *ServerConfig, services Services, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		router:   mux.NewRouter(),
		services: services,
		gatherer: gatherer,
		config:   config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()

	// Cron triggers: long-running, no compression or rate limiting
	cron := api.PathPrefix("/cron").Subrouter()
	cron.Use(CronAuthMiddleware(s.config.CronSecret))
	cron.HandleFunc("/sync-deposits", s.handleSyncDeposits).Methods("POST")
	cron.HandleFunc("/auto-earn", s.handleAutoEarn).Methods("POST")

	safes := api.PathPrefix("/safes/{address}").Subrouter()
	safes.Use(RateLimitMiddleware(NewRateLimiter(s.config.RequestsPerSec, s.config.Burst)))
	safes.Use(CompressionMiddleware)
	safes.HandleFunc("/vault-position", s.handleVaultPosition).Methods("GET")
	safes.HandleFunc("/allocation", s.handleAllocation).Methods("GET")
	safes.HandleFunc("/auto-earn", s.handleSetAutoEarn).Methods("PUT")
	safes.HandleFunc("/module-status", s.handleRefreshModuleStatus).Methods("POST")
}

// Health states reported by /health
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

type healthReport struct {
	Status    string                    `json:"status"`
	Service   string                    `json:"service"`
	RPC       []*adapter.ProviderHealth `json:"rpc,omitempty"`
	Breakers  []*circuitbreaker.Stats   `json:"breakers,omitempty"`
	Scheduler *schedulerHealth          `json:"scheduler,omitempty"`
}

type schedulerHealth struct {
	Running bool               `json:"running"`
	Jobs    []worker.JobStatus `json:"jobs"`
}

// handleHealth reports the state of every configured upstream. No healthy RPC
// endpoint or a stopped scheduler is unhealthy (503); an open breaker is degraded.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.services.Health
	report := healthReport{Status: HealthHealthy, Service: "auto-earn"}

	if h.RPC != nil {
		report.RPC = h.RPC.Status()
		anyHealthy := false
		for _, ep := range report.RPC {
			anyHealthy = anyHealthy || ep.IsHealthy
		}
		if !anyHealthy {
			report.Status = HealthUnhealthy
		}
	}

	for _, b := range h.Breakers {
		stats := b.GetStats()
		report.Breakers = append(report.Breakers, stats)
		if stats.State != circuitbreaker.StateClosed && report.Status == HealthHealthy {
			report.Status = HealthDegraded
		}
	}

	if h.Scheduler != nil {
		report.Scheduler = &schedulerHealth{Running: h.Scheduler.IsRunning(), Jobs: h.Scheduler.Status()}
		if !report.Scheduler.Running {
			report.Status = HealthUnhealthy
		}
	}

	status := http.StatusOK
	if report.Status == HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, report)
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.Infof("Starting API server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}
