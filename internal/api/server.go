// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/portfolio-tracker/internal/logging"
	"github.com/portfolio-tracker/internal/metrics"
	"github.com/portfolio-tracker/internal/models"
	"github.com/portfolio-tracker/internal/ratelimit"
	"github.com/portfolio-tracker/internal/service"
	"github.com/portfolio-tracker/internal/types"
)

// EngineInterface is the part of the engine the API serves
type EngineInterface interface {
	GetPerformance(ctx context.Context, userID int64, period types.PeriodCode) *service.PerformanceResult
	GetLeaderboard(ctx context.Context, period types.PeriodCode, category types.Category, limit int) ([]models.LeaderboardEntry, error)
	RebuildLeaderboardCache(ctx context.Context, input service.RebuildLeaderboardInput) (*service.RebuildResult, error)
	RebuildChartCache(ctx context.Context, input service.RebuildChartInput) (*service.RebuildResult, error)
	RebuildCashPositions(ctx context.Context, userID *int64) (*service.RebuildResult, error)
}

// Admitter grants rebuild units from the shared admission budget
type Admitter interface {
	TryConsume(ctx context.Context, cost int, priority ratelimit.Priority) (bool, time.Duration)
	RecordOperation(ctx context.Context, operation string, cost int) error
}

// HealthChecker reports the state of every backing store
type HealthChecker interface {
	Ping(ctx context.Context) map[string]error
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	engine     EngineInterface
	admitter   Admitter
	costs      *ratelimit.CostRegistry
	health     HealthChecker
	metrics    *metrics.Metrics
	config     *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// Per-client request rate on /api routes
	RequestsPerSecond float64
	Burst             int
}

// Dependencies are the collaborators of the server. Only Engine is required;
// without an Admitter rebuild requests are not admission controlled.
type Dependencies struct {
	Engine   EngineInterface
	Admitter Admitter
	Costs    *ratelimit.CostRegistry
	Health   HealthChecker
	Metrics  *metrics.Metrics
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, deps Dependencies) *Server {
	costs := deps.Costs
	if costs == nil {
		costs = ratelimit.NewCostRegistry(nil)
	}
	s := &Server{
		router:   mux.NewRouter(),
		engine:   deps.Engine,
		admitter: deps.Admitter,
		costs:    costs,
		health:   deps.Health,
		metrics:  deps.Metrics,
		config:   config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	// Set up middleware (order matters!)
	s.router.Use(RequestIDMiddleware)
	s.router.Use(LoggingMiddleware(s.metrics))
	s.router.Use(CORSMiddleware)
	s.router.Use(CompressionMiddleware)
	s.router.Use(RecoveryMiddleware)

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
	// Health checks are not rate limited
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(RateLimitMiddleware(NewRateLimiter(s.config.RequestsPerSecond, s.config.Burst)))

	api.HandleFunc("/users/{id}/performance", s.handleGetPerformance).Methods("GET")
	api.HandleFunc("/leaderboard", s.handleGetLeaderboard).Methods("GET")

	api.HandleFunc("/rebuild/leaderboard", s.handleRebuildLeaderboard).Methods("POST")
	api.HandleFunc("/rebuild/charts", s.handleRebuildCharts).Methods("POST")
	api.HandleFunc("/rebuild/cash-positions", s.handleRebuildCashPositions).Methods("POST")
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"status":  "healthy",
			"service": "portfolio-tracker",
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status, code := "healthy", http.StatusOK
	checks := make(map[string]string)
	for name, err := range s.health.Ping(ctx) {
		if err != nil {
			checks[name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	respondJSON(w, code, map[string]interface{}{
		"status":  status,
		"service": "portfolio-tracker",
		"checks":  checks,
	})
}

// Handler returns the root handler, for tests and embedding
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
