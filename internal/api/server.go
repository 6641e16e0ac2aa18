// Package api serves the operator surface: loop state, window violations,
// pending-policy decisions, learned knowledge, the published federated model
// and a websocket event stream. Reads are open; anything that changes loop
// behavior requires a bearer token.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"

	"github.com/meshwarden/meshwarden/internal/config"
	"github.com/meshwarden/meshwarden/internal/events"
	"github.com/meshwarden/meshwarden/internal/fl"
	"github.com/meshwarden/meshwarden/internal/governance"
	"github.com/meshwarden/meshwarden/internal/logger"
	"github.com/meshwarden/meshwarden/internal/models"
	"github.com/meshwarden/meshwarden/internal/orchestrator"
	"github.com/meshwarden/meshwarden/internal/telemetry"
)

// StatusSource is the loop surface the API reads and re-arms.
type StatusSource interface {
	State() orchestrator.State
	RecentViolations() []models.Violation
	ClearDegraded(actor string) bool
}

// ApprovalLedger is the pending-policy queue operators decide on.
type ApprovalLedger interface {
	Pending() []governance.PendingPolicy
	Approve(policyID, actor string) error
	Reject(policyID, actor, reason string) error
}

// KnowledgeReader serves learned action patterns and insight reports.
type KnowledgeReader interface {
	Patterns() []models.ActionPattern
	Insights() []models.Insight
}

// FLSource reads the federated plane of this shard.
type FLSource interface {
	State() fl.AggregatorState
	Models() *fl.ModelStore
}

// Deps are the component surfaces the server exposes. FL and Bus may be nil
// when the corresponding plane is disabled; their routes answer 503.
type Deps struct {
	Status    StatusSource
	Approvals ApprovalLedger
	Knowledge KnowledgeReader
	FL        FLSource
	Bus       *events.Bus
}

// Server is the operator HTTP server.
type Server struct {
	cfg   config.APIConfig
	deps  Deps
	tel   *telemetry.Telemetry
	log   logger.Logger
	start time.Time

	engine *gin.Engine
	server *http.Server

	wsMu      sync.Mutex
	wsClients map[string]*wsClient
	wsClosed  bool
}

// New builds the server around the given component surfaces. tel may be nil
// in tests.
func New(cfg config.APIConfig, deps Deps, tel *telemetry.Telemetry) *Server {
	if tel == nil {
		tel = telemetry.Nop()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:       cfg,
		deps:      deps,
		tel:       tel,
		log:       logger.New("api"),
		start:     time.Now(),
		wsClients: make(map[string]*wsClient),
	}

	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), s.requestTelemetry())
	s.routes()

	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/ws/events", s.handleEventStream)

	v1 := s.engine.Group("/api/v1")
	v1.GET("/state", s.handleState)
	v1.GET("/violations", s.handleViolations)
	v1.GET("/policies/pending", s.handlePendingPolicies)
	v1.GET("/knowledge/patterns", s.handlePatterns)
	v1.GET("/knowledge/insights", s.handleInsights)
	v1.GET("/model", s.handleModel)
	v1.GET("/events/recent", s.handleRecentEvents)

	secured := v1.Group("", s.requireBearer())
	secured.POST("/policies/:id/approve", s.handleApprove)
	secured.POST("/policies/:id/reject", s.handleReject)
	secured.POST("/degraded/clear", s.handleClearDegraded)
}

// Handler returns the engine behind the CORS layer, mainly for tests.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})
	return c.Handler(s.engine)
}

// Start runs the listener until Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.log.Info("operator api listening", logger.String("addr", s.cfg.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown closes websocket clients and drains the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsMu.Lock()
	s.wsClosed = true
	clients := make([]*wsClient, 0, len(s.wsClients))
	for _, c := range s.wsClients {
		clients = append(clients, c)
	}
	s.wsMu.Unlock()

	for _, c := range clients {
		c.shutdown()
	}

	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// requestTelemetry records per-route latency and status. The matched route
// template keeps metric cardinality bounded; unmatched requests fall back
// to the raw path.
func (s *Server) requestTelemetry() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		s.tel.RecordAPIRequest(c.Request.Context(), c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}
