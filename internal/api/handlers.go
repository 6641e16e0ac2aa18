package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/meshwarden/meshwarden/internal/errors"
	"github.com/meshwarden/meshwarden/internal/events"
	"github.com/meshwarden/meshwarden/internal/fl"
	"github.com/meshwarden/meshwarden/internal/governance"
	"github.com/meshwarden/meshwarden/internal/logger"
	"github.com/meshwarden/meshwarden/internal/models"
	"github.com/meshwarden/meshwarden/internal/orchestrator"
)

// Replay depth and cap for the recent-events route.
const (
	defaultEventCount = 32
	maxEventCount     = 256
)

type stateResponse struct {
	Orchestrator    orchestrator.State  `json:"orchestrator"`
	PendingPolicies int                 `json:"pending_policies"`
	FL              *fl.AggregatorState `json:"fl,omitempty"`
	Events          *eventStats         `json:"events,omitempty"`
}

type eventStats struct {
	Published   int64 `json:"published"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"`
	Subscribers int   `json:"subscribers"`
}

func (s *Server) handleHealth(c *gin.Context) {
	st := s.deps.Status.State()
	status := "ok"
	if st.Degraded {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         status,
		"loop_running":   st.IsRunning,
		"uptime_seconds": int64(time.Since(s.start).Seconds()),
	})
}

func (s *Server) handleState(c *gin.Context) {
	resp := stateResponse{
		Orchestrator:    s.deps.Status.State(),
		PendingPolicies: len(s.deps.Approvals.Pending()),
	}
	if s.deps.FL != nil {
		flState := s.deps.FL.State()
		resp.FL = &flState
	}
	if s.deps.Bus != nil {
		m := s.deps.Bus.Stats()
		resp.Events = &eventStats{
			Published:   m.Published,
			Delivered:   m.Delivered,
			Dropped:     m.Dropped,
			Subscribers: m.Subscribers,
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleViolations(c *gin.Context) {
	violations := s.deps.Status.RecentViolations()
	if violations == nil {
		violations = []models.Violation{}
	}
	c.JSON(http.StatusOK, gin.H{
		"violations": violations,
		"count":      len(violations),
	})
}

func (s *Server) handlePendingPolicies(c *gin.Context) {
	pending := s.deps.Approvals.Pending()
	if pending == nil {
		pending = []governance.PendingPolicy{}
	}
	c.JSON(http.StatusOK, gin.H{
		"pending": pending,
		"count":   len(pending),
	})
}

func (s *Server) handlePatterns(c *gin.Context) {
	patterns := s.deps.Knowledge.Patterns()
	if patterns == nil {
		patterns = []models.ActionPattern{}
	}
	c.JSON(http.StatusOK, gin.H{
		"patterns": patterns,
		"count":    len(patterns),
	})
}

func (s *Server) handleInsights(c *gin.Context) {
	insights := s.deps.Knowledge.Insights()
	if insights == nil {
		insights = []models.Insight{}
	}
	c.JSON(http.StatusOK, gin.H{
		"insights": insights,
		"count":    len(insights),
	})
}

// handleModel serves the currently published global model, or a retained
// prior version when ?version= is given.
func (s *Server) handleModel(c *gin.Context) {
	if s.deps.FL == nil {
		writeError(c, errors.NewUnavailable("federated plane", nil))
		return
	}

	store := s.deps.FL.Models()
	model := store.Current()

	if raw := c.Query("version"); raw != "" {
		version, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(c, errors.NewValidation("version must be a non-negative integer"))
			return
		}
		retained, ok := store.Version(version)
		if !ok {
			writeError(c, errors.NewNotFound("model version "+raw))
			return
		}
		model = retained
	}

	flState := s.deps.FL.State()
	c.JSON(http.StatusOK, gin.H{
		"model": model,
		"state": flState,
	})
}

func (s *Server) handleRecentEvents(c *gin.Context) {
	if s.deps.Bus == nil {
		writeError(c, errors.NewUnavailable("event bus", nil))
		return
	}

	count := defaultEventCount
	if raw := c.Query("count"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(c, errors.NewValidation("count must be a positive integer"))
			return
		}
		count = parsed
	}
	if count > maxEventCount {
		count = maxEventCount
	}

	recent := s.deps.Bus.Recent(count)
	if recent == nil {
		recent = []events.Event{}
	}
	c.JSON(http.StatusOK, gin.H{
		"events": recent,
		"count":  len(recent),
	})
}

func (s *Server) handleApprove(c *gin.Context) {
	policyID := c.Param("id")
	actor := actorFrom(c)

	if err := s.deps.Approvals.Approve(policyID, actor); err != nil {
		writeError(c, err)
		return
	}

	s.log.Info("policy approved over api",
		logger.String("policy_id", policyID),
		logger.String("actor", actor))
	c.JSON(http.StatusOK, gin.H{
		"policy_id": policyID,
		"state":     "approved",
		"actor":     actor,
	})
}

func (s *Server) handleReject(c *gin.Context) {
	policyID := c.Param("id")
	actor := actorFrom(c)

	var body struct {
		Reason string `json:"reason"`
	}
	// An empty body is a bare rejection.
	_ = c.ShouldBindJSON(&body)
	if body.Reason == "" {
		body.Reason = "rejected by operator"
	}

	if err := s.deps.Approvals.Reject(policyID, actor, body.Reason); err != nil {
		writeError(c, err)
		return
	}

	s.log.Info("policy rejected over api",
		logger.String("policy_id", policyID),
		logger.String("actor", actor),
		logger.String("reason", body.Reason))
	c.JSON(http.StatusOK, gin.H{
		"policy_id": policyID,
		"state":     "rejected",
		"actor":     actor,
	})
}

func (s *Server) handleClearDegraded(c *gin.Context) {
	actor := actorFrom(c)
	cleared := s.deps.Status.ClearDegraded(actor)

	c.JSON(http.StatusOK, gin.H{
		"cleared": cleared,
		"actor":   actor,
	})
}

// writeError maps component error kinds onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	kind := errors.KindOf(err)

	status := http.StatusInternalServerError
	switch kind {
	case errors.KindNotFound:
		status = http.StatusNotFound
	case errors.KindValidation:
		status = http.StatusBadRequest
	case errors.KindConflict:
		status = http.StatusConflict
	case errors.KindUnavailable:
		status = http.StatusServiceUnavailable
	case errors.KindBudget:
		status = http.StatusTooManyRequests
	}

	c.JSON(status, gin.H{
		"error": err.Error(),
		"kind":  string(kind),
	})
}
