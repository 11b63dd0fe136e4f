package httpiface

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"dev-assistant/domain/chat"
	"dev-assistant/domain/persistence"
	"dev-assistant/infrastructure/sse"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	sessionIDKey = "session_id"

	upstreamConnected    = "Connected"
	upstreamDisconnected = "Disconnected"
	databaseConnected    = "Connected"
	databaseUnavailable  = "Not Available"
	databaseDisabled     = "Disabled"

	defaultConversationLimit = 20
	maxConversationLimit     = 100
)

// RelayService runs one streaming session to its terminal event
type RelayService interface {
	Run(session *chat.Session, w chat.EventWriter) *chat.Session
}

// TemplateLister exposes the prompt catalog
type TemplateLister interface {
	Templates() []chat.Template
}

// DatabaseHealth reports audit store connectivity
type DatabaseHealth interface {
	Health(ctx context.Context) error
}

// CircuitStateReporter exposes per-model breaker states
type CircuitStateReporter interface {
	GetCircuitStates() map[string]string
}

type Router struct {
	relay         RelayService
	templates     TemplateLister
	probe         chat.HealthProbe
	corsOrigins   []string
	tracker       persistence.AuditTracker
	conversations persistence.ConversationRepository
	dbManager     DatabaseHealth
	processor     persistence.EventProcessor
	breakers      CircuitStateReporter
}

func NewRouter(relay RelayService, templates TemplateLister, probe chat.HealthProbe, corsOrigins []string) *Router {
	return &Router{
		relay:       relay,
		templates:   templates,
		probe:       probe,
		corsOrigins: corsOrigins,
	}
}

// NewRouterWithPersistence creates a router that also serves feedback and conversation history
func NewRouterWithPersistence(
	relay RelayService,
	templates TemplateLister,
	probe chat.HealthProbe,
	corsOrigins []string,
	tracker persistence.AuditTracker,
	conversations persistence.ConversationRepository,
	dbManager DatabaseHealth,
	processor persistence.EventProcessor,
) *Router {
	r := NewRouter(relay, templates, probe, corsOrigins)
	r.tracker = tracker
	r.conversations = conversations
	r.dbManager = dbManager
	r.processor = processor
	return r
}

// WithCircuitStates adds breaker states to the readiness report
func (r *Router) WithCircuitStates(breakers CircuitStateReporter) *Router {
	r.breakers = breakers
	return r
}

func (r *Router) SetupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(r.corsMiddleware())

	// Probes for orchestrators; no request ID needed
	router.GET("/live", r.liveness)
	router.GET("/ready", r.readiness)

	api := router.Group("/api")
	api.Use(r.requestIDMiddleware())

	chatGroup := api.Group("/chat")
	chatGroup.POST("/stream", r.streamChat)
	chatGroup.GET("/templates", r.listTemplates)
	chatGroup.GET("/health", r.healthCheck)

	// Persistence endpoints (only available if the audit store is configured)
	if r.tracker != nil && r.conversations != nil {
		chatGroup.POST("/feedback", r.submitFeedback)
		api.GET("/conversations", r.listConversations)
		api.GET("/conversations/:id", r.getConversation)
	}

	return router
}

func (r *Router) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqOrigin := c.GetHeader("Origin")
		if reqOrigin == "" {
			c.Header("Access-Control-Allow-Origin", strings.Join(r.corsOrigins, ", "))
		} else {
			allowOrigin := ""
			if len(r.corsOrigins) == 1 && r.corsOrigins[0] == "*" {
				allowOrigin = "*"
			} else {
				for _, allowed := range r.corsOrigins {
					if allowed == reqOrigin {
						allowOrigin = reqOrigin
						break
					}
				}
			}
			if allowOrigin != "" {
				c.Header("Access-Control-Allow-Origin", allowOrigin)
			}
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		c.Header("Access-Control-Expose-Headers", "X-Request-ID, X-Session-ID")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestIDMiddleware honors a UUID X-Request-ID and generates one otherwise.
// The ID doubles as the session and conversation ID.
func (r *Router) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := uuid.Nil
		if clientRequestID := c.GetHeader("X-Request-ID"); clientRequestID != "" {
			if parsed, err := uuid.Parse(clientRequestID); err == nil {
				requestID = parsed
			} else {
				// Keep the client's reference but use an ID we can store
				c.Header("X-Client-Request-ID", clientRequestID)
			}
		}
		if requestID == uuid.Nil {
			requestID = uuid.New()
		}

		c.Header("X-Request-ID", requestID.String())
		c.Set(sessionIDKey, requestID)
		c.Next()
	}
}

func sessionID(c *gin.Context) uuid.UUID {
	if v, ok := c.Get(sessionIDKey); ok {
		if id, ok := v.(uuid.UUID); ok {
			return id
		}
	}
	return uuid.New()
}

func (r *Router) streamChat(c *gin.Context) {
	var req chat.StreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logrus.WithError(err).Debug("Failed to bind stream request")
		c.String(http.StatusBadRequest, "Invalid request body")
		return
	}

	encoder, err := sse.NewEncoder(c.Writer)
	if err != nil {
		logrus.WithError(err).Error("Response writer cannot stream")
		c.String(http.StatusInternalServerError, "Streaming not supported by server")
		return
	}

	id := sessionID(c)
	c.Header("X-Session-ID", id.String())

	session := r.relay.Run(chat.NewSession(c.Request.Context(), id, req), encoder)

	// A rejected session never opened the stream, so a plain response is still possible
	if session.State() == chat.StateRejected && !encoder.Committed() {
		c.String(http.StatusBadRequest, "User input is required")
	}
}

func (r *Router) listTemplates(c *gin.Context) {
	c.JSON(http.StatusOK, r.templates.Templates())
}

func (r *Router) healthCheck(c *gin.Context) {
	ctx := c.Request.Context()

	healthy := r.probe.Probe(ctx)
	upstream := upstreamDisconnected
	if healthy {
		upstream = upstreamConnected
	}

	c.JSON(http.StatusOK, chat.HealthStatus{
		IsHealthy:      healthy,
		UpstreamStatus: upstream,
		DatabaseStatus: r.databaseStatus(ctx),
		Timestamp:      time.Now().UTC(),
	})
}

func (r *Router) databaseStatus(ctx context.Context) string {
	if r.dbManager == nil {
		return databaseDisabled
	}
	if err := r.dbManager.Health(ctx); err != nil {
		logrus.WithError(err).Warn("Audit database health check failed")
		return databaseUnavailable
	}
	return databaseConnected
}

// liveness probe: process is up and serving HTTP
func (r *Router) liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// readiness probe: the model server answers and the audit store, if any, is usable
func (r *Router) readiness(c *gin.Context) {
	ctx := c.Request.Context()
	checks := gin.H{}
	ready := true

	if r.probe.Probe(ctx) {
		checks["upstream"] = gin.H{"ok": true}
	} else {
		checks["upstream"] = gin.H{"ok": false}
		ready = false
	}

	if r.dbManager != nil {
		if err := r.dbManager.Health(ctx); err != nil {
			checks["db"] = gin.H{"ok": false, "error": err.Error()}
			ready = false
		} else {
			checks["db"] = gin.H{"ok": true}
		}
	}

	if r.processor != nil {
		ph := r.processor.Health()
		checks["processor"] = ph
		if !ph.IsRunning {
			ready = false
		}
	}

	// Informational only; an open breaker still lets other models through
	if r.breakers != nil {
		checks["circuit_breakers"] = r.breakers.GetCircuitStates()
	}

	if ready {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ready",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"checks":    checks,
		})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"status":    "not_ready",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	})
}

// FeedbackRequest is the body of a feedback submission
type FeedbackRequest struct {
	SessionID string                   `json:"sessionId" binding:"required"`
	Type      persistence.FeedbackType `json:"type" binding:"required"`
	Comment   string                   `json:"comment" binding:"max=1000"`
}

func (r *Router) submitFeedback(c *gin.Context) {
	var req FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, chat.ErrorResponse{Error: "Invalid request format"})
		return
	}

	conversationID, err := uuid.Parse(req.SessionID)
	if err != nil {
		c.JSON(http.StatusBadRequest, chat.ErrorResponse{Error: "Invalid session ID format"})
		return
	}

	if !req.Type.Valid() {
		c.JSON(http.StatusBadRequest, chat.ErrorResponse{Error: "Feedback type must be thumbs_up or thumbs_down"})
		return
	}

	if err := r.tracker.SubmitFeedback(c.Request.Context(), conversationID, req.Type, req.Comment); err != nil {
		logrus.WithError(err).WithField("session_id", conversationID).Error("Failed to queue feedback")
		c.JSON(http.StatusServiceUnavailable, chat.ErrorResponse{Error: "Feedback could not be recorded right now"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message":   "Feedback submitted successfully",
		"sessionId": conversationID.String(),
	})
}

func (r *Router) getConversation(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, chat.ErrorResponse{Error: "Invalid conversation ID format"})
		return
	}

	record, err := r.conversations.FindByIDWithRelations(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			c.JSON(http.StatusNotFound, chat.ErrorResponse{Error: "Conversation not found"})
			return
		}
		logrus.WithError(err).Errorf("Failed to get conversation %s", id)
		c.JSON(http.StatusInternalServerError, chat.ErrorResponse{Error: "Failed to retrieve conversation"})
		return
	}

	c.JSON(http.StatusOK, record)
}

func (r *Router) listConversations(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultConversationLimit)))
	if err != nil || limit <= 0 || limit > maxConversationLimit {
		c.JSON(http.StatusBadRequest, chat.ErrorResponse{Error: "Invalid limit parameter"})
		return
	}

	records, err := r.conversations.FindRecent(c.Request.Context(), limit)
	if err != nil {
		logrus.WithError(err).Error("Failed to list conversations")
		c.JSON(http.StatusInternalServerError, chat.ErrorResponse{Error: "Failed to retrieve conversations"})
		return
	}

	c.JSON(http.StatusOK, records)
}
