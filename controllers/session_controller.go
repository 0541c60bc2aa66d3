package controllers

import (
	"errors"
	"net/http"
	"strconv"

	"ml_backend_project/middleware"
	"ml_backend_project/models"
	"ml_backend_project/services/dispatch"
	"ml_backend_project/services/hub"
	"ml_backend_project/services/sessionstore"

	"github.com/gin-gonic/gin"
)

// SessionController is the HTTP surface over the session subsystem
type SessionController struct {
	store      *sessionstore.Store
	dispatcher *dispatch.Dispatcher
	hub        *hub.Hub
}

// NewSessionController creates a session controller
func NewSessionController(store *sessionstore.Store, dispatcher *dispatch.Dispatcher, h *hub.Hub) *SessionController {
	return &SessionController{store: store, dispatcher: dispatcher, hub: h}
}

type createSessionRequest struct {
	Kind   string           `json:"kind" binding:"required"`
	Config models.JobConfig `json:"config" binding:"required"`
}

// CreateSession registers a new pending session for the caller
func (sc *SessionController) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	if err := req.Config.Validate(req.Kind); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_config", "message": err.Error()})
		return
	}

	session, err := sc.store.Create(middleware.UserID(c), req.Kind, req.Config)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"session": session})
}

// ListSessions returns the caller's sessions, newest first
func (sc *SessionController) ListSessions(c *gin.Context) {
	sessions, err := sc.store.List(middleware.UserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load sessions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// GetSession returns one session the caller owns
func (sc *SessionController) GetSession(c *gin.Context) {
	session, ok := sc.loadOwnedSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

// DispatchSession submits a pending session to the execution engine
func (sc *SessionController) DispatchSession(c *gin.Context) {
	session, ok := sc.loadOwnedSession(c)
	if !ok {
		return
	}

	session, err := sc.dispatcher.Submit(c.Request.Context(), session.ID)
	if err != nil {
		if errors.Is(err, dispatch.ErrDispatch) {
			// Session stays pending; the caller may retry
			c.JSON(http.StatusConflict, gin.H{"error": "dispatch_failed", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": session})
}

// CancelSession requests cancellation. Cancelling a finished session is a
// no-op reported as success.
func (sc *SessionController) CancelSession(c *gin.Context) {
	session, ok := sc.loadOwnedSession(c)
	if !ok {
		return
	}

	if err := sc.dispatcher.Cancel(session.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	session, err := sc.store.Get(session.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

// GetMetrics returns the recorded metric time series for a session
func (sc *SessionController) GetMetrics(c *gin.Context) {
	session, ok := sc.loadOwnedSession(c)
	if !ok {
		return
	}

	points, err := sc.store.MetricHistory(session.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load metrics"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"metrics": points})
}

// GetResources returns the recorded resource samples for a session
func (sc *SessionController) GetResources(c *gin.Context) {
	session, ok := sc.loadOwnedSession(c)
	if !ok {
		return
	}

	samples, err := sc.store.ResourceHistory(session.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load resource samples"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"resources": samples})
}

// HandleWebSocket upgrades the connection and registers it with the hub
func (sc *SessionController) HandleWebSocket(c *gin.Context) {
	sc.hub.HandleWebSocket(c.Writer, c.Request, middleware.UserID(c))
}

// AdminStats returns the hub snapshot plus session counts. Admin only.
func (sc *SessionController) AdminStats(c *gin.Context) {
	counts, err := sc.store.CountByStatus()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load session counts"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"hub":      sc.hub.Stats(),
		"sessions": counts,
	})
}

// loadOwnedSession resolves :id and enforces ownership (admins see all)
func (sc *SessionController) loadOwnedSession(c *gin.Context) (*models.Session, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid session id"})
		return nil, false
	}

	session, err := sc.store.Get(uint(id))
	if err != nil {
		if errors.Is(err, sessionstore.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Session not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return nil, false
	}

	if session.OwnerID != middleware.UserID(c) && c.GetString("user_role") != "admin" {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Session not found"})
		return nil, false
	}
	return session, true
}
