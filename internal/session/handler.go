package session

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/verigate/internal/audit"
	"github.com/mbd888/verigate/internal/reqctx"
)

// Auditor receives session lifecycle events.
type Auditor interface {
	Log(ctx context.Context, e audit.Event)
}

// Handler exposes session management over HTTP.
type Handler struct {
	registry *Registry
	auditor  Auditor
}

// NewHandler creates a handler. auditor may be nil.
func NewHandler(registry *Registry, auditor Auditor) *Handler {
	return &Handler{registry: registry, auditor: auditor}
}

// RegisterRoutes mounts the service-authenticated routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/sessions", h.CreateSession)
	r.GET("/sessions/:id", h.GetSession)
	r.DELETE("/sessions/:id", h.RevokeSession)
	r.DELETE("/identities/:id/sessions", h.RevokeIdentitySessions)
}

// RegisterPublicRoutes mounts routes that authenticate with a refresh token.
func (h *Handler) RegisterPublicRoutes(r *gin.RouterGroup) {
	r.POST("/sessions/refresh", h.RefreshSession)
}

// CreateSessionRequest is the body of POST /sessions.
type CreateSessionRequest struct {
	IdentityID   string   `json:"identity_id" binding:"required"`
	IdentityKind string   `json:"identity_kind"`
	Permissions  []string `json:"permissions"`
}

// CreateSession handles POST /sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "identity_id is required",
		})
		return
	}
	if req.IdentityKind != "" && req.IdentityKind != "user" && req.IdentityKind != "expert" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_identity_kind",
			"message": "identity_kind must be user or expert",
		})
		return
	}

	rc := reqctx.FromHTTP(c.Request)
	pair, err := h.registry.Open(req.IdentityID, req.IdentityKind, Metadata{
		Permissions:   req.Permissions,
		SourceAddress: rc.ClientIP(),
		UserAgent:     rc.UserAgent(),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "session_create_failed",
			"message": "Failed to create session",
		})
		return
	}

	h.audit(c, audit.Event{
		Type:         audit.EventSessionCreated,
		Resource:     "session",
		Action:       "create",
		IdentityID:   req.IdentityID,
		IdentityKind: req.IdentityKind,
		SessionID:    pair.SessionID,
		Success:      true,
	})
	c.JSON(http.StatusCreated, pair)
}

// RefreshRequest is the body of POST /sessions/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// RefreshSession handles POST /sessions/refresh
func (h *Handler) RefreshSession(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "refresh_token is required",
		})
		return
	}

	pair, err := h.registry.Refresh(req.RefreshToken)
	switch {
	case errors.Is(err, ErrSessionInactive):
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "session_inactive",
			"message": "Session is no longer active",
		})
		return
	case err != nil:
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "invalid_token",
			"message": "Refresh token is invalid or expired",
		})
		return
	}
	c.JSON(http.StatusOK, pair)
}

// GetSession handles GET /sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	rec, status := h.registry.Lookup(c.Param("id"))
	if status == StatusMissing {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Session not found",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session": rec,
		"status":  status.String(),
	})
}

// RevokeSession handles DELETE /sessions/:id (logout)
func (h *Handler) RevokeSession(c *gin.Context) {
	id := c.Param("id")
	rec, _ := h.registry.Lookup(id)
	if !h.registry.Revoke(id, ReasonLogout) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Session not found or already ended",
		})
		return
	}
	h.audit(c, audit.Event{
		Type:         audit.EventSessionRevoked,
		Resource:     "session",
		Action:       "logout",
		IdentityID:   rec.IdentityID,
		IdentityKind: rec.IdentityKind,
		SessionID:    id,
		Success:      true,
		Details:      map[string]any{"reason": string(ReasonLogout)},
	})
	c.JSON(http.StatusOK, gin.H{"revoked": true, "session_id": id})
}

// RevokeIdentitySessions handles DELETE /identities/:id/sessions
func (h *Handler) RevokeIdentitySessions(c *gin.Context) {
	identityID := c.Param("id")
	n := h.registry.RevokeAll(identityID, ReasonRevokeAll)
	if n > 0 {
		h.audit(c, audit.Event{
			Type:       audit.EventSessionRevoked,
			Resource:   "session",
			Action:     "revoke_all",
			IdentityID: identityID,
			Success:    true,
			Details:    map[string]any{"count": n, "reason": string(ReasonRevokeAll)},
		})
	}
	c.JSON(http.StatusOK, gin.H{"revoked": n, "identity_id": identityID})
}

func (h *Handler) audit(c *gin.Context, e audit.Event) {
	if h.auditor == nil {
		return
	}
	rc := reqctx.FromHTTP(c.Request)
	e.IPAddress = rc.ClientIP()
	e.UserAgent = rc.UserAgent()
	h.auditor.Log(c.Request.Context(), e)
}
