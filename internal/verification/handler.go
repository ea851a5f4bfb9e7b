package verification

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/verigate/internal/logging"
)

const maxWindowHours = 24 * 30

// Handler serves the read-only security status API.
type Handler struct {
	reporter *Reporter
}

// NewHandler creates a status handler.
func NewHandler(reporter *Reporter) *Handler {
	return &Handler{reporter: reporter}
}

// RegisterRoutes mounts the status routes under r.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/security/status", h.Status)
	r.GET("/security/metrics/risk-scores", h.RiskScores)
	r.GET("/security/metrics/threats", h.Threats)
	r.GET("/security/metrics/sessions", h.Sessions)
	r.GET("/security/live/session/:id", h.LiveSession)
}

func windowParam(c *gin.Context) (time.Duration, bool) {
	raw := c.DefaultQuery("hours", "24")
	hours, err := strconv.Atoi(raw)
	if err != nil || hours < 1 || hours > maxWindowHours {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "hours must be an integer between 1 and 720",
		})
		return 0, false
	}
	return time.Duration(hours) * time.Hour, true
}

func internalError(c *gin.Context, err error) {
	logging.L(c.Request.Context()).Error("security status query failed", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Failed to load security data",
	})
}

// Status handles GET /security/status
func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "operational",
		"config":    h.reporter.ConfigStatus(),
		"timestamp": time.Now().UTC(),
	})
}

// RiskScores handles GET /security/metrics/risk-scores
func (h *Handler) RiskScores(c *gin.Context) {
	window, ok := windowParam(c)
	if !ok {
		return
	}
	st, err := h.reporter.RiskScoreStats(c.Request.Context(), window)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// Threats handles GET /security/metrics/threats
func (h *Handler) Threats(c *gin.Context) {
	window, ok := windowParam(c)
	if !ok {
		return
	}
	st, err := h.reporter.ThreatStats(c.Request.Context(), window)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// Sessions handles GET /security/metrics/sessions
func (h *Handler) Sessions(c *gin.Context) {
	st, err := h.reporter.SessionStats(c.Request.Context())
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// LiveSession handles GET /security/live/session/:id
func (h *Handler) LiveSession(c *gin.Context) {
	snap, err := h.reporter.SessionSnapshot(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrUnknownSession) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Session not found",
		})
		return
	}
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}
