package verification

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/verigate/internal/logging"
	"github.com/mbd888/verigate/internal/ratelimit"
	"github.com/mbd888/verigate/internal/reqctx"
	"github.com/mbd888/verigate/internal/session"
)

// Gin context keys set by the middleware.
const (
	ContextKeySessionID = "verigate.session_id"
	ContextKeyIdentity  = "verigate.identity"
)

// Gate wires authentication, the global rate limit, and continuous
// verification in front of protected routes.
type Gate struct {
	orchestrator *Orchestrator
	registry     *session.Registry
	limiter      *ratelimit.Limiter
	gateRule     ratelimit.Rule
	hasGate      bool
}

// NewGate builds the middleware. limiter may be nil; otherwise gateRule
// names the rule consulted before any scoring.
func NewGate(o *Orchestrator, registry *session.Registry, limiter *ratelimit.Limiter, gateRule string) (*Gate, error) {
	g := &Gate{orchestrator: o, registry: registry, limiter: limiter}
	if limiter != nil {
		rule, err := limiter.Rule(gateRule)
		if err != nil {
			return nil, err
		}
		g.gateRule = rule
		g.hasGate = true
	}
	return g, nil
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// Middleware resolves the session from the bearer access token, applies
// the rate gate, then verifies the request. In sync mode verification runs
// before the handler and may answer 401 session_revoked; in async mode it
// is scheduled after the handler returns.
func (g *Gate) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer access token required",
			})
			return
		}
		claims, err := g.registry.Tokens().ParseAccess(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "invalid_token",
				"message": "Access token is invalid or expired",
			})
			return
		}
		rec, ok := g.registry.Validate(claims.SessionID)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "session_inactive",
				"message": "Session is no longer active",
			})
			return
		}

		identity := &reqctx.Identity{ID: rec.IdentityID, Kind: rec.IdentityKind, Permissions: claims.Scope}
		c.Set(ContextKeySessionID, rec.ID)
		c.Set(ContextKeyIdentity, identity)
		c.Set(ratelimit.IdentityContextKey, rec.IdentityID)
		ctx := logging.WithSessionID(c.Request.Context(), rec.ID)
		c.Request = c.Request.WithContext(ctx)

		if g.hasGate && !g.limiter.Allow(c, g.gateRule) {
			return
		}

		req := reqctx.FromHTTP(c.Request).WithIdentity(identity)
		cfg := g.orchestrator.Config()

		if !cfg.Enabled {
			g.registry.Touch(rec.ID, time.Now())
			c.Next()
			return
		}

		if cfg.Mode == ModeSync {
			if !g.orchestrator.Monitor(ctx, rec.ID, req) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "session_revoked",
					"message": "Session was revoked due to elevated risk",
				})
				return
			}
			c.Next()
			return
		}

		c.Next()
		g.orchestrator.Monitor(ctx, rec.ID, req)
	}
}

// IdentityFrom returns the identity set by the middleware.
func IdentityFrom(c *gin.Context) (*reqctx.Identity, bool) {
	v, ok := c.Get(ContextKeyIdentity)
	if !ok {
		return nil, false
	}
	id, ok := v.(*reqctx.Identity)
	return id, ok
}
