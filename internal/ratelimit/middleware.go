package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/verigate/internal/reqctx"
)

// IdentityContextKey is the gin context key holding the authenticated
// identity id, set by the verification middleware.
const IdentityContextKey = "verigate.identity_id"

const defaultMessage = "Too many requests. Please slow down."

// Identifier maps a request to the identifier used for rule's scope.
func Identifier(c *gin.Context, rule Rule) string {
	ip := reqctx.FromHTTP(c.Request).ClientIP()
	switch rule.Scope {
	case ScopeUser:
		if id := c.GetString(IdentityContextKey); id != "" {
			return "user:" + id
		}
		return ip
	case ScopeEndpoint:
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		return c.Request.Method + ":" + path
	default:
		return ip
	}
}

// Allow runs rule against the request. On denial it writes the 429
// response, aborts the chain, and returns false.
func (l *Limiter) Allow(c *gin.Context, rule Rule) bool {
	req := reqctx.FromHTTP(c.Request)
	id := Identifier(c, rule)

	ok, v := l.Check(id, rule, Meta{
		IPAddress:  req.ClientIP(),
		UserAgent:  req.UserAgent(),
		Endpoint:   req.Path,
		IdentityID: c.GetString(IdentityContextKey),
	})
	if ok {
		if rule.Enabled && l.enabled {
			st := l.Status(id, rule)
			c.Header("X-RateLimit-Limit", strconv.Itoa(rule.MaxRequests))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(st.Remaining))
		}
		return true
	}

	st := l.Status(id, rule)
	retryAfter := 1
	if d := st.ResetAt.Sub(l.now()); d > 0 {
		retryAfter = int((d + time.Second - 1) / time.Second)
	}
	if retryAfter < 1 {
		retryAfter = 1
	}

	msg := rule.Message
	if msg == "" {
		msg = defaultMessage
	}
	c.Header("Retry-After", strconv.Itoa(retryAfter))
	c.Header("X-RateLimit-Limit", strconv.Itoa(v.MaxAllowed))
	c.Header("X-RateLimit-Remaining", "0")
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":       "rate_limit_exceeded",
		"message":     msg,
		"retry_after": retryAfter,
	})
	return false
}

// Middleware enforces the named rule. It panics on an unknown name so
// misconfigured routes fail at startup.
func (l *Limiter) Middleware(name string) gin.HandlerFunc {
	rule, err := l.Rule(name)
	if err != nil {
		panic(err)
	}
	return func(c *gin.Context) {
		if !l.Allow(c, rule) {
			return
		}
		c.Next()
	}
}
