// Package reqctx defines the normalized request view that the verification
// layer scores. It is built once per request by the transport layer so that
// nothing downstream needs to inspect framework types.
package reqctx

import (
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Identity is the already-authenticated caller, as resolved by the auth layer.
type Identity struct {
	ID          string   `json:"id"`
	Kind        string   `json:"kind"` // "user", "expert", or empty when unknown
	Permissions []string `json:"permissions,omitempty"`
}

// Request is a transport-neutral snapshot of an inbound call.
type Request struct {
	Method     string
	Path       string
	Header     http.Header
	Query      url.Values
	RemoteAddr string
	ReceivedAt time.Time
	Identity   *Identity
}

// FromHTTP snapshots r. Header and query values are copied so the snapshot
// can outlive the request in a background evaluation.
func FromHTTP(r *http.Request) *Request {
	return &Request{
		Method:     r.Method,
		Path:       r.URL.Path,
		Header:     r.Header.Clone(),
		Query:      cloneValues(r.URL.Query()),
		RemoteAddr: r.RemoteAddr,
		ReceivedAt: time.Now(),
	}
}

// WithIdentity returns a copy of the request carrying id.
func (r *Request) WithIdentity(id *Identity) *Request {
	cp := *r
	cp.Identity = id
	return &cp
}

// ClientIP resolves the caller address: first X-Forwarded-For hop, then
// X-Real-IP, then the remote address. Ports are stripped. Returns "unknown"
// when nothing usable is present.
func (r *Request) ClientIP() string {
	if r.Header != nil {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first := strings.TrimSpace(strings.Split(xff, ",")[0])
			if first != "" {
				return stripPort(first)
			}
		}
		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			return stripPort(xrip)
		}
	}
	if r.RemoteAddr != "" {
		return stripPort(r.RemoteAddr)
	}
	return "unknown"
}

// UserAgent returns the User-Agent header.
func (r *Request) UserAgent() string {
	if r.Header == nil {
		return ""
	}
	return r.Header.Get("User-Agent")
}

// PageSize returns the largest requested page size across the common
// pagination parameters, or 0 if none is present.
func (r *Request) PageSize() int {
	largest := 0
	for _, key := range []string{"limit", "page_size", "per_page", "size"} {
		v := r.Query.Get(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err == nil && n > largest {
			largest = n
		}
	}
	return largest
}

// IdentityID returns the identity id or "".
func (r *Request) IdentityID() string {
	if r.Identity == nil {
		return ""
	}
	return r.Identity.ID
}

// IdentityKind returns the identity kind or "".
func (r *Request) IdentityKind() string {
	if r.Identity == nil {
		return ""
	}
	return r.Identity.Kind
}

func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	// Bare IPv6 without brackets, or an IPv4 address with no port.
	return addr
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}
