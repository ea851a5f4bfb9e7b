package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mbd888/verigate/internal/idgen"
)

const (
	DefaultAccessTTL  = 30 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour

	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
	minSecretLen     = 32
)

// AccessClaims are carried by access tokens.
type AccessClaims struct {
	jwt.RegisteredClaims
	SessionID string   `json:"sid"`
	Kind      string   `json:"kind,omitempty"`
	Scope     []string `json:"scope,omitempty"`
	TokenType string   `json:"token_type"`
}

// RefreshClaims carry only the session id.
type RefreshClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
	TokenType string `json:"token_type"`
}

// TokenPair is returned at login and on refresh.
type TokenPair struct {
	SessionID    string    `json:"session_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int       `json:"expires_in"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// TokenConfig configures the HS256 issuer.
type TokenConfig struct {
	Secret     []byte
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Tokens signs and parses session-bound JWTs.
type Tokens struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewTokens returns an issuer. The secret must be at least 32 bytes.
func NewTokens(cfg TokenConfig) (*Tokens, error) {
	if len(cfg.Secret) < minSecretLen {
		return nil, fmt.Errorf("session: token secret must be at least %d bytes", minSecretLen)
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "verigate"
	}
	return &Tokens{
		secret:     cfg.Secret,
		issuer:     cfg.Issuer,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        time.Now,
	}, nil
}

// SetClock overrides the time source. Test use.
func (t *Tokens) SetClock(now func() time.Time) { t.now = now }

// AccessTTL reports the access-token lifetime.
func (t *Tokens) AccessTTL() time.Duration { return t.accessTTL }

// IssueAccess signs an access token for rec and returns its expiry.
func (t *Tokens) IssueAccess(rec Record) (string, time.Time, error) {
	now := t.now()
	exp := now.Add(t.accessTTL)
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   rec.IdentityID,
			Issuer:    t.issuer,
			ID:        idgen.New(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		SessionID: rec.ID,
		Kind:      rec.IdentityKind,
		Scope:     rec.Permissions,
		TokenType: tokenTypeAccess,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, exp, nil
}

// IssueRefresh signs a refresh token bound to sessionID.
func (t *Tokens) IssueRefresh(sessionID string) (string, error) {
	now := t.now()
	claims := RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			ID:        idgen.New(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.refreshTTL)),
		},
		SessionID: sessionID,
		TokenType: tokenTypeRefresh,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign refresh token: %w", err)
	}
	return signed, nil
}

// ParseAccess verifies an access token.
func (t *Tokens) ParseAccess(tokenStr string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := t.parse(tokenStr, claims); err != nil {
		return nil, err
	}
	if claims.TokenType != tokenTypeAccess || claims.SessionID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ParseRefresh verifies a refresh token.
func (t *Tokens) ParseRefresh(tokenStr string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := t.parse(tokenStr, claims); err != nil {
		return nil, err
	}
	if claims.TokenType != tokenTypeRefresh || claims.SessionID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (t *Tokens) parse(tokenStr string, claims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.secret, nil
	},
		jwt.WithIssuer(t.issuer),
		jwt.WithTimeFunc(t.now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return errors.Join(ErrInvalidToken, err)
	}
	if !token.Valid {
		return ErrInvalidToken
	}
	return nil
}
