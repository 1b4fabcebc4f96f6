package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
	tokenTypeReset   = "reset"
)

type TokenConfig struct {
	Issuer        string
	AccessSecret  string
	RefreshSecret string
	ResetSecret   string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	ResetTTL      time.Duration
}

// Claims is shared by all three token kinds. Role is only set on access
// tokens; refresh and reset tokens carry a jti so they can be tracked.
type Claims struct {
	Role Role   `json:"role,omitempty"`
	Type string `json:"typ"`
	jwt.RegisteredClaims
}

type IssuedToken struct {
	Token     string
	JTI       string
	ExpiresAt time.Time
}

// TokenIssuer signs and verifies tokens. Each kind has its own secret so a
// leaked access key cannot mint refresh or reset tokens.
type TokenIssuer struct {
	cfg     TokenConfig
	nowFunc func() time.Time
}

func NewTokenIssuer(cfg TokenConfig) *TokenIssuer {
	return &TokenIssuer{cfg: cfg, nowFunc: time.Now}
}

// WithClock replaces the time source used for issuing and verifying.
func (t *TokenIssuer) WithClock(now func() time.Time) *TokenIssuer {
	t.nowFunc = now
	return t
}

func (t *TokenIssuer) AccessTTL() time.Duration { return t.cfg.AccessTTL }

func (t *TokenIssuer) IssueAccess(user *User) (IssuedToken, error) {
	return t.issue(user.ID, user.Role, tokenTypeAccess, t.cfg.AccessSecret, t.cfg.AccessTTL)
}

func (t *TokenIssuer) IssueRefresh(userID string) (IssuedToken, error) {
	return t.issue(userID, "", tokenTypeRefresh, t.cfg.RefreshSecret, t.cfg.RefreshTTL)
}

func (t *TokenIssuer) IssueReset(userID string) (IssuedToken, error) {
	return t.issue(userID, "", tokenTypeReset, t.cfg.ResetSecret, t.cfg.ResetTTL)
}

func (t *TokenIssuer) issue(subject string, role Role, typ, secret string, ttl time.Duration) (IssuedToken, error) {
	now := t.nowFunc().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		Role: role,
		Type: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.cfg.Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	if typ != tokenTypeAccess {
		claims.ID = uuid.NewString()
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		return IssuedToken{}, fmt.Errorf("sign %s token: %w", typ, err)
	}
	return IssuedToken{Token: signed, JTI: claims.ID, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// ParseAccess verifies a bearer token. Every failure is reported as
// ErrUnauthenticated.
func (t *TokenIssuer) ParseAccess(raw string) (*Claims, error) {
	claims, err := t.parse(raw, t.cfg.AccessSecret, tokenTypeAccess)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if !claims.Role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrUnauthenticated, claims.Role)
	}
	return claims, nil
}

func (t *TokenIssuer) ParseRefresh(raw string) (*Claims, error) {
	return t.parse(raw, t.cfg.RefreshSecret, tokenTypeRefresh)
}

func (t *TokenIssuer) ParseReset(raw string) (*Claims, error) {
	return t.parse(raw, t.cfg.ResetSecret, tokenTypeReset)
}

func (t *TokenIssuer) parse(raw, secret, typ string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.nowFunc),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		// An expired token stays expired whatever its signature says.
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) && t.expiredUnverified(raw) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Type != typ {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if typ != tokenTypeAccess && claims.ID == "" {
		return nil, fmt.Errorf("%w: missing jti", ErrInvalidToken)
	}
	return claims, nil
}

func (t *TokenIssuer) expiredUnverified(raw string) bool {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return false
	}
	return claims.ExpiresAt != nil && !t.nowFunc().Before(claims.ExpiresAt.Time)
}
