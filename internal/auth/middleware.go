package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

type contextKey string

const principalContextKey contextKey = "usergate_principal"

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(*Principal)
	return p, ok && p != nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header value. The scheme is matched case-insensitively.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// DenyFunc writes the response for a request rejected by the guard. err is
// ErrUnauthenticated or ErrForbidden.
type DenyFunc func(w http.ResponseWriter, r *http.Request, err error)

type Guard struct {
	tokens  *TokenIssuer
	logger  *slog.Logger
	metrics *Metrics
	deny    DenyFunc
}

func NewGuard(tokens *TokenIssuer, logger *slog.Logger, metrics *Metrics, deny DenyFunc) *Guard {
	if deny == nil {
		deny = denyWithStatus
	}
	return &Guard{
		tokens:  tokens,
		logger:  logger,
		metrics: metrics,
		deny:    deny,
	}
}

// Verify authenticates the request's bearer token and returns the identity
// it carries.
func (g *Guard) Verify(r *http.Request) (*Principal, error) {
	raw, ok := BearerToken(r.Header.Get("Authorization"))
	if !ok {
		return nil, ErrUnauthenticated
	}
	claims, err := g.tokens.ParseAccess(raw)
	if err != nil {
		return nil, err
	}
	return &Principal{ID: claims.Subject, Role: claims.Role}, nil
}

// Check runs the request through the guard for the given route rule. Public
// routes pass untouched; otherwise the returned context carries the
// principal. The error, if any, wraps ErrUnauthenticated or ErrForbidden.
func (g *Guard) Check(r *http.Request, rule Rule) (context.Context, error) {
	if rule.IsPublic() {
		g.metrics.observeDecision(decisionPublic)
		return r.Context(), nil
	}
	p, err := g.Verify(r)
	if err != nil {
		g.metrics.observeDecision(decisionUnauthenticated)
		g.logger.Debug("request not authenticated", "path", r.URL.Path, "err", err)
		return nil, err
	}
	ctx := WithPrincipal(r.Context(), p)
	if !Authorize(rule, p) {
		g.metrics.observeDecision(decisionForbidden)
		g.logger.Info("request forbidden", "path", r.URL.Path, "user_id", p.ID, "role", p.Role)
		return nil, ErrForbidden
	}
	g.metrics.observeDecision(decisionAllowed)
	return ctx, nil
}

// Protect wraps next with the guard for a single resolved route rule.
func (g *Guard) Protect(rule Rule, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, err := g.Check(r, rule)
		if err != nil {
			if errors.Is(err, ErrUnauthenticated) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="usergate"`)
			}
			g.deny(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func denyWithStatus(w http.ResponseWriter, _ *http.Request, err error) {
	if errors.Is(err, ErrForbidden) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusUnauthorized)
}
