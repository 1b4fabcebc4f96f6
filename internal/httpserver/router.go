package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"usergate/internal/auth"
	"usergate/internal/respond"
	"usergate/internal/users"
)

// route is one entry of the static route table. Its policy is resolved
// against the owning resource's policy when the router is built.
type route struct {
	pattern string
	policy  auth.Policy
	handler http.Handler
}

type resource struct {
	name   string
	policy auth.Policy
	routes []route
}

func NewRouter(
	logger *slog.Logger,
	authSvc *auth.Service,
	guard *auth.Guard,
	userRepo users.Repository,
	gatherer prometheus.Gatherer,
	corsOrigin string,
) http.Handler {
	ah := &authHandlers{svc: authSvc, logger: logger}

	resources := []resource{
		{
			name:   "system",
			policy: auth.Public(),
			routes: []route{
				{pattern: "GET /healthz", handler: http.HandlerFunc(healthz)},
				{pattern: "GET /metrics", handler: promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})},
			},
		},
		{
			name:   "auth",
			policy: auth.Public(),
			routes: []route{
				{pattern: "POST /api/v1/auth/register", handler: http.HandlerFunc(ah.register)},
				{pattern: "POST /api/v1/auth/login", handler: http.HandlerFunc(ah.login)},
				{pattern: "POST /api/v1/auth/refresh", handler: http.HandlerFunc(ah.refresh)},
				{pattern: "POST /api/v1/auth/logout", handler: http.HandlerFunc(ah.logout)},
				{pattern: "POST /api/v1/auth/password/forgot", handler: http.HandlerFunc(ah.forgotPassword)},
				{pattern: "POST /api/v1/auth/password/reset", handler: http.HandlerFunc(ah.resetPassword)},
				{pattern: "POST /api/v1/auth/password/change", policy: auth.Protected(), handler: http.HandlerFunc(ah.changePassword)},
			},
		},
		{
			name:   "users",
			policy: auth.Roles(auth.RoleAdmin),
			routes: []route{
				// Any signed-in identity may read its own profile.
				{pattern: "GET /api/v1/users/me", policy: auth.Roles(), handler: &users.MeHandler{Store: userRepo, Logger: logger}},
				{pattern: "GET /api/v1/users", handler: &users.ListHandler{Store: userRepo, Logger: logger}},
				{pattern: "GET /api/v1/users/{id}", handler: &users.DetailHandler{Store: userRepo, Logger: logger}},
				{pattern: "PATCH /api/v1/users/{id}", handler: &users.DetailHandler{Store: userRepo, Logger: logger}},
				{pattern: "DELETE /api/v1/users/{id}", handler: &users.DetailHandler{Store: userRepo, Logger: logger}},
			},
		},
	}

	mux := http.NewServeMux()
	for _, res := range resources {
		for _, rt := range res.routes {
			rule := auth.Resolve(rt.policy, res.policy)
			mux.Handle(rt.pattern, guard.Protect(rule, rt.handler))
			logger.Debug("route registered",
				"resource", res.name,
				"pattern", rt.pattern,
				"public", rule.IsPublic(),
				"roles", rule.RequiredRoles())
		}
	}

	return withCORS(mux, corsOrigin)
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	respond.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// denyJSON is the guard's rejection writer.
func denyJSON(w http.ResponseWriter, _ *http.Request, err error) {
	writeAuthError(w, nil, err)
}

func NewGuard(tokens *auth.TokenIssuer, logger *slog.Logger, metrics *auth.Metrics) *auth.Guard {
	return auth.NewGuard(tokens, logger, metrics, denyJSON)
}

func withCORS(next http.Handler, origin string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
