package users

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"usergate/internal/auth"
	"usergate/internal/respond"
)

// Repository is the part of Store the handlers need.
type Repository interface {
	GetByID(ctx context.Context, id string) (*auth.User, error)
	List(ctx context.Context, f ListFilter) (*Page, error)
	UpdateRole(ctx context.Context, id string, role auth.Role) error
	Delete(ctx context.Context, id string) error
}

// MeHandler returns the stored profile of the authenticated caller.
type MeHandler struct {
	Store  Repository
	Logger *slog.Logger
}

func (h *MeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		respond.Error(w, http.StatusUnauthorized, "unauthenticated", "")
		return
	}
	u, err := h.Store.GetByID(r.Context(), p.ID)
	if err != nil {
		writeStoreError(w, h.Logger, "get current user", err)
		return
	}
	respond.JSON(w, http.StatusOK, u)
}

type ListHandler struct {
	Store  Repository
	Logger *slog.Logger
}

func (h *ListHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{Email: q.Get("email")}
	if v := q.Get("role"); v != "" {
		role, ok := auth.ParseRole(v)
		if !ok {
			respond.Error(w, http.StatusBadRequest, "invalid_role", "role must be USER or ADMIN")
			return
		}
		filter.Role = role
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	page, err := h.Store.List(r.Context(), filter)
	if err != nil {
		writeStoreError(w, h.Logger, "list users", err)
		return
	}
	respond.JSON(w, http.StatusOK, page)
}

// DetailHandler serves GET, PATCH and DELETE on /api/v1/users/{id}.
type DetailHandler struct {
	Store  Repository
	Logger *slog.Logger
}

func (h *DetailHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		respond.Error(w, http.StatusBadRequest, "invalid_id", "")
		return
	}

	switch r.Method {
	case http.MethodGet:
		u, err := h.Store.GetByID(r.Context(), id)
		if err != nil {
			writeStoreError(w, h.Logger, "get user", err)
			return
		}
		respond.JSON(w, http.StatusOK, u)

	case http.MethodPatch:
		var payload struct {
			Role string `json:"role"`
		}
		if err := respond.Decode(w, r, &payload); err != nil {
			respond.Error(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		role, ok := auth.ParseRole(payload.Role)
		if !ok {
			respond.Error(w, http.StatusBadRequest, "invalid_role", "role must be USER or ADMIN")
			return
		}
		if p, _ := auth.PrincipalFromContext(r.Context()); p != nil && p.ID == id && role != p.Role {
			respond.Error(w, http.StatusConflict, "self_demotion", "admins cannot change their own role")
			return
		}
		if err := h.Store.UpdateRole(r.Context(), id, role); err != nil {
			writeStoreError(w, h.Logger, "update role", err)
			return
		}
		h.Logger.Info("user role changed", "user_id", id, "role", role)
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		if p, _ := auth.PrincipalFromContext(r.Context()); p != nil && p.ID == id {
			respond.Error(w, http.StatusConflict, "self_delete", "admins cannot delete themselves")
			return
		}
		if err := h.Store.Delete(r.Context(), id); err != nil {
			writeStoreError(w, h.Logger, "delete user", err)
			return
		}
		h.Logger.Info("user deleted", "user_id", id)
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func writeStoreError(w http.ResponseWriter, logger *slog.Logger, op string, err error) {
	if errors.Is(err, auth.ErrUserNotFound) {
		respond.Error(w, http.StatusNotFound, "not_found", "user not found")
		return
	}
	logger.Error(op, "err", err)
	respond.Error(w, http.StatusInternalServerError, "internal", "")
}
