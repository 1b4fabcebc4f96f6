package httpserver

import (
	"errors"
	"log/slog"
	"net/http"

	"usergate/internal/auth"
	"usergate/internal/respond"
)

type authHandlers struct {
	svc    *auth.Service
	logger *slog.Logger
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type loginResponse struct {
	User *auth.User `json:"user"`
	*auth.TokenPair
}

func (h *authHandlers) register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := respond.Decode(w, r, &req); err != nil {
		writeAuthError(w, h.logger, err)
		return
	}
	u, err := h.svc.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		writeAuthError(w, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusCreated, u)
}

func (h *authHandlers) login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := respond.Decode(w, r, &req); err != nil {
		writeAuthError(w, h.logger, err)
		return
	}
	u, pair, err := h.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeAuthError(w, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, loginResponse{User: u, TokenPair: pair})
}

func (h *authHandlers) refresh(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := respond.Decode(w, r, &req); err != nil {
		writeAuthError(w, h.logger, err)
		return
	}
	pair, err := h.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeAuthError(w, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, pair)
}

func (h *authHandlers) logout(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := respond.Decode(w, r, &req); err != nil {
		writeAuthError(w, h.logger, err)
		return
	}
	if err := h.svc.Logout(r.Context(), req.RefreshToken); err != nil {
		writeAuthError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *authHandlers) forgotPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := respond.Decode(w, r, &req); err != nil {
		writeAuthError(w, h.logger, err)
		return
	}
	if err := h.svc.RequestReset(r.Context(), req.Email); err != nil {
		writeAuthError(w, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusAccepted, map[string]string{
		"message": "if the address is registered, a reset link has been sent",
	})
}

func (h *authHandlers) resetPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if err := respond.Decode(w, r, &req); err != nil {
		writeAuthError(w, h.logger, err)
		return
	}
	if err := h.svc.ConsumeReset(r.Context(), req.Token, req.Password); err != nil {
		writeAuthError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *authHandlers) changePassword(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeAuthError(w, h.logger, auth.ErrUnauthenticated)
		return
	}
	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := respond.Decode(w, r, &req); err != nil {
		writeAuthError(w, h.logger, err)
		return
	}
	if err := h.svc.ChangePassword(r.Context(), p.ID, req.CurrentPassword, req.NewPassword); err != nil {
		writeAuthError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeAuthError maps service errors onto HTTP responses. Anything not
// recognised is an infrastructure failure and is logged, never reported as
// an authentication problem.
func writeAuthError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		respond.Error(w, http.StatusUnauthorized, "unauthenticated", "missing or invalid bearer token")
	case errors.Is(err, auth.ErrForbidden):
		respond.Error(w, http.StatusForbidden, "forbidden", "insufficient role")
	case errors.Is(err, auth.ErrExpiredToken):
		respond.Error(w, http.StatusUnauthorized, "expired_token", "token has expired")
	case errors.Is(err, auth.ErrInvalidToken):
		respond.Error(w, http.StatusUnauthorized, "invalid_token", "token is invalid")
	case errors.Is(err, auth.ErrInvalidCredentials):
		respond.Error(w, http.StatusUnauthorized, "invalid_credentials", err.Error())
	case errors.Is(err, auth.ErrEmailTaken):
		respond.Error(w, http.StatusConflict, "email_taken", err.Error())
	case errors.Is(err, auth.ErrUserNotFound):
		respond.Error(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, auth.ErrInvalidEmail),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, auth.ErrPasswordTooLong),
		errors.Is(err, respond.ErrBadBody):
		respond.Error(w, http.StatusBadRequest, "bad_request", err.Error())
	default:
		if logger != nil {
			logger.Error("request failed", "err", err)
		}
		respond.Error(w, http.StatusInternalServerError, "internal", "")
	}
}
