package server

import (
	"net/http"
	"time"

	"github.com/bugspotter/bugspotter/internal/auth"
	"github.com/bugspotter/bugspotter/internal/model"
	"github.com/bugspotter/bugspotter/internal/storage"
)

// refreshCookieName is the HTTP-only refresh token cookie. Scoped to the
// auth endpoints so it never travels with API traffic.
const refreshCookieName = "bugspotter_refresh"

const refreshCookiePath = "/api/v1/auth"

// HandleLogin handles POST /api/v1/auth/login.
func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req model.LoginRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, err)
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "email and password are required")
		return
	}

	user, err := h.db.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		if storage.IsNotFound(err) {
			// Burn the same KDF cost as a real verification so a missing
			// account is timing-indistinguishable from a wrong password.
			auth.DummyVerify()
			h.recordAudit(r, "auth.login", "user", nil, false, strPtr("unknown email"), nil)
			writeError(w, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
			return
		}
		h.logger.Error("login lookup failed", "error", err)
		respondError(w, err)
		return
	}

	if user.PasswordHash == nil || !user.Active {
		auth.DummyVerify()
		h.recordAudit(r, "auth.login", "user", strPtr(user.ID.String()), false, strPtr("account not eligible"), nil)
		writeError(w, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	ok, err := auth.VerifyPassword(req.Password, *user.PasswordHash)
	if err != nil || !ok {
		h.recordAudit(r, "auth.login", "user", strPtr(user.ID.String()), false, strPtr("wrong password"), nil)
		writeError(w, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	resp, err := h.issueSession(w, r, user)
	if err != nil {
		h.logger.Error("issue session failed", "error", err, "user_id", user.ID)
		respondError(w, err)
		return
	}
	h.recordAudit(r, "auth.login", "user", strPtr(user.ID.String()), true, nil, nil)
	writeJSON(w, http.StatusOK, resp)
}

// HandleRefresh handles POST /api/v1/auth/refresh. The refresh token rotates
// on every use: the presented token is consumed atomically and a new one is
// issued, so a replayed token fails.
func (h *Handlers) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(refreshCookieName)
	if err != nil || cookie.Value == "" {
		writeError(w, http.StatusUnauthorized, model.ErrCodeUnauthorized, "missing refresh token")
		return
	}

	record, err := h.db.ConsumeRefreshToken(r.Context(), auth.HashRefreshToken(cookie.Value))
	if err != nil {
		if storage.IsNotFound(err) {
			h.clearRefreshCookie(w)
			writeError(w, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid or expired refresh token")
			return
		}
		respondError(w, err)
		return
	}

	user, err := h.db.GetUser(r.Context(), record.UserID)
	if err != nil || !user.Active {
		h.clearRefreshCookie(w)
		writeError(w, http.StatusUnauthorized, model.ErrCodeUnauthorized, "account is no longer active")
		return
	}

	resp, err := h.issueSession(w, r, user)
	if err != nil {
		h.logger.Error("refresh session failed", "error", err, "user_id", user.ID)
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleLogout handles POST /api/v1/auth/logout. Clears the cookie and
// revokes the allowlist entry, so the refresh token dies server-side too.
func (h *Handlers) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(refreshCookieName); err == nil && cookie.Value != "" {
		if _, err := h.db.RevokeRefreshToken(r.Context(), auth.HashRefreshToken(cookie.Value)); err != nil {
			h.logger.Warn("refresh token revocation failed", "error", err)
		}
	}
	h.clearRefreshCookie(w)
	h.recordAudit(r, "auth.logout", "user", nil, true, nil, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// issueSession mints an access token, rotates the refresh token, and sets
// the refresh cookie.
func (h *Handlers) issueSession(w http.ResponseWriter, r *http.Request, user model.User) (model.LoginResponse, error) {
	access, expiresAt, err := h.jwtMgr.IssueToken(user)
	if err != nil {
		return model.LoginResponse{}, err
	}

	refresh, err := auth.GenerateRefreshToken()
	if err != nil {
		return model.LoginResponse{}, err
	}
	refreshExpiry := time.Now().UTC().Add(h.refreshExpiry)
	if err := h.db.InsertRefreshToken(r.Context(), user.ID, auth.HashRefreshToken(refresh), refreshExpiry); err != nil {
		return model.LoginResponse{}, err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    refresh,
		Path:     refreshCookiePath,
		Expires:  refreshExpiry,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})

	return model.LoginResponse{
		AccessToken: access,
		ExpiresAt:   expiresAt,
		User:        user,
	}, nil
}

func (h *Handlers) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     refreshCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}
