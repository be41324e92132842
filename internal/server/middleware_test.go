package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bugspotter/bugspotter/internal/auth"
	"github.com/bugspotter/bugspotter/internal/model"
	"github.com/bugspotter/bugspotter/internal/queue"
	"github.com/bugspotter/bugspotter/internal/retention"
	"github.com/bugspotter/bugspotter/internal/storage"
)

func claimsCtx(role model.Role) context.Context {
	claims := &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "2da0e6b0-0000-4000-8000-000000000001"},
		Role:             role,
	}
	return context.WithValue(context.Background(), contextKeyClaims, claims)
}

func TestRequireRole(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	adminOnly := requireRole(model.RoleAdmin)(next)

	tests := []struct {
		role model.Role
		want int
	}{
		{model.RoleAdmin, http.StatusNoContent},
		{model.RoleUser, http.StatusForbidden},
		{model.RoleViewer, http.StatusForbidden},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(claimsCtx(tt.role))
		w := httptest.NewRecorder()
		adminOnly.ServeHTTP(w, r)
		assert.Equal(t, tt.want, w.Code, "role %s", tt.role)
	}

	// No claims at all.
	w := httptest.NewRecorder()
	adminOnly.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	})
	mw := requestIDMiddleware(next)

	w := httptest.NewRecorder()
	mw.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get("X-Request-ID"))

	// Incoming header is propagated.
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "req-123")
	mw.ServeHTTP(httptest.NewRecorder(), r)
	assert.Equal(t, "req-123", seen)
}

func TestSecurityHeaders(t *testing.T) {
	mw := securityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	w := httptest.NewRecorder()
	mw.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}

func TestCORSMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mw := corsMiddleware([]string{"https://app.example.com"}, next)

	// Allowed origin.
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	mw.ServeHTTP(w, r)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	// Preflight short-circuits.
	r = httptest.NewRequest(http.MethodOptions, "/", nil)
	r.Header.Set("Origin", "https://app.example.com")
	w = httptest.NewRecorder()
	mw.ServeHTTP(w, r)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Methods"))

	// Unknown origin gets no CORS headers.
	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	mw.ServeHTTP(w, r)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecoveryMiddleware(t *testing.T) {
	mw := recoveryMiddleware(slog.New(slog.DiscardHandler), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	mw.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), model.ErrCodeInternalError)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:54321"
	assert.Equal(t, "10.1.2.3", clientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientIP(r))
}

func TestRespondErrorMapping(t *testing.T) {
	tests := []struct {
		err      error
		wantCode int
		wantBody string
	}{
		{storage.ErrNotFound, http.StatusNotFound, model.ErrCodeNotFound},
		{storage.ErrUniqueViolation, http.StatusConflict, model.ErrCodeConflict},
		{storage.ErrInvalidPagination, http.StatusBadRequest, model.ErrCodeInvalidPagination},
		{storage.ErrQueryTimeout, http.StatusGatewayTimeout, model.ErrCodeQueryTimeout},
		{storage.ErrResourceBusy, http.StatusServiceUnavailable, model.ErrCodeResourceBusy},
		{retention.ErrComplianceViolation, http.StatusUnprocessableEntity, model.ErrCodeComplianceViolation},
		{retention.ErrConfirmationRequired, http.StatusBadRequest, model.ErrCodeConfirmationRequired},
		{queue.ErrUnavailable, http.StatusServiceUnavailable, model.ErrCodeQueueUnavailable},
		{errors.New("anything else"), http.StatusInternalServerError, model.ErrCodeInternalError},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		respondError(w, tt.err)
		assert.Equal(t, tt.wantCode, w.Code, "%v", tt.err)
		assert.Contains(t, w.Body.String(), tt.wantBody)
	}
}

func TestParsePage(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?page=2&limit=25", nil)
	page, err := parsePage(r)
	require.NoError(t, err)
	assert.Equal(t, storage.Page{Page: 2, Limit: 25}, page)

	// Defaults.
	page, err = parsePage(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, storage.Page{Page: 1, Limit: 50}, page)

	// Garbage and out-of-range values are rejected.
	for _, q := range []string{"?page=x", "?limit=0", "?page=0", "?limit=5000"} {
		_, err := parsePage(httptest.NewRequest(http.MethodGet, "/"+q, nil))
		assert.ErrorIs(t, err, storage.ErrInvalidPagination, q)
	}
}

func TestDecodeScreenshot(t *testing.T) {
	raw, err := decodeScreenshot("aGVsbG8=")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), raw)

	raw, err = decodeScreenshot("data:image/png;base64,aGVsbG8=")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), raw)

	_, err = decodeScreenshot("not-base64!!!")
	assert.Error(t, err)
}
