package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"firebase.google.com/go/v4/auth"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"campus_pay_portal/internal/middleware"
)

type stubIssuer struct {
	cookieErr error
}

func (s stubIssuer) VerifyIDToken(_ context.Context, idToken string) (*auth.Token, error) {
	if idToken != "id-token" {
		return nil, errors.New("invalid")
	}
	return &auth.Token{UID: "uid-1"}, nil
}

func (s stubIssuer) SessionCookie(_ context.Context, idToken string, expiresIn time.Duration) (string, error) {
	if s.cookieErr != nil {
		return "", s.cookieErr
	}
	return "cookie-for-" + idToken, nil
}

func TestHandleLogin(t *testing.T) {
	tests := []struct {
		name       string
		issuer     SessionIssuer
		header     string
		wantStatus int
		wantCookie string
	}{
		{name: "valid token", issuer: stubIssuer{}, header: "Bearer id-token", wantStatus: http.StatusOK, wantCookie: "cookie-for-id-token"},
		{name: "missing header", issuer: stubIssuer{}, wantStatus: http.StatusUnauthorized},
		{name: "wrong scheme", issuer: stubIssuer{}, header: "Token id-token", wantStatus: http.StatusUnauthorized},
		{name: "invalid token", issuer: stubIssuer{}, header: "Bearer other", wantStatus: http.StatusUnauthorized},
		{name: "cookie failure", issuer: stubIssuer{cookieErr: errors.New("quota")}, header: "Bearer id-token", wantStatus: http.StatusInternalServerError},
		{name: "not configured", header: "Bearer id-token", wantStatus: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := zaptest.NewLogger(t)
			e := echo.New()
			e.HTTPErrorHandler = middleware.JSONErrorHandler(logger)
			h := NewAuthHandler(tt.issuer, true, logger)
			e.POST("/auth/login", h.HandleLogin)

			req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantCookie == "" {
				return
			}
			cookies := rec.Result().Cookies()
			require.Len(t, cookies, 1)
			assert.Equal(t, tt.wantCookie, cookies[0].Value)
			assert.True(t, cookies[0].HttpOnly)
			assert.True(t, cookies[0].Secure)
		})
	}
}

func TestHandleLogout(t *testing.T) {
	e := echo.New()
	h := NewAuthHandler(nil, false, zaptest.NewLogger(t))
	e.POST("/auth/logout", h.HandleLogout)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/logout", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, -1, cookies[0].MaxAge)
}
