package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"firebase.google.com/go/v4/auth"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const sessionCookieTTL = time.Hour * 24 * 5

// SessionIssuer exchanges Firebase ID tokens for session cookies
type SessionIssuer interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
	SessionCookie(ctx context.Context, idToken string, expiresIn time.Duration) (string, error)
}

// AuthHandler handles authentication endpoints
type AuthHandler struct {
	issuer       SessionIssuer
	secureCookie bool
	logger       *zap.Logger
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(issuer SessionIssuer, secureCookie bool, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{issuer: issuer, secureCookie: secureCookie, logger: logger}
}

// HandleLogin verifies the Firebase ID token and creates a session cookie
func (h *AuthHandler) HandleLogin(c echo.Context) error {
	if h.issuer == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Firebase not initialized")
	}

	// Get ID Token from Authorization Header
	authHeader := c.Request().Header.Get("Authorization")
	if authHeader == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "Missing authorization header")
	}
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == authHeader {
		return echo.NewHTTPError(http.StatusUnauthorized, "Invalid authorization format")
	}

	ctx := c.Request().Context()
	token, err := h.issuer.VerifyIDToken(ctx, tokenString)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "Invalid token")
	}

	cookieValue, err := h.issuer.SessionCookie(ctx, tokenString, sessionCookieTTL)
	if err != nil {
		h.logger.Error("failed to create session cookie", zap.String("uid", token.UID), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to create session")
	}

	c.SetCookie(&http.Cookie{
		Name:     "session",
		Value:    cookieValue,
		MaxAge:   int(sessionCookieTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookie,
		Path:     "/",
		SameSite: http.SameSiteLaxMode,
	})
	h.logger.Info("admin signed in", zap.String("uid", token.UID))

	return c.JSON(http.StatusOK, map[string]string{
		"status": "success",
	})
}

// HandleLogout clears the session cookie
func (h *AuthHandler) HandleLogout(c echo.Context) error {
	c.SetCookie(&http.Cookie{
		Name:     "session",
		Value:    "",
		MaxAge:   -1,
		HttpOnly: true,
		Path:     "/",
	})

	return c.JSON(http.StatusOK, map[string]string{
		"status": "logged out",
	})
}
