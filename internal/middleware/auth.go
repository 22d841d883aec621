package middleware

import (
	"context"
	"net/http"
	"strings"

	"firebase.google.com/go/v4/auth"
	"github.com/labstack/echo/v4"

	"campus_pay_portal/internal/services"
)

// TokenVerifier is the part of the Firebase auth client the middleware needs
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
	VerifySessionCookie(ctx context.Context, sessionCookie string) (*auth.Token, error)
}

// RequireAuth returns a middleware that accepts a Firebase ID token in the
// Authorization header or a Firebase session cookie. The verified identity is
// attached to the request context as a services.Caller.
func RequireAuth(verifier TokenVerifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// Check if Firebase is initialized
			if verifier == nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "authentication is not configured")
			}

			ctx := c.Request().Context()
			var (
				token *auth.Token
				err   error
			)
			if header := c.Request().Header.Get("Authorization"); header != "" {
				idToken := strings.TrimPrefix(header, "Bearer ")
				if idToken == header {
					return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
				}
				token, err = verifier.VerifyIDToken(ctx, idToken)
			} else if cookie, cerr := c.Cookie("session"); cerr == nil && cookie.Value != "" {
				token, err = verifier.VerifySessionCookie(ctx, cookie.Value)
				if err != nil {
					c.SetCookie(expiredSessionCookie())
				}
			} else {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing credentials")
			}
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
			}

			caller := services.Caller{UID: token.UID}
			if email, ok := token.Claims["email"].(string); ok {
				caller.Email = email
			}
			if name, ok := token.Claims["name"].(string); ok {
				caller.Name = name
			}

			// Set user info in context for downstream handlers
			c.Set("userUID", caller.UID)
			c.Set("userEmail", caller.Email)
			c.SetRequest(c.Request().WithContext(services.WithCaller(ctx, caller)))
			return next(c)
		}
	}
}

func expiredSessionCookie() *http.Cookie {
	return &http.Cookie{
		Name:     "session",
		Value:    "",
		MaxAge:   -1,
		HttpOnly: true,
		Path:     "/",
	}
}
