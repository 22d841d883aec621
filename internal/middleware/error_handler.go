package middleware

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"campus_pay_portal/internal/services"
)

// ErrorResponse is the body of every failed API call
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// classify maps an error to its HTTP status, a stable code and the message
// shown to the caller
func classify(err error) (int, string, string) {
	var (
		he       *echo.HTTPError
		rejected *services.RefundRejectedError
	)
	switch {
	case errors.As(err, &he):
		msg, ok := he.Message.(string)
		if !ok {
			msg = http.StatusText(he.Code)
		}
		return he.Code, "http_error", msg
	case errors.As(err, &rejected):
		return http.StatusUnprocessableEntity, "refund_rejected", rejected.Reason
	case errors.Is(err, services.ErrInvalidRefundRequest):
		return http.StatusBadRequest, "invalid_refund_request", err.Error()
	case errors.Is(err, services.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount", err.Error()
	case errors.Is(err, services.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, services.ErrOrderNotFound):
		return http.StatusNotFound, "order_not_found", err.Error()
	case errors.Is(err, services.ErrGatewayRejected):
		return http.StatusBadGateway, "gateway_rejected", err.Error()
	case errors.Is(err, services.ErrGatewayUnreachable):
		return http.StatusGatewayTimeout, "gateway_unreachable", err.Error()
	case errors.Is(err, services.ErrActivationFailed):
		return http.StatusConflict, "activation_failed", err.Error()
	}
	return http.StatusInternalServerError, "internal_error", "Something went wrong. Please try again later."
}

// JSONErrorHandler creates the API error handler for Echo
func JSONErrorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		code, kind, msg := classify(err)

		fields := []zap.Field{
			zap.String("method", c.Request().Method),
			zap.String("path", c.Request().URL.Path),
			zap.Int("status", code),
			zap.Error(err),
		}
		if code >= http.StatusInternalServerError {
			logger.Error("request failed", fields...)
		} else {
			logger.Info("request rejected", fields...)
		}

		var writeErr error
		if c.Request().Method == http.MethodHead {
			writeErr = c.NoContent(code)
		} else {
			writeErr = c.JSON(code, ErrorResponse{Error: msg, Code: kind})
		}
		if writeErr != nil {
			logger.Error("failed to write error response", zap.Error(writeErr))
		}
	}
}
