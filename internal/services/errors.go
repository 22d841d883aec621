package services

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest means caller data failed local validation; nothing was sent to the gateway
	ErrInvalidRequest       = errors.New("invalid request")
	ErrInvalidAmount        = fmt.Errorf("%w: invalid amount", ErrInvalidRequest)
	ErrInvalidRefundRequest = errors.New("invalid refund request")
	ErrOrderNotFound        = errors.New("order not found")

	// ErrGatewayUnreachable covers transport failures and timeouts. The outcome
	// of the call is unknown.
	ErrGatewayUnreachable = errors.New("payment gateway unreachable")
	ErrGatewayRejected    = errors.New("payment gateway rejected the request")
	ErrRefundRejected     = errors.New("refund rejected by gateway")
	ErrActivationFailed   = errors.New("service request activation failed")

	// ErrSignatureInvalid never reaches a callback sender
	ErrSignatureInvalid = errors.New("callback signature invalid")
)

// GatewayRejectedError carries the non-2xx answer of the gateway
type GatewayRejectedError struct {
	StatusCode int
	Body       string
}

func (e *GatewayRejectedError) Error() string {
	return fmt.Sprintf("payment gateway rejected the request with status %d: %s", e.StatusCode, e.Body)
}

func (e *GatewayRejectedError) Is(target error) bool { return target == ErrGatewayRejected }

// RefundRejectedError keeps the gateway's reason verbatim
type RefundRejectedError struct {
	Reason string
}

func (e *RefundRejectedError) Error() string { return "refund rejected: " + e.Reason }

func (e *RefundRejectedError) Is(target error) bool { return target == ErrRefundRejected }

// ActivationFailedError is returned when no service request could be provisioned
type ActivationFailedError struct {
	Reason string
	Err    error
}

func (e *ActivationFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("activation failed: %s: %v", e.Reason, e.Err)
	}
	return "activation failed: " + e.Reason
}

func (e *ActivationFailedError) Is(target error) bool { return target == ErrActivationFailed }

func (e *ActivationFailedError) Unwrap() error { return e.Err }

func invalidRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func invalidRefund(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRefundRequest, fmt.Sprintf(format, args...))
}

func unreachable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrGatewayUnreachable, op, err)
}
