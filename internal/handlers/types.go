package handlers

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"campus_pay_portal/internal/models"
)

// CreateSessionBody is the session creation request
type CreateSessionBody struct {
	OrderID       string          `json:"order_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	CustomerEmail string          `json:"customer_email"`
	CustomerPhone string          `json:"customer_phone"`
	ServiceID     string          `json:"service_id"`
	RequesterID   string          `json:"requester_id"`
	TestCaseID    *string         `json:"test_case_id,omitempty"`
	TestScenario  *string         `json:"test_scenario,omitempty"`
}

type SessionResponse struct {
	OrderID       string         `json:"order_id"`
	SessionID     string         `json:"session_id"`
	PaymentLinks  map[string]any `json:"payment_links"`
	SessionStatus string         `json:"session_status"`
	IsExisting    bool           `json:"is_existing"`
}

// CallbackAck is returned for every callback, whatever its outcome
type CallbackAck struct {
	Success bool `json:"success"`
}

type StatusResponse struct {
	OrderID           string             `json:"order_id"`
	Status            models.OrderStatus `json:"status"`
	GatewayStatus     string             `json:"gateway_status"`
	TransactionID     string             `json:"transaction_id"`
	SignatureVerified bool               `json:"signature_verified"`
	RefundStatus      models.RefundState `json:"refund_status,omitempty"`
	RefundedAmount    string             `json:"refunded_amount"`
	Raw               json.RawMessage    `json:"raw,omitempty"`
}

type RefundBody struct {
	RefundAmount    decimal.Decimal `json:"refund_amount"`
	RefundNote      string          `json:"refund_note"`
	UniqueRequestID string          `json:"unique_request_id,omitempty"`
}

type RefundResponse struct {
	RefundID        string              `json:"refund_id"`
	RefundRefNo     string              `json:"refund_ref_no"`
	Status          models.RefundStatus `json:"status"`
	UniqueRequestID string              `json:"unique_request_id"`
	RefundAmount    string              `json:"refund_amount"`
}

// LedgerResponse is the audit view of one order
type LedgerResponse struct {
	OrderID      string                     `json:"order_id"`
	Transactions []models.TransactionDetail `json:"transactions"`
	Refunds      []models.Refund            `json:"refunds"`
	Audit        []models.SecurityAuditLog  `json:"audit"`
}
