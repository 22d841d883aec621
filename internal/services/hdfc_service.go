package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"campus_pay_portal/internal/models"
)

// PaymentGateway is the stateless adapter over the external gateway
type PaymentGateway interface {
	CreateSession(ctx context.Context, order *models.Order) (*models.PaymentSession, error)
	QueryStatus(ctx context.Context, orderID string) (*GatewayStatus, error)
	IssueRefund(ctx context.Context, call RefundCall) (*RefundResult, error)
}

// GatewayStatus is the parsed order status response. Raw keeps the payload
// verbatim so fields this type does not know about survive for audit.
type GatewayStatus struct {
	OrderID string          `json:"order_id"`
	Status  string          `json:"status"`
	TxnID   string          `json:"txn_id"`
	Amount  decimal.Decimal `json:"amount"`
	Refunds []GatewayRefund `json:"refunds"`
	Raw     json.RawMessage `json:"-"`
}

// GatewayRefund is one entry of the refunds list on an order
type GatewayRefund struct {
	UniqueRequestID string          `json:"unique_request_id"`
	Status          string          `json:"status"`
	Amount          decimal.Decimal `json:"amount"`
	Ref             string          `json:"ref"`
	ErrorMessage    string          `json:"error_message"`
}

// RefundCall is an outbound refund. UniqueRequestID is the idempotency key the
// gateway deduplicates on; retries must reuse it.
type RefundCall struct {
	OrderID         string
	UniqueRequestID string
	Amount          decimal.Decimal
	Note            string
}

// RefundResult is the gateway's answer for one refund call
type RefundResult struct {
	UniqueRequestID string
	RefNo           string
	Status          string
	Raw             json.RawMessage
}

// HDFCConfig holds the SmartGateway credentials
type HDFCConfig struct {
	BaseURL             string
	APIKey              string
	MerchantID          string
	PaymentPageClientID string
	ReturnURL           string
	Currency            string
	Timeout             time.Duration
}

// HDFCService talks to the HDFC SmartGateway REST API
type HDFCService struct {
	cfg    HDFCConfig
	client *http.Client
	logger *zap.Logger
}

func NewHDFCService(cfg HDFCConfig, logger *zap.Logger) *HDFCService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HDFCService{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type sessionRequest struct {
	OrderID             string `json:"order_id"`
	Amount              string `json:"amount"`
	Currency            string `json:"currency"`
	CustomerID          string `json:"customer_id"`
	CustomerEmail       string `json:"customer_email"`
	CustomerPhone       string `json:"customer_phone"`
	PaymentPageClientID string `json:"payment_page_client_id"`
	Action              string `json:"action"`
	ReturnURL           string `json:"return_url,omitempty"`
}

type sessionResponse struct {
	ID           string         `json:"id"`
	OrderID      string         `json:"order_id"`
	Status       string         `json:"status"`
	PaymentLinks map[string]any `json:"payment_links"`
}

type errorResponse struct {
	Status       string `json:"status"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// CreateSession opens a payment page session for order. Amount and currency
// are checked before any network call.
func (s *HDFCService) CreateSession(ctx context.Context, order *models.Order) (*models.PaymentSession, error) {
	amount, err := FormatDecimal(order.Amount)
	if err != nil {
		return nil, err
	}
	if order.OrderID == "" {
		return nil, invalidRequest("order_id is required")
	}
	if !strings.EqualFold(order.Currency, s.cfg.Currency) {
		return nil, invalidRequest("currency %q is not accepted, expected %s", order.Currency, s.cfg.Currency)
	}

	req := sessionRequest{
		OrderID:             order.OrderID,
		Amount:              amount,
		Currency:            strings.ToUpper(order.Currency),
		CustomerID:          customerID(order),
		CustomerEmail:       order.CustomerEmail,
		CustomerPhone:       order.CustomerPhone,
		PaymentPageClientID: s.cfg.PaymentPageClientID,
		Action:              "paymentPage",
		ReturnURL:           s.cfg.ReturnURL,
	}
	reqBytes, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session request: %w", err)
	}

	status, body, err := s.do(ctx, http.MethodPost, "/session", "application/json", strings.NewReader(string(reqBytes)), req.CustomerID)
	if err != nil {
		return nil, unreachable("create session", err)
	}
	if status < 200 || status > 299 {
		return nil, &GatewayRejectedError{StatusCode: status, Body: errorMessage(body)}
	}

	var resp sessionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &GatewayRejectedError{StatusCode: status, Body: "unparseable session response"}
	}

	return &models.PaymentSession{
		SessionID:        resp.ID,
		OrderID:          order.OrderID,
		PaymentGateway:   models.PaymentGatewayHDFC,
		PaymentLinks:     datatypes.JSONMap(resp.PaymentLinks),
		SessionStatus:    resp.Status,
		RequestMetadata:  datatypes.JSON(reqBytes),
		ResponseMetadata: datatypes.JSON(body),
	}, nil
}

// QueryStatus reads the authoritative order status. Safe to repeat.
func (s *HDFCService) QueryStatus(ctx context.Context, orderID string) (*GatewayStatus, error) {
	if orderID == "" {
		return nil, invalidRequest("order_id is required")
	}
	status, body, err := s.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(orderID), "", nil, "")
	if err != nil {
		return nil, unreachable("order status", err)
	}
	if status < 200 || status > 299 {
		return nil, &GatewayRejectedError{StatusCode: status, Body: errorMessage(body)}
	}

	var gs GatewayStatus
	if err := json.Unmarshal(body, &gs); err != nil {
		return nil, &GatewayRejectedError{StatusCode: status, Body: "unparseable status response"}
	}
	gs.Raw = body
	return &gs, nil
}

// IssueRefund asks the gateway to refund part or all of a charged order.
// A timeout leaves the outcome unknown: reconcile with QueryStatus before
// retrying, and retry only with the same UniqueRequestID.
func (s *HDFCService) IssueRefund(ctx context.Context, call RefundCall) (*RefundResult, error) {
	amount, err := FormatDecimal(call.Amount)
	if err != nil {
		return nil, err
	}
	if call.OrderID == "" || call.UniqueRequestID == "" {
		return nil, invalidRequest("order_id and unique_request_id are required")
	}

	form := url.Values{}
	form.Set("unique_request_id", call.UniqueRequestID)
	form.Set("amount", amount)
	if call.Note != "" {
		form.Set("metadata.note", call.Note)
	}

	path := "/orders/" + url.PathEscape(call.OrderID) + "/refunds"
	status, body, err := s.do(ctx, http.MethodPost, path, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()), "")
	if err != nil {
		return nil, unreachable("refund", err)
	}
	if status >= 500 {
		// Server side failure after the request was delivered: outcome unknown
		return nil, unreachable("refund", fmt.Errorf("gateway answered %d", status))
	}
	if status < 200 || status > 299 {
		return nil, &RefundRejectedError{Reason: errorMessage(body)}
	}

	var gs GatewayStatus
	if err := json.Unmarshal(body, &gs); err != nil {
		return nil, unreachable("refund", fmt.Errorf("unparseable refund response: %w", err))
	}
	for _, r := range gs.Refunds {
		if r.UniqueRequestID != call.UniqueRequestID {
			continue
		}
		if isRefundFailure(r.Status) {
			reason := r.ErrorMessage
			if reason == "" {
				reason = "refund " + strings.ToLower(r.Status)
			}
			return nil, &RefundRejectedError{Reason: reason}
		}
		return &RefundResult{
			UniqueRequestID: r.UniqueRequestID,
			RefNo:           r.Ref,
			Status:          r.Status,
			Raw:             body,
		}, nil
	}
	return nil, unreachable("refund", fmt.Errorf("refund %s missing from gateway response", call.UniqueRequestID))
}

func (s *HDFCService) do(ctx context.Context, method, path, contentType string, body io.Reader, customer string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.cfg.BaseURL+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	auth := base64.StdEncoding.EncodeToString([]byte(s.cfg.APIKey + ":"))
	req.Header.Set("Authorization", "Basic "+auth)
	req.Header.Set("x-merchantid", s.cfg.MerchantID)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if customer != "" {
		req.Header.Set("x-customerid", customer)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("hdfc request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	s.logger.Debug("hdfc request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))
	return resp.StatusCode, data, nil
}

func customerID(order *models.Order) string {
	if order.RequesterID != "" {
		return order.RequesterID
	}
	if order.CustomerEmail != "" {
		return order.CustomerEmail
	}
	return order.OrderID
}

func errorMessage(body []byte) string {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.ErrorMessage != "" {
		return er.ErrorMessage
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}

func isRefundFailure(status string) bool {
	switch strings.ToUpper(status) {
	case "FAILURE", "FAILED", "REJECTED":
		return true
	}
	return false
}
