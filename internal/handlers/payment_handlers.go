package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"campus_pay_portal/internal/models"
	"campus_pay_portal/internal/services"
)

const maxCallbackBody = 1 << 20

// PaymentHandler serves the payment API
type PaymentHandler struct {
	store      *services.Store
	sessions   *services.SessionService
	reconciler *services.Reconciler
	refunds    *services.RefundService
	logger     *zap.Logger
}

func NewPaymentHandler(store *services.Store, sessions *services.SessionService, reconciler *services.Reconciler, refunds *services.RefundService, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{
		store:      store,
		sessions:   sessions,
		reconciler: reconciler,
		refunds:    refunds,
		logger:     logger,
	}
}

// CreateSession opens a gateway session for an order
func (h *PaymentHandler) CreateSession(c echo.Context) error {
	var body CreateSessionBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid JSON payload")
	}

	requesterID := body.RequesterID
	if caller, ok := services.CallerFrom(c.Request().Context()); ok && requesterID == "" {
		requesterID = caller.UID
	}

	res, err := h.sessions.CreateSession(c.Request().Context(), services.CreateSessionRequest{
		OrderID:       body.OrderID,
		Amount:        body.Amount,
		Currency:      body.Currency,
		CustomerEmail: body.CustomerEmail,
		CustomerPhone: body.CustomerPhone,
		ServiceID:     body.ServiceID,
		RequesterID:   requesterID,
		TestCaseID:    body.TestCaseID,
		TestScenario:  body.TestScenario,
	})
	if err != nil {
		return err
	}

	code := http.StatusCreated
	if res.IsExisting {
		code = http.StatusOK
	}
	return c.JSON(code, SessionResponse{
		OrderID:       res.Order.OrderID,
		SessionID:     res.Session.SessionID,
		PaymentLinks:  res.Session.PaymentLinks,
		SessionStatus: res.Session.SessionStatus,
		IsExisting:    res.IsExisting,
	})
}

// Callback receives gateway notifications and return-URL redirects. It always
// acknowledges with 200 so the gateway never retries a payload already seen;
// every outcome is recorded in the ledger and audit log instead.
func (h *PaymentHandler) Callback(c echo.Context) error {
	raw, fields, err := readCallback(c.Request())
	if err != nil {
		h.logger.Warn("unreadable callback payload", zap.Error(err))
	}

	// Finish reconciling even if the gateway hangs up
	ctx := context.WithoutCancel(c.Request().Context())
	res, err := h.reconciler.HandleCallback(ctx, services.CallbackPayload{Fields: fields, Raw: raw})
	if err != nil {
		h.logger.Error("callback reconciliation failed", zap.String("order_id", fields["order_id"]), zap.Error(err))
	} else {
		h.logger.Info("callback reconciled",
			zap.String("order_id", res.OrderID),
			zap.String("state", string(res.State)),
			zap.String("status", string(res.Status)),
			zap.Bool("signature_verified", res.SignatureVerified))
	}

	return c.JSON(http.StatusOK, CallbackAck{Success: true})
}

// Status resolves the order through the gateway status API
func (h *PaymentHandler) Status(c echo.Context) error {
	ctx := c.Request().Context()
	orderID := c.Param("order_id")

	res, err := h.reconciler.Poll(ctx, orderID)
	if err != nil {
		return err
	}
	order, err := h.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	verified, err := h.lastCallbackVerified(ctx, orderID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, StatusResponse{
		OrderID:           order.OrderID,
		Status:            order.Status,
		GatewayStatus:     res.GatewayStatus,
		TransactionID:     res.TransactionID,
		SignatureVerified: verified,
		RefundStatus:      order.RefundStatus,
		RefundedAmount:    order.RefundedAmount.StringFixed(2),
		Raw:               res.Raw,
	})
}

// Refund issues a refund against a successful order
func (h *PaymentHandler) Refund(c echo.Context) error {
	var body RefundBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid JSON payload")
	}

	requestedBy := ""
	if caller, ok := services.CallerFrom(c.Request().Context()); ok {
		requestedBy = caller.Email
		if requestedBy == "" {
			requestedBy = caller.UID
		}
	}

	refund, err := h.refunds.Refund(c.Request().Context(), services.RefundRequest{
		OrderID:         c.Param("order_id"),
		Amount:          body.RefundAmount,
		Note:            body.RefundNote,
		UniqueRequestID: body.UniqueRequestID,
		RequestedBy:     requestedBy,
	})
	if err != nil {
		return err
	}

	code := http.StatusOK
	if refund.Status == models.RefundStatusPending {
		code = http.StatusAccepted
	}
	return c.JSON(code, RefundResponse{
		RefundID:        refund.RefundID,
		RefundRefNo:     refund.RefundRefNo,
		Status:          refund.Status,
		UniqueRequestID: refund.UniqueRequestID,
		RefundAmount:    refund.RefundAmount.StringFixed(2),
	})
}

// Transactions returns the append-only ledger of an order
func (h *PaymentHandler) Transactions(c echo.Context) error {
	ctx := c.Request().Context()
	orderID := c.Param("order_id")
	if _, err := h.store.GetOrder(ctx, orderID); err != nil {
		return err
	}

	details, err := h.store.ListTransactionDetails(ctx, orderID)
	if err != nil {
		return err
	}
	refunds, err := h.store.ListRefunds(ctx, orderID)
	if err != nil {
		return err
	}
	audit, err := h.store.ListSecurityEvents(ctx, orderID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, LedgerResponse{
		OrderID:      orderID,
		Transactions: details,
		Refunds:      refunds,
		Audit:        audit,
	})
}

// Health reports whether the database answers
func (h *PaymentHandler) Health(c echo.Context) error {
	sqlDB, err := h.store.DB().DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request().Context())
	}
	if err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h *PaymentHandler) lastCallbackVerified(ctx context.Context, orderID string) (bool, error) {
	details, err := h.store.ListTransactionDetails(ctx, orderID)
	if err != nil {
		return false, err
	}
	for i := len(details) - 1; i >= 0; i-- {
		if details[i].Source == models.TransactionSourceCallback {
			return details[i].SignatureVerified, nil
		}
	}
	return false, nil
}

// readCallback collects callback fields from the query string and a form or
// JSON body. The body is returned verbatim.
func readCallback(r *http.Request) ([]byte, map[string]string, error) {
	fields := map[string]string{}
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			fields[k] = v[0]
		}
	}

	var raw []byte
	if r.Body != nil {
		var err error
		raw, err = io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
		if err != nil {
			return nil, fields, err
		}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		if r.URL.RawQuery != "" {
			raw = []byte(r.URL.RawQuery)
		}
		return raw, fields, nil
	}

	if strings.HasPrefix(r.Header.Get("Content-Type"), echo.MIMEApplicationJSON) || json.Valid(raw) {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			return raw, fields, err
		}
		for k, v := range obj {
			fields[k] = stringify(v)
		}
		if fields["order_id"] == "" {
			fields["order_id"] = webhookOrderID(obj)
		}
		return raw, fields, nil
	}

	values, err := url.ParseQuery(string(raw))
	if err != nil {
		return raw, fields, err
	}
	for k, v := range values {
		if len(v) > 0 {
			fields[k] = v[0]
		}
	}
	return raw, fields, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// webhookOrderID digs the order id out of a server-to-server webhook
// ({"event_name": ..., "content": {"order": {...}}})
func webhookOrderID(obj map[string]any) string {
	content, ok := obj["content"].(map[string]any)
	if !ok {
		return ""
	}
	order, ok := content["order"].(map[string]any)
	if !ok {
		return ""
	}
	id, _ := order["order_id"].(string)
	return id
}
