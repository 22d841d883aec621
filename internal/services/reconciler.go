package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"campus_pay_portal/internal/models"
)

// ReconcileState is the momentary outcome of one reconciliation. It is never
// persisted; the order's status is.
type ReconcileState string

const (
	StateNoTransaction   ReconcileState = "no_transaction"
	StateAwaitingGateway ReconcileState = "awaiting_gateway"
	StateVerifying       ReconcileState = "verifying"
	StateConfirmed       ReconcileState = "confirmed"
	StateRejected        ReconcileState = "rejected"
	StateAmbiguous       ReconcileState = "ambiguous"
)

// gatewayOutcome buckets the gateway's many status codes
type gatewayOutcome int

const (
	outcomeUnknown gatewayOutcome = iota
	outcomePending
	outcomeSuccess
	outcomeFailed
	outcomeExpired
)

func classifyGatewayStatus(status string) gatewayOutcome {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "CHARGED", "SUCCESS":
		return outcomeSuccess
	case "AUTHENTICATION_FAILED", "AUTHORIZATION_FAILED", "JUSPAY_DECLINED", "FAILURE", "FAILED", "DECLINED", "AUTO_REFUNDED":
		return outcomeFailed
	case "EXPIRED":
		return outcomeExpired
	case "NEW", "PENDING", "PENDING_VBV", "AUTHORIZING", "STARTED", "CREATED":
		return outcomePending
	}
	return outcomeUnknown
}

// CallbackPayload is a gateway callback as received. Fields holds the decoded
// form or JSON values, Raw the body verbatim.
type CallbackPayload struct {
	Fields map[string]string
	Raw    []byte
}

// ReconcileResult describes what one callback or poll decided
type ReconcileResult struct {
	OrderID           string                 `json:"order_id"`
	State             ReconcileState         `json:"state"`
	Status            models.OrderStatus     `json:"status"`
	GatewayStatus     string                 `json:"gateway_status"`
	TransactionID     string                 `json:"transaction_id"`
	SignatureVerified bool                   `json:"signature_verified"`
	Transitioned      bool                   `json:"transitioned"`
	ServiceRequest    *models.ServiceRequest `json:"service_request,omitempty"`
	ActivationError   string                 `json:"activation_error,omitempty"`
	Raw               json.RawMessage        `json:"raw,omitempty"`
}

// Reconciler decides the canonical status of an order from callbacks and
// status polls. It keeps no state between calls.
type Reconciler struct {
	store       *Store
	gateway     PaymentGateway
	activator   *Activator
	refunds     *RefundService
	events      EventPublisher
	responseKey string
	logger      *zap.Logger
}

func NewReconciler(store *Store, gateway PaymentGateway, activator *Activator, refunds *RefundService, events EventPublisher, responseKey string, logger *zap.Logger) *Reconciler {
	if events == nil {
		events = NopPublisher{}
	}
	return &Reconciler{
		store:       store,
		gateway:     gateway,
		activator:   activator,
		refunds:     refunds,
		events:      events,
		responseKey: responseKey,
		logger:      logger,
	}
}

// HandleCallback reconciles one gateway callback. A callback whose signature
// does not verify never decides the outcome; the status API does.
func (r *Reconciler) HandleCallback(ctx context.Context, payload CallbackPayload) (*ReconcileResult, error) {
	fields := payload.Fields
	orderID := strings.TrimSpace(fields["order_id"])
	parsed := fieldsJSON(fields)

	if orderID == "" {
		writeAudit(ctx, r.store, r.logger, "", models.AuditEventUnknownOrder, models.SeverityWarning,
			"callback without order_id", map[string]any{"fields": fields})
		return &ReconcileResult{State: StateNoTransaction}, nil
	}
	order, err := r.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			writeAudit(ctx, r.store, r.logger, "", models.AuditEventUnknownOrder, models.SeverityWarning,
				"callback for unknown order "+orderID, map[string]any{"order_id": orderID, "fields": fields})
			return &ReconcileResult{OrderID: orderID, State: StateNoTransaction}, nil
		}
		return nil, err
	}

	result := &ReconcileResult{OrderID: orderID, State: StateVerifying, Status: order.Status}
	provided := fields[SignatureField]

	if VerifySignature(fields, provided, r.responseKey) {
		result.SignatureVerified = true
		result.GatewayStatus = fields["status"]
		result.TransactionID = transactionID(fields)
		if json.Valid(payload.Raw) {
			result.Raw = payload.Raw
		} else {
			result.Raw = json.RawMessage(parsed)
		}
		if err := r.store.AppendTransactionDetail(ctx, &models.TransactionDetail{
			TransactionID:     result.TransactionID,
			OrderID:           orderID,
			Status:            result.GatewayStatus,
			Source:            models.TransactionSourceCallback,
			SignatureVerified: true,
			HDFCResponseRaw:   datatypes.JSON(result.Raw),
			FormDataReceived:  payload.Raw,
			CallbackFields:    parsed,
		}); err != nil {
			return nil, fmt.Errorf("failed to record callback for %s: %w", orderID, err)
		}
		return r.apply(ctx, order, classifyGatewayStatus(result.GatewayStatus), result)
	}

	writeAudit(ctx, r.store, r.logger, orderID, models.AuditEventSignatureInvalid, models.SeverityCritical,
		"callback signature verification failed, falling back to status query",
		map[string]any{"signature_present": provided != "", "claimed_status": fields["status"]})
	result.State = StateAmbiguous

	gs, qerr := r.gateway.QueryStatus(ctx, orderID)
	if qerr != nil {
		if err := r.store.AppendTransactionDetail(ctx, &models.TransactionDetail{
			TransactionID:    transactionID(fields),
			OrderID:          orderID,
			Status:           "UNVERIFIED",
			Source:           models.TransactionSourceCallback,
			FormDataReceived: payload.Raw,
			CallbackFields:   parsed,
		}); err != nil {
			r.logger.Error("failed to record unverified callback", zap.String("order_id", orderID), zap.Error(err))
		}
		return result, fmt.Errorf("authoritative status check for %s: %w", orderID, qerr)
	}

	result.GatewayStatus = gs.Status
	result.TransactionID = gs.TxnID
	result.Raw = gs.Raw
	if err := r.store.AppendTransactionDetail(ctx, &models.TransactionDetail{
		TransactionID:    gs.TxnID,
		OrderID:          orderID,
		Status:           gs.Status,
		Source:           models.TransactionSourceCallback,
		HDFCResponseRaw:  datatypes.JSON(gs.Raw),
		FormDataReceived: payload.Raw,
		CallbackFields:   parsed,
	}); err != nil {
		return nil, fmt.Errorf("failed to record callback for %s: %w", orderID, err)
	}
	r.syncRefunds(ctx, gs)
	return r.apply(ctx, order, classifyGatewayStatus(gs.Status), result)
}

// Poll resolves an order through the status API, which is trusted without a signature
func (r *Reconciler) Poll(ctx context.Context, orderID string) (*ReconcileResult, error) {
	order, err := r.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	result := &ReconcileResult{OrderID: orderID, State: StateAwaitingGateway, Status: order.Status}

	gs, err := r.gateway.QueryStatus(ctx, orderID)
	if err != nil {
		if aerr := r.store.AppendTransactionDetail(ctx, &models.TransactionDetail{
			OrderID: orderID,
			Status:  "QUERY_FAILED",
			Source:  models.TransactionSourceStatusAPI,
		}); aerr != nil {
			r.logger.Error("failed to record failed status query", zap.String("order_id", orderID), zap.Error(aerr))
		}
		return result, err
	}

	result.GatewayStatus = gs.Status
	result.TransactionID = gs.TxnID
	result.Raw = gs.Raw
	if err := r.store.AppendTransactionDetail(ctx, &models.TransactionDetail{
		TransactionID:   gs.TxnID,
		OrderID:         orderID,
		Status:          gs.Status,
		Source:          models.TransactionSourceStatusAPI,
		HDFCResponseRaw: datatypes.JSON(gs.Raw),
	}); err != nil {
		return nil, fmt.Errorf("failed to record status for %s: %w", orderID, err)
	}
	if err := r.store.MirrorSessionStatus(ctx, orderID, gs.Status); err != nil {
		r.logger.Warn("failed to mirror session status", zap.String("order_id", orderID), zap.Error(err))
	}
	r.syncRefunds(ctx, gs)
	return r.apply(ctx, order, classifyGatewayStatus(gs.Status), result)
}

// apply moves the order forward with a conditional update. Losing the race to
// a concurrent reconciliation is a no-op.
func (r *Reconciler) apply(ctx context.Context, order *models.Order, outcome gatewayOutcome, result *ReconcileResult) (*ReconcileResult, error) {
	var (
		target models.OrderStatus
		from   []models.OrderStatus
	)
	switch outcome {
	case outcomeSuccess:
		target, from = models.OrderStatusSuccess, []models.OrderStatus{models.OrderStatusCreated, models.OrderStatusPending}
		result.State = StateConfirmed
	case outcomeFailed:
		target, from = models.OrderStatusFailed, []models.OrderStatus{models.OrderStatusCreated, models.OrderStatusPending}
		result.State = StateRejected
	case outcomeExpired:
		target, from = models.OrderStatusExpired, []models.OrderStatus{models.OrderStatusCreated, models.OrderStatusPending}
		result.State = StateRejected
	case outcomePending:
		target, from = models.OrderStatusPending, []models.OrderStatus{models.OrderStatusCreated}
		result.State = StateAwaitingGateway
	default:
		r.logger.Warn("unrecognised gateway status",
			zap.String("order_id", order.OrderID),
			zap.String("gateway_status", result.GatewayStatus))
		if result.State != StateAmbiguous {
			result.State = StateAwaitingGateway
		}
		return result, nil
	}

	won, err := r.store.TransitionOrder(ctx, order.OrderID, target, from...)
	if err != nil {
		return nil, err
	}
	current, err := r.store.GetOrder(ctx, order.OrderID)
	if err != nil {
		return nil, err
	}
	result.Status = current.Status
	result.Transitioned = won

	if !won {
		if current.Status != target && current.Status.IsTerminal() && target.IsTerminal() {
			writeAudit(ctx, r.store, r.logger, order.OrderID, models.AuditEventUnexpectedTransition, models.SeverityWarning,
				fmt.Sprintf("gateway reports %s but order is already %s", result.GatewayStatus, current.Status),
				map[string]any{"gateway_status": result.GatewayStatus, "order_status": current.Status, "signature_verified": result.SignatureVerified})
		}
	} else {
		r.logger.Info("order transitioned",
			zap.String("order_id", order.OrderID),
			zap.String("from", string(order.Status)),
			zap.String("to", string(target)),
			zap.String("gateway_status", result.GatewayStatus))
		if target.IsTerminal() {
			r.publish(ctx, current, target)
		}
	}

	// Every reconciliation of a confirmed order activates it; the activator
	// returns the already bound request after the first success.
	if current.Status == models.OrderStatusSuccess {
		req, err := r.activate(ctx, current)
		if err != nil {
			result.ActivationError = err.Error()
		} else {
			result.ServiceRequest = req
		}
	}
	return result, nil
}

// EnsureActivated activates a successful order that has no service request yet
func (r *Reconciler) EnsureActivated(ctx context.Context, orderID string) (*models.ServiceRequest, error) {
	order, err := r.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusSuccess {
		return nil, &ActivationFailedError{Reason: fmt.Sprintf("order %s is %s, only successful orders can be activated", orderID, order.Status)}
	}
	return r.activate(ctx, order)
}

func (r *Reconciler) activate(ctx context.Context, order *models.Order) (*models.ServiceRequest, error) {
	if r.activator == nil {
		return nil, nil
	}
	req, err := r.activator.Activate(ctx, order.OrderID, order.ServiceID, order.RequesterID)
	if err != nil {
		writeAudit(ctx, r.store, r.logger, order.OrderID, models.AuditEventActivationFailed, models.SeverityCritical,
			"payment confirmed but service request activation failed: "+err.Error(),
			map[string]any{"service_id": order.ServiceID, "requester_id": order.RequesterID})
		return nil, err
	}
	return req, nil
}

func (r *Reconciler) publish(ctx context.Context, order *models.Order, status models.OrderStatus) {
	eventType := EventPaymentFailed
	switch status {
	case models.OrderStatusSuccess:
		eventType = EventPaymentSuccess
	case models.OrderStatusExpired:
		eventType = EventPaymentExpired
	}
	err := r.events.Publish(ctx, PaymentEvent{
		Type:     eventType,
		OrderID:  order.OrderID,
		Status:   string(status),
		Amount:   order.Amount.StringFixed(2),
		Currency: order.Currency,
	})
	if err != nil {
		r.logger.Warn("failed to publish payment event", zap.String("order_id", order.OrderID), zap.Error(err))
	}
}

func (r *Reconciler) syncRefunds(ctx context.Context, gs *GatewayStatus) {
	if r.refunds == nil || len(gs.Refunds) == 0 {
		return
	}
	if err := r.refunds.SyncFromStatus(ctx, gs); err != nil {
		r.logger.Warn("failed to sync refunds from status", zap.String("order_id", gs.OrderID), zap.Error(err))
	}
}

// ReverifyResult compares a stored callback's signature check then and now
type ReverifyResult struct {
	DetailID          uint   `json:"detail_id"`
	Status            string `json:"status"`
	VerifiedAtReceipt bool   `json:"verified_at_receipt"`
	VerifiesNow       bool   `json:"verifies_now"`
}

// Reverify re-runs signature verification over every callback stored in the
// ledger for orderID. The ledger itself is not modified.
func (r *Reconciler) Reverify(ctx context.Context, orderID string) ([]ReverifyResult, error) {
	details, err := r.store.ListTransactionDetails(ctx, orderID)
	if err != nil {
		return nil, err
	}
	var results []ReverifyResult
	for _, d := range details {
		if d.Source != models.TransactionSourceCallback || len(d.CallbackFields) == 0 {
			continue
		}
		var fields map[string]string
		if err := json.Unmarshal(d.CallbackFields, &fields); err != nil {
			r.logger.Warn("stored callback is not a field map", zap.Uint("detail_id", d.ID), zap.Error(err))
			continue
		}
		results = append(results, ReverifyResult{
			DetailID:          d.ID,
			Status:            d.Status,
			VerifiedAtReceipt: d.SignatureVerified,
			VerifiesNow:       VerifySignature(fields, fields[SignatureField], r.responseKey),
		})
	}
	return results, nil
}

func transactionID(fields map[string]string) string {
	for _, k := range []string{"txn_id", "transaction_id", "txn_uuid"} {
		if v := fields[k]; v != "" {
			return v
		}
	}
	return ""
}

func fieldsJSON(fields map[string]string) datatypes.JSON {
	if fields == nil {
		fields = map[string]string{}
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(b)
}
