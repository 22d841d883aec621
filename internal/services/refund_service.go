package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"campus_pay_portal/internal/models"
)

// AttemptCounter hands out monotonically increasing numbers per key
type AttemptCounter interface {
	Next(ctx context.Context, key string) (int64, error)
}

type RefundRequest struct {
	OrderID string
	Amount  decimal.Decimal
	Note    string
	// UniqueRequestID retries an earlier refund whose outcome was unknown.
	// Leave empty for a new refund.
	UniqueRequestID string
	RequestedBy     string
}

// RefundService validates refunds locally and forwards them to the gateway
type RefundService struct {
	store   *Store
	gateway PaymentGateway
	counter AttemptCounter
	events  EventPublisher
	logger  *zap.Logger
}

// NewRefundService builds the orchestrator. counter may be nil, in which case
// attempts are numbered from the refund rows already stored for the order.
func NewRefundService(store *Store, gateway PaymentGateway, counter AttemptCounter, events EventPublisher, logger *zap.Logger) *RefundService {
	if events == nil {
		events = NopPublisher{}
	}
	return &RefundService{store: store, gateway: gateway, counter: counter, events: events, logger: logger}
}

// Refund issues a refund against a confirmed order. Every precondition is
// checked before the gateway is contacted.
func (r *RefundService) Refund(ctx context.Context, req RefundRequest) (*models.Refund, error) {
	if req.OrderID == "" {
		return nil, invalidRefund("order_id is required")
	}
	if !req.Amount.IsPositive() {
		return nil, invalidRefund("refund amount must be greater than zero")
	}
	if !req.Amount.Equal(req.Amount.Round(2)) {
		return nil, invalidRefund("refund amount %s has more than two decimal places", req.Amount.String())
	}

	order, err := r.store.GetOrder(ctx, req.OrderID)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRefundRequest, err)
		}
		return nil, err
	}
	if order.Status != models.OrderStatusSuccess {
		r.audit(ctx, order.OrderID, models.AuditEventRefundInvalidState, models.SeverityWarning,
			fmt.Sprintf("refund of %s attempted on order in status %s", req.Amount.StringFixed(2), order.Status),
			map[string]any{"amount": req.Amount.StringFixed(2), "status": order.Status, "requested_by": req.RequestedBy})
		return nil, invalidRefund("order %s is %s, only successful orders can be refunded", order.OrderID, order.Status)
	}

	if req.UniqueRequestID != "" {
		existing, err := r.store.GetRefundByRequestID(ctx, req.UniqueRequestID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if existing.OrderID != order.OrderID {
				return nil, invalidRefund("unique_request_id %s belongs to another order", req.UniqueRequestID)
			}
			if existing.Status != models.RefundStatusPending {
				return existing, nil
			}
			if !existing.RefundAmount.Equal(req.Amount) {
				return nil, invalidRefund("retry of %s must use the original amount %s", req.UniqueRequestID, existing.RefundAmount.StringFixed(2))
			}
			return r.issue(ctx, existing)
		}
	}

	pending, err := r.store.PendingRefundTotal(ctx, order.OrderID)
	if err != nil {
		return nil, err
	}
	available := order.RefundableAmount().Sub(pending)
	if req.Amount.GreaterThan(available) {
		return nil, invalidRefund("refund amount %s exceeds refundable balance %s", req.Amount.StringFixed(2), available.StringFixed(2))
	}

	key := req.UniqueRequestID
	if key == "" {
		if key, err = r.nextRequestID(ctx, order.OrderID); err != nil {
			return nil, err
		}
	}

	refund := &models.Refund{
		RefundID:        uuid.NewString(),
		OrderID:         order.OrderID,
		UniqueRequestID: key,
		RefundAmount:    req.Amount,
		RefundNote:      req.Note,
		Status:          models.RefundStatusPending,
		PaymentGateway:  models.PaymentGatewayHDFC,
		RequestedBy:     req.RequestedBy,
	}
	err = r.store.CreateRefund(ctx, refund)
	if errors.Is(err, gorm.ErrDuplicatedKey) && req.UniqueRequestID == "" {
		// The allocated attempt is already taken, e.g. after a counter reset
		// or a concurrent refund. Move past the highest stored attempt once.
		if refund.UniqueRequestID, err = r.requestIDAfterStored(ctx, order.OrderID); err != nil {
			return nil, err
		}
		r.logger.Warn("refund attempt key collided, reallocated",
			zap.String("order_id", order.OrderID),
			zap.String("unique_request_id", refund.UniqueRequestID))
		err = r.store.CreateRefund(ctx, refund)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record refund: %w", err)
	}
	return r.issue(ctx, refund)
}

func (r *RefundService) issue(ctx context.Context, refund *models.Refund) (*models.Refund, error) {
	res, err := r.gateway.IssueRefund(ctx, RefundCall{
		OrderID:         refund.OrderID,
		UniqueRequestID: refund.UniqueRequestID,
		Amount:          refund.RefundAmount,
		Note:            refund.RefundNote,
	})
	// Settlement writes must land even if the caller went away mid-call
	persistCtx := context.WithoutCancel(ctx)

	var rejected *RefundRejectedError
	switch {
	case errors.As(err, &rejected):
		if _, serr := r.store.SettleRefund(persistCtx, refund.RefundID, models.RefundStatusRejected, "", rejected.Reason, nil); serr != nil {
			r.logger.Error("failed to settle rejected refund", zap.String("refund_id", refund.RefundID), zap.Error(serr))
		}
		r.audit(persistCtx, refund.OrderID, models.AuditEventRefundRejected, models.SeverityWarning,
			"refund rejected by gateway: "+rejected.Reason,
			map[string]any{"unique_request_id": refund.UniqueRequestID, "amount": refund.RefundAmount.StringFixed(2)})
		return nil, err
	case errors.Is(err, ErrGatewayUnreachable):
		r.logger.Warn("refund outcome unknown",
			zap.String("order_id", refund.OrderID),
			zap.String("unique_request_id", refund.UniqueRequestID),
			zap.Error(err))
		return nil, fmt.Errorf("refund %s: reconcile with a status query before retrying with the same unique_request_id: %w", refund.UniqueRequestID, err)
	case err != nil:
		if _, serr := r.store.SettleRefund(persistCtx, refund.RefundID, models.RefundStatusRejected, "", err.Error(), nil); serr != nil {
			r.logger.Error("failed to settle refund", zap.String("refund_id", refund.RefundID), zap.Error(serr))
		}
		return nil, err
	}

	if strings.EqualFold(res.Status, "SUCCESS") {
		if err := r.settleSuccess(persistCtx, refund, res.RefNo, res.Raw); err != nil {
			return nil, err
		}
	} else if err := r.store.SetRefundRef(persistCtx, refund.RefundID, res.RefNo); err != nil {
		return nil, err
	}

	stored, err := r.store.GetRefundByRequestID(persistCtx, refund.UniqueRequestID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("refund %s disappeared after settlement", refund.UniqueRequestID)
	}
	return stored, nil
}

// SyncFromStatus settles pending refunds using the refunds list of an
// authoritative status response
func (r *RefundService) SyncFromStatus(ctx context.Context, gs *GatewayStatus) error {
	var errs []error
	for _, gr := range gs.Refunds {
		if gr.UniqueRequestID == "" {
			continue
		}
		local, err := r.store.GetRefundByRequestID(ctx, gr.UniqueRequestID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if local == nil || local.Status != models.RefundStatusPending {
			continue
		}
		switch {
		case strings.EqualFold(gr.Status, "SUCCESS"):
			raw, _ := json.Marshal(gr)
			errs = append(errs, r.settleSuccess(ctx, local, gr.Ref, raw))
		case isRefundFailure(gr.Status):
			reason := gr.ErrorMessage
			if reason == "" {
				reason = "refund " + strings.ToLower(gr.Status)
			}
			if _, err := r.store.SettleRefund(ctx, local.RefundID, models.RefundStatusRejected, gr.Ref, reason, nil); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (r *RefundService) settleSuccess(ctx context.Context, refund *models.Refund, refNo string, raw []byte) error {
	settled, err := r.store.SettleRefund(ctx, refund.RefundID, models.RefundStatusSuccess, refNo, "", raw)
	if err != nil {
		return err
	}
	if !settled {
		return nil
	}
	if err := r.store.CreditRefund(ctx, refund.OrderID, refund.RefundAmount); err != nil {
		return fmt.Errorf("refund %s settled but order not credited: %w", refund.RefundID, err)
	}
	r.logger.Info("refund succeeded",
		zap.String("order_id", refund.OrderID),
		zap.String("refund_id", refund.RefundID),
		zap.String("amount", refund.RefundAmount.StringFixed(2)))
	if err := r.events.Publish(ctx, PaymentEvent{
		Type:     EventRefundSuccess,
		OrderID:  refund.OrderID,
		Status:   string(models.RefundStatusSuccess),
		Amount:   refund.RefundAmount.StringFixed(2),
		RefundID: refund.RefundID,
	}); err != nil {
		r.logger.Warn("failed to publish refund event", zap.String("refund_id", refund.RefundID), zap.Error(err))
	}
	return nil
}

func (r *RefundService) nextRequestID(ctx context.Context, orderID string) (string, error) {
	var attempt int64
	if r.counter != nil {
		n, err := r.counter.Next(ctx, "refund:attempt:"+orderID)
		if err != nil {
			return "", fmt.Errorf("failed to allocate refund attempt: %w", err)
		}
		attempt = n
	} else {
		refunds, err := r.store.ListRefunds(ctx, orderID)
		if err != nil {
			return "", err
		}
		attempt = int64(len(refunds)) + 1
	}
	return fmt.Sprintf("%s-R%d", orderID, attempt), nil
}

// requestIDAfterStored returns the key one past the highest attempt stored for orderID
func (r *RefundService) requestIDAfterStored(ctx context.Context, orderID string) (string, error) {
	refunds, err := r.store.ListRefunds(ctx, orderID)
	if err != nil {
		return "", err
	}
	var highest int64
	prefix := orderID + "-R"
	for _, rf := range refunds {
		if !strings.HasPrefix(rf.UniqueRequestID, prefix) {
			continue
		}
		if n, err := strconv.ParseInt(strings.TrimPrefix(rf.UniqueRequestID, prefix), 10, 64); err == nil && n > highest {
			highest = n
		}
	}
	return fmt.Sprintf("%s%d", prefix, highest+1), nil
}

func (r *RefundService) audit(ctx context.Context, orderID, event string, severity models.Severity, description string, details map[string]any) {
	writeAudit(ctx, r.store, r.logger, orderID, event, severity, description, details)
}

// writeAudit appends to the security audit log. A failed write is logged, never returned.
func writeAudit(ctx context.Context, store *Store, logger *zap.Logger, orderID, event string, severity models.Severity, description string, details map[string]any) {
	entry := &models.SecurityAuditLog{
		EventType:        event,
		Severity:         severity,
		EventDescription: description,
	}
	if orderID != "" {
		entry.OrderID = &orderID
	}
	if len(details) > 0 {
		if b, err := json.Marshal(details); err == nil {
			entry.Context = datatypes.JSON(b)
		}
	}
	if err := store.LogSecurityEvent(ctx, entry); err != nil {
		logger.Error("failed to write security audit entry",
			zap.String("event_type", event),
			zap.String("order_id", orderID),
			zap.Error(err))
		return
	}
	logger.Warn("security audit",
		zap.String("event_type", event),
		zap.String("severity", string(severity)),
		zap.String("order_id", orderID),
		zap.String("description", description))
}
