package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"campus_pay_portal/internal/models"
)

// Store is the only owner of persisted payment rows. Every status change goes
// through a conditional update so concurrent writers cannot both win.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the handle for collaborators that share the database
func (s *Store) DB() *gorm.DB {
	return s.db
}

// CreateOrder inserts a new order in the created state
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	if order.Status == "" {
		order.Status = models.OrderStatusCreated
	}
	return s.db.WithContext(ctx).Create(order).Error
}

// GetOrder returns ErrOrderNotFound when the order does not exist
func (s *Store) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	var order models.Order
	err := s.db.WithContext(ctx).Where("order_id = ?", orderID).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		return nil, err
	}
	return &order, nil
}

// TransitionOrder moves an order to `to` only if its current status is one of
// `from`. It reports whether this call performed the transition; losing a race
// is not an error.
func (s *Store) TransitionOrder(ctx context.Context, orderID string, to models.OrderStatus, from ...models.OrderStatus) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition to %s needs at least one source status", to)
	}
	res := s.db.WithContext(ctx).Model(&models.Order{}).
		Where("order_id = ? AND status IN ?", orderID, from).
		Updates(map[string]any{"status": to, "updated_at": time.Now()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ListStaleOrders returns orders still in one of statuses whose last update is before cutoff
func (s *Store) ListStaleOrders(ctx context.Context, cutoff time.Time, limit int, statuses ...models.OrderStatus) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", statuses, cutoff).
		Order("updated_at asc").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

// Touch bumps updated_at so the sweeper does not poll the same order every tick
func (s *Store) Touch(ctx context.Context, orderID string) error {
	return s.db.WithContext(ctx).Model(&models.Order{}).
		Where("order_id = ?", orderID).
		Update("updated_at", time.Now()).Error
}

// CreateSession stores the gateway session for an order (1:1)
func (s *Store) CreateSession(ctx context.Context, session *models.PaymentSession) error {
	return s.db.WithContext(ctx).Create(session).Error
}

// GetSession returns nil, nil when the order has no session yet
func (s *Store) GetSession(ctx context.Context, orderID string) (*models.PaymentSession, error) {
	var session models.PaymentSession
	err := s.db.WithContext(ctx).Where("order_id = ?", orderID).First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}

// MirrorSessionStatus copies the gateway's view of the session; nothing else on
// the session row is mutable
func (s *Store) MirrorSessionStatus(ctx context.Context, orderID, status string) error {
	if status == "" {
		return nil
	}
	return s.db.WithContext(ctx).Model(&models.PaymentSession{}).
		Where("order_id = ?", orderID).
		Update("session_status", status).Error
}

// AppendTransactionDetail adds one ledger row. There is deliberately no update counterpart.
func (s *Store) AppendTransactionDetail(ctx context.Context, detail *models.TransactionDetail) error {
	detail.ID = 0
	return s.db.WithContext(ctx).Create(detail).Error
}

func (s *Store) ListTransactionDetails(ctx context.Context, orderID string) ([]models.TransactionDetail, error) {
	var details []models.TransactionDetail
	err := s.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at asc, id asc").
		Find(&details).Error
	return details, err
}

// LogSecurityEvent appends to the security audit log
func (s *Store) LogSecurityEvent(ctx context.Context, event *models.SecurityAuditLog) error {
	if event.DetectedAt.IsZero() {
		event.DetectedAt = time.Now()
	}
	return s.db.WithContext(ctx).Create(event).Error
}

func (s *Store) ListSecurityEvents(ctx context.Context, orderID string) ([]models.SecurityAuditLog, error) {
	var events []models.SecurityAuditLog
	err := s.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("detected_at asc, id asc").
		Find(&events).Error
	return events, err
}

// ClaimActivation inserts the activation marker for an order. Exactly one
// caller gets true; the primary key on order_id arbitrates.
func (s *Store) ClaimActivation(ctx context.Context, marker *models.ActivationMarker) (bool, error) {
	marker.State = models.ActivationStateClaimed
	if marker.ClaimedAt.IsZero() {
		marker.ClaimedAt = time.Now()
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "order_id"}}, DoNothing: true}).
		Create(marker)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ReclaimActivation takes over a claim that never completed and is older than
// staleBefore. Only one caller can swap the token.
func (s *Store) ReclaimActivation(ctx context.Context, orderID, newToken string, staleBefore time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.ActivationMarker{}).
		Where("order_id = ? AND state = ? AND claimed_at < ?", orderID, models.ActivationStateClaimed, staleBefore).
		Updates(map[string]any{"claim_token": newToken, "claimed_at": time.Now()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// RenewActivation refreshes claimed_at while the holder of token is still
// working, so the claim never looks stale to other callers.
func (s *Store) RenewActivation(ctx context.Context, orderID, token string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.ActivationMarker{}).
		Where("order_id = ? AND claim_token = ? AND state = ?", orderID, token, models.ActivationStateClaimed).
		Update("claimed_at", time.Now())
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// FlagActivation parks a claim whose request was created but never recorded.
// Flagged markers are not reclaimable.
func (s *Store) FlagActivation(ctx context.Context, orderID, token, requestID string) error {
	res := s.db.WithContext(ctx).Model(&models.ActivationMarker{}).
		Where("order_id = ? AND claim_token = ? AND state = ?", orderID, token, models.ActivationStateClaimed).
		Updates(map[string]any{"state": models.ActivationStateNeedsReview, "request_id": requestID})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("activation claim for %s was lost", orderID)
	}
	return nil
}

// ListUnactivatedOrders returns successful orders, last updated before cutoff,
// that have an activation target but no finished or flagged marker.
func (s *Store) ListUnactivatedOrders(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error) {
	settled := s.db.Model(&models.ActivationMarker{}).
		Select("order_id").
		Where("state IN ?", []models.ActivationState{models.ActivationStateActivated, models.ActivationStateNeedsReview})

	var orders []models.Order
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", models.OrderStatusSuccess, cutoff).
		Where("service_id <> '' AND requester_id <> ''").
		Where("order_id NOT IN (?)", settled).
		Order("updated_at asc").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

// GetActivation returns nil, nil when no marker exists
func (s *Store) GetActivation(ctx context.Context, orderID string) (*models.ActivationMarker, error) {
	var marker models.ActivationMarker
	err := s.db.WithContext(ctx).Where("order_id = ?", orderID).First(&marker).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &marker, nil
}

// CompleteActivation records the created request id against the claim held by token
func (s *Store) CompleteActivation(ctx context.Context, orderID, token string, req models.ServiceRequest) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&models.ActivationMarker{}).
		Where("order_id = ? AND claim_token = ? AND state = ?", orderID, token, models.ActivationStateClaimed).
		Updates(map[string]any{
			"state":        models.ActivationStateActivated,
			"request_id":   req.RequestID,
			"service_id":   req.ServiceID,
			"requester_id": req.RequesterID,
			"level":        req.Level,
			"activated_at": &now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("activation claim for %s was lost", orderID)
	}
	return nil
}

// ReleaseActivation drops an unfinished claim so a later attempt may retry
func (s *Store) ReleaseActivation(ctx context.Context, orderID, token string) error {
	return s.db.WithContext(ctx).
		Where("order_id = ? AND claim_token = ? AND state = ?", orderID, token, models.ActivationStateClaimed).
		Delete(&models.ActivationMarker{}).Error
}

// CreateRefund inserts a pending refund row
func (s *Store) CreateRefund(ctx context.Context, refund *models.Refund) error {
	return s.db.WithContext(ctx).Create(refund).Error
}

// GetRefundByRequestID returns nil, nil when unknown
func (s *Store) GetRefundByRequestID(ctx context.Context, uniqueRequestID string) (*models.Refund, error) {
	var refund models.Refund
	err := s.db.WithContext(ctx).Where("unique_request_id = ?", uniqueRequestID).First(&refund).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &refund, nil
}

func (s *Store) ListRefunds(ctx context.Context, orderID string) ([]models.Refund, error) {
	var refunds []models.Refund
	err := s.db.WithContext(ctx).Where("order_id = ?", orderID).Order("id asc").Find(&refunds).Error
	return refunds, err
}

// PendingRefundTotal sums refunds whose outcome is not known yet
func (s *Store) PendingRefundTotal(ctx context.Context, orderID string) (decimal.Decimal, error) {
	refunds, err := s.ListRefunds(ctx, orderID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, r := range refunds {
		if r.Status == models.RefundStatusPending {
			total = total.Add(r.RefundAmount)
		}
	}
	return total, nil
}

// SettleRefund moves a pending refund to its final status. It reports whether
// this call settled it, so the order's refunded amount is credited once.
func (s *Store) SettleRefund(ctx context.Context, refundID string, status models.RefundStatus, refNo, reason string, raw []byte) (bool, error) {
	updates := map[string]any{"status": status, "updated_at": time.Now()}
	if refNo != "" {
		updates["refund_ref_no"] = refNo
	}
	if reason != "" {
		updates["failure_reason"] = reason
	}
	if len(raw) > 0 {
		updates["gateway_response"] = raw
	}
	res := s.db.WithContext(ctx).Model(&models.Refund{}).
		Where("refund_id = ? AND status = ?", refundID, models.RefundStatusPending).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// SetRefundRef stores the gateway reference on a refund that is still pending
func (s *Store) SetRefundRef(ctx context.Context, refundID, refNo string) error {
	if refNo == "" {
		return nil
	}
	return s.db.WithContext(ctx).Model(&models.Refund{}).
		Where("refund_id = ?", refundID).
		Update("refund_ref_no", refNo).Error
}

var errRefundCreditConflict = errors.New("order changed while crediting refund")

// CreditRefund adds amount to the order's refunded total. The order keeps its
// success status; refund_status records the refund alongside it.
func (s *Store) CreditRefund(ctx context.Context, orderID string, amount decimal.Decimal) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = s.creditRefundOnce(ctx, orderID, amount)
		if !errors.Is(err, errRefundCreditConflict) {
			return err
		}
	}
	return fmt.Errorf("%s: %w", orderID, err)
}

func (s *Store) creditRefundOnce(ctx context.Context, orderID string, amount decimal.Decimal) error {
	var order models.Order
	if err := s.db.WithContext(ctx).Where("order_id = ?", orderID).First(&order).Error; err != nil {
		return err
	}
	refunded := order.RefundedAmount.Add(amount)
	state := models.RefundStatePartiallyRefunded
	if refunded.GreaterThanOrEqual(order.Amount) {
		state = models.RefundStateRefunded
	}
	res := s.db.WithContext(ctx).Model(&models.Order{}).
		Where("order_id = ? AND status = ? AND refunded_amount = ?", orderID, models.OrderStatusSuccess, order.RefundedAmount).
		Updates(map[string]any{
			"refunded_amount": refunded,
			"refund_status":   state,
			"updated_at":      time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return errRefundCreditConflict
	}
	return nil
}
