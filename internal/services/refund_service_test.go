package services

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"campus_pay_portal/internal/models"
)

func TestRefundPreconditionsNeverReachGateway(t *testing.T) {
	tests := []struct {
		name   string
		status models.OrderStatus
		amount string
		audit  bool
	}{
		{name: "created order", status: models.OrderStatusCreated, amount: "10.00", audit: true},
		{name: "failed order", status: models.OrderStatusFailed, amount: "10.00", audit: true},
		{name: "pending order", status: models.OrderStatusPending, amount: "10.00", audit: true},
		{name: "zero amount", status: models.OrderStatusSuccess, amount: "0"},
		{name: "negative amount", status: models.OrderStatusSuccess, amount: "-5"},
		{name: "more than paid", status: models.OrderStatusSuccess, amount: "500.00"},
		{name: "sub paise amount", status: models.OrderStatusSuccess, amount: "1.001"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			seedOrder(t, h.store, "ORD-R", "499.00", tt.status)

			_, err := h.refunds.Refund(context.Background(), RefundRequest{
				OrderID: "ORD-R",
				Amount:  decimal.RequireFromString(tt.amount),
			})
			assert.ErrorIs(t, err, ErrInvalidRefundRequest)

			_, _, refunds := h.gateway.counts()
			assert.Equal(t, 0, refunds)

			wantAudit := int64(0)
			if tt.audit {
				wantAudit = 1
			}
			assert.Equal(t, wantAudit, countRows(t, h.store, &models.SecurityAuditLog{},
				"event_type = ? AND severity = ?", models.AuditEventRefundInvalidState, models.SeverityWarning))
		})
	}
}

func TestRefundUnknownOrder(t *testing.T) {
	h := newHarness(t)
	_, err := h.refunds.Refund(context.Background(), RefundRequest{OrderID: "nope", Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, ErrInvalidRefundRequest)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestRefundPartialKeepsHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedOrder(t, h.store, "ORD-1003", "499.00", models.OrderStatusPending)
	h.gateway.setStatus("ORD-1003", "CHARGED")

	_, err := h.reconciler.HandleCallback(ctx, signedCallback(map[string]string{"order_id": "ORD-1003", "status": "CHARGED"}))
	require.NoError(t, err)
	before, err := h.store.ListTransactionDetails(ctx, "ORD-1003")
	require.NoError(t, err)
	require.Len(t, before, 1)

	refund, err := h.refunds.Refund(ctx, RefundRequest{
		OrderID:     "ORD-1003",
		Amount:      decimal.RequireFromString("100.00"),
		Note:        "dropped course",
		RequestedBy: "admin@campus.test",
	})
	require.NoError(t, err)
	assert.Equal(t, models.RefundStatusSuccess, refund.Status)
	assert.Equal(t, "ORD-1003-R1", refund.UniqueRequestID)
	assert.Equal(t, "RRN-ORD-1003-R1", refund.RefundRefNo)
	assert.NotEmpty(t, refund.RefundID)

	order, err := h.store.GetOrder(ctx, "ORD-1003")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusSuccess, order.Status)
	assert.Equal(t, models.RefundStatePartiallyRefunded, order.RefundStatus)
	assert.True(t, order.RefundedAmount.Equal(decimal.NewFromInt(100)))

	after, err := h.store.ListTransactionDetails(ctx, "ORD-1003")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// Second refund gets the next attempt number
	refund, err = h.refunds.Refund(ctx, RefundRequest{OrderID: "ORD-1003", Amount: decimal.NewFromInt(50)})
	require.NoError(t, err)
	assert.Equal(t, "ORD-1003-R2", refund.UniqueRequestID)
}

func TestRefundRejectedReasonIsVerbatim(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedOrder(t, h.store, "ORD-7", "499.00", models.OrderStatusSuccess)
	h.gateway.refundFn = func(RefundCall) (*RefundResult, error) {
		return nil, &RefundRejectedError{Reason: "Order already refunded fully"}
	}

	_, err := h.refunds.Refund(ctx, RefundRequest{OrderID: "ORD-7", Amount: decimal.NewFromInt(10)})
	require.ErrorIs(t, err, ErrRefundRejected)
	var rejected *RefundRejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, "Order already refunded fully", rejected.Reason)

	assert.Equal(t, int64(1), countRows(t, h.store, &models.SecurityAuditLog{},
		"event_type = ? AND severity = ?", models.AuditEventRefundRejected, models.SeverityWarning))

	refunds, err := h.store.ListRefunds(ctx, "ORD-7")
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	assert.Equal(t, models.RefundStatusRejected, refunds[0].Status)
	assert.Equal(t, "Order already refunded fully", refunds[0].FailureReason)
}

func TestRefundUnknownOutcomeRetriesWithSameKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedOrder(t, h.store, "ORD-8", "499.00", models.OrderStatusSuccess)

	var keys []string
	h.gateway.refundFn = func(call RefundCall) (*RefundResult, error) {
		keys = append(keys, call.UniqueRequestID)
		return nil, unreachable("refund", errors.New("i/o timeout"))
	}
	_, err := h.refunds.Refund(ctx, RefundRequest{OrderID: "ORD-8", Amount: decimal.NewFromInt(100)})
	require.ErrorIs(t, err, ErrGatewayUnreachable)

	refunds, err := h.store.ListRefunds(ctx, "ORD-8")
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	assert.Equal(t, models.RefundStatusPending, refunds[0].Status)

	// Pending refunds hold their amount back from the refundable balance
	_, err = h.refunds.Refund(ctx, RefundRequest{OrderID: "ORD-8", Amount: decimal.NewFromInt(400)})
	assert.ErrorIs(t, err, ErrInvalidRefundRequest)

	h.gateway.refundFn = func(call RefundCall) (*RefundResult, error) {
		keys = append(keys, call.UniqueRequestID)
		return &RefundResult{UniqueRequestID: call.UniqueRequestID, RefNo: "RRN9", Status: "SUCCESS"}, nil
	}
	refund, err := h.refunds.Refund(ctx, RefundRequest{
		OrderID:         "ORD-8",
		Amount:          decimal.NewFromInt(100),
		UniqueRequestID: refunds[0].UniqueRequestID,
	})
	require.NoError(t, err)
	assert.Equal(t, models.RefundStatusSuccess, refund.Status)
	assert.Equal(t, []string{"ORD-8-R1", "ORD-8-R1"}, keys)

	// Replaying a settled key is answered locally
	again, err := h.refunds.Refund(ctx, RefundRequest{
		OrderID:         "ORD-8",
		Amount:          decimal.NewFromInt(100),
		UniqueRequestID: "ORD-8-R1",
	})
	require.NoError(t, err)
	assert.Equal(t, refund.RefundID, again.RefundID)
	assert.Len(t, keys, 2)
}

func TestRefundAttemptsFromRedisCounter(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := NewRedisCacheFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { cache.Close() })

	h := newHarness(t)
	svc := NewRefundService(h.store, h.gateway, cache, nil, zaptest.NewLogger(t))
	seedOrder(t, h.store, "ORD-9", "499.00", models.OrderStatusSuccess)
	mr.Set("refund:attempt:ORD-9", "4")

	refund, err := svc.Refund(context.Background(), RefundRequest{OrderID: "ORD-9", Amount: decimal.NewFromInt(1)})
	require.NoError(t, err)
	assert.Equal(t, "ORD-9-R5", refund.UniqueRequestID)
}

func TestRefundKeyCollisionAfterCounterReset(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := NewRedisCacheFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { cache.Close() })

	h := newHarness(t)
	svc := NewRefundService(h.store, h.gateway, cache, nil, zaptest.NewLogger(t))
	seedOrder(t, h.store, "ORD-FL", "499.00", models.OrderStatusSuccess)
	ctx := context.Background()

	first, err := svc.Refund(ctx, RefundRequest{OrderID: "ORD-FL", Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)
	second, err := svc.Refund(ctx, RefundRequest{OrderID: "ORD-FL", Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)
	assert.Equal(t, "ORD-FL-R1", first.UniqueRequestID)
	assert.Equal(t, "ORD-FL-R2", second.UniqueRequestID)

	// Redis loses the counter, so the next INCR hands out 1 again
	mr.FlushAll()

	third, err := svc.Refund(ctx, RefundRequest{OrderID: "ORD-FL", Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)
	assert.Equal(t, "ORD-FL-R3", third.UniqueRequestID)
	assert.Equal(t, models.RefundStatusSuccess, third.Status)
	assert.Equal(t, int64(3), countRows(t, h.store, &models.Refund{}, "order_id = ?", "ORD-FL"))
}

func TestSyncFromStatusSettlesPendingRefund(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedOrder(t, h.store, "ORD-10", "499.00", models.OrderStatusSuccess)
	h.gateway.refundFn = func(call RefundCall) (*RefundResult, error) {
		return &RefundResult{UniqueRequestID: call.UniqueRequestID, Status: "PENDING"}, nil
	}

	refund, err := h.refunds.Refund(ctx, RefundRequest{OrderID: "ORD-10", Amount: decimal.NewFromInt(99)})
	require.NoError(t, err)
	assert.Equal(t, models.RefundStatusPending, refund.Status)

	h.gateway.setStatus("ORD-10", "CHARGED", GatewayRefund{
		UniqueRequestID: refund.UniqueRequestID,
		Status:          "SUCCESS",
		Amount:          decimal.NewFromInt(99),
		Ref:             "RRN-LATE",
	})
	_, err = h.reconciler.Poll(ctx, "ORD-10")
	require.NoError(t, err)

	settled, err := h.store.GetRefundByRequestID(ctx, refund.UniqueRequestID)
	require.NoError(t, err)
	assert.Equal(t, models.RefundStatusSuccess, settled.Status)
	assert.Equal(t, "RRN-LATE", settled.RefundRefNo)

	order, err := h.store.GetOrder(ctx, "ORD-10")
	require.NoError(t, err)
	assert.True(t, order.RefundedAmount.Equal(decimal.NewFromInt(99)))
}
