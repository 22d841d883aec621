package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"campus_pay_portal/internal/models"
)

func TestSweepPollsStaleOrders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	events := &recordingPublisher{}
	reconciler := NewReconciler(h.store, h.gateway, h.activator, h.refunds, events, testResponseKey, logger)

	seedOrder(t, h.store, "ORD-OLD-1", "10.00", models.OrderStatusPending)
	seedOrder(t, h.store, "ORD-OLD-2", "10.00", models.OrderStatusCreated)
	seedOrder(t, h.store, "ORD-DONE", "10.00", models.OrderStatusSuccess)
	h.gateway.setStatus("ORD-OLD-1", "CHARGED")
	h.gateway.setStatus("ORD-OLD-2", "EXPIRED")

	sweeper := NewSweeper(h.store, reconciler, -time.Minute, 10, logger)
	handled, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	// two polls plus the paid order that was never activated
	assert.Equal(t, 3, handled)

	first, err := h.store.GetOrder(ctx, "ORD-OLD-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusSuccess, first.Status)
	second, err := h.store.GetOrder(ctx, "ORD-OLD-2")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusExpired, second.Status)

	require.Len(t, events.events, 2)
	types := []string{events.events[0].Type, events.events[1].Type}
	assert.ElementsMatch(t, []string{EventPaymentSuccess, EventPaymentExpired}, types)

	marker, err := h.store.GetActivation(ctx, "ORD-DONE")
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Equal(t, models.ActivationStateActivated, marker.State)

	// Nothing left to sweep once orders are terminal and activated
	handled, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, handled)
}

func TestSweepSkipsFreshOrders(t *testing.T) {
	h := newHarness(t)
	seedOrder(t, h.store, "ORD-NEW", "10.00", models.OrderStatusPending)

	sweeper := NewSweeper(h.store, h.reconciler, time.Hour, 10, zaptest.NewLogger(t))
	polled, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, polled)
}

func TestSweepActivatesPaidOrderLeftWithoutRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	// Paid, but the process stopped before activation ran
	seedOrder(t, h.store, "ORD-CRASH", "75.00", models.OrderStatusSuccess)
	// A claim left behind by a dead worker
	seedOrder(t, h.store, "ORD-HALF", "75.00", models.OrderStatusSuccess)
	_, err := h.store.ClaimActivation(ctx, &models.ActivationMarker{
		OrderID:    "ORD-HALF",
		ClaimToken: "dead-worker",
		ClaimedAt:  time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)
	// Flagged for review, never retried
	seedOrder(t, h.store, "ORD-REVIEW", "75.00", models.OrderStatusSuccess)
	_, err = h.store.ClaimActivation(ctx, &models.ActivationMarker{OrderID: "ORD-REVIEW", ClaimToken: "t"})
	require.NoError(t, err)
	require.NoError(t, h.store.FlagActivation(ctx, "ORD-REVIEW", "t", "SR-ORPHAN"))

	sweeper := NewSweeper(h.store, h.reconciler, -time.Minute, 10, zaptest.NewLogger(t))
	handled, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, handled)

	for _, id := range []string{"ORD-CRASH", "ORD-HALF"} {
		marker, err := h.store.GetActivation(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, marker, id)
		assert.Equal(t, models.ActivationStateActivated, marker.State, id)
	}
	review, err := h.store.GetActivation(ctx, "ORD-REVIEW")
	require.NoError(t, err)
	assert.Equal(t, models.ActivationStateNeedsReview, review.State)
	assert.Equal(t, int64(2), countRows(t, h.store, &models.ServiceRequest{}, "service_id = ?", "SVC-LIB"))
}
