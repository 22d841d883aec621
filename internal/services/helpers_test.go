package services

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/datatypes"

	"campus_pay_portal/internal/models"
)

const testResponseKey = "test-response-key"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := zaptest.NewLogger(t)
	db, err := InitDB("sqlite", filepath.Join(t.TempDir(), "payments.db"), logger)
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db, logger))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return NewStore(db)
}

func seedOrder(t *testing.T, store *Store, orderID, amount string, status models.OrderStatus) *models.Order {
	t.Helper()
	order := &models.Order{
		OrderID:       orderID,
		Amount:        decimal.RequireFromString(amount),
		Currency:      "INR",
		CustomerEmail: "student@campus.test",
		CustomerPhone: "9876543210",
		Status:        status,
		ServiceID:     "SVC-LIB",
		RequesterID:   "REQ-42",
	}
	require.NoError(t, store.CreateOrder(context.Background(), order))
	return order
}

func countRows(t *testing.T, store *Store, model any, query string, args ...any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, store.DB().Model(model).Where(query, args...).Count(&n).Error)
	return n
}

// signedCallback builds a callback payload signed with the test response key
func signedCallback(fields map[string]string) CallbackPayload {
	signed := make(map[string]string, len(fields)+2)
	for k, v := range fields {
		signed[k] = v
	}
	signed[SignatureAlgorithmField] = "HMAC-SHA256"
	signed[SignatureField] = ComputeSignature(fields, testResponseKey)
	raw, _ := json.Marshal(signed)
	return CallbackPayload{Fields: signed, Raw: raw}
}

// fakeGateway is an in-memory PaymentGateway
type fakeGateway struct {
	mu       sync.Mutex
	statuses map[string]*GatewayStatus
	queryErr error
	refundFn func(RefundCall) (*RefundResult, error)

	sessionCalls int
	queryCalls   int
	refundCalls  int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{statuses: map[string]*GatewayStatus{}}
}

func (g *fakeGateway) CreateSession(_ context.Context, order *models.Order) (*models.PaymentSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessionCalls++
	return &models.PaymentSession{
		SessionID:      "sess_" + order.OrderID,
		OrderID:        order.OrderID,
		PaymentGateway: models.PaymentGatewayHDFC,
		PaymentLinks:   datatypes.JSONMap{"web": "https://pay.test/" + order.OrderID},
		SessionStatus:  "ACTIVE",
	}, nil
}

func (g *fakeGateway) QueryStatus(_ context.Context, orderID string) (*GatewayStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queryCalls++
	if g.queryErr != nil {
		return nil, g.queryErr
	}
	st, ok := g.statuses[orderID]
	if !ok {
		return nil, &GatewayRejectedError{StatusCode: 404, Body: "order not found"}
	}
	cp := *st
	return &cp, nil
}

func (g *fakeGateway) IssueRefund(_ context.Context, call RefundCall) (*RefundResult, error) {
	g.mu.Lock()
	g.refundCalls++
	fn := g.refundFn
	g.mu.Unlock()
	if fn != nil {
		return fn(call)
	}
	return &RefundResult{
		UniqueRequestID: call.UniqueRequestID,
		RefNo:           "RRN-" + call.UniqueRequestID,
		Status:          "SUCCESS",
		Raw:             json.RawMessage(`{"status":"SUCCESS"}`),
	}, nil
}

func (g *fakeGateway) setStatus(orderID, status string, refunds ...GatewayRefund) {
	g.mu.Lock()
	defer g.mu.Unlock()
	raw := fmt.Sprintf(`{"order_id":%q,"status":%q,"txn_id":"TXN-%s"}`, orderID, status, orderID)
	g.statuses[orderID] = &GatewayStatus{
		OrderID: orderID,
		Status:  status,
		TxnID:   "TXN-" + orderID,
		Refunds: refunds,
		Raw:     json.RawMessage(raw),
	}
}

func (g *fakeGateway) counts() (sessions, queries, refunds int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessionCalls, g.queryCalls, g.refundCalls
}

type harness struct {
	store      *Store
	gateway    *fakeGateway
	activator  *Activator
	refunds    *RefundService
	reconciler *Reconciler
	sessions   *SessionService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := newTestStore(t)
	gateway := newFakeGateway()
	activator := NewActivator(store, NewGormServiceRequestCreator(store.DB()), nil, ActivatorConfig{Level: 1}, logger)
	refunds := NewRefundService(store, gateway, nil, nil, logger)
	return &harness{
		store:      store,
		gateway:    gateway,
		activator:  activator,
		refunds:    refunds,
		reconciler: NewReconciler(store, gateway, activator, refunds, nil, testResponseKey, logger),
		sessions:   NewSessionService(store, gateway, "INR", false, logger),
	}
}
