package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"campus_pay_portal/internal/models"
)

func newTestHDFC(t *testing.T, handler http.HandlerFunc) (*HDFCService, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	svc := NewHDFCService(HDFCConfig{
		BaseURL:             srv.URL,
		APIKey:              "api-key",
		MerchantID:          "campus",
		PaymentPageClientID: "hdfcmaster",
		ReturnURL:           "https://portal.test/payments/return",
		Currency:            "INR",
		Timeout:             time.Second,
	}, zaptest.NewLogger(t))
	return svc, &calls
}

func testOrder() *models.Order {
	return &models.Order{
		OrderID:       "ORD-1001",
		Amount:        decimal.RequireFromString("499"),
		Currency:      "INR",
		CustomerEmail: "student@campus.test",
		CustomerPhone: "9876543210",
		RequesterID:   "REQ-42",
	}
}

func TestHDFCCreateSession(t *testing.T) {
	svc, calls := newTestHDFC(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/session", r.URL.Path)
		assert.Equal(t, "Basic "+base64.StdEncoding.EncodeToString([]byte("api-key:")), r.Header.Get("Authorization"))
		assert.Equal(t, "campus", r.Header.Get("x-merchantid"))
		assert.Equal(t, "REQ-42", r.Header.Get("x-customerid"))

		var body sessionRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "499.00", body.Amount)
		assert.Equal(t, "INR", body.Currency)
		assert.Equal(t, "paymentPage", body.Action)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"ordeh_1","order_id":"ORD-1001","status":"NEW","payment_links":{"web":"https://smartgateway.test/ORD-1001"}}`))
	})

	session, err := svc.CreateSession(context.Background(), testOrder())
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
	assert.Equal(t, "ordeh_1", session.SessionID)
	assert.Equal(t, "NEW", session.SessionStatus)
	assert.Equal(t, "https://smartgateway.test/ORD-1001", session.PaymentLink())
	assert.Equal(t, models.PaymentGatewayHDFC, session.PaymentGateway)
}

func TestHDFCCreateSessionFailsFastOnLocalErrors(t *testing.T) {
	svc, calls := newTestHDFC(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name   string
		mutate func(o *models.Order)
	}{
		{name: "zero amount", mutate: func(o *models.Order) { o.Amount = decimal.Zero }},
		{name: "negative amount", mutate: func(o *models.Order) { o.Amount = decimal.NewFromInt(-5) }},
		{name: "wrong currency", mutate: func(o *models.Order) { o.Currency = "USD" }},
		{name: "missing order id", mutate: func(o *models.Order) { o.OrderID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order := testOrder()
			tt.mutate(order)
			_, err := svc.CreateSession(context.Background(), order)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(calls))
}

func TestHDFCCreateSessionRejected(t *testing.T) {
	svc, _ := newTestHDFC(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"status":"invalid_request_error","error_message":"customer_id is invalid"}`))
	})

	_, err := svc.CreateSession(context.Background(), testOrder())
	require.ErrorIs(t, err, ErrGatewayRejected)
	var rejected *GatewayRejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, http.StatusBadRequest, rejected.StatusCode)
	assert.Equal(t, "customer_id is invalid", rejected.Body)
}

func TestHDFCTimeoutIsUnreachable(t *testing.T) {
	release := make(chan struct{})
	svc, _ := newTestHDFC(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := svc.QueryStatus(ctx, "ORD-1001")
	assert.ErrorIs(t, err, ErrGatewayUnreachable)
}

func TestHDFCQueryStatusKeepsRawPayload(t *testing.T) {
	payload := `{"order_id":"ORD-1001","status":"CHARGED","txn_id":"campus-ORD-1001-1","amount":499,"gateway_reference_id":"x1","refunds":[{"unique_request_id":"ORD-1001-R1","status":"SUCCESS","amount":100,"ref":"RRN1"}]}`
	svc, _ := newTestHDFC(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/orders/ORD-1001", r.URL.Path)
		w.Write([]byte(payload))
	})

	gs, err := svc.QueryStatus(context.Background(), "ORD-1001")
	require.NoError(t, err)
	assert.Equal(t, "CHARGED", gs.Status)
	assert.Equal(t, "campus-ORD-1001-1", gs.TxnID)
	assert.True(t, gs.Amount.Equal(decimal.NewFromInt(499)))
	require.Len(t, gs.Refunds, 1)
	assert.Equal(t, "RRN1", gs.Refunds[0].Ref)
	assert.JSONEq(t, payload, string(gs.Raw))
}

func TestHDFCIssueRefund(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
		wantStatus string
		wantErr    error
		wantReason string
	}{
		{
			name:       "accepted",
			statusCode: http.StatusOK,
			body:       `{"order_id":"ORD-1001","status":"CHARGED","refunds":[{"unique_request_id":"ORD-1001-R1","status":"PENDING","amount":100,"ref":"RRN1"}]}`,
			wantStatus: "PENDING",
		},
		{
			name:       "rejected with reason",
			statusCode: http.StatusBadRequest,
			body:       `{"status":"invalid_request_error","error_message":"Refund amount exceeds the refundable amount"}`,
			wantErr:    ErrRefundRejected,
			wantReason: "Refund amount exceeds the refundable amount",
		},
		{
			name:       "refund entry failed",
			statusCode: http.StatusOK,
			body:       `{"order_id":"ORD-1001","refunds":[{"unique_request_id":"ORD-1001-R1","status":"FAILURE","error_message":"Order already refunded"}]}`,
			wantErr:    ErrRefundRejected,
			wantReason: "Order already refunded",
		},
		{
			name:       "server error is unknown outcome",
			statusCode: http.StatusBadGateway,
			body:       `upstream down`,
			wantErr:    ErrGatewayUnreachable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newTestHDFC(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/orders/ORD-1001/refunds", r.URL.Path)
				assert.NoError(t, r.ParseForm())
				assert.Equal(t, "ORD-1001-R1", r.PostForm.Get("unique_request_id"))
				assert.Equal(t, "100.00", r.PostForm.Get("amount"))
				w.WriteHeader(tt.statusCode)
				w.Write([]byte(tt.body))
			})

			res, err := svc.IssueRefund(context.Background(), RefundCall{
				OrderID:         "ORD-1001",
				UniqueRequestID: "ORD-1001-R1",
				Amount:          decimal.NewFromInt(100),
			})
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				if tt.wantReason != "" {
					var rejected *RefundRejectedError
					require.True(t, errors.As(err, &rejected))
					assert.Equal(t, tt.wantReason, rejected.Reason)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, res.Status)
			assert.Equal(t, "RRN1", res.RefNo)
		})
	}
}
