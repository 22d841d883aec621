package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"campus_pay_portal/internal/models"
)

type CreateSessionRequest struct {
	OrderID       string
	Amount        decimal.Decimal
	Currency      string
	CustomerEmail string
	CustomerPhone string
	ServiceID     string
	RequesterID   string
	TestCaseID    *string
	TestScenario  *string
}

// SessionResult holds the result of a session request
type SessionResult struct {
	Order      *models.Order
	Session    *models.PaymentSession
	IsExisting bool
}

// SessionService opens gateway sessions for new or resumed orders
type SessionService struct {
	store    *Store
	gateway  PaymentGateway
	currency string
	testMode bool
	logger   *zap.Logger
}

func NewSessionService(store *Store, gateway PaymentGateway, currency string, testMode bool, logger *zap.Logger) *SessionService {
	return &SessionService{
		store:    store,
		gateway:  gateway,
		currency: strings.ToUpper(currency),
		testMode: testMode,
		logger:   logger,
	}
}

// CreateSession validates the request, records the order and opens a gateway
// session for it. An order that already has a live session gets that session back.
func (s *SessionService) CreateSession(ctx context.Context, req CreateSessionRequest) (*SessionResult, error) {
	if _, err := FormatDecimal(req.Amount); err != nil {
		return nil, err
	}
	if !req.Amount.Equal(req.Amount.Round(2)) {
		return nil, fmt.Errorf("%w: more than two decimal places", ErrInvalidAmount)
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = s.currency
	}
	if currency != s.currency {
		return nil, invalidRequest("currency %q is not accepted, expected %s", req.Currency, s.currency)
	}
	if _, err := mail.ParseAddress(req.CustomerEmail); err != nil {
		return nil, invalidRequest("customer_email is not a valid address")
	}
	if !s.testMode && (req.TestCaseID != nil || req.TestScenario != nil) {
		return nil, invalidRequest("test_case_id and test_scenario are only accepted in test mode")
	}

	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		orderID = newOrderID()
	}

	order, err := s.store.GetOrder(ctx, orderID)
	switch {
	case err == nil:
		if !order.Amount.Equal(req.Amount) || order.Currency != currency {
			return nil, invalidRequest("order_id %s is already used for a different payment", orderID)
		}
		if order.Status.IsTerminal() {
			return nil, invalidRequest("order %s is already %s", orderID, order.Status)
		}
		existing, err := s.store.GetSession(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return &SessionResult{Order: order, Session: existing, IsExisting: true}, nil
		}
	case errors.Is(err, ErrOrderNotFound):
		order = &models.Order{
			OrderID:       orderID,
			Amount:        req.Amount,
			Currency:      currency,
			CustomerEmail: strings.TrimSpace(req.CustomerEmail),
			CustomerPhone: strings.TrimSpace(req.CustomerPhone),
			Status:        models.OrderStatusCreated,
			ServiceID:     req.ServiceID,
			RequesterID:   req.RequesterID,
		}
		if err := s.store.CreateOrder(ctx, order); err != nil {
			return nil, fmt.Errorf("failed to create order: %w", err)
		}
	default:
		return nil, err
	}

	session, err := s.gateway.CreateSession(ctx, order)
	if err != nil {
		s.logger.Warn("session create failed", zap.String("order_id", orderID), zap.Error(err))
		return nil, err
	}
	session.TestCaseID = req.TestCaseID
	session.TestScenario = req.TestScenario
	if err := s.store.CreateSession(context.WithoutCancel(ctx), session); err != nil {
		return nil, fmt.Errorf("failed to store session for %s: %w", orderID, err)
	}
	if _, err := s.store.TransitionOrder(context.WithoutCancel(ctx), orderID, models.OrderStatusPending, models.OrderStatusCreated); err != nil {
		return nil, err
	}
	order.Status = models.OrderStatusPending

	s.logger.Info("payment session created",
		zap.String("order_id", orderID),
		zap.String("session_id", session.SessionID),
		zap.String("amount", order.Amount.StringFixed(2)))
	return &SessionResult{Order: order, Session: session}, nil
}

func newOrderID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "ORD-" + strings.ToUpper(id[:16])
}
