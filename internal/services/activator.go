package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"campus_pay_portal/internal/models"
)

// ServiceRequestCreator provisions the downstream business object. It is atomic
// per call but not idempotent.
type ServiceRequestCreator interface {
	CreateServiceRequest(ctx context.Context, serviceID, requesterID, status string, level int) (string, error)
}

// GormServiceRequestCreator writes service requests to the shared database
type GormServiceRequestCreator struct {
	db *gorm.DB
}

func NewGormServiceRequestCreator(db *gorm.DB) *GormServiceRequestCreator {
	return &GormServiceRequestCreator{db: db}
}

func (c *GormServiceRequestCreator) CreateServiceRequest(ctx context.Context, serviceID, requesterID, status string, level int) (string, error) {
	req := models.ServiceRequest{
		RequestID:   "SR-" + uuid.NewString(),
		ServiceID:   serviceID,
		RequesterID: requesterID,
		Status:      status,
		Level:       level,
	}
	if err := c.db.WithContext(ctx).Create(&req).Error; err != nil {
		return "", fmt.Errorf("failed to create service request: %w", err)
	}
	return req.RequestID, nil
}

type ActivatorConfig struct {
	Level int
	// Wait bounds how long a losing caller waits for the winner to finish
	Wait time.Duration
	// ClaimTTL is how long a claim may go without renewal before it can be taken over
	ClaimTTL time.Duration
	// CreateTimeout bounds the downstream creation call. Defaults to half of ClaimTTL.
	CreateTimeout time.Duration
	PollEvery     time.Duration
}

// Activator turns a confirmed order into exactly one ServiceRequest
type Activator struct {
	store     *Store
	creator   ServiceRequestCreator
	directory Directory
	cfg       ActivatorConfig
	logger    *zap.Logger
}

// NewActivator builds an activator. directory may be nil, which disables the
// requester gate.
func NewActivator(store *Store, creator ServiceRequestCreator, directory Directory, cfg ActivatorConfig, logger *zap.Logger) *Activator {
	if cfg.Level <= 0 {
		cfg.Level = 1
	}
	if cfg.Wait <= 0 {
		cfg.Wait = 5 * time.Second
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 2 * time.Minute
	}
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = cfg.ClaimTTL / 2
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 50 * time.Millisecond
	}
	return &Activator{store: store, creator: creator, directory: directory, cfg: cfg, logger: logger}
}

// Activate returns the ServiceRequest bound to orderID, creating it if this is
// the first activation. Concurrent callers for the same order all receive the
// winner's request.
func (a *Activator) Activate(ctx context.Context, orderID, serviceID, requesterID string) (*models.ServiceRequest, error) {
	if orderID == "" {
		return nil, &ActivationFailedError{Reason: "order_id is missing"}
	}
	existing, err := a.store.GetActivation(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		switch existing.State {
		case models.ActivationStateActivated:
			req := existing.ServiceRequest()
			return &req, nil
		case models.ActivationStateNeedsReview:
			return nil, needsReview(existing)
		}
	}

	if serviceID == "" {
		return nil, &ActivationFailedError{Reason: "selected service_id is missing"}
	}
	if requesterID == "" {
		return nil, &ActivationFailedError{Reason: "requester_id is missing"}
	}
	if err := a.checkRequester(ctx, orderID); err != nil {
		return nil, err
	}

	token := uuid.NewString()
	won, err := a.store.ClaimActivation(ctx, &models.ActivationMarker{
		OrderID:     orderID,
		ClaimToken:  token,
		ServiceID:   serviceID,
		RequesterID: requesterID,
		Level:       a.cfg.Level,
	})
	if err != nil {
		return nil, err
	}
	if !won {
		won, err = a.store.ReclaimActivation(ctx, orderID, token, time.Now().Add(-a.cfg.ClaimTTL))
		if err != nil {
			return nil, err
		}
		if won {
			a.logger.Warn("took over stale activation claim", zap.String("order_id", orderID))
		}
	}
	if !won {
		return a.waitForWinner(ctx, orderID)
	}

	return a.create(ctx, orderID, token, serviceID, requesterID)
}

// create runs the downstream creation for the claim held by token. The claim is
// renewed until the outcome is recorded.
func (a *Activator) create(ctx context.Context, orderID, token, serviceID, requesterID string) (*models.ServiceRequest, error) {
	bg := context.WithoutCancel(ctx)
	stop := a.keepClaim(bg, orderID, token)
	defer stop()

	cctx, cancel := context.WithTimeout(ctx, a.cfg.CreateTimeout)
	requestID, err := a.creator.CreateServiceRequest(cctx, serviceID, requesterID, models.ServiceRequestStatusPending, a.cfg.Level)
	cancel()
	if err != nil {
		if relErr := a.store.ReleaseActivation(bg, orderID, token); relErr != nil {
			a.logger.Error("failed to release activation claim", zap.String("order_id", orderID), zap.Error(relErr))
		}
		return nil, &ActivationFailedError{Reason: "service request creation failed", Err: err}
	}

	req := models.ServiceRequest{
		RequestID:   requestID,
		ServiceID:   serviceID,
		RequesterID: requesterID,
		Status:      models.ServiceRequestStatusPending,
		Level:       a.cfg.Level,
	}
	if err := a.store.CompleteActivation(bg, orderID, token, req); err != nil {
		// The request exists downstream but is not bound to the order
		a.logger.Error("service request created but activation not recorded",
			zap.String("order_id", orderID),
			zap.String("request_id", requestID),
			zap.Error(err))
		if ferr := a.store.FlagActivation(bg, orderID, token, requestID); ferr != nil {
			a.logger.Error("failed to flag activation for review",
				zap.String("order_id", orderID),
				zap.String("request_id", requestID),
				zap.Error(ferr))
		}
		return nil, &ActivationFailedError{Reason: "activation could not be recorded, request " + requestID + " needs manual review", Err: err}
	}

	a.logger.Info("service request activated",
		zap.String("order_id", orderID),
		zap.String("request_id", requestID),
		zap.String("service_id", serviceID))
	return &req, nil
}

// keepClaim renews the claim every third of ClaimTTL until the returned stop
// func is called.
func (a *Activator) keepClaim(ctx context.Context, orderID, token string) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(a.cfg.ClaimTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				held, err := a.store.RenewActivation(ctx, orderID, token)
				if ctx.Err() != nil {
					return
				}
				if err != nil {
					a.logger.Warn("failed to renew activation claim", zap.String("order_id", orderID), zap.Error(err))
				} else if !held {
					a.logger.Error("activation claim no longer held", zap.String("order_id", orderID))
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func needsReview(marker *models.ActivationMarker) error {
	return &ActivationFailedError{Reason: "service request " + marker.RequestID + " was created but not bound to the order, needs manual review"}
}

func (a *Activator) checkRequester(ctx context.Context, orderID string) error {
	if a.directory == nil {
		return nil
	}
	order, err := a.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return &ActivationFailedError{Reason: "order not found", Err: err}
		}
		return err
	}
	if order.CustomerEmail == "" {
		return &ActivationFailedError{Reason: "order has no customer email to verify"}
	}
	res, err := a.directory.Verify(ctx, order.CustomerEmail)
	if err != nil {
		return &ActivationFailedError{Reason: "directory verification unavailable", Err: err}
	}
	if !res.IsValid {
		reason := "requester is not a registered staff member or student"
		if res.Error != "" {
			reason = res.Error
		}
		return &ActivationFailedError{Reason: reason}
	}
	return nil
}

// waitForWinner polls the marker until the concurrent winner records its result
func (a *Activator) waitForWinner(ctx context.Context, orderID string) (*models.ServiceRequest, error) {
	deadline := time.NewTimer(a.cfg.Wait)
	defer deadline.Stop()
	ticker := time.NewTicker(a.cfg.PollEvery)
	defer ticker.Stop()

	for {
		marker, err := a.store.GetActivation(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if marker == nil {
			return nil, &ActivationFailedError{Reason: "concurrent activation did not complete"}
		}
		switch marker.State {
		case models.ActivationStateActivated:
			req := marker.ServiceRequest()
			return &req, nil
		case models.ActivationStateNeedsReview:
			return nil, needsReview(marker)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, &ActivationFailedError{Reason: "activation in progress"}
		case <-ticker.C:
		}
	}
}
