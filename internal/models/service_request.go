package models

import "time"

const ServiceRequestStatusPending = "pending"

// ServiceRequest is the downstream business object created once payment is confirmed
type ServiceRequest struct {
	RequestID   string    `gorm:"primaryKey;type:varchar(64)" json:"request_id"`
	ServiceID   string    `gorm:"type:varchar(100);index;not null" json:"service_id"`
	RequesterID string    `gorm:"type:varchar(100);index;not null" json:"requester_id"`
	Status      string    `gorm:"type:varchar(30);not null" json:"status"`
	Level       int       `gorm:"not null;default:1" json:"level"`
	CreatedAt   time.Time `json:"created_at"`
}

type ActivationState string

const (
	ActivationStateClaimed   ActivationState = "claimed"
	ActivationStateActivated ActivationState = "activated"

	// NeedsReview marks a request that was created downstream but could not be
	// bound to the order. It is never reclaimed automatically.
	ActivationStateNeedsReview ActivationState = "needs_review"
)

// ActivationMarker binds an order to the single ServiceRequest created for it.
// The primary key on OrderID is what makes the claim exclusive.
type ActivationMarker struct {
	OrderID     string          `gorm:"primaryKey;type:varchar(100)" json:"order_id"`
	ClaimToken  string          `gorm:"type:varchar(64);not null" json:"-"`
	State       ActivationState `gorm:"type:varchar(20);not null" json:"state"`
	RequestID   string          `gorm:"type:varchar(64)" json:"request_id"`
	ServiceID   string          `gorm:"type:varchar(100)" json:"service_id"`
	RequesterID string          `gorm:"type:varchar(100)" json:"requester_id"`
	Level       int             `json:"level"`
	ClaimedAt   time.Time       `gorm:"index" json:"claimed_at"`
	ActivatedAt *time.Time      `json:"activated_at,omitempty"`
}

// ServiceRequest rebuilds the activated request from the marker
func (m ActivationMarker) ServiceRequest() ServiceRequest {
	return ServiceRequest{
		RequestID:   m.RequestID,
		ServiceID:   m.ServiceID,
		RequesterID: m.RequesterID,
		Status:      ServiceRequestStatusPending,
		Level:       m.Level,
	}
}
