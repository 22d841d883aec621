package models

import (
	"time"

	"gorm.io/datatypes"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	AuditEventSignatureInvalid     = "signature_verification_failed"
	AuditEventUnexpectedTransition = "unexpected_status_transition"
	AuditEventUnknownOrder         = "callback_for_unknown_order"
	AuditEventRefundInvalidState   = "refund_on_non_success_order"
	AuditEventRefundRejected       = "refund_rejected"
	AuditEventActivationFailed     = "activation_failed"
)

// SecurityAuditLog is an append-only record of anomalies
type SecurityAuditLog struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	EventType        string         `gorm:"type:varchar(100);index;not null" json:"event_type"`
	Severity         Severity       `gorm:"type:varchar(20);index;not null" json:"severity"`
	EventDescription string         `gorm:"type:text" json:"event_description"`
	OrderID          *string        `gorm:"type:varchar(100);index" json:"order_id,omitempty"`
	Context          datatypes.JSON `gorm:"type:json" json:"context,omitempty"`
	DetectedAt       time.Time      `gorm:"index" json:"detected_at"`
}
