package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type RefundStatus string

const (
	RefundStatusPending  RefundStatus = "pending"
	RefundStatusSuccess  RefundStatus = "success"
	RefundStatusRejected RefundStatus = "rejected"
)

// Refund records a refund issued against a confirmed Order. Rows are written
// pending before the gateway call and settled in place afterwards.
type Refund struct {
	ID              uint            `gorm:"primarykey" json:"-"`
	RefundID        string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"refund_id"`
	OrderID         string          `gorm:"type:varchar(100);index;not null" json:"order_id"`
	UniqueRequestID string          `gorm:"type:varchar(120);uniqueIndex;not null" json:"unique_request_id"`
	RefundAmount    decimal.Decimal `gorm:"type:decimal(15,2);not null" json:"refund_amount"`
	RefundNote      string          `gorm:"type:varchar(255)" json:"refund_note,omitempty"`
	RefundRefNo     string          `gorm:"type:varchar(100)" json:"refund_ref_no"`
	Status          RefundStatus    `gorm:"type:varchar(20);index;not null" json:"status"`
	FailureReason   string          `gorm:"type:text" json:"failure_reason,omitempty"`
	PaymentGateway  PaymentGateway  `gorm:"type:varchar(50)" json:"payment_gateway"`
	GatewayResponse datatypes.JSON  `gorm:"type:json" json:"-"`
	RequestedBy     string          `gorm:"type:varchar(255)" json:"requested_by,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}
