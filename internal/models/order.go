package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the persisted lifecycle state of an Order
type OrderStatus string

const (
	OrderStatusCreated OrderStatus = "created"
	OrderStatusPending OrderStatus = "pending"
	OrderStatusSuccess OrderStatus = "success"
	OrderStatusFailed  OrderStatus = "failed"
	OrderStatusExpired OrderStatus = "expired"
)

// IsTerminal reports whether no further lifecycle transition is allowed
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusSuccess || s == OrderStatusFailed || s == OrderStatusExpired
}

// RefundState is tracked next to Status so a refunded order keeps its success marker
type RefundState string

const (
	RefundStateNone              RefundState = ""
	RefundStatePartiallyRefunded RefundState = "partially_refunded"
	RefundStateRefunded          RefundState = "refunded"
)

// Order is one institution-side payment intent
type Order struct {
	OrderID       string          `gorm:"primaryKey;type:varchar(100)" json:"order_id"`
	Amount        decimal.Decimal `gorm:"type:decimal(15,2);not null" json:"amount"`
	Currency      string          `gorm:"type:varchar(3);not null" json:"currency"`
	CustomerEmail string          `gorm:"type:varchar(255)" json:"customer_email"`
	CustomerPhone string          `gorm:"type:varchar(50)" json:"customer_phone"`
	Status        OrderStatus     `gorm:"type:varchar(20);index;not null;default:'created'" json:"status"`

	// Activation target, resolved when the payment is confirmed
	ServiceID   string `gorm:"type:varchar(100)" json:"service_id"`
	RequesterID string `gorm:"type:varchar(100)" json:"requester_id"`

	RefundedAmount decimal.Decimal `gorm:"type:decimal(15,2);not null;default:0" json:"refunded_amount"`
	RefundStatus   RefundState     `gorm:"type:varchar(30)" json:"refund_status,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `gorm:"index" json:"updated_at"`

	Session *PaymentSession `gorm:"foreignKey:OrderID;references:OrderID" json:"session,omitempty"`
}

// RefundableAmount is what the gateway may still return to the customer
func (o Order) RefundableAmount() decimal.Decimal {
	return o.Amount.Sub(o.RefundedAmount)
}
