package models

import (
	"time"

	"gorm.io/datatypes"
)

// TransactionSource tells where a ledger row came from
type TransactionSource string

const (
	TransactionSourceCallback  TransactionSource = "callback"
	TransactionSourceStatusAPI TransactionSource = "status_api"
)

// TransactionDetail is an append-only ledger row, one per gateway interaction.
// Rows are never updated after insert.
type TransactionDetail struct {
	ID                uint              `gorm:"primaryKey" json:"id"`
	TransactionID     string            `gorm:"type:varchar(100);index" json:"transaction_id"`
	OrderID           string            `gorm:"type:varchar(100);index;not null" json:"order_id"`
	Status            string            `gorm:"type:varchar(50)" json:"status"`
	Source            TransactionSource `gorm:"type:varchar(20)" json:"source"`
	SignatureVerified bool              `gorm:"not null;default:false" json:"signature_verified"`
	HDFCResponseRaw   datatypes.JSON    `gorm:"column:hdfc_response_raw;type:json" json:"hdfc_response_raw"`

	// FormDataReceived is the callback body, or query string, byte for byte
	FormDataReceived []byte `json:"form_data_received"`

	// CallbackFields is the parsed field map the signature was checked against
	CallbackFields datatypes.JSON `gorm:"type:json" json:"callback_fields,omitempty"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
}
