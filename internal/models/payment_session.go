package models

import (
	"time"

	"gorm.io/datatypes"
)

type PaymentGateway string

const (
	PaymentGatewayHDFC PaymentGateway = "hdfc"
)

// PaymentSession is the gateway-side handle for an Order. Only SessionStatus
// changes after creation.
type PaymentSession struct {
	ID             uint              `gorm:"primaryKey" json:"id"`
	SessionID      string            `gorm:"type:varchar(100);index" json:"session_id"`
	OrderID        string            `gorm:"type:varchar(100);uniqueIndex;not null" json:"order_id"`
	PaymentGateway PaymentGateway    `gorm:"type:varchar(50);not null" json:"payment_gateway"`
	PaymentLinks   datatypes.JSONMap `gorm:"type:json" json:"payment_links"`
	SessionStatus  string            `gorm:"type:varchar(50)" json:"session_status"`

	// Only populated when the deployment runs in test mode
	TestCaseID   *string `gorm:"type:varchar(100)" json:"test_case_id,omitempty"`
	TestScenario *string `gorm:"type:varchar(255)" json:"test_scenario,omitempty"`

	RequestMetadata  datatypes.JSON `gorm:"type:json" json:"request_metadata"`
	ResponseMetadata datatypes.JSON `gorm:"type:json" json:"response_metadata"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// PaymentLink returns the web redirect link, if the gateway sent one
func (s PaymentSession) PaymentLink() string {
	if s.PaymentLinks == nil {
		return ""
	}
	link, _ := s.PaymentLinks["web"].(string)
	return link
}
