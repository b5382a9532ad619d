package model

import "time"

// RefundRecord is the persisted result of one refund.
type RefundRecord struct {
	ID                  int64     `gorm:"primaryKey" json:"id"`
	PaymentID           string    `gorm:"size:36;not null;index" json:"payment_id"`
	RequestedCents      int64     `gorm:"not null" json:"requested_cents"`
	RemainingCents      int64     `gorm:"not null" json:"remaining_cents"`
	BillDispensedCents  int64     `gorm:"not null" json:"bill_dispensed_cents"`
	CoinDispensedCents  int64     `gorm:"not null" json:"coin_dispensed_cents"`
	TotalDispensedCents int64     `gorm:"not null" json:"total_dispensed_cents"`
	Success             bool      `gorm:"not null" json:"success"`
	Errors              string    `gorm:"type:text" json:"errors,omitempty"` // Newline separated warnings
	CreatedAt           time.Time `gorm:"not null;index" json:"created_at"`

	// Associations
	Lines []RefundLine `gorm:"foreignKey:RefundID;constraint:OnDelete:CASCADE" json:"lines"`
}

// RefundLine is one dispensed denomination of a refund.
type RefundLine struct {
	ID           int64  `gorm:"primaryKey" json:"id"`
	RefundID     int64  `gorm:"index;not null" json:"refund_id"`
	DeviceID     string `gorm:"size:64;not null" json:"device_id"`
	DeviceName   string `gorm:"size:128" json:"device_name"`
	Denomination int64  `gorm:"not null" json:"denomination"`
	Count        int    `gorm:"not null" json:"count"`
	Amount       int64  `gorm:"not null" json:"amount"`
}
