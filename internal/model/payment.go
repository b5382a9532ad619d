package model

import "time"

// PaymentRecord is the audit row of one wash cycle's cash payment.
type PaymentRecord struct {
	ID          string    `gorm:"primaryKey;size:36"` // Cycle ID
	SessionID   string    `gorm:"size:255"`           // Comma separated, one per acceptor
	DeviceID    string    `gorm:"size:255;not null"`
	Model       int       `gorm:"not null"`
	TargetCents int64     `gorm:"not null"`
	PaidCents   int64     `gorm:"not null"`
	PaidSource  string    `gorm:"size:16;not null"` // stored_total, estimate or unknown
	Outcome     string    `gorm:"size:32;not null;index"`
	Reason      string    `gorm:"size:512"`
	StartedAt   time.Time `gorm:"not null;index"`
	EndedAt     time.Time `gorm:"not null"`
}
