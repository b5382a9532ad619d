package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"wash-kiosk-backend/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store defines the interface for all database operations.
type Store interface {
	SavePayment(ctx context.Context, p *model.PaymentRecord) error
	SaveRefund(ctx context.Context, r *model.RefundRecord) error
	ListRefunds(ctx context.Context, limit int) ([]model.RefundRecord, error)

	UpsertSubscription(ctx context.Context, sub *model.PushSubscription) error
	GetSubscription(ctx context.Context, endpoint string) (*model.PushSubscription, error)
	DeleteSubscription(ctx context.Context, endpoint string) error
	ListSubscriptions(ctx context.Context) ([]model.PushSubscription, error)
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

// SavePayment inserts or replaces the payment record of a cycle.
func (s *gormStore) SavePayment(ctx context.Context, p *model.PaymentRecord) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"session_id", "device_id", "paid_cents", "paid_source", "outcome", "reason", "ended_at",
		}),
	}).Create(p).Error
	if err != nil {
		return fmt.Errorf("failed to save payment %s: %w", p.ID, err)
	}
	return nil
}

// SaveRefund stores a refund and its lines in one transaction.
func (s *gormStore) SaveRefund(ctx context.Context, r *model.RefundRecord) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lines := r.Lines
		r.Lines = nil
		defer func() { r.Lines = lines }()

		if err := tx.Create(r).Error; err != nil {
			return fmt.Errorf("failed to save refund for payment %s: %w", r.PaymentID, err)
		}
		if len(lines) == 0 {
			return nil
		}
		for i := range lines {
			lines[i].RefundID = r.ID
		}
		if err := tx.Create(&lines).Error; err != nil {
			return fmt.Errorf("failed to save refund lines for refund %d: %w", r.ID, err)
		}
		return nil
	})
}

// ListRefunds returns the most recent refunds with their lines, newest first.
func (s *gormStore) ListRefunds(ctx context.Context, limit int) ([]model.RefundRecord, error) {
	var refunds []model.RefundRecord
	err := s.db.WithContext(ctx).
		Preload("Lines").
		Order("created_at desc").
		Limit(limit).
		Find(&refunds).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list refunds: %w", err)
	}
	return refunds, nil
}

// UpsertSubscription creates a subscription or replaces its keys.
func (s *gormStore) UpsertSubscription(ctx context.Context, sub *model.PushSubscription) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "endpoint"}},
		DoUpdates: clause.AssignmentColumns([]string{"p256dh", "auth"}),
	}).Create(sub).Error
}

// GetSubscription returns ErrNotFound for an unknown endpoint.
func (s *gormStore) GetSubscription(ctx context.Context, endpoint string) (*model.PushSubscription, error) {
	var sub model.PushSubscription
	if err := s.db.WithContext(ctx).First(&sub, "endpoint = ?", endpoint).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sub, nil
}

func (s *gormStore) DeleteSubscription(ctx context.Context, endpoint string) error {
	return s.db.WithContext(ctx).Delete(&model.PushSubscription{Endpoint: endpoint}).Error
}

func (s *gormStore) ListSubscriptions(ctx context.Context) ([]model.PushSubscription, error) {
	var subs []model.PushSubscription
	if err := s.db.WithContext(ctx).Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}
