package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TipStatus captures the one-way lifecycle of a tip.
type TipStatus string

const (
	TipStatusPending   TipStatus = "pending"
	TipStatusCompleted TipStatus = "completed"
)

// Creator is a registered tip recipient.
type Creator struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	Handle          string    `gorm:"size:20;uniqueIndex;not null"` // lowercased
	Email           string    `gorm:"size:255;uniqueIndex;not null"`
	DisplayName     string    `gorm:"size:100"`
	Bio             string    `gorm:"type:text"`
	PayoutAccountID *string   `gorm:"size:64;uniqueIndex"`
	PayoutOnboarded bool      `gorm:"not null;default:false"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ReadyToReceive reports whether the creator can be the destination of a payment.
func (c *Creator) ReadyToReceive() bool {
	return c != nil && c.PayoutAccountID != nil && *c.PayoutAccountID != "" && c.PayoutOnboarded
}

// Tip records a single supporter payment attempt.
type Tip struct {
	ID               uuid.UUID       `gorm:"type:uuid;primaryKey"`
	CreatorID        uuid.UUID       `gorm:"type:uuid;index;not null"`
	Creator          *Creator        `gorm:"foreignKey:CreatorID"`
	Amount           decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	AmountCents      int64           `gorm:"not null"`
	PlatformFeeCents int64           `gorm:"not null"`
	Currency         string          `gorm:"size:3;not null"`
	Units            int64           `gorm:"not null"`
	Message          string          `gorm:"type:text"`
	SenderName       string          `gorm:"size:100"`
	SenderEmail      string          `gorm:"size:255"`
	PaymentReference string          `gorm:"size:128;uniqueIndex;not null"`
	Status           TipStatus       `gorm:"size:16;index;not null"`
	CreatedAt        time.Time       `gorm:"index"`
	CompletedAt      *time.Time
}

// ImpactTotals aggregates completed-tip units per creator.
type ImpactTotals struct {
	CreatorID  uuid.UUID       `gorm:"type:uuid;primaryKey"`
	UnitsTotal int64           `gorm:"not null;default:0"`
	CO2Tonnes  decimal.Decimal `gorm:"type:decimal(18,4);not null"`
	UpdatedAt  time.Time
}

// TableName keeps one row per creator in impact_totals.
func (ImpactTotals) TableName() string { return "impact_totals" }

// WebhookEvent is the audit trail of verified processor deliveries.
type WebhookEvent struct {
	ID          string `gorm:"primaryKey;size:128"`
	Kind        string `gorm:"size:64;index"`
	Outcome     string `gorm:"size:32"`
	Error       string `gorm:"type:text"`
	Deliveries  int    `gorm:"not null;default:1"`
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}

// IdempotencyKey stores the first response produced for a client-supplied key.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Creator{},
		&Tip{},
		&ImpactTotals{},
		&WebhookEvent{},
		&IdempotencyKey{},
	)
}
