package impact

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"ecotip/services/tipgateway/apperr"
	"ecotip/services/tipgateway/models"
)

// Aggregator maintains per-creator impact totals. Increment must run inside
// the caller's transaction so the totals commit together with the tip.
type Aggregator struct {
	co2PerUnit decimal.Decimal
	now        func() time.Time
}

// Option customises an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAggregator constructs an aggregator converting units to CO2 tonnes at co2PerUnit.
func NewAggregator(co2PerUnit decimal.Decimal, opts ...Option) *Aggregator {
	a := &Aggregator{co2PerUnit: co2PerUnit, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// CO2PerUnit returns the conversion factor.
func (a *Aggregator) CO2PerUnit() decimal.Decimal { return a.co2PerUnit }

// Init creates the zeroed totals row for a new creator.
func (a *Aggregator) Init(tx *gorm.DB, creatorID uuid.UUID) error {
	row := models.ImpactTotals{
		CreatorID:  creatorID,
		UnitsTotal: 0,
		CO2Tonnes:  decimal.Zero,
		UpdatedAt:  a.now().UTC(),
	}
	if err := tx.Create(&row).Error; err != nil {
		return fmt.Errorf("impact: init totals: %w", err)
	}
	return nil
}

// Increment adds units to the creator's totals with a single atomic UPDATE.
// A missing totals row is created with the increment applied.
func (a *Aggregator) Increment(tx *gorm.DB, creatorID uuid.UUID, units int64) error {
	if units < 0 {
		return fmt.Errorf("impact: negative increment %d", units)
	}
	now := a.now().UTC()
	res := tx.Model(&models.ImpactTotals{}).
		Where("creator_id = ?", creatorID).
		Updates(map[string]any{
			"units_total": gorm.Expr("units_total + ?", units),
			"co2_tonnes":  gorm.Expr("(units_total + ?) * CAST(? AS DECIMAL(18,4))", units, a.co2PerUnit.String()),
			"updated_at":  now,
		})
	if res.Error != nil {
		return fmt.Errorf("impact: increment totals: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	row := models.ImpactTotals{
		CreatorID:  creatorID,
		UnitsTotal: units,
		CO2Tonnes:  a.co2PerUnit.Mul(decimal.NewFromInt(units)),
		UpdatedAt:  now,
	}
	if err := tx.Create(&row).Error; err != nil {
		return fmt.Errorf("impact: create totals: %w", err)
	}
	return nil
}

// Totals reads the creator's current impact. Creators without a row report zero.
func (a *Aggregator) Totals(ctx context.Context, db *gorm.DB, creatorID uuid.UUID) (models.ImpactTotals, error) {
	var row models.ImpactTotals
	err := db.WithContext(ctx).First(&row, "creator_id = ?", creatorID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.ImpactTotals{CreatorID: creatorID, CO2Tonnes: decimal.Zero}, nil
	}
	if err != nil {
		return models.ImpactTotals{}, apperr.Persistence("impact.totals", err)
	}
	row.CO2Tonnes = row.CO2Tonnes.Round(4)
	return row, nil
}
