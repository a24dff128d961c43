package repository

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pingx/internal/models"
)

// UsageRepository handles the usage cache.
type UsageRepository struct {
	db *gorm.DB
}

func NewUsageRepository(db *gorm.DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// Upsert writes the counters of a purchase. The warning marker of an existing
// row is left as it is.
func (r *UsageRepository) Upsert(u *models.UsageCache) error {
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "purchase_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"up", "down", "total", "expiry_ms", "updated_at"}),
	}).Create(u).Error
}

// Get returns the cached row or nil.
func (r *UsageRepository) Get(purchaseID uint) (*models.UsageCache, error) {
	var u models.UsageCache
	err := r.db.Where("purchase_id = ?", purchaseID).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// SetUsageWarn records the last usage warning marker.
func (r *UsageRepository) SetUsageWarn(purchaseID uint, marker string) error {
	return r.db.Model(&models.UsageCache{}).Where("purchase_id = ?", purchaseID).
		Update("last_usage_warn", marker).Error
}
