package repository

import (
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"pingx/internal/models"
)

// AuditRepository appends to the audit log.
type AuditRepository struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Log appends one event.
func (r *AuditRepository) Log(userID int64, action string, meta map[string]interface{}) error {
	return r.db.Create(&models.AuditLog{
		UserID: userID,
		Action: action,
		Meta:   datatypes.JSONMap(meta),
	}).Error
}

// FindByUser returns a user's events, newest first.
func (r *AuditRepository) FindByUser(userID int64, limit int) ([]models.AuditLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var items []models.AuditLog
	err := r.db.Where("user_id = ?", userID).Order("id DESC").Limit(limit).Find(&items).Error
	return items, err
}
