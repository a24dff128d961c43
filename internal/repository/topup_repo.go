package repository

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"pingx/internal/models"
)

// ErrTopUpClosed is returned when reviewing a top-up that is no longer pending.
var ErrTopUpClosed = errors.New("top-up already reviewed")

// TopUpRepository handles manual wallet top-up requests.
type TopUpRepository struct {
	db *gorm.DB
}

func NewTopUpRepository(db *gorm.DB) *TopUpRepository {
	return &TopUpRepository{db: db}
}

// Create stores a new pending request.
func (r *TopUpRepository) Create(t *models.TopUp) error {
	t.Status = models.TopUpPending
	return r.db.Create(t).Error
}

// FindByID finds a request by id.
func (r *TopUpRepository) FindByID(id uint) (*models.TopUp, error) {
	var t models.TopUp
	if err := r.db.Where("id = ?", id).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// FindByStatus lists requests with the given status, oldest first.
func (r *TopUpRepository) FindByStatus(status string, limit, page int) ([]models.TopUp, int64, error) {
	var items []models.TopUp
	var total int64
	db := r.db.Model(&models.TopUp{})
	if status != "" {
		db = db.Where("status = ?", status)
	}
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	limit, offset := pageBounds(limit, page)
	if err := db.Order("id ASC").Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// Approve marks a pending request approved and credits the wallet in the
// same transaction.
func (r *TopUpRepository) Approve(id uint, adminID int64) (*models.TopUp, error) {
	var out models.TopUp
	err := r.db.Transaction(func(tx *gorm.DB) error {
		if err := r.review(tx, id, adminID, models.TopUpApproved); err != nil {
			return err
		}
		if err := tx.Where("id = ?", id).First(&out).Error; err != nil {
			return err
		}
		return NewUserRepository(tx).Credit(out.UserID, out.Amount)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Reject marks a pending request rejected.
func (r *TopUpRepository) Reject(id uint, adminID int64) (*models.TopUp, error) {
	if err := r.review(r.db, id, adminID, models.TopUpRejected); err != nil {
		return nil, err
	}
	return r.FindByID(id)
}

func (r *TopUpRepository) review(db *gorm.DB, id uint, adminID int64, status string) error {
	now := time.Now()
	res := db.Model(&models.TopUp{}).
		Where("id = ? AND status = ?", id, models.TopUpPending).
		Updates(map[string]interface{}{"status": status, "reviewed_by": adminID, "reviewed_at": &now})
	if res.Error != nil {
		return fmt.Errorf("review top-up %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrTopUpClosed
	}
	return nil
}
