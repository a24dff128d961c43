package repository

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"pingx/internal/models"
)

// PurchaseRepository handles purchase records.
type PurchaseRepository struct {
	db *gorm.DB
}

func NewPurchaseRepository(db *gorm.DB) *PurchaseRepository {
	return &PurchaseRepository{db: db}
}

// FindByID finds a purchase by id.
func (r *PurchaseRepository) FindByID(id uint) (*models.Purchase, error) {
	var p models.Purchase
	if err := r.db.Where("id = ?", id).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// FindActiveForInbound returns the currently usable purchase of a user on an
// inbound: active and either without expiry or expiring after nowMS. The
// newest row wins. Returns nil when there is none.
func (r *PurchaseRepository) FindActiveForInbound(userID int64, inboundID int, nowMS int64) (*models.Purchase, error) {
	var p models.Purchase
	err := r.db.
		Where("user_id = ? AND inbound_id = ? AND active = ?", userID, inboundID, true).
		Where("expiry_ms = 0 OR expiry_ms > ?", nowMS).
		Order("id DESC").
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListUsable returns every active purchase that has not expired at nowMS.
func (r *PurchaseRepository) ListUsable(nowMS int64) ([]models.Purchase, error) {
	var rows []models.Purchase
	err := r.db.
		Where("active = ?", true).
		Where("expiry_ms = 0 OR expiry_ms > ?", nowMS).
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}

// ListActive returns every active purchase regardless of expiry.
func (r *PurchaseRepository) ListActive() ([]models.Purchase, error) {
	var rows []models.Purchase
	err := r.db.Where("active = ?", true).Order("id ASC").Find(&rows).Error
	return rows, err
}

// ListByUser returns a user's purchases, newest first.
func (r *PurchaseRepository) ListByUser(userID int64, limit, page int) ([]models.Purchase, int64, error) {
	var rows []models.Purchase
	var total int64
	db := r.db.Model(&models.Purchase{})
	if userID != 0 {
		db = db.Where("user_id = ?", userID)
	}
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	limit, offset := pageBounds(limit, page)
	if err := db.Order("id DESC").Limit(limit).Offset(offset).Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

// InsertActive stores p as the active purchase of its (user, inbound) pair.
// Every other active row of the pair is retired and pointed at p, all in one
// transaction.
func (r *PurchaseRepository) InsertActive(p *models.Purchase) error {
	p.Active = true
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(p).Error; err != nil {
			return err
		}
		return tx.Model(&models.Purchase{}).
			Where("user_id = ? AND inbound_id = ? AND active = ? AND id <> ?", p.UserID, p.InboundID, true, p.ID).
			Updates(map[string]interface{}{"active": false, "superseded_by": p.ID}).Error
	})
}

// UpdateSubLink stores a new subscription id and link.
func (r *PurchaseRepository) UpdateSubLink(id uint, subID, link string) error {
	return r.db.Model(&models.Purchase{}).Where("id = ?", id).
		Updates(map[string]interface{}{"sub_id": subID, "sub_link": link}).Error
}

// SetExpiryNotice records that the expiry warning for daysLeft was sent at at.
func (r *PurchaseRepository) SetExpiryNotice(id uint, daysLeft int, at time.Time) error {
	return r.db.Model(&models.Purchase{}).Where("id = ?", id).
		Updates(map[string]interface{}{"last_expiry_notice": daysLeft, "last_expiry_notice_at": at}).Error
}

// HasTestPurchase reports whether the user ever redeemed a test plan, either
// through the plan's flag or the purchase's own metadata.
func (r *PurchaseRepository) HasTestPurchase(userID int64) (bool, error) {
	var rows []models.Purchase
	if err := r.db.Select("id", "plan_id", "meta").Where("user_id = ?", userID).Find(&rows).Error; err != nil {
		return false, err
	}
	planIDs := make([]string, 0, len(rows))
	for _, p := range rows {
		if p.Meta.Data().Test {
			return true, nil
		}
		planIDs = append(planIDs, p.PlanID)
	}
	if len(planIDs) == 0 {
		return false, nil
	}
	var plans []models.Plan
	if err := r.db.Where("id IN ?", planIDs).Find(&plans).Error; err != nil {
		return false, err
	}
	for _, plan := range plans {
		if plan.Options().Test {
			return true, nil
		}
	}
	return false, nil
}

// CountUsable counts usable rows of a (user, inbound) pair.
func (r *PurchaseRepository) CountUsable(userID int64, inboundID int, nowMS int64) (int64, error) {
	var n int64
	err := r.db.Model(&models.Purchase{}).
		Where("user_id = ? AND inbound_id = ? AND active = ?", userID, inboundID, true).
		Where("expiry_ms = 0 OR expiry_ms > ?", nowMS).
		Count(&n).Error
	return n, err
}
