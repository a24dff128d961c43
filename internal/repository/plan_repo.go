package repository

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pingx/internal/models"
)

// PlanRepository handles the plan catalogue.
type PlanRepository struct {
	db *gorm.DB
}

func NewPlanRepository(db *gorm.DB) *PlanRepository {
	return &PlanRepository{db: db}
}

// FindByID finds a plan by slug.
func (r *PlanRepository) FindByID(id string) (*models.Plan, error) {
	var plan models.Plan
	if err := r.db.Where("id = ?", id).First(&plan).Error; err != nil {
		return nil, err
	}
	return &plan, nil
}

// FindAll returns plans in display order. Admin-only plans are dropped unless
// includeAdminOnly is set.
func (r *PlanRepository) FindAll(includeAdminOnly bool) ([]models.Plan, error) {
	var plans []models.Plan
	if err := r.db.Order("sort_order ASC, price ASC").Find(&plans).Error; err != nil {
		return nil, err
	}
	if includeAdminOnly {
		return plans, nil
	}
	out := plans[:0]
	for _, p := range plans {
		if !p.Options().AdminOnly {
			out = append(out, p)
		}
	}
	return out, nil
}

// CreateIfMissing inserts plans whose id does not exist yet.
func (r *PlanRepository) CreateIfMissing(plans []models.Plan) error {
	if len(plans) == 0 {
		return nil
	}
	return r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&plans).Error
}

// Save creates or replaces a plan.
func (r *PlanRepository) Save(plan *models.Plan) error {
	return r.db.Save(plan).Error
}
