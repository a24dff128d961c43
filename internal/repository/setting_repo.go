package repository

import (
	"errors"
	"strconv"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pingx/internal/models"
)

// SettingRepository handles the key/value settings table.
type SettingRepository struct {
	db *gorm.DB
}

func NewSettingRepository(db *gorm.DB) *SettingRepository {
	return &SettingRepository{db: db}
}

// DB returns the underlying gorm.DB instance.
func (r *SettingRepository) DB() *gorm.DB {
	return r.db
}

// Get returns the value of key and whether it exists.
func (r *SettingRepository) Get(key string) (string, bool, error) {
	var s models.Setting
	err := r.db.Where("`key` = ?", key).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return s.Value, true, nil
}

// GetOr returns the value of key, or def when it is missing, empty or unreadable.
func (r *SettingRepository) GetOr(key, def string) string {
	v, ok, err := r.Get(key)
	if err != nil || !ok || strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// Set inserts or replaces a setting.
func (r *SettingRepository) Set(key, value string) error {
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&models.Setting{Key: key, Value: value}).Error
}

// SetIfMissing inserts a setting only when the key does not exist.
func (r *SettingRepository) SetIfMissing(key, value string) error {
	return r.db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.Setting{Key: key, Value: value}).Error
}

// All returns every setting.
func (r *SettingRepository) All() ([]models.Setting, error) {
	var items []models.Setting
	err := r.db.Order("`key` ASC").Find(&items).Error
	return items, err
}

// GlobalDiscountPercent returns the shop-wide discount clamped to 0..90.
func (r *SettingRepository) GlobalDiscountPercent() int {
	n, err := strconv.Atoi(strings.TrimSpace(r.GetOr(models.SettingGlobalDiscountPercent, "0")))
	if err != nil {
		return 0
	}
	return ClampDiscount(n)
}

// ClampDiscount limits a discount percentage to 0..90.
func ClampDiscount(n int) int {
	if n < 0 {
		return 0
	}
	if n > 90 {
		return 90
	}
	return n
}

// ActiveInboundID returns the inbound new purchases go to, or def.
func (r *SettingRepository) ActiveInboundID(def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(r.GetOr(models.SettingActiveInboundID, "")))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// IDList parses a comma or space separated list of numeric ids.
func (r *SettingRepository) IDList(key string) []int64 {
	return ParseIDList(r.GetOr(key, ""))
}

// ParseIDList parses "1, 2 3" into ids, skipping anything non-numeric.
func ParseIDList(raw string) []int64 {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == ';' || r == '\n' || r == '\t'
	})
	out := make([]int64, 0, len(fields))
	for _, f := range fields {
		if n, err := strconv.ParseInt(f, 10, 64); err == nil {
			out = append(out, n)
		}
	}
	return out
}
