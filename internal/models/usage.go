package models

import "time"

// UsageWarn80 marks that the 80% usage warning was delivered.
const UsageWarn80 = "80"

// UsageCache maps to the `cache_usage` table: the last known live counters of
// a purchase. Rows are rewritten by the reconciler; LastUsageWarn survives.
type UsageCache struct {
	PurchaseID    uint      `gorm:"column:purchase_id;primaryKey;autoIncrement:false" json:"purchase_id"`
	Up            int64     `gorm:"column:up" json:"up"`
	Down          int64     `gorm:"column:down" json:"down"`
	Total         int64     `gorm:"column:total" json:"total"`
	ExpiryMS      int64     `gorm:"column:expiry_ms" json:"expiry_ms"`
	UpdatedAt     time.Time `gorm:"column:updated_at" json:"updated_at"`
	LastUsageWarn string    `gorm:"column:last_usage_warn;size:16" json:"last_usage_warn"`
}

func (UsageCache) TableName() string {
	return "cache_usage"
}

// Used returns up+down.
func (u *UsageCache) Used() int64 {
	return u.Up + u.Down
}

// Ratio returns used/total, or 0 for unlimited rows.
func (u *UsageCache) Ratio() float64 {
	if u.Total <= 0 {
		return 0
	}
	return float64(u.Used()) / float64(u.Total)
}
