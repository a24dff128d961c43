package models

import (
	"time"

	"gorm.io/datatypes"
)

// PurchaseMeta is stored as JSON in purchases.meta.
type PurchaseMeta struct {
	Test               bool   `json:"test,omitempty"`
	Renewal            bool   `json:"renewal,omitempty"`
	PreviousPurchaseID uint   `json:"previous_purchase_id,omitempty"`
	BasePrice          int64  `json:"base_price,omitempty"`
	DiscountPercent    int    `json:"discount_percent,omitempty"`
	DeviceLimit        int    `json:"device_limit,omitempty"`
	Remark             string `json:"remark,omitempty"`
}

// Purchase maps to the `purchases` table. Rows are never deleted: a renewal
// inserts a new row and points the old one at it through SupersededBy.
type Purchase struct {
	ID                 uint                             `gorm:"column:id;primaryKey" json:"id"`
	UserID             int64                            `gorm:"column:user_id;index:idx_purchases_user_inbound" json:"user_id"`
	PlanID             string                           `gorm:"column:plan_id;size:64" json:"plan_id"`
	Price              int64                            `gorm:"column:price" json:"price"`
	ClientID           string                           `gorm:"column:client_id;size:128" json:"client_id"`
	InboundID          int                              `gorm:"column:inbound_id;index:idx_purchases_user_inbound" json:"inbound_id"`
	ClientEmail        string                           `gorm:"column:client_email;size:255" json:"client_email"`
	SubID              string                           `gorm:"column:sub_id;size:64" json:"sub_id"`
	SubLink            string                           `gorm:"column:sub_link;type:text" json:"sub_link"`
	AllocatedGB        int                              `gorm:"column:allocated_gb" json:"allocated_gb"`
	ExpiryMS           int64                            `gorm:"column:expiry_ms" json:"expiry_ms"`
	CreatedAt          time.Time                        `gorm:"column:created_at" json:"created_at"`
	Meta               datatypes.JSONType[PurchaseMeta] `gorm:"column:meta;type:text" json:"meta"`
	Active             bool                             `gorm:"column:active;index" json:"active"`
	SupersededBy       *uint                            `gorm:"column:superseded_by" json:"superseded_by,omitempty"`
	LastExpiryNotice   *int                             `gorm:"column:last_expiry_notice" json:"last_expiry_notice,omitempty"`
	LastExpiryNoticeAt *time.Time                       `gorm:"column:last_expiry_notice_at" json:"last_expiry_notice_at,omitempty"`
}

func (Purchase) TableName() string {
	return "purchases"
}

// Expired reports whether the purchase has a set expiry at or before nowMS.
func (p *Purchase) Expired(nowMS int64) bool {
	return p.ExpiryMS > 0 && p.ExpiryMS <= nowMS
}

// Usable reports whether the purchase is the currently usable allocation.
func (p *Purchase) Usable(nowMS int64) bool {
	return p.Active && !p.Expired(nowMS)
}
