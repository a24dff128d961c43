package models

import (
	"time"

	"gorm.io/datatypes"
)

// Setting maps to the `settings` key/value table.
type Setting struct {
	Key   string `gorm:"column:key;primaryKey;size:128" json:"key"`
	Value string `gorm:"column:value;type:text" json:"value"`
}

func (Setting) TableName() string {
	return "settings"
}

// Setting keys.
const (
	SettingActiveInboundID         = "ACTIVE_INBOUND_ID"
	SettingGlobalDiscountPercent   = "GLOBAL_DISCOUNT_PERCENT"
	SettingAdminIDs                = "ADMIN_IDS"
	SettingSupportIDs              = "SUPPORT_IDS"
	SettingSubHost                 = "SUB_HOST"
	SettingSubScheme               = "SUB_SCHEME"
	SettingSubPath                 = "SUB_PATH"
	SettingSubPort                 = "SUB_PORT"
	SettingWelcomeTemplate         = "WELCOME_TEMPLATE"
	SettingPurchaseSuccessTemplate = "PURCHASE_SUCCESS_TEMPLATE"
	SettingPurchaseFailedTemplate  = "PURCHASE_FAILED_TEMPLATE"
	SettingPaymentReceiptTemplate  = "PAYMENT_RECEIPT_TEMPLATE"
)

// AuditLog maps to the `audit_logs` table.
type AuditLog struct {
	ID        uint              `gorm:"column:id;primaryKey" json:"id"`
	UserID    int64             `gorm:"column:user_id;index" json:"user_id"`
	Action    string            `gorm:"column:action;size:64;index" json:"action"`
	Meta      datatypes.JSONMap `gorm:"column:meta;type:text" json:"meta"`
	CreatedAt time.Time         `gorm:"column:created_at" json:"created_at"`
}

func (AuditLog) TableName() string {
	return "audit_logs"
}
