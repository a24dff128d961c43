package models

import "time"

const (
	TopUpPending  = "pending"
	TopUpApproved = "approved"
	TopUpRejected = "rejected"
)

// TopUp maps to the `payments` table: a manual wallet top-up waiting for an
// admin to approve or reject it.
type TopUp struct {
	ID         uint       `gorm:"column:id;primaryKey" json:"id"`
	UserID     int64      `gorm:"column:user_id;index" json:"user_id"`
	Amount     int64      `gorm:"column:amount" json:"amount"`
	Note       string     `gorm:"column:note;type:text" json:"note"`
	Status     string     `gorm:"column:status;size:16;index" json:"status"`
	ReviewedBy int64      `gorm:"column:reviewed_by" json:"reviewed_by,omitempty"`
	ReviewedAt *time.Time `gorm:"column:reviewed_at" json:"reviewed_at,omitempty"`
	CreatedAt  time.Time  `gorm:"column:created_at" json:"created_at"`
}

func (TopUp) TableName() string {
	return "payments"
}
