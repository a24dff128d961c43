package models

import "time"

// User maps to the `users` table. ID is the Telegram user id.
// Wallet is the balance in the shop currency and never goes negative.
type User struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	Username  string    `gorm:"column:username;size:255" json:"username"`
	FirstName string    `gorm:"column:first_name;size:255" json:"first_name"`
	LastName  string    `gorm:"column:last_name;size:255" json:"last_name"`
	Wallet    int64     `gorm:"column:wallet;not null;default:0;check:chk_users_wallet,wallet >= 0" json:"wallet"`
	Step      string    `gorm:"column:step;size:64;default:none" json:"step"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
}

// Conversation steps.
const (
	StepNone        = "none"
	StepTopUpAmount = "topup_amount"
)

func (User) TableName() string {
	return "users"
}
