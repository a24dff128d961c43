package models

import "gorm.io/datatypes"

// PlanFlags is stored as JSON in plans.flags.
type PlanFlags struct {
	AdminOnly   bool `json:"admin_only,omitempty"`
	Test        bool `json:"test,omitempty"`
	DeviceLimit int  `json:"device_limit,omitempty"`
}

// Plan maps to the `plans` table. ID is a short slug such as "vol_lite".
// GB = 0 means unlimited traffic.
type Plan struct {
	ID        string                        `gorm:"column:id;primaryKey;size:64" json:"id"`
	Title     string                        `gorm:"column:title;size:255" json:"title"`
	Days      int                           `gorm:"column:days" json:"days"`
	GB        int                           `gorm:"column:gb" json:"gb"`
	Price     int64                         `gorm:"column:price" json:"price"`
	Flags     datatypes.JSONType[PlanFlags] `gorm:"column:flags;type:text" json:"flags"`
	SortOrder int                           `gorm:"column:sort_order;default:0" json:"sort_order"`
}

func (Plan) TableName() string {
	return "plans"
}

// Options returns the decoded flags.
func (p *Plan) Options() PlanFlags {
	return p.Flags.Data()
}

// Unlimited reports whether the plan carries no traffic cap.
func (p *Plan) Unlimited() bool {
	return p.GB <= 0
}
