package models

import (
	"time"

	"gorm.io/datatypes"
)

// Profile is the student-facing slice of the user record. Plan and payment
// state live with the billing collaborator; the bridge only ever decrements
// minute_balance through it.
type Profile struct {
	UserID      string `gorm:"column:user_id;type:uuid;primaryKey" json:"user_id"`
	DisplayName string `gorm:"column:display_name;type:text" json:"display_name"`

	MinuteBalance int64 `gorm:"column:minute_balance" json:"minute_balance"`

	Preferences datatypes.JSON `gorm:"column:preferences;type:jsonb" json:"preferences"`

	UpdatedAt time.Time `gorm:"column:updated_at;type:timestamptz" json:"updated_at"`
}

func (Profile) TableName() string { return "profiles" }
