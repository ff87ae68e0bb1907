package models

import (
	"time"

	"gorm.io/gorm"
)

// Student is the progression state of one learner. ID is the identity issued by
// the profile service and forwarded by the gateway as X-User-ID.
type Student struct {
	ID       string `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Username string `gorm:"index" json:"username"`
	Email    string `json:"email,omitempty"`

	// Core progression
	Level               int   `gorm:"not null;default:1" json:"level"`
	XPInLevel           int64 `gorm:"column:xp_in_level;not null;default:0" json:"xp_in_level"`
	Coins               int64 `gorm:"not null;default:0" json:"coins"`
	ActivitiesCompleted int64 `gorm:"not null;default:0" json:"activities_completed"`

	// Daily streak
	StreakCount     int        `gorm:"not null;default:0" json:"streak_count"`
	StreakLastCheck *time.Time `json:"streak_last_check,omitempty"`

	// Optimistic concurrency token, bumped on every progression write
	Version int64 `gorm:"not null;default:0" json:"-"`

	Timestamps
}

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}
