package models

// Activity is the reward configuration of a learning activity. Subject and
// activity CRUD live in the content service; this table is a local copy.
type Activity struct {
	ID           string `gorm:"primaryKey;type:varchar(64)" json:"id"`
	SubjectID    string `gorm:"type:varchar(64);index" json:"subject_id"`
	Title        string `json:"title"`
	BaseXPReward int64  `gorm:"column:base_xp_reward;not null;default:0" json:"base_xp_reward"`
	AttemptLimit *int   `json:"attempt_limit,omitempty"` // nil = unlimited attempts

	Timestamps
}

// HasAttemptLimit reports whether submissions for this activity are throttled.
func (a *Activity) HasAttemptLimit() bool {
	return a.AttemptLimit != nil && *a.AttemptLimit > 0
}
