package models

import (
	"time"
)

// SessionModel is the archived form of a completed session. The in-memory
// broker keeps only the most recent completed sessions; everything older
// survives here for post-hoc inspection.
type SessionModel struct {
	ID           string `gorm:"primaryKey;size:64"`
	Fingerprint  string `gorm:"index;size:64"`
	Model        string `gorm:"size:128"`
	State        string `gorm:"size:32;not null"`
	Source       string `gorm:"size:16"`
	Status       int
	Content      string `gorm:"type:text"`
	FinishReason string `gorm:"size:32"`
	Error        string `gorm:"type:text"`
	Detail       string `gorm:"type:text"` // Full session JSON
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

// TableName pins the table name.
func (SessionModel) TableName() string {
	return "sessions"
}
