package model

import "time"

// UsageCounter is one row per user per calendar day. Counters only grow
// within a day; "reset" is querying the next day's row, created on first use.
type UsageCounter struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	UserID            uint      `gorm:"not null;uniqueIndex:idx_usage_user_day" json:"user_id"`
	Day               string    `gorm:"size:10;not null;uniqueIndex:idx_usage_user_day" json:"day"` // YYYY-MM-DD
	TokensUsed        int64     `gorm:"not null;default:0" json:"tokens_used"`
	DocumentsUploaded int64     `gorm:"not null;default:0" json:"documents_uploaded"`
	SessionsCreated   int64     `gorm:"not null;default:0" json:"sessions_created"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// UsageDay formats t in the counter's day key layout.
func UsageDay(t time.Time) string {
	return t.Format("2006-01-02")
}
