package model

import "time"

// Document processing states. Transitions: pending -> processing -> completed | failed.
// The pending -> processing transition is claimed by exactly one worker via a
// conditional update on Status.
const (
	DocStatusPending    = "pending"
	DocStatusProcessing = "processing"
	DocStatusCompleted  = "completed"
	DocStatusFailed     = "failed"
)

type Document struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	UserID      uint      `gorm:"not null;index" json:"user_id"`
	SessionID   uint      `gorm:"index" json:"session_id"` // 0 = no session
	Filename    string    `gorm:"size:256;not null" json:"filename"`
	StoredPath  string    `gorm:"size:512;not null" json:"-"`
	ContentHash string    `gorm:"size:64;index" json:"content_hash"` // sha256 hex, set during processing
	Status      string    `gorm:"size:16;not null;index;default:pending" json:"status"`
	ErrorDetail string    `gorm:"type:text" json:"error_detail,omitempty"`
	Text        string    `gorm:"type:longtext" json:"-"` // extracted text, set during processing
	TokensUsed  int64     `gorm:"not null;default:0" json:"tokens_used"`
	ChunkCount  int       `gorm:"not null;default:0" json:"chunk_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
