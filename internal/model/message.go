package model

import (
	"encoding/json"
	"time"
)

type Message struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	SessionID uint      `gorm:"not null;index" json:"session_id"`
	UserID    uint      `gorm:"not null;index" json:"user_id"`
	Role      string    `gorm:"size:16;not null;index" json:"role"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	Sources   string    `gorm:"type:text" json:"sources,omitempty"` // JSON array of chunk IDs for assistant turns
	Tokens    int64     `gorm:"not null;default:0" json:"tokens"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// SourceChunkIDs returns the parsed source attribution list; empty on parse error.
func (m *Message) SourceChunkIDs() []uint {
	if m.Sources == "" {
		return nil
	}
	var ids []uint
	_ = json.Unmarshal([]byte(m.Sources), &ids)
	return ids
}

// SetSourceChunkIDs stores the attribution list as JSON.
func (m *Message) SetSourceChunkIDs(ids []uint) {
	if len(ids) == 0 {
		m.Sources = "[]"
		return
	}
	b, _ := json.Marshal(ids)
	m.Sources = string(b)
}
