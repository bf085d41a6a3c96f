package model

import "time"

// DocumentChunk is immutable once created and destroyed with its document.
// VectorRef points at the record held in the owner's vector index partition.
type DocumentChunk struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	DocumentID uint      `gorm:"not null;index" json:"document_id"`
	Ordinal    int       `gorm:"not null" json:"ordinal"`
	Content    string    `gorm:"type:text;not null" json:"content"`
	StartOff   int       `gorm:"not null" json:"start_off"`
	EndOff     int       `gorm:"not null" json:"end_off"`
	TokenCount int       `gorm:"not null" json:"token_count"`
	VectorRef  string    `gorm:"size:64;not null" json:"vector_ref"`
	CreatedAt  time.Time `json:"created_at"`
}
