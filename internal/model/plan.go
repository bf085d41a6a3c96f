package model

import "time"

// Plan is a named limit set. Read-only at request time; quota checks
// reference plans but never mutate them.
type Plan struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	Name            string    `gorm:"size:50;not null;uniqueIndex" json:"name"`
	TokenLimitDaily int64     `gorm:"not null" json:"token_limit_daily"`
	DocumentLimit   int64     `gorm:"not null" json:"document_limit"`
	SessionLimit    int64     `gorm:"not null" json:"session_limit"`
	PriceMonthly    float64   `gorm:"type:decimal(10,2);not null;default:0" json:"price_monthly"`
	IsActive        bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
}

const (
	PlanFree       = "free"
	PlanPro        = "pro"
	PlanEnterprise = "enterprise"
)

// DefaultPlans are seeded on startup when the plan table is empty.
func DefaultPlans() []Plan {
	return []Plan{
		{Name: PlanFree, TokenLimitDaily: 10000, DocumentLimit: 5, SessionLimit: 3, PriceMonthly: 0, IsActive: true},
		{Name: PlanPro, TokenLimitDaily: 100000, DocumentLimit: 50, SessionLimit: 25, PriceMonthly: 19.99, IsActive: true},
		{Name: PlanEnterprise, TokenLimitDaily: 1000000, DocumentLimit: 500, SessionLimit: 100, PriceMonthly: 99.99, IsActive: true},
	}
}
