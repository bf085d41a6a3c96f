package app

import (
	"context"
	"regexp"
	"time"

	"docuchat/internal/model"
	"docuchat/internal/quota"
)

var dayPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

type UsageService struct {
	ledger *quota.Ledger
}

// UsageReport pairs a day's consumption with the plan's ceilings so clients
// can render remaining headroom without a second call.
type UsageReport struct {
	Day             string `json:"day"`
	Plan            string `json:"plan"`
	TokensUsed      int64  `json:"tokens_used"`
	TokenLimitDaily int64  `json:"token_limit_daily"`
	DocumentsUsed   int64  `json:"documents_used"`
	DocumentLimit   int64  `json:"document_limit"`
	SessionsUsed    int64  `json:"sessions_used"`
	SessionLimit    int64  `json:"session_limit"`
}

func NewUsageService(ledger *quota.Ledger) *UsageService {
	return &UsageService{ledger: ledger}
}

// GetUsage reports consumption for the given day, defaulting to today.
func (s *UsageService) GetUsage(ctx context.Context, userID uint, day string) (*UsageReport, error) {
	if userID == 0 {
		return nil, ErrInvalidInput
	}
	if day == "" {
		day = model.UsageDay(time.Now())
	} else if !dayPattern.MatchString(day) {
		return nil, ErrInvalidInput
	}

	plan, err := s.ledger.PlanFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	usage, err := s.ledger.GetUsage(ctx, userID, day)
	if err != nil {
		return nil, err
	}

	return &UsageReport{
		Day:             day,
		Plan:            plan.Name,
		TokensUsed:      usage.TokensUsed,
		TokenLimitDaily: plan.TokenLimitDaily,
		DocumentsUsed:   usage.DocumentsUploaded,
		DocumentLimit:   plan.DocumentLimit,
		SessionsUsed:    usage.SessionsCreated,
		SessionLimit:    plan.SessionLimit,
	}, nil
}
