// Package quota enforces per-user daily limits via atomic check-and-increment
// against usage counter rows. One row per user per day, created on first use;
// "resetting" at midnight is just addressing the next day's row.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"docuchat/internal/model"
)

type Resource string

const (
	ResourceTokens    Resource = "tokens"
	ResourceDocuments Resource = "documents"
	ResourceSessions  Resource = "sessions"
)

var ErrUserNotFound = errors.New("user not found")

// ExceededError is the expected user-facing condition, not a system fault.
// It carries current usage against the plan limit for actionable messages.
type ExceededError struct {
	Resource  Resource
	Used      int64
	Limit     int64
	Requested int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("daily %s quota exceeded: used %d of %d, requested %d more",
		e.Resource, e.Used, e.Limit, e.Requested)
}

// Ledger performs linearizable reservations per user. The check-then-increment
// is a single conditional UPDATE, so two racing reservations can never both
// succeed past the limit. Plans are read-only at request time and cached.
type Ledger struct {
	db    *gorm.DB
	plans *gocache.Cache
	now   func() time.Time
}

func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{
		db:    db,
		plans: gocache.New(5*time.Minute, 10*time.Minute),
		now:   time.Now,
	}
}

// Reserve atomically checks and increments the user's counter for today.
// amount must be positive. Returns *ExceededError when the plan limit would
// be crossed.
func (l *Ledger) Reserve(ctx context.Context, userID uint, res Resource, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("reserve amount must be positive, got %d", amount)
	}
	plan, err := l.PlanFor(ctx, userID)
	if err != nil {
		return err
	}
	col, limit := counterColumn(res, plan)
	day := model.UsageDay(l.now())

	if err := l.ensureRow(ctx, userID, day); err != nil {
		return err
	}

	result := l.db.WithContext(ctx).
		Model(&model.UsageCounter{}).
		Where("user_id = ? AND day = ? AND "+col+" + ? <= ?", userID, day, amount, limit).
		Update(col, gorm.Expr(col+" + ?", amount))
	if result.Error != nil {
		return fmt.Errorf("reserve %s failed: %w", res, result.Error)
	}
	if result.RowsAffected == 0 {
		usage, err := l.GetUsage(ctx, userID, day)
		if err != nil {
			return err
		}
		return &ExceededError{Resource: res, Used: counterValue(res, usage), Limit: limit, Requested: amount}
	}
	return nil
}

// CommitDelta adjusts today's counter by actual minus estimated usage. The
// delta may be negative (the estimate was high) or push usage past the limit
// (accepted overshoot: the response was already generated). The counter never
// goes below zero.
func (l *Ledger) CommitDelta(ctx context.Context, userID uint, res Resource, delta int64) error {
	if delta == 0 {
		return nil
	}
	col, _ := res.column()
	day := model.UsageDay(l.now())

	if err := l.ensureRow(ctx, userID, day); err != nil {
		return err
	}
	expr := gorm.Expr(col+" + ?", delta)
	if delta < 0 {
		expr = gorm.Expr("CASE WHEN "+col+" + ? < 0 THEN 0 ELSE "+col+" + ? END", delta, delta)
	}
	result := l.db.WithContext(ctx).
		Model(&model.UsageCounter{}).
		Where("user_id = ? AND day = ?", userID, day).
		Update(col, expr)
	if result.Error != nil {
		return fmt.Errorf("commit %s delta failed: %w", res, result.Error)
	}
	return nil
}

// GetUsage returns the user's counter for the given day (YYYY-MM-DD). A day
// with no activity yields a zero-valued counter, not an error.
func (l *Ledger) GetUsage(ctx context.Context, userID uint, day string) (*model.UsageCounter, error) {
	var counter model.UsageCounter
	err := l.db.WithContext(ctx).Where("user_id = ? AND day = ?", userID, day).First(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &model.UsageCounter{UserID: userID, Day: day}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query usage counter failed: %w", err)
	}
	return &counter, nil
}

// PlanFor resolves the user's plan, served from a short-lived cache.
func (l *Ledger) PlanFor(ctx context.Context, userID uint) (*model.Plan, error) {
	key := fmt.Sprintf("user-plan:%d", userID)
	if cached, ok := l.plans.Get(key); ok {
		return cached.(*model.Plan), nil
	}

	var user model.User
	if err := l.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("query user failed: %w", err)
	}
	var plan model.Plan
	if err := l.db.WithContext(ctx).First(&plan, user.PlanID).Error; err != nil {
		return nil, fmt.Errorf("query plan failed: %w", err)
	}
	l.plans.SetDefault(key, &plan)
	return &plan, nil
}

func (l *Ledger) ensureRow(ctx context.Context, userID uint, day string) error {
	err := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.UsageCounter{UserID: userID, Day: day}).Error
	if err != nil {
		return fmt.Errorf("create usage counter row failed: %w", err)
	}
	return nil
}

func (r Resource) column() (string, bool) {
	switch r {
	case ResourceTokens:
		return "tokens_used", true
	case ResourceDocuments:
		return "documents_uploaded", true
	case ResourceSessions:
		return "sessions_created", true
	}
	return "", false
}

func counterColumn(res Resource, plan *model.Plan) (col string, limit int64) {
	col, _ = res.column()
	switch res {
	case ResourceTokens:
		return col, plan.TokenLimitDaily
	case ResourceDocuments:
		return col, plan.DocumentLimit
	default:
		return col, plan.SessionLimit
	}
}

func counterValue(res Resource, c *model.UsageCounter) int64 {
	switch res {
	case ResourceTokens:
		return c.TokensUsed
	case ResourceDocuments:
		return c.DocumentsUploaded
	default:
		return c.SessionsCreated
	}
}
