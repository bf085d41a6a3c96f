package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"docuchat/internal/model"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared&_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&model.User{}, &model.Plan{}, &model.UsageCounter{}))
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func seedUser(t *testing.T, db *gorm.DB, tokenLimit, docLimit, sessionLimit int64) uint {
	t.Helper()
	plan := model.Plan{Name: "test-" + t.Name(), TokenLimitDaily: tokenLimit, DocumentLimit: docLimit, SessionLimit: sessionLimit, IsActive: true}
	require.NoError(t, db.Create(&plan).Error)
	user := model.User{Username: "u-" + t.Name(), Email: t.Name() + "@example.com", PasswordHash: "x", PlanID: plan.ID}
	require.NoError(t, db.Create(&user).Error)
	return user.ID
}

func TestReserveWithinLimit(t *testing.T) {
	db := newTestDB(t)
	userID := seedUser(t, db, 100, 5, 3)
	l := NewLedger(db)
	ctx := context.Background()

	require.NoError(t, l.Reserve(ctx, userID, ResourceTokens, 60))
	require.NoError(t, l.Reserve(ctx, userID, ResourceTokens, 40))

	usage, err := l.GetUsage(ctx, userID, model.UsageDay(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, int64(100), usage.TokensUsed)
}

func TestReserveRejectsOverLimit(t *testing.T) {
	db := newTestDB(t)
	userID := seedUser(t, db, 100, 5, 3)
	l := NewLedger(db)
	ctx := context.Background()

	require.NoError(t, l.Reserve(ctx, userID, ResourceTokens, 90))

	err := l.Reserve(ctx, userID, ResourceTokens, 20)
	var exceeded *ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, ResourceTokens, exceeded.Resource)
	assert.Equal(t, int64(90), exceeded.Used)
	assert.Equal(t, int64(100), exceeded.Limit)
	assert.Equal(t, int64(20), exceeded.Requested)

	// Exactly reaching the limit is allowed.
	require.NoError(t, l.Reserve(ctx, userID, ResourceTokens, 10))
}

func TestConcurrentReservesNeverExceedLimit(t *testing.T) {
	db := newTestDB(t)
	userID := seedUser(t, db, 100, 5, 3)
	l := NewLedger(db)
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, rejected := 0, 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Reserve(ctx, userID, ResourceTokens, 10)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
				return
			}
			var exceeded *ExceededError
			if errors.As(err, &exceeded) {
				rejected++
			} else {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	// Exactly enough reservations succeed to reach the limit.
	assert.Equal(t, 10, succeeded)
	assert.Equal(t, workers-10, rejected)

	usage, err := l.GetUsage(ctx, userID, model.UsageDay(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, int64(100), usage.TokensUsed)
}

func TestCommitDeltaAdjustsEstimate(t *testing.T) {
	db := newTestDB(t)
	userID := seedUser(t, db, 1000, 5, 3)
	l := NewLedger(db)
	ctx := context.Background()
	day := model.UsageDay(time.Now())

	require.NoError(t, l.Reserve(ctx, userID, ResourceTokens, 500))

	// Actual came in below the estimate.
	require.NoError(t, l.CommitDelta(ctx, userID, ResourceTokens, -120))
	usage, err := l.GetUsage(ctx, userID, day)
	require.NoError(t, err)
	assert.Equal(t, int64(380), usage.TokensUsed)

	// Actual above the estimate: overshoot is recorded, not blocked.
	require.NoError(t, l.Reserve(ctx, userID, ResourceTokens, 600))
	require.NoError(t, l.CommitDelta(ctx, userID, ResourceTokens, 150))
	usage, err = l.GetUsage(ctx, userID, day)
	require.NoError(t, err)
	assert.Equal(t, int64(1130), usage.TokensUsed)
}

func TestCommitDeltaFloorsAtZero(t *testing.T) {
	db := newTestDB(t)
	userID := seedUser(t, db, 1000, 5, 3)
	l := NewLedger(db)
	ctx := context.Background()

	require.NoError(t, l.Reserve(ctx, userID, ResourceTokens, 10))
	require.NoError(t, l.CommitDelta(ctx, userID, ResourceTokens, -50))

	usage, err := l.GetUsage(ctx, userID, model.UsageDay(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.TokensUsed)
}

func TestDayBoundaryUsesFreshRow(t *testing.T) {
	db := newTestDB(t)
	userID := seedUser(t, db, 100, 5, 3)
	l := NewLedger(db)
	ctx := context.Background()

	day1 := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	day2 := day1.Add(2 * time.Hour)

	l.now = func() time.Time { return day1 }
	require.NoError(t, l.Reserve(ctx, userID, ResourceTokens, 100))
	err := l.Reserve(ctx, userID, ResourceTokens, 1)
	var exceeded *ExceededError
	require.ErrorAs(t, err, &exceeded)

	// Next day: a fresh (logical) counter. Yesterday's row is untouched.
	l.now = func() time.Time { return day2 }
	require.NoError(t, l.Reserve(ctx, userID, ResourceTokens, 100))

	yesterday, err := l.GetUsage(ctx, userID, model.UsageDay(day1))
	require.NoError(t, err)
	assert.Equal(t, int64(100), yesterday.TokensUsed)
}

func TestSessionAndDocumentResources(t *testing.T) {
	db := newTestDB(t)
	userID := seedUser(t, db, 100, 2, 1)
	l := NewLedger(db)
	ctx := context.Background()

	require.NoError(t, l.Reserve(ctx, userID, ResourceSessions, 1))
	err := l.Reserve(ctx, userID, ResourceSessions, 1)
	var exceeded *ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, ResourceSessions, exceeded.Resource)

	require.NoError(t, l.Reserve(ctx, userID, ResourceDocuments, 2))
	require.ErrorAs(t, l.Reserve(ctx, userID, ResourceDocuments, 1), &exceeded)
}

func TestGetUsageUnknownDayIsZero(t *testing.T) {
	db := newTestDB(t)
	userID := seedUser(t, db, 100, 5, 3)
	l := NewLedger(db)

	usage, err := l.GetUsage(context.Background(), userID, "2020-01-01")
	require.NoError(t, err)
	assert.Zero(t, usage.TokensUsed)
	assert.Zero(t, usage.DocumentsUploaded)
	assert.Zero(t, usage.SessionsCreated)
}
