package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"docuchat/internal/ai"
	"docuchat/internal/model"
	"docuchat/internal/quota"
	"docuchat/internal/repository"
	"docuchat/internal/retriever"
)

type fakeRetriever struct {
	results []retriever.Result
	err     error
}

func (f *fakeRetriever) Retrieve(ctx context.Context, userID uint, query string, k int) ([]retriever.Result, error) {
	return f.results, f.err
}

type fakeGenerator struct {
	answer string
	tokens int64
	err    error

	calls    int
	lastSeen []ai.ChatMessage
}

func (f *fakeGenerator) Complete(ctx context.Context, messages []ai.ChatMessage) (string, int64, error) {
	f.calls++
	f.lastSeen = messages
	if f.err != nil {
		return "", 0, f.err
	}
	return f.answer, f.tokens, nil
}

type capturingPublisher struct {
	published []model.Message
	err       error
}

func (p *capturingPublisher) Publish(ctx context.Context, msg model.Message) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, msg)
	return nil
}

type recordingCascade struct {
	calls []uint
}

func (r *recordingCascade) DeleteBySession(ctx context.Context, userID, sessionID uint) error {
	r.calls = append(r.calls, sessionID)
	return nil
}

type chatFixture struct {
	db        *gorm.DB
	svc       *ChatService
	ledger    *quota.Ledger
	retriever *fakeRetriever
	generator *fakeGenerator
	publisher *capturingPublisher
	cascade   *recordingCascade
	userID    uint
	sessionID uint
}

func newChatFixture(t *testing.T, tokenLimit, sessionLimit int64, cfg ChatConfig) *chatFixture {
	t.Helper()
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared&_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&model.User{}, &model.Plan{}, &model.UsageCounter{},
		&model.Session{}, &model.Message{},
	))
	t.Cleanup(func() { _ = sqlDB.Close() })

	plan := model.Plan{Name: "test-" + t.Name(), TokenLimitDaily: tokenLimit, DocumentLimit: 10, SessionLimit: sessionLimit, IsActive: true}
	require.NoError(t, db.Create(&plan).Error)
	user := model.User{Username: "u-" + t.Name(), Email: t.Name() + "@example.com", PasswordHash: "x", PlanID: plan.ID}
	require.NoError(t, db.Create(&user).Error)
	session := model.Session{UserID: user.ID, Title: "notes"}
	require.NoError(t, db.Create(&session).Error)

	f := &chatFixture{
		db:        db,
		ledger:    quota.NewLedger(db),
		retriever: &fakeRetriever{},
		generator: &fakeGenerator{answer: "the answer", tokens: 42},
		publisher: &capturingPublisher{},
		cascade:   &recordingCascade{},
		userID:    user.ID,
		sessionID: session.ID,
	}
	if cfg.GenerateTimeout == 0 {
		cfg.GenerateTimeout = time.Second
	}
	f.svc = NewChatService(
		repository.NewSessionRepository(db),
		repository.NewMessageRepository(db),
		f.publisher,
		nil,
		f.retriever,
		f.generator,
		f.ledger,
		f.cascade,
		cfg,
		nil,
	)
	return f
}

func (f *chatFixture) tokensUsed(t *testing.T) int64 {
	t.Helper()
	usage, err := f.ledger.GetUsage(context.Background(), f.userID, model.UsageDay(time.Now()))
	require.NoError(t, err)
	return usage.TokensUsed
}

func TestAskReturnsAnswerWithSources(t *testing.T) {
	f := newChatFixture(t, 100000, 10, ChatConfig{})
	f.retriever.results = []retriever.Result{
		{ChunkID: 11, DocumentID: 3, Ordinal: 0, Content: "alpha beta", Score: 0.9},
		{ChunkID: 12, DocumentID: 3, Ordinal: 1, Content: "gamma delta", Score: 0.7},
	}

	result, err := f.svc.Ask(context.Background(), AskInput{UserID: f.userID, SessionID: f.sessionID, Question: "what is alpha?"})
	require.NoError(t, err)
	assert.Equal(t, "the answer", result.Answer)
	require.Len(t, result.Sources, 2)
	assert.Equal(t, uint(11), result.Sources[0].ChunkID)
	assert.Equal(t, int64(42), result.TokensUsed)

	// Retrieved excerpts land in the system message, question goes last.
	require.NotEmpty(t, f.generator.lastSeen)
	assert.Equal(t, model.RoleSystem, f.generator.lastSeen[0].Role)
	assert.Contains(t, f.generator.lastSeen[0].Content, "alpha beta")
	last := f.generator.lastSeen[len(f.generator.lastSeen)-1]
	assert.Equal(t, model.RoleUser, last.Role)
	assert.Equal(t, "what is alpha?", last.Content)

	// User turn then assistant turn, assistant carrying attribution and cost.
	require.Len(t, f.publisher.published, 2)
	assert.Equal(t, model.RoleUser, f.publisher.published[0].Role)
	assistant := f.publisher.published[1]
	assert.Equal(t, model.RoleAssistant, assistant.Role)
	assert.Equal(t, []uint{11, 12}, assistant.SourceChunkIDs())
	assert.Equal(t, int64(42), assistant.Tokens)

	assert.Equal(t, int64(42), f.tokensUsed(t))
}

func TestAskWithoutDocuments(t *testing.T) {
	f := newChatFixture(t, 100000, 10, ChatConfig{})

	result, err := f.svc.Ask(context.Background(), AskInput{UserID: f.userID, SessionID: f.sessionID, Question: "anything?"})
	require.NoError(t, err)
	assert.Empty(t, result.Sources)
	assert.Equal(t, 1, f.generator.calls)
}

func TestAskGenerationFailureReleasesReservation(t *testing.T) {
	f := newChatFixture(t, 100000, 10, ChatConfig{})
	f.generator.err = errors.New("provider down")

	_, err := f.svc.Ask(context.Background(), AskInput{UserID: f.userID, SessionID: f.sessionID, Question: "anything?"})
	require.ErrorIs(t, err, ErrGeneration)

	assert.Empty(t, f.publisher.published)
	assert.Zero(t, f.tokensUsed(t))
}

func TestAskQuotaExceeded(t *testing.T) {
	f := newChatFixture(t, 10, 10, ChatConfig{MaxAnswerTokens: 100})

	_, err := f.svc.Ask(context.Background(), AskInput{UserID: f.userID, SessionID: f.sessionID, Question: "anything?"})
	var exceeded *quota.ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, quota.ResourceTokens, exceeded.Resource)
	assert.Zero(t, f.generator.calls)
	assert.Empty(t, f.publisher.published)
}

func TestAskFallsBackWhenProviderOmitsUsage(t *testing.T) {
	f := newChatFixture(t, 100000, 10, ChatConfig{})
	f.generator.tokens = 0
	f.generator.answer = "one two three"

	result, err := f.svc.Ask(context.Background(), AskInput{UserID: f.userID, SessionID: f.sessionID, Question: "count?"})
	require.NoError(t, err)
	assert.Greater(t, result.TokensUsed, int64(0))
	assert.Equal(t, result.TokensUsed, f.tokensUsed(t))
}

func TestAskUnknownSession(t *testing.T) {
	f := newChatFixture(t, 100000, 10, ChatConfig{})

	_, err := f.svc.Ask(context.Background(), AskInput{UserID: f.userID, SessionID: f.sessionID + 99, Question: "x?"})
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestAssemblePromptDropsOldestHistoryFirst(t *testing.T) {
	f := newChatFixture(t, 100000, 10, ChatConfig{MaxPromptTokens: 40})

	history := []model.Message{
		{Role: model.RoleUser, Content: strings.Repeat("old ", 15)},
		{Role: model.RoleAssistant, Content: "short reply"},
	}
	hits := []retriever.Result{
		{ChunkID: 1, Content: "chunk one text", Score: 0.9},
		{ChunkID: 2, Content: "chunk two text", Score: 0.5},
	}

	messages, kept, total := f.svc.assemblePrompt("the question", history, hits)
	assert.LessOrEqual(t, int(total), 40)
	// Both chunks survive; only the bulky old history message is dropped.
	assert.Len(t, kept, 2)
	var contents []string
	for _, m := range messages {
		contents = append(contents, m.Content)
	}
	joined := strings.Join(contents, "\n")
	assert.NotContains(t, joined, "old old")
	assert.Contains(t, joined, "short reply")
	assert.Contains(t, joined, "chunk one text")
}

func TestAssemblePromptDropsWeakestChunksAfterHistory(t *testing.T) {
	f := newChatFixture(t, 100000, 10, ChatConfig{MaxPromptTokens: 30})

	hits := []retriever.Result{
		{ChunkID: 1, Content: "best chunk", Score: 0.9},
		{ChunkID: 2, Content: "weaker chunk of much greater length here", Score: 0.4},
	}

	_, kept, total := f.svc.assemblePrompt("question", nil, hits)
	assert.LessOrEqual(t, int(total), 30)
	require.Len(t, kept, 1)
	assert.Equal(t, uint(1), kept[0].ChunkID)
}

func TestCreateSessionQuota(t *testing.T) {
	f := newChatFixture(t, 100000, 1, ChatConfig{})

	_, err := f.svc.CreateSession(context.Background(), CreateSessionInput{UserID: f.userID, Title: "first"})
	require.NoError(t, err)

	_, err = f.svc.CreateSession(context.Background(), CreateSessionInput{UserID: f.userID, Title: "second"})
	var exceeded *quota.ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, quota.ResourceSessions, exceeded.Resource)
}

func TestDeleteSessionCascades(t *testing.T) {
	f := newChatFixture(t, 100000, 10, ChatConfig{})
	msgRepo := repository.NewMessageRepository(f.db)
	require.NoError(t, msgRepo.Create(&model.Message{SessionID: f.sessionID, UserID: f.userID, Role: model.RoleUser, Content: "hi"}))

	require.NoError(t, f.svc.DeleteSession(context.Background(), f.userID, f.sessionID))

	assert.Equal(t, []uint{f.sessionID}, f.cascade.calls)
	remaining, err := msgRepo.ListBySessionID(f.sessionID, 10)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	err = f.svc.DeleteSession(context.Background(), f.userID, f.sessionID)
	require.ErrorIs(t, err, ErrSessionNotFound)
}
