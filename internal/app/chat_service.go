package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"docuchat/internal/ai"
	"docuchat/internal/model"
	"docuchat/internal/pkg/tokenizer"
	"docuchat/internal/quota"
	"docuchat/internal/repository"
	"docuchat/internal/retriever"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrMessageEmpty    = errors.New("message content is empty")
	ErrMessageEnqueue  = errors.New("message enqueue failed")
	ErrGeneration      = errors.New("answer generation failed")
)

const systemPrompt = "You are a helpful assistant. Answer the question using the provided document excerpts. " +
	"If the excerpts do not contain the answer, say so instead of guessing."

type AsyncMessagePublisher interface {
	Publish(ctx context.Context, msg model.Message) error
}

type HistoryCache interface {
	GetHistory(ctx context.Context, sessionID uint) ([]model.Message, bool, error)
	SetHistory(ctx context.Context, sessionID uint, messages []model.Message) error
	DeleteHistory(ctx context.Context, sessionID uint) error
	MarkDirty(ctx context.Context, sessionID uint) error
	IsDirty(ctx context.Context, sessionID uint) (bool, error)
}

type ChunkRetriever interface {
	Retrieve(ctx context.Context, userID uint, query string, k int) ([]retriever.Result, error)
}

type AnswerGenerator interface {
	Complete(ctx context.Context, messages []ai.ChatMessage) (string, int64, error)
}

// SessionCascade tears down the session's documents when the session goes away.
type SessionCascade interface {
	DeleteBySession(ctx context.Context, userID, sessionID uint) error
}

type ChatConfig struct {
	MaxContextMessages int
	TopK               int
	MaxPromptTokens    int
	MaxAnswerTokens    int
	GenerateTimeout    time.Duration
}

type ChatService struct {
	sessionRepo  *repository.SessionRepository
	messageRepo  *repository.MessageRepository
	publisher    AsyncMessagePublisher
	historyCache HistoryCache
	retriever    ChunkRetriever
	generator    AnswerGenerator
	ledger       *quota.Ledger
	docs         SessionCascade
	tok          tokenizer.Tokenizer
	cfg          ChatConfig
	log          *zap.Logger
}

type CreateSessionInput struct {
	UserID uint
	Title  string
}

type AskInput struct {
	UserID    uint
	SessionID uint
	Question  string
	TopK      int // 0 = configured default
}

// Source is one document excerpt the answer was grounded on.
type Source struct {
	ChunkID    uint    `json:"chunk_id"`
	DocumentID uint    `json:"document_id"`
	Ordinal    int     `json:"ordinal"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
}

type AskResult struct {
	Answer     string   `json:"answer"`
	Sources    []Source `json:"sources"`
	TokensUsed int64    `json:"tokens_used"`
}

func NewChatService(
	sessionRepo *repository.SessionRepository,
	messageRepo *repository.MessageRepository,
	publisher AsyncMessagePublisher,
	historyCache HistoryCache,
	chunkRetriever ChunkRetriever,
	generator AnswerGenerator,
	ledger *quota.Ledger,
	docs SessionCascade,
	cfg ChatConfig,
	log *zap.Logger,
) *ChatService {
	if cfg.MaxContextMessages <= 0 {
		cfg.MaxContextMessages = 20
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.MaxPromptTokens <= 0 {
		cfg.MaxPromptTokens = 3000
	}
	if cfg.MaxAnswerTokens <= 0 {
		cfg.MaxAnswerTokens = 1024
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ChatService{
		sessionRepo:  sessionRepo,
		messageRepo:  messageRepo,
		publisher:    publisher,
		historyCache: historyCache,
		retriever:    chunkRetriever,
		generator:    generator,
		ledger:       ledger,
		docs:         docs,
		tok:          tokenizer.Simple{},
		cfg:          cfg,
		log:          log,
	}
}

func (s *ChatService) CreateSession(ctx context.Context, input CreateSessionInput) (*model.Session, error) {
	if input.UserID == 0 {
		return nil, ErrInvalidInput
	}

	if err := s.ledger.Reserve(ctx, input.UserID, quota.ResourceSessions, 1); err != nil {
		return nil, err
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = "New Chat"
	}

	session := &model.Session{
		UserID: input.UserID,
		Title:  title,
	}
	if err := s.sessionRepo.Create(session); err != nil {
		if dErr := s.ledger.CommitDelta(ctx, input.UserID, quota.ResourceSessions, -1); dErr != nil {
			s.log.Error("release session reservation failed", zap.Uint("user_id", input.UserID), zap.Error(dErr))
		}
		return nil, err
	}
	return session, nil
}

func (s *ChatService) ListSessions(userID uint) ([]model.Session, error) {
	if userID == 0 {
		return nil, ErrInvalidInput
	}
	return s.sessionRepo.ListByUserID(userID)
}

// DeleteSession removes the session with everything attached to it: its
// documents (index records, chunks, files), messages, and cached history.
// The session counter is a creations-per-day count, so deletion does not
// refund it.
func (s *ChatService) DeleteSession(ctx context.Context, userID, sessionID uint) error {
	if userID == 0 || sessionID == 0 {
		return ErrInvalidInput
	}
	session, err := s.sessionRepo.GetByIDAndUserID(sessionID, userID)
	if err != nil {
		return err
	}
	if session == nil {
		return ErrSessionNotFound
	}
	if s.docs != nil {
		if err := s.docs.DeleteBySession(ctx, userID, sessionID); err != nil {
			return err
		}
	}
	if err := s.messageRepo.DeleteBySessionID(sessionID); err != nil {
		return err
	}
	if err := s.sessionRepo.DeleteByIDAndUserID(sessionID, userID); err != nil {
		return err
	}
	if s.historyCache != nil {
		_ = s.historyCache.DeleteHistory(ctx, sessionID)
	}
	return nil
}

func (s *ChatService) GetHistory(ctx context.Context, userID, sessionID uint, limit int) ([]model.Message, error) {
	if userID == 0 || sessionID == 0 {
		return nil, ErrInvalidInput
	}

	session, err := s.sessionRepo.GetByIDAndUserID(sessionID, userID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}

	if s.historyCache != nil {
		dirty, err := s.historyCache.IsDirty(ctx, sessionID)
		if err == nil && !dirty {
			if cached, hit, cacheErr := s.historyCache.GetHistory(ctx, sessionID); cacheErr == nil && hit {
				return trimMessages(cached, limit), nil
			}
		}
	}

	messages, err := s.messageRepo.ListBySessionID(sessionID, limit)
	if err != nil {
		return nil, err
	}
	if s.historyCache != nil {
		if dirty, dirtyErr := s.historyCache.IsDirty(ctx, sessionID); dirtyErr == nil && !dirty {
			_ = s.historyCache.SetHistory(ctx, sessionID, messages)
		}
	}
	return messages, nil
}

// Ask answers a question against the user's indexed documents.
//
// Token accounting is reserve-then-settle: the full prompt plus the answer
// ceiling is reserved up front, and after generation the reservation is
// adjusted to what the provider actually charged. Generation runs detached
// from the request context so a dropped client does not waste the reserved
// tokens on a half-finished call.
func (s *ChatService) Ask(ctx context.Context, input AskInput) (*AskResult, error) {
	if input.UserID == 0 || input.SessionID == 0 {
		return nil, ErrInvalidInput
	}
	question := strings.TrimSpace(input.Question)
	if question == "" {
		return nil, ErrMessageEmpty
	}

	session, err := s.sessionRepo.GetByIDAndUserID(input.SessionID, input.UserID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}

	history, err := s.messageRepo.ListRecentBySessionID(input.SessionID, s.cfg.MaxContextMessages)
	if err != nil {
		return nil, err
	}

	topK := input.TopK
	if topK <= 0 || topK > s.cfg.TopK {
		topK = s.cfg.TopK
	}
	hits, err := s.retriever.Retrieve(ctx, input.UserID, question, topK)
	if err != nil {
		return nil, err
	}

	promptMessages, kept, promptTokens := s.assemblePrompt(question, history, hits)
	estimate := promptTokens + int64(s.cfg.MaxAnswerTokens)

	if err := s.ledger.Reserve(ctx, input.UserID, quota.ResourceTokens, estimate); err != nil {
		return nil, err
	}

	// Detached from the request context: settlement and persistence must run
	// even when the client disconnects mid-generation.
	settleCtx := context.WithoutCancel(ctx)
	genCtx, cancel := context.WithTimeout(settleCtx, s.cfg.GenerateTimeout)
	defer cancel()
	answer, actualTokens, err := s.generator.Complete(genCtx, promptMessages)
	if err != nil {
		if dErr := s.ledger.CommitDelta(settleCtx, input.UserID, quota.ResourceTokens, -estimate); dErr != nil {
			s.log.Error("release token reservation failed", zap.Uint("user_id", input.UserID), zap.Error(dErr))
		}
		return nil, fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		answer = "The model returned an empty response."
	}
	if actualTokens <= 0 {
		actualTokens = promptTokens + int64(s.tok.Count(answer))
	}
	if err := s.ledger.CommitDelta(settleCtx, input.UserID, quota.ResourceTokens, actualTokens-estimate); err != nil {
		s.log.Error("settle token usage failed", zap.Uint("user_id", input.UserID), zap.Error(err))
	}

	if err := s.persistTurn(settleCtx, input, question, answer, kept, actualTokens); err != nil {
		return nil, err
	}

	sources := make([]Source, 0, len(kept))
	for _, h := range kept {
		sources = append(sources, Source{
			ChunkID:    h.ChunkID,
			DocumentID: h.DocumentID,
			Ordinal:    h.Ordinal,
			Content:    h.Content,
			Score:      h.Score,
		})
	}
	return &AskResult{Answer: answer, Sources: sources, TokensUsed: actualTokens}, nil
}

// assemblePrompt lays out system prompt, retrieved excerpts, history, and the
// question, then trims to the prompt token budget. History gives way first,
// oldest message out first; if that is not enough the weakest-scoring
// excerpts go next. The question itself is never dropped.
func (s *ChatService) assemblePrompt(question string, history []model.Message, hits []retriever.Result) ([]ai.ChatMessage, []retriever.Result, int64) {
	fixed := s.tok.Count(systemPrompt) + s.tok.Count(question)

	chunkCost := make([]int, len(hits))
	historyCost := make([]int, len(history))
	total := fixed
	for i, h := range hits {
		chunkCost[i] = s.tok.Count(h.Content)
		total += chunkCost[i]
	}
	for i, m := range history {
		historyCost[i] = s.tok.Count(m.Content)
		total += historyCost[i]
	}

	dropHistory := 0
	for total > s.cfg.MaxPromptTokens && dropHistory < len(history) {
		total -= historyCost[dropHistory]
		dropHistory++
	}

	keepChunks := len(hits)
	for total > s.cfg.MaxPromptTokens && keepChunks > 0 {
		keepChunks--
		total -= chunkCost[keepChunks]
	}

	history = history[dropHistory:]
	kept := hits[:keepChunks]

	var sb strings.Builder
	sb.WriteString(systemPrompt)
	if len(kept) > 0 {
		sb.WriteString("\n\nDocument excerpts:\n")
		for i, h := range kept {
			fmt.Fprintf(&sb, "[%d] %s\n", i+1, h.Content)
		}
	}

	messages := make([]ai.ChatMessage, 0, len(history)+2)
	messages = append(messages, ai.ChatMessage{Role: model.RoleSystem, Content: sb.String()})
	for _, m := range history {
		role := m.Role
		if role == "" {
			role = model.RoleUser
		}
		messages = append(messages, ai.ChatMessage{Role: role, Content: m.Content})
	}
	messages = append(messages, ai.ChatMessage{Role: model.RoleUser, Content: question})

	return messages, kept, int64(total)
}

func (s *ChatService) persistTurn(ctx context.Context, input AskInput, question, answer string, sources []retriever.Result, tokens int64) error {
	if s.publisher == nil {
		return ErrMessageEnqueue
	}
	if s.historyCache != nil {
		_ = s.historyCache.MarkDirty(ctx, input.SessionID)
		_ = s.historyCache.DeleteHistory(ctx, input.SessionID)
	}

	now := time.Now()
	userMessage := model.Message{
		SessionID: input.SessionID,
		UserID:    input.UserID,
		Role:      model.RoleUser,
		Content:   question,
		CreatedAt: now,
	}
	if err := s.publisher.Publish(ctx, userMessage); err != nil {
		return ErrMessageEnqueue
	}

	chunkIDs := make([]uint, 0, len(sources))
	for _, src := range sources {
		chunkIDs = append(chunkIDs, src.ChunkID)
	}
	assistantMessage := model.Message{
		SessionID: input.SessionID,
		UserID:    input.UserID,
		Role:      model.RoleAssistant,
		Content:   answer,
		Tokens:    tokens,
		CreatedAt: now,
	}
	assistantMessage.SetSourceChunkIDs(chunkIDs)
	if err := s.publisher.Publish(ctx, assistantMessage); err != nil {
		return ErrMessageEnqueue
	}
	return nil
}

func trimMessages(messages []model.Message, limit int) []model.Message {
	if limit <= 0 || limit >= len(messages) {
		return messages
	}
	return messages[len(messages)-limit:]
}
