package bootstrap

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"docuchat/internal/ai"
	"docuchat/internal/chunker"
	"docuchat/internal/config"
	"docuchat/internal/model"
	"docuchat/internal/pipeline"
	"docuchat/internal/pkg/tokenizer"
	loggerPkg "docuchat/internal/platform/logger"
	mysqlClient "docuchat/internal/platform/mysql"
	rabbitmqClient "docuchat/internal/platform/rabbitmq"
	redisClient "docuchat/internal/platform/redis"
	"docuchat/internal/quota"
	"docuchat/internal/repository"
	"docuchat/internal/vectorstore"
	"docuchat/internal/worker"
)

// App owns every shared dependency: config, connections, the vector index,
// and the background consumers. Transport wiring builds on top of it.
type App struct {
	Config *config.Config
	Log    *zap.Logger
	MySQL  *gorm.DB
	Redis  *redis.Client
	MQConn *amqp.Connection
	Index  *vectorstore.Manager
	Ledger *quota.Ledger

	Embedder  *ai.Embedder
	Generator *ai.Generator

	IngestWorker  *pipeline.IngestWorker
	MessageWorker *worker.MessagePersistWorker

	StartedAt time.Time
}

func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}

	log, err := loggerPkg.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	mysqlDB, err := mysqlClient.New(ctx, cfg.MySQLDSN())
	if err != nil {
		return nil, err
	}
	if err := mysqlDB.AutoMigrate(
		&model.User{},
		&model.Plan{},
		&model.UsageCounter{},
		&model.Session{},
		&model.Message{},
		&model.Document{},
		&model.DocumentChunk{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate tables failed: %w", err)
	}
	if err := repository.NewPlanRepository(mysqlDB).SeedDefaults(); err != nil {
		return nil, err
	}

	redisCli, err := redisClient.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}

	mqConn, err := rabbitmqClient.New(ctx, cfg.RabbitMQ.URL)
	if err != nil {
		return nil, err
	}

	index, err := vectorstore.NewManager(
		filepath.Join(cfg.Storage.DataDir, "index"),
		cfg.LLM.EmbeddingModel,
		log,
	)
	if err != nil {
		return nil, err
	}

	llmClient := ai.NewOpenAICompatibleClient(time.Duration(cfg.LLM.RequestTimeoutSec) * time.Second)
	embedder := ai.NewEmbedder(llmClient, ai.EmbeddingConfig{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.EmbeddingModel,
	})
	generator := ai.NewGenerator(llmClient, ai.ChatConfig{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
	})

	ledger := quota.NewLedger(mysqlDB)

	splitter, err := chunker.New(cfg.Ingest.ChunkMaxTokens, cfg.Ingest.ChunkOverlapTokens, tokenizer.Simple{})
	if err != nil {
		return nil, fmt.Errorf("build chunker failed: %w", err)
	}

	processor := pipeline.NewProcessor(
		repository.NewDocumentRepository(mysqlDB),
		repository.NewChunkRepository(mysqlDB),
		ledger,
		index,
		embedder,
		splitter,
		cfg.Ingest.EmbedBatchSize,
		time.Duration(cfg.Ingest.EmbedTimeoutSec)*time.Second,
		log,
	)
	ingestWorker := pipeline.NewIngestWorker(
		mqConn,
		processor,
		cfg.RabbitMQ.IngestQueue,
		cfg.RabbitMQ.IngestWorkers,
		cfg.RabbitMQ.PrefetchCount,
		log,
	)
	if err := ingestWorker.Start(ctx); err != nil {
		return nil, fmt.Errorf("start ingest worker failed: %w", err)
	}

	messageRepo := repository.NewMessageRepository(mysqlDB)
	messageWorker := worker.NewMessagePersistWorker(mqConn, messageRepo, cfg.RabbitMQ.MessageQueue, log)
	if err := messageWorker.Start(ctx); err != nil {
		return nil, fmt.Errorf("start message worker failed: %w", err)
	}

	return &App{
		Config:        cfg,
		Log:           log,
		MySQL:         mysqlDB,
		Redis:         redisCli,
		MQConn:        mqConn,
		Index:         index,
		Ledger:        ledger,
		Embedder:      embedder,
		Generator:     generator,
		IngestWorker:  ingestWorker,
		MessageWorker: messageWorker,
		StartedAt:     time.Now(),
	}, nil
}

func (a *App) Close() error {
	var closeErr error
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			closeErr = err
		}
	}
	if a.IngestWorker != nil {
		a.IngestWorker.Close()
	}
	if a.MessageWorker != nil {
		a.MessageWorker.Close()
	}
	if a.MQConn != nil {
		if err := a.MQConn.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MySQL != nil {
		sqlDB, err := a.MySQL.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				closeErr = err
			}
		}
	}
	if a.Log != nil {
		_ = a.Log.Sync()
	}
	return closeErr
}
