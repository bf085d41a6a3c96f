package http

import (
	"time"

	"github.com/gin-gonic/gin"

	appsvc "docuchat/internal/app"
	"docuchat/internal/bootstrap"
	"docuchat/internal/cache"
	"docuchat/internal/platform/rabbitmq"
	"docuchat/internal/repository"
	"docuchat/internal/retriever"
	"docuchat/internal/transport/http/handler"
	"docuchat/internal/transport/http/middleware"
)

func NewRouter(app *bootstrap.App) *gin.Engine {
	gin.SetMode(app.Config.App.GinMode)
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.MaxMultipartMemory = int64(app.Config.Storage.MaxUploadSizeMB) << 20

	healthHandler := handler.NewHealthHandler(app)
	router.GET("/healthz", healthHandler.Check)

	userRepo := repository.NewUserRepository(app.MySQL)
	planRepo := repository.NewPlanRepository(app.MySQL)
	sessionRepo := repository.NewSessionRepository(app.MySQL)
	messageRepo := repository.NewMessageRepository(app.MySQL)
	documentRepo := repository.NewDocumentRepository(app.MySQL)
	chunkRepo := repository.NewChunkRepository(app.MySQL)

	authService := appsvc.NewAuthService(
		userRepo,
		planRepo,
		app.Config.Auth.JWTSecret,
		time.Duration(app.Config.Auth.JWTExpireMinute)*time.Minute,
	)

	ingestPublisher := rabbitmq.NewIngestPublisher(app.MQConn, app.Config.RabbitMQ.IngestQueue)
	documentService := appsvc.NewDocumentService(
		documentRepo,
		chunkRepo,
		app.Index,
		ingestPublisher,
		app.Config.Storage.DataDir,
		app.Config.Storage.MaxUploadSizeMB,
		app.Log,
	)

	messagePublisher := rabbitmq.NewMessagePublisher(app.MQConn, app.Config.RabbitMQ.MessageQueue)
	historyCache := cache.NewHistoryCache(app.Redis, 60*time.Second, 5*time.Second)
	chunkRetriever := retriever.NewRetriever(app.Embedder, app.Index, chunkRepo)
	chatService := appsvc.NewChatService(
		sessionRepo,
		messageRepo,
		messagePublisher,
		historyCache,
		chunkRetriever,
		app.Generator,
		app.Ledger,
		documentService,
		appsvc.ChatConfig{
			MaxContextMessages: app.Config.Chat.MaxContextMessages,
			TopK:               app.Config.Chat.TopK,
			MaxPromptTokens:    app.Config.Chat.MaxPromptTokens,
			MaxAnswerTokens:    app.Config.Chat.MaxAnswerTokens,
			GenerateTimeout:    time.Duration(app.Config.Chat.GenerateTimeoutSec) * time.Second,
		},
		app.Log,
	)
	usageService := appsvc.NewUsageService(app.Ledger)

	authHandler := handler.NewAuthHandler(authService)
	chatHandler := handler.NewChatHandler(chatService)
	documentHandler := handler.NewDocumentHandler(documentService)
	usageHandler := handler.NewUsageHandler(usageService)

	v1 := router.Group("/api/v1")
	authGroup := v1.Group("/auth")
	authGroup.POST("/register", authHandler.Register)
	authGroup.POST("/login", authHandler.Login)
	authGroup.GET("/me", middleware.AuthJWT(app.Config.Auth.JWTSecret), authHandler.Me)

	chatGroup := v1.Group("/chat")
	chatGroup.Use(middleware.AuthJWT(app.Config.Auth.JWTSecret))
	chatGroup.POST("/sessions", chatHandler.CreateSession)
	chatGroup.GET("/sessions", chatHandler.ListSessions)
	chatGroup.DELETE("/sessions/:id", chatHandler.DeleteSession)
	chatGroup.GET("/history", chatHandler.GetHistory)
	chatGroup.POST("/ask", chatHandler.Ask)

	docGroup := v1.Group("/documents")
	docGroup.Use(middleware.AuthJWT(app.Config.Auth.JWTSecret))
	docGroup.POST("", documentHandler.Upload)
	docGroup.GET("", documentHandler.List)
	docGroup.GET("/:id/status", documentHandler.Status)
	docGroup.POST("/:id/reprocess", documentHandler.Reprocess)
	docGroup.DELETE("/:id", documentHandler.Delete)

	v1.GET("/usage", middleware.AuthJWT(app.Config.Auth.JWTSecret), usageHandler.Get)

	return router
}
