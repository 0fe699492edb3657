package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"collectbot/internal/api"
	"collectbot/internal/auth"
	"collectbot/internal/config"
	"collectbot/internal/idgen"
	"collectbot/internal/logging"
	"collectbot/internal/redis"
	"collectbot/internal/service/ai"
	"collectbot/internal/service/chatbot"
	"collectbot/internal/service/media"
	"collectbot/internal/service/speech"
	"collectbot/internal/storage"
	"collectbot/internal/userproxy"
	"collectbot/internal/worker"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}
	cfg, err := config.Load(os.Getenv("COLLECTBOT_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.New(cfg.Logging)
	slog.SetDefault(logger)

	if cfg.Speech.CredentialsFile != "" && os.Getenv("GOOGLE_APPLICATION_CREDENTIALS") == "" {
		_ = os.Setenv("GOOGLE_APPLICATION_CREDENTIALS", cfg.Speech.CredentialsFile)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbType := storage.Normalize(cfg.BasicConfig.Database)
	logger.Info("opening database", "driver", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	// Create necessary tables: audios, chat_messages
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}
	store := storage.NewStore(db, dbType)

	var rdb *redis.Client
	if redis.Enabled(cfg) {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			log.Fatalf("create redis client: %v", err)
		}
		defer rdb.Close()
	}

	var ids idgen.Sequence = idgen.NewLocalSequence()
	indexTTL := time.Duration(cfg.UserService.IndexTTLSeconds) * time.Second
	var index userproxy.Index = userproxy.NewMemoryIndex(indexTTL)
	if rdb != nil {
		ids = idgen.NewRedisSequence(rdb, "")
		index = userproxy.NewRedisIndex(rdb, "", indexTTL)
	}

	dispatcher := worker.NewDispatcher(worker.DispatcherConfig{
		MinWorkers:        cfg.BasicConfig.MinWorkers,
		MaxWorkers:        cfg.BasicConfig.MaxWorkers,
		QueueSize:         cfg.BasicConfig.QueueSize,
		WorkerIdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeoutSec) * time.Second,
	})
	defer dispatcher.Stop()

	users := userproxy.NewClient(cfg.UserEndpoint(), userproxy.Options{
		Timeout:    time.Duration(cfg.UserService.TimeoutSeconds) * time.Second,
		BcryptCost: cfg.Auth.BcryptRounds,
		Index:      index,
		Logger:     logger,
	})
	authService, err := auth.NewService(users, cfg.Auth.Secret, cfg.Auth.Algorithm,
		time.Duration(cfg.Auth.TokenExpireMinutes)*time.Minute)
	if err != nil {
		log.Fatalf("init auth service: %v", err)
	}

	synth, err := speech.NewSynthesizer(rootCtx, cfg.Speech)
	if err != nil {
		log.Fatalf("init text-to-speech client: %v", err)
	}
	defer synth.Close()
	recognizer, err := speech.NewRecognizer(rootCtx, cfg.Speech)
	if err != nil {
		log.Fatalf("init speech-to-text client: %v", err)
	}
	defer recognizer.Close()
	mediaService, err := media.NewService(cfg.BasicConfig.MediaDir, media.Deps{
		Synthesizer: synth,
		Recognizer:  recognizer,
		Store:       store,
		Runner:      dispatcher,
		IDs:         ids,
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf("init media service: %v", err)
	}

	chatModel, err := ai.NewChatModel(rootCtx, cfg.Chat.Provider, cfg.Chat.Model, cfg)
	if err != nil {
		log.Fatalf("init chat model: %v", err)
	}
	generator, err := ai.NewGenerator(rootCtx, chatModel, ai.CollectionTools())
	if err != nil {
		log.Fatalf("init chat agent: %v", err)
	}
	sessions := chatbot.NewSessionStore(chatbot.SessionConfig{
		SystemPrompt: cfg.Chat.SystemPrompt,
		IdleTimeout:  time.Duration(cfg.Chat.SessionIdleMinutes) * time.Minute,
		MaxHistory:   cfg.Chat.MaxHistory,
	}, rdb, logger)
	sessions.Start(rootCtx)
	defer sessions.Stop()
	chatService, err := chatbot.NewService(chatbot.Deps{
		Generator: generator,
		Users:     users,
		Store:     store,
		Runner:    dispatcher,
		IDs:       ids,
		Sessions:  sessions,
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf("init chat service: %v", err)
	}

	health := map[string]api.HealthCheck{"database": store.Ping}
	if rdb != nil {
		health["redis"] = rdb.Ping
	}
	handlers := api.NewHandler(api.Deps{
		Users:          users,
		Auth:           authService,
		Media:          mediaService,
		Chat:           chatService,
		Health:         health,
		StaticDir:      cfg.BasicConfig.StaticDir,
		AllowedOrigins: api.SplitOrigins(cfg.BasicConfig.AllowedOrigins),
		Logger:         logger,
	})

	router := gin.New()
	router.Use(gin.Recovery(), logging.GinLogger(logger))
	handlers.RegisterRoutes(router)

	srv := &http.Server{
		Addr:         cfg.BasicConfig.ServerAddress,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.BasicConfig.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.BasicConfig.WriteTimeoutSeconds) * time.Second,
	}
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server stopped: %v", err)
		}
	}()

	<-rootCtx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.BasicConfig.ShutdownTimeoutSecs)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}
