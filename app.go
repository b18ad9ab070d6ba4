package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"snapmap/config"
	"snapmap/handlers"
	"snapmap/logger"
	"snapmap/middleware"
	"snapmap/models"
	"snapmap/services"
	"snapmap/utils"
	"snapmap/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const sweepInterval = 5 * time.Minute

// pipeline holds the shared clients both commands are built from
type pipeline struct {
	cfg   *config.Config
	db    *gorm.DB
	rdb   *redis.Client
	blobs *utils.S3BlobStore

	queue      services.TaskQueue
	redisQueue *services.RedisTaskQueue
	asynqQueue *services.AsynqTaskQueue
	store      services.StatusStore
	gormStore  *services.GormStatusStore
	events     *services.RedisEventBus

	users         *services.UserService
	quests        *services.QuestService
	verifications *services.VerificationService
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger.Init(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "snapmap"})
	return cfg, nil
}

func openDB(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.Database.URL), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.AutoMigrate(
		&models.User{},
		&models.Quest{},
		&models.CompletedQuest{},
		&models.UserQuest{},
		&models.VerificationStatusRecord{},
		&models.VerificationResultRecord{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

func newPipeline(ctx context.Context, cfg *config.Config) (*pipeline, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	blobs, err := utils.NewS3BlobStore(ctx, cfg.S3)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 client: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	p := &pipeline{cfg: cfg, db: db, rdb: rdb, blobs: blobs}

	switch cfg.Queue.Backend {
	case config.QueueBackendAsynq:
		p.asynqQueue = services.NewAsynqTaskQueue(asynqRedisOpt(cfg), cfg.Queue.AsynqQueue)
		p.queue = p.asynqQueue
	default:
		p.redisQueue = services.NewRedisTaskQueue(rdb, cfg.Redis.QueueKey)
		p.queue = p.redisQueue
	}

	switch cfg.Queue.StatusBackend {
	case config.StatusBackendPostgres:
		p.gormStore = services.NewGormStatusStore(db, cfg.Redis.TaskTTL)
		p.store = p.gormStore
	default:
		p.store = services.NewRedisStatusStore(rdb, cfg.Redis.StatusKeyPrefix, cfg.Redis.ResultKeyPrefix, cfg.Redis.TaskTTL)
	}

	p.events = services.NewRedisEventBus(rdb, cfg.Redis.EventsTopic)
	p.users = services.NewUserService(db)
	p.quests = services.NewQuestService(db)
	p.verifications = services.NewVerificationService(blobs, p.queue, p.store, p.events, p.quests, services.VerificationConfig{
		StoreTimeout: cfg.Redis.Timeout,
	})
	return p, nil
}

func (p *pipeline) Close() {
	if p.asynqQueue != nil {
		_ = p.asynqQueue.Close()
	}
	_ = p.rdb.Close()
	if sqlDB, err := p.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func asynqRedisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}
}

func newApp(p *pipeline) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: handlers.ErrorHandler,
		BodyLimit:    1 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(middleware.RequestLogger())

	origins := strings.Split(p.cfg.AllowedOrigins, ",")
	for i, o := range origins {
		origins[i] = strings.TrimSpace(o)
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(origins, ","),
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS,PATCH,HEAD",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, X-Service-Token",
		MaxAge:       86400,
	}))

	handlers.SetupRoutes(app, handlers.Deps{
		Auth: middleware.InitDataConfig{
			BotToken: p.cfg.Telegram.BotToken,
			MaxAge:   p.cfg.Telegram.InitDataMaxAge,
		},
		ServiceToken:  p.cfg.InternalServiceToken,
		Users:         p.users,
		Quests:        p.quests,
		Feed:          services.NewFeedService(p.db, p.blobs),
		Verifications: p.verifications,
		Events:        services.NewEventStreamService(p.events),
	})
	return app
}

func runServe(parent context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.Named("main")

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := newPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	if p.gormStore != nil {
		sched, err := services.StartStatusSweeper(p.gormStore, sweepInterval)
		if err != nil {
			return fmt.Errorf("failed to start sweeper: %w", err)
		}
		defer func() { _ = sched.Shutdown() }()
	}

	app := newApp(p)
	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(cfg.HTTPAddr)
	}()

	log.Info().Str("addr", cfg.HTTPAddr).Str("queue", cfg.Queue.Backend).Str("status_store", cfg.Queue.StatusBackend).
		Msg("✅ Server running")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("Shutting down server...")
	return app.ShutdownWithTimeout(10 * time.Second)
}

func runWorker(parent context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.Named("main")

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := newPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	worker := workers.NewVerificationWorker(p.verifications, p.quests, p.blobs,
		services.NewClassifierClient(cfg.Worker.ClassifierURL), cfg.Worker.Threshold)

	if p.asynqQueue != nil {
		proc := workers.NewAsynqProcessor(asynqRedisOpt(cfg), worker, cfg.Queue.AsynqQueue, cfg.Worker.Concurrency)
		if err := proc.Start(); err != nil {
			return err
		}
		log.Info().Str("queue", cfg.Queue.AsynqQueue).Msg("✅ asynq worker running")
		<-ctx.Done()
		proc.Shutdown()
		return nil
	}

	worker.RunRedis(ctx, p.redisQueue, cfg.Worker.Concurrency)
	return nil
}
