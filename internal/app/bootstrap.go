package app

import (
	"context"
	"errors"
	"time"

	"jikkyo/internal/app/channel"
	"jikkyo/internal/app/comment"
	"jikkyo/internal/app/health"
	"jikkyo/internal/app/listing"
	"jikkyo/internal/app/stats"
	"jikkyo/internal/app/thread"
	"jikkyo/internal/config"
	"jikkyo/internal/db"
	"jikkyo/internal/db/seeder"
	"jikkyo/internal/gateways/upstream"
	"jikkyo/internal/gateways/websocket"
	"jikkyo/internal/providers/nats"
	"jikkyo/internal/providers/redis"
	"jikkyo/internal/router"
	"jikkyo/internal/scheduler"
	"jikkyo/internal/utils"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Application struct {
	Router    *router.Router
	DB        *gorm.DB
	Hub       *websocket.Hub
	Scheduler *scheduler.Scheduler
	Threads   thread.Service
	Comments  comment.Service
	Stats     stats.Service

	redis         *redis.RedisProvider
	nats          *nats.NatsProvider
	importSubject string
	cancel        context.CancelFunc
	importer      chan struct{}
	logger        *zap.Logger
}

// Bootstrap wires every component. Background work starts with Start.
func Bootstrap(cfg *config.Config, logger *zap.Logger) (*Application, error) {
	dbConn, err := db.Connect(cfg, logger)
	if err != nil {
		return nil, err
	}

	if err := db.Migrate(dbConn, logger); err != nil {
		return nil, err
	}

	channelRepo := channel.NewRepository(dbConn)
	seed := seeder.NewSeeder(channelRepo, logger)
	if err := seed.Seed(context.Background()); err != nil {
		logger.Warn("Failed to run seeders", zap.Error(err))
	}

	redisProvider := redis.NewRedisProvider(cfg.RedisURL, cfg.RedisKeyPrefix, logger, time.Minute)

	threadRepo := thread.NewRepository(dbConn)
	commentRepo := comment.NewRepository(dbConn)

	channelService := channel.NewService(channelRepo)
	statsService := stats.NewService(redisProvider, logger)
	threadService := thread.NewService(threadRepo, channelRepo, logger)
	commentService := comment.NewService(
		dbConn,
		commentRepo,
		comment.NewCounterCache(redisProvider, logger),
		statsService,
		redisProvider,
		comment.ServiceConfig{
			ValidationInterval: cfg.CounterValidationInterval,
			DBRetryBackoff:     cfg.DBRetryBackoff,
		},
		logger,
	)
	listingService := listing.NewService(channelService, threadService, commentService, statsService, redisProvider, logger)

	hub := websocket.NewHub(threadService, commentService, statsService, redisProvider, websocket.Options{
		ClientIDSalt: cfg.ClientIDSalt,
		IdleTimeout:  cfg.WSIdleTimeout,
	}, logger)

	sched := scheduler.New(logger)
	jobs := []scheduler.Job{
		{Name: "ensure_daily_threads", Spec: cfg.CronThreads, Run: threadService.EnsureDailyThreads},
		{Name: "sync_comment_counters", Spec: cfg.CronCounters, Run: commentService.SyncCommentCounters},
	}
	for _, job := range jobs {
		if err := sched.Add(job); err != nil {
			return nil, err
		}
	}

	application := &Application{
		DB:        dbConn,
		Hub:       hub,
		Scheduler: sched,
		Threads:   threadService,
		Comments:  commentService,
		Stats:     statsService,

		redis:         redisProvider,
		importSubject: cfg.NatsImportSubject,
		logger:        logger,
	}

	if cfg.ImportEnabled {
		natsProvider, err := nats.NewNatsProvider(nats.Options{URL: cfg.NatsURL}, logger)
		if err != nil {
			logger.Warn("Upstream import disabled, NATS is unavailable", zap.Error(err))
		} else {
			application.nats = natsProvider
		}
	}

	checker := &utils.HealthChecker{
		DB:    dbConn,
		Redis: redisProvider.Client,
	}
	if application.nats != nil {
		checker.Nats = application.nats.Conn
	}
	healthHandler := health.NewHandler(health.NewService(checker))
	listingHandler := listing.NewHandler(listingService, logger)

	r := router.NewRouter(logger)
	r.RegisterHealthRoutes(healthHandler)
	r.RegisterListingRoutes(listingHandler)
	r.RegisterWebSocketRoutes(hub)
	application.Router = r

	return application, nil
}

// Start runs the startup hooks and launches the background workers.
func (a *Application) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	keys := make([]string, 0, len(channel.MasterChannels))
	for _, ch := range channel.MasterChannels {
		keys = append(keys, channel.FormatChannelID(ch.ID))
	}
	if err := a.Stats.ResetViewers(ctx, keys); err != nil {
		a.logger.Warn("Failed to reset viewer counts", zap.Error(err))
	}

	// threads must exist before the first session arrives
	a.Scheduler.RunNow(scheduler.Job{Name: "ensure_daily_threads", Run: a.Threads.EnsureDailyThreads})
	go a.Scheduler.RunNow(scheduler.Job{Name: "sync_comment_counters", Run: a.Comments.SyncCommentCounters})
	a.Scheduler.Start()

	go a.Hub.Run()

	if a.nats != nil {
		importer := upstream.NewImporter(a.nats, a.importSubject, a.Threads, a.Comments, a.logger)
		a.importer = make(chan struct{})
		go func() {
			defer close(a.importer)
			importer.Run(ctx)
		}()
	}
}

// Shutdown stops background work and closes connections, in reverse start order.
func (a *Application) Shutdown(ctx context.Context) error {
	var errs []error

	if a.cancel != nil {
		a.cancel()
	}
	if a.importer != nil {
		select {
		case <-a.importer:
		case <-ctx.Done():
		}
	}
	if err := a.Hub.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.Scheduler.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.nats != nil {
		if err := a.nats.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.redis.Close(); err != nil {
		errs = append(errs, err)
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
