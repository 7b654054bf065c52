package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/x-notify/core/internal/config"
	"github.com/x-notify/core/internal/database"
	"github.com/x-notify/core/internal/middleware"
	"github.com/x-notify/core/internal/modules/delivery"
	"github.com/x-notify/core/internal/modules/mailing"
	"github.com/x-notify/core/internal/modules/subscription"
	"github.com/x-notify/core/internal/modules/topic"
	"github.com/x-notify/core/internal/pkg/alert"
	pkgcron "github.com/x-notify/core/internal/pkg/cron"
	"github.com/x-notify/core/internal/pkg/notify"
	"github.com/x-notify/core/internal/pkg/queue"
	pkgredis "github.com/x-notify/core/internal/pkg/redis"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App holds all application dependencies.
type App struct {
	cfg    *config.AppConfig
	router *gin.Engine
	db     *gorm.DB
	logger *zap.Logger
	cancel context.CancelFunc
	sched  *pkgcron.Scheduler
	rdb    *redis.Client

	topics  *topic.Directory
	clients *notify.ClientCache
}

// New initializes the application: config → DB → Redis → queue → routes,
// then starts the lane consumers and the maintenance scheduler.
func New(logger *zap.Logger, cfg *config.AppConfig) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	db, err := database.Connect(cfg, true)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	rc, err := pkgredis.Connect(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}

	if cfg.IsDev() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	router.Use(cors.New(corsConfig(cfg)))

	// Topic directory and provider-client cache: both bounded, both
	// flushable through the operator endpoint.
	topicSvc := topic.NewService(db, logger.Named("topic"))
	topicDir := topic.NewDirectory(cfg.Subscription.TopicCacheLimit, topicSvc.Find, logger.Named("topics"))
	clients := notify.NewClientCache(cfg.Notify.Endpoint, cfg.Notify.BulkEndpoint, cfg.Subscription.ClientCacheLimit)

	var alertSender alert.Sender
	if cfg.Alerts.NotifyKey != "" {
		alertSender = clients.Get(cfg.Alerts.NotifyKey)
	}
	alerts := alert.New(alertSender, cfg.Alerts.TemplateID, cfg.Alerts.Emails, cfg.AlertCooldown(), logger.Named("alert"))

	q := queue.New(rc, logger.Named("queue"), queue.Options{
		KeepCompleted: cfg.Queue.KeepCompleted,
		KeepFailed:    cfg.Queue.KeepFailed,
	})

	subSvc := subscription.NewService(subscription.NewGormStore(db), topicDir, q, cfg, logger.Named("subscription"))
	mailSvc := mailing.NewService(mailing.NewGormStore(db), topicDir, subSvc, q, alerts, cfg, logger.Named("mailing"))
	worker := delivery.NewWorker(
		delivery.NewClientCacheSource(clients),
		delivery.NewGormStore(db),
		mailSvc,
		alerts,
		logger.Named("delivery"),
	)

	ctx, cancel := context.WithCancel(context.Background())
	go q.Run(ctx, queue.LaneConfirm, worker.HandleConfirm, 0)
	go q.Run(ctx, queue.LaneBulk, worker.HandleBulk, time.Duration(cfg.Queue.BulkJobDelaySeconds)*time.Second)

	sched := pkgcron.New(logger.Named("cron"))
	registerCronJobs(sched, subSvc, q)
	go sched.Start(ctx)

	app := &App{
		cfg:     cfg,
		router:  router,
		db:      db,
		logger:  logger,
		cancel:  cancel,
		sched:   sched,
		rdb:     rc.Raw(),
		topics:  topicDir,
		clients: clients,
	}
	app.registerRoutes(topicSvc, subSvc, mailSvc)

	return app, nil
}

// Addr returns the listen address.
func (a *App) Addr() string { return fmt.Sprintf(":%d", a.cfg.Port) }

// Router returns the HTTP handler.
func (a *App) Router() http.Handler { return a.router }

// Shutdown cleans up background goroutines.
func (a *App) Shutdown() { a.cancel() }

func corsConfig(cfg *config.AppConfig) cors.Config {
	corsConfig := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}
	if len(cfg.AllowedOrigins) > 0 && !cfg.IsDev() {
		patterns := cfg.AllowedOrigins
		corsConfig.AllowOriginFunc = func(origin string) bool {
			host := extractOriginHost(origin)
			for _, pattern := range patterns {
				if matchOriginPattern(pattern, host) {
					return true
				}
			}
			return false
		}
	} else {
		// The subscribe endpoint is embedded by arbitrary departmental sites.
		corsConfig.AllowOriginFunc = func(origin string) bool { return true }
	}
	return corsConfig
}
