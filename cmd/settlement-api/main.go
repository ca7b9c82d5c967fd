package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/session-settlement-api/api/swagger"
	"github.com/noah-isme/session-settlement-api/internal/handler"
	"github.com/noah-isme/session-settlement-api/internal/middleware"
	"github.com/noah-isme/session-settlement-api/internal/repository"
	"github.com/noah-isme/session-settlement-api/internal/service"
	"github.com/noah-isme/session-settlement-api/pkg/cache"
	"github.com/noah-isme/session-settlement-api/pkg/clock"
	"github.com/noah-isme/session-settlement-api/pkg/config"
	"github.com/noah-isme/session-settlement-api/pkg/database"
	"github.com/noah-isme/session-settlement-api/pkg/jobs"
	"github.com/noah-isme/session-settlement-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/session-settlement-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/session-settlement-api/pkg/middleware/requestid"
)

// @title Session Settlement API
// @version 1.0.0
// @description Session lifecycle, attendance reconciliation and teacher earnings
// @BasePath /
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect database", zap.Error(err))
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx, db); err != nil {
			logr.Fatal("failed to migrate database", zap.Error(err))
		}
		if version, err := database.Version(ctx, db); err == nil {
			logr.Info("database migrated", zap.Int64("version", version))
		}
	}

	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable, attendance duplicate fast path disabled", zap.Error(err))
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	metrics := service.NewMetricsService()
	validate := validator.New()

	sinks := service.MultiSink{service.NewLogNotificationSink(logr.Named("notifications"))}
	if cfg.Notifications.TelegramToken != "" {
		telegram, err := service.NewTelegramNotificationSink(cfg.Notifications.TelegramToken, cfg.Notifications.TelegramChatID)
		if err != nil {
			logr.Warn("telegram notifications disabled", zap.Error(err))
		} else {
			sinks = append(sinks, telegram)
		}
	}
	notificationQueue := jobs.NewQueue("notifications", service.NotificationJobHandler(sinks), jobs.QueueConfig{
		Workers:    cfg.Notifications.Workers,
		MaxRetries: cfg.Notifications.Retries,
		RetryDelay: cfg.Notifications.RetryDelay,
		Logger:     logr,
	})
	// Not tied to the signal context: in-flight requests and the last batch still
	// enqueue during shutdown. Stop runs after both have drained.
	notificationQueue.Start(context.Background())
	defer notificationQueue.Stop()
	notifier := service.NewQueuedNotifier(notificationQueue, logr)

	sessionRepo := repository.NewSessionRepository(db)
	attendanceRepo := repository.NewAttendanceRepository(db)
	compensationRepo := repository.NewCompensationRepository(db)
	earningRepo := repository.NewEarningRepository(db)
	payoutRepo := repository.NewPayoutRepository(db)
	eventKeys := repository.NewEventKeyCache(redisClient, cfg.Redis.AttendanceKeyTTL)

	wallClock := clock.Real{}
	earningsSvc := service.NewEarningsService(earningRepo, sessionRepo, attendanceRepo, compensationRepo, cfg.Earnings, logr,
		service.WithEarningsClock(wallClock),
		service.WithEarningsMetrics(metrics),
	)
	lifecycleSvc := service.NewLifecycleService(sessionRepo, attendanceRepo, cfg.Lifecycle, logr,
		service.WithLifecycleClock(wallClock),
		service.WithSessionSettler(earningsSvc),
		service.WithLifecycleNotifier(notifier),
		service.WithLifecycleMetrics(metrics),
	)
	attendanceSvc := service.NewAttendanceService(attendanceRepo, sessionRepo, validate, logr,
		service.WithEventKeyCache(eventKeys),
		service.WithSessionStarter(lifecycleSvc),
		service.WithAttendanceSettler(earningsSvc),
		service.WithAttendanceMetrics(metrics),
	)
	payoutSvc := service.NewPayoutService(payoutRepo, validate, logr,
		service.WithPayoutClock(wallClock),
		service.WithPayoutNotifier(notifier),
		service.WithPayoutMetrics(metrics),
	)
	batch := service.NewBatchScheduler(sessionRepo, lifecycleSvc, cfg.Lifecycle, wallClock, logr)

	runner := service.NewBatchRunner(batch, cfg.Lifecycle, metrics, logr)
	if cfg.Lifecycle.Enabled {
		if err := runner.Start(); err != nil {
			logr.Fatal("failed to start lifecycle runner", zap.Error(err))
		}
	}

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics, "/metrics", "/health", "/ready"))

	metricsHandler := handler.NewMetricsHandler(metrics, db)
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	sessionHandler := handler.NewSessionHandler(lifecycleSvc, earningsSvc)
	attendanceHandler := handler.NewAttendanceHandler(attendanceSvc)
	lifecycleHandler := handler.NewLifecycleHandler(batch, runner)
	earningHandler := handler.NewEarningHandler(earningsSvc)
	payoutHandler := handler.NewPayoutHandler(payoutSvc)

	api := r.Group(cfg.APIPrefix)
	api.POST("/lifecycle/evaluate", lifecycleHandler.Evaluate)
	api.GET("/lifecycle/runs/last", lifecycleHandler.LastRun)
	api.POST("/attendance/events", attendanceHandler.RecordEvent)

	sessions := api.Group("/sessions")
	sessions.GET("/:id", sessionHandler.Get)
	sessions.GET("/:id/attendance", attendanceHandler.SessionAttendance)
	sessions.POST("/:id/complete", sessionHandler.Complete)
	sessions.POST("/:id/cancel", sessionHandler.Cancel)
	sessions.POST("/:id/settle", sessionHandler.Settle)

	earnings := api.Group("/earnings")
	earnings.GET("/:id", earningHandler.Get)
	earnings.POST("/:id/dispute", earningHandler.Dispute)
	earnings.POST("/:id/resolve", earningHandler.Resolve)

	payouts := api.Group("/payouts")
	payouts.POST("", payoutHandler.Generate)
	payouts.GET("/:id", payoutHandler.Get)
	payouts.POST("/:id/approve", payoutHandler.Approve)
	payouts.POST("/:id/reject", payoutHandler.Reject)
	payouts.POST("/:id/paid", payoutHandler.MarkPaid)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Warn("http shutdown incomplete", zap.Error(err))
	}
	runner.Stop(shutdownCtx)
}
