package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentflow/internal/config"
	"agentflow/internal/handlers"
	"agentflow/internal/models"
	"agentflow/internal/observability"
	"agentflow/internal/services"
	"agentflow/pkg/agentrun"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/plugin/opentelemetry/tracing"
)

// Run boots the engine: database, services, scheduler and HTTP API. It
// blocks until SIGINT/SIGTERM and shuts down gracefully.
func Run(cfg *config.Config) error {
	appLogger := logrus.StandardLogger()

	shutdownTracing, err := observability.SetupTracing(context.Background(), cfg)
	if err != nil {
		appLogger.Warnf("tracing setup failed, continuing without: %v", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port,
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	if cfg.Monitoring.Tracing.Enabled {
		if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
			appLogger.Warnf("gorm tracing plugin: %v", err)
		}
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}

	if err := db.AutoMigrate(
		&models.Automation{},
		&models.ProcessedItem{},
		&models.AutomationRun{},
		&models.BoardTask{},
	); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	// services
	store := services.NewAutomationService(db, appLogger)
	triggers := services.NewTriggerService(db, appLogger)
	jiraFactory := services.NewJiraFactory(cfg.Jira, appLogger)

	pollers := services.NewPollerRegistry(appLogger)
	pollers.Register(models.SourceGitHub, services.NewGitHubPoller(cfg.GitHub, appLogger))
	pollers.Register(models.SourceJira, services.NewJiraPoller(jiraFactory, cfg.Jira, appLogger))

	agentClient := agentrun.NewClient(&agentrun.Config{
		BaseURL: cfg.Agent.BaseURL,
		APIKey:  cfg.Agent.APIKey,
		Timeout: 30 * time.Second,
	}, appLogger)
	supervisor := services.NewAgentSupervisor(agentClient, cfg.Agent, appLogger)

	dispatcher := services.NewDispatcher(appLogger)
	dispatcher.Register(models.OutputSlack, services.NewSlackOutput(cfg.Notify.Slack))
	dispatcher.Register(models.OutputTelegram, services.NewTelegramOutput(cfg.Notify.Telegram, appLogger))
	dispatcher.Register(models.OutputGitHubComment, services.NewGitHubCommentOutput(cfg.GitHub))
	dispatcher.Register(models.OutputJiraComment, services.NewJiraCommentOutput(jiraFactory))
	dispatcher.Register(models.OutputJiraTransition, services.NewJiraTransitionOutput(jiraFactory))
	dispatcher.Register(models.OutputWebhook, services.NewWebhookOutput())

	hub := services.NewEventHub(appLogger)
	go hub.Run()

	runner := services.NewRunner(store, pollers, triggers, supervisor, dispatcher, hub, appLogger)
	scheduler := services.NewSchedulerService(store, runner, cfg.Scheduler, appLogger)

	schedulerCtx, stopScheduler := context.WithCancel(context.Background())
	go scheduler.Start(schedulerCtx)

	// HTTP API
	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now().UTC()})
	})
	r.GET("/ws/events", hub.HandleWS)

	api := r.Group("/api")
	handlers.RegisterAutomationRoutes(api, handlers.NewAutomationHandler(store, runner, appLogger))

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: r,
	}
	go func() {
		appLogger.Infof("Starting server on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("Shutting down...")

	stopScheduler()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Warnf("Server forced to shutdown: %v", err)
	}
	if err := shutdownTracing(ctx); err != nil {
		appLogger.Warnf("Tracing shutdown: %v", err)
	}
	appLogger.Info("Server exited")
	return nil
}
