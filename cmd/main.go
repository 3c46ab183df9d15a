package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fieldops/fsoa-service/internal/agent/datastrategy"
	"github.com/fieldops/fsoa-service/internal/agent/notifier"
	"github.com/fieldops/fsoa-service/internal/agent/orchestrator"
	"github.com/fieldops/fsoa-service/internal/agent/tracker"
	"github.com/fieldops/fsoa-service/internal/analytics"
	"github.com/fieldops/fsoa-service/internal/api/handlers"
	"github.com/fieldops/fsoa-service/internal/api/routes"
	"github.com/fieldops/fsoa-service/internal/domain/services/businesstime"
	"github.com/fieldops/fsoa-service/internal/domain/services/sla"
	"github.com/fieldops/fsoa-service/internal/infrastructure/config"
	"github.com/fieldops/fsoa-service/internal/infrastructure/database"
	"github.com/fieldops/fsoa-service/internal/infrastructure/repositories"
	"github.com/fieldops/fsoa-service/internal/notification/webhook"
	"github.com/fieldops/fsoa-service/internal/workers/agentscheduler"
	"github.com/fieldops/fsoa-service/pkg/logger"
)

func main() {
	var (
		command = flag.String("command", "serve", "serve | run-once | stop-scheduler | health")
		dryRun  = flag.Bool("dry-run", false, "with run-once: render notifications without sending")
		server  = flag.String("server", "http://localhost:8080", "with stop-scheduler/health: server base URL")
	)
	flag.Parse()

	switch *command {
	case "stop-scheduler":
		callServer(*server, http.MethodPost, "/api/v1/agent/scheduler/stop")
		return
	case "health":
		callServer(*server, http.MethodGet, "/health")
		return
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// Initialize logger
	log := logger.New(cfg.LogLevel, cfg.Environment)

	// Initialize database
	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", "error", err)
	}
	defer db.Close()

	// Run migrations
	if err := database.Migrate(db); err != nil {
		log.Fatal("Failed to run migrations", "error", err)
	}

	ctx := context.Background()

	store, err := repositories.NewConfigStore(ctx, db, log.Zap())
	if err != nil {
		log.Fatal("Failed to load agent config", "error", err)
	}

	location, err := time.LoadLocation(cfg.Agent.Timezone)
	if err != nil {
		log.Fatal("Invalid timezone", "timezone", cfg.Agent.Timezone, "error", err)
	}
	calendar, err := businesstime.NewCalendar(businesstime.Config{
		WorkStartHour: store.GetInt(repositories.KeyWorkStartHour, businesstime.DefaultWorkStartHour),
		WorkEndHour:   store.GetInt(repositories.KeyWorkEndHour, businesstime.DefaultWorkEndHour),
		WorkDays:      store.GetIntSlice(repositories.KeyWorkDays, []int{1, 2, 3, 4, 5}),
		Location:      location,
	})
	if err != nil {
		log.Fatal("Invalid work calendar", "error", err)
	}
	evaluator, err := sla.NewEvaluator(calendar, nil)
	if err != nil {
		log.Fatal("Invalid SLA thresholds", "error", err)
	}

	cacheRepo := repositories.NewOpportunityCacheRepository(db, log.Zap())
	taskRepo := repositories.NewNotificationTaskRepository(db, log.Zap())
	runRepo := repositories.NewAgentRunRepository(db, log.Zap())
	groupRepo := repositories.NewGroupConfigRepository(db, log.Zap())

	analyticsClient := analytics.NewClient(analytics.Config{
		BaseURL:  cfg.Analytics.BaseURL,
		Username: cfg.Analytics.Username,
		Password: cfg.Analytics.Password,
		CardID:   cfg.Analytics.CardID,
		Timeout:  time.Duration(cfg.Analytics.TimeoutSeconds) * time.Second,
	}, location, log.Zap())

	strategy := datastrategy.NewStrategy(analyticsClient, cacheRepo, store, evaluator, log.Zap())
	webhookClient := webhook.NewHTTPClient(time.Duration(cfg.Webhook.TimeoutSeconds)*time.Second, log.Zap())
	manager := notifier.NewManager(taskRepo, groupRepo, store, webhookClient, log.Zap())
	runTracker := tracker.NewTracker(runRepo, log.Zap())

	// A previous process may have died mid-run.
	if err := runTracker.RecoverStaleRun(ctx); err != nil {
		log.Fatal("Failed to recover stale run", "error", err)
	}

	pipeline := orchestrator.New(strategy, evaluator, manager, runTracker, log.Zap())

	if *command == "run-once" {
		report, err := pipeline.Execute(ctx, *dryRun)
		if report != nil {
			out, _ := json.MarshalIndent(report, "", "  ")
			fmt.Println(string(out))
		}
		if err != nil {
			log.Fatal("Agent run failed", "error", err)
		}
		return
	}

	scheduler, err := agentscheduler.NewScheduler(pipeline, &agentscheduler.Config{
		IntervalMinutes: store.GetInt(repositories.KeyAgentIntervalMinutes, cfg.Agent.IntervalMinutes),
		Timezone:        cfg.Agent.Timezone,
	}, log.Zap())
	if err != nil {
		log.Fatal("Failed to create agent scheduler", "error", err)
	}
	if err := scheduler.Start(); err != nil {
		log.Fatal("Failed to start agent scheduler", "error", err)
	}
	log.Info("Agent scheduler started")

	// Set Gin mode
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	routes.Register(router, &routes.Handlers{
		Health: handlers.NewHealthHandler(db, log),
		Agent:  handlers.NewAgentHandler(pipeline, scheduler, runTracker, log),
		Data:   handlers.NewDataHandler(strategy, evaluator, taskRepo, log),
		Config: handlers.NewConfigHandler(groupRepo, store, log),
	}, log)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		log.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down")

	if err := scheduler.Stop(); err != nil {
		log.Error("Failed to stop scheduler", "error", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", "error", err)
	}
	log.Info("Shutdown complete")
}

// callServer issues one control request against a running instance and
// prints the response.
func callServer(base, method, path string) {
	req, err := http.NewRequest(method, base+path, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request error:", err)
		os.Exit(1)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request failed:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var body json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		out, _ := json.MarshalIndent(body, "", "  ")
		fmt.Println(string(out))
	}
	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}
