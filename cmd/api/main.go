package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/whatsapp-scheduler/cmd/mainconfig"
	"github.com/wolfman30/whatsapp-scheduler/internal/api/router"
	"github.com/wolfman30/whatsapp-scheduler/internal/app/bootstrap"
	"github.com/wolfman30/whatsapp-scheduler/internal/conversation"
	"github.com/wolfman30/whatsapp-scheduler/internal/http/handlers"
)

func main() {
	cfg, logger := mainconfig.Load()
	logger.Info("starting whatsapp-scheduler API server",
		"env", cfg.Env,
		"port", cfg.Port,
		"conversation_store", cfg.ConversationStore,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	rt, err := bootstrap.BuildRuntime(ctx, cfg, awsCfg, prometheus.DefaultRegisterer, logger)
	if err != nil {
		logger.Error("failed to build runtime", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	// A memory queue is only drained in-process, so the API runs the worker too.
	var worker *conversation.Worker
	if cfg.UseMemoryQueue {
		worker = rt.NewWorker()
		worker.Start(ctx)
		go rt.RunMaintenance(ctx, time.Hour)
		go rt.Reminders.Run(ctx, cfg.ReminderInterval)
		logger.Info("in-process conversation worker started")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newRouter(rt),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	cancel()
	if worker != nil {
		worker.Wait()
	}
	logger.Info("server stopped")
}

func newRouter(rt *bootstrap.Runtime) http.Handler {
	publisher := conversation.NewPublisher(rt.Queue, rt.Logger)
	return router.New(&router.Config{
		Logger: rt.Logger,
		ZAPIWebhook: handlers.NewZAPIWebhookHandler(handlers.ZAPIWebhookConfig{
			Publisher: publisher,
			Processed: rt.Deduper,
			Token:     rt.Config.ZAPIWebhookToken,
			Logger:    rt.Logger,
			Metrics:   rt.Webhooks,
		}),
		AdminConversations: handlers.NewAdminConversationsHandler(rt.Store, rt.Engine, rt.Bookings, rt.Logger),
		AdminAuthSecret:    rt.Config.AdminJWTSecret,
		MetricsHandler:     promhttp.Handler(),
		HealthChecks:       rt.HealthChecks(),
	})
}
