package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wolfman30/whatsapp-scheduler/cmd/mainconfig"
	"github.com/wolfman30/whatsapp-scheduler/internal/app/bootstrap"
)

func main() {
	cfg, logger := mainconfig.Load()
	if cfg.UseMemoryQueue {
		logger.Error("conversation worker requires an SQS queue; set USE_MEMORY_QUEUE=false")
		os.Exit(1)
	}

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

	worker := rt.NewWorker()
	worker.Start(ctx)
	go rt.RunMaintenance(ctx, time.Hour)
	go rt.Reminders.Run(ctx, cfg.ReminderInterval)
	logger.Info("conversation worker started", "workers", cfg.WorkerCount)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down conversation worker")
	cancel()
	worker.Wait()
	logger.Info("conversation worker stopped")
}
