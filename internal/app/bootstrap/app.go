package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/wolfman30/whatsapp-scheduler/internal/config"
	"github.com/wolfman30/whatsapp-scheduler/internal/conversation"
	"github.com/wolfman30/whatsapp-scheduler/internal/events"
	"github.com/wolfman30/whatsapp-scheduler/internal/observability/metrics"
	"github.com/wolfman30/whatsapp-scheduler/internal/reminders"
	"github.com/wolfman30/whatsapp-scheduler/pkg/logging"
)

// Runtime is everything the API and worker binaries share.
type Runtime struct {
	Config   *appconfig.Config
	Logger   *logging.Logger
	Postgres *pgxpool.Pool
	Redis    *redis.Client

	Store     conversation.Store
	Engine    *conversation.Engine
	Queue     conversation.Queue
	Sender    ReplySender
	Deduper   events.Deduper
	Bookings  BookingsRepository
	Reminders *reminders.Worker
	Metrics   *metrics.ConversationMetrics
	Webhooks  *metrics.WebhookMetrics
	Providers *metrics.ProviderMetrics
}

// BuildRuntime opens the shared clients and assembles the engine. awsCfg may
// be nil when neither SQS, DynamoDB nor SES are in use.
func BuildRuntime(ctx context.Context, cfg *appconfig.Config, awsCfg *aws.Config, reg prometheus.Registerer, logger *logging.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	rt := &Runtime{
		Config:    cfg,
		Logger:    logger,
		Metrics:   metrics.NewConversationMetrics(reg),
		Webhooks:  metrics.NewWebhookMetrics(reg),
		Providers: metrics.NewProviderMetrics(reg),
	}

	pool, err := BuildPostgresPool(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	rt.Postgres = pool
	rt.Redis = BuildRedisClient(ctx, cfg, logger, true)

	store, err := BuildConversationStore(cfg, Deps{Postgres: rt.Postgres, Redis: rt.Redis, AWS: awsCfg}, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Store = store

	gateway, err := BuildSchedulingGateway(cfg, rt.Providers, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	repo, err := BuildBookingsRepository(cfg, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Bookings = repo

	rt.Engine = BuildEngine(cfg, EngineParts{
		Gateway:  gateway,
		Bookings: repo,
		Handoff:  BuildStaffNotifier(cfg, awsCfg, logger),
		Store:    store,
		Locker:   BuildLocker(cfg, rt.Redis, logger),
		Observer: rt.Metrics,
	}, logger)

	queue, err := BuildQueue(cfg, awsCfg)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Queue = queue

	sender, err := BuildSender(cfg, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Sender = sender
	rt.Reminders = BuildReminders(cfg, repo, sender, logger)
	rt.Deduper = BuildDeduper(rt.Postgres, rt.Redis, cfg.ProcessedEventTTL, logger)
	return rt, nil
}

// NewWorker builds the queue consumer around the runtime's engine.
func (rt *Runtime) NewWorker() *conversation.Worker {
	return conversation.NewWorker(rt.Engine, rt.Queue, rt.Sender, rt.Logger,
		conversation.WithWorkerCount(rt.Config.WorkerCount),
		conversation.WithMaxAttempts(rt.Config.MaxAttempts),
		conversation.WithReadMarker(rt.Sender),
		conversation.WithWorkerObserver(rt.Metrics),
	)
}

// BuildReminders returns the job that sends next-day reminders and offers
// freed slots to the wait-list.
func BuildReminders(cfg *appconfig.Config, store reminders.Store, sender reminders.Sender, logger *logging.Logger) *reminders.Worker {
	return reminders.NewWorker(store, sender, logger,
		reminders.WithClinic(cfg.ClinicName, cfg.ClinicLocation()),
		reminders.WithWaitlistLimit(cfg.WaitlistNotifyLimit),
	)
}

type purger interface {
	Purge(ctx context.Context) (int64, error)
}

// RunMaintenance purges expired webhook dedupe rows every interval until ctx
// is done. Deduper backends that expire on their own are skipped.
func (rt *Runtime) RunMaintenance(ctx context.Context, interval time.Duration) {
	p, ok := rt.Deduper.(purger)
	if !ok {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.Purge(ctx)
			if err != nil {
				rt.Logger.Warn("processed event purge failed", "error", err)
				continue
			}
			if n > 0 {
				rt.Logger.Info("purged processed events", "rows", n)
			}
		}
	}
}

// HealthChecks returns a ping per configured backend.
func (rt *Runtime) HealthChecks() map[string]func(context.Context) error {
	checks := map[string]func(context.Context) error{}
	if rt.Postgres != nil {
		checks["postgres"] = rt.Postgres.Ping
	}
	if rt.Redis != nil {
		client := rt.Redis
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}
	return checks
}

// Close releases the shared clients.
func (rt *Runtime) Close() {
	if rt == nil {
		return
	}
	if rt.Postgres != nil {
		rt.Postgres.Close()
	}
	if rt.Redis != nil {
		_ = rt.Redis.Close()
	}
}
