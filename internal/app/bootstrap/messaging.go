package bootstrap

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/wolfman30/whatsapp-scheduler/internal/config"
	"github.com/wolfman30/whatsapp-scheduler/internal/events"
	"github.com/wolfman30/whatsapp-scheduler/internal/messaging"
	"github.com/wolfman30/whatsapp-scheduler/internal/messaging/zapiclient"
	"github.com/wolfman30/whatsapp-scheduler/pkg/logging"
)

// ReplySender delivers replies and marks inbound messages as read.
type ReplySender interface {
	SendText(ctx context.Context, phone, text string) error
	MarkRead(ctx context.Context, phone, messageID string) error
}

// LogSender writes replies to the log instead of WhatsApp. Used when Z-API
// credentials are missing so the flow can be exercised locally.
type LogSender struct {
	logger *logging.Logger
}

func NewLogSender(logger *logging.Logger) *LogSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) SendText(_ context.Context, phone, text string) error {
	s.logger.Info("whatsapp reply (not sent)", "phone", messaging.NormalizePhone(phone), "text", text)
	return nil
}

func (s *LogSender) MarkRead(context.Context, string, string) error {
	return nil
}

// BuildSender returns the Z-API client or a LogSender when unconfigured.
func BuildSender(cfg *appconfig.Config, logger *logging.Logger) (ReplySender, error) {
	if !cfg.ZAPIConfigured() {
		if logger != nil {
			logger.Warn("Z-API not configured; replies will only be logged")
		}
		return NewLogSender(logger), nil
	}
	client, err := zapiclient.New(zapiclient.Config{
		BaseURL:     cfg.ZAPIBaseURL,
		InstanceID:  cfg.ZAPIInstanceID,
		Token:       cfg.ZAPIToken,
		ClientToken: cfg.ZAPIClientToken,
		MaxRetries:  2,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

// BuildDeduper prefers Postgres, then Redis, then process memory.
func BuildDeduper(pool *pgxpool.Pool, redisClient *redis.Client, ttl time.Duration, logger *logging.Logger) events.Deduper {
	switch {
	case pool != nil:
		return events.NewProcessedStore(pool, ttl)
	case redisClient != nil:
		return events.NewRedisDeduper(redisClient, ttl)
	default:
		if logger != nil {
			logger.Warn("webhook dedupe kept in memory")
		}
		return events.NewMemoryDeduper()
	}
}
