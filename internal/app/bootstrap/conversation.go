package bootstrap

import (
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/whatsapp-scheduler/internal/bookings"
	appconfig "github.com/wolfman30/whatsapp-scheduler/internal/config"
	"github.com/wolfman30/whatsapp-scheduler/internal/conversation"
	"github.com/wolfman30/whatsapp-scheduler/internal/reminders"
	"github.com/wolfman30/whatsapp-scheduler/internal/scheduling"
	"github.com/wolfman30/whatsapp-scheduler/internal/scheduling/gestaods"
	"github.com/wolfman30/whatsapp-scheduler/pkg/logging"
)

// Conversation store backends selectable with CONVERSATION_STORE.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreDynamoDB = "dynamodb"
)

// Deps are the shared clients a binary managed to open. Any of them may be
// nil; builders fall back or fail depending on what config asks for.
type Deps struct {
	Postgres *pgxpool.Pool
	Redis    *redis.Client
	AWS      *aws.Config
}

// BuildConversationStore selects the conversation persistence backend.
func BuildConversationStore(cfg *appconfig.Config, deps Deps, logger *logging.Logger) (conversation.Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	kind := strings.ToLower(strings.TrimSpace(cfg.ConversationStore))
	switch kind {
	case "", StoreMemory:
		logger.Warn("using in-memory conversation store; state is lost on restart")
		return conversation.NewMemoryStore(), nil
	case StorePostgres:
		if deps.Postgres == nil {
			return nil, fmt.Errorf("bootstrap: conversation store %q requires DATABASE_URL", kind)
		}
		return conversation.NewPGStore(deps.Postgres), nil
	case StoreRedis:
		if deps.Redis == nil {
			return nil, fmt.Errorf("bootstrap: conversation store %q requires REDIS_ADDR", kind)
		}
		return conversation.NewRedisStore(deps.Redis), nil
	case StoreDynamoDB:
		if deps.AWS == nil {
			return nil, fmt.Errorf("bootstrap: conversation store %q requires AWS config", kind)
		}
		return conversation.NewDynamoStore(dynamodb.NewFromConfig(*deps.AWS), cfg.ConversationsTable), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown conversation store %q", kind)
	}
}

// BuildLocker returns the per-phone lock. With Redis available the local
// lock is layered over a distributed one so several workers can share a
// queue.
func BuildLocker(cfg *appconfig.Config, redisClient *redis.Client, logger *logging.Logger) conversation.Locker {
	local := conversation.NewLocalLocker()
	if redisClient == nil {
		return local
	}
	return conversation.LayeredLocker{local, conversation.NewRedisLocker(redisClient, cfg.LockTTL, logger)}
}

// BuildSchedulingGateway returns the GestãoDS client, or the stub calendar
// when credentials are missing.
func BuildSchedulingGateway(cfg *appconfig.Config, observer gestaods.CallObserver, logger *logging.Logger) (scheduling.Gateway, error) {
	if logger == nil {
		logger = logging.Default()
	}
	if !cfg.GestaoDSConfigured() {
		logger.Warn("GestãoDS not configured; using stub scheduling gateway")
		return scheduling.NewStubGateway(cfg.ClinicLocation()), nil
	}
	client, err := gestaods.New(gestaods.Config{
		BaseURL:         cfg.GestaoDSAPIURL,
		Token:           cfg.GestaoDSToken,
		Timeout:         cfg.GestaoDSTimeout,
		MaxRetries:      cfg.GestaoDSMaxRetries,
		Backoff:         cfg.GestaoDSBackoff,
		AppointmentType: cfg.GestaoDSAppointmentType,
		Location:        cfg.ClinicLocation(),
		Logger:          logger,
		Observer:        observer,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: gestaods client: %w", err)
	}
	logger.Info("using GestãoDS scheduling gateway", "base_url", cfg.GestaoDSAPIURL)
	return client, nil
}

// BuildBookingsRepository returns the Postgres mirror when a database is
// configured and the in-memory one otherwise.
func BuildBookingsRepository(cfg *appconfig.Config, logger *logging.Logger) (BookingsRepository, error) {
	db, err := BuildSQLDB(cfg)
	if err != nil {
		return nil, err
	}
	if db == nil {
		if logger != nil {
			logger.Warn("DATABASE_URL not set; appointments and wait-list kept in memory")
		}
		return bookings.NewInMemoryRepository(), nil
	}
	return bookings.NewSQLRepository(db), nil
}

// BookingsRepository is what the machine, the admin API and the reminders
// job need from the local appointment mirror.
type BookingsRepository interface {
	conversation.AppointmentRecorder
	conversation.WaitlistEnroller
	reminders.Store
}

// EngineParts are the collaborators the dialogue machine needs.
type EngineParts struct {
	Gateway  scheduling.Gateway
	Bookings BookingsRepository
	Handoff  conversation.HandoffNotifier
	Store    conversation.Store
	Locker   conversation.Locker
	Observer conversation.EngineObserver
}

// BuildEngine assembles the state machine and the engine around it.
func BuildEngine(cfg *appconfig.Config, parts EngineParts, logger *logging.Logger) *conversation.Engine {
	machineOpts := []conversation.MachineOption{
		conversation.WithClinic(conversation.ClinicInfo{
			Name:     cfg.ClinicName,
			Phone:    cfg.ClinicPhone,
			Email:    cfg.ClinicEmail,
			Hours:    cfg.ClinicHours,
			Location: cfg.ClinicLocation(),
		}),
		conversation.WithMachineLogger(logger),
	}
	if parts.Bookings != nil {
		machineOpts = append(machineOpts,
			conversation.WithAppointmentRecorder(parts.Bookings),
			conversation.WithWaitlist(parts.Bookings),
		)
	}
	if parts.Handoff != nil {
		machineOpts = append(machineOpts, conversation.WithHandoffNotifier(parts.Handoff))
	}
	machine := conversation.NewMachine(parts.Gateway, machineOpts...)

	engineOpts := []conversation.EngineOption{
		conversation.WithEngineLogger(logger),
		conversation.WithProcessingTimeout(cfg.ProcessingTimeout),
	}
	if parts.Locker != nil {
		engineOpts = append(engineOpts, conversation.WithLocker(parts.Locker))
	}
	if parts.Observer != nil {
		engineOpts = append(engineOpts, conversation.WithEngineObserver(parts.Observer))
	}
	return conversation.NewEngine(parts.Store, machine, engineOpts...)
}

// BuildQueue returns the SQS queue, or an in-memory one when USE_MEMORY_QUEUE
// is set. The in-memory queue only works when the API and worker share a
// process.
func BuildQueue(cfg *appconfig.Config, awsCfg *aws.Config) (conversation.Queue, error) {
	if cfg.UseMemoryQueue {
		return conversation.NewMemoryQueue(256, conversation.WithVisibilityTimeout(2*cfg.ProcessingTimeout)), nil
	}
	if strings.TrimSpace(cfg.ConversationQueueURL) == "" {
		return nil, fmt.Errorf("bootstrap: CONVERSATION_QUEUE_URL is required when USE_MEMORY_QUEUE=false")
	}
	if awsCfg == nil {
		return nil, fmt.Errorf("bootstrap: SQS queue requires AWS config")
	}
	return conversation.NewSQSQueue(sqs.NewFromConfig(*awsCfg), cfg.ConversationQueueURL), nil
}
