package config

import (
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

// Config holds application configuration
type Config struct {
	Port           string
	Env            string
	LogLevel       string
	UseMemoryQueue bool
	WorkerCount    int
	MaxAttempts    int
	DatabaseURL    string
	AdminJWTSecret string

	// Conversation engine
	ConversationStore    string
	ConversationsTable   string
	ProcessingTimeout    time.Duration
	LockTTL              time.Duration
	ProcessedEventTTL    time.Duration
	ReminderInterval     time.Duration
	WaitlistNotifyLimit  int
	ConversationQueueURL string

	// AWS
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// GestãoDS scheduling provider
	GestaoDSAPIURL          string
	GestaoDSToken           string
	GestaoDSTimeout         time.Duration
	GestaoDSMaxRetries      int
	GestaoDSBackoff         time.Duration
	GestaoDSAppointmentType string

	// Z-API WhatsApp transport
	ZAPIBaseURL      string
	ZAPIInstanceID   string
	ZAPIToken        string
	ZAPIClientToken  string
	ZAPIWebhookToken string

	// Clinic details shown to patients
	ClinicName     string
	ClinicPhone    string
	ClinicEmail    string
	ClinicHours    string
	ClinicTimezone string

	// Staff hand-off e-mail
	StaffNotifyEmail string
	EmailProvider    string
	SendGridAPIKey   string
	EmailFrom        string
	EmailFromName    string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("ENV", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		UseMemoryQueue: getEnvAsBool("USE_MEMORY_QUEUE", true),
		WorkerCount:    getEnvAsInt("WORKER_COUNT", 4),
		MaxAttempts:    getEnvAsInt("MAX_DELIVERY_ATTEMPTS", 5),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),

		ConversationStore:    strings.ToLower(strings.TrimSpace(getEnv("CONVERSATION_STORE", "memory"))),
		ConversationsTable:   getEnv("DYNAMODB_CONVERSATIONS_TABLE", "whatsapp_conversations"),
		ProcessingTimeout:    getEnvAsDuration("PROCESSING_TIMEOUT", 30*time.Second),
		LockTTL:              getEnvAsDuration("LOCK_TTL", 45*time.Second),
		ProcessedEventTTL:    getEnvAsDuration("PROCESSED_EVENT_TTL", 72*time.Hour),
		ReminderInterval:     getEnvAsDuration("REMINDER_INTERVAL", time.Hour),
		WaitlistNotifyLimit:  getEnvAsInt("WAITLIST_NOTIFY_LIMIT", 3),
		ConversationQueueURL: getEnv("CONVERSATION_QUEUE_URL", ""),

		AWSRegion:           getEnv("AWS_REGION", "sa-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		GestaoDSAPIURL:          strings.TrimRight(getEnv("GESTAODS_API_URL", ""), "/"),
		GestaoDSToken:           getEnv("GESTAODS_TOKEN", ""),
		GestaoDSTimeout:         getEnvAsDuration("GESTAODS_TIMEOUT", 20*time.Second),
		GestaoDSMaxRetries:      getEnvAsInt("GESTAODS_MAX_RETRIES", 2),
		GestaoDSBackoff:         getEnvAsDuration("GESTAODS_BACKOFF", 500*time.Millisecond),
		GestaoDSAppointmentType: getEnv("GESTAODS_APPOINTMENT_TYPE", "consulta"),

		ZAPIBaseURL:      strings.TrimRight(getEnv("ZAPI_BASE_URL", "https://api.z-api.io"), "/"),
		ZAPIInstanceID:   getEnv("ZAPI_INSTANCE_ID", ""),
		ZAPIToken:        getEnv("ZAPI_TOKEN", ""),
		ZAPIClientToken:  getEnv("ZAPI_CLIENT_TOKEN", ""),
		ZAPIWebhookToken: getEnv("ZAPI_WEBHOOK_TOKEN", ""),

		ClinicName:     getEnv("CLINIC_NAME", "Clínica"),
		ClinicPhone:    getEnv("CLINIC_PHONE", ""),
		ClinicEmail:    getEnv("CLINIC_EMAIL", ""),
		ClinicHours:    getEnv("CLINIC_HOURS", "Segunda a Sexta: 8h às 18h\nSábado: 8h às 12h"),
		ClinicTimezone: getEnv("CLINIC_TIMEZONE", "America/Sao_Paulo"),

		StaffNotifyEmail: getEnv("STAFF_NOTIFY_EMAIL", ""),
		EmailProvider:    strings.ToLower(strings.TrimSpace(getEnv("EMAIL_PROVIDER", "stub"))),
		SendGridAPIKey:   getEnv("SENDGRID_API_KEY", ""),
		EmailFrom:        getEnv("EMAIL_FROM", ""),
		EmailFromName:    getEnv("EMAIL_FROM_NAME", "Assistente WhatsApp"),
	}
}

// GestaoDSConfigured reports whether the real scheduling provider can be used.
func (c *Config) GestaoDSConfigured() bool {
	return c != nil && c.GestaoDSAPIURL != "" && c.GestaoDSToken != ""
}

// ZAPIConfigured reports whether outbound WhatsApp delivery is possible.
func (c *Config) ZAPIConfigured() bool {
	return c != nil && c.ZAPIInstanceID != "" && c.ZAPIToken != ""
}

// ClinicLocation resolves the clinic time zone, falling back to UTC.
func (c *Config) ClinicLocation() *time.Location {
	if c == nil || c.ClinicTimezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
