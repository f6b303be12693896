// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port             string
	DBPath           string
	DefaultCompanyID string
	MaxMessageLength int
	AllowedOrigins   []string
	OperatorAPIKey   string

	Tenant    TenantConfig
	LLM       LLMConfig
	Knowledge KnowledgeConfig
	Kafka     KafkaConfig
	Lifecycle LifecycleConfig
	RateLimit RateLimitConfig
}

// TenantConfig selects where company configurations come from.
type TenantConfig struct {
	File        string
	SupabaseURL string
	SupabaseKey string
	RedisURL    string
	CacheTTL    time.Duration
}

// LLMConfig configures the completion backend.
type LLMConfig struct {
	Addr    string
	Model   string
	Timeout time.Duration
}

// KnowledgeConfig configures knowledge-base search.
type KnowledgeConfig struct {
	QdrantURL    string
	QdrantAPIKey string
	TopK         int
	MinScore     float64
}

// KafkaConfig configures escalation notices.
type KafkaConfig struct {
	Brokers         []string
	EscalationTopic string
}

// LifecycleConfig configures the lifecycle worker.
type LifecycleConfig struct {
	Enabled   bool
	Interval  time.Duration
	BatchSize int
}

// RateLimitConfig configures ingestion throttling.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		DBPath:           getEnv("DB_PATH", "./data/triagedesk.db"),
		DefaultCompanyID: getEnv("DEFAULT_COMPANY_ID", "default"),
		MaxMessageLength: getEnvInt("MAX_MESSAGE_LENGTH", 4000),
		AllowedOrigins:   getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		OperatorAPIKey:   getEnv("OPERATOR_API_KEY", ""),
		Tenant: TenantConfig{
			File:        getEnv("TENANTS_FILE", ""),
			SupabaseURL: getEnv("SUPABASE_URL", ""),
			SupabaseKey: getEnv("SUPABASE_KEY", ""),
			RedisURL:    getEnv("REDIS_URL", ""),
			CacheTTL:    getEnvDuration("TENANT_CACHE_TTL", 5*time.Minute),
		},
		LLM: LLMConfig{
			Addr:    getEnv("LLM_ADDR", ""),
			Model:   getEnv("LLM_MODEL", ""),
			Timeout: getEnvDuration("LLM_TIMEOUT", 15*time.Second),
		},
		Knowledge: KnowledgeConfig{
			QdrantURL:    getEnv("QDRANT_URL", ""),
			QdrantAPIKey: getEnv("QDRANT_API_KEY", ""),
			TopK:         getEnvInt("KB_TOP_K", 3),
			MinScore:     getEnvFloat("KB_MIN_SCORE", 0.3),
		},
		Kafka: KafkaConfig{
			Brokers:         getEnvList("KAFKA_BROKERS", nil),
			EscalationTopic: getEnv("KAFKA_ESCALATION_TOPIC", "ticket-escalations"),
		},
		Lifecycle: LifecycleConfig{
			Enabled:   getEnvBool("LIFECYCLE_ENABLED", true),
			Interval:  getEnvDuration("LIFECYCLE_INTERVAL", time.Minute),
			BatchSize: getEnvInt("LIFECYCLE_BATCH_SIZE", 50),
		},
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 20),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.DefaultCompanyID == "" {
		return fmt.Errorf("DEFAULT_COMPANY_ID cannot be empty")
	}
	if c.MaxMessageLength <= 0 {
		return fmt.Errorf("MAX_MESSAGE_LENGTH must be > 0")
	}
	if (c.Tenant.SupabaseURL == "") != (c.Tenant.SupabaseKey == "") {
		return fmt.Errorf("SUPABASE_URL and SUPABASE_KEY must be set together")
	}
	if c.Tenant.CacheTTL <= 0 {
		return fmt.Errorf("TENANT_CACHE_TTL must be > 0")
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("LLM_TIMEOUT must be > 0")
	}
	if c.Knowledge.TopK <= 0 {
		return fmt.Errorf("KB_TOP_K must be > 0")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.EscalationTopic == "" {
		return fmt.Errorf("KAFKA_ESCALATION_TOPIC cannot be empty when KAFKA_BROKERS is set")
	}
	if c.Lifecycle.Interval <= 0 {
		return fmt.Errorf("LIFECYCLE_INTERVAL must be > 0")
	}
	if c.Lifecycle.BatchSize <= 0 {
		return fmt.Errorf("LIFECYCLE_BATCH_SIZE must be > 0")
	}
	if c.RateLimit.Requests <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
