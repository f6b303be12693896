package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "DB_PATH", "ALLOWED_ORIGINS", "KAFKA_BROKERS", "LIFECYCLE_INTERVAL", "SUPABASE_URL", "SUPABASE_KEY"} {
		t.Setenv(key, "")
	}
	t.Setenv("PORT", "8080")
	t.Setenv("DB_PATH", "./data/test.db")
	t.Setenv("LIFECYCLE_INTERVAL", "1m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxMessageLength != 4000 || cfg.LLM.Timeout != 15*time.Second || cfg.Lifecycle.BatchSize != 50 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if !cfg.Lifecycle.Enabled {
		t.Error("lifecycle worker should be enabled by default")
	}
	if len(cfg.AllowedOrigins) != 0 {
		t.Errorf("empty ALLOWED_ORIGINS should yield no origins, got %v", cfg.AllowedOrigins)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DB_PATH", "/tmp/x.db")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("LLM_TIMEOUT", "3s")
	t.Setenv("KB_MIN_SCORE", "0.55")
	t.Setenv("LIFECYCLE_ENABLED", "false")
	t.Setenv("RATE_LIMIT_REQUESTS", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "9090" || cfg.LLM.Timeout != 3*time.Second || cfg.Knowledge.MinScore != 0.55 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if strings.Join(cfg.AllowedOrigins, "|") != "https://a.example.com|https://b.example.com" {
		t.Errorf("origins = %v", cfg.AllowedOrigins)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Lifecycle.Enabled || cfg.RateLimit.Requests != 7 {
		t.Errorf("kafka/lifecycle/rate limit = %+v %+v %+v", cfg.Kafka, cfg.Lifecycle, cfg.RateLimit)
	}
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("DB_PATH", "x.db")
	t.Setenv("LIFECYCLE_BATCH_SIZE", "lots")
	t.Setenv("LIFECYCLE_INTERVAL", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Lifecycle.BatchSize != 50 || cfg.Lifecycle.Interval != time.Minute {
		t.Errorf("fallbacks not applied: %+v", cfg.Lifecycle)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Port:             "8080",
			DBPath:           "x.db",
			DefaultCompanyID: "default",
			MaxMessageLength: 4000,
			Tenant:           TenantConfig{CacheTTL: time.Minute},
			LLM:              LLMConfig{Timeout: time.Second},
			Knowledge:        KnowledgeConfig{TopK: 3},
			Lifecycle:        LifecycleConfig{Interval: time.Minute, BatchSize: 10},
			RateLimit:        RateLimitConfig{Requests: 5, Window: time.Minute},
		}
	}
	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty port", func(c *Config) { c.Port = "" }, "PORT"},
		{"empty db", func(c *Config) { c.DBPath = "" }, "DB_PATH"},
		{"half supabase", func(c *Config) { c.Tenant.SupabaseURL = "https://x.supabase.co" }, "SUPABASE"},
		{"kafka without topic", func(c *Config) { c.Kafka.Brokers = []string{"k:9092"} }, "KAFKA_ESCALATION_TOPIC"},
		{"zero batch", func(c *Config) { c.Lifecycle.BatchSize = 0 }, "LIFECYCLE_BATCH_SIZE"},
		{"zero rate", func(c *Config) { c.RateLimit.Requests = 0 }, "RATE_LIMIT_REQUESTS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error mentioning %s", err, tt.want)
			}
		})
	}
}
