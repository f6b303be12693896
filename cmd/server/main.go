// TriageDesk - multi-agent support ticket triage server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/triagedesk/internal/agent"
	"github.com/ashureev/triagedesk/internal/api"
	"github.com/ashureev/triagedesk/internal/channel"
	"github.com/ashureev/triagedesk/internal/config"
	"github.com/ashureev/triagedesk/internal/domain"
	"github.com/ashureev/triagedesk/internal/ingest"
	"github.com/ashureev/triagedesk/internal/knowledge"
	"github.com/ashureev/triagedesk/internal/lifecycle"
	"github.com/ashureev/triagedesk/internal/llm"
	"github.com/ashureev/triagedesk/internal/middleware"
	"github.com/ashureev/triagedesk/internal/notify"
	"github.com/ashureev/triagedesk/internal/pipeline"
	"github.com/ashureev/triagedesk/internal/store"
	"github.com/ashureev/triagedesk/internal/tenant"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	var envFile, tenantsFile, port string
	flagSet := pflag.NewFlagSet("triagedesk", pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	flagSet.StringVar(&tenantsFile, "tenants-file", "", "YAML file with company configurations (overrides TENANTS_FILE)")
	flagSet.StringVar(&port, "port", "", "HTTP port (overrides PORT)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		slog.Error("Invalid flags", "error", err)
		os.Exit(2)
	}

	if err := godotenv.Load(envFile); err != nil {
		slog.Info("No .env file found, using environment variables", "path", envFile)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if tenantsFile != "" {
		cfg.Tenant.File = tenantsFile
	}
	if port != "" {
		cfg.Port = port
	}

	slog.Info("Starting server", "port", cfg.Port, "default_company", cfg.DefaultCompanyID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	tenants, err := buildTenants(ctx, cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize company configuration", "error", err)
		os.Exit(1)
	}

	completion, closeLLM := buildLLM(cfg, logger)
	defer closeLLM()

	searcher, closeKB := buildKnowledge(cfg, completion, logger)
	defer closeKB()

	var notifier notify.Notifier = notify.Noop{}
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaNotifier := notify.NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.EscalationTopic, logger)
		defer func() {
			if closeErr := kafkaNotifier.Close(); closeErr != nil {
				slog.Error("Failed to close escalation notifier", "error", closeErr)
			}
		}()
		notifier = kafkaNotifier
		slog.Info("Escalation notices enabled", "topic", cfg.Kafka.EscalationTopic)
	}

	// Outbound channels. Chat replies go over the WebSocket hub; the other
	// channels only log until a provider adapter is registered.
	hub := channel.NewChatHub(cfg.AllowedOrigins, logger)
	senders := channel.NewRegistry()
	senders.Register(domain.ChannelChat, hub)
	for _, ch := range []domain.Channel{domain.ChannelTelegram, domain.ChannelWhatsApp, domain.ChannelEmail, domain.ChannelPhone} {
		senders.Register(ch, channel.LogSender{Channel: ch, Logger: logger})
	}

	orchestrator := pipeline.New(repo, tenants, agent.Deps{
		LLM:       completion,
		Knowledge: searcher,
		Logger:    logger,
	})

	scheduler := lifecycle.NewScheduler(repo, tenants, senders, logger)
	var workerDone <-chan struct{}
	if cfg.Lifecycle.Enabled {
		workerDone = scheduler.Start(ctx, cfg.Lifecycle.Interval, cfg.Lifecycle.BatchSize)
	} else {
		slog.Info("Lifecycle worker disabled")
	}

	svc := ingest.NewService(ingest.Deps{
		Store:            repo,
		Tenants:          tenants,
		Pipeline:         orchestrator,
		Lifecycle:        scheduler,
		Sender:           senders,
		Notifier:         notifier,
		LLM:              completion,
		Logger:           logger,
		DefaultCompanyID: cfg.DefaultCompanyID,
		MaxMessageLength: cfg.MaxMessageLength,
	})

	hub.SetHandler(func(ctx context.Context, msg channel.Inbound) error {
		_, err := svc.Ingest(ctx, ingest.Request{
			Channel:        string(domain.ChannelChat),
			ExternalUserID: msg.UserID,
			Text:           msg.Text,
			CompanyID:      msg.CompanyID,
			Metadata:       map[string]any{"message_id": msg.MessageID},
		})
		return err
	})

	limiter := middleware.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	defer limiter.Stop()

	healthHandler := api.NewHealthHandler(repo)
	ticketHandler := api.NewTicketHandler(repo, svc, orchestrator, logger)

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.NewCORS(cfg.AllowedOrigins, logger).Handler)

	healthHandler.RegisterHealth(r)
	ticketHandler.RegisterRoutes(r, limiter, cfg.OperatorAPIKey)
	r.Get("/ws/chat", hub.ServeHTTP)

	// WebSocket chat connections are long lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	svc.Wait()
	if workerDone != nil {
		// The worker exits on ctx cancellation; it must finish before the
		// repository is closed.
		<-workerDone
	}

	slog.Info("Server stopped successfully")
}

// buildTenants picks the company configuration source: a YAML file, then
// Supabase, then built-in defaults. Redis caching wraps whichever is chosen.
func buildTenants(ctx context.Context, cfg *config.Config, logger *slog.Logger) (tenant.Provider, error) {
	var provider tenant.Provider = tenant.Static{}
	switch {
	case cfg.Tenant.File != "":
		fp, err := tenant.LoadFile(cfg.Tenant.File)
		if err != nil {
			return nil, err
		}
		slog.Info("Company configurations loaded", "path", cfg.Tenant.File, "companies", fp.Len())
		provider = fp
	case cfg.Tenant.SupabaseURL != "":
		sp, err := tenant.NewSupabaseProvider(cfg.Tenant.SupabaseURL, cfg.Tenant.SupabaseKey)
		if err != nil {
			return nil, err
		}
		slog.Info("Company configurations served by Supabase")
		provider = sp
	default:
		slog.Info("No company configuration source, using defaults")
	}

	if cfg.Tenant.RedisURL == "" {
		return provider, nil
	}
	client, err := tenant.NewRedisClient(ctx, cfg.Tenant.RedisURL)
	if err != nil {
		slog.Warn("Redis unavailable, company configurations will not be cached", "error", err)
		return provider, nil
	}
	slog.Info("Company configuration cache enabled", "ttl", cfg.Tenant.CacheTTL)
	return tenant.NewCachedProvider(provider, client, cfg.Tenant.CacheTTL, logger), nil
}

// buildLLM connects to the completion service. Without one the agents run
// on their rule-based fallbacks.
func buildLLM(cfg *config.Config, logger *slog.Logger) (llm.Client, func()) {
	if cfg.LLM.Addr == "" {
		slog.Info("AI features disabled (LLM_ADDR not set)")
		return llm.Unavailable{}, func() {}
	}

	grpcCfg := llm.DefaultGrpcClientConfig()
	grpcCfg.Address = cfg.LLM.Addr
	grpcCfg.Model = cfg.LLM.Model
	grpcCfg.RequestTimeout = cfg.LLM.Timeout

	client, err := llm.NewGrpcClient(grpcCfg, logger)
	if err != nil {
		slog.Warn("Failed to connect to completion service, AI features will be disabled", "error", err)
		return llm.Unavailable{}, func() {}
	}
	slog.Info("Completion service connected", "address", cfg.LLM.Addr)
	return client, client.Close
}

func buildKnowledge(cfg *config.Config, completion llm.Client, logger *slog.Logger) (knowledge.Searcher, func()) {
	embedder, ok := completion.(llm.Embedder)
	if cfg.Knowledge.QdrantURL == "" || !ok {
		return knowledge.Noop{}, func() {}
	}
	searcher, err := knowledge.NewQdrantSearcher(knowledge.QdrantConfig{
		URL:      cfg.Knowledge.QdrantURL,
		APIKey:   cfg.Knowledge.QdrantAPIKey,
		TopK:     cfg.Knowledge.TopK,
		MinScore: float32(cfg.Knowledge.MinScore),
	}, embedder, logger)
	if err != nil {
		slog.Warn("Knowledge base unavailable", "error", err)
		return knowledge.Noop{}, func() {}
	}
	return searcher, func() {
		if err := searcher.Close(); err != nil {
			slog.Error("Failed to close knowledge base client", "error", err)
		}
	}
}
