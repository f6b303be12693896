package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// Fully qualified methods of the completion service. Messages are
// google.protobuf.Struct so no generated stubs are needed.
const (
	MethodChat  = "/triagedesk.llm.v1.Completion/Chat"
	MethodEmbed = "/triagedesk.llm.v1.Completion/Embed"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errEmptyCompletion          = errors.New("completion returned no content")
	errBackendError             = errors.New("completion backend returned error")
)

// GrpcClient talks to the completion service over gRPC.
type GrpcClient struct {
	conn   *grpc.ClientConn
	cfg    GrpcClientConfig
	logger *slog.Logger
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	Model            string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcClientConfig returns default configuration.
func DefaultGrpcClientConfig() GrpcClientConfig {
	return GrpcClientConfig{
		Address:          "localhost:50051",
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   15 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcClient connects to the completion service and fails fast when the
// endpoint is not ready within ConnectTimeout.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	def := DefaultGrpcClientConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = def.KeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = def.KeepaliveTimeout
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to llm service at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("llm service at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to LLM service", "address", cfg.Address, "model", cfg.Model)

	return &GrpcClient{conn: conn, cfg: cfg, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// ChatCompletion returns the text reply for req.
func (c *GrpcClient) ChatCompletion(ctx context.Context, req ChatRequest) (string, error) {
	return c.chat(ctx, req, false)
}

// JSONCompletion requests JSON mode and decodes the reply.
func (c *GrpcClient) JSONCompletion(ctx context.Context, req ChatRequest) (map[string]any, error) {
	content, err := c.chat(ctx, req, true)
	if err != nil {
		return nil, err
	}
	return ParseJSONObject(content)
}

func (c *GrpcClient) chat(ctx context.Context, req ChatRequest, jsonMode bool) (string, error) {
	in, err := structpb.NewStruct(map[string]any{
		"model":         c.cfg.Model,
		"system_prompt": req.SystemPrompt,
		"user_message":  req.UserMessage,
		"temperature":   req.Temperature,
		"max_tokens":    req.MaxTokens,
		"json_mode":     jsonMode,
	})
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}

	out, err := c.invoke(ctx, MethodChat, in)
	if err != nil {
		return "", err
	}

	content := out.GetFields()["content"].GetStringValue()
	if content == "" {
		return "", errEmptyCompletion
	}
	return content, nil
}

// Embed returns the embedding vector for text.
func (c *GrpcClient) Embed(ctx context.Context, text string) ([]float32, error) {
	in, err := structpb.NewStruct(map[string]any{
		"model": c.cfg.Model,
		"input": text,
	})
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}

	out, err := c.invoke(ctx, MethodEmbed, in)
	if err != nil {
		return nil, err
	}

	values := out.GetFields()["embedding"].GetListValue().GetValues()
	if len(values) == 0 {
		return nil, errEmptyCompletion
	}
	vec := make([]float32, len(values))
	for i, v := range values {
		vec[i] = float32(v.GetNumberValue())
	}
	return vec, nil
}

// invoke performs one unary call bounded by RequestTimeout. There is no
// retry; callers fall back on error.
func (c *GrpcClient) invoke(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	out := &structpb.Struct{}
	start := time.Now()
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		c.logger.Warn("LLM call failed", "method", method, "duration", time.Since(start), "error", err)
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	if msg := out.GetFields()["error"].GetStringValue(); msg != "" {
		return nil, fmt.Errorf("%w: %s", errBackendError, msg)
	}
	c.logger.Debug("LLM call completed", "method", method, "duration", time.Since(start))
	return out, nil
}

var (
	_ Client   = (*GrpcClient)(nil)
	_ Embedder = (*GrpcClient)(nil)
)
