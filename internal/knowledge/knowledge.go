// Package knowledge provides knowledge-base search for the resolver.
package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/ashureev/triagedesk/internal/llm"
	"github.com/qdrant/go-client/qdrant"
)

// Searcher returns ranked text snippets for a query. Implementations never
// fail: an internal error yields an empty result.
type Searcher interface {
	Search(ctx context.Context, query, tenantID, collection string) []string
}

// Noop is the Searcher used when no knowledge base is configured.
type Noop struct{}

// Search always returns nil.
func (Noop) Search(context.Context, string, string, string) []string { return nil }

// pointQuerier is the subset of *qdrant.Client used by QdrantSearcher.
type pointQuerier interface {
	Query(ctx context.Context, request *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
}

// QdrantConfig holds Qdrant connection configuration.
type QdrantConfig struct {
	// URL is the Qdrant gRPC address, e.g. "https://example.qdrant.io:6334".
	URL    string
	APIKey string
	// TopK is the number of snippets returned per query.
	TopK int
	// MinScore drops weaker matches when positive.
	MinScore float32
}

// QdrantSearcher embeds the query and searches a tenant-scoped collection.
type QdrantSearcher struct {
	points   pointQuerier
	embedder llm.Embedder
	topK     int
	minScore float32
	logger   *slog.Logger
	closer   func() error
}

// NewQdrantSearcher connects to Qdrant.
func NewQdrantSearcher(cfg QdrantConfig, embedder llm.Embedder, logger *slog.Logger) (*QdrantSearcher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("qdrant url is required")
	}

	raw := cfg.URL
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse qdrant url: %w", err)
	}

	port := 6334
	if u.Port() != "" {
		if port, err = strconv.Atoi(u.Port()); err != nil {
			return nil, fmt.Errorf("invalid port: %w", err)
		}
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   u.Hostname(),
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: u.Scheme == "https",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	s := newQdrantSearcher(client, embedder, cfg, logger)
	s.closer = client.Close
	return s, nil
}

func newQdrantSearcher(points pointQuerier, embedder llm.Embedder, cfg QdrantConfig, logger *slog.Logger) *QdrantSearcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	return &QdrantSearcher{
		points:   points,
		embedder: embedder,
		topK:     cfg.TopK,
		minScore: cfg.MinScore,
		logger:   logger,
	}
}

// Search returns up to TopK snippets from collection restricted to tenantID.
func (s *QdrantSearcher) Search(ctx context.Context, query, tenantID, collection string) []string {
	query = strings.TrimSpace(query)
	if query == "" || collection == "" {
		return nil
	}

	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		s.logger.Warn("Knowledge base embedding failed", "tenant_id", tenantID, "error", err)
		return nil
	}

	limit := uint64(s.topK)
	points, err := s.points.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &limit,
		Filter:         tenantFilter(tenantID),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		s.logger.Warn("Knowledge base search failed", "tenant_id", tenantID, "collection", collection, "error", err)
		return nil
	}

	snippets := make([]string, 0, len(points))
	for _, point := range points {
		if s.minScore > 0 && point.Score < s.minScore {
			continue
		}
		if content := point.Payload["content"].GetStringValue(); content != "" {
			snippets = append(snippets, content)
		}
	}
	return snippets
}

// Close releases the Qdrant connection.
func (s *QdrantSearcher) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

func tenantFilter(tenantID string) *qdrant.Filter {
	if tenantID == "" {
		return nil
	}
	return &qdrant.Filter{Must: []*qdrant.Condition{{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key:   "tenant_id",
				Match: &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: tenantID}},
			},
		},
	}}}
}

var (
	_ Searcher = Noop{}
	_ Searcher = (*QdrantSearcher)(nil)
)
