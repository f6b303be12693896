package knowledge

import (
	"context"
	"errors"
	"testing"

	"github.com/qdrant/go-client/qdrant"
)

type fakeEmbedder struct {
	err error
}

func (f fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2}, nil
}

type fakeQuerier struct {
	got    *qdrant.QueryPoints
	points []*qdrant.ScoredPoint
	err    error
}

func (f *fakeQuerier) Query(_ context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error) {
	f.got = req
	return f.points, f.err
}

func point(content string, score float32) *qdrant.ScoredPoint {
	return &qdrant.ScoredPoint{
		Score: score,
		Payload: map[string]*qdrant.Value{
			"content": {Kind: &qdrant.Value_StringValue{StringValue: content}},
		},
	}
}

func TestQdrantSearcher(t *testing.T) {
	q := &fakeQuerier{points: []*qdrant.ScoredPoint{
		point("Reembolsos levam até 7 dias úteis.", 0.91),
		point("", 0.8),
		point("Segunda via do boleto no app.", 0.42),
	}}
	s := newQdrantSearcher(q, fakeEmbedder{}, QdrantConfig{TopK: 5, MinScore: 0.5}, nil)

	got := s.Search(context.Background(), "reembolso", "acme", "acme_kb")
	if len(got) != 1 || got[0] != "Reembolsos levam até 7 dias úteis." {
		t.Fatalf("snippets = %v", got)
	}
	if q.got.GetCollectionName() != "acme_kb" || q.got.GetLimit() != 5 {
		t.Errorf("request = %+v", q.got)
	}
	must := q.got.GetFilter().GetMust()
	if len(must) != 1 || must[0].GetField().GetMatch().GetKeyword() != "acme" {
		t.Errorf("filter = %+v", q.got.GetFilter())
	}
}

func TestQdrantSearcherSwallowsErrors(t *testing.T) {
	tests := []struct {
		name     string
		embedder fakeEmbedder
		querier  *fakeQuerier
		query    string
	}{
		{"embed error", fakeEmbedder{err: errors.New("down")}, &fakeQuerier{}, "x"},
		{"query error", fakeEmbedder{}, &fakeQuerier{err: errors.New("down")}, "x"},
		{"empty query", fakeEmbedder{}, &fakeQuerier{points: []*qdrant.ScoredPoint{point("a", 1)}}, "  "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newQdrantSearcher(tt.querier, tt.embedder, QdrantConfig{}, nil)
			if got := s.Search(context.Background(), tt.query, "acme", "kb"); len(got) != 0 {
				t.Errorf("expected no snippets, got %v", got)
			}
		})
	}
}
