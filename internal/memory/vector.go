package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// Embedder turns text into vectors. The provider adapters satisfy this via
// a thin closure; tests supply a deterministic fake.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

// VectorStore is an in-process cosine-similarity store. It holds records
// and their embeddings in memory; persistence is out of scope for the
// runtime, the interface is what the core depends on.
type VectorStore struct {
	embedder Embedder

	mu    sync.RWMutex
	items map[string]vectorItem
}

type vectorItem struct {
	rec Record
	vec []float32
}

// NewVectorStore creates an empty store over the given embedder.
func NewVectorStore(embedder Embedder) *VectorStore {
	return &VectorStore{
		embedder: embedder,
		items:    make(map[string]vectorItem),
	}
}

func (s *VectorStore) Add(ctx context.Context, rec Record) error {
	vecs, err := s.embedder.Embed(ctx, []string{rec.Text})
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	if len(vecs) != 1 {
		return fmt.Errorf("embedder returned %d vectors for 1 input", len(vecs))
	}

	s.mu.Lock()
	s.items[rec.ID] = vectorItem{rec: rec, vec: vecs[0]}
	s.mu.Unlock()
	return nil
}

func (s *VectorStore) Search(ctx context.Context, query string, limit int, filter map[string]any) ([]SearchResult, error) {
	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for 1 input", len(vecs))
	}
	queryVec := vecs[0]

	s.mu.RLock()
	results := make([]SearchResult, 0, len(s.items))
	for _, item := range s.items {
		if !matchesFilter(item.rec.Metadata, filter) {
			continue
		}
		results = append(results, SearchResult{
			ID:       item.rec.ID,
			Text:     item.rec.Text,
			Score:    cosine(queryVec, item.vec),
			Metadata: item.rec.Metadata,
		})
	}
	s.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *VectorStore) Get(ctx context.Context, id string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return Record{}, false, nil
	}
	return item.rec, true, nil
}

func (s *VectorStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return false, nil
	}
	delete(s.items, id)
	return true, nil
}

// Len returns the number of stored records.
func (s *VectorStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// matchesFilter requires every filter key to equal the record metadata
// value. A nil filter matches everything.
func matchesFilter(metadata, filter map[string]any) bool {
	for k, want := range filter {
		if metadata == nil {
			return false
		}
		if got, ok := metadata[k]; !ok || got != want {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
