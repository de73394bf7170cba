// Package memory provides the long-term memory facade consumed by the
// runtime: best-effort semantic search, retrieve-by-id, store, and delete
// over a cache plus vector store.
package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/agentshell/agentshell/internal/observability"
)

// ErrNotFound is returned by Retrieve and Delete for unknown ids.
var ErrNotFound = errors.New("memory record not found")

// Record is one stored memory.
type Record struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SearchResult is one semantic search hit.
type SearchResult struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Cache is the retrieve-by-id fast path. The redis backend implements it;
// a nil cache disables write-through.
type Cache interface {
	Get(ctx context.Context, id string) (Record, bool, error)
	Set(ctx context.Context, rec Record) error
	Delete(ctx context.Context, id string) error
	Close() error
}

// Store is the semantic search backend.
type Store interface {
	Add(ctx context.Context, rec Record) error
	Search(ctx context.Context, query string, limit int, filter map[string]any) ([]SearchResult, error)
	Get(ctx context.Context, id string) (Record, bool, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// Manager fronts the backends with the semantics the core relies on:
// search degrades to empty results on backend failure, retrieve fails on
// unknown ids, store returns the assigned id.
type Manager struct {
	cache   Cache
	store   Store
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewManager wires a manager. Either backend may be nil, not both: with a
// nil cache there is no write-through, and with a nil store records live in
// the cache only and semantic search degrades to empty results.
func NewManager(cache Cache, store Store, logger *observability.Logger, metrics *observability.Metrics) *Manager {
	return &Manager{cache: cache, store: store, logger: logger, metrics: metrics}
}

// Search returns up to limit semantic matches for query. Backend errors are
// logged and surface as an empty result set, never as a failure.
func (m *Manager) Search(ctx context.Context, query string, limit int, filter map[string]any) []SearchResult {
	if limit <= 0 {
		limit = 5
	}
	if m.store == nil {
		// Cache-only deployments have no semantic index.
		m.metrics.RecordMemoryOp("search", nil)
		return nil
	}
	results, err := m.store.Search(ctx, query, limit, filter)
	m.metrics.RecordMemoryOp("search", err)
	if err != nil {
		m.logger.Warn(ctx, "memory search degraded", "error", err)
		return nil
	}
	return results
}

// Retrieve returns the record with the given id, trying the cache first.
func (m *Manager) Retrieve(ctx context.Context, id string) (Record, error) {
	if m.cache != nil {
		if rec, ok, err := m.cache.Get(ctx, id); err == nil && ok {
			m.metrics.RecordMemoryOp("retrieve", nil)
			return rec, nil
		} else if err != nil {
			m.logger.Warn(ctx, "memory cache read failed", "error", err, "memory_id", id)
		}
	}

	if m.store == nil {
		err := fmt.Errorf("%w: %s", ErrNotFound, id)
		m.metrics.RecordMemoryOp("retrieve", err)
		return Record{}, err
	}

	rec, ok, err := m.store.Get(ctx, id)
	if err == nil && !ok {
		err = fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	m.metrics.RecordMemoryOp("retrieve", err)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Store persists text with metadata and returns the assigned id. The cache
// write-through is best-effort.
func (m *Manager) Store(ctx context.Context, text string, metadata map[string]any) (string, error) {
	if text == "" {
		err := errors.New("cannot store empty memory text")
		m.metrics.RecordMemoryOp("store", err)
		return "", err
	}
	rec := Record{ID: uuid.NewString(), Text: text, Metadata: metadata}

	if m.store == nil {
		err := m.cache.Set(ctx, rec)
		m.metrics.RecordMemoryOp("store", err)
		if err != nil {
			return "", fmt.Errorf("store memory: %w", err)
		}
		return rec.ID, nil
	}

	err := m.store.Add(ctx, rec)
	m.metrics.RecordMemoryOp("store", err)
	if err != nil {
		return "", fmt.Errorf("store memory: %w", err)
	}

	if m.cache != nil {
		if err := m.cache.Set(ctx, rec); err != nil {
			m.logger.Warn(ctx, "memory cache write failed", "error", err, "memory_id", rec.ID)
		}
	}
	return rec.ID, nil
}

// Delete removes a record from the store and cache. Unknown ids return
// ErrNotFound, except in cache-only mode where the cache cannot report
// whether the id existed.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if m.store == nil {
		err := m.cache.Delete(ctx, id)
		m.metrics.RecordMemoryOp("delete", err)
		return err
	}

	deleted, err := m.store.Delete(ctx, id)
	if err == nil && !deleted {
		err = fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	m.metrics.RecordMemoryOp("delete", err)
	if err != nil {
		return err
	}

	if m.cache != nil {
		if err := m.cache.Delete(ctx, id); err != nil {
			m.logger.Warn(ctx, "memory cache delete failed", "error", err, "memory_id", id)
		}
	}
	return nil
}

// Close releases backend resources.
func (m *Manager) Close() error {
	if m.cache != nil {
		return m.cache.Close()
	}
	return nil
}
