package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/singleflight"

	"github.com/Strob0t/MemForge/internal/port/tier"
)

// KnowledgeStore is the durable store capability set the facade needs beyond
// plain key/value: content search and document ingestion.
type KnowledgeStore interface {
	tier.Searcher
	UpsertDocument(ctx context.Context, key, content string, metadata map[string]string) error
	GetDocument(ctx context.Context, key string) (string, error)
}

// Facade provides lookup-or-compute semantics for named operations on top of
// the tiered engine. Callers see values and errors, never tiers.
type Facade struct {
	engine    *Engine
	knowledge KnowledgeStore
	sf        singleflight.Group
	log       *slog.Logger
}

// NewFacade creates a Facade over the given engine and knowledge store.
func NewFacade(engine *Engine, knowledge KnowledgeStore, log *slog.Logger) *Facade {
	if log == nil {
		log = slog.Default()
	}
	return &Facade{engine: engine, knowledge: knowledge, log: log}
}

// CacheKey derives a deterministic key from an operation name and its
// arguments. Argument order does not matter: keys are sorted before hashing.
func CacheKey(op string, args map[string]any) string {
	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		val, err := json.Marshal(args[name])
		if err != nil {
			// Unmarshalable arguments degrade to their Go representation;
			// the key stays deterministic for identical inputs.
			val = fmt.Appendf(nil, "%v", args[name])
		}
		fmt.Fprintf(h, "%s=%s;", name, val)
	}
	return op + ":" + hex.EncodeToString(h.Sum(nil))
}

// Cached returns the cached result of the named operation, computing and
// write-through caching it on a miss. Concurrent identical misses collapse
// into a single compute call.
func (f *Facade) Cached(ctx context.Context, op string, args map[string]any, compute Loader) ([]byte, error) {
	key := CacheKey(op, args)

	val, err, _ := f.sf.Do(key, func() (any, error) {
		return f.engine.GetWithLoader(ctx, key, compute)
	})
	if err != nil {
		return nil, err
	}
	return val.([]byte), nil
}

// Search runs a cached content search against the knowledge store. The
// ranked result list is cached under a key derived from the query parameters.
func (f *Facade) Search(ctx context.Context, query string, limit int, filter map[string]string) ([]tier.SearchResult, error) {
	if f.knowledge == nil {
		return nil, fmt.Errorf("search: no knowledge store configured")
	}

	args := map[string]any{"query": query, "limit": limit, "filter": filter}
	data, err := f.Cached(ctx, "search", args, func(ctx context.Context) ([]byte, error) {
		results, err := f.knowledge.Search(ctx, query, limit, filter)
		if err != nil {
			return nil, fmt.Errorf("knowledge search: %w", err)
		}
		return json.Marshal(results)
	})
	if err != nil {
		return nil, err
	}

	var results []tier.SearchResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("decode cached search results: %w", err)
	}
	return results, nil
}

// Ingest stores a document in the knowledge store and write-through caches
// its content. Cached search results are invalidated since the corpus
// changed underneath them.
func (f *Facade) Ingest(ctx context.Context, key, content string, metadata map[string]string) error {
	if f.knowledge == nil {
		return fmt.Errorf("ingest: no knowledge store configured")
	}
	if err := f.knowledge.UpsertDocument(ctx, key, content, metadata); err != nil {
		return fmt.Errorf("ingest %q: %w", key, err)
	}

	if err := f.engine.Set(ctx, "doc:"+key, []byte(content), tier.TargetAll); err != nil {
		f.log.Warn("document cache write failed", "key", key, "error", err)
	}
	f.InvalidateOp(ctx, "search")
	return nil
}

// Document returns an ingested document's content through the cache. A cold
// cache falls back to the knowledge store, so documents survive Clear and
// process restarts.
func (f *Facade) Document(ctx context.Context, key string) ([]byte, error) {
	if f.knowledge == nil {
		return f.engine.Get(ctx, "doc:"+key)
	}
	return f.engine.GetWithLoader(ctx, "doc:"+key, func(ctx context.Context) ([]byte, error) {
		content, err := f.knowledge.GetDocument(ctx, key)
		if err != nil {
			return nil, err
		}
		return []byte(content), nil
	})
}

// InvalidateOp drops every cached result of one operation from all tiers.
func (f *Facade) InvalidateOp(ctx context.Context, op string) InvalidationReport {
	return f.engine.InvalidatePattern(ctx, op+":")
}
