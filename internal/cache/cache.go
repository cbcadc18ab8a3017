// Package cache implements the two-tier prompt cache: an exact-text L1
// bounded by recency (github.com/golang/groupcache/lru, the same
// least-recently-used eviction shape the teacher's log ring trims toward
// but keyed on access instead of insertion order) and an L2 tier that falls
// through to vector-similarity search when L1 misses.
package cache

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"sync/atomic"

	"github.com/golang/groupcache/lru"
	"github.com/google/uuid"

	"github.com/standardbeagle/mcp-gateway/internal/inference"
	"github.com/standardbeagle/mcp-gateway/internal/vectorstore"
	"github.com/standardbeagle/mcp-gateway/pkg/events"
)

// Entry is what both tiers store: the enhanced prompt and the model used to
// produce it, so a hit can be returned without re-running inference.
type Entry struct {
	Prompt   string `json:"prompt"`
	Enhanced string `json:"enhanced"`
	Model    string `json:"model"`
}

type Config struct {
	L1Capacity          int
	EmbeddingModel      string
	SimilarityThreshold float64
}

func DefaultConfig() Config {
	return Config{L1Capacity: 1000, SimilarityThreshold: 0.85}
}

// Cache is the two-tier prompt cache. L2 is optional: when vs is nil the
// cache degrades to L1-only (still correct, just less of a hit rate).
type Cache struct {
	cfg Config

	mu sync.Mutex
	l1 *lru.Cache

	vs        *vectorstore.Client
	inference *inference.Client

	hits   atomic.Int64
	misses atomic.Int64

	bus *events.EventBus
}

// SetEventBus attaches a bus that cache hits/misses are published to. Nil is
// safe and means "don't publish".
func (c *Cache) SetEventBus(bus *events.EventBus) {
	c.bus = bus
}

func New(cfg Config, vs *vectorstore.Client, inf *inference.Client) *Cache {
	if cfg.L1Capacity <= 0 {
		cfg.L1Capacity = DefaultConfig().L1Capacity
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = DefaultConfig().SimilarityThreshold
	}
	return &Cache{
		cfg:       cfg,
		l1:        lru.New(cfg.L1Capacity),
		vs:        vs,
		inference: inf,
	}
}

// Get looks up prompt, checking the exact-match L1 tier first and falling
// through to L2 vector-similarity search when it misses. Found is false when
// neither tier has anything usable; callers should then run inference and
// Put the result.
func (c *Cache) Get(ctx context.Context, prompt string) (entry Entry, found bool, err error) {
	c.mu.Lock()
	if v, ok := c.l1.Get(prompt); ok {
		c.mu.Unlock()
		c.recordHit("l1")
		return v.(Entry), true, nil
	}
	c.mu.Unlock()

	if c.vs == nil || c.inference == nil {
		c.recordMiss()
		return Entry{}, false, nil
	}

	vector, embedErr := c.inference.Embed(ctx, c.cfg.EmbeddingModel, prompt)
	if embedErr != nil {
		c.recordMiss()
		return Entry{}, false, embedErr
	}
	normalize(vector)

	matches, searchErr := c.vs.Search(ctx, vector, 1, c.cfg.SimilarityThreshold)
	if searchErr != nil {
		c.recordMiss()
		return Entry{}, false, searchErr
	}
	if len(matches) == 0 {
		c.recordMiss()
		return Entry{}, false, nil
	}

	var hit Entry
	if err := json.Unmarshal(matches[0].Payload, &hit); err != nil {
		c.recordMiss()
		return Entry{}, false, nil
	}

	c.recordHit("l2")
	return hit, true, nil
}

func (c *Cache) recordHit(tier string) {
	c.hits.Add(1)
	if c.bus != nil {
		c.bus.Publish(events.Event{Type: events.CacheHit, Data: map[string]interface{}{"tier": tier}})
	}
}

func (c *Cache) recordMiss() {
	c.misses.Add(1)
	if c.bus != nil {
		c.bus.Publish(events.Event{Type: events.CacheMiss})
	}
}

// Put stores the result of an enhancement in L1 immediately, and
// best-effort in L2 (embedding failures there are swallowed: a missing L2
// write only costs a future cache miss, never correctness).
func (c *Cache) Put(ctx context.Context, entry Entry) {
	c.mu.Lock()
	c.l1.Add(entry.Prompt, entry)
	c.mu.Unlock()

	if c.vs == nil || c.inference == nil {
		return
	}

	vector, err := c.inference.Embed(ctx, c.cfg.EmbeddingModel, entry.Prompt)
	if err != nil {
		return
	}
	normalize(vector)

	payload, err := json.Marshal(entry)
	if err != nil {
		return
	}

	_ = c.vs.Upsert(ctx, vectorstore.Point{ID: uuid.NewString(), Vector: vector, Payload: payload})
}

// Clear empties both tiers.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.l1 = lru.New(c.cfg.L1Capacity)
	c.mu.Unlock()

	if c.vs == nil {
		return nil
	}
	return c.vs.DropCollection(ctx)
}

// Stats reports point-in-time cache statistics for /health.
type Stats struct {
	L1Size      int     `json:"l1_size"`
	L1Capacity  int     `json:"l1_capacity"`
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	L2Available bool    `json:"l2_available"`
	L2Entries   int     `json:"l2_entries"`
}

// Stats reports L1 size/capacity and hit-rate unconditionally, plus a
// best-effort L2 point count: a vector-store failure here only degrades
// L2Entries to zero, it never fails the whole call.
func (c *Cache) Stats(ctx context.Context) Stats {
	c.mu.Lock()
	size := c.l1.Len()
	c.mu.Unlock()

	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses

	var rate float64
	if total > 0 {
		rate = float64(hits) / float64(total)
	}

	stats := Stats{
		L1Size:      size,
		L1Capacity:  c.cfg.L1Capacity,
		Hits:        hits,
		Misses:      misses,
		HitRate:     rate,
		L2Available: c.vs != nil,
	}

	if c.vs != nil {
		if info, err := c.vs.CollectionInfo(ctx); err == nil {
			stats.L2Entries = info.PointsCount
		}
	}

	return stats
}

// normalize unit-normalizes an embedding in place so that, once stored,
// cosine similarity in the vector store reduces to a plain dot product.
func normalize(v []float32) {
	var sumSquares float64
	for _, x := range v {
		sumSquares += float64(x) * float64(x)
	}
	if sumSquares == 0 {
		return
	}
	norm := math.Sqrt(sumSquares)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
}
