package embedcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/finrag/finrag/pkg/logging"
	"github.com/finrag/finrag/vector"
)

// Config holds Redis cache configuration.
type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Embedder wraps another embedder with a Redis cache keyed by embedding model
// and content hash. Cache faults are never fatal: reads fall through to the
// inner embedder and writes are dropped with a warning.
type Embedder struct {
	inner  vector.Embedder
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

var _ vector.Embedder = (*Embedder)(nil)

// New wraps inner with a Redis-backed cache.
func New(inner vector.Embedder, config Config) *Embedder {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	return &Embedder{
		inner:  inner,
		client: client,
		ttl:    config.TTL,
		logger: logging.WithComponent("embedcache"),
	}
}

// Embed implements vector.Embedder.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := e.key(text)
	if cached, ok := e.get(ctx, key); ok {
		return cached, nil
	}
	embedding, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.put(ctx, key, embedding)
	return embedding, nil
}

// EmbedBatch implements vector.Embedder. Only the cache misses reach the
// inner embedder, in their original order.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, text := range texts {
		if cached, ok := e.get(ctx, e.key(text)); ok {
			out[i] = cached
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	embeddings, err := e.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(embeddings) != len(missTexts) {
		return nil, fmt.Errorf("embedcache: inner embedder returned %d embeddings for %d texts", len(embeddings), len(missTexts))
	}
	for j, idx := range missIdx {
		out[idx] = embeddings[j]
		e.put(ctx, e.key(missTexts[j]), embeddings[j])
	}
	return out, nil
}

// Dimension implements vector.Embedder.
func (e *Embedder) Dimension() int { return e.inner.Dimension() }

// Model implements vector.Embedder.
func (e *Embedder) Model() string { return e.inner.Model() }

// Ping probes the cache backend.
func (e *Embedder) Ping(ctx context.Context) error {
	return e.client.Ping(ctx).Err()
}

// Close releases the Redis connection.
func (e *Embedder) Close() error { return e.client.Close() }

func (e *Embedder) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("finrag:emb:%s:%s", e.inner.Model(), hex.EncodeToString(sum[:]))
}

func (e *Embedder) get(ctx context.Context, key string) ([]float32, bool) {
	data, err := e.client.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			e.logger.Warn("cache read failed", "error", err)
		}
		return nil, false
	}
	var embedding []float32
	if err := json.Unmarshal([]byte(data), &embedding); err != nil {
		e.logger.Warn("cached embedding corrupt, discarding", "key", key, "error", err)
		return nil, false
	}
	return embedding, true
}

func (e *Embedder) put(ctx context.Context, key string, embedding []float32) {
	data, err := json.Marshal(embedding)
	if err != nil {
		return
	}
	if err := e.client.Set(ctx, key, data, e.ttl).Err(); err != nil {
		e.logger.Warn("cache write failed", "error", err)
	}
}
