package rediscache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/kbchat-backend/internal/observability"
	"github.com/yungbote/kbchat-backend/internal/platform/envutil"
	"github.com/yungbote/kbchat-backend/internal/platform/logger"
)

const (
	DefaultPrefix = "kb:emb:"
	DefaultTTL    = 24 * time.Hour
)

type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

func ConfigFromEnv() Config {
	return Config{
		Addr:     envutil.String("REDIS_ADDR", ""),
		Password: envutil.String("REDIS_PASSWORD", ""),
		DB:       envutil.Int("REDIS_DB", 0),
		Prefix:   envutil.String("EMBED_CACHE_PREFIX", DefaultPrefix),
		TTL:      envutil.Seconds("EMBED_CACHE_TTL_SECONDS", DefaultTTL),
	}
}

// Dial connects and pings. The caller owns the returned client.
func Dial(ctx context.Context, cfg Config) (*goredis.Client, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// Embedder produces one vector per input.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

// Commands is the subset of the redis client the cache needs.
type Commands interface {
	MGet(ctx context.Context, keys ...string) *goredis.SliceCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
}

// EmbeddingCache is a read-through cache in front of an Embedder. Redis failures degrade to
// calling the embedder directly; they are never returned to the caller.
type EmbeddingCache struct {
	log    *logger.Logger
	rdb    Commands
	next   Embedder
	model  string
	prefix string
	ttl    time.Duration
}

func NewEmbeddingCache(log *logger.Logger, rdb Commands, next Embedder, model string, cfg Config) (*EmbeddingCache, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if rdb == nil || next == nil {
		return nil, fmt.Errorf("redis client and embedder required")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &EmbeddingCache{
		log:    log.With("service", "EmbeddingCache"),
		rdb:    rdb,
		next:   next,
		model:  model,
		prefix: prefix,
		ttl:    ttl,
	}, nil
}

func (c *EmbeddingCache) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return c.next.Embed(ctx, inputs)
	}
	metrics := observability.Current()

	keys := make([]string, len(inputs))
	for i, in := range inputs {
		keys[i] = c.key(in)
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		metrics.IncEmbedCache("error")
		c.log.Warn("embedding cache lookup failed; embedding directly", "error", err, "inputs", len(inputs))
		return c.next.Embed(ctx, inputs)
	}

	out := make([][]float32, len(inputs))
	var missing []int
	for i := range inputs {
		if i < len(vals) {
			if vec, ok := decodeVector(vals[i]); ok {
				out[i] = vec
				metrics.IncEmbedCache("hit")
				continue
			}
		}
		metrics.IncEmbedCache("miss")
		missing = append(missing, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	pending := make([]string, len(missing))
	for j, idx := range missing {
		pending[j] = inputs[idx]
	}
	fetched, err := c.next.Embed(ctx, pending)
	if err != nil {
		return nil, err
	}
	if len(fetched) != len(pending) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d inputs", len(fetched), len(pending))
	}
	for j, idx := range missing {
		out[idx] = fetched[j]
		raw, mErr := json.Marshal(fetched[j])
		if mErr != nil {
			continue
		}
		if sErr := c.rdb.Set(ctx, keys[idx], raw, c.ttl).Err(); sErr != nil {
			c.log.Warn("embedding cache store failed", "error", sErr)
		}
	}
	return out, nil
}

func (c *EmbeddingCache) key(text string) string {
	sum := sha256.Sum256([]byte(c.model + "|" + text))
	return c.prefix + hex.EncodeToString(sum[:])
}

func decodeVector(v any) ([]float32, bool) {
	var raw []byte
	switch t := v.(type) {
	case string:
		raw = []byte(t)
	case []byte:
		raw = t
	default:
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal(raw, &vec); err != nil || len(vec) == 0 {
		return nil, false
	}
	return vec, true
}
