package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheKey = "billing:plan_catalog"

// CachedSource decorates a Source with a redis snapshot. The catalog is
// read-mostly: a warm cache keeps process restarts off the underlying source,
// and a cold or unreachable redis degrades to a direct load.
type CachedSource struct {
	next   Source
	client redis.UniversalClient
	ttl    time.Duration
	log    *slog.Logger
}

// NewCachedSource wraps next with a redis cache.
func NewCachedSource(next Source, client redis.UniversalClient, ttl time.Duration, log *slog.Logger) *CachedSource {
	if log == nil {
		log = slog.Default()
	}
	return &CachedSource{next: next, client: client, ttl: ttl, log: log}
}

func (s *CachedSource) Load(ctx context.Context) (map[string]Plan, error) {
	if raw, err := s.client.Get(ctx, cacheKey).Bytes(); err == nil {
		var plans map[string]Plan
		if err := json.Unmarshal(raw, &plans); err == nil {
			return plans, nil
		}
		// Corrupt cache entry is not fatal; fall through to the source.
		s.log.WarnContext(ctx, "discarding unreadable plan catalog cache entry")
	}

	plans, err := s.next.Load(ctx)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(plans); err == nil {
		if err := s.client.Set(ctx, cacheKey, raw, s.ttl).Err(); err != nil {
			s.log.WarnContext(ctx, "failed to cache plan catalog", slog.String("error", err.Error()))
		}
	}

	return plans, nil
}

// Invalidate drops the cached snapshot, forcing the next Load to hit the
// underlying source.
func (s *CachedSource) Invalidate(ctx context.Context) error {
	if err := s.client.Del(ctx, cacheKey).Err(); err != nil {
		return fmt.Errorf("invalidate plan catalog cache: %w", err)
	}
	return nil
}
