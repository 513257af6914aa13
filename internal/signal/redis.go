package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// redisKeyPrefix namespaces signal envelopes away from any other data
// sharing the redis database.
const redisKeyPrefix = "signal:"

// RedisStore is the production Store backend. Each envelope lives
// under signal:<composite-key> with a native expiry as a backstop;
// EvictOlderThan still scans so the cutoff stays authoritative even if
// the configured TTL changes between deploys.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

func NewRedisStore(client *redis.Client, ttl time.Duration, log zerolog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		ttl:    ttl,
		log:    log.With().Str("component", "redis-store").Logger(),
	}
}

func (s *RedisStore) Put(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	// SetNX: timestamps disambiguate same-peer repeats, so a key
	// collision means an identical envelope already exists.
	if err := s.client.SetNX(ctx, redisKeyPrefix+env.Key(), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: put: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, roomID string, kind Kind) ([]Envelope, error) {
	kinds := []Kind{kind}
	if kind == KindAny {
		kinds = []Kind{KindOffer, KindAnswer}
	}

	cutoff := time.Now().Add(-s.ttl).UnixMilli()

	var out []Envelope
	for _, k := range kinds {
		match := fmt.Sprintf("%s%s:%s:*", redisKeyPrefix, k, roomID)
		iter := s.client.Scan(ctx, 0, match, 0).Iterator()
		for iter.Next(ctx) {
			env, err := s.readEnvelope(ctx, iter.Val())
			if err != nil {
				// Skip unreadable entries rather than failing the
				// whole listing; eviction will reap them.
				s.log.Warn().Err(err).Str("key", iter.Val()).Msg("skipping unreadable signal")
				continue
			}
			if env.RoomID != roomID || env.CreatedAt < cutoff {
				continue
			}
			out = append(out, env)
		}
		if err := iter.Err(); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrUnavailable, err)
		}
	}
	return out, nil
}

func (s *RedisStore) readEnvelope(ctx context.Context, key string) (Envelope, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		return Envelope{}, fmt.Errorf("get %s: %w", key, err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return env, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("%w: delete: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) EvictOlderThan(ctx context.Context, cutoff time.Time) error {
	cutoffMs := cutoff.UnixMilli()

	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		env, err := ParseKey(iter.Val()[len(redisKeyPrefix):])
		if err != nil {
			s.log.Warn().Err(err).Str("key", iter.Val()).Msg("skipping unparseable signal key")
			continue
		}
		if env.CreatedAt >= cutoffMs {
			continue
		}
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("%w: evict %s: %v", ErrUnavailable, iter.Val(), err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("%w: evict scan: %v", ErrUnavailable, err)
	}
	return nil
}
