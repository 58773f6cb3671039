package detector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces evidence keys in Redis.
const KeyPrefix = "vantage:evidence:"

// RedisSource stores evidence as JSON values in Redis.
type RedisSource struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisSource wraps client. A zero ttl keeps evidence until deleted;
// replay needs evidence to outlive the signals derived from it.
func NewRedisSource(client redis.UniversalClient, ttl time.Duration) *RedisSource {
	return &RedisSource{client: client, ttl: ttl}
}

// Key returns the Redis key for ref within tenantID.
func Key(tenantID, ref string) string { return KeyPrefix + tenantID + ":" + ref }

// Put implements EvidenceStore. The first write of a ref wins; SETNX keeps
// concurrent writers from replacing it.
func (s *RedisSource) Put(ctx context.Context, ev *Evidence) error {
	n, err := normalize(ev)
	if err != nil {
		return err
	}
	raw, err := encode(n)
	if err != nil {
		return err
	}
	key := Key(n.TenantID, n.Ref)
	ok, err := s.client.SetNX(ctx, key, raw, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx evidence %s: %w", n.Ref, err)
	}
	if ok {
		return nil
	}
	prev, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("evidence %s expired during write: %w", n.Ref, ErrEvidenceConflict)
	}
	if err != nil {
		return fmt.Errorf("redis get evidence %s: %w", n.Ref, err)
	}
	return sameContent(n.Ref, prev, n)
}

// Load implements EvidenceSource.
func (s *RedisSource) Load(ctx context.Context, tenantID, ref string) (*Evidence, error) {
	raw, err := s.client.Get(ctx, Key(tenantID, ref)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s: %w", ref, ErrEvidenceNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get evidence %s: %w", ref, err)
	}
	return decode(ref, raw)
}

// Delete removes the evidence for ref. Missing refs are not an error.
func (s *RedisSource) Delete(ctx context.Context, tenantID, ref string) error {
	if err := s.client.Del(ctx, Key(tenantID, ref)).Err(); err != nil {
		return fmt.Errorf("redis del evidence %s: %w", ref, err)
	}
	return nil
}
