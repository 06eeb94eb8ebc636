package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisSetScript writes the cache entry and registers it in both reverse
// indexes atomically, so a concurrent InvalidateObject/InvalidateSubject
// can never observe a value key without its index membership (or vice
// versa). KEYS[1]=value key, KEYS[2]=object index key, KEYS[3]=subject
// index key. ARGV[1]=encoded value (see encodeValue), ARGV[2]=ttl seconds.
var redisSetScript = redis.NewScript(`
redis.call("SET", KEYS[1], ARGV[1], "EX", ARGV[2])
redis.call("SADD", KEYS[2], KEYS[1])
redis.call("EXPIRE", KEYS[2], ARGV[2])
redis.call("SADD", KEYS[3], KEYS[1])
redis.call("EXPIRE", KEYS[3], ARGV[2])
return 1
`)

// redisInvalidateScript drops every value key registered under an index
// key, then the index key itself. KEYS[1]=index key.
var redisInvalidateScript = redis.NewScript(`
local members = redis.call("SMEMBERS", KEYS[1])
for _, k in ipairs(members) do
    redis.call("DEL", k)
end
redis.call("DEL", KEYS[1])
return #members
`)

// RedisStore is a Cache backed by Redis: a *redis.Client plus
// redis.NewScript-compiled Lua for the operations that must be atomic.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore wraps an already-configured *redis.Client. A zero ttl
// selects DefaultTTL.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func redisObjectIndexKey(namespace, objectID string) string {
	return fmt.Sprintf("check_idx:obj:%s:%s", namespace, objectID)
}

func redisSubjectIndexKey(subject string) string {
	return fmt.Sprintf("check_idx:subj:%s", subject)
}

// encodeValue packs allowed and stampedAt into the single string value
// the Lua scripts store, e.g. "1:1700000000000000".
func encodeValue(allowed bool, stampedAt int64) string {
	flag := "0"
	if allowed {
		flag = "1"
	}
	return flag + ":" + strconv.FormatInt(stampedAt, 10)
}

func decodeValue(raw string) (allowed bool, stampedAt int64, err error) {
	flag, rest, ok := strings.Cut(raw, ":")
	if !ok {
		return false, 0, fmt.Errorf("cache: malformed redis value %q", raw)
	}
	stampedAt, err = strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return false, 0, fmt.Errorf("cache: malformed redis value %q: %w", raw, err)
	}
	return flag == "1", stampedAt, nil
}

func (r *RedisStore) Get(ctx context.Context, k Key) (bool, int64, bool, error) {
	val, err := r.client.Get(ctx, k.String()).Result()
	switch {
	case err == redis.Nil:
		return false, 0, false, nil
	case err != nil:
		return false, 0, false, fmt.Errorf("cache: redis get: %w", err)
	}
	allowed, stampedAt, err := decodeValue(val)
	if err != nil {
		return false, 0, false, err
	}
	return allowed, stampedAt, true, nil
}

func (r *RedisStore) Set(ctx context.Context, k Key, allowed bool, stampedAt int64) error {
	val := encodeValue(allowed, stampedAt)
	ttlSeconds := int(r.ttl.Seconds())
	if ttlSeconds <= 0 {
		ttlSeconds = 1
	}
	keys := []string{k.String(), redisObjectIndexKey(k.Namespace, k.ObjectID), redisSubjectIndexKey(k.Subject)}
	if err := redisSetScript.Run(ctx, r.client, keys, val, ttlSeconds).Err(); err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	return nil
}

func (r *RedisStore) InvalidateObject(ctx context.Context, namespace, objectID string) error {
	if err := redisInvalidateScript.Run(ctx, r.client, []string{redisObjectIndexKey(namespace, objectID)}).Err(); err != nil {
		return fmt.Errorf("cache: redis invalidate object: %w", err)
	}
	return nil
}

func (r *RedisStore) InvalidateSubject(ctx context.Context, subject string) error {
	if err := redisInvalidateScript.Run(ctx, r.client, []string{redisSubjectIndexKey(subject)}).Err(); err != nil {
		return fmt.Errorf("cache: redis invalidate subject: %w", err)
	}
	return nil
}
