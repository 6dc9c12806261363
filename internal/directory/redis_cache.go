package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// putScript writes a snapshot only if its version is newer than the stored
// one, and optionally indexes the member. The check and the write happen
// atomically inside Redis.
//
// KEYS[1] snapshot hash, KEYS[2] optional member index set
// ARGV[1] version, ARGV[2] JSON payload, ARGV[3] challenge id for the index
var putScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'data', ARGV[2])
if KEYS[2] then
  redis.call('SADD', KEYS[2], ARGV[3])
end
return 1
`)

// RedisCache stores snapshots in Redis hashes:
//
//	{prefix}challenge:{id}                 version + JSON snapshot
//	{prefix}challenge:{id}:member:{addr}   version + JSON snapshot
//	{prefix}member:{addr}:challenges       set of challenge ids
type RedisCache struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisCache wraps an existing client. prefix namespaces every key.
func NewRedisCache(rdb redis.UniversalClient, prefix string) *RedisCache {
	return &RedisCache{rdb: rdb, prefix: prefix}
}

// NewRedisClient parses a redis:// URL and verifies the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	if opts.PoolSize == 0 {
		opts.PoolSize = 100
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

func (r *RedisCache) challengeKey(id string) string {
	return r.prefix + "challenge:" + id
}

func (r *RedisCache) membershipKey(id, addr string) string {
	return r.prefix + "challenge:" + id + ":member:" + strings.ToLower(addr)
}

func (r *RedisCache) memberIndexKey(addr string) string {
	return r.prefix + "member:" + strings.ToLower(addr) + ":challenges"
}

func (r *RedisCache) PutChallenge(ctx context.Context, s ChallengeSnapshot) (bool, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return false, err
	}
	n, err := putScript.Run(ctx, r.rdb, []string{r.challengeKey(s.ID)}, s.Version, data, s.ID).Int()
	if err != nil {
		return false, fmt.Errorf("redis put challenge %s: %w", s.ID, err)
	}
	return n == 1, nil
}

func (r *RedisCache) PutMembership(ctx context.Context, s MembershipSnapshot) (bool, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return false, err
	}
	keys := []string{r.membershipKey(s.ChallengeID, s.Address), r.memberIndexKey(s.Address)}
	n, err := putScript.Run(ctx, r.rdb, keys, s.Version, data, s.ChallengeID).Int()
	if err != nil {
		return false, fmt.Errorf("redis put membership %s/%s: %w", s.ChallengeID, s.Address, err)
	}
	return n == 1, nil
}

func (r *RedisCache) GetChallenge(ctx context.Context, id string) (*ChallengeSnapshot, error) {
	var s ChallengeSnapshot
	if err := r.get(ctx, r.challengeKey(id), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *RedisCache) GetMembership(ctx context.Context, challengeID, addr string) (*MembershipSnapshot, error) {
	var s MembershipSnapshot
	if err := r.get(ctx, r.membershipKey(challengeID, addr), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *RedisCache) get(ctx context.Context, key string, v any) error {
	data, err := r.rdb.HGet(ctx, key, "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (r *RedisCache) MemberChallenges(ctx context.Context, addr string) ([]string, error) {
	ids, err := r.rdb.SMembers(ctx, r.memberIndexKey(addr)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *RedisCache) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

var _ Cache = (*RedisCache)(nil)
