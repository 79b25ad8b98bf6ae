// Package broker is the Redis-backed substrate shared by Process, Scheduler
// and Executor: the execution queue, the delayed-node sorted set, per-request
// hashes and response/input lists, claim locks, and pub/sub wake channels.
// The broker is the only shared mutable state in the system; everything else
// (providers, site configuration) is read-only after service startup.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"dfm/pkg/config"
)

// ErrNotClaimed is returned by Release/Renew when the caller no longer holds
// the lock it is trying to operate on (expired or stolen by another owner).
var ErrNotClaimed = errors.New("broker: lock not held by caller")

// Client wraps a redis connection with the queue/hash/list/lock primitives
// the three DFM services build on.
type Client struct {
	rdb      *redis.Client
	claimTTL time.Duration

	claimScript   *redis.Script
	releaseScript *redis.Script
	renewScript   *redis.Script
}

// New dials Redis per cfg and verifies connectivity.
func New(ctx context.Context, cfg *config.BrokerConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("broker: redis ping failed: %w", err)
	}

	claimTTL := cfg.ClaimTTL
	if claimTTL <= 0 {
		claimTTL = 30 * time.Second
	}

	return newClient(rdb, claimTTL), nil
}

// NewFromRedisClient wraps an already-constructed redis client, used by
// tests that dial miniredis directly.
func NewFromRedisClient(rdb *redis.Client, claimTTL time.Duration) *Client {
	if claimTTL <= 0 {
		claimTTL = 30 * time.Second
	}
	return newClient(rdb, claimTTL)
}

func newClient(rdb *redis.Client, claimTTL time.Duration) *Client {
	return &Client{
		rdb:      rdb,
		claimTTL: claimTTL,

		// Claim acquires the lock only if absent, storing the owner token.
		claimScript: redis.NewScript(`
			if redis.call('EXISTS', KEYS[1]) == 1 then
				return 0
			end
			redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
			return 1
		`),
		// Release deletes the lock only if still owned by the caller.
		releaseScript: redis.NewScript(`
			if redis.call('GET', KEYS[1]) == ARGV[1] then
				return redis.call('DEL', KEYS[1])
			end
			return 0
		`),
		// Renew extends the TTL only if still owned by the caller.
		renewScript: redis.NewScript(`
			if redis.call('GET', KEYS[1]) == ARGV[1] then
				return redis.call('PEXPIRE', KEYS[1], ARGV[2])
			end
			return 0
		`),
	}
}

// Close releases the underlying redis connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Raw exposes the underlying redis client for callers (e.g. the cache
// package) that need primitives this type does not wrap directly.
func (c *Client) Raw() *redis.Client {
	return c.rdb
}

// --- execution queue (exec:queue) ---

// Enqueue pushes a node identifier onto the tail of the named queue.
func (c *Client) Enqueue(ctx context.Context, queue, nodeID string) error {
	return c.rdb.RPush(ctx, queue, nodeID).Err()
}

// Dequeue blocks up to timeout for a node identifier to appear on queue.
// A zero timeout blocks indefinitely. Returns ("", nil) on timeout.
func (c *Client) Dequeue(ctx context.Context, queue string, timeout time.Duration) (string, error) {
	result, err := c.rdb.BLPop(ctx, timeout, queue).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	// BLPop returns [queue, value].
	return result[1], nil
}

// --- delayed queue (sched:delayed) ---

// ScheduleAfter adds memberID to the delayed sorted set, scored by the unix
// nanosecond timestamp at which it becomes ready.
func (c *Client) ScheduleAfter(ctx context.Context, zset, memberID string, readyAt time.Time) error {
	return c.rdb.ZAdd(ctx, zset, redis.Z{
		Score:  float64(readyAt.UnixNano()),
		Member: memberID,
	}).Err()
}

// PopReady atomically removes and returns up to limit members scored at or
// before now, for the Scheduler's poll loop.
func (c *Client) PopReady(ctx context.Context, zset string, now time.Time, limit int64) ([]string, error) {
	members, err := c.rdb.ZRangeByScore(ctx, zset, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixNano()),
		Count: limit,
	}).Result()
	if err != nil || len(members) == 0 {
		return nil, err
	}

	removed := make([]string, 0, len(members))
	pipe := c.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(members))
	for i, m := range members {
		cmds[i] = pipe.ZRem(ctx, zset, m)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	for i, m := range members {
		if cmds[i].Val() > 0 {
			removed = append(removed, m)
		}
	}
	return removed, nil
}

// --- request hash (request:<id>) ---

// HashSet sets one field of the request/node-state hash keyed by key.
func (c *Client) HashSet(ctx context.Context, key, field string, value any) error {
	return c.rdb.HSet(ctx, key, field, value).Err()
}

// HashGet reads one field, returning ("", false, nil) if absent.
func (c *Client) HashGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := c.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// HashGetAll reads every field of the hash.
func (c *Client) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, key).Result()
}

// HashDel removes key entirely (used when a request is fully retired).
func (c *Client) HashDel(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

// HashIncrBy atomically adds delta to one field of a hash and returns its
// new value.
func (c *Client) HashIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	return c.rdb.HIncrBy(ctx, key, field, delta).Result()
}

// HashFieldDel removes a single field from a hash, leaving the rest intact.
func (c *Client) HashFieldDel(ctx context.Context, key, field string) error {
	return c.rdb.HDel(ctx, key, field).Err()
}

// --- append-only lists (response:<id>, input:<id>:<node>:<port>) ---

// ListAppend appends value to the tail of the named list.
func (c *Client) ListAppend(ctx context.Context, key string, value []byte) error {
	return c.rdb.RPush(ctx, key, value).Err()
}

// ListRange returns elements [start, stop] inclusive; use 0, -1 for all.
func (c *Client) ListRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	vals, err := c.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// ListLen returns the number of elements in the named list.
func (c *Client) ListLen(ctx context.Context, key string) (int64, error) {
	return c.rdb.LLen(ctx, key).Result()
}

// ListPopN atomically removes and returns up to n elements from the head
// of the named list, for Process's bounded response-draining pop.
func (c *Client) ListPopN(ctx context.Context, key string, n int64) ([][]byte, error) {
	vals, err := c.rdb.LPopCount(ctx, key, int(n)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// --- claim locks (cache:lock:<fingerprint>, claim:<node_id>) ---

// Claim attempts to atomically acquire the lock at key for owner, with the
// broker's configured claim TTL. Returns false if already held.
func (c *Client) Claim(ctx context.Context, key, owner string) (bool, error) {
	return c.ClaimTTL(ctx, key, owner, c.claimTTL)
}

// ClaimTTL is Claim with an explicit TTL override (e.g. the cache package's
// builder lock, whose TTL must exceed the largest expected adapter runtime
// rather than the broker's generic claim TTL).
func (c *Client) ClaimTTL(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	res, err := c.claimScript.Run(ctx, c.rdb, []string{key}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Renew extends an already-held claim's TTL. Returns ErrNotClaimed if owner
// no longer holds it.
func (c *Client) Renew(ctx context.Context, key, owner string, ttl time.Duration) error {
	res, err := c.renewScript.Run(ctx, c.rdb, []string{key}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrNotClaimed
	}
	return nil
}

// Release drops a claim early. Returns ErrNotClaimed if owner no longer
// holds it (already expired or stolen).
func (c *Client) Release(ctx context.Context, key, owner string) error {
	res, err := c.releaseScript.Run(ctx, c.rdb, []string{key}, owner).Int64()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrNotClaimed
	}
	return nil
}

// --- scalar strings and counters (sealed flags, approximate byte budgets) ---

// StringSet stores value at key with an optional TTL (zero means no expiry).
func (c *Client) StringSet(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// StringGet reads key, returning ("", false, nil) if absent.
func (c *Client) StringGet(ctx context.Context, key string) (string, bool, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// IncrBy atomically adds delta to the counter at key and returns its new value.
func (c *Client) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return c.rdb.IncrBy(ctx, key, delta).Result()
}

// --- sorted sets (LRU tracking, delayed queue primitives reused generically) ---

// SortedSetAdd upserts member in key scored by score.
func (c *Client) SortedSetAdd(ctx context.Context, key string, score float64, member string) error {
	return c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// SortedSetPopMin removes and returns up to count of the lowest-scored
// members of key, used for least-recently-read eviction.
func (c *Client) SortedSetPopMin(ctx context.Context, key string, count int64) ([]string, error) {
	results, err := c.rdb.ZPopMin(ctx, key, count).Result()
	if err != nil {
		return nil, err
	}
	members := make([]string, len(results))
	for i, z := range results {
		members[i] = fmt.Sprintf("%v", z.Member)
	}
	return members, nil
}

// SortedSetRem removes member from key.
func (c *Client) SortedSetRem(ctx context.Context, key, member string) error {
	return c.rdb.ZRem(ctx, key, member).Err()
}

// SortedSetCard returns the number of members in key.
func (c *Client) SortedSetCard(ctx context.Context, key string) (int64, error) {
	return c.rdb.ZCard(ctx, key).Result()
}

// --- pub/sub wake channels ---

// Publish broadcasts payload on channel (used for "seal" notifications and
// queue-has-work wakeups).
func (c *Client) Publish(ctx context.Context, channel string, payload string) error {
	return c.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe returns a redis.PubSub; callers read its Channel() and must
// Close() it when done.
func (c *Client) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channel)
}

// --- generic existence/expiry helpers used by the cache package ---

// Exists reports whether key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// Expire sets key's TTL.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, key, ttl).Err()
}

// Delete removes one or more keys.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}
