// Package store is the typed client wrapping the raw Redis-like commands
// named in spec.md §6: "string counters with TTL; hashes; sets; sorted
// sets with atomic pop-min; multi-command pipelines." It generalizes the
// teacher's (SberMarket-Tech-work) direct use of gomodule/redigo: the
// teacher talks to redigo.Conn inline in worker.go/worker_pool.go; here
// that's lifted into a reusable Client so every RWOS component shares one
// connection-pool story.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/v0id-user/rwos/internal/apierrors"
)

// Pool is the same minimal interface the teacher defines in worker.go
// ("Pool represents a pool of connections to a Redis server"), so tests can
// substitute a miniredis-backed pool without depending on redigo's
// concrete *redis.Pool type.
type Pool interface {
	Get() redis.Conn
}

// NewRedigoPool builds a *redis.Pool against addr, generalizing the
// connection options sanyfan-work/cmd/workwebui/main.go uses
// (MaxActive/MaxIdle/IdleTimeout/Wait) to a single constructor.
func NewRedigoPool(addr string, maxActive, maxIdle int, idleTimeout time.Duration) *redis.Pool {
	return &redis.Pool{
		MaxActive:   maxActive,
		MaxIdle:     maxIdle,
		IdleTimeout: idleTimeout,
		Wait:        true,
		Dial: func() (redis.Conn, error) {
			return redis.DialURL(addr)
		},
	}
}

// Client is the typed wrapper every RWOS component is constructed with
// instead of a bare redis.Conn (Design Notes §9: "Service tags / context
// lookups for the state-store and webhook clients → constructor-injected
// interfaces into each component").
type Client struct {
	pool Pool
}

// New wraps an existing Pool (a *redis.Pool, or a fake in tests).
func New(pool Pool) *Client {
	return &Client{pool: pool}
}

func (c *Client) conn() redis.Conn { return c.pool.Get() }

func checkCtx(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// Ping round-trips a PING, used by GET /status (spec.md §6) to prove
// liveness the same way the teacher's heartbeater proves liveness by
// writing real Redis records.
func (c *Client) Ping(ctx context.Context) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	conn := c.conn()
	defer conn.Close()
	_, err := conn.Do("PING")
	if err != nil {
		return &apierrors.StoreError{Op: "PING", Err: err}
	}
	return nil
}

// Incr increments key and returns the new value.
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	if err := checkCtx(ctx); err != nil {
		return 0, err
	}
	conn := c.conn()
	defer conn.Close()
	n, err := redis.Int64(conn.Do("INCR", key))
	if err != nil {
		return 0, &apierrors.StoreError{Op: "INCR", Err: err}
	}
	return n, nil
}

// IncrWithExpire increments key and, in the same round trip, sets its TTL
// (used by the admission controller's fixed-window rate limiter, spec.md
// §4.2: "atomically increments counters:rate_limit with a 1-second TTL").
func (c *Client) IncrWithExpire(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := checkCtx(ctx); err != nil {
		return 0, err
	}
	conn := c.conn()
	defer conn.Close()
	if err := conn.Send("INCR", key); err != nil {
		return 0, &apierrors.StoreError{Op: "INCR", Err: err}
	}
	if err := conn.Send("EXPIRE", key, int64(ttl.Seconds())); err != nil {
		return 0, &apierrors.StoreError{Op: "EXPIRE", Err: err}
	}
	if err := conn.Flush(); err != nil {
		return 0, &apierrors.StoreError{Op: "FLUSH", Err: err}
	}
	n, err := redis.Int64(conn.Receive())
	if err != nil {
		return 0, &apierrors.StoreError{Op: "INCR", Err: err}
	}
	if _, err := conn.Receive(); err != nil {
		return 0, &apierrors.StoreError{Op: "EXPIRE", Err: err}
	}
	return n, nil
}

// Set sets key to value with no expiry.
func (c *Client) Set(ctx context.Context, key, value string) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	conn := c.conn()
	defer conn.Close()
	if _, err := conn.Do("SET", key, value); err != nil {
		return &apierrors.StoreError{Op: "SET", Err: err}
	}
	return nil
}

// Get returns the string value of key, "" if absent.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	if err := checkCtx(ctx); err != nil {
		return "", err
	}
	conn := c.conn()
	defer conn.Close()
	s, err := redis.String(conn.Do("GET", key))
	if err == redis.ErrNil {
		return "", nil
	}
	if err != nil {
		return "", &apierrors.StoreError{Op: "GET", Err: err}
	}
	return s, nil
}

// HSet writes every field in m to the hash at key.
func (c *Client) HSet(ctx context.Context, key string, m map[string]string) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	if len(m) == 0 {
		return nil
	}
	conn := c.conn()
	defer conn.Close()
	args := make([]interface{}, 0, 1+len(m)*2)
	args = append(args, key)
	for k, v := range m {
		args = append(args, k, v)
	}
	if _, err := conn.Do("HSET", args...); err != nil {
		return &apierrors.StoreError{Op: "HSET", Err: err}
	}
	return nil
}

// HGetAll returns every field of the hash at key, empty map if absent.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	conn := c.conn()
	defer conn.Close()
	m, err := redis.StringMap(conn.Do("HGETALL", key))
	if err != nil {
		return nil, &apierrors.StoreError{Op: "HGETALL", Err: err}
	}
	return m, nil
}

// HGet returns a single field's value ("" if absent).
func (c *Client) HGet(ctx context.Context, key, field string) (string, error) {
	if err := checkCtx(ctx); err != nil {
		return "", err
	}
	conn := c.conn()
	defer conn.Close()
	s, err := redis.String(conn.Do("HGET", key, field))
	if err == redis.ErrNil {
		return "", nil
	}
	if err != nil {
		return "", &apierrors.StoreError{Op: "HGET", Err: err}
	}
	return s, nil
}

// HDel deletes field from the hash at key.
func (c *Client) HDel(ctx context.Context, key, field string) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	conn := c.conn()
	defer conn.Close()
	if _, err := conn.Do("HDEL", key, field); err != nil {
		return &apierrors.StoreError{Op: "HDEL", Err: err}
	}
	return nil
}

// HLen returns the number of fields in the hash at key (used for pool-size
// reads, spec.md §4.2 checkCapacity: "currentMachines = |pool|").
func (c *Client) HLen(ctx context.Context, key string) (int, error) {
	if err := checkCtx(ctx); err != nil {
		return 0, err
	}
	conn := c.conn()
	defer conn.Close()
	n, err := redis.Int(conn.Do("HLEN", key))
	if err != nil {
		return 0, &apierrors.StoreError{Op: "HLEN", Err: err}
	}
	return n, nil
}

// SAdd adds member to the set at key.
func (c *Client) SAdd(ctx context.Context, key, member string) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	conn := c.conn()
	defer conn.Close()
	if _, err := conn.Do("SADD", key, member); err != nil {
		return &apierrors.StoreError{Op: "SADD", Err: err}
	}
	return nil
}

// SRem removes member from the set at key.
func (c *Client) SRem(ctx context.Context, key, member string) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	conn := c.conn()
	defer conn.Close()
	if _, err := conn.Do("SREM", key, member); err != nil {
		return &apierrors.StoreError{Op: "SREM", Err: err}
	}
	return nil
}

// SMembers returns every member of the set at key.
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	conn := c.conn()
	defer conn.Close()
	members, err := redis.Strings(conn.Do("SMEMBERS", key))
	if err != nil {
		return nil, &apierrors.StoreError{Op: "SMEMBERS", Err: err}
	}
	return members, nil
}

// SIsMember reports whether member is in the set at key.
func (c *Client) SIsMember(ctx context.Context, key, member string) (bool, error) {
	if err := checkCtx(ctx); err != nil {
		return false, err
	}
	conn := c.conn()
	defer conn.Close()
	ok, err := redis.Bool(conn.Do("SISMEMBER", key, member))
	if err != nil {
		return false, &apierrors.StoreError{Op: "SISMEMBER", Err: err}
	}
	return ok, nil
}

// SPop atomically removes and returns one arbitrary member of the set at
// key, or "" if the set is empty (spec.md §4.4 popStoppedMachine).
func (c *Client) SPop(ctx context.Context, key string) (string, error) {
	if err := checkCtx(ctx); err != nil {
		return "", err
	}
	conn := c.conn()
	defer conn.Close()
	s, err := redis.String(conn.Do("SPOP", key))
	if err == redis.ErrNil {
		return "", nil
	}
	if err != nil {
		return "", &apierrors.StoreError{Op: "SPOP", Err: err}
	}
	return s, nil
}

// ZAdd adds member to the sorted set at key with the given score.
func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	conn := c.conn()
	defer conn.Close()
	if _, err := conn.Do("ZADD", key, score, member); err != nil {
		return &apierrors.StoreError{Op: "ZADD", Err: err}
	}
	return nil
}

// ZCard returns the number of members in the sorted set at key.
func (c *Client) ZCard(ctx context.Context, key string) (int, error) {
	if err := checkCtx(ctx); err != nil {
		return 0, err
	}
	conn := c.conn()
	defer conn.Close()
	n, err := redis.Int(conn.Do("ZCARD", key))
	if err != nil {
		return 0, &apierrors.StoreError{Op: "ZCARD", Err: err}
	}
	return n, nil
}

// ZPopMin atomically pops and returns the lowest-scored member of the
// sorted set at key, or "" if it is empty (spec.md §4.3 popJob: "atomic
// pop-min from the pending sorted set"; §6: "ZPOPMIN atomicity on pop is
// required").
func (c *Client) ZPopMin(ctx context.Context, key string) (member string, score float64, found bool, err error) {
	if err = checkCtx(ctx); err != nil {
		return "", 0, false, err
	}
	conn := c.conn()
	defer conn.Close()
	reply, err := redis.Values(conn.Do("ZPOPMIN", key, 1))
	if err != nil {
		return "", 0, false, &apierrors.StoreError{Op: "ZPOPMIN", Err: err}
	}
	if len(reply) == 0 {
		return "", 0, false, nil
	}
	var m string
	var s float64
	if _, err := redis.Scan(reply, &m, &s); err != nil {
		return "", 0, false, &apierrors.StoreError{Op: "ZPOPMIN", Err: err}
	}
	return m, s, true, nil
}

// Expire sets key's TTL.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	conn := c.conn()
	defer conn.Close()
	if _, err := conn.Do("EXPIRE", key, int64(ttl.Seconds())); err != nil {
		return &apierrors.StoreError{Op: "EXPIRE", Err: err}
	}
	return nil
}

// ScanResult is one page of a SCAN iteration.
type ScanResult struct {
	Cursor uint64
	Keys   []string
}

// Scan runs one SCAN iteration over keys matching pattern, used by the
// reaper's incremental sweep (spec.md §4.6 step 2).
func (c *Client) Scan(ctx context.Context, cursor uint64, pattern string, count int) (ScanResult, error) {
	if err := checkCtx(ctx); err != nil {
		return ScanResult{}, err
	}
	conn := c.conn()
	defer conn.Close()
	reply, err := redis.Values(conn.Do("SCAN", cursor, "MATCH", pattern, "COUNT", count))
	if err != nil {
		return ScanResult{}, &apierrors.StoreError{Op: "SCAN", Err: err}
	}
	if len(reply) != 2 {
		return ScanResult{}, &apierrors.StoreError{Op: "SCAN", Err: errInvalidScanReply}
	}
	// reply[0] is the next cursor, reply[1] is the key batch.
	next, err := redis.Uint64(reply[0], nil)
	if err != nil {
		return ScanResult{}, &apierrors.StoreError{Op: "SCAN", Err: err}
	}
	keys, err := redis.Strings(reply[1], nil)
	if err != nil {
		return ScanResult{}, &apierrors.StoreError{Op: "SCAN", Err: err}
	}
	return ScanResult{Cursor: next, Keys: keys}, nil
}

var errInvalidScanReply = errors.New("store: SCAN reply did not have 2 elements")
