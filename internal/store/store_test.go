package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/require"

	"github.com/v0id-user/rwos/internal/store"
)

func newTestClient(t *testing.T) (*store.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	pool := &redis.Pool{
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", mr.Addr())
		},
	}
	t.Cleanup(pool.Close)
	return store.New(pool), mr
}

func TestZPopMinAtomicPop(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.ZAdd(ctx, "q", 2, "b"))
	require.NoError(t, c.ZAdd(ctx, "q", 1, "a"))

	member, score, found, err := c.ZPopMin(ctx, "q")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "a", member)
	require.Equal(t, float64(1), score)

	card, err := c.ZCard(ctx, "q")
	require.NoError(t, err)
	require.Equal(t, 1, card)
}

func TestZPopMinEmpty(t *testing.T) {
	c, _ := newTestClient(t)
	_, _, found, err := c.ZPopMin(context.Background(), "empty")
	require.NoError(t, err)
	require.False(t, found)
}

func TestHashRoundTrip(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.HSet(ctx, "h", map[string]string{"a": "1", "b": "2"}))
	m, err := c.HGetAll(ctx, "h")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"a": "1", "b": "2"}, m)

	require.NoError(t, c.HDel(ctx, "h", "a"))
	m, err = c.HGetAll(ctx, "h")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"b": "2"}, m)
}

func TestSetOps(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.SAdd(ctx, "s", "m1"))
	ok, err := c.SIsMember(ctx, "s", "m1")
	require.NoError(t, err)
	require.True(t, ok)

	popped, err := c.SPop(ctx, "s")
	require.NoError(t, err)
	require.Equal(t, "m1", popped)

	popped, err = c.SPop(ctx, "s")
	require.NoError(t, err)
	require.Equal(t, "", popped)
}

func TestIncrWithExpire(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	n, err := c.IncrWithExpire(ctx, "rl", time.Second)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = c.IncrWithExpire(ctx, "rl", time.Second)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	mr.FastForward(2 * time.Second)
	v, err := c.Get(ctx, "rl")
	require.NoError(t, err)
	require.Equal(t, "", v)
}

func TestPipelineExec(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	p := c.Pipeline()
	p.HSet("h1", map[string]string{"x": "1"})
	p.Send("SADD", "s1", "m1")
	replies, err := p.Exec(ctx)
	require.NoError(t, err)
	require.Len(t, replies, 2)

	m, err := c.HGetAll(ctx, "h1")
	require.NoError(t, err)
	require.Equal(t, "1", m["x"])

	ok, err := c.SIsMember(ctx, "s1", "m1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestScanIterates(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Set(ctx, "jobs:status:"+string(rune('a'+i)), "x"))
	}

	seen := map[string]bool{}
	cursor := uint64(0)
	for {
		res, err := c.Scan(ctx, cursor, "jobs:status:*", 2)
		require.NoError(t, err)
		for _, k := range res.Keys {
			seen[k] = true
		}
		cursor = res.Cursor
		if cursor == 0 {
			break
		}
	}
	require.Len(t, seen, 5)
}
