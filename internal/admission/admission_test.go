package admission_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/require"

	"github.com/v0id-user/rwos/internal/admission"
	"github.com/v0id-user/rwos/internal/apierrors"
	"github.com/v0id-user/rwos/internal/schema"
	"github.com/v0id-user/rwos/internal/store"
)

func newController(t *testing.T) (*admission.Controller, *store.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	pool := &redis.Pool{Dial: func() (redis.Conn, error) { return redis.Dial("tcp", mr.Addr()) }}
	t.Cleanup(pool.Close)
	c := store.New(pool)
	constants := schema.DefaultConstants()
	return admission.New(c, schema.NewKeys("rwos"), constants), c, mr
}

func TestRateLimitFirstAllowedSecondDenied(t *testing.T) {
	ctrl, _, mr := newController(t)
	ctx := context.Background()

	ok, err := ctrl.CheckRateLimit(ctx)
	require.NoError(t, err)
	require.True(t, ok, "first call in window must be allowed")

	ok, err = ctrl.CheckRateLimit(ctx)
	require.NoError(t, err)
	require.False(t, ok, "second call in same window must be denied")

	mr.FastForward(1100 * time.Millisecond)

	ok, err = ctrl.CheckRateLimit(ctx)
	require.NoError(t, err)
	require.True(t, ok, "call after window elapses must be allowed")
}

func TestCapacityBoundary(t *testing.T) {
	ctrl, c, _ := newController(t)
	ctx := context.Background()

	keys := schema.NewKeys("rwos")
	for i := 0; i < schema.DefaultMaxMachines-1; i++ {
		require.NoError(t, c.HSet(ctx, keys.MachinesPool(), map[string]string{
			"m" + string(rune('a'+i)): "{}",
		}))
	}

	err := ctrl.AcquireMachineSlot(ctx)
	require.NoError(t, err, "acquire must succeed with one free slot")

	require.NoError(t, c.HSet(ctx, keys.MachinesPool(), map[string]string{"mlast": "{}"}))

	err = ctrl.AcquireMachineSlot(ctx)
	require.Error(t, err)
	var capErr *apierrors.CapacityFullError
	require.ErrorAs(t, err, &capErr)
}

func TestReleaseMachineSlotClampsAtZero(t *testing.T) {
	ctrl, c, _ := newController(t)
	ctx := context.Background()

	require.NoError(t, ctrl.ReleaseMachineSlot(ctx))
	v, err := c.Get(ctx, schema.NewKeys("rwos").CounterActiveMachines())
	require.NoError(t, err)
	require.Equal(t, "0", v)
}

func TestAcquireReleaseNetZero(t *testing.T) {
	ctrl, c, _ := newController(t)
	ctx := context.Background()
	keys := schema.NewKeys("rwos")

	require.NoError(t, ctrl.AcquireMachineSlot(ctx))
	require.NoError(t, ctrl.ReleaseMachineSlot(ctx))

	v, err := c.Get(ctx, keys.CounterActiveMachines())
	require.NoError(t, err)
	require.Equal(t, "0", v)
}
