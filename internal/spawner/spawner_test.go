package spawner_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/require"

	"github.com/v0id-user/rwos/internal/admission"
	"github.com/v0id-user/rwos/internal/apierrors"
	"github.com/v0id-user/rwos/internal/machinepool"
	"github.com/v0id-user/rwos/internal/schema"
	"github.com/v0id-user/rwos/internal/spawner"
	"github.com/v0id-user/rwos/internal/store"
)

type fakeProvider struct {
	createCalls int
	createErrs  []error
	createID    string
	startErr    error
	machines    []machinepool.ProviderMachine
}

func (f *fakeProvider) StartMachine(ctx context.Context, id string) error { return f.startErr }
func (f *fakeProvider) StopMachine(ctx context.Context, id string) error  { return nil }
func (f *fakeProvider) ListMachines(ctx context.Context) ([]machinepool.ProviderMachine, error) {
	return f.machines, nil
}

func newHarness(t *testing.T) (*store.Client, schema.Keys, schema.Constants) {
	t.Helper()
	mr := miniredis.RunT(t)
	pool := &redis.Pool{Dial: func() (redis.Conn, error) { return redis.Dial("tcp", mr.Addr()) }}
	t.Cleanup(pool.Close)
	return store.New(pool), schema.NewKeys("rwos"), schema.DefaultConstants()
}

func TestMaybeSpawnWorkerDevModeNoOp(t *testing.T) {
	c, keys, constants := newHarness(t)
	ctx := context.Background()
	mp := machinepool.New(c, keys, &fakeProvider{})
	adm := admission.New(c, keys, constants)
	s := spawner.New(mp, adm, nil, constants)

	result, err := s.MaybeSpawnWorker(ctx, spawner.Config{DevMode: true})
	require.NoError(t, err)
	require.Nil(t, result)
}

func TestMaybeSpawnWorkerAtCapacityNoOp(t *testing.T) {
	c, keys, constants := newHarness(t)
	ctx := context.Background()
	mp := machinepool.New(c, keys, &fakeProvider{})
	adm := admission.New(c, keys, constants)
	s := spawner.New(mp, adm, nil, constants)

	for i := 0; i < constants.MaxMachines; i++ {
		require.NoError(t, c.HSet(ctx, keys.MachinesPool(), map[string]string{
			"m" + string(rune('a'+i)): "{}",
		}))
	}

	result, err := s.MaybeSpawnWorker(ctx, spawner.Config{})
	require.NoError(t, err)
	require.Nil(t, result)
}

func TestSpawnWorkerReusesStoppedMachine(t *testing.T) {
	c, keys, constants := newHarness(t)
	ctx := context.Background()
	provider := &fakeProvider{}
	mp := machinepool.New(c, keys, provider)
	adm := admission.New(c, keys, constants)
	s := spawner.New(mp, adm, nil, constants)

	require.NoError(t, mp.AddMachineToPool(ctx, "m1"))
	require.NoError(t, mp.StopMachine(ctx, "m1"))

	result, err := s.SpawnWorker(ctx, spawner.Config{})
	require.NoError(t, err)
	require.Equal(t, "m1", result.MachineID)
	require.Equal(t, "started", result.State)

	isMember, err := c.SIsMember(ctx, keys.MachinesStopped(), "m1")
	require.NoError(t, err)
	require.False(t, isMember)
}

func TestSpawnWorkerReuseFailureCompensates(t *testing.T) {
	c, keys, constants := newHarness(t)
	ctx := context.Background()
	provider := &fakeProvider{startErr: apierrorsBoom()}
	mp := machinepool.New(c, keys, provider)
	adm := admission.New(c, keys, constants)
	s := spawner.New(mp, adm, nil, constants)

	require.NoError(t, mp.AddMachineToPool(ctx, "m1"))
	require.NoError(t, mp.StopMachine(ctx, "m1"))

	_, err := s.SpawnWorker(ctx, spawner.Config{})
	require.Error(t, err)

	isMember, err := c.SIsMember(ctx, keys.MachinesStopped(), "m1")
	require.NoError(t, err)
	require.True(t, isMember, "must be re-added to the stopped set on compensation")
}

func apierrorsBoom() error {
	return &apierrors.ProviderHTTPError{Status: 500, Body: "boom"}
}
