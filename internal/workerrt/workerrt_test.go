package workerrt_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/require"

	"github.com/v0id-user/rwos/internal/jobmanager"
	"github.com/v0id-user/rwos/internal/machinepool"
	"github.com/v0id-user/rwos/internal/schema"
	"github.com/v0id-user/rwos/internal/store"
	"github.com/v0id-user/rwos/internal/webhook"
	"github.com/v0id-user/rwos/internal/workerrt"
)

type noopProvider struct{}

func (noopProvider) StartMachine(ctx context.Context, id string) error { return nil }
func (noopProvider) StopMachine(ctx context.Context, id string) error  { return nil }
func (noopProvider) ListMachines(ctx context.Context) ([]machinepool.ProviderMachine, error) {
	return nil, nil
}

type fakeRunner struct {
	result workerrt.RunResult
	err    error
	called chan *schema.Job
}

func (f *fakeRunner) Run(ctx context.Context, job *schema.Job) (workerrt.RunResult, error) {
	if f.called != nil {
		f.called <- job
	}
	return f.result, f.err
}

type fakePoster struct {
	posts chan webhook.Payload
}

func (f *fakePoster) Post(ctx context.Context, url string, payload webhook.Payload) error {
	if f.posts != nil {
		f.posts <- payload
	}
	return nil
}

func newHarness(t *testing.T) (*jobmanager.Manager, *machinepool.Pool, *store.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	pool := &redis.Pool{Dial: func() (redis.Conn, error) { return redis.Dial("tcp", mr.Addr()) }}
	t.Cleanup(pool.Close)
	c := store.New(pool)
	keys := schema.NewKeys("rwos")
	constants := schema.DefaultConstants()
	jobs := jobmanager.New(c, keys, constants)
	mp := machinepool.New(c, keys, noopProvider{})
	return jobs, mp, c
}

func TestRuntimeProcessesJobToCompletion(t *testing.T) {
	jobs, mp, c := newHarness(t)
	ctx := context.Background()

	job, err := jobs.EnqueueJob(ctx, jobmanager.NewJob{InputURL: "https://u/in.mp4", OutputURL: "outputs/j1", Preset: schema.PresetDefault, WebhookURL: "https://hook/j1"})
	require.NoError(t, err)

	runner := &fakeRunner{result: workerrt.RunResult{Outputs: []string{"outputs/j1/720p.mp4"}, Duration: 12.5}, called: make(chan *schema.Job, 1)}
	poster := &fakePoster{posts: make(chan webhook.Payload, 1)}

	rt := workerrt.New("m1", jobs, mp, runner, poster, 5*time.Millisecond)
	require.NoError(t, rt.Start(ctx))
	t.Cleanup(rt.Stop)

	select {
	case got := <-runner.called:
		require.Equal(t, job.JobID, got.JobID)
	case <-time.After(time.Second):
		t.Fatal("runner was never invoked")
	}

	select {
	case payload := <-poster.posts:
		require.Equal(t, schema.JobStatusCompleted, payload.Status)
		require.Equal(t, job.JobID, payload.JobID)
	case <-time.After(time.Second):
		t.Fatal("webhook was never posted")
	}

	require.Eventually(t, func() bool {
		status, err := jobs.GetJobStatus(ctx, job.JobID)
		return err == nil && status.Status == schema.JobStatusCompleted
	}, time.Second, 5*time.Millisecond)

	active, err := c.HGetAll(ctx, schema.NewKeys("rwos").JobsActive())
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestRuntimeFailsJobOnRunnerError(t *testing.T) {
	jobs, mp, _ := newHarness(t)
	ctx := context.Background()

	job, err := jobs.EnqueueJob(ctx, jobmanager.NewJob{InputURL: "https://u/in.mp4", OutputURL: "outputs/j2", Preset: schema.PresetDefault})
	require.NoError(t, err)

	runner := &fakeRunner{err: errors.New("ffmpeg exploded")}
	rt := workerrt.New("m2", jobs, mp, runner, nil, 5*time.Millisecond)
	require.NoError(t, rt.Start(ctx))
	t.Cleanup(rt.Stop)

	require.Eventually(t, func() bool {
		status, err := jobs.GetJobStatus(ctx, job.JobID)
		return err == nil && status.Status == schema.JobStatusFailed
	}, time.Second, 5*time.Millisecond)
}

func TestRuntimeAddsMachineToPoolOnStart(t *testing.T) {
	jobs, mp, c := newHarness(t)
	ctx := context.Background()

	rt := workerrt.New("m3", jobs, mp, &fakeRunner{}, nil, 5*time.Millisecond)
	require.NoError(t, rt.Start(ctx))
	t.Cleanup(rt.Stop)

	require.Eventually(t, func() bool {
		fields, err := c.HGetAll(ctx, schema.NewKeys("rwos").MachinesPool())
		return err == nil && fields["m3"] != ""
	}, time.Second, 5*time.Millisecond)
}
