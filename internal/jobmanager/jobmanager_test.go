package jobmanager_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/require"

	"github.com/v0id-user/rwos/internal/apierrors"
	"github.com/v0id-user/rwos/internal/jobmanager"
	"github.com/v0id-user/rwos/internal/schema"
	"github.com/v0id-user/rwos/internal/store"
)

func newManager(t *testing.T) (*jobmanager.Manager, *store.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	pool := &redis.Pool{Dial: func() (redis.Conn, error) { return redis.Dial("tcp", mr.Addr()) }}
	t.Cleanup(pool.Close)
	c := store.New(pool)
	return jobmanager.New(c, schema.NewKeys("rwos"), schema.DefaultConstants()), c
}

func TestEnqueueThenPopJob(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	job, err := m.EnqueueJob(ctx, jobmanager.NewJob{InputURL: "s3://in", Preset: schema.PresetHLS})
	require.NoError(t, err)
	require.NotEmpty(t, job.JobID)
	require.Equal(t, schema.JobStatusPending, job.Status)

	n, err := m.GetPendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	popped, err := m.PopJob(ctx, "machine-1")
	require.NoError(t, err)
	require.NotNil(t, popped)
	require.Equal(t, job.JobID, popped.JobID)
	require.Equal(t, schema.JobStatusRunning, popped.Status)
	require.Equal(t, "machine-1", popped.MachineID)

	n, err = m.GetPendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	active, err := m.GetActiveJobs(ctx)
	require.NoError(t, err)
	require.Equal(t, "machine-1", active[job.JobID])
}

func TestPopJobEmptyReturnsNil(t *testing.T) {
	m, _ := newManager(t)
	popped, err := m.PopJob(context.Background(), "machine-1")
	require.NoError(t, err)
	require.Nil(t, popped)
}

func TestCompleteJobClearsActiveAndSetsOutputs(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	job, err := m.EnqueueJob(ctx, jobmanager.NewJob{})
	require.NoError(t, err)
	_, err = m.PopJob(ctx, "machine-1")
	require.NoError(t, err)

	require.NoError(t, m.CompleteJob(ctx, job.JobID, jobmanager.CompleteResult{
		Outputs:  []string{"s3://out/1.mp4"},
		Duration: 12.5,
	}))

	got, err := m.GetJobStatus(ctx, job.JobID)
	require.NoError(t, err)
	require.Equal(t, schema.JobStatusCompleted, got.Status)
	require.Equal(t, []string{"s3://out/1.mp4"}, got.Outputs)
	require.NotZero(t, got.Timestamps.CompletedAt)

	active, err := m.GetActiveJobs(ctx)
	require.NoError(t, err)
	require.NotContains(t, active, job.JobID)
}

func TestFailJobSetsErrorAndClearsActive(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	job, err := m.EnqueueJob(ctx, jobmanager.NewJob{})
	require.NoError(t, err)
	_, err = m.PopJob(ctx, "machine-1")
	require.NoError(t, err)

	require.NoError(t, m.FailJob(ctx, job.JobID, "transcode crashed"))

	got, err := m.GetJobStatus(ctx, job.JobID)
	require.NoError(t, err)
	require.Equal(t, schema.JobStatusFailed, got.Status)
	require.Equal(t, "transcode crashed", got.Error)

	active, err := m.GetActiveJobs(ctx)
	require.NoError(t, err)
	require.NotContains(t, active, job.JobID)
}

func TestRequeueJobBelowLimitGoesBackToPending(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	job, err := m.EnqueueJob(ctx, jobmanager.NewJob{})
	require.NoError(t, err)
	_, err = m.PopJob(ctx, "machine-1")
	require.NoError(t, err)

	requeued, err := m.RequeueJob(ctx, job.JobID)
	require.NoError(t, err)
	require.True(t, requeued)

	got, err := m.GetJobStatus(ctx, job.JobID)
	require.NoError(t, err)
	require.Equal(t, schema.JobStatusPending, got.Status)
	require.Equal(t, 1, got.Retries)
	require.Empty(t, got.MachineID)

	n, err := m.GetPendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestRequeueJobAtLimitFails(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	job, err := m.EnqueueJob(ctx, jobmanager.NewJob{})
	require.NoError(t, err)

	for i := 0; i < schema.DefaultMaxJobRetries; i++ {
		_, err = m.PopJob(ctx, "machine-1")
		require.NoError(t, err)
		requeued, err := m.RequeueJob(ctx, job.JobID)
		require.NoError(t, err)
		require.True(t, requeued)
	}

	_, err = m.PopJob(ctx, "machine-1")
	require.NoError(t, err)
	requeued, err := m.RequeueJob(ctx, job.JobID)
	require.NoError(t, err)
	require.False(t, requeued)

	got, err := m.GetJobStatus(ctx, job.JobID)
	require.NoError(t, err)
	require.Equal(t, schema.JobStatusFailed, got.Status)
	require.Equal(t, "Max retries exceeded", got.Error)
}

func TestGetJobStatusNotFound(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.GetJobStatus(context.Background(), "does-not-exist")
	require.Error(t, err)
	var nfErr *apierrors.JobNotFoundError
	require.ErrorAs(t, err, &nfErr)
}
