package uploadevent_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/require"

	"github.com/v0id-user/rwos/internal/schema"
	"github.com/v0id-user/rwos/internal/spawner"
	"github.com/v0id-user/rwos/internal/store"
	"github.com/v0id-user/rwos/internal/uploadevent"
)

type fakeURLBuilder struct{}

func (fakeURLBuilder) CanonicalURL(bucket, key string) string {
	return fmt.Sprintf("https://acct.host/%s/%s", bucket, key)
}

func newHandler(t *testing.T) (*uploadevent.Handler, *store.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	pool := &redis.Pool{Dial: func() (redis.Conn, error) { return redis.Dial("tcp", mr.Addr()) }}
	t.Cleanup(pool.Close)
	c := store.New(pool)
	h := uploadevent.New(c, schema.NewKeys("rwos"), schema.DefaultConstants(), fakeURLBuilder{}, "input-bucket", nil, spawner.Config{})
	return h, c
}

func TestHandleMessageIgnoresWrongBucket(t *testing.T) {
	h, c := newHandler(t)
	ctx := context.Background()

	require.NoError(t, h.HandleMessage(ctx, uploadevent.Message{
		Bucket: "other-bucket",
		Key:    "inputs/j1/v.mp4",
		Action: "PutObject",
	}))

	n, err := c.ZCard(ctx, schema.NewKeys("rwos").JobsPending())
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestHandleMessageIgnoresUnrecognizedAction(t *testing.T) {
	h, c := newHandler(t)
	ctx := context.Background()

	require.NoError(t, h.HandleMessage(ctx, uploadevent.Message{
		Bucket: "input-bucket",
		Key:    "inputs/j1/v.mp4",
		Action: "DeleteObject",
	}))

	n, err := c.ZCard(ctx, schema.NewKeys("rwos").JobsPending())
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestHandleMessageNoJobIDMatchSkips(t *testing.T) {
	h, c := newHandler(t)
	ctx := context.Background()

	require.NoError(t, h.HandleMessage(ctx, uploadevent.Message{
		Bucket: "input-bucket",
		Key:    "misc/readme.txt",
		Action: "PutObject",
	}))

	n, err := c.ZCard(ctx, schema.NewKeys("rwos").JobsPending())
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestHandleMessageCreatesFreshJobWhenAbsent(t *testing.T) {
	h, c := newHandler(t)
	ctx := context.Background()
	keys := schema.NewKeys("rwos")

	require.NoError(t, h.HandleMessage(ctx, uploadevent.Message{
		Bucket: "input-bucket",
		Key:    "inputs/j2/v.mp4",
		Action: "PutObject",
	}))

	fields, err := c.HGetAll(ctx, keys.JobStatus("j2"))
	require.NoError(t, err)
	job := schema.DecodeJob(fields)
	require.NotNil(t, job)
	require.Equal(t, schema.JobStatusPending, job.Status)
	require.Equal(t, "inputs/j2/v.mp4", job.InputKey)
	require.Equal(t, "outputs/j2", job.OutputURL)

	n, err := c.ZCard(ctx, keys.JobsPending())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestHandleMessageUpdatesExistingUploadingJob(t *testing.T) {
	h, c := newHandler(t)
	ctx := context.Background()
	keys := schema.NewKeys("rwos")

	existing := &schema.Job{
		JobID:      "j3",
		Status:     schema.JobStatusUploading,
		InputKey:   "inputs/j3/v.mp4",
		Timestamps: schema.Timestamps{CreatedAt: 1000},
	}
	require.NoError(t, c.HSet(ctx, keys.JobStatus("j3"), schema.EncodeJob(existing)))

	require.NoError(t, h.HandleMessage(ctx, uploadevent.Message{
		Bucket: "input-bucket",
		Key:    "inputs/j3/v.mp4",
		Action: "CompleteMultipartUpload",
	}))

	fields, err := c.HGetAll(ctx, keys.JobStatus("j3"))
	require.NoError(t, err)
	job := schema.DecodeJob(fields)
	require.Equal(t, schema.JobStatusPending, job.Status)
	require.NotZero(t, job.Timestamps.UploadedAt)

	n, err := c.ZCard(ctx, keys.JobsPending())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

type channelSource struct {
	ch chan uploadevent.Message
}

func (s *channelSource) Messages(ctx context.Context) (<-chan uploadevent.Message, error) {
	return s.ch, nil
}

func TestRunAcksOnSuccess(t *testing.T) {
	h, c := newHandler(t)
	keys := schema.NewKeys("rwos")

	acked := make(chan struct{}, 1)
	src := &channelSource{ch: make(chan uploadevent.Message, 1)}
	src.ch <- uploadevent.Message{
		Bucket: "input-bucket",
		Key:    "inputs/j4/v.mp4",
		Action: "PutObject",
		Ack:    func() { acked <- struct{}{} },
		Nack:   func() { t.Fatal("unexpected nack") },
	}
	close(src.ch)

	ctx := context.Background()
	require.NoError(t, h.Run(ctx, src))

	select {
	case <-acked:
	default:
		t.Fatal("expected ack to be called")
	}

	n, err := c.ZCard(ctx, keys.JobsPending())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
