// Package jobmanager enqueues, pops, completes, fails, and requeues jobs
// atomically, per spec.md §4.3.
package jobmanager

import (
	"context"

	"github.com/v0id-user/rwos/internal/apierrors"
	"github.com/v0id-user/rwos/internal/clock"
	"github.com/v0id-user/rwos/internal/idgen"
	"github.com/v0id-user/rwos/internal/logging"
	"github.com/v0id-user/rwos/internal/schema"
	"github.com/v0id-user/rwos/internal/store"
)

// Manager is the Job Manager (spec.md §4.3).
type Manager struct {
	store     *store.Client
	keys      schema.Keys
	constants schema.Constants
	clock     clock.Clock
	logger    logging.StructuredLogger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l logging.StructuredLogger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides the clock (used in tests).
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// New builds a Manager.
func New(s *store.Client, keys schema.Keys, constants schema.Constants, opts ...Option) *Manager {
	m := &Manager{
		store:     s,
		keys:      keys,
		constants: constants,
		clock:     clock.Real{},
		logger:    logging.Noop,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewJob is the caller-supplied subset of a Job that EnqueueJob accepts;
// JobID is generated if empty.
type NewJob struct {
	JobID           string
	InputURL        string
	OutputURL       string
	Preset          schema.Preset
	OutputQualities []string
	WebhookURL      string
	InputKey        string
	R2Config        map[string]string
	CreatedAt       int64 // 0 uses now
}

// EnqueueJob writes jobs:status:{id} (status=pending; retries=0;
// queuedAt=now; createdAt from caller or now), sets its TTL, and adds
// {score=now, member=jobId} to the pending sorted set, all three writes in
// one pipeline (spec.md §4.3 enqueueJob).
func (m *Manager) EnqueueJob(ctx context.Context, in NewJob) (*schema.Job, error) {
	now := clock.NowMs(m.clock)

	id := in.JobID
	if id == "" {
		id = idgen.New()
	}
	createdAt := in.CreatedAt
	if createdAt == 0 {
		createdAt = now
	}

	job := &schema.Job{
		JobID:           id,
		Status:          schema.JobStatusPending,
		InputURL:        in.InputURL,
		OutputURL:       in.OutputURL,
		Preset:          in.Preset,
		OutputQualities: in.OutputQualities,
		WebhookURL:      in.WebhookURL,
		InputKey:        in.InputKey,
		R2Config:        in.R2Config,
		Retries:         0,
		Timestamps: schema.Timestamps{
			CreatedAt: createdAt,
			QueuedAt:  now,
		},
	}

	p := m.store.Pipeline()
	p.HSet(m.keys.JobStatus(id), schema.EncodeJob(job))
	p.Send("EXPIRE", m.keys.JobStatus(id), int64(m.constants.JobStatusTTL.Seconds()))
	p.Send("ZADD", m.keys.JobsPending(), now, id)
	if _, err := p.Exec(ctx); err != nil {
		return nil, err
	}

	return job, nil
}

// PopJob atomically pop-mins the pending sorted set; on empty it returns
// (nil, nil). Otherwise it reads jobs:status:{id}, then writes
// status=running/machineId/startedAt and adds {jobId -> machineId} to the
// active map in a second pipeline (spec.md §4.3 popJob).
func (m *Manager) PopJob(ctx context.Context, machineID string) (*schema.Job, error) {
	jobID, _, found, err := m.store.ZPopMin(ctx, m.keys.JobsPending())
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	fields, err := m.store.HGetAll(ctx, m.keys.JobStatus(jobID))
	if err != nil {
		return nil, err
	}
	job := schema.DecodeJob(fields)
	if job == nil {
		if len(fields) == 0 {
			return nil, &apierrors.JobNotFoundError{JobID: jobID}
		}
		return nil, &apierrors.InvalidJobDataError{Reason: "popJob: could not decode job " + jobID}
	}

	now := clock.NowMs(m.clock)
	job.Status = schema.JobStatusRunning
	job.MachineID = machineID
	job.Timestamps.StartedAt = now

	p := m.store.Pipeline()
	p.HSet(m.keys.JobStatus(jobID), map[string]string{
		"status":    string(schema.JobStatusRunning),
		"machineId": machineID,
		"startedAt": formatInt(now),
	})
	p.Send("HSET", m.keys.JobsActive(), jobID, machineID)
	if _, err := p.Exec(ctx); err != nil {
		return nil, err
	}

	return job, nil
}

// CompleteResult is the optional payload completeJob accepts.
type CompleteResult struct {
	Outputs  []string
	Duration float64
}

// CompleteJob sets status=completed, completedAt=now, optionally writes
// outputs/duration, and deletes the job from the active map, all in one
// pipeline (spec.md §4.3 completeJob).
func (m *Manager) CompleteJob(ctx context.Context, jobID string, res CompleteResult) error {
	now := clock.NowMs(m.clock)

	fields := map[string]string{
		"status":      string(schema.JobStatusCompleted),
		"completedAt": formatInt(now),
	}
	if len(res.Outputs) > 0 {
		job := &schema.Job{Outputs: res.Outputs}
		enc := schema.EncodeJob(job)
		fields["outputs"] = enc["outputs"]
	}
	if res.Duration != 0 {
		fields["duration"] = formatFloat(res.Duration)
	}

	p := m.store.Pipeline()
	p.HSet(m.keys.JobStatus(jobID), fields)
	p.Send("HDEL", m.keys.JobsActive(), jobID)
	_, err := p.Exec(ctx)
	return err
}

// FailJob sets status=failed, completedAt=now, error=errMsg, and deletes
// the job from the active map, all in one pipeline (spec.md §4.3 failJob).
func (m *Manager) FailJob(ctx context.Context, jobID string, errMsg string) error {
	now := clock.NowMs(m.clock)

	p := m.store.Pipeline()
	p.HSet(m.keys.JobStatus(jobID), map[string]string{
		"status":      string(schema.JobStatusFailed),
		"completedAt": formatInt(now),
		"error":       errMsg,
	})
	p.Send("HDEL", m.keys.JobsActive(), jobID)
	_, err := p.Exec(ctx)
	return err
}

// RequeueJob reads the job's current retries; if >= MAX_JOB_RETRIES it
// calls FailJob with "Max retries exceeded" and returns false. Otherwise it
// re-adds the job to the pending queue with score=now, sets status=pending,
// increments retries, clears machineId, and removes it from the active map
// (spec.md §4.3 requeueJob).
func (m *Manager) RequeueJob(ctx context.Context, jobID string) (bool, error) {
	fields, err := m.store.HGetAll(ctx, m.keys.JobStatus(jobID))
	if err != nil {
		return false, err
	}
	job := schema.DecodeJob(fields)
	if job == nil {
		return false, &apierrors.JobNotFoundError{JobID: jobID}
	}

	if job.Retries >= m.constants.MaxJobRetries {
		if err := m.FailJob(ctx, jobID, "Max retries exceeded"); err != nil {
			return false, err
		}
		return false, nil
	}

	now := clock.NowMs(m.clock)
	p := m.store.Pipeline()
	p.Send("ZADD", m.keys.JobsPending(), now, jobID)
	p.HSet(m.keys.JobStatus(jobID), map[string]string{
		"status":  string(schema.JobStatusPending),
		"retries": formatInt(int64(job.Retries + 1)),
	})
	p.Send("HDEL", m.keys.JobStatus(jobID), "machineId")
	p.Send("HDEL", m.keys.JobsActive(), jobID)
	if _, err := p.Exec(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// GetJobStatus is a read-only accessor (spec.md §4.3).
func (m *Manager) GetJobStatus(ctx context.Context, jobID string) (*schema.Job, error) {
	fields, err := m.store.HGetAll(ctx, m.keys.JobStatus(jobID))
	if err != nil {
		return nil, err
	}
	job := schema.DecodeJob(fields)
	if job == nil {
		return nil, &apierrors.JobNotFoundError{JobID: jobID}
	}
	return job, nil
}

// GetPendingCount is a read-only accessor (spec.md §4.3).
func (m *Manager) GetPendingCount(ctx context.Context) (int, error) {
	return m.store.ZCard(ctx, m.keys.JobsPending())
}

// GetActiveJobs is a read-only accessor returning jobId -> machineId
// (spec.md §4.3).
func (m *Manager) GetActiveJobs(ctx context.Context) (map[string]string, error) {
	return m.store.HGetAll(ctx, m.keys.JobsActive())
}
