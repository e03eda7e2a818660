// Package reaper is the periodic sweep of spec.md §4.6: stop idle
// machines and recover jobs stuck in uploading, invoked once per minute
// by an external scheduler.
package reaper

import (
	"context"
	"log/slog"

	"github.com/v0id-user/rwos/internal/clock"
	"github.com/v0id-user/rwos/internal/jobmanager"
	"github.com/v0id-user/rwos/internal/logging"
	"github.com/v0id-user/rwos/internal/machinepool"
	"github.com/v0id-user/rwos/internal/objectstore"
	"github.com/v0id-user/rwos/internal/schema"
	"github.com/v0id-user/rwos/internal/spawner"
	"github.com/v0id-user/rwos/internal/store"
)

// maxRecordsPerTick bounds one Run invocation's uploading-record sweep
// (spec.md §4.6 step 3: "limit one invocation to ≤ 100 records checked").
const maxRecordsPerTick = 100

// scanBatchSize is the COUNT hint passed to each SCAN call; the sweep
// still stops at maxRecordsPerTick regardless of batch size.
const scanBatchSize = 50

// ObjectHeader reports object presence, satisfied by objectstore.Client.
type ObjectHeader interface {
	HeadObject(ctx context.Context, bucket, key string) (objectstore.HeadResult, error)
}

// URLBuilder builds the canonical URL form, satisfied by
// objectstore.Client (shared with internal/uploadevent).
type URLBuilder interface {
	CanonicalURL(bucket, key string) string
}

// Reaper runs the idle-stop and stuck-upload sweeps.
type Reaper struct {
	store       *store.Client
	keys        schema.Keys
	constants   schema.Constants
	pool        *machinepool.Pool
	jobs        *jobmanager.Manager
	objects     ObjectHeader
	urls        URLBuilder
	inputBucket string
	spawnerSvc  *spawner.Spawner
	spawnCfg    spawner.Config
	devMode     bool
	clock       clock.Clock
	logger      logging.StructuredLogger
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithLogger sets the reaper's logger.
func WithLogger(l logging.StructuredLogger) Option {
	return func(r *Reaper) { r.logger = l }
}

// WithClock overrides the clock (used in tests).
func WithClock(c clock.Clock) Option {
	return func(r *Reaper) { r.clock = c }
}

// WithDevMode skips the idle-stop loop, matching spec.md §4.6 step 1's
// "skipped in dev mode".
func WithDevMode(dev bool) Option {
	return func(r *Reaper) { r.devMode = dev }
}

// WithSpawner wires a best-effort maybeSpawnWorker call after a
// stuck-upload record recovers to pending. May be omitted.
func WithSpawner(s *spawner.Spawner, cfg spawner.Config) Option {
	return func(r *Reaper) {
		r.spawnerSvc = s
		r.spawnCfg = cfg
	}
}

// New builds a Reaper.
func New(s *store.Client, keys schema.Keys, constants schema.Constants, pool *machinepool.Pool, jobs *jobmanager.Manager, objects ObjectHeader, urls URLBuilder, inputBucket string, opts ...Option) *Reaper {
	r := &Reaper{
		store:       s,
		keys:        keys,
		constants:   constants,
		pool:        pool,
		jobs:        jobs,
		objects:     objects,
		urls:        urls,
		inputBucket: inputBucket,
		clock:       clock.Real{},
		logger:      logging.Noop,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one tick: the idle-stop loop (unless dev mode), then the
// bounded stuck-upload recovery sweep.
func (r *Reaper) Run(ctx context.Context) error {
	if !r.devMode {
		if err := r.idleStopLoop(ctx); err != nil {
			return err
		}
	}
	return r.stuckUploadSweep(ctx)
}

// idleStopLoop is spec.md §4.6 step 1.
func (r *Reaper) idleStopLoop(ctx context.Context) error {
	poolMap, err := r.store.HGetAll(ctx, r.keys.MachinesPool())
	if err != nil {
		return err
	}

	now := clock.NowMs(r.clock)
	for machineID, raw := range poolMap {
		entry := schema.DecodeMachine(raw)
		if entry == nil || entry.State != schema.MachineIdle {
			continue
		}
		if now-entry.LastActiveAt < r.constants.IdleTimeoutMs {
			continue
		}
		if err := r.pool.StopMachine(ctx, machineID); err != nil {
			r.logger.Warn("reaper.stop_machine_failed", slog.String("machineId", machineID), logging.ErrAttr(err))
		}
	}
	return nil
}

// stuckUploadSweep is spec.md §4.6 steps 2-3: an incremental, cursor-backed
// scan bounded to maxRecordsPerTick records.
func (r *Reaper) stuckUploadSweep(ctx context.Context) error {
	cursorStr, err := r.store.Get(ctx, r.keys.ReaperCursor())
	if err != nil {
		return err
	}
	cursor := parseCursor(cursorStr)

	checked := 0
	now := clock.NowMs(r.clock)
	threshold := (r.constants.PresignedURLExpiry + r.constants.UploadingRecoveryBuffer).Milliseconds()

	for checked < maxRecordsPerTick {
		page, err := r.store.Scan(ctx, cursor, r.keys.JobStatusScanPattern(), scanBatchSize)
		if err != nil {
			return err
		}
		cursor = page.Cursor

		for _, key := range page.Keys {
			if checked >= maxRecordsPerTick {
				break
			}
			checked++

			jobID := r.keys.JobIDFromStatusKey(key)
			if jobID == "" {
				continue
			}
			if err := r.recoverIfStuck(ctx, jobID, now, threshold); err != nil {
				r.logger.Warn("reaper.recover_failed", slog.String("jobId", jobID), logging.ErrAttr(err))
			}
		}

		if cursor == 0 {
			break
		}
	}

	return r.store.Set(ctx, r.keys.ReaperCursor(), formatUint(cursor))
}

func (r *Reaper) recoverIfStuck(ctx context.Context, jobID string, now int64, thresholdMs int64) error {
	fields, err := r.store.HGetAll(ctx, r.keys.JobStatus(jobID))
	if err != nil {
		return err
	}
	job := schema.DecodeJob(fields)
	if job == nil || job.Status != schema.JobStatusUploading {
		return nil
	}
	age := now - job.Timestamps.CreatedAt
	if age < thresholdMs {
		return nil
	}

	if job.InputKey == "" {
		return r.jobs.FailJob(ctx, jobID, "Upload never completed (no input key)")
	}

	head, err := r.objects.HeadObject(ctx, r.inputBucket, job.InputKey)
	if err != nil {
		return err
	}
	if !head.Exists {
		if age >= thresholdMs*2 {
			return r.jobs.FailJob(ctx, jobID, "Upload never completed (file not found after extended wait)")
		}
		return nil
	}

	// Re-read to confirm the record is still uploading before transitioning.
	fields, err = r.store.HGetAll(ctx, r.keys.JobStatus(jobID))
	if err != nil {
		return err
	}
	job = schema.DecodeJob(fields)
	if job == nil || job.Status != schema.JobStatusUploading {
		return nil
	}

	p := r.store.Pipeline()
	p.HSet(r.keys.JobStatus(jobID), map[string]string{
		"status":     string(schema.JobStatusPending),
		"inputUrl":   r.urls.CanonicalURL(r.inputBucket, job.InputKey),
		"uploadedAt": formatInt(now),
		"queuedAt":   formatInt(now),
	})
	p.Send("ZADD", r.keys.JobsPending(), now, jobID)
	if _, err := p.Exec(ctx); err != nil {
		return err
	}

	if r.spawnerSvc != nil {
		if _, err := r.spawnerSvc.MaybeSpawnWorker(ctx, r.spawnCfg); err != nil {
			r.logger.Warn("reaper.maybe_spawn_failed", logging.ErrAttr(err))
		}
	}
	return nil
}
