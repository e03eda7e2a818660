// Package workerrt is the worker process main loop (spec.md §4.8): claim
// a machineId from the spawner, pop jobs until told to stop, and run each
// one through an opaque job runner, webhooking and completing/failing the
// result.
package workerrt

import (
	"context"
	"time"

	"github.com/v0id-user/rwos/internal/clock"
	"github.com/v0id-user/rwos/internal/jobmanager"
	"github.com/v0id-user/rwos/internal/logging"
	"github.com/v0id-user/rwos/internal/machinepool"
	"github.com/v0id-user/rwos/internal/schema"
	"github.com/v0id-user/rwos/internal/webhook"
)

// idleBackoffFractions mirrors the teacher's escalating idle-poll backoff: the
// first empty pop retries almost immediately, subsequent ones back off up
// to the configured poll interval.
var idleBackoffFractions = []float64{0, 0.1, 0.25, 0.5, 1}

// RunResult is what a JobRunner reports back for a completed job.
type RunResult struct {
	Outputs  []string
	Duration float64
}

// JobRunner executes one job's actual transcode work. It is intentionally
// opaque to this package (spec.md §4.8: "run the opaque job runner with
// the job's fields") so workerrt stays agnostic to the transcoding
// pipeline itself.
type JobRunner interface {
	Run(ctx context.Context, job *schema.Job) (RunResult, error)
}

// Runtime is the worker main loop.
type Runtime struct {
	machineID    string
	jobs         *jobmanager.Manager
	pool         *machinepool.Pool
	runner       JobRunner
	poster       webhook.Poster
	pollInterval time.Duration
	clock        clock.Clock
	logger       logging.StructuredLogger

	stopChan         chan struct{}
	doneStoppingChan chan struct{}
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the runtime's logger.
func WithLogger(l logging.StructuredLogger) Option {
	return func(r *Runtime) { r.logger = l }
}

// WithClock overrides the clock (used in tests).
func WithClock(c clock.Clock) Option {
	return func(r *Runtime) { r.clock = c }
}

// New builds a Runtime bound to machineID, the identity the spawner
// injected into this worker process's environment.
func New(machineID string, jobs *jobmanager.Manager, pool *machinepool.Pool, runner JobRunner, poster webhook.Poster, pollInterval time.Duration, opts ...Option) *Runtime {
	r := &Runtime{
		machineID:        machineID,
		jobs:             jobs,
		pool:             pool,
		runner:           runner,
		poster:           poster,
		pollInterval:     pollInterval,
		clock:            clock.Real{},
		logger:           logging.Noop,
		stopChan:         make(chan struct{}),
		doneStoppingChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start performs step 1 (spec.md §4.8: "Call addMachineToPool(machineId)
// ... tolerates existing entries") and begins the main loop in the
// background. Call Stop to request cancellation between jobs.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.pool.AddMachineToPool(ctx, r.machineID); err != nil {
		return err
	}
	go r.loop(ctx)
	return nil
}

// Stop requests the loop exit at its next idle tick and blocks until it
// has done so. A job in flight always runs to completion first (spec.md
// §4.8: "cancellation for the loop, never for a running job").
func (r *Runtime) Stop() {
	r.stopChan <- struct{}{}
	<-r.doneStoppingChan
}

func (r *Runtime) loop(ctx context.Context) {
	var consecutiveEmpty int

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.doneStoppingChan <- struct{}{}
			return
		case <-r.stopChan:
			r.doneStoppingChan <- struct{}{}
			return
		case <-timer.C:
			job, err := r.jobs.PopJob(ctx, r.machineID)
			if err != nil {
				r.logger.Error("workerrt.pop_job", logging.ErrAttr(err))
				timer.Reset(r.backoffFor(consecutiveEmpty))
				continue
			}
			if job == nil {
				if uerr := r.pool.UpdateMachineState(ctx, r.machineID, schema.MachineIdle); uerr != nil {
					r.logger.Warn("workerrt.update_idle", logging.ErrAttr(uerr))
				}
				consecutiveEmpty++
				timer.Reset(r.backoffFor(consecutiveEmpty))
				continue
			}

			consecutiveEmpty = 0
			r.runOne(ctx, job)
			timer.Reset(0)
		}
	}
}

func (r *Runtime) backoffFor(consecutiveEmpty int) time.Duration {
	idx := consecutiveEmpty
	if idx >= len(idleBackoffFractions) {
		idx = len(idleBackoffFractions) - 1
	}
	return time.Duration(float64(r.pollInterval) * idleBackoffFractions[idx])
}

// runOne executes step 2's job branch in full: mark running, run, webhook,
// complete or fail, regardless of how the run concludes.
func (r *Runtime) runOne(ctx context.Context, job *schema.Job) {
	if err := r.pool.UpdateMachineState(ctx, r.machineID, schema.MachineRunning); err != nil {
		r.logger.Warn("workerrt.update_running", logging.ErrAttr(err))
	}

	result, runErr := r.runner.Run(ctx, job)

	payload := webhook.Payload{
		JobID:    job.JobID,
		InputURL: job.InputURL,
		Outputs:  result.Outputs,
		Duration: result.Duration,
	}
	if runErr != nil {
		payload.Status = schema.JobStatusFailed
		payload.Error = runErr.Error()
	} else {
		payload.Status = schema.JobStatusCompleted
	}

	if job.WebhookURL != "" && r.poster != nil {
		if err := r.poster.Post(ctx, job.WebhookURL, payload); err != nil {
			r.logger.Warn("workerrt.webhook_post", logging.ErrAttr(err))
		}
	}

	if runErr != nil {
		if err := r.jobs.FailJob(ctx, job.JobID, runErr.Error()); err != nil {
			r.logger.Error("workerrt.fail_job", logging.ErrAttr(err))
		}
		return
	}
	if err := r.jobs.CompleteJob(ctx, job.JobID, jobmanager.CompleteResult{Outputs: result.Outputs, Duration: result.Duration}); err != nil {
		r.logger.Error("workerrt.complete_job", logging.ErrAttr(err))
	}
}
