// Package spawner implements spawnWorker and maybeSpawnWorker, the
// reuse-or-create machine algorithm of spec.md §4.5.
package spawner

import (
	"context"
	"errors"

	"github.com/v0id-user/rwos/internal/admission"
	"github.com/v0id-user/rwos/internal/apierrors"
	"github.com/v0id-user/rwos/internal/clock"
	"github.com/v0id-user/rwos/internal/logging"
	"github.com/v0id-user/rwos/internal/machinepool"
	"github.com/v0id-user/rwos/internal/provider"
	"github.com/v0id-user/rwos/internal/schema"
)

// Config is the per-spawn machine template (spec.md §4.5 step 3).
type Config struct {
	Image            string
	Region           string
	StateStoreURL    string
	StateStoreToken  string
	WebhookBaseURL   string
	DevMode          bool
}

// Result is spawnWorker's success payload (spec.md §4.5 steps 1, 6).
type Result struct {
	MachineID string
	State     string // "started" (reuse path) or the provider's create-time state
}

// Spawner is the Spawner component (spec.md §4.5).
type Spawner struct {
	pool      *machinepool.Pool
	admission *admission.Controller
	provider  *provider.Client
	constants schema.Constants
	clock     clock.Clock
	logger    logging.StructuredLogger
}

// Option configures a Spawner.
type Option func(*Spawner)

// WithLogger sets the spawner's logger.
func WithLogger(l logging.StructuredLogger) Option {
	return func(s *Spawner) { s.logger = l }
}

// WithClock overrides the spawner's clock. SpawnWorker itself does not
// sleep; the create-machine retry waits happen inside internal/provider.
func WithClock(c clock.Clock) Option {
	return func(s *Spawner) { s.clock = c }
}

// New builds a Spawner.
func New(pool *machinepool.Pool, adm *admission.Controller, prov *provider.Client, constants schema.Constants, opts ...Option) *Spawner {
	s := &Spawner{
		pool:      pool,
		admission: adm,
		provider:  prov,
		constants: constants,
		clock:     clock.Real{},
		logger:    logging.Noop,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SpawnWorker is the hardest algorithm in the system (spec.md §4.5):
//  1. Try reuse via popStoppedMachine + startMachine; on start failure,
//     compensate by re-adding the id to the stopped set.
//  2. Otherwise acquire a slot, build a machine spec, create via the
//     provider under an exponential-backoff retry schedule, and on success
//     register the new machine in the pool.
func (s *Spawner) SpawnWorker(ctx context.Context, cfg Config) (Result, error) {
	reused, err := s.tryReuse(ctx, cfg)
	if err != nil {
		return Result{}, err
	}
	if reused != nil {
		return *reused, nil
	}

	if err := s.admission.AcquireMachineSlot(ctx); err != nil {
		return Result{}, err
	}

	spec := s.buildMachineSpec(cfg)

	// s.provider.CreateMachine already runs under the exponential-backoff
	// retry schedule spec.md §4.5 step 4 requires (base/cap/5 attempts,
	// retry iff 429 or 5xx) — that policy lives in the HTTP transport
	// (internal/provider), so a single call here is the whole retry
	// schedule, not just the first attempt.
	created, err := s.provider.CreateMachine(ctx, spec)
	if err != nil {
		if relErr := s.admission.ReleaseMachineSlot(ctx); relErr != nil {
			s.logger.Warn("spawner.create.release_on_failure", logging.ErrAttr(relErr))
		}
		return Result{}, err
	}

	if err := s.pool.AddMachineToPool(ctx, created.ID); err != nil {
		if relErr := s.admission.ReleaseMachineSlot(ctx); relErr != nil {
			s.logger.Warn("spawner.add_to_pool.release_on_failure", logging.ErrAttr(relErr))
		}
		return Result{}, err
	}

	return Result{MachineID: created.ID, State: created.State}, nil
}

// tryReuse implements spec.md §4.5 step 1. A nil, nil return means no
// stopped machine was available and the caller should fall through to
// the create path.
func (s *Spawner) tryReuse(ctx context.Context, cfg Config) (*Result, error) {
	machineID, err := s.pool.PopStoppedMachine(ctx)
	if err != nil {
		return nil, err
	}
	if machineID == "" {
		return nil, nil
	}

	if err := s.pool.StartMachine(ctx, machineID); err != nil {
		if addErr := s.pool.MarkStopped(ctx, machineID); addErr != nil {
			s.logger.Warn("spawner.reuse.compensate_failed", logging.ErrAttr(addErr))
		}
		return nil, err
	}

	return &Result{MachineID: machineID, State: "started"}, nil
}

func (s *Spawner) buildMachineSpec(cfg Config) provider.MachineSpec {
	return provider.MachineSpec{
		Image:  cfg.Image,
		Region: cfg.Region,
		Env: map[string]string{
			"UPSTREAM_STATE_STORE_URL":   cfg.StateStoreURL,
			"UPSTREAM_STATE_STORE_TOKEN": cfg.StateStoreToken,
			"WEBHOOK_BASE_URL":           cfg.WebhookBaseURL,
		},
		Guest:       provider.DefaultGuestSpec(),
		Restart:     "no",
		AutoDestroy: false,
	}
}

// MaybeSpawnWorker is the callable used on every new job enqueue and from
// the upload-event handler (spec.md §4.5 maybeSpawnWorker): a nil result
// with a nil error means "no spawn attempted", which is not itself a
// failure.
func (s *Spawner) MaybeSpawnWorker(ctx context.Context, cfg Config) (*Result, error) {
	if cfg.DevMode {
		return nil, nil
	}

	_, allowed, err := s.admission.CheckCapacity(ctx)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, nil
	}

	result, err := s.SpawnWorker(ctx, cfg)
	if err != nil {
		var capErr *apierrors.CapacityFullError
		if errors.As(err, &capErr) {
			return nil, nil
		}
		return nil, err
	}
	return &result, nil
}
