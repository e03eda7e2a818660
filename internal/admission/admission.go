// Package admission implements the per-process-wide capacity and
// rate-limit gate described in spec.md §4.2. It advises the spawner and
// enforces a hard cap but does not own machines itself.
package admission

import (
	"context"

	"github.com/v0id-user/rwos/internal/apierrors"
	"github.com/v0id-user/rwos/internal/clock"
	"github.com/v0id-user/rwos/internal/logging"
	"github.com/v0id-user/rwos/internal/schema"
	"github.com/v0id-user/rwos/internal/store"
)

// Controller is the admission controller (spec.md §4.2).
type Controller struct {
	store     *store.Client
	keys      schema.Keys
	constants schema.Constants
	clock     clock.Clock
	logger    logging.StructuredLogger
}

// Option configures a Controller, generalizing the teacher's
// WorkerPoolOption pattern (WithReapPeriod, WithLogger, ...).
type Option func(*Controller)

// WithLogger sets the controller's logger.
func WithLogger(l logging.StructuredLogger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithClock overrides the clock (used in tests).
func WithClock(cl clock.Clock) Option {
	return func(c *Controller) { c.clock = cl }
}

// New builds a Controller.
func New(s *store.Client, keys schema.Keys, constants schema.Constants, opts ...Option) *Controller {
	c := &Controller{
		store:     s,
		keys:      keys,
		constants: constants,
		clock:     clock.Real{},
		logger:    logging.Noop,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckRateLimit atomically increments counters:rate_limit with a 1-second
// TTL; it allows only when the post-increment value is <= 1 (spec.md
// §4.2: "No sliding window; a fixed 1-second bucket is sufficient and
// intentional").
func (c *Controller) CheckRateLimit(ctx context.Context) (bool, error) {
	n, err := c.store.IncrWithExpire(ctx, c.keys.CounterRateLimit(), windowDuration(c.constants))
	if err != nil {
		return false, err
	}
	return n <= 1, nil
}

// WaitForRateLimit loops with a 1-second sleep until CheckRateLimit allows
// the call, honoring ctx cancellation (spec.md §4.2 waitForRateLimit).
func (c *Controller) WaitForRateLimit(ctx context.Context) error {
	for {
		ok, err := c.CheckRateLimit(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := c.clock.Sleep(ctx, windowDuration(c.constants)); err != nil {
			return err
		}
	}
}

// CheckCapacity reads the pool map and reports whether another machine can
// be admitted (spec.md §4.2 checkCapacity).
func (c *Controller) CheckCapacity(ctx context.Context) (currentMachines int, allowed bool, err error) {
	n, err := c.store.HLen(ctx, c.keys.MachinesPool())
	if err != nil {
		return 0, false, err
	}
	return n, n < c.constants.MaxMachines, nil
}

// AcquireMachineSlot checks capacity, waits for the rate limit, re-checks
// capacity, increments the advisory counter, and re-validates against the
// cap; a full pool or an overshoot (after decrementing) returns
// apierrors.CapacityFullError (spec.md §4.2 acquireMachineSlot).
func (c *Controller) AcquireMachineSlot(ctx context.Context) error {
	current, allowed, err := c.CheckCapacity(ctx)
	if err != nil {
		return err
	}
	if !allowed {
		return &apierrors.CapacityFullError{Current: current, Max: c.constants.MaxMachines}
	}

	if err := c.WaitForRateLimit(ctx); err != nil {
		return err
	}

	current, allowed, err = c.CheckCapacity(ctx)
	if err != nil {
		return err
	}
	if !allowed {
		return &apierrors.CapacityFullError{Current: current, Max: c.constants.MaxMachines}
	}

	n, err := c.store.Incr(ctx, c.keys.CounterActiveMachines())
	if err != nil {
		return err
	}
	if int(n) > c.constants.MaxMachines {
		if relErr := c.ReleaseMachineSlot(ctx); relErr != nil {
			c.logger.Warn("admission.acquire.release_on_overshoot", logging.ErrAttr(relErr))
		}
		return &apierrors.CapacityFullError{Current: int(n), Max: c.constants.MaxMachines}
	}
	return nil
}

// ReleaseMachineSlot is a clamped decrement: if the current value is <= 0,
// it writes 0 instead of going negative (spec.md §4.2 releaseMachineSlot).
func (c *Controller) ReleaseMachineSlot(ctx context.Context) error {
	current, err := c.store.Get(ctx, c.keys.CounterActiveMachines())
	if err != nil {
		return err
	}
	cur, convErr := parseCounter(current)
	if convErr != nil || cur <= 0 {
		return c.store.Set(ctx, c.keys.CounterActiveMachines(), "0")
	}
	return c.store.Set(ctx, c.keys.CounterActiveMachines(), formatCounter(cur-1))
}

// Stats is the observability payload for GET /stats (spec.md §6).
type Stats struct {
	ActiveMachines int `json:"activeMachines"`
	MaxMachines    int `json:"maxMachines"`
}

// GetAdmissionStats returns {activeMachines, maxMachines} (spec.md §4.2
// getAdmissionStats).
func (c *Controller) GetAdmissionStats(ctx context.Context) (Stats, error) {
	v, err := c.store.Get(ctx, c.keys.CounterActiveMachines())
	if err != nil {
		return Stats{}, err
	}
	n, _ := parseCounter(v)
	return Stats{ActiveMachines: n, MaxMachines: c.constants.MaxMachines}, nil
}
