// Package machinepool tracks the logical state of every machine RWOS is
// responsible for and reconciles it against the compute provider's view of
// physical existence, per spec.md §4.4.
package machinepool

import (
	"context"

	"github.com/v0id-user/rwos/internal/apierrors"
	"github.com/v0id-user/rwos/internal/clock"
	"github.com/v0id-user/rwos/internal/logging"
	"github.com/v0id-user/rwos/internal/schema"
	"github.com/v0id-user/rwos/internal/store"
)

// Provider is the subset of the compute-provider RPCs the pool needs
// (spec.md §6: start-machine, stop-machine, list-machines).
type Provider interface {
	StartMachine(ctx context.Context, machineID string) error
	StopMachine(ctx context.Context, machineID string) error
	ListMachines(ctx context.Context) ([]ProviderMachine, error)
}

// ProviderMachine is one entry of the provider's list-machines response.
type ProviderMachine struct {
	ID        string
	Stopped   bool
	Region    string
	CreatedAt int64
}

// Pool is the Machine Pool component (spec.md §4.4).
type Pool struct {
	store    *store.Client
	keys     schema.Keys
	provider Provider
	clock    clock.Clock
	logger   logging.StructuredLogger
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool's logger.
func WithLogger(l logging.StructuredLogger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithClock overrides the clock (used in tests).
func WithClock(c clock.Clock) Option {
	return func(p *Pool) { p.clock = c }
}

// New builds a Pool.
func New(s *store.Client, keys schema.Keys, provider Provider, opts ...Option) *Pool {
	p := &Pool{
		store:    s,
		keys:     keys,
		provider: provider,
		clock:    clock.Real{},
		logger:   logging.Noop,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AddMachineToPool writes a pool entry {state=running, lastActiveAt=now,
// createdAt=now} (spec.md §4.4 addMachineToPool). Idempotent up to
// timestamp refresh, per spec.md §8.
func (p *Pool) AddMachineToPool(ctx context.Context, machineID string) error {
	now := clock.NowMs(p.clock)
	entry := &schema.MachinePoolEntry{
		MachineID:    machineID,
		State:        schema.MachineRunning,
		LastActiveAt: now,
		CreatedAt:    now,
	}
	return p.writeEntry(ctx, entry)
}

// UpdateMachineState reads the entry to preserve createdAt, rewrites with
// the new state and lastActiveAt=now; if absent, createdAt=now (spec.md
// §4.4 updateMachineState).
func (p *Pool) UpdateMachineState(ctx context.Context, machineID string, state schema.MachineState) error {
	now := clock.NowMs(p.clock)
	existing, err := p.readEntry(ctx, machineID)
	if err != nil {
		return err
	}
	createdAt := now
	if existing != nil {
		createdAt = existing.CreatedAt
	}
	return p.writeEntry(ctx, &schema.MachinePoolEntry{
		MachineID:    machineID,
		State:        state,
		LastActiveAt: now,
		CreatedAt:    createdAt,
	})
}

// StartMachine calls the provider's start RPC; on success it pipelines:
// remove from the stopped set, rewrite the pool entry with state=running,
// preserved createdAt, lastActiveAt=now. On RPC failure it does not mutate
// pool state and surfaces the provider error (spec.md §4.4 startMachine).
func (p *Pool) StartMachine(ctx context.Context, machineID string) error {
	if err := p.provider.StartMachine(ctx, machineID); err != nil {
		return err
	}

	now := clock.NowMs(p.clock)
	existing, err := p.readEntry(ctx, machineID)
	if err != nil {
		return err
	}
	createdAt := now
	if existing != nil {
		createdAt = existing.CreatedAt
	}
	encoded, err := schema.EncodeMachine(&schema.MachinePoolEntry{
		MachineID:    machineID,
		State:        schema.MachineRunning,
		LastActiveAt: now,
		CreatedAt:    createdAt,
	})
	if err != nil {
		return err
	}

	pl := p.store.Pipeline()
	pl.Send("SREM", p.keys.MachinesStopped(), machineID)
	pl.HSet(p.keys.MachinesPool(), map[string]string{machineID: encoded})
	_, err = pl.Exec(ctx)
	return err
}

// StopMachine calls the provider's stop RPC; on success it adds the
// machine to the stopped set and rewrites the entry with state=stopped
// (spec.md §4.4 stopMachine).
func (p *Pool) StopMachine(ctx context.Context, machineID string) error {
	if err := p.provider.StopMachine(ctx, machineID); err != nil {
		return err
	}

	now := clock.NowMs(p.clock)
	existing, err := p.readEntry(ctx, machineID)
	if err != nil {
		return err
	}
	createdAt := now
	if existing != nil {
		createdAt = existing.CreatedAt
	}
	encoded, err := schema.EncodeMachine(&schema.MachinePoolEntry{
		MachineID:    machineID,
		State:        schema.MachineStopped,
		LastActiveAt: now,
		CreatedAt:    createdAt,
	})
	if err != nil {
		return err
	}

	pl := p.store.Pipeline()
	pl.Send("SADD", p.keys.MachinesStopped(), machineID)
	pl.HSet(p.keys.MachinesPool(), map[string]string{machineID: encoded})
	_, err = pl.Exec(ctx)
	return err
}

// MarkStopped re-adds machineID to the stopped set and rewrites its pool
// entry as state=stopped without calling the provider. It is the
// compensating action the spawner performs when a reuse attempt's
// startMachine RPC fails after popStoppedMachine already removed the id
// from the set (spec.md §4.5 step 1: "On failure, re-add the id to the
// stopped set (compensation)").
func (p *Pool) MarkStopped(ctx context.Context, machineID string) error {
	now := clock.NowMs(p.clock)
	existing, err := p.readEntry(ctx, machineID)
	if err != nil {
		return err
	}
	createdAt := now
	lastActiveAt := now
	if existing != nil {
		createdAt = existing.CreatedAt
		lastActiveAt = existing.LastActiveAt
	}
	encoded, err := schema.EncodeMachine(&schema.MachinePoolEntry{
		MachineID:    machineID,
		State:        schema.MachineStopped,
		LastActiveAt: lastActiveAt,
		CreatedAt:    createdAt,
	})
	if err != nil {
		return err
	}

	pl := p.store.Pipeline()
	pl.Send("SADD", p.keys.MachinesStopped(), machineID)
	pl.HSet(p.keys.MachinesPool(), map[string]string{machineID: encoded})
	_, err = pl.Exec(ctx)
	return err
}

// PopStoppedMachine atomically removes one arbitrary member of the stopped
// set and returns it, or "" if empty (spec.md §4.4 popStoppedMachine).
func (p *Pool) PopStoppedMachine(ctx context.Context) (string, error) {
	return p.store.SPop(ctx, p.keys.MachinesStopped())
}

// SyncMachinePool reconciles the pool against the provider's physical view
// (spec.md §4.4 syncMachinePool): lists provider machines, writes/updates
// pool entries and stopped-set membership for each, deletes entries for
// machines the provider no longer reports, and executes all writes in one
// pipeline.
func (p *Pool) SyncMachinePool(ctx context.Context) error {
	providerMachines, err := p.provider.ListMachines(ctx)
	if err != nil {
		return err
	}

	poolMap, err := p.store.HGetAll(ctx, p.keys.MachinesPool())
	if err != nil {
		return err
	}
	stoppedMembers, err := p.store.SMembers(ctx, p.keys.MachinesStopped())
	if err != nil {
		return err
	}
	stopped := make(map[string]bool, len(stoppedMembers))
	for _, m := range stoppedMembers {
		stopped[m] = true
	}

	now := clock.NowMs(p.clock)
	present := make(map[string]bool, len(providerMachines))
	pl := p.store.Pipeline()

	for _, pm := range providerMachines {
		present[pm.ID] = true

		existing := schema.DecodeMachine(poolMap[pm.ID])
		createdAt := now
		lastActiveAt := now
		if existing != nil {
			createdAt = existing.CreatedAt
			lastActiveAt = existing.LastActiveAt
		}

		state := schema.MachineRunning
		if pm.Stopped {
			state = schema.MachineStopped
		}

		encoded, err := schema.EncodeMachine(&schema.MachinePoolEntry{
			MachineID:    pm.ID,
			State:        state,
			LastActiveAt: lastActiveAt,
			CreatedAt:    createdAt,
		})
		if err != nil {
			return err
		}
		pl.HSet(p.keys.MachinesPool(), map[string]string{pm.ID: encoded})

		switch {
		case pm.Stopped && !stopped[pm.ID]:
			pl.Send("SADD", p.keys.MachinesStopped(), pm.ID)
		case !pm.Stopped && stopped[pm.ID]:
			pl.Send("SREM", p.keys.MachinesStopped(), pm.ID)
		}
	}

	for machineID := range poolMap {
		if !present[machineID] {
			pl.Send("HDEL", p.keys.MachinesPool(), machineID)
			pl.Send("SREM", p.keys.MachinesStopped(), machineID)
		}
	}

	_, err = pl.Exec(ctx)
	return err
}

func (p *Pool) readEntry(ctx context.Context, machineID string) (*schema.MachinePoolEntry, error) {
	raw, err := p.store.HGet(ctx, p.keys.MachinesPool(), machineID)
	if err != nil {
		return nil, err
	}
	return schema.DecodeMachine(raw), nil
}

func (p *Pool) writeEntry(ctx context.Context, entry *schema.MachinePoolEntry) error {
	encoded, err := schema.EncodeMachine(entry)
	if err != nil {
		return &apierrors.InvalidJobDataError{Reason: "machinepool: could not encode entry for " + entry.MachineID}
	}
	return p.store.HSet(ctx, p.keys.MachinesPool(), map[string]string{entry.MachineID: encoded})
}
