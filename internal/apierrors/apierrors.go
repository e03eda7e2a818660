// Package apierrors defines the typed error kinds named in spec.md §7. Each
// wraps enough context for errors.As to recover specific kinds at the call
// site (Design Notes §9: "error values are typed, propagation is explicit").
package apierrors

import (
	"fmt"
	"time"
)

// StoreError wraps a failure from the state store (spec.md §7:
// "ConnectionError, CommandError ... always surfaced to the caller").
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// ProviderHTTPError is a compute-provider RPC failure carrying an
// HTTP-style status code (spec.md §6: "Errors carry an HTTP-style status
// code; 429 and 5xx are retriable, all others are not").
type ProviderHTTPError struct {
	Status int
	Body   string
}

func (e *ProviderHTTPError) Error() string {
	return fmt.Sprintf("provider: http %d: %s", e.Status, e.Body)
}

// Retriable reports whether the status is one the provider client's retry
// policy retries (spec.md §4.5 step 4: "retry iff error is the provider
// rate-limit code (429) or any 5xx").
func (e *ProviderHTTPError) Retriable() bool {
	return e.Status == 429 || e.Status >= 500
}

// InvalidMachineResponse signals the provider returned a response the
// client could not make sense of (missing id, malformed body, ...).
type InvalidMachineResponse struct {
	Reason string
}

func (e *InvalidMachineResponse) Error() string {
	return fmt.Sprintf("provider: invalid machine response: %s", e.Reason)
}

// RateLimitedError reports that the fixed 1-second admission bucket is
// already spent (spec.md §4.2 checkRateLimit). The admission controller
// does not return it: CheckRateLimit reports a spent bucket as false, and
// WaitForRateLimit sleeps and tries again.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string { return "admission: rate limited" }

// CapacityFullError is returned when the pool is already at MAX_MACHINES
// (spec.md §4.2 acquireMachineSlot, §4.5 maybeSpawnWorker).
type CapacityFullError struct {
	Current int
	Max     int
}

func (e *CapacityFullError) Error() string {
	return fmt.Sprintf("admission: capacity full (%d/%d)", e.Current, e.Max)
}

// JobNotFoundError is returned when a jobId has no status record (spec.md
// §4.3 popJob, getJobStatus).
type JobNotFoundError struct {
	JobID string
}

func (e *JobNotFoundError) Error() string { return fmt.Sprintf("job not found: %s", e.JobID) }

// InvalidJobDataError is returned when a job's status record deserializes
// to something unusable (spec.md §4.1: "malformed JSON returns null").
type InvalidJobDataError struct {
	Reason string
}

func (e *InvalidJobDataError) Error() string { return fmt.Sprintf("invalid job data: %s", e.Reason) }

// SpawnTimeoutError names a spawn whose retry schedule ran out without a
// definitive result. The spawner does not return it: when the provider
// client's retries are exhausted, SpawnWorker returns the provider error.
type SpawnTimeoutError struct{}

func (e *SpawnTimeoutError) Error() string { return "spawner: spawn timed out" }
