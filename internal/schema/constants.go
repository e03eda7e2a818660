// Package schema is the single source of truth for key names, field
// layouts, and serialization of job and machine records (spec.md §4.1).
package schema

import "time"

// Constants, all configurable but defaulting exactly as spec.md §4.1
// requires.
const (
	DefaultMaxMachines               = 10
	DefaultIdleTimeoutMs        int64 = 300_000
	DefaultPollIntervalMs       int64 = 5_000
	DefaultJobStatusTTLSeconds        = 86_400
	DefaultMaxJobRetries              = 3
	DefaultBackoffBaseMs        int64 = 100
	DefaultBackoffMaxMs         int64 = 10_000
	DefaultPresignedURLExpiryS        = 3_600
	DefaultUploadingRecoveryBufferS   = 300
	DefaultRateLimitWindowMs    int64 = 1_000
)

// Constants is the configurable bundle of the above, threaded through every
// component instead of read from globals (Design Notes §9: "one
// configuration record built at process startup, passed down").
type Constants struct {
	MaxMachines               int
	IdleTimeoutMs             int64
	PollIntervalMs            int64
	JobStatusTTL              time.Duration
	MaxJobRetries             int
	BackoffBaseMs             int64
	BackoffMaxMs              int64
	PresignedURLExpiry        time.Duration
	UploadingRecoveryBuffer   time.Duration
	RateLimitWindowMs         int64
}

// DefaultConstants returns the spec.md §4.1 defaults.
func DefaultConstants() Constants {
	return Constants{
		MaxMachines:             DefaultMaxMachines,
		IdleTimeoutMs:           DefaultIdleTimeoutMs,
		PollIntervalMs:          DefaultPollIntervalMs,
		JobStatusTTL:            DefaultJobStatusTTLSeconds * time.Second,
		MaxJobRetries:           DefaultMaxJobRetries,
		BackoffBaseMs:           DefaultBackoffBaseMs,
		BackoffMaxMs:            DefaultBackoffMaxMs,
		PresignedURLExpiry:      DefaultPresignedURLExpiryS * time.Second,
		UploadingRecoveryBuffer: DefaultUploadingRecoveryBufferS * time.Second,
		RateLimitWindowMs:       DefaultRateLimitWindowMs,
	}
}
