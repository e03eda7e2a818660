// Package idgen mints identifiers for jobs and machines.
package idgen

import "github.com/google/uuid"

// New returns a fresh random identifier suitable for a jobId or machineId.
func New() string {
	return uuid.New().String()
}
