package schema

// Key builders, generalized from the teacher's redis.go
// (redisKeyJobs/redisKeyRetry/... namespace-prefixed key builders) onto the
// RWOS key layout named in spec.md §4.1.

// Keys builds every Redis key RWOS touches, all under one namespace so a
// single Redis instance can host multiple deployments side by side.
type Keys struct {
	namespace string
}

// NewKeys returns a Keys builder for the given namespace, normalizing it to
// always end in ":" exactly like the teacher's redisNamespacePrefix.
func NewKeys(namespace string) Keys {
	if namespace != "" && namespace[len(namespace)-1] != ':' {
		namespace += ":"
	}
	return Keys{namespace: namespace}
}

// JobsPending is the sorted set of pending jobIds, scored by submission
// timestamp (spec.md §3 PendingQueue, §4.1).
func (k Keys) JobsPending() string { return k.namespace + "jobs:pending" }

// JobsActive is the hash mapping in-flight jobId -> machineId (spec.md §3
// ActiveMap).
func (k Keys) JobsActive() string { return k.namespace + "jobs:active" }

// JobStatus is the per-job hash record (spec.md §4.1).
func (k Keys) JobStatus(jobID string) string { return k.namespace + "jobs:status:" + jobID }

// JobStatusScanPattern matches every job status key, for the reaper's
// incremental SCAN (spec.md §4.6 step 2: "scan jobs:status:* incrementally").
func (k Keys) JobStatusScanPattern() string { return k.namespace + "jobs:status:*" }

// JobIDFromStatusKey strips the jobs:status: prefix back off, the inverse
// of JobStatus, used when iterating SCAN results.
func (k Keys) JobIDFromStatusKey(key string) string {
	prefix := k.namespace + "jobs:status:"
	if len(key) <= len(prefix) {
		return ""
	}
	return key[len(prefix):]
}

// MachinesPool is the hash mapping machineId -> serialized MachinePoolEntry
// (spec.md §3 MachinePoolEntry, §4.1).
func (k Keys) MachinesPool() string { return k.namespace + "machines:pool" }

// MachinesStopped is the set of machineIds currently stopped and available
// to restart (spec.md §3 StoppedSet).
func (k Keys) MachinesStopped() string { return k.namespace + "machines:stopped" }

// CounterActiveMachines is the advisory slot counter (spec.md §3
// ActiveMachineCounter).
func (k Keys) CounterActiveMachines() string { return k.namespace + "counters:active_machines" }

// CounterRateLimit is the 1-second-TTL rate-limit bucket (spec.md §3
// RateLimitCounter).
func (k Keys) CounterRateLimit() string { return k.namespace + "counters:rate_limit" }

// ReaperCursor persists the reaper's SCAN cursor across ticks so a
// bounded-per-tick sweep (spec.md §4.6 step 3) resumes where it left off.
func (k Keys) ReaperCursor() string { return k.namespace + "reaper:scan_cursor" }
