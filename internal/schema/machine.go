package schema

import "encoding/json"

// MachineState is spec.md §3 MachinePoolEntry.state.
type MachineState string

const (
	MachineRunning MachineState = "running"
	MachineIdle    MachineState = "idle"
	MachineStopped MachineState = "stopped"
)

// MachinePoolEntry is the spec.md §3 MachinePoolEntry entity, stored as a
// JSON value keyed by machineId in the pool hash (spec.md §4.1: "JSON
// value keyed by machineId in the pool map").
type MachinePoolEntry struct {
	MachineID    string       `json:"machineId"`
	State        MachineState `json:"state"`
	LastActiveAt int64        `json:"lastActiveAt"`
	CreatedAt    int64        `json:"createdAt"`
}

// EncodeMachine serializes an entry to the JSON string stored in the pool
// hash's value for this machineId.
func EncodeMachine(e *MachinePoolEntry) (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeMachine deserializes a pool hash value. A malformed value returns
// nil, matching the same fail-safe rule as DecodeJob.
func DecodeMachine(raw string) *MachinePoolEntry {
	if raw == "" {
		return nil
	}
	var e MachinePoolEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil
	}
	if e.MachineID == "" {
		return nil
	}
	return &e
}
