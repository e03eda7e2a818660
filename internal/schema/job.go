package schema

import (
	"encoding/json"
	"strconv"
)

// JobStatus is the status lattice from spec.md §3: "uploading → pending →
// running → (completed | failed)". "queued" is a pure synonym for "pending"
// at the boundary where an upload event is first consumed; we never store
// it distinctly, matching spec.md's note that it's a synonym, not a state.
type JobStatus string

const (
	JobStatusUploading JobStatus = "uploading"
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Preset enumerates the transcode presets named in spec.md §6 (POST
// /upload body).
type Preset string

const (
	PresetDefault       Preset = "default"
	PresetWebOptimized  Preset = "web-optimized"
	PresetHLS           Preset = "hls"
	PresetHLSAdaptive   Preset = "hls-adaptive"
)

// Timestamps holds the monotonically-advancing timeline of a job (spec.md
// §3 invariant 5).
type Timestamps struct {
	CreatedAt   int64 // ms epoch, always set
	UploadedAt  int64 // ms epoch, 0 if unset
	QueuedAt    int64 // ms epoch, 0 if unset
	StartedAt   int64 // ms epoch, 0 if unset
	CompletedAt int64 // ms epoch, 0 if unset
}

// Job is the spec.md §3 Job entity.
type Job struct {
	JobID           string
	Status          JobStatus
	InputKey        string // object-store key, set when the upload URL is issued
	InputURL        string
	OutputURL       string
	Preset          Preset
	OutputQualities []string // optional ordered list, omitted when empty
	WebhookURL      string
	R2Config        map[string]string // optional per-job object-store override, omitted when empty
	Outputs         []string // set on success
	Error           string   // set on failure
	Retries         int
	MachineID       string // bound worker, cleared on requeue
	Duration        float64
	Timestamps      Timestamps
}

// fields mirrors the flattened string-keyed-map layout spec.md §4.1
// mandates: "every field flattened into a string-keyed map; optional
// fields omitted; composite fields (outputs, outputQualities, r2Config)
// encoded as JSON strings; timestamps encoded as base-10 integers."
func (j *Job) fields() map[string]string {
	m := map[string]string{
		"jobId":     j.JobID,
		"status":    string(j.Status),
		"preset":    string(j.Preset),
		"retries":   strconv.Itoa(j.Retries),
		"createdAt": strconv.FormatInt(j.Timestamps.CreatedAt, 10),
	}
	if j.InputKey != "" {
		m["inputKey"] = j.InputKey
	}
	if j.InputURL != "" {
		m["inputUrl"] = j.InputURL
	}
	if j.OutputURL != "" {
		m["outputUrl"] = j.OutputURL
	}
	if j.WebhookURL != "" {
		m["webhookUrl"] = j.WebhookURL
	}
	if j.MachineID != "" {
		m["machineId"] = j.MachineID
	}
	if j.Error != "" {
		m["error"] = j.Error
	}
	if j.Duration != 0 {
		m["duration"] = strconv.FormatFloat(j.Duration, 'f', -1, 64)
	}
	if len(j.OutputQualities) > 0 {
		b, _ := json.Marshal(j.OutputQualities)
		m["outputQualities"] = string(b)
	}
	if len(j.Outputs) > 0 {
		b, _ := json.Marshal(j.Outputs)
		m["outputs"] = string(b)
	}
	if len(j.R2Config) > 0 {
		b, _ := json.Marshal(j.R2Config)
		m["r2Config"] = string(b)
	}
	if j.Timestamps.UploadedAt != 0 {
		m["uploadedAt"] = strconv.FormatInt(j.Timestamps.UploadedAt, 10)
	}
	if j.Timestamps.QueuedAt != 0 {
		m["queuedAt"] = strconv.FormatInt(j.Timestamps.QueuedAt, 10)
	}
	if j.Timestamps.StartedAt != 0 {
		m["startedAt"] = strconv.FormatInt(j.Timestamps.StartedAt, 10)
	}
	if j.Timestamps.CompletedAt != 0 {
		m["completedAt"] = strconv.FormatInt(j.Timestamps.CompletedAt, 10)
	}
	return m
}

// EncodeJob flattens a Job into the string-keyed map an HSET/HMSET writes.
func EncodeJob(j *Job) map[string]string {
	return j.fields()
}

// DecodeJob rebuilds a Job from an HGETALL result. It fails safely per
// spec.md §4.1: "a record missing its primary id returns a null value;
// malformed JSON returns null."
func DecodeJob(m map[string]string) *Job {
	id, ok := m["jobId"]
	if !ok || id == "" {
		return nil
	}

	j := &Job{
		JobID:      id,
		Status:     JobStatus(m["status"]),
		InputKey:   m["inputKey"],
		InputURL:   m["inputUrl"],
		OutputURL:  m["outputUrl"],
		Preset:     Preset(m["preset"]),
		WebhookURL: m["webhookUrl"],
		MachineID:  m["machineId"],
		Error:      m["error"],
	}

	if v, ok := m["retries"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			j.Retries = n
		}
	}
	if v, ok := m["duration"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			j.Duration = f
		}
	}
	if v, ok := m["outputQualities"]; ok && v != "" {
		var q []string
		if err := json.Unmarshal([]byte(v), &q); err != nil {
			return nil
		}
		j.OutputQualities = q
	}
	if v, ok := m["outputs"]; ok && v != "" {
		var o []string
		if err := json.Unmarshal([]byte(v), &o); err != nil {
			return nil
		}
		j.Outputs = o
	}
	if v, ok := m["r2Config"]; ok && v != "" {
		var rc map[string]string
		if err := json.Unmarshal([]byte(v), &rc); err != nil {
			return nil
		}
		j.R2Config = rc
	}

	j.Timestamps.CreatedAt = parseTs(m["createdAt"])
	j.Timestamps.UploadedAt = parseTs(m["uploadedAt"])
	j.Timestamps.QueuedAt = parseTs(m["queuedAt"])
	j.Timestamps.StartedAt = parseTs(m["startedAt"])
	j.Timestamps.CompletedAt = parseTs(m["completedAt"])

	return j
}

func parseTs(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
