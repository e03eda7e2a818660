// Package metrics exposes the Prometheus instruments for RWOS: pending
// queue depth, active machine count, admission rejections, and spawn
// outcomes. cmd/apiserver keeps the two gauges current; no component in
// this module calls the admission-rejection or spawn-outcome recorders.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every RWOS metric so callers pass one object instead of
// threading individual collectors through constructors.
type Registry struct {
	PendingJobs       prometheus.Gauge
	ActiveMachines    prometheus.Gauge
	AdmissionRejected *prometheus.CounterVec
	SpawnOutcomes     *prometheus.CounterVec
}

// New builds a Registry and registers every collector on reg.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		PendingJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rwos",
			Name:      "pending_jobs",
			Help:      "Number of jobs currently in the pending queue.",
		}),
		ActiveMachines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rwos",
			Name:      "active_machines",
			Help:      "Number of machines currently tracked by the advisory slot counter.",
		}),
		AdmissionRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rwos",
			Name:      "admission_rejected_total",
			Help:      "Admission checks rejected, partitioned by reason.",
		}, []string{"reason"}),
		SpawnOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rwos",
			Name:      "spawn_outcomes_total",
			Help:      "Spawner outcomes, partitioned by result.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(r.PendingJobs, r.ActiveMachines, r.AdmissionRejected, r.SpawnOutcomes)
	return r
}

// RecordRateLimited increments the rate-limited admission-rejection counter.
func (r *Registry) RecordRateLimited() {
	r.AdmissionRejected.WithLabelValues("rate_limited").Inc()
}

// RecordCapacityFull increments the capacity-full admission-rejection counter.
func (r *Registry) RecordCapacityFull() {
	r.AdmissionRejected.WithLabelValues("capacity_full").Inc()
}

// RecordSpawnSucceeded increments the successful-spawn outcome counter.
func (r *Registry) RecordSpawnSucceeded() {
	r.SpawnOutcomes.WithLabelValues("succeeded").Inc()
}

// RecordSpawnFailed increments the failed-spawn outcome counter.
func (r *Registry) RecordSpawnFailed() {
	r.SpawnOutcomes.WithLabelValues("failed").Inc()
}

// RecordSpawnReused increments the reused-stopped-machine outcome counter.
func (r *Registry) RecordSpawnReused() {
	r.SpawnOutcomes.WithLabelValues("reused").Inc()
}

// SetPendingJobs sets the current pending-queue depth gauge.
func (r *Registry) SetPendingJobs(n int) {
	r.PendingJobs.Set(float64(n))
}

// SetActiveMachines sets the current active-machine-count gauge.
func (r *Registry) SetActiveMachines(n int) {
	r.ActiveMachines.Set(float64(n))
}
