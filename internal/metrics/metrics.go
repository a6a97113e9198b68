// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics registers the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's collectors. A nil *Metrics is valid and
// records nothing, so callers never need nil checks at call sites.
type Metrics struct {
	RunsStarted    *prometheus.CounterVec
	RunsCompleted  *prometheus.CounterVec
	StepsExecuted  *prometheus.CounterVec
	StepDuration   *prometheus.HistogramVec
	StepRetries    prometheus.Counter
	QueueDepth     prometheus.Gauge
	BusyWorkers    prometheus.Gauge
	ActivePauses   prometheus.Gauge
	BreakerState   *prometheus.GaugeVec
	TriggersFired  *prometheus.CounterVec
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_runs_started_total",
			Help: "Runs started, by workflow.",
		}, []string{"workflow"}),
		RunsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_runs_completed_total",
			Help: "Runs reaching a terminal status, by workflow and status.",
		}, []string{"workflow", "status"}),
		StepsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_steps_executed_total",
			Help: "Step executions, by workflow and outcome.",
		}, []string{"workflow", "outcome"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loom_step_duration_seconds",
			Help:    "Wall time of step invocations.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"workflow"}),
		StepRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loom_step_retries_total",
			Help: "Step retry attempts scheduled.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loom_queue_depth",
			Help: "Jobs waiting for a worker.",
		}),
		BusyWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loom_busy_workers",
			Help: "Workers currently executing a job.",
		}),
		ActivePauses: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loom_active_pauses",
			Help: "Steps suspended awaiting resume.",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loom_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"breaker"}),
		TriggersFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_triggers_fired_total",
			Help: "Trigger firings, by kind.",
		}, []string{"kind"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loom_step_cache_hits_total",
			Help: "Step invocations served from the result cache.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loom_step_cache_misses_total",
			Help: "Cacheable step invocations that missed the result cache.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.RunsStarted, m.RunsCompleted,
			m.StepsExecuted, m.StepDuration, m.StepRetries,
			m.QueueDepth, m.BusyWorkers, m.ActivePauses,
			m.BreakerState, m.TriggersFired,
			m.CacheHits, m.CacheMisses,
		)
	}
	return m
}

// RunStarted records a run start.
func (m *Metrics) RunStarted(workflow string) {
	if m == nil {
		return
	}
	m.RunsStarted.WithLabelValues(workflow).Inc()
}

// RunCompleted records a terminal run transition.
func (m *Metrics) RunCompleted(workflow, status string) {
	if m == nil {
		return
	}
	m.RunsCompleted.WithLabelValues(workflow, status).Inc()
}

// StepExecuted records a step outcome and its duration.
func (m *Metrics) StepExecuted(workflow, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.StepsExecuted.WithLabelValues(workflow, outcome).Inc()
	m.StepDuration.WithLabelValues(workflow).Observe(seconds)
}

// RetryScheduled records a retry being scheduled.
func (m *Metrics) RetryScheduled() {
	if m == nil {
		return
	}
	m.StepRetries.Inc()
}

// SetQueueDepth records the number of queued jobs.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// WorkerBusy adjusts the busy worker gauge by delta.
func (m *Metrics) WorkerBusy(delta int) {
	if m == nil {
		return
	}
	m.BusyWorkers.Add(float64(delta))
}

// PauseActive adjusts the active pause gauge by delta.
func (m *Metrics) PauseActive(delta int) {
	if m == nil {
		return
	}
	m.ActivePauses.Add(float64(delta))
}

// SetBreakerState records a breaker's state.
func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(name).Set(float64(state))
}

// TriggerFired records a trigger firing.
func (m *Metrics) TriggerFired(kind string) {
	if m == nil {
		return
	}
	m.TriggersFired.WithLabelValues(kind).Inc()
}

// CacheHit records a step cache hit.
func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.CacheHits.Inc()
}

// CacheMiss records a step cache miss.
func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.CacheMisses.Inc()
}
