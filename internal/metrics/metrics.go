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

// Package metrics exposes Prometheus collectors for workflow execution
// monitoring.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the service records. Collectors are
// registered against the registry passed to New.
type Metrics struct {
	WorkflowsSubmitted prometheus.Counter
	WorkflowsCompleted *prometheus.CounterVec
	ActiveWorkflows    prometheus.Gauge
	PendingWorkflows   prometheus.Gauge
	WorkflowDuration   prometheus.Histogram

	StepsSubmitted *prometheus.CounterVec
	StepsCompleted *prometheus.CounterVec
	ActiveSteps    prometheus.Gauge
	StepDuration   *prometheus.HistogramVec

	SchedulerQueryDuration prometheus.Histogram
	SchedulerQueryErrors   prometheus.Counter
	SchedulerSubmitErrors  *prometheus.CounterVec

	PollCycles     prometheus.Counter
	PollDuration   prometheus.Histogram
	ExecutorErrors *prometheus.CounterVec
}

// New registers and returns the service's collectors.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		WorkflowsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "workflows_submitted_total",
			Help: "Total number of workflows submitted",
		}),
		WorkflowsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "workflows_completed_total",
			Help: "Total number of workflows completed",
		}, []string{"status"}),
		ActiveWorkflows: factory.NewGauge(prometheus.GaugeOpts{
			Name: "active_workflows_count",
			Help: "Number of currently active workflows",
		}),
		PendingWorkflows: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pending_workflows_count",
			Help: "Number of workflows waiting to start",
		}),
		WorkflowDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "workflow_execution_duration_seconds",
			Help:    "Workflow execution time in seconds",
			Buckets: []float64{60, 300, 600, 1800, 3600, 7200, 14400, 28800},
		}),
		StepsSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "steps_submitted_total",
			Help: "Total number of steps submitted to scheduler",
		}, []string{"app"}),
		StepsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "steps_completed_total",
			Help: "Total number of steps completed",
		}, []string{"app", "status"}),
		ActiveSteps: factory.NewGauge(prometheus.GaugeOpts{
			Name: "active_steps_count",
			Help: "Number of currently running steps across all workflows",
		}),
		StepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "step_execution_duration_seconds",
			Help:    "Step execution time in seconds",
			Buckets: []float64{30, 60, 120, 300, 600, 1800, 3600, 7200},
		}, []string{"app"}),
		SchedulerQueryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "scheduler_query_duration_seconds",
			Help:    "Time taken to query scheduler status",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}),
		SchedulerQueryErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_query_errors_total",
			Help: "Total number of scheduler query errors",
		}),
		SchedulerSubmitErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_submit_errors_total",
			Help: "Total number of scheduler submission errors",
		}, []string{"app"}),
		PollCycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "executor_poll_cycles_total",
			Help: "Total number of executor poll cycles completed",
		}),
		PollDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "executor_poll_duration_seconds",
			Help:    "Time taken for each executor poll cycle",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
		}),
		ExecutorErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "executor_errors_total",
			Help: "Total number of executor errors",
		}, []string{"error_type"}),
	}
}
