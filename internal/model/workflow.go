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

// Package model defines the persisted workflow document and its step and
// execution-metadata sub-records. The document is the single source of
// truth; everything the executor holds in memory is rebuildable from it.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// WorkflowStatus is the lifecycle status of a workflow document.
type WorkflowStatus string

const (
	// WorkflowPlanned means the document is stored but not yet submitted.
	WorkflowPlanned WorkflowStatus = "planned"
	// WorkflowPending means the workflow is submitted and awaiting admission.
	WorkflowPending WorkflowStatus = "pending"
	// WorkflowQueued means the executor has admitted the workflow.
	WorkflowQueued WorkflowStatus = "queued"
	// WorkflowRunning means at least one tick has processed the workflow.
	WorkflowRunning WorkflowStatus = "running"
	// WorkflowSucceeded means every step succeeded.
	WorkflowSucceeded WorkflowStatus = "succeeded"
	// WorkflowFailed means at least one step failed or was skipped upstream.
	WorkflowFailed WorkflowStatus = "failed"
	// WorkflowCancelled means a user cancelled the workflow.
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowSucceeded, WorkflowFailed, WorkflowCancelled:
		return true
	}
	return false
}

// Active reports whether the executor should be tracking this workflow.
func (s WorkflowStatus) Active() bool {
	switch s {
	case WorkflowPending, WorkflowQueued, WorkflowRunning:
		return true
	}
	return false
}

// StepStatus is the lifecycle status of a single step.
type StepStatus string

const (
	StepPlanned        StepStatus = "planned"
	StepPending        StepStatus = "pending"
	StepReady          StepStatus = "ready"
	StepQueued         StepStatus = "queued"
	StepRunning        StepStatus = "running"
	StepSucceeded      StepStatus = "succeeded"
	StepFailed         StepStatus = "failed"
	StepSkipped        StepStatus = "skipped"
	StepUpstreamFailed StepStatus = "upstream_failed"
)

// Terminal reports whether the step status admits no further transitions.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepSkipped, StepUpstreamFailed:
		return true
	}
	return false
}

// Step is one unit of work inside a workflow. Scheduler-backed steps get
// step_id == task_id at dispatch; in-process steps get a locally generated id.
type Step struct {
	StepName  string         `bson:"step_name" json:"step_name"`
	App       string         `bson:"app" json:"app"`
	Params    map[string]any `bson:"params" json:"params"`
	Outputs   map[string]any `bson:"outputs,omitempty" json:"outputs,omitempty"`
	DependsOn []string       `bson:"depends_on,omitempty" json:"depends_on,omitempty"`

	StepID string     `bson:"step_id,omitempty" json:"step_id,omitempty"`
	TaskID string     `bson:"task_id,omitempty" json:"task_id,omitempty"`
	Status StepStatus `bson:"status" json:"status"`

	SubmittedAt  *time.Time `bson:"submitted_at,omitempty" json:"submitted_at,omitempty"`
	StartedAt    *time.Time `bson:"started_at,omitempty" json:"started_at,omitempty"`
	CompletedAt  *time.Time `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
	ElapsedTime  string     `bson:"elapsed_time,omitempty" json:"elapsed_time,omitempty"`
	ErrorMessage string     `bson:"error_message,omitempty" json:"error_message,omitempty"`
}

// ExecutionMetadata tracks counters and membership sets for one workflow.
// Counters are only mutated through the store's typed mutators.
type ExecutionMetadata struct {
	TotalSteps     int `bson:"total_steps" json:"total_steps"`
	PendingSteps   int `bson:"pending_steps" json:"pending_steps"`
	RunningSteps   int `bson:"running_steps" json:"running_steps"`
	CompletedSteps int `bson:"completed_steps" json:"completed_steps"`
	FailedSteps    int `bson:"failed_steps" json:"failed_steps"`

	CurrentlyRunningStepIDs []string `bson:"currently_running_step_ids" json:"currently_running_step_ids"`
	CompletedStepIDs        []string `bson:"completed_step_ids" json:"completed_step_ids"`

	MaxParallelSteps int `bson:"max_parallel_steps" json:"max_parallel_steps"`
}

// Workflow is the persistence unit, keyed by WorkflowID (unique index).
type Workflow struct {
	WorkflowID   string            `bson:"workflow_id" json:"workflow_id"`
	WorkflowName string            `bson:"workflow_name" json:"workflow_name"`
	Version      string            `bson:"version,omitempty" json:"version,omitempty"`
	BaseContext  map[string]string `bson:"base_context,omitempty" json:"base_context,omitempty"`

	Steps           []Step   `bson:"steps" json:"steps"`
	WorkflowOutputs []string `bson:"workflow_outputs,omitempty" json:"workflow_outputs,omitempty"`

	Status WorkflowStatus `bson:"status" json:"status"`

	CreatedAt   time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `bson:"updated_at" json:"updated_at"`
	StartedAt   *time.Time `bson:"started_at,omitempty" json:"started_at,omitempty"`
	CompletedAt *time.Time `bson:"completed_at,omitempty" json:"completed_at,omitempty"`

	ErrorMessage string `bson:"error_message,omitempty" json:"error_message,omitempty"`

	AuthToken         string             `bson:"auth_token,omitempty" json:"-"`
	ExecutionMetadata *ExecutionMetadata `bson:"execution_metadata,omitempty" json:"execution_metadata,omitempty"`
	LogFilePath       string             `bson:"log_file_path,omitempty" json:"log_file_path,omitempty"`
}

// NewWorkflowID generates an identifier of the form wf_<ms-since-epoch>_<rand>.
func NewWorkflowID() string {
	return fmt.Sprintf("wf_%d_%s", time.Now().UnixMilli(), strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// StepByName returns a pointer to the step with the given name, or nil.
func (w *Workflow) StepByName(name string) *Step {
	for i := range w.Steps {
		if w.Steps[i].StepName == name {
			return &w.Steps[i]
		}
	}
	return nil
}

// StepByID returns a pointer to the step with the given dispatch id, or nil.
func (w *Workflow) StepByID(stepID string) *Step {
	for i := range w.Steps {
		if w.Steps[i].StepID == stepID {
			return &w.Steps[i]
		}
	}
	return nil
}

// StepByTaskID returns a pointer to the step with the given task id, or nil.
func (w *Workflow) StepByTaskID(taskID string) *Step {
	for i := range w.Steps {
		if w.Steps[i].TaskID == taskID {
			return &w.Steps[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the workflow. Compile passes operate on a
// clone so a failed compile never leaves a half-mutated document behind.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	out := *w
	if w.BaseContext != nil {
		out.BaseContext = make(map[string]string, len(w.BaseContext))
		for k, v := range w.BaseContext {
			out.BaseContext[k] = v
		}
	}
	out.Steps = make([]Step, len(w.Steps))
	for i := range w.Steps {
		out.Steps[i] = w.Steps[i].Clone()
	}
	if w.WorkflowOutputs != nil {
		out.WorkflowOutputs = append([]string(nil), w.WorkflowOutputs...)
	}
	if w.StartedAt != nil {
		t := *w.StartedAt
		out.StartedAt = &t
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		out.CompletedAt = &t
	}
	if w.ExecutionMetadata != nil {
		md := *w.ExecutionMetadata
		md.CurrentlyRunningStepIDs = append([]string(nil), w.ExecutionMetadata.CurrentlyRunningStepIDs...)
		md.CompletedStepIDs = append([]string(nil), w.ExecutionMetadata.CompletedStepIDs...)
		out.ExecutionMetadata = &md
	}
	return &out
}

// Clone returns a deep copy of the step.
func (s Step) Clone() Step {
	out := s
	out.Params = CloneMap(s.Params)
	out.Outputs = CloneMap(s.Outputs)
	if s.DependsOn != nil {
		out.DependsOn = append([]string(nil), s.DependsOn...)
	}
	if s.SubmittedAt != nil {
		t := *s.SubmittedAt
		out.SubmittedAt = &t
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// CloneMap deep-copies a free-form params/outputs mapping.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies a JSON-shaped value (maps, slices, scalars).
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = CloneValue(item)
		}
		return out
	default:
		return v
	}
}
