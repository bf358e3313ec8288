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

package executor

import (
	"github.com/BV-BRC/workflow-engine/internal/dag"
	"github.com/BV-BRC/workflow-engine/internal/model"
)

// ExecutionContext is the executor's working view of one workflow: the
// persisted document plus its dependency graph and the effective step
// parallelism limit.
type ExecutionContext struct {
	Workflow    *model.Workflow
	Graph       *dag.Graph
	MaxParallel int
}

// BuildFromDocument derives an execution context from a stored
// workflow document. The per-workflow max_parallel_steps overrides the
// service default when set.
func BuildFromDocument(wf *model.Workflow, defaultMaxParallel int) (*ExecutionContext, error) {
	graph, err := dag.Build(wf.Steps)
	if err != nil {
		return nil, err
	}
	maxParallel := defaultMaxParallel
	if wf.ExecutionMetadata != nil && wf.ExecutionMetadata.MaxParallelSteps > 0 {
		maxParallel = wf.ExecutionMetadata.MaxParallelSteps
	}
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &ExecutionContext{
		Workflow:    wf,
		Graph:       graph,
		MaxParallel: maxParallel,
	}, nil
}

// RunningSteps returns the steps currently queued or running.
func (e *ExecutionContext) RunningSteps() []*model.Step {
	var out []*model.Step
	for i := range e.Workflow.Steps {
		step := &e.Workflow.Steps[i]
		if step.Status == model.StepRunning || step.Status == model.StepQueued {
			out = append(out, step)
		}
	}
	return out
}

// ReadySteps returns, in declaration order, the pending steps whose
// dependencies have all succeeded.
func (e *ExecutionContext) ReadySteps() []*model.Step {
	completed := make(map[string]bool)
	pending := make(map[string]bool)
	for i := range e.Workflow.Steps {
		step := &e.Workflow.Steps[i]
		switch step.Status {
		case model.StepSucceeded:
			completed[step.StepName] = true
		case model.StepPending, model.StepReady:
			pending[step.StepName] = true
		}
	}

	var out []*model.Step
	for _, name := range e.Graph.Ready(pending, completed) {
		out = append(out, e.Workflow.StepByName(name))
	}
	return out
}

// Capacity returns how many more steps this workflow may run right
// now.
func (e *ExecutionContext) Capacity() int {
	c := e.MaxParallel - len(e.RunningSteps())
	if c < 0 {
		return 0
	}
	return c
}

// IsComplete reports whether every step has reached a terminal status.
func (e *ExecutionContext) IsComplete() bool {
	for _, step := range e.Workflow.Steps {
		if !step.Status.Terminal() {
			return false
		}
	}
	return true
}

// HasFailed reports whether any step failed.
func (e *ExecutionContext) HasFailed() bool {
	for _, step := range e.Workflow.Steps {
		if step.Status == model.StepFailed {
			return true
		}
	}
	return false
}

// HasSucceeded reports whether every step succeeded.
func (e *ExecutionContext) HasSucceeded() bool {
	for _, step := range e.Workflow.Steps {
		if step.Status != model.StepSucceeded {
			return false
		}
	}
	return true
}

// Stalled reports whether the workflow can make no further progress:
// nothing running, nothing ready, but non-terminal steps remain. This
// happens when every remaining pending step sits downstream of a
// failure.
func (e *ExecutionContext) Stalled() bool {
	return !e.IsComplete() && len(e.RunningSteps()) == 0 && len(e.ReadySteps()) == 0
}
