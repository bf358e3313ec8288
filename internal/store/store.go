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

// Package store persists workflow documents and provides the atomic
// field, array and counter mutators the executor depends on. Callers
// never read-modify-write counters; they go through the typed mutators,
// each of which is atomic with respect to one document.
package store

import (
	"context"

	"github.com/BV-BRC/workflow-engine/internal/model"
)

// Update field keys accepted by the field mutators. These mirror the
// persisted document layout so both backends address the same fields.
const (
	FieldStatus       = "status"
	FieldStartedAt    = "started_at"
	FieldCompletedAt  = "completed_at"
	FieldSubmittedAt  = "submitted_at"
	FieldElapsedTime  = "elapsed_time"
	FieldErrorMessage = "error_message"
	FieldStepID       = "step_id"
	FieldTaskID       = "task_id"
	FieldOutputs      = "outputs"
	FieldLogFilePath  = "log_file_path"
)

// Store is the persistence contract for workflow documents.
//
// Every method is atomic with respect to a single document. The store
// owns updated_at. Save fails with a ConflictError on a duplicate
// workflow_id; lookups fail with a NotFoundError.
type Store interface {
	// Save inserts a new workflow document.
	Save(ctx context.Context, wf *model.Workflow) error

	// Replace overwrites an existing document in full, keyed by
	// workflow_id. Used when a planned workflow is recompiled at submit.
	Replace(ctx context.Context, wf *model.Workflow) error

	// Get returns the document for the given workflow id.
	Get(ctx context.Context, workflowID string) (*model.Workflow, error)

	// ListByStatus returns documents with the given status, newest first.
	ListByStatus(ctx context.Context, status model.WorkflowStatus) ([]*model.Workflow, error)

	// ListActive returns documents whose status is pending, queued or
	// running, newest first.
	ListActive(ctx context.Context) ([]*model.Workflow, error)

	// UpdateWorkflowFields sets selected top-level fields plus updated_at.
	UpdateWorkflowFields(ctx context.Context, workflowID string, updates map[string]any) error

	// UpdateStepFields positionally updates the step whose step_id matches.
	UpdateStepFields(ctx context.Context, workflowID, stepID string, updates map[string]any) error

	// UpdateStepByName positionally updates the step whose step_name matches.
	UpdateStepByName(ctx context.Context, workflowID, stepName string, updates map[string]any) error

	// AddToRunningSteps records a dispatched step: adds the id to
	// currently_running_step_ids, increments running_steps and decrements
	// pending_steps in one atomic update.
	AddToRunningSteps(ctx context.Context, workflowID, stepID string) error

	// RemoveFromRunningSteps removes the id from currently_running_step_ids
	// and decrements running_steps.
	RemoveFromRunningSteps(ctx context.Context, workflowID, stepID string) error

	// AddToCompletedSteps adds the id to completed_step_ids and increments
	// completed_steps.
	AddToCompletedSteps(ctx context.Context, workflowID, stepID string) error

	// IncrementWorkflowField atomically adds delta to a numeric field,
	// addressed by its dotted document path
	// (e.g. "execution_metadata.failed_steps").
	IncrementWorkflowField(ctx context.Context, workflowID, path string, delta int) error

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close(ctx context.Context) error
}
