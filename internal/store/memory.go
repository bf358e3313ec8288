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

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BV-BRC/workflow-engine/internal/model"
	"github.com/BV-BRC/workflow-engine/pkg/errors"
)

// MemoryStore is an in-memory Store used by tests and by single-process
// deployments without a database. Documents are deep-copied on save and
// on read so callers cannot mutate stored state behind the store's back.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*model.Workflow
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*model.Workflow),
	}
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, wf *model.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workflows[wf.WorkflowID]; exists {
		return &errors.ConflictError{Resource: "workflow", ID: wf.WorkflowID}
	}
	stored := wf.Clone()
	stored.UpdatedAt = time.Now().UTC()
	s.workflows[wf.WorkflowID] = stored
	return nil
}

// Replace implements Store.
func (s *MemoryStore) Replace(_ context.Context, wf *model.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workflows[wf.WorkflowID]; !exists {
		return &errors.NotFoundError{Resource: "workflow", ID: wf.WorkflowID}
	}
	stored := wf.Clone()
	stored.UpdatedAt = time.Now().UTC()
	s.workflows[wf.WorkflowID] = stored
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, workflowID string) (*model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[workflowID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: workflowID}
	}
	return wf.Clone(), nil
}

// ListByStatus implements Store.
func (s *MemoryStore) ListByStatus(_ context.Context, status model.WorkflowStatus) ([]*model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Workflow
	for _, wf := range s.workflows {
		if wf.Status == status {
			out = append(out, wf.Clone())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// ListActive implements Store.
func (s *MemoryStore) ListActive(_ context.Context) ([]*model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Workflow
	for _, wf := range s.workflows {
		if wf.Status.Active() {
			out = append(out, wf.Clone())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// UpdateWorkflowFields implements Store.
func (s *MemoryStore) UpdateWorkflowFields(_ context.Context, workflowID string, updates map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[workflowID]
	if !ok {
		return &errors.NotFoundError{Resource: "workflow", ID: workflowID}
	}
	for key, value := range updates {
		if err := applyWorkflowField(wf, key, value); err != nil {
			return err
		}
	}
	wf.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateStepFields implements Store.
func (s *MemoryStore) UpdateStepFields(_ context.Context, workflowID, stepID string, updates map[string]any) error {
	return s.updateStep(workflowID, func(wf *model.Workflow) *model.Step {
		return wf.StepByID(stepID)
	}, stepID, updates)
}

// UpdateStepByName implements Store.
func (s *MemoryStore) UpdateStepByName(_ context.Context, workflowID, stepName string, updates map[string]any) error {
	return s.updateStep(workflowID, func(wf *model.Workflow) *model.Step {
		return wf.StepByName(stepName)
	}, stepName, updates)
}

func (s *MemoryStore) updateStep(workflowID string, lookup func(*model.Workflow) *model.Step, stepKey string, updates map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[workflowID]
	if !ok {
		return &errors.NotFoundError{Resource: "workflow", ID: workflowID}
	}
	step := lookup(wf)
	if step == nil {
		return &errors.NotFoundError{Resource: "step", ID: stepKey}
	}
	for key, value := range updates {
		if err := applyStepField(step, key, value); err != nil {
			return err
		}
	}
	wf.UpdatedAt = time.Now().UTC()
	return nil
}

// AddToRunningSteps implements Store.
func (s *MemoryStore) AddToRunningSteps(_ context.Context, workflowID, stepID string) error {
	return s.mutateMetadata(workflowID, func(md *model.ExecutionMetadata) {
		if !contains(md.CurrentlyRunningStepIDs, stepID) {
			md.CurrentlyRunningStepIDs = append(md.CurrentlyRunningStepIDs, stepID)
		}
		md.RunningSteps++
		md.PendingSteps--
	})
}

// RemoveFromRunningSteps implements Store.
func (s *MemoryStore) RemoveFromRunningSteps(_ context.Context, workflowID, stepID string) error {
	return s.mutateMetadata(workflowID, func(md *model.ExecutionMetadata) {
		md.CurrentlyRunningStepIDs = remove(md.CurrentlyRunningStepIDs, stepID)
		md.RunningSteps--
	})
}

// AddToCompletedSteps implements Store.
func (s *MemoryStore) AddToCompletedSteps(_ context.Context, workflowID, stepID string) error {
	return s.mutateMetadata(workflowID, func(md *model.ExecutionMetadata) {
		if !contains(md.CompletedStepIDs, stepID) {
			md.CompletedStepIDs = append(md.CompletedStepIDs, stepID)
		}
		md.CompletedSteps++
	})
}

// IncrementWorkflowField implements Store.
func (s *MemoryStore) IncrementWorkflowField(_ context.Context, workflowID, path string, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[workflowID]
	if !ok {
		return &errors.NotFoundError{Resource: "workflow", ID: workflowID}
	}
	if wf.ExecutionMetadata == nil {
		wf.ExecutionMetadata = &model.ExecutionMetadata{}
	}
	md := wf.ExecutionMetadata
	switch path {
	case "execution_metadata.total_steps":
		md.TotalSteps += delta
	case "execution_metadata.pending_steps":
		md.PendingSteps += delta
	case "execution_metadata.running_steps":
		md.RunningSteps += delta
	case "execution_metadata.completed_steps":
		md.CompletedSteps += delta
	case "execution_metadata.failed_steps":
		md.FailedSteps += delta
	default:
		return fmt.Errorf("unknown counter path %q", path)
	}
	wf.UpdatedAt = time.Now().UTC()
	return nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close implements Store.
func (s *MemoryStore) Close(context.Context) error { return nil }

func (s *MemoryStore) mutateMetadata(workflowID string, mutate func(*model.ExecutionMetadata)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[workflowID]
	if !ok {
		return &errors.NotFoundError{Resource: "workflow", ID: workflowID}
	}
	if wf.ExecutionMetadata == nil {
		wf.ExecutionMetadata = &model.ExecutionMetadata{}
	}
	mutate(wf.ExecutionMetadata)
	wf.UpdatedAt = time.Now().UTC()
	return nil
}

func applyWorkflowField(wf *model.Workflow, key string, value any) error {
	switch key {
	case FieldStatus:
		switch v := value.(type) {
		case model.WorkflowStatus:
			wf.Status = v
		case string:
			wf.Status = model.WorkflowStatus(v)
		default:
			return fmt.Errorf("status update must be a string, got %T", value)
		}
	case FieldStartedAt:
		t, err := asTime(value)
		if err != nil {
			return err
		}
		wf.StartedAt = t
	case FieldCompletedAt:
		t, err := asTime(value)
		if err != nil {
			return err
		}
		wf.CompletedAt = t
	case FieldLogFilePath:
		wf.LogFilePath, _ = value.(string)
	case FieldErrorMessage:
		wf.ErrorMessage, _ = value.(string)
	default:
		return fmt.Errorf("unknown workflow field %q", key)
	}
	return nil
}

func applyStepField(step *model.Step, key string, value any) error {
	switch key {
	case FieldStatus:
		switch v := value.(type) {
		case model.StepStatus:
			step.Status = v
		case string:
			step.Status = model.StepStatus(v)
		default:
			return fmt.Errorf("status update must be a string, got %T", value)
		}
	case FieldStepID:
		step.StepID, _ = value.(string)
	case FieldTaskID:
		step.TaskID, _ = value.(string)
	case FieldSubmittedAt:
		t, err := asTime(value)
		if err != nil {
			return err
		}
		step.SubmittedAt = t
	case FieldStartedAt:
		t, err := asTime(value)
		if err != nil {
			return err
		}
		step.StartedAt = t
	case FieldCompletedAt:
		t, err := asTime(value)
		if err != nil {
			return err
		}
		step.CompletedAt = t
	case FieldElapsedTime:
		step.ElapsedTime, _ = value.(string)
	case FieldErrorMessage:
		step.ErrorMessage, _ = value.(string)
	case FieldOutputs:
		outputs, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("outputs update must be a map, got %T", value)
		}
		step.Outputs = model.CloneMap(outputs)
	default:
		// Dotted keys address a single output entry, e.g. "outputs.group_path".
		if len(key) > len(FieldOutputs)+1 && key[:len(FieldOutputs)+1] == FieldOutputs+"." {
			if step.Outputs == nil {
				step.Outputs = make(map[string]any)
			}
			step.Outputs[key[len(FieldOutputs)+1:]] = model.CloneValue(value)
			return nil
		}
		return fmt.Errorf("unknown step field %q", key)
	}
	return nil
}

func asTime(value any) (*time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		t := v.UTC()
		return &t, nil
	case *time.Time:
		return v, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("expected time value, got %T", value)
	}
}

func sortNewestFirst(workflows []*model.Workflow) {
	sort.Slice(workflows, func(i, j int) bool {
		return workflows[i].CreatedAt.After(workflows[j].CreatedAt)
	})
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func remove(values []string, unwanted string) []string {
	out := values[:0]
	for _, v := range values {
		if v != unwanted {
			out = append(out, v)
		}
	}
	return out
}
