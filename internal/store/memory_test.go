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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BV-BRC/workflow-engine/internal/model"
	"github.com/BV-BRC/workflow-engine/pkg/errors"
)

func testWorkflow(id string) *model.Workflow {
	now := time.Now().UTC()
	return &model.Workflow{
		WorkflowID:   id,
		WorkflowName: "assembly-pipeline",
		Version:      "1.0",
		Status:       model.WorkflowPending,
		CreatedAt:    now,
		UpdatedAt:    now,
		Steps: []model.Step{
			{StepName: "assemble", App: "GenomeAssembly2", StepID: "step-1", Status: model.StepPending},
			{StepName: "annotate", App: "GenomeAnnotation", StepID: "step-2", Status: model.StepPending, DependsOn: []string{"assemble"}},
		},
		ExecutionMetadata: &model.ExecutionMetadata{
			TotalSteps:   2,
			PendingSteps: 2,
		},
	}
}

func TestMemoryStoreSaveAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	wf := testWorkflow("wf_1")
	require.NoError(t, s.Save(ctx, wf))

	got, err := s.Get(ctx, "wf_1")
	require.NoError(t, err)
	assert.Equal(t, "assembly-pipeline", got.WorkflowName)
	require.Len(t, got.Steps, 2)

	// Mutating the returned copy must not touch stored state.
	got.Steps[0].Status = model.StepRunning
	again, err := s.Get(ctx, "wf_1")
	require.NoError(t, err)
	assert.Equal(t, model.StepPending, again.Steps[0].Status)
}

func TestMemoryStoreSaveDuplicate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Save(ctx, testWorkflow("wf_1")))
	err := s.Save(ctx, testWorkflow("wf_1"))
	assert.True(t, errors.IsConflict(err))
}

func TestMemoryStoreReplace(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	wf := testWorkflow("wf_1")
	require.NoError(t, s.Save(ctx, wf))

	wf.Status = model.WorkflowPending
	wf.Steps = wf.Steps[:1]
	require.NoError(t, s.Replace(ctx, wf))

	got, err := s.Get(ctx, "wf_1")
	require.NoError(t, err)
	assert.Len(t, got.Steps, 1)

	err = s.Replace(ctx, testWorkflow("wf_missing"))
	assert.True(t, errors.IsNotFound(err))
}

func TestMemoryStoreGetNotFound(t *testing.T) {
	_, err := NewMemoryStore().Get(context.Background(), "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestMemoryStoreListByStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	older := testWorkflow("wf_old")
	older.CreatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.Save(ctx, older))

	newer := testWorkflow("wf_new")
	require.NoError(t, s.Save(ctx, newer))

	done := testWorkflow("wf_done")
	done.Status = model.WorkflowSucceeded
	require.NoError(t, s.Save(ctx, done))

	pending, err := s.ListByStatus(ctx, model.WorkflowPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "wf_new", pending[0].WorkflowID)
	assert.Equal(t, "wf_old", pending[1].WorkflowID)

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestMemoryStoreUpdateWorkflowFields(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Save(ctx, testWorkflow("wf_1")))

	started := time.Now().UTC()
	err := s.UpdateWorkflowFields(ctx, "wf_1", map[string]any{
		FieldStatus:    model.WorkflowRunning,
		FieldStartedAt: started,
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, "wf_1")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.WithinDuration(t, started, *got.StartedAt, time.Second)

	err = s.UpdateWorkflowFields(ctx, "wf_1", map[string]any{"bogus": 1})
	assert.Error(t, err)
}

func TestMemoryStoreUpdateStepFields(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Save(ctx, testWorkflow("wf_1")))

	err := s.UpdateStepFields(ctx, "wf_1", "step-1", map[string]any{
		FieldStatus:      model.StepSucceeded,
		FieldTaskID:      "task-99",
		FieldElapsedTime: "00:12:34",
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, "wf_1")
	require.NoError(t, err)
	step := got.StepByID("step-1")
	require.NotNil(t, step)
	assert.Equal(t, model.StepSucceeded, step.Status)
	assert.Equal(t, "task-99", step.TaskID)
	assert.Equal(t, "00:12:34", step.ElapsedTime)

	err = s.UpdateStepFields(ctx, "wf_1", "no-such-step", map[string]any{FieldStatus: "failed"})
	assert.True(t, errors.IsNotFound(err))
}

func TestMemoryStoreUpdateStepByName(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Save(ctx, testWorkflow("wf_1")))

	err := s.UpdateStepByName(ctx, "wf_1", "annotate", map[string]any{
		"outputs.group_path": "/user/home/groups/g1",
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, "wf_1")
	require.NoError(t, err)
	step := got.StepByName("annotate")
	require.NotNil(t, step)
	assert.Equal(t, "/user/home/groups/g1", step.Outputs["group_path"])
}

func TestMemoryStoreRunningStepCounters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Save(ctx, testWorkflow("wf_1")))

	require.NoError(t, s.AddToRunningSteps(ctx, "wf_1", "step-1"))
	// Adding the same id twice must not duplicate the set entry.
	require.NoError(t, s.AddToRunningSteps(ctx, "wf_1", "step-1"))

	got, err := s.Get(ctx, "wf_1")
	require.NoError(t, err)
	md := got.ExecutionMetadata
	assert.Equal(t, []string{"step-1"}, md.CurrentlyRunningStepIDs)
	assert.Equal(t, 2, md.RunningSteps)
	assert.Equal(t, 0, md.PendingSteps)

	require.NoError(t, s.RemoveFromRunningSteps(ctx, "wf_1", "step-1"))
	require.NoError(t, s.AddToCompletedSteps(ctx, "wf_1", "step-1"))

	got, err = s.Get(ctx, "wf_1")
	require.NoError(t, err)
	md = got.ExecutionMetadata
	assert.Empty(t, md.CurrentlyRunningStepIDs)
	assert.Equal(t, 1, md.RunningSteps)
	assert.Equal(t, []string{"step-1"}, md.CompletedStepIDs)
	assert.Equal(t, 1, md.CompletedSteps)
}

func TestMemoryStoreIncrementWorkflowField(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Save(ctx, testWorkflow("wf_1")))

	require.NoError(t, s.IncrementWorkflowField(ctx, "wf_1", "execution_metadata.failed_steps", 1))
	got, err := s.Get(ctx, "wf_1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.ExecutionMetadata.FailedSteps)

	err = s.IncrementWorkflowField(ctx, "wf_1", "execution_metadata.nope", 1)
	assert.Error(t, err)
}
