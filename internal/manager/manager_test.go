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

package manager

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BV-BRC/workflow-engine/internal/compiler"
	"github.com/BV-BRC/workflow-engine/internal/metrics"
	"github.com/BV-BRC/workflow-engine/internal/model"
	"github.com/BV-BRC/workflow-engine/internal/store"
	"github.com/BV-BRC/workflow-engine/internal/wflog"
	"github.com/BV-BRC/workflow-engine/pkg/errors"
)

func newTestManager(t *testing.T) (*Manager, *store.MemoryStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemoryStore()
	m := New(st, compiler.New(compiler.Options{Logger: logger}),
		metrics.New(prometheus.NewRegistry()), wflog.NewManager("", logger), logger)
	return m, st
}

func annotationDoc() map[string]any {
	return map[string]any{
		"workflow_name": "annotation-run",
		"steps": []any{
			map[string]any{
				"step_name": "annotate",
				"app":       "GenomeAnnotation",
				"params": map[string]any{
					"contigs":     "contigs.fasta",
					"output_path": "/user@bvbrc/home",
					"output_file": "anno",
				},
				"outputs": map[string]any{
					"genome_file": "${params.output_path}/.${params.output_file}/annotation.genome",
				},
			},
		},
		"workflow_outputs": []any{"${steps.annotate.outputs.genome_file}"},
	}
}

func TestRegisterStoresPlannedWorkflow(t *testing.T) {
	m, _ := newTestManager(t)

	wf, _, err := m.Register(context.Background(), annotationDoc(), "tok-1")
	require.NoError(t, err)
	assert.Regexp(t, `^wf_\d+_[0-9a-f]{8}$`, wf.WorkflowID)
	assert.Equal(t, model.WorkflowPlanned, wf.Status)
	require.Len(t, wf.Steps, 1)
	// Step ids are assigned at dispatch, not at registration.
	assert.Empty(t, wf.Steps[0].StepID)
	assert.Equal(t, model.StepPlanned, wf.Steps[0].Status)
	assert.Equal(t, "tok-1", wf.AuthToken)
	require.NotNil(t, wf.ExecutionMetadata)
	assert.Equal(t, 1, wf.ExecutionMetadata.TotalSteps)
	assert.Equal(t, 1, wf.ExecutionMetadata.PendingSteps)
}

func TestSubmitDocument(t *testing.T) {
	m, _ := newTestManager(t)

	wf, _, err := m.SubmitDocument(context.Background(), annotationDoc(), "tok-1")
	require.NoError(t, err)
	assert.Regexp(t, `^wf_\d+_[0-9a-f]{8}$`, wf.WorkflowID)
	assert.Equal(t, model.WorkflowPending, wf.Status)
	require.Len(t, wf.Steps, 1)
	assert.Equal(t, model.StepPending, wf.Steps[0].Status)
}

func TestRegisterRejectsInvalid(t *testing.T) {
	m, _ := newTestManager(t)
	doc := annotationDoc()
	doc["workflow_id"] = "wf_custom"
	_, _, err := m.Register(context.Background(), doc, "")
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestValidateDoesNotPersist(t *testing.T) {
	m, st := newTestManager(t)
	wf, _, err := m.Validate(context.Background(), annotationDoc(), "")
	require.NoError(t, err)
	assert.Empty(t, wf.WorkflowID)

	active, err := st.ListActive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestPlanAndSubmit(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	wf, _, err := m.Plan(ctx, annotationDoc(), "tok")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowPlanned, wf.Status)
	assert.Equal(t, model.StepPlanned, wf.Steps[0].Status)
	// Plan skips the heavy pipeline, so output references stay raw.
	assert.Equal(t, []string{"${steps.annotate.outputs.genome_file}"}, wf.WorkflowOutputs)

	submitted, err := m.Submit(ctx, wf.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowPending, submitted.Status)
	assert.Equal(t, model.StepPending, submitted.Steps[0].Status)
	// The submit-time compile resolved the outputs.
	assert.Equal(t, []string{"/user@bvbrc/home/.anno/annotation.genome"}, submitted.WorkflowOutputs)

	// Submitting again is a no-op.
	again, err := m.Submit(ctx, wf.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowPending, again.Status)
}

func TestPlanAcceptsWorkflowID(t *testing.T) {
	m, _ := newTestManager(t)
	doc := annotationDoc()
	doc["workflow_id"] = "wf_reserved_1"

	wf, _, err := m.Plan(context.Background(), doc, "tok")
	require.NoError(t, err)
	assert.Equal(t, "wf_reserved_1", wf.WorkflowID)
}

func TestSubmitValidatesPlannedWorkflow(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	// An empty step list passes the light plan checks but must fail the
	// full compile at submit time.
	doc := map[string]any{
		"workflow_name": "empty-run",
		"steps":         []any{},
	}
	wf, _, err := m.Plan(ctx, doc, "tok")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowPlanned, wf.Status)

	_, err = m.Submit(ctx, wf.WorkflowID)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
	assert.Contains(t, err.Error(), "Workflow must contain at least one step")

	// The failed submit leaves the workflow planned.
	stored, err := m.Get(ctx, wf.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowPlanned, stored.Status)
}

func TestSubmitTerminalWorkflow(t *testing.T) {
	ctx := context.Background()
	m, st := newTestManager(t)

	wf, _, err := m.Plan(ctx, annotationDoc(), "tok")
	require.NoError(t, err)
	require.NoError(t, st.UpdateWorkflowFields(ctx, wf.WorkflowID, map[string]any{
		store.FieldStatus: model.WorkflowFailed,
	}))

	_, err = m.Submit(ctx, wf.WorkflowID)
	assert.True(t, errors.IsConflict(err))
}

func TestSubmitUnknownWorkflow(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Submit(context.Background(), "wf_missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	wf, _, err := m.Register(ctx, annotationDoc(), "tok")
	require.NoError(t, err)

	cancelled, err := m.Cancel(ctx, wf.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowCancelled, cancelled.Status)
	assert.Equal(t, model.StepSkipped, cancelled.Steps[0].Status)
	require.NotNil(t, cancelled.CompletedAt)

	// Cancelling again is a no-op.
	_, err = m.Cancel(ctx, wf.WorkflowID)
	assert.NoError(t, err)
}

func TestCancelWritesAndClosesLog(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemoryStore()
	logs := wflog.NewManager(t.TempDir(), logger)
	m := New(st, compiler.New(compiler.Options{Logger: logger}),
		metrics.New(prometheus.NewRegistry()), logs, logger)

	wf, _, err := m.Register(ctx, annotationDoc(), "tok")
	require.NoError(t, err)
	_, err = m.Cancel(ctx, wf.WorkflowID)
	require.NoError(t, err)

	data, err := os.ReadFile(logs.Path(wf.WorkflowID))
	require.NoError(t, err)
	assert.Contains(t, string(data), "[cancel] workflow 'annotation-run' cancelled")
}

func TestCancelTerminalWorkflow(t *testing.T) {
	ctx := context.Background()
	m, st := newTestManager(t)

	wf, _, err := m.Register(ctx, annotationDoc(), "tok")
	require.NoError(t, err)
	require.NoError(t, st.UpdateWorkflowFields(ctx, wf.WorkflowID, map[string]any{
		store.FieldStatus: model.WorkflowSucceeded,
	}))

	_, err = m.Cancel(ctx, wf.WorkflowID)
	assert.True(t, errors.IsConflict(err))
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	m, st := newTestManager(t)

	wf, _, err := m.Register(ctx, annotationDoc(), "tok")
	require.NoError(t, err)

	require.NoError(t, st.UpdateStepByName(ctx, wf.WorkflowID, "annotate", map[string]any{
		store.FieldStatus:      model.StepSucceeded,
		store.FieldStepID:      "task-1",
		store.FieldTaskID:      "task-1",
		store.FieldElapsedTime: "00:20:00",
	}))
	require.NoError(t, st.UpdateWorkflowFields(ctx, wf.WorkflowID, map[string]any{
		store.FieldStatus: model.WorkflowSucceeded,
	}))

	summary, err := m.Status(ctx, wf.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, "succeeded", summary.Status)
	assert.Equal(t, 1, summary.CompletedSteps)
	require.Len(t, summary.Steps, 1)
	assert.Equal(t, "task-1", summary.Steps[0].TaskID)

	// Registration already substituted the step reference, so the
	// summary reports the concrete workspace path.
	assert.Equal(t, []string{"/user@bvbrc/home/.anno/annotation.genome"}, summary.Outputs)
}

func TestMaxParallelFromDocument(t *testing.T) {
	m, _ := newTestManager(t)
	doc := annotationDoc()
	doc["max_parallel_steps"] = 4

	wf, _, err := m.Register(context.Background(), doc, "")
	require.NoError(t, err)
	assert.Equal(t, 4, wf.ExecutionMetadata.MaxParallelSteps)
}
