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

// Package manager exposes the workflow lifecycle operations backing
// the HTTP API: validate, plan, register, submit, cancel and status.
// The manager owns workflow id assignment; step ids are adopted from
// the scheduler when the executor dispatches each step.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BV-BRC/workflow-engine/internal/compiler"
	"github.com/BV-BRC/workflow-engine/internal/metrics"
	"github.com/BV-BRC/workflow-engine/internal/model"
	"github.com/BV-BRC/workflow-engine/internal/resolver"
	"github.com/BV-BRC/workflow-engine/internal/store"
	"github.com/BV-BRC/workflow-engine/internal/wflog"
	"github.com/BV-BRC/workflow-engine/pkg/errors"
)

// Manager coordinates workflow lifecycle operations.
type Manager struct {
	store    store.Store
	compiler *compiler.Compiler
	metrics  *metrics.Metrics
	logs     *wflog.Manager
	logger   *slog.Logger
}

// New builds a Manager.
func New(st store.Store, c *compiler.Compiler, m *metrics.Metrics, logs *wflog.Manager, logger *slog.Logger) *Manager {
	return &Manager{store: st, compiler: c, metrics: m, logs: logs, logger: logger}
}

// Validate compiles a workflow document without persisting anything.
// The returned workflow reflects coercions, defaults and deconflict
// renames; it carries no ids.
func (m *Manager) Validate(ctx context.Context, doc map[string]any, token string) (*model.Workflow, []string, error) {
	return m.compiler.Compile(ctx, doc, token)
}

// Plan stores a workflow after only light cleanup and base-context
// resolution; schema and application validation wait until submit.
// Planned workflows are invisible to the executor. A caller-supplied
// workflow_id is adopted so clients can reserve ids ahead of time.
func (m *Manager) Plan(ctx context.Context, doc map[string]any, token string) (*model.Workflow, []string, error) {
	wf, err := m.compiler.Plan(doc)
	if err != nil {
		return nil, nil, err
	}
	if wf.WorkflowID == "" {
		wf.WorkflowID = model.NewWorkflowID()
	}
	if err := m.persist(ctx, wf, doc, token, model.WorkflowPlanned, model.StepPlanned); err != nil {
		return nil, nil, err
	}
	return wf, nil, nil
}

// Register compiles and stores a workflow in the planned state; the
// caller promotes it with Submit when it should run.
func (m *Manager) Register(ctx context.Context, doc map[string]any, token string) (*model.Workflow, []string, error) {
	return m.create(ctx, doc, token, model.WorkflowPlanned, model.StepPlanned)
}

// SubmitDocument compiles a full workflow document and stores it
// directly in the pending state, skipping the planned stop.
func (m *Manager) SubmitDocument(ctx context.Context, doc map[string]any, token string) (*model.Workflow, []string, error) {
	wf, warnings, err := m.create(ctx, doc, token, model.WorkflowPending, model.StepPending)
	if err != nil {
		return nil, warnings, err
	}
	m.metrics.WorkflowsSubmitted.Inc()
	return wf, warnings, nil
}

func (m *Manager) create(ctx context.Context, doc map[string]any, token string, wfStatus model.WorkflowStatus, stepStatus model.StepStatus) (*model.Workflow, []string, error) {
	wf, warnings, err := m.compiler.Compile(ctx, doc, token)
	if err != nil {
		return nil, nil, err
	}
	wf.WorkflowID = model.NewWorkflowID()
	if err := m.persist(ctx, wf, doc, token, wfStatus, stepStatus); err != nil {
		return nil, warnings, err
	}
	return wf, warnings, nil
}

// persist fills in the lifecycle fields and stores a new document.
// Step ids are not assigned here; a step adopts its scheduler task id
// when the executor dispatches it.
func (m *Manager) persist(ctx context.Context, wf *model.Workflow, doc map[string]any, token string, wfStatus model.WorkflowStatus, stepStatus model.StepStatus) error {
	now := time.Now().UTC()
	wf.Status = wfStatus
	wf.CreatedAt = now
	wf.UpdatedAt = now
	wf.AuthToken = token
	for i := range wf.Steps {
		wf.Steps[i].Status = stepStatus
	}
	wf.ExecutionMetadata = &model.ExecutionMetadata{
		TotalSteps:       len(wf.Steps),
		PendingSteps:     len(wf.Steps),
		MaxParallelSteps: parseMaxParallel(doc),
	}

	if err := m.store.Save(ctx, wf); err != nil {
		return err
	}
	m.logger.Info("workflow stored",
		"workflow_id", wf.WorkflowID,
		"workflow_name", wf.WorkflowName,
		"status", string(wfStatus),
		"total_steps", len(wf.Steps))
	return nil
}

// Submit promotes a planned workflow to pending. The stored document
// is stripped back to its declarative fields and recompiled, so any
// validation skipped at plan time happens now. Submitting a workflow
// that is already active is a no-op, so retried requests are safe; a
// terminal workflow cannot be resubmitted.
func (m *Manager) Submit(ctx context.Context, workflowID string) (*model.Workflow, error) {
	wf, err := m.store.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	switch {
	case wf.Status == model.WorkflowPlanned:
		compiled, _, err := m.compiler.Compile(ctx, documentFrom(wf), wf.AuthToken)
		if err != nil {
			return nil, err
		}
		for i := range compiled.Steps {
			compiled.Steps[i].Status = model.StepPending
		}
		maxParallel := 0
		if wf.ExecutionMetadata != nil {
			maxParallel = wf.ExecutionMetadata.MaxParallelSteps
		}
		wf.BaseContext = compiled.BaseContext
		wf.Steps = compiled.Steps
		wf.WorkflowOutputs = compiled.WorkflowOutputs
		wf.Status = model.WorkflowPending
		wf.UpdatedAt = time.Now().UTC()
		wf.ExecutionMetadata = &model.ExecutionMetadata{
			TotalSteps:       len(wf.Steps),
			PendingSteps:     len(wf.Steps),
			MaxParallelSteps: maxParallel,
		}
		if err := m.store.Replace(ctx, wf); err != nil {
			return nil, err
		}
		m.metrics.WorkflowsSubmitted.Inc()
		m.logger.Info("planned workflow submitted", "workflow_id", workflowID)
		return m.store.Get(ctx, workflowID)
	case wf.Status.Active():
		return wf, nil
	default:
		return nil, &errors.ConflictError{
			Resource: "workflow",
			ID:       workflowID,
			Message:  fmt.Sprintf("cannot submit a workflow in status %s", wf.Status),
		}
	}
}

// documentFrom rebuilds the raw input document from a stored workflow,
// keeping only the declarative fields so the submit-time compile sees
// the same shape a client would send.
func documentFrom(wf *model.Workflow) map[string]any {
	steps := make([]any, 0, len(wf.Steps))
	for _, step := range wf.Steps {
		s := map[string]any{
			"step_name": step.StepName,
			"app":       step.App,
			"params":    step.Params,
		}
		if len(step.Outputs) > 0 {
			s["outputs"] = step.Outputs
		}
		if len(step.DependsOn) > 0 {
			deps := make([]any, len(step.DependsOn))
			for i, d := range step.DependsOn {
				deps[i] = d
			}
			s["depends_on"] = deps
		}
		steps = append(steps, s)
	}

	doc := map[string]any{
		"workflow_name": wf.WorkflowName,
		"steps":         steps,
	}
	if wf.Version != "" {
		doc["version"] = wf.Version
	}
	if len(wf.BaseContext) > 0 {
		bc := make(map[string]any, len(wf.BaseContext))
		for k, v := range wf.BaseContext {
			bc[k] = v
		}
		doc["base_context"] = bc
	}
	if len(wf.WorkflowOutputs) > 0 {
		outs := make([]any, len(wf.WorkflowOutputs))
		for i, o := range wf.WorkflowOutputs {
			outs[i] = o
		}
		doc["workflow_outputs"] = outs
	}
	return doc
}

// Cancel stops a workflow. Steps that have not reached a terminal
// status are marked skipped; tasks already running on the scheduler
// are left to finish but their results are ignored. Cancelling a
// cancelled workflow is a no-op.
func (m *Manager) Cancel(ctx context.Context, workflowID string) (*model.Workflow, error) {
	wf, err := m.store.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status == model.WorkflowCancelled {
		return wf, nil
	}
	if wf.Status.Terminal() {
		return nil, &errors.ConflictError{
			Resource: "workflow",
			ID:       workflowID,
			Message:  fmt.Sprintf("cannot cancel a workflow in status %s", wf.Status),
		}
	}

	for i := range wf.Steps {
		step := &wf.Steps[i]
		if step.Status.Terminal() {
			continue
		}
		if err := m.store.UpdateStepByName(ctx, workflowID, step.StepName, map[string]any{
			store.FieldStatus: model.StepSkipped,
		}); err != nil {
			return nil, err
		}
	}
	now := time.Now().UTC()
	if err := m.store.UpdateWorkflowFields(ctx, workflowID, map[string]any{
		store.FieldStatus:      model.WorkflowCancelled,
		store.FieldCompletedAt: now,
	}); err != nil {
		return nil, err
	}
	m.metrics.WorkflowsCompleted.WithLabelValues(string(model.WorkflowCancelled)).Inc()
	m.logs.Event(workflowID, "cancel", "workflow '%s' cancelled", wf.WorkflowName)
	m.logs.Close(workflowID)
	m.logger.Info("workflow cancelled", "workflow_id", workflowID)
	return m.store.Get(ctx, workflowID)
}

// Get returns the stored workflow document.
func (m *Manager) Get(ctx context.Context, workflowID string) (*model.Workflow, error) {
	return m.store.Get(ctx, workflowID)
}

// List returns workflows filtered by status, or every active workflow
// when status is empty.
func (m *Manager) List(ctx context.Context, status string) ([]*model.Workflow, error) {
	if status == "" {
		return m.store.ListActive(ctx)
	}
	return m.store.ListByStatus(ctx, model.WorkflowStatus(status))
}

// StepSummary is one step's slice of a status report.
type StepSummary struct {
	StepID      string     `json:"step_id"`
	StepName    string     `json:"step_name"`
	App         string     `json:"app"`
	Status      string     `json:"status"`
	TaskID      string     `json:"task_id,omitempty"`
	ElapsedTime string     `json:"elapsed_time,omitempty"`
	Error       string     `json:"error,omitempty"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// StatusSummary is the condensed execution state of a workflow.
type StatusSummary struct {
	WorkflowID     string        `json:"workflow_id"`
	WorkflowName   string        `json:"workflow_name"`
	Status         string        `json:"status"`
	TotalSteps     int           `json:"total_steps"`
	PendingSteps   int           `json:"pending_steps"`
	RunningSteps   int           `json:"running_steps"`
	CompletedSteps int           `json:"completed_steps"`
	FailedSteps    int           `json:"failed_steps"`
	Steps          []StepSummary `json:"steps"`
	Outputs        []string      `json:"outputs,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	LogFilePath    string        `json:"log_file_path,omitempty"`
}

// Status builds a status report for one workflow. Workflow outputs are
// resolved against the current step state once the workflow has
// succeeded.
func (m *Manager) Status(ctx context.Context, workflowID string) (*StatusSummary, error) {
	wf, err := m.store.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	summary := &StatusSummary{
		WorkflowID:   wf.WorkflowID,
		WorkflowName: wf.WorkflowName,
		Status:       string(wf.Status),
		TotalSteps:   len(wf.Steps),
		CreatedAt:    wf.CreatedAt,
		StartedAt:    wf.StartedAt,
		CompletedAt:  wf.CompletedAt,
		LogFilePath:  wf.LogFilePath,
	}
	for _, step := range wf.Steps {
		switch step.Status {
		case model.StepPending, model.StepReady, model.StepPlanned:
			summary.PendingSteps++
		case model.StepRunning, model.StepQueued:
			summary.RunningSteps++
		case model.StepSucceeded:
			summary.CompletedSteps++
		case model.StepFailed:
			summary.FailedSteps++
		}
		summary.Steps = append(summary.Steps, StepSummary{
			StepID:      step.StepID,
			StepName:    step.StepName,
			App:         step.App,
			Status:      string(step.Status),
			TaskID:      step.TaskID,
			ElapsedTime: step.ElapsedTime,
			Error:       step.ErrorMessage,
			SubmittedAt: step.SubmittedAt,
			CompletedAt: step.CompletedAt,
		})
	}

	if wf.Status == model.WorkflowSucceeded && len(wf.WorkflowOutputs) > 0 {
		// Compile-time substitution leaves most entries concrete; runtime
		// resolution covers outputs that depend on another step's state.
		for _, out := range wf.WorkflowOutputs {
			resolved, _ := resolver.ResolveRuntime(out, wf, m.logger).(string)
			summary.Outputs = append(summary.Outputs, resolved)
		}
	}
	return summary, nil
}

func parseMaxParallel(doc map[string]any) int {
	inner := doc
	if wrapped, ok := doc["workflow"].(map[string]any); ok {
		if _, hasSteps := doc["steps"]; !hasSteps {
			inner = wrapped
		}
	}
	switch v := inner["max_parallel_steps"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case string:
		var n int
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%d", &n); err == nil {
			return n
		}
	}
	return 0
}
