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

// Package executor drives workflows to completion. A single poll loop
// repeatedly admits pending workflows, queries the scheduler for
// running tasks, records completions and failures, and submits newly
// ready steps up to each workflow's parallelism limit.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BV-BRC/workflow-engine/internal/coerce"
	"github.com/BV-BRC/workflow-engine/internal/metrics"
	"github.com/BV-BRC/workflow-engine/internal/model"
	"github.com/BV-BRC/workflow-engine/internal/resolver"
	"github.com/BV-BRC/workflow-engine/internal/scheduler"
	"github.com/BV-BRC/workflow-engine/internal/store"
	"github.com/BV-BRC/workflow-engine/internal/wflog"
	"github.com/BV-BRC/workflow-engine/pkg/errors"
)

// Executor runs the poll loop.
type Executor struct {
	store       store.Store
	sched       scheduler.Submitter
	groups      *GroupRunner
	metrics     *metrics.Metrics
	logs        *wflog.Manager
	logger      *slog.Logger
	interval    time.Duration
	maxParallel int
	autoResume  bool
}

// Options configures an Executor.
type Options struct {
	Store           store.Store
	Scheduler       scheduler.Submitter
	Groups          *GroupRunner
	Metrics         *metrics.Metrics
	Logs            *wflog.Manager
	Logger          *slog.Logger
	PollingInterval time.Duration
	MaxParallel     int

	// AutoResume logs a resume event for workflows found active at
	// startup. Polling picks them up either way.
	AutoResume bool
}

// New builds an Executor.
func New(opts Options) *Executor {
	interval := opts.PollingInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	maxParallel := opts.MaxParallel
	if maxParallel < 1 {
		maxParallel = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:       opts.Store,
		sched:       opts.Scheduler,
		groups:      opts.Groups,
		metrics:     opts.Metrics,
		logs:        opts.Logs,
		logger:      logger,
		interval:    interval,
		maxParallel: maxParallel,
		autoResume:  opts.AutoResume,
	}
}

// Run resumes any workflows left active by a previous process and then
// polls until the context is cancelled.
func (e *Executor) Run(ctx context.Context) error {
	if e.autoResume {
		e.resume(ctx)
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("executor stopping")
			return nil
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

func (e *Executor) resume(ctx context.Context) {
	active, err := e.store.ListActive(ctx)
	if err != nil {
		e.logger.Error("cannot list active workflows on startup", "error", err)
		return
	}
	for _, wf := range active {
		e.logger.Info("resuming workflow",
			"workflow_id", wf.WorkflowID,
			"workflow_name", wf.WorkflowName,
			"status", string(wf.Status))
		e.logs.Event(wf.WorkflowID, "resume", "workflow '%s' resumed after restart", wf.WorkflowName)
	}
}

// Tick runs one poll cycle over every active workflow.
func (e *Executor) Tick(ctx context.Context) {
	started := time.Now()
	defer func() {
		e.metrics.PollCycles.Inc()
		e.metrics.PollDuration.Observe(time.Since(started).Seconds())
	}()

	active, err := e.store.ListActive(ctx)
	if err != nil {
		e.metrics.ExecutorErrors.WithLabelValues("store_list").Inc()
		e.logger.Error("cannot list active workflows", "error", err)
		return
	}

	var pendingCount, runningCount, runningSteps int
	for _, wf := range active {
		switch wf.Status {
		case model.WorkflowPending, model.WorkflowQueued:
			pendingCount++
		case model.WorkflowRunning:
			runningCount++
		}
		if wf.ExecutionMetadata != nil {
			runningSteps += wf.ExecutionMetadata.RunningSteps
		}
	}
	e.metrics.ActiveWorkflows.Set(float64(runningCount))
	e.metrics.PendingWorkflows.Set(float64(pendingCount))
	e.metrics.ActiveSteps.Set(float64(runningSteps))

	for _, wf := range active {
		if err := e.processWorkflow(ctx, wf); err != nil {
			e.metrics.ExecutorErrors.WithLabelValues("workflow_processing").Inc()
			e.logger.Error("workflow processing failed",
				"workflow_id", wf.WorkflowID, "error", err)
			if ferr := e.failWorkflow(ctx, wf, fmt.Sprintf("processing error: %v", err)); ferr != nil {
				e.logger.Error("cannot mark workflow failed",
					"workflow_id", wf.WorkflowID, "error", ferr)
			}
		}
	}
}

func (e *Executor) processWorkflow(ctx context.Context, wf *model.Workflow) error {
	if wf.Status == model.WorkflowPending {
		if err := e.admitWorkflow(ctx, wf); err != nil {
			return err
		}
	}

	ec, err := BuildFromDocument(wf, e.maxParallel)
	if err != nil {
		return e.failWorkflow(ctx, wf, fmt.Sprintf("invalid dependency graph: %v", err))
	}

	if err := e.pollRunning(ctx, wf, ec); err != nil {
		// Scheduler trouble; try again next cycle.
		return nil
	}

	// Re-read so submissions see the transitions the poll recorded.
	fresh, err := e.store.Get(ctx, wf.WorkflowID)
	if err != nil {
		return err
	}
	if fresh.Status == model.WorkflowCancelled {
		e.logger.Info("workflow cancelled, skipping", "workflow_id", wf.WorkflowID)
		return nil
	}
	ec, err = BuildFromDocument(fresh, e.maxParallel)
	if err != nil {
		return err
	}

	submitted, err := e.submitReady(ctx, fresh, ec)
	if err != nil {
		return err
	}
	if fresh.Status == model.WorkflowQueued && submitted > 0 {
		if err := e.markWorkflowRunning(ctx, fresh); err != nil {
			return err
		}
	}

	return e.retire(ctx, fresh.WorkflowID)
}

// admitWorkflow moves a newly submitted workflow into the queue and
// records its event log path. started_at is set later, when the first
// step actually goes out.
func (e *Executor) admitWorkflow(ctx context.Context, wf *model.Workflow) error {
	updates := map[string]any{
		store.FieldStatus: model.WorkflowQueued,
	}
	if path := e.logs.Path(wf.WorkflowID); path != "" {
		updates[store.FieldLogFilePath] = path
	}
	if err := e.store.UpdateWorkflowFields(ctx, wf.WorkflowID, updates); err != nil {
		return err
	}
	wf.Status = model.WorkflowQueued
	e.logger.Info("workflow queued",
		"workflow_id", wf.WorkflowID,
		"workflow_name", wf.WorkflowName,
		"total_steps", len(wf.Steps))
	e.logs.Event(wf.WorkflowID, "start", "workflow '%s' queued with %d steps", wf.WorkflowName, len(wf.Steps))
	return nil
}

func (e *Executor) markWorkflowRunning(ctx context.Context, wf *model.Workflow) error {
	now := time.Now().UTC()
	if err := e.store.UpdateWorkflowFields(ctx, wf.WorkflowID, map[string]any{
		store.FieldStatus:    model.WorkflowRunning,
		store.FieldStartedAt: now,
	}); err != nil {
		return err
	}
	wf.Status = model.WorkflowRunning
	wf.StartedAt = &now
	e.logger.Info("workflow running",
		"workflow_id", wf.WorkflowID,
		"workflow_name", wf.WorkflowName)
	return nil
}

// pollRunning queries the scheduler for the workflow's in-flight tasks
// and applies the resulting transitions.
func (e *Executor) pollRunning(ctx context.Context, wf *model.Workflow, ec *ExecutionContext) error {
	var taskIDs []string
	byTask := make(map[string]*model.Step)
	for _, step := range ec.RunningSteps() {
		if step.TaskID == "" || IsGroupTask(step.TaskID) {
			continue
		}
		taskIDs = append(taskIDs, step.TaskID)
		byTask[step.TaskID] = step
	}
	if len(taskIDs) == 0 {
		return nil
	}

	queryStart := time.Now()
	statuses, err := e.sched.Query(ctx, taskIDs, wf.AuthToken)
	e.metrics.SchedulerQueryDuration.Observe(time.Since(queryStart).Seconds())
	if err != nil {
		e.metrics.SchedulerQueryErrors.Inc()
		e.logger.Warn("scheduler query failed",
			"workflow_id", wf.WorkflowID, "error", err)
		return err
	}

	for _, taskID := range taskIDs {
		step := byTask[taskID]
		st, ok := statuses[taskID]
		if !ok {
			e.logger.Warn("scheduler does not know task",
				"workflow_id", wf.WorkflowID, "step_name", step.StepName, "task_id", taskID)
			continue
		}
		switch st.Status {
		case scheduler.StatusRunning:
			if step.Status == model.StepQueued {
				if err := e.markStepRunning(ctx, wf, step); err != nil {
					return err
				}
			}
		case scheduler.StatusCompleted:
			if err := e.completeStep(ctx, wf, step, st); err != nil {
				return err
			}
		case scheduler.StatusFailed:
			if err := e.failStep(ctx, wf, step, st.Error); err != nil {
				return err
			}
		}
	}
	return nil
}

// markStepRunning promotes a queued step once the scheduler reports
// its task as running.
func (e *Executor) markStepRunning(ctx context.Context, wf *model.Workflow, step *model.Step) error {
	now := time.Now().UTC()
	if err := e.store.UpdateStepFields(ctx, wf.WorkflowID, step.StepID, map[string]any{
		store.FieldStatus:    model.StepRunning,
		store.FieldStartedAt: now,
	}); err != nil {
		return err
	}
	step.Status = model.StepRunning
	step.StartedAt = &now
	e.logger.Info("step running",
		"workflow_id", wf.WorkflowID,
		"step_name", step.StepName,
		"app", step.App,
		"task_id", step.TaskID)
	e.logs.Event(wf.WorkflowID, "run", "step '%s' (%s) is running as task %s", step.StepName, step.App, step.TaskID)
	return nil
}

func (e *Executor) completeStep(ctx context.Context, wf *model.Workflow, step *model.Step, st scheduler.TaskStatus) error {
	now := time.Now().UTC()
	if err := e.store.UpdateStepFields(ctx, wf.WorkflowID, step.StepID, map[string]any{
		store.FieldStatus:      model.StepSucceeded,
		store.FieldCompletedAt: now,
		store.FieldElapsedTime: st.ElapsedTime,
	}); err != nil {
		return err
	}
	if err := e.store.RemoveFromRunningSteps(ctx, wf.WorkflowID, step.StepID); err != nil {
		return err
	}
	if err := e.store.AddToCompletedSteps(ctx, wf.WorkflowID, step.StepID); err != nil {
		return err
	}

	e.metrics.StepsCompleted.WithLabelValues(step.App, "succeeded").Inc()
	if d, err := ParseElapsed(st.ElapsedTime); err == nil {
		e.metrics.StepDuration.WithLabelValues(step.App).Observe(d.Seconds())
	} else if step.SubmittedAt != nil {
		e.metrics.StepDuration.WithLabelValues(step.App).Observe(now.Sub(*step.SubmittedAt).Seconds())
	}

	e.logger.Info("step completed",
		"workflow_id", wf.WorkflowID,
		"step_name", step.StepName,
		"app", step.App,
		"task_id", step.TaskID,
		"elapsed", st.ElapsedTime)
	e.logs.Event(wf.WorkflowID, "complete", "step '%s' (%s) completed in %s", step.StepName, step.App, st.ElapsedTime)
	return nil
}

// failStep records a step failure. Descendants are not touched here;
// they stay pending until the workflow stalls and retire marks them.
func (e *Executor) failStep(ctx context.Context, wf *model.Workflow, step *model.Step, message string) error {
	if message == "" {
		message = "task failed"
	}
	now := time.Now().UTC()
	if err := e.store.UpdateStepByName(ctx, wf.WorkflowID, step.StepName, map[string]any{
		store.FieldStatus:       model.StepFailed,
		store.FieldCompletedAt:  now,
		store.FieldErrorMessage: message,
	}); err != nil {
		return err
	}
	if step.StepID != "" {
		if err := e.store.RemoveFromRunningSteps(ctx, wf.WorkflowID, step.StepID); err != nil {
			return err
		}
	} else if err := e.store.IncrementWorkflowField(ctx, wf.WorkflowID, "execution_metadata.pending_steps", -1); err != nil {
		return err
	}
	if err := e.store.IncrementWorkflowField(ctx, wf.WorkflowID, "execution_metadata.failed_steps", 1); err != nil {
		return err
	}
	step.Status = model.StepFailed
	e.metrics.StepsCompleted.WithLabelValues(step.App, "failed").Inc()

	e.logger.Error("step failed",
		"workflow_id", wf.WorkflowID,
		"step_name", step.StepName,
		"app", step.App,
		"task_id", step.TaskID,
		"error", message)
	e.logs.Event(wf.WorkflowID, "fail", "step '%s' (%s) failed: %s", step.StepName, step.App, message)
	return nil
}

// submitReady dispatches ready steps while the workflow has capacity
// and returns how many went out.
func (e *Executor) submitReady(ctx context.Context, wf *model.Workflow, ec *ExecutionContext) (int, error) {
	capacity := ec.Capacity()
	submitted := 0
	for _, step := range ec.ReadySteps() {
		if capacity <= 0 {
			break
		}
		ok, err := e.submitStep(ctx, wf, step)
		if err != nil {
			return submitted, err
		}
		if ok {
			capacity--
			submitted++
		}
	}
	return submitted, nil
}

func (e *Executor) submitStep(ctx context.Context, wf *model.Workflow, step *model.Step) (bool, error) {
	params, _ := resolver.ResolveRuntime(model.CloneMap(step.Params), wf, e.logger).(map[string]any)

	// Re-check conditional requirements at dispatch. Runtime resolution
	// may have surfaced a value registration could not see.
	if msgs := coerce.CheckRequired(step.App, params); len(msgs) > 0 {
		return false, e.failStep(ctx, wf, step, strings.Join(msgs, " "))
	}

	var taskID string
	var start func()
	var err error
	if step.App == GroupApp {
		taskID, start, err = e.groups.Launch(ctx, wf.WorkflowID, step, wf.AuthToken)
	} else {
		taskID, err = e.sched.Submit(ctx, step.App, params, wf.AuthToken)
	}
	if err != nil {
		if errors.IsTransient(err) {
			e.logger.Warn("step submission deferred",
				"workflow_id", wf.WorkflowID, "step_name", step.StepName, "error", err)
			return false, nil
		}
		e.metrics.SchedulerSubmitErrors.WithLabelValues(step.App).Inc()
		return false, e.failStep(ctx, wf, step, fmt.Sprintf("submission failed: %v", err))
	}

	// The step adopts the scheduler's task id as its step id. Until the
	// scheduler reports the task as running, the step stays queued.
	now := time.Now().UTC()
	if err := e.store.UpdateStepByName(ctx, wf.WorkflowID, step.StepName, map[string]any{
		store.FieldStepID:      taskID,
		store.FieldTaskID:      taskID,
		store.FieldStatus:      model.StepQueued,
		store.FieldSubmittedAt: now,
	}); err != nil {
		return false, err
	}
	if err := e.store.AddToRunningSteps(ctx, wf.WorkflowID, taskID); err != nil {
		return false, err
	}
	step.StepID = taskID
	step.TaskID = taskID
	step.Status = model.StepQueued
	step.SubmittedAt = &now
	if start != nil {
		start()
	}

	e.metrics.StepsSubmitted.WithLabelValues(step.App).Inc()
	e.logger.Info("step submitted",
		"workflow_id", wf.WorkflowID,
		"step_name", step.StepName,
		"app", step.App,
		"task_id", taskID)
	e.logs.Event(wf.WorkflowID, "submit", "step '%s' (%s) submitted as task %s", step.StepName, step.App, taskID)
	return true, nil
}

// retire finalizes the workflow once no step can make further
// progress.
func (e *Executor) retire(ctx context.Context, workflowID string) error {
	wf, err := e.store.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status.Terminal() {
		return nil
	}
	ec, err := BuildFromDocument(wf, e.maxParallel)
	if err != nil {
		return err
	}
	if !ec.IsComplete() && !ec.Stalled() {
		return nil
	}

	// A stalled workflow still has pending steps downstream of a
	// failure; mark them before closing out.
	for i := range wf.Steps {
		step := &wf.Steps[i]
		if step.Status.Terminal() {
			continue
		}
		if err := e.store.UpdateStepByName(ctx, workflowID, step.StepName, map[string]any{
			store.FieldStatus:       model.StepUpstreamFailed,
			store.FieldErrorMessage: "an upstream step failed",
		}); err != nil {
			return err
		}
		step.Status = model.StepUpstreamFailed
		e.logs.Event(workflowID, "skip", "step '%s' skipped: an upstream step failed", step.StepName)
	}

	final := model.WorkflowSucceeded
	if ec.HasFailed() || !ec.HasSucceeded() {
		final = model.WorkflowFailed
	}
	now := time.Now().UTC()
	if err := e.store.UpdateWorkflowFields(ctx, workflowID, map[string]any{
		store.FieldStatus:      final,
		store.FieldCompletedAt: now,
	}); err != nil {
		return err
	}

	e.metrics.WorkflowsCompleted.WithLabelValues(string(final)).Inc()
	if wf.StartedAt != nil {
		e.metrics.WorkflowDuration.Observe(now.Sub(*wf.StartedAt).Seconds())
	}

	e.logger.Info("workflow finished",
		"workflow_id", workflowID,
		"workflow_name", wf.WorkflowName,
		"status", string(final))
	e.logs.Event(workflowID, "finish", "workflow '%s' finished with status %s", wf.WorkflowName, final)
	e.logs.Close(workflowID)
	return nil
}

// ParseElapsed parses the scheduler's HH:MM:SS elapsed time format.
// Hours may exceed two digits for long-running assemblies.
func ParseElapsed(s string) (time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("elapsed time %q is not HH:MM:SS", s)
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	sec, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil || h < 0 || m < 0 || m > 59 || sec < 0 || sec > 59 {
		return 0, fmt.Errorf("elapsed time %q is not HH:MM:SS", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second, nil
}

func (e *Executor) failWorkflow(ctx context.Context, wf *model.Workflow, message string) error {
	now := time.Now().UTC()
	e.logger.Error("workflow failed", "workflow_id", wf.WorkflowID, "error", message)
	e.logs.Event(wf.WorkflowID, "fail", "workflow '%s' failed: %s", wf.WorkflowName, message)
	e.logs.Close(wf.WorkflowID)
	return e.store.UpdateWorkflowFields(ctx, wf.WorkflowID, map[string]any{
		store.FieldStatus:       model.WorkflowFailed,
		store.FieldCompletedAt:  now,
		store.FieldErrorMessage: message,
	})
}
