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
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/BV-BRC/workflow-engine/internal/model"
	"github.com/BV-BRC/workflow-engine/internal/store"
	"github.com/BV-BRC/workflow-engine/internal/wflog"
)

// GroupApp is the pseudo-application handled in-process instead of
// being submitted to the scheduler.
const GroupApp = "CreateGroup"

// groupTaskPrefix marks task ids of in-process group steps so the
// poller never sends them to the scheduler.
const groupTaskPrefix = "group_"

// Creator materializes a genome or feature group from job results and
// returns the workspace path of the created group.
type Creator interface {
	CreateGroup(ctx context.Context, groupType, groupName string, jobResultPaths []string, token string) (string, error)
}

// WorkspaceGroupCreator places groups under the workspace convention
// used by the BV-BRC UI: <user home>/Genome Groups/<name> or
// <user home>/Feature Groups/<name>, where the user home is derived
// from the first job result path.
type WorkspaceGroupCreator struct{}

// CreateGroup implements Creator.
func (WorkspaceGroupCreator) CreateGroup(_ context.Context, groupType, groupName string, jobResultPaths []string, _ string) (string, error) {
	if len(jobResultPaths) == 0 {
		return "", fmt.Errorf("no job result paths")
	}
	root := userRoot(jobResultPaths[0])
	if root == "" {
		return "", fmt.Errorf("cannot derive user workspace from path %q", jobResultPaths[0])
	}
	folder := "Genome Groups"
	if groupType == "feature" {
		folder = "Feature Groups"
	}
	return fmt.Sprintf("%s/home/%s/%s", root, folder, groupName), nil
}

// userRoot extracts the "/user@domain" prefix from a workspace path.
func userRoot(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	idx := strings.Index(trimmed, "/")
	if idx <= 0 {
		return ""
	}
	first := trimmed[:idx]
	if !strings.Contains(first, "@") {
		return ""
	}
	return "/" + first
}

// GroupRunner executes CreateGroup steps in-process, bounded by a
// semaphore so a burst of group steps cannot starve the executor.
type GroupRunner struct {
	creator Creator
	store   store.Store
	logs    *wflog.Manager
	logger  *slog.Logger
	sem     *semaphore.Weighted
}

// NewGroupRunner builds a runner allowing maxConcurrent simultaneous
// group creations.
func NewGroupRunner(creator Creator, st store.Store, logs *wflog.Manager, logger *slog.Logger, maxConcurrent int64) *GroupRunner {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &GroupRunner{
		creator: creator,
		store:   st,
		logs:    logs,
		logger:  logger,
		sem:     semaphore.NewWeighted(maxConcurrent),
	}
}

// groupParams is the validated parameter set of a CreateGroup step.
type groupParams struct {
	groupType string
	groupName string
	paths     []string
}

func parseGroupParams(params map[string]any) (groupParams, error) {
	var gp groupParams

	rawPaths, ok := params["job_result_paths"].([]any)
	if !ok || len(rawPaths) == 0 {
		return gp, fmt.Errorf("'job_result_paths' is required and must be a non-empty list")
	}
	for _, raw := range rawPaths {
		s, ok := raw.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return gp, fmt.Errorf("'job_result_paths' entries must be non-empty strings")
		}
		gp.paths = append(gp.paths, s)
	}

	gp.groupType, _ = params["group_type"].(string)
	if gp.groupType != "genome" && gp.groupType != "feature" {
		return gp, fmt.Errorf("'group_type' must be 'genome' or 'feature', got %q", gp.groupType)
	}

	gp.groupName, _ = params["group_name"].(string)
	if strings.TrimSpace(gp.groupName) == "" {
		return gp, fmt.Errorf("'group_name' is required")
	}
	return gp, nil
}

// Launch validates the step's parameters and prepares the group
// creation. It returns the local task id plus a start function; the
// caller records the dispatch before invoking start, so the background
// goroutine always finds the step addressable by its id.
func (r *GroupRunner) Launch(ctx context.Context, workflowID string, step *model.Step, token string) (string, func(), error) {
	gp, err := parseGroupParams(step.Params)
	if err != nil {
		return "", nil, err
	}

	taskID := groupTaskPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	stepName := step.StepName

	start := func() {
		go func() {
			if err := r.sem.Acquire(ctx, 1); err != nil {
				r.finishFailed(workflowID, taskID, stepName, fmt.Sprintf("group creation cancelled: %v", err))
				return
			}
			defer r.sem.Release(1)

			path, err := r.creator.CreateGroup(ctx, gp.groupType, gp.groupName, gp.paths, token)
			if err != nil {
				r.finishFailed(workflowID, taskID, stepName, fmt.Sprintf("group creation failed: %v", err))
				return
			}
			r.finishSucceeded(workflowID, taskID, stepName, path)
		}()
	}

	return taskID, start, nil
}

// IsGroupTask reports whether a task id belongs to an in-process group
// step.
func IsGroupTask(taskID string) bool {
	return strings.HasPrefix(taskID, groupTaskPrefix)
}

func (r *GroupRunner) finishSucceeded(workflowID, stepID, stepName, groupPath string) {
	ctx := context.Background()
	now := time.Now().UTC()
	err := r.store.UpdateStepFields(ctx, workflowID, stepID, map[string]any{
		store.FieldStatus:      model.StepSucceeded,
		store.FieldCompletedAt: now,
		"outputs.group_path":   groupPath,
	})
	if err != nil {
		r.logger.Error("cannot record group step success",
			"workflow_id", workflowID, "step_name", stepName, "error", err)
		return
	}
	_ = r.store.RemoveFromRunningSteps(ctx, workflowID, stepID)
	_ = r.store.AddToCompletedSteps(ctx, workflowID, stepID)
	r.logs.Event(workflowID, "complete", "step '%s' created group at %s", stepName, groupPath)
}

func (r *GroupRunner) finishFailed(workflowID, stepID, stepName, message string) {
	ctx := context.Background()
	now := time.Now().UTC()
	err := r.store.UpdateStepFields(ctx, workflowID, stepID, map[string]any{
		store.FieldStatus:       model.StepFailed,
		store.FieldCompletedAt:  now,
		store.FieldErrorMessage: message,
	})
	if err != nil {
		r.logger.Error("cannot record group step failure",
			"workflow_id", workflowID, "step_name", stepName, "error", err)
		return
	}
	_ = r.store.RemoveFromRunningSteps(ctx, workflowID, stepID)
	_ = r.store.IncrementWorkflowField(ctx, workflowID, "execution_metadata.failed_steps", 1)
	r.logs.Event(workflowID, "fail", "step '%s' failed: %s", stepName, message)
}
