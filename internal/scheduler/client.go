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

// Package scheduler talks to the BV-BRC application scheduler over its
// JSON-RPC interface: AppService.start_app2 to launch a step and
// AppService.query_tasks to poll task state.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/BV-BRC/workflow-engine/internal/config"
	"github.com/BV-BRC/workflow-engine/pkg/errors"
)

// Task status values reported by the scheduler.
const (
	StatusCompleted = "completed"
	StatusRunning   = "running"
	StatusFailed    = "failed"
)

// TaskStatus is the scheduler's view of one submitted task.
type TaskStatus struct {
	Status      string
	ElapsedTime string
	Error       string
}

// Submitter is the scheduler surface the executor depends on.
type Submitter interface {
	Submit(ctx context.Context, app string, params map[string]any, token string) (string, error)
	Query(ctx context.Context, taskIDs []string, token string) (map[string]TaskStatus, error)
}

// Client is a JSON-RPC scheduler client. With no URL configured it runs
// in placeholder mode, handing out local task ids so workflows can be
// exercised without a live scheduler.
type Client struct {
	url        string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient builds a scheduler client from configuration.
func NewClient(cfg config.SchedulerConfig, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		url:        cfg.URL,
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Submit launches an application task and returns the scheduler's task
// id.
func (c *Client) Submit(ctx context.Context, app string, params map[string]any, token string) (string, error) {
	if c.url == "" {
		id := "local_" + uuid.NewString()[:8]
		c.logger.Warn("scheduler URL not configured, assigning placeholder task id",
			"app", app, "task_id", id)
		return id, nil
	}

	rpcParams := []any{app, params, map[string]any{"base_url": c.baseURL}}
	result, err := c.call(ctx, "AppService.start_app2", rpcParams, token)
	if err != nil {
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) {
			return "", &errors.SubmissionError{
				App:     app,
				Code:    rpcErr.Code,
				Message: rpcErr.Message,
				Data:    string(rpcErr.Data),
			}
		}
		return "", err
	}

	task, err := decodeTask(result)
	if err != nil {
		return "", &errors.SubmissionError{App: app, Message: err.Error()}
	}
	id := taskID(task)
	if id == "" {
		return "", &errors.SubmissionError{App: app, Message: "scheduler response contains no task id"}
	}
	return id, nil
}

// Query returns the current status of the given task ids, keyed by task
// id. Tasks the scheduler does not know about are absent from the map.
func (c *Client) Query(ctx context.Context, taskIDs []string, token string) (map[string]TaskStatus, error) {
	if len(taskIDs) == 0 {
		return map[string]TaskStatus{}, nil
	}
	if c.url == "" {
		// Placeholder tasks complete immediately.
		out := make(map[string]TaskStatus, len(taskIDs))
		for _, id := range taskIDs {
			out[id] = TaskStatus{Status: StatusCompleted}
		}
		return out, nil
	}

	result, err := c.call(ctx, "AppService.query_tasks", []any{taskIDs}, token)
	if err != nil {
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) {
			return nil, &errors.TransientError{Op: "query_tasks", Cause: rpcErr}
		}
		return nil, err
	}
	return decodeTaskStatuses(result)
}

// decodeTask unwraps a start_app2 result, which arrives either as a
// one-element array wrapping the task document or as the bare document.
func decodeTask(result json.RawMessage) (map[string]any, error) {
	var asList []map[string]any
	if err := json.Unmarshal(result, &asList); err == nil {
		if len(asList) == 0 {
			return nil, fmt.Errorf("scheduler returned an empty result list")
		}
		return asList[0], nil
	}
	var asMap map[string]any
	if err := json.Unmarshal(result, &asMap); err != nil {
		return nil, fmt.Errorf("unexpected scheduler result: %s", truncate(result, 200))
	}
	return asMap, nil
}

func taskID(task map[string]any) string {
	for _, key := range []string{"id", "task_id"} {
		if v, ok := task[key]; ok {
			switch id := v.(type) {
			case string:
				return id
			case float64:
				return fmt.Sprintf("%.0f", id)
			}
		}
	}
	return ""
}

// decodeTaskStatuses unwraps a query_tasks result. Some scheduler
// deployments return the status map directly, others wrap it in a
// one-element array.
func decodeTaskStatuses(result json.RawMessage) (map[string]TaskStatus, error) {
	var wrapped []map[string]map[string]any
	if err := json.Unmarshal(result, &wrapped); err == nil {
		if len(wrapped) == 0 {
			return map[string]TaskStatus{}, nil
		}
		return toStatuses(wrapped[0]), nil
	}
	var direct map[string]map[string]any
	if err := json.Unmarshal(result, &direct); err != nil {
		return nil, &errors.TransientError{
			Op:    "query_tasks",
			Cause: fmt.Errorf("unexpected query result: %s", truncate(result, 200)),
		}
	}
	return toStatuses(direct), nil
}

func toStatuses(raw map[string]map[string]any) map[string]TaskStatus {
	out := make(map[string]TaskStatus, len(raw))
	for id, doc := range raw {
		if doc == nil {
			continue
		}
		st := TaskStatus{}
		if v, ok := doc["status"].(string); ok {
			st.Status = v
		}
		if v, ok := doc["elapsed_time"].(string); ok {
			st.ElapsedTime = v
		}
		if v, ok := doc["error"].(string); ok {
			st.Error = v
		}
		out[id] = st
	}
	return out
}
