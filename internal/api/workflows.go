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

package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/BV-BRC/workflow-engine/internal/manager"
	"github.com/BV-BRC/workflow-engine/internal/model"
)

// WorkflowService is the slice of the manager the HTTP handlers need.
type WorkflowService interface {
	Validate(ctx context.Context, doc map[string]any, token string) (*model.Workflow, []string, error)
	Plan(ctx context.Context, doc map[string]any, token string) (*model.Workflow, []string, error)
	Register(ctx context.Context, doc map[string]any, token string) (*model.Workflow, []string, error)
	SubmitDocument(ctx context.Context, doc map[string]any, token string) (*model.Workflow, []string, error)
	Submit(ctx context.Context, workflowID string) (*model.Workflow, error)
	Cancel(ctx context.Context, workflowID string) (*model.Workflow, error)
	Get(ctx context.Context, workflowID string) (*model.Workflow, error)
	List(ctx context.Context, status string) ([]*model.Workflow, error)
	Status(ctx context.Context, workflowID string) (*manager.StatusSummary, error)
}

// WorkflowsHandler serves the /api/v1/workflows endpoints.
type WorkflowsHandler struct {
	service WorkflowService
	logger  *slog.Logger
}

// NewWorkflowsHandler creates a workflows handler.
func NewWorkflowsHandler(service WorkflowService, logger *slog.Logger) *WorkflowsHandler {
	return &WorkflowsHandler{service: service, logger: logger}
}

// RegisterRoutes registers the workflow endpoints on the mux.
func (h *WorkflowsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/workflows", h.handleRegister)
	mux.HandleFunc("POST /api/v1/workflows/register", h.handleRegister)
	mux.HandleFunc("POST /api/v1/workflows/plan", h.handlePlan)
	mux.HandleFunc("POST /api/v1/workflows/validate", h.handleValidate)
	mux.HandleFunc("POST /api/v1/workflows/submit", h.handleSubmitBody)
	mux.HandleFunc("GET /api/v1/workflows", h.handleList)
	mux.HandleFunc("GET /api/v1/workflows/{id}", h.handleGet)
	mux.HandleFunc("GET /api/v1/workflows/{id}/status", h.handleStatus)
	mux.HandleFunc("POST /api/v1/workflows/{id}/submit", h.handleSubmit)
	mux.HandleFunc("POST /api/v1/workflows/{id}/cancel", h.handleCancel)
}

// workflowResponse is the envelope returned for create operations.
type workflowResponse struct {
	WorkflowID   string   `json:"workflow_id"`
	WorkflowName string   `json:"workflow_name"`
	Status       string   `json:"status"`
	StepCount    int      `json:"step_count"`
	Warnings     []string `json:"warnings,omitempty"`
}

func (h *WorkflowsHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	doc, ok := decodeDocument(w, r)
	if !ok {
		return
	}
	wf, warnings, err := h.service.Register(r.Context(), doc, authToken(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.logger.Info("workflow registered",
		"workflow_id", wf.WorkflowID,
		"workflow_name", wf.WorkflowName)
	writeJSON(w, http.StatusCreated, workflowResponse{
		WorkflowID:   wf.WorkflowID,
		WorkflowName: wf.WorkflowName,
		Status:       string(wf.Status),
		StepCount:    len(wf.Steps),
		Warnings:     warnings,
	})
}

func (h *WorkflowsHandler) handlePlan(w http.ResponseWriter, r *http.Request) {
	doc, ok := decodeDocument(w, r)
	if !ok {
		return
	}
	wf, warnings, err := h.service.Plan(r.Context(), doc, authToken(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, workflowResponse{
		WorkflowID:   wf.WorkflowID,
		WorkflowName: wf.WorkflowName,
		Status:       string(wf.Status),
		StepCount:    len(wf.Steps),
		Warnings:     warnings,
	})
}

func (h *WorkflowsHandler) handleValidate(w http.ResponseWriter, r *http.Request) {
	doc, ok := decodeDocument(w, r)
	if !ok {
		return
	}
	wf, warnings, err := h.service.Validate(r.Context(), doc, authToken(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if warnings == nil {
		warnings = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":         true,
		"workflow_json": wf,
		"warnings":      warnings,
		// Coercions and defaults are already folded into workflow_json;
		// the list is kept for response compatibility.
		"auto_fixes": []string{},
	})
}

// handleSubmitBody serves the body-addressed submit endpoint. A body
// holding only a workflow_id promotes that planned workflow; a full
// workflow document is compiled and admitted directly as pending.
func (h *WorkflowsHandler) handleSubmitBody(w http.ResponseWriter, r *http.Request) {
	doc, ok := decodeDocument(w, r)
	if !ok {
		return
	}
	if id, _ := doc["workflow_id"].(string); id != "" && doc["steps"] == nil && doc["workflow"] == nil {
		wf, err := h.service.Submit(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, workflowResponse{
			WorkflowID:   wf.WorkflowID,
			WorkflowName: wf.WorkflowName,
			Status:       string(wf.Status),
			StepCount:    len(wf.Steps),
		})
		return
	}
	wf, warnings, err := h.service.SubmitDocument(r.Context(), doc, authToken(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workflowResponse{
		WorkflowID:   wf.WorkflowID,
		WorkflowName: wf.WorkflowName,
		Status:       string(wf.Status),
		StepCount:    len(wf.Steps),
		Warnings:     warnings,
	})
}

func (h *WorkflowsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	workflows, err := h.service.List(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if workflows == nil {
		workflows = []*model.Workflow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workflows": workflows,
		"count":     len(workflows),
	})
}

func (h *WorkflowsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	wf, err := h.service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (h *WorkflowsHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *WorkflowsHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	wf, err := h.service.Submit(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workflowResponse{
		WorkflowID:   wf.WorkflowID,
		WorkflowName: wf.WorkflowName,
		Status:       string(wf.Status),
		StepCount:    len(wf.Steps),
	})
}

func (h *WorkflowsHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	wf, err := h.service.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workflowResponse{
		WorkflowID:   wf.WorkflowID,
		WorkflowName: wf.WorkflowName,
		Status:       string(wf.Status),
		StepCount:    len(wf.Steps),
	})
}

// decodeDocument reads the request body as a workflow document. It
// writes the error response itself when the body is not valid JSON.
func decodeDocument(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	var doc map[string]any
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be a JSON workflow document")
		return nil, false
	}
	return doc, true
}

// authToken returns the caller's token. The scheduler client strips a
// Bearer prefix itself, so the header is passed through untouched.
func authToken(r *http.Request) string {
	return r.Header.Get("Authorization")
}
