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

package errors

import (
	"fmt"
	"strings"
)

// ValidationError represents user input validation failures.
// Use this for invalid workflow JSON, malformed step parameters,
// or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// CompileError carries the batched outcome of a workflow compile pass.
// Each entry is one human-readable violation; nothing is persisted when
// a compile fails.
type CompileError struct {
	// Workflow is the workflow name, when known
	Workflow string

	// Errors holds one line per violation
	Errors []string
}

// Error implements the error interface.
func (e *CompileError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0]
	}
	return fmt.Sprintf("workflow validation failed with %d error(s):\n%s",
		len(e.Errors), strings.Join(e.Errors, "\n"))
}

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow", "step")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConflictError represents a state conflict, such as inserting a duplicate
// workflow id or cancelling a workflow that already reached a terminal status.
type ConflictError struct {
	// Resource is the type of resource (e.g., "workflow")
	Resource string

	// ID is the conflicting identifier
	ID string

	// Message describes the conflict
	Message string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: %s", e.Resource, e.ID, e.Message)
	}
	return fmt.Sprintf("%s already exists: %s", e.Resource, e.ID)
}

// SubmissionError represents a JSON-RPC error envelope returned by the
// scheduler. The step that triggered it is marked failed; transport
// problems are a TransientError instead.
type SubmissionError struct {
	// App is the application the step was submitted to
	App string

	// Code is the JSON-RPC error code
	Code int

	// Message is the JSON-RPC error message
	Message string

	// Data carries the error envelope's data member, if any
	Data any
}

// Error implements the error interface.
func (e *SubmissionError) Error() string {
	msg := "scheduler error"
	if e.App != "" {
		msg = fmt.Sprintf("scheduler error for app %s", e.App)
	}
	if e.Code != 0 {
		msg = fmt.Sprintf("%s (%d)", msg, e.Code)
	}
	return fmt.Sprintf("%s: %s", msg, e.Message)
}

// TransientError represents a failure that is safe to retry on the next
// poll cycle: timeouts, connection errors, 5xx transport failures.
type TransientError struct {
	// Op describes what was being attempted (e.g., "query_tasks")
	Op string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TransientError) Unwrap() error {
	return e.Cause
}

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "mongodb.host")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}
