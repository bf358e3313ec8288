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
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/BV-BRC/workflow-engine/pkg/errors"
)

// writeJSON writes a JSON response with the given status code and data.
// If encoding fails, it logs the error.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to write JSON response", slog.Any("error", err))
	}
}

// writeError writes a JSON error response with the given status code
// and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeDomainError maps a domain error onto the right status code.
// Compile errors carry their individual messages so a client can show
// every validation problem at once.
func writeDomainError(w http.ResponseWriter, err error) {
	var compileErr *errors.CompileError
	if errors.As(err, &compileErr) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "workflow validation failed",
			"errors": compileErr.Errors,
		})
		return
	}
	switch {
	// Lifecycle conflicts (resubmitting or cancelling a terminal
	// workflow) are client errors, same as validation failures.
	case errors.IsValidation(err), errors.IsConflict(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
