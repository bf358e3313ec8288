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

// Package wflog writes a per-workflow execution log file. Each active
// workflow gets <dir>/<workflow_id>.log with one timestamped line per
// lifecycle event, so a user can follow a single workflow without
// grepping the service log.
package wflog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Manager owns the open per-workflow log files. Files open lazily on
// the first event and stay open until the workflow retires. A Manager
// with an empty directory is a no-op, which keeps tests and
// log-to-stdout deployments simple.
type Manager struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	files map[string]*os.File
}

// NewManager creates a manager writing under dir. The directory is
// created on first use.
func NewManager(dir string, logger *slog.Logger) *Manager {
	return &Manager{
		dir:    dir,
		logger: logger,
		files:  make(map[string]*os.File),
	}
}

// Path returns the log file path for a workflow, or "" when file
// logging is disabled.
func (m *Manager) Path(workflowID string) string {
	if m.dir == "" {
		return ""
	}
	return filepath.Join(m.dir, workflowID+".log")
}

// Event appends one formatted event line to the workflow's log file.
// Logging failures are reported to the service log and otherwise
// swallowed; a full disk must not stop the executor.
func (m *Manager) Event(workflowID, event, format string, args ...any) {
	if m.dir == "" {
		return
	}
	file, err := m.file(workflowID)
	if err != nil {
		m.logger.Warn("cannot open workflow log file",
			"workflow_id", workflowID, "error", err)
		return
	}
	line := fmt.Sprintf("%s [%s] %s\n",
		time.Now().UTC().Format(time.RFC3339), event, fmt.Sprintf(format, args...))
	if _, err := file.WriteString(line); err != nil {
		m.logger.Warn("cannot write workflow log file",
			"workflow_id", workflowID, "error", err)
	}
}

// Close closes the workflow's log file, typically when the workflow
// reaches a terminal status.
func (m *Manager) Close(workflowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if file, ok := m.files[workflowID]; ok {
		_ = file.Close()
		delete(m.files, workflowID)
	}
}

// CloseAll closes every open log file. Called on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, file := range m.files {
		_ = file.Close()
		delete(m.files, id)
	}
}

func (m *Manager) file(workflowID string) (*os.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if file, ok := m.files[workflowID]; ok {
		return file, nil
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(m.Path(workflowID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	m.files[workflowID] = file
	return file, nil
}
