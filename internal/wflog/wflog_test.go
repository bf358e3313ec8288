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

package wflog

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEventWritesLines(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, discard())
	defer m.CloseAll()

	m.Event("wf_1", "start", "workflow 'assembly-pipeline' started with %d steps", 2)
	m.Event("wf_1", "submit", "step 'assemble' submitted as task %s", "task-9")
	m.Close("wf_1")

	data, err := os.ReadFile(filepath.Join(dir, "wf_1.log"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "[start] workflow 'assembly-pipeline' started with 2 steps")
	assert.Contains(t, lines[1], "[submit] step 'assemble' submitted as task task-9")
}

func TestEventAppendsAfterClose(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, discard())
	defer m.CloseAll()

	m.Event("wf_1", "start", "first")
	m.Close("wf_1")
	m.Event("wf_1", "resume", "second")
	m.Close("wf_1")

	data, err := os.ReadFile(m.Path("wf_1"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "first")
	assert.Contains(t, string(data), "second")
}

func TestDisabledManager(t *testing.T) {
	m := NewManager("", discard())
	assert.Equal(t, "", m.Path("wf_1"))
	// Must not panic or create anything.
	m.Event("wf_1", "start", "noop")
	m.Close("wf_1")
	m.CloseAll()
}
