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

package compiler

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/BV-BRC/workflow-engine/internal/model"
	"github.com/BV-BRC/workflow-engine/internal/workspace"
	"github.com/BV-BRC/workflow-engine/pkg/errors"
)

// Deconflicter renames step output files that would collide with
// existing workspace objects. BV-BRC services write both
// <path>/<file> and the hidden <path>/.<file> job directory, so both
// spellings are checked. Workspace trouble never blocks registration;
// the check fails open.
type Deconflicter struct {
	checker     workspace.Checker
	enabled     bool
	maxAttempts int
	logger      *slog.Logger
}

// Apply rewrites output_file parameters in place where needed. Steps
// without both output_path and output_file are ignored, as are steps
// whose output_path still carries unresolved step references. Without
// an auth token the workspace cannot be queried, so the whole pass is
// skipped.
func (d *Deconflicter) Apply(ctx context.Context, wf *model.Workflow, token string) error {
	if !d.enabled || d.checker == nil || token == "" {
		return nil
	}
	attempts := d.maxAttempts
	if attempts <= 0 {
		attempts = 100
	}

	for i := range wf.Steps {
		step := &wf.Steps[i]
		path, _ := step.Params["output_path"].(string)
		file, _ := step.Params["output_file"].(string)
		if path == "" || file == "" {
			continue
		}
		if strings.Contains(path, "${") {
			// Depends on another step's output; nothing to check yet.
			continue
		}

		name, err := d.uniqueName(ctx, path, file, attempts, token)
		if err != nil {
			var transient *errors.TransientError
			if errors.As(err, &transient) {
				d.logger.Warn("workspace unavailable, skipping output conflict check",
					"step_name", step.StepName, "error", err)
				continue
			}
			return &errors.CompileError{Workflow: wf.WorkflowName, Errors: []string{
				fmt.Sprintf("Cannot find unique output name for step '%s' after %d attempts", step.StepName, attempts),
			}}
		}
		if name != file {
			d.logger.Info("renamed output file to avoid collision",
				"step_name", step.StepName, "from", file, "to", name)
			step.Params["output_file"] = name
			reflectRename(step, wf, file, name)
		}
	}
	return nil
}

// reflectRename rewrites occurrences of the old output_file name in the
// step's declared outputs and in workflow_outputs, both of which were
// expanded from ${params.output_file} before the deconflict pass ran.
// Only whole path segments match, so a file named "asm" never rewrites
// a sibling named "asm_backup".
func reflectRename(step *model.Step, wf *model.Workflow, from, to string) {
	re := regexp.MustCompile(`(^|[/.])` + regexp.QuoteMeta(from) + `($|[/.])`)
	rewrite := func(s string) string {
		return re.ReplaceAllString(s, "${1}"+to+"${2}")
	}
	for key, value := range step.Outputs {
		step.Outputs[key] = rewriteStrings(value, rewrite)
	}
	for i, out := range wf.WorkflowOutputs {
		wf.WorkflowOutputs[i] = rewrite(out)
	}
}

// rewriteStrings applies a string transform through nested maps and
// lists.
func rewriteStrings(value any, fn func(string) string) any {
	switch v := value.(type) {
	case string:
		return fn(v)
	case map[string]any:
		for key, inner := range v {
			v[key] = rewriteStrings(inner, fn)
		}
		return v
	case []any:
		for i, inner := range v {
			v[i] = rewriteStrings(inner, fn)
		}
		return v
	default:
		return value
	}
}

var errExhausted = fmt.Errorf("no unique name found")

func (d *Deconflicter) uniqueName(ctx context.Context, path, file string, attempts int, token string) (string, error) {
	for k := 1; k <= attempts+1; k++ {
		name := file
		if k > 1 {
			name = fmt.Sprintf("%s_%d", file, k)
		}
		taken, err := d.taken(ctx, path, name, token)
		if err != nil {
			return "", err
		}
		if !taken {
			return name, nil
		}
	}
	return "", errExhausted
}

func (d *Deconflicter) taken(ctx context.Context, path, name, token string) (bool, error) {
	for _, candidate := range []string{joinPath(path, name), joinPath(path, "."+name)} {
		exists, err := d.checker.Exists(ctx, candidate, token)
		if err != nil {
			return false, err
		}
		if exists {
			return true, nil
		}
	}
	return false, nil
}

// joinPath concatenates workspace path segments, collapsing doubled
// slashes the way the workspace service does.
func joinPath(path, name string) string {
	joined := path + "/" + name
	for strings.Contains(joined, "//") {
		joined = strings.ReplaceAll(joined, "//", "/")
	}
	return joined
}
