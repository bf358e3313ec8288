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

// Package resolver substitutes ${...} variable references in workflow
// documents. Resolution happens in three registration-time passes,
// then again at runtime for cross-step references whose values only
// exist once upstream steps have finished.
package resolver

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/BV-BRC/workflow-engine/internal/model"
)

var (
	varPattern       = regexp.MustCompile(`\$\{([^}]+)\}`)
	simpleVarPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	workflowOutputRe = regexp.MustCompile(`^\$\{steps\.([^.}]+)\.outputs\.([^.}]+)\}$`)
)

// Resolve runs the three static passes over a workflow in place:
// base-context substitution, per-step ${params.*} substitution inside
// outputs, and workflow_outputs substitution.
func Resolve(wf *model.Workflow) error {
	if err := ResolveBaseContext(wf); err != nil {
		return err
	}
	if err := ResolveStepParams(wf); err != nil {
		return err
	}
	return ResolveWorkflowOutputs(wf)
}

// ResolveBaseContext substitutes simple ${name} references from the
// workflow's base_context, falling back to environment variables. It
// rewrites base_context values first, then every step's params and
// outputs and the workflow_outputs list. A simple reference that
// resolves nowhere is an error; dotted references are left for the
// later passes.
func ResolveBaseContext(wf *model.Workflow) error {
	lookup := func(name, skip string) (string, bool) {
		if name != skip {
			if v, ok := wf.BaseContext[name]; ok {
				return v, true
			}
		}
		if v, ok := os.LookupEnv(name); ok {
			return v, true
		}
		return "", false
	}

	for key, value := range wf.BaseContext {
		resolved, err := resolveSimple(value, fmt.Sprintf("base_context.%s", key),
			func(name string) (string, bool) { return lookup(name, key) })
		if err != nil {
			return err
		}
		wf.BaseContext[key] = resolved
	}

	full := func(name string) (string, bool) { return lookup(name, "") }
	for i := range wf.Steps {
		step := &wf.Steps[i]
		ctx := fmt.Sprintf("step '%s'", step.StepName)
		if err := resolveSimpleInMap(step.Params, ctx+" params", full); err != nil {
			return err
		}
		if err := resolveSimpleInMap(step.Outputs, ctx+" outputs", full); err != nil {
			return err
		}
	}
	for i, out := range wf.WorkflowOutputs {
		resolved, err := resolveSimple(out, fmt.Sprintf("workflow_outputs[%d]", i), full)
		if err != nil {
			return err
		}
		wf.WorkflowOutputs[i] = resolved
	}
	return nil
}

// ResolveStepParams substitutes ${params.KEY} references inside each
// step's outputs from that step's own params.
func ResolveStepParams(wf *model.Workflow) error {
	for i := range wf.Steps {
		step := &wf.Steps[i]
		for key, value := range step.Outputs {
			resolved, err := resolveValue(value, func(s string) (string, error) {
				return substituteParams(s, step)
			})
			if err != nil {
				return err
			}
			step.Outputs[key] = resolved
		}
	}
	return nil
}

func substituteParams(s string, step *model.Step) (string, error) {
	var firstErr error
	result := varPattern.ReplaceAllStringFunc(s, func(match string) string {
		inner := match[2 : len(match)-1]
		if !strings.HasPrefix(inner, "params.") {
			return match
		}
		key := strings.TrimPrefix(inner, "params.")
		value, ok := step.Params[key]
		if !ok {
			if firstErr == nil {
				firstErr = fmt.Errorf(
					"Cannot resolve variable '%s' in step '%s' outputs. Parameter '%s' not found in step params.",
					match, step.StepName, key)
			}
			return match
		}
		return stringify(value)
	})
	return result, firstErr
}

// ResolveWorkflowOutputs replaces each ${steps.NAME.outputs.KEY} entry
// in workflow_outputs with the step's declared output value, which the
// earlier passes have already expanded. Entries that are not references
// are kept as-is, so a document whose outputs were substituted on a
// previous compile passes through unchanged.
func ResolveWorkflowOutputs(wf *model.Workflow) error {
	for i, out := range wf.WorkflowOutputs {
		m := workflowOutputRe.FindStringSubmatch(out)
		if m == nil {
			continue
		}
		stepName, outputKey := m[1], m[2]
		step := wf.StepByName(stepName)
		if step == nil {
			return fmt.Errorf("Step '%s' not found.", stepName)
		}
		value, ok := step.Outputs[outputKey]
		if !ok {
			return fmt.Errorf("Output '%s' not found in step '%s' outputs.", outputKey, stepName)
		}
		wf.WorkflowOutputs[i] = stringify(value)
	}
	return nil
}

// ResolveRuntime substitutes ${steps.NAME.outputs.KEY} and
// ${steps.NAME.params.KEY} references against the workflow's current
// step state. References that do not resolve are left in place with a
// warning so a partially-resolved value is still visible downstream.
func ResolveRuntime(value any, wf *model.Workflow, logger *slog.Logger) any {
	resolved, _ := resolveValue(value, func(s string) (string, error) {
		return varPattern.ReplaceAllStringFunc(s, func(match string) string {
			inner := match[2 : len(match)-1]
			parts := strings.Split(inner, ".")
			if len(parts) != 4 || parts[0] != "steps" {
				return match
			}
			step := wf.StepByName(parts[1])
			if step == nil {
				logger.Warn("unresolved step reference", "reference", match)
				return match
			}
			var source map[string]any
			switch parts[2] {
			case "outputs":
				source = step.Outputs
			case "params":
				source = step.Params
			default:
				return match
			}
			v, ok := source[parts[3]]
			if !ok {
				logger.Warn("unresolved step reference", "reference", match)
				return match
			}
			return stringify(v)
		}), nil
	})
	return resolved
}

// resolveSimple replaces simple ${name} references in one string.
func resolveSimple(s, ctx string, lookup func(string) (string, bool)) (string, error) {
	var firstErr error
	result := varPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		if !simpleVarPattern.MatchString(name) {
			return match
		}
		value, ok := lookup(name)
		if !ok {
			if firstErr == nil {
				firstErr = fmt.Errorf(
					"Cannot resolve variable '%s' in %s. Variable not found in base_context or environment variables.",
					match, ctx)
			}
			return match
		}
		return value
	})
	return result, firstErr
}

func resolveSimpleInMap(m map[string]any, ctx string, lookup func(string) (string, bool)) error {
	for key, value := range m {
		resolved, err := resolveValue(value, func(s string) (string, error) {
			return resolveSimple(s, fmt.Sprintf("%s.%s", ctx, key), lookup)
		})
		if err != nil {
			return err
		}
		m[key] = resolved
	}
	return nil
}

// resolveValue applies a string transform recursively through nested
// maps and lists.
func resolveValue(value any, transform func(string) (string, error)) (any, error) {
	switch v := value.(type) {
	case string:
		return transform(v)
	case map[string]any:
		for key, inner := range v {
			resolved, err := resolveValue(inner, transform)
			if err != nil {
				return nil, err
			}
			v[key] = resolved
		}
		return v, nil
	case []any:
		for i, inner := range v {
			resolved, err := resolveValue(inner, transform)
			if err != nil {
				return nil, err
			}
			v[i] = resolved
		}
		return v, nil
	default:
		return value, nil
	}
}

func stringify(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", value)
}
