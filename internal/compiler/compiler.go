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

// Package compiler turns a raw workflow document into a validated
// model.Workflow ready for registration. Compilation runs a fixed
// pipeline: structural checks, input cleaning, variable resolution,
// type coercion, per-application validation, dependency analysis and
// output-path deconfliction. Validation problems are batched so a
// submitter sees every error at once instead of fixing them one by
// one.
package compiler

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/BV-BRC/workflow-engine/internal/coerce"
	"github.com/BV-BRC/workflow-engine/internal/dag"
	"github.com/BV-BRC/workflow-engine/internal/model"
	"github.com/BV-BRC/workflow-engine/internal/resolver"
	"github.com/BV-BRC/workflow-engine/internal/validate"
	"github.com/BV-BRC/workflow-engine/internal/workspace"
	"github.com/BV-BRC/workflow-engine/pkg/errors"
)

// Compiler validates and normalizes workflow documents.
type Compiler struct {
	registry   *validate.Registry
	deconflict *Deconflicter
	logger     *slog.Logger
}

// Options configures a Compiler.
type Options struct {
	Registry *validate.Registry
	// Checker resolves workspace object existence for output-path
	// deconfliction. Nil disables the check.
	Checker               workspace.Checker
	CheckOutputConflicts  bool
	MaxOutputFileAttempts int
	Logger                *slog.Logger
}

// New builds a Compiler.
func New(opts Options) *Compiler {
	registry := opts.Registry
	if registry == nil {
		registry = validate.NewRegistry()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Compiler{
		registry: registry,
		deconflict: &Deconflicter{
			checker:     opts.Checker,
			enabled:     opts.CheckOutputConflicts,
			maxAttempts: opts.MaxOutputFileAttempts,
			logger:      logger,
		},
		logger: logger,
	}
}

// Compile runs the full pipeline over a raw workflow document and
// returns the validated workflow plus any validator warnings. The
// returned workflow carries no ids; registration assigns those.
func (c *Compiler) Compile(ctx context.Context, doc map[string]any, token string) (*model.Workflow, []string, error) {
	doc = unwrap(doc)

	if _, ok := doc["workflow_id"]; ok {
		return nil, nil, &errors.CompileError{Errors: []string{
			"Input workflow should not contain 'workflow_id'. IDs are assigned by the scheduler.",
		}}
	}

	wf, err := parse(doc)
	if err != nil {
		return nil, nil, err
	}
	name := wf.WorkflowName

	if errs := schemaErrors(wf); len(errs) > 0 {
		return nil, nil, &errors.CompileError{Workflow: name, Errors: errs}
	}

	for i := range wf.Steps {
		cleanEmptyLists(wf.Steps[i].App, wf.Steps[i].Params)
	}

	if err := resolver.Resolve(wf); err != nil {
		return nil, nil, &errors.CompileError{Workflow: name, Errors: []string{err.Error()}}
	}

	for i := range wf.Steps {
		wf.Steps[i].App = validate.CanonicalApp(wf.Steps[i].App)
		coerce.Apply(wf.Steps[i].App, wf.Steps[i].Params)
	}

	var batch []string
	for i := range wf.Steps {
		step := &wf.Steps[i]
		for _, msg := range coerce.CheckRequired(step.App, step.Params) {
			batch = append(batch, fmt.Sprintf("Step '%s' (%s): %s", step.StepName, step.App, msg))
		}
	}
	if len(batch) > 0 {
		return nil, nil, &errors.CompileError{Workflow: name, Errors: batch}
	}

	var warnings []string
	for i := range wf.Steps {
		step := &wf.Steps[i]
		step.Params = c.registry.ApplyDefaults(step.App, step.Params)
		validator, ok := c.registry.Validator(step.App)
		if !ok {
			continue
		}
		res := validator.Validate(step.Params, step.Outputs)
		step.Params = res.Params
		for _, w := range res.Warnings {
			warnings = append(warnings, fmt.Sprintf("Step '%s' (%s): %s", step.StepName, step.App, w))
		}
		for _, e := range res.Errors {
			batch = append(batch, fmt.Sprintf("Step '%s' (%s): %s", step.StepName, step.App, e))
		}
	}
	if len(batch) > 0 {
		return nil, nil, &errors.CompileError{Workflow: name, Errors: batch}
	}

	if err := checkDependencies(wf); err != nil {
		return nil, nil, &errors.CompileError{Workflow: name, Errors: []string{err.Error()}}
	}
	if errs := checkStepReferences(wf); len(errs) > 0 {
		return nil, nil, &errors.CompileError{Workflow: name, Errors: errs}
	}

	if err := c.deconflict.Apply(ctx, wf, token); err != nil {
		return nil, nil, err
	}

	for _, w := range warnings {
		c.logger.Warn("workflow validation warning", "workflow_name", name, "warning", w)
	}
	return wf, warnings, nil
}

// Plan runs only the light half of the pipeline: envelope unwrap,
// empty-list cleanup and base-context resolution. Schema checks and
// per-application validation are deferred to the submit-time compile.
// Unlike Compile, a caller-supplied workflow_id is adopted rather than
// rejected; step_id remains forbidden.
func (c *Compiler) Plan(doc map[string]any) (*model.Workflow, error) {
	doc = unwrap(doc)

	wf, err := parse(doc)
	if err != nil {
		return nil, err
	}
	if id, ok := doc["workflow_id"].(string); ok {
		wf.WorkflowID = id
	}

	for i := range wf.Steps {
		cleanEmptyLists(wf.Steps[i].App, wf.Steps[i].Params)
	}

	if err := resolver.ResolveBaseContext(wf); err != nil {
		return nil, &errors.CompileError{Workflow: wf.WorkflowName, Errors: []string{err.Error()}}
	}
	return wf, nil
}

// unwrap descends into a {"workflow": {...}} envelope if the document
// arrived wrapped.
func unwrap(doc map[string]any) map[string]any {
	if _, hasSteps := doc["steps"]; hasSteps {
		return doc
	}
	if inner, ok := doc["workflow"].(map[string]any); ok {
		return inner
	}
	return doc
}

func parse(doc map[string]any) (*model.Workflow, error) {
	wf := &model.Workflow{
		BaseContext: make(map[string]string),
	}
	wf.WorkflowName, _ = doc["workflow_name"].(string)
	wf.Version, _ = doc["version"].(string)

	if bc, ok := doc["base_context"].(map[string]any); ok {
		for k, v := range bc {
			wf.BaseContext[k] = fmt.Sprintf("%v", v)
		}
	}

	rawSteps, _ := doc["steps"].([]any)
	for i, raw := range rawSteps {
		stepDoc, ok := raw.(map[string]any)
		if !ok {
			return nil, &errors.CompileError{Workflow: wf.WorkflowName, Errors: []string{
				fmt.Sprintf("steps[%d] must be an object", i),
			}}
		}
		if _, has := stepDoc["step_id"]; has {
			return nil, &errors.CompileError{Workflow: wf.WorkflowName, Errors: []string{
				"Input steps should not contain 'step_id'. IDs are assigned by the scheduler.",
			}}
		}
		step := model.Step{
			Status:  model.StepPending,
			Params:  map[string]any{},
			Outputs: map[string]any{},
		}
		step.StepName, _ = stepDoc["step_name"].(string)
		step.App, _ = stepDoc["app"].(string)
		if params, ok := stepDoc["params"].(map[string]any); ok {
			step.Params = params
		}
		if outputs, ok := stepDoc["outputs"].(map[string]any); ok {
			step.Outputs = outputs
		}
		if deps, ok := stepDoc["depends_on"].([]any); ok {
			for _, d := range deps {
				if s, ok := d.(string); ok {
					step.DependsOn = append(step.DependsOn, s)
				}
			}
		}
		wf.Steps = append(wf.Steps, step)
	}

	if outs, ok := doc["workflow_outputs"].([]any); ok {
		for _, o := range outs {
			if s, ok := o.(string); ok {
				wf.WorkflowOutputs = append(wf.WorkflowOutputs, s)
			}
		}
	}
	return wf, nil
}

func schemaErrors(wf *model.Workflow) []string {
	var errs []string
	if strings.TrimSpace(wf.WorkflowName) == "" {
		errs = append(errs, "'workflow_name' is required")
	}
	if len(wf.Steps) == 0 {
		errs = append(errs, "Workflow must contain at least one step")
	}
	seen := make(map[string]bool, len(wf.Steps))
	for i, step := range wf.Steps {
		if strings.TrimSpace(step.StepName) == "" {
			errs = append(errs, fmt.Sprintf("steps[%d] is missing 'step_name'", i))
			continue
		}
		if strings.TrimSpace(step.App) == "" {
			errs = append(errs, fmt.Sprintf("Step '%s' is missing 'app'", step.StepName))
		}
		if seen[step.StepName] {
			errs = append(errs, fmt.Sprintf("Duplicate step name '%s'", step.StepName))
		}
		seen[step.StepName] = true
	}
	return errs
}

// cgaListFields and taxListFields are the library parameters UIs send
// as empty lists when the user picked a different input source. The
// services reject empty lists, so they are dropped before validation.
var (
	cgaListFields = []string{"paired_end_libs", "single_end_libs", "srr_ids"}
	taxListFields = []string{"paired_end_libs", "single_end_libs", "srr_libs"}
)

func cleanEmptyLists(app string, params map[string]any) {
	var fields []string
	switch coerce.NormalizeApp(app) {
	case "comprehensivegenomeanalysis":
		fields = cgaListFields
	case "taxonomicclassification":
		fields = taxListFields
	default:
		return
	}
	for _, field := range fields {
		if list, ok := params[field].([]any); ok && len(list) == 0 {
			delete(params, field)
		}
	}
}

func checkDependencies(wf *model.Workflow) error {
	g, err := dag.Build(wf.Steps)
	if err != nil {
		return err
	}
	return g.Validate()
}

var stepRefPattern = regexp.MustCompile(`\$\{steps\.([^.}]+)\.[^}]*\}`)

// checkStepReferences verifies that every ${steps.NAME...} reference
// in params, outputs and workflow_outputs names a real step.
func checkStepReferences(wf *model.Workflow) []string {
	names := make(map[string]bool, len(wf.Steps))
	for _, step := range wf.Steps {
		names[step.StepName] = true
	}

	var errs []string
	check := func(ctx string, value any) {
		walkStrings(value, func(s string) {
			for _, m := range stepRefPattern.FindAllStringSubmatch(s, -1) {
				if !names[m[1]] {
					errs = append(errs, fmt.Sprintf(
						"In %s: Variable reference '%s' refers to unknown step '%s'", ctx, m[0], m[1]))
				}
			}
		})
	}

	for _, step := range wf.Steps {
		check(fmt.Sprintf("step '%s' params", step.StepName), step.Params)
		check(fmt.Sprintf("step '%s' outputs", step.StepName), step.Outputs)
	}
	for i, out := range wf.WorkflowOutputs {
		check(fmt.Sprintf("workflow_outputs[%d]", i), out)
	}
	return errs
}

func walkStrings(value any, fn func(string)) {
	switch v := value.(type) {
	case string:
		fn(v)
	case map[string]any:
		for _, inner := range v {
			walkStrings(inner, fn)
		}
	case []any:
		for _, inner := range v {
			walkStrings(inner, fn)
		}
	}
}
