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

package resolver

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BV-BRC/workflow-engine/internal/model"
)

func TestResolveBaseContext(t *testing.T) {
	wf := &model.Workflow{
		BaseContext: map[string]string{
			"user_home":   "/user@bvbrc/home",
			"output_base": "${user_home}/results",
		},
		Steps: []model.Step{
			{
				StepName: "annotate",
				App:      "GenomeAnnotation",
				Params: map[string]any{
					"output_path": "${output_base}/annotation",
					"contigs":     "${steps.assemble.outputs.contigs_fasta}",
				},
				Outputs: map[string]any{
					"genome_file": "${output_base}/annotation.genome",
				},
			},
		},
	}

	require.NoError(t, ResolveBaseContext(wf))
	assert.Equal(t, "/user@bvbrc/home/results", wf.BaseContext["output_base"])
	assert.Equal(t, "/user@bvbrc/home/results/annotation", wf.Steps[0].Params["output_path"])
	assert.Equal(t, "/user@bvbrc/home/results/annotation.genome", wf.Steps[0].Outputs["genome_file"])
	// Dotted references are left for later passes.
	assert.Equal(t, "${steps.assemble.outputs.contigs_fasta}", wf.Steps[0].Params["contigs"])
}

func TestResolveBaseContextFromEnv(t *testing.T) {
	t.Setenv("DEPLOY_TIER", "staging")
	wf := &model.Workflow{
		Steps: []model.Step{
			{StepName: "s1", Params: map[string]any{"tier": "${DEPLOY_TIER}"}},
		},
	}
	require.NoError(t, ResolveBaseContext(wf))
	assert.Equal(t, "staging", wf.Steps[0].Params["tier"])
}

func TestResolveBaseContextUnknownVariable(t *testing.T) {
	wf := &model.Workflow{
		Steps: []model.Step{
			{StepName: "s1", Params: map[string]any{"path": "${no_such_var_xyz}"}},
		},
	}
	err := ResolveBaseContext(wf)
	require.Error(t, err)
	assert.Contains(t, err.Error(),
		"Cannot resolve variable '${no_such_var_xyz}' in step 's1' params.path. Variable not found in base_context or environment variables.")
}

func TestResolveBaseContextNested(t *testing.T) {
	wf := &model.Workflow{
		BaseContext: map[string]string{"home": "/user@bvbrc/home"},
		Steps: []model.Step{
			{
				StepName: "assemble",
				Params: map[string]any{
					"paired_end_libs": []any{
						map[string]any{"read1": "${home}/r1.fq", "read2": "${home}/r2.fq"},
					},
				},
			},
		},
	}
	require.NoError(t, ResolveBaseContext(wf))
	libs := wf.Steps[0].Params["paired_end_libs"].([]any)
	lib := libs[0].(map[string]any)
	assert.Equal(t, "/user@bvbrc/home/r1.fq", lib["read1"])
}

func TestResolveStepParams(t *testing.T) {
	wf := &model.Workflow{
		Steps: []model.Step{
			{
				StepName: "annotate",
				Params: map[string]any{
					"output_path": "/user@bvbrc/home",
					"output_file": "anno",
				},
				Outputs: map[string]any{
					"genome_file": "${params.output_path}/.${params.output_file}/annotation.genome",
				},
			},
		},
	}
	require.NoError(t, ResolveStepParams(wf))
	assert.Equal(t, "/user@bvbrc/home/.anno/annotation.genome", wf.Steps[0].Outputs["genome_file"])
}

func TestResolveStepParamsMissing(t *testing.T) {
	wf := &model.Workflow{
		Steps: []model.Step{
			{
				StepName: "annotate",
				Params:   map[string]any{},
				Outputs:  map[string]any{"genome_file": "${params.output_path}/x"},
			},
		},
	}
	err := ResolveStepParams(wf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Cannot resolve variable '${params.output_path}' in step 'annotate' outputs.")
}

func TestResolveWorkflowOutputs(t *testing.T) {
	wf := &model.Workflow{
		Steps: []model.Step{
			{StepName: "annotate", Outputs: map[string]any{"genome_file": "/x"}},
		},
		WorkflowOutputs: []string{"${steps.annotate.outputs.genome_file}"},
	}
	require.NoError(t, ResolveWorkflowOutputs(wf))
	// References are replaced with the declared output value.
	assert.Equal(t, []string{"/x"}, wf.WorkflowOutputs)

	wf.WorkflowOutputs = []string{"${steps.missing.outputs.genome_file}"}
	err := ResolveWorkflowOutputs(wf)
	require.Error(t, err)
	assert.Equal(t, "Step 'missing' not found.", err.Error())

	wf.WorkflowOutputs = []string{"${steps.annotate.outputs.nope}"}
	err = ResolveWorkflowOutputs(wf)
	require.Error(t, err)
	assert.Equal(t, "Output 'nope' not found in step 'annotate' outputs.", err.Error())

	// Already-substituted values survive a second pass untouched.
	wf.WorkflowOutputs = []string{"/x"}
	require.NoError(t, ResolveWorkflowOutputs(wf))
	assert.Equal(t, []string{"/x"}, wf.WorkflowOutputs)
}

func TestResolveRuntime(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	wf := &model.Workflow{
		Steps: []model.Step{
			{
				StepName: "assemble",
				Params:   map[string]any{"output_path": "/user@bvbrc/home"},
				Outputs:  map[string]any{"contigs_fasta": "/user@bvbrc/home/.asm/contigs.fasta"},
			},
		},
	}

	got := ResolveRuntime("${steps.assemble.outputs.contigs_fasta}", wf, logger)
	assert.Equal(t, "/user@bvbrc/home/.asm/contigs.fasta", got)

	got = ResolveRuntime("${steps.assemble.params.output_path}/extra", wf, logger)
	assert.Equal(t, "/user@bvbrc/home/extra", got)

	// Unresolvable references stay as-is.
	got = ResolveRuntime("${steps.assemble.outputs.missing}", wf, logger)
	assert.Equal(t, "${steps.assemble.outputs.missing}", got)
	got = ResolveRuntime("${steps.ghost.outputs.x}", wf, logger)
	assert.Equal(t, "${steps.ghost.outputs.x}", got)

	nested := map[string]any{
		"contigs": "${steps.assemble.outputs.contigs_fasta}",
		"list":    []any{"${steps.assemble.params.output_path}"},
	}
	resolved := ResolveRuntime(nested, wf, logger).(map[string]any)
	assert.Equal(t, "/user@bvbrc/home/.asm/contigs.fasta", resolved["contigs"])
	assert.Equal(t, "/user@bvbrc/home", resolved["list"].([]any)[0])
}
