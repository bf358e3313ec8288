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
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BV-BRC/workflow-engine/pkg/errors"
)

func testCompiler() *Compiler {
	return New(Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func validDoc() map[string]any {
	return map[string]any{
		"workflow_name": "assembly-pipeline",
		"version":       "1.0",
		"base_context": map[string]any{
			"user_home": "/user@bvbrc/home",
		},
		"steps": []any{
			map[string]any{
				"step_name": "assemble",
				"app":       "GenomeAssembly2",
				"params": map[string]any{
					"srr_ids":     "SRR123",
					"racon_iter":  "3",
					"output_path": "${user_home}/assembly",
					"output_file": "asm",
				},
				"outputs": map[string]any{
					"contigs_fasta": "${params.output_path}/.${params.output_file}/contigs.fasta",
				},
			},
			map[string]any{
				"step_name":  "annotate",
				"app":        "genome_annotation",
				"depends_on": []any{"assemble"},
				"params": map[string]any{
					"contigs":     "${steps.assemble.outputs.contigs_fasta}",
					"output_path": "${user_home}/annotation",
					"output_file": "anno",
					"taxonomy_id": "83332",
				},
				"outputs": map[string]any{
					"genome_file": "${params.output_path}/.${params.output_file}/annotation.genome",
				},
			},
		},
		"workflow_outputs": []any{"${steps.annotate.outputs.genome_file}"},
	}
}

func TestCompileValidWorkflow(t *testing.T) {
	wf, _, err := testCompiler().Compile(context.Background(), validDoc(), "")
	require.NoError(t, err)

	require.Len(t, wf.Steps, 2)
	assemble := wf.Steps[0]
	assert.Equal(t, []any{"SRR123"}, assemble.Params["srr_ids"])
	assert.Equal(t, 3, assemble.Params["racon_iter"])
	assert.Equal(t, "/user@bvbrc/home/assembly", assemble.Params["output_path"])
	assert.Equal(t, "/user@bvbrc/home/assembly/.asm/contigs.fasta", assemble.Outputs["contigs_fasta"])

	annotate := wf.Steps[1]
	// Friendly app names are rewritten to the canonical form.
	assert.Equal(t, "GenomeAnnotation", annotate.App)
	assert.Equal(t, "/user@bvbrc/home/annotation/.anno/annotation.genome", annotate.Outputs["genome_file"])
	assert.Equal(t, "${steps.assemble.outputs.contigs_fasta}", annotate.Params["contigs"])

	// workflow_outputs are substituted from the declared step outputs.
	assert.Equal(t, []string{"/user@bvbrc/home/annotation/.anno/annotation.genome"}, wf.WorkflowOutputs)
}

func TestCompileWrappedDocument(t *testing.T) {
	wf, _, err := testCompiler().Compile(context.Background(),
		map[string]any{"workflow": validDoc()}, "")
	require.NoError(t, err)
	assert.Equal(t, "assembly-pipeline", wf.WorkflowName)
}

func TestCompileRejectsWorkflowID(t *testing.T) {
	doc := validDoc()
	doc["workflow_id"] = "wf_123"
	_, _, err := testCompiler().Compile(context.Background(), doc, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(),
		"Input workflow should not contain 'workflow_id'. IDs are assigned by the scheduler.")
}

func TestCompileRejectsStepID(t *testing.T) {
	doc := validDoc()
	doc["steps"].([]any)[0].(map[string]any)["step_id"] = "step-1"
	_, _, err := testCompiler().Compile(context.Background(), doc, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "should not contain 'step_id'")
}

func TestCompileEmptySteps(t *testing.T) {
	doc := validDoc()
	doc["steps"] = []any{}
	_, _, err := testCompiler().Compile(context.Background(), doc, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Workflow must contain at least one step")
}

func TestCompileDuplicateStepNames(t *testing.T) {
	doc := validDoc()
	steps := doc["steps"].([]any)
	steps[1].(map[string]any)["step_name"] = "assemble"
	_, _, err := testCompiler().Compile(context.Background(), doc, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Duplicate step name 'assemble'")
}

func TestCompileUnknownDependency(t *testing.T) {
	doc := validDoc()
	doc["steps"].([]any)[1].(map[string]any)["depends_on"] = []any{"ghost"}
	_, _, err := testCompiler().Compile(context.Background(), doc, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Step 'annotate' depends on unknown step 'ghost'")
}

func TestCompileCircularDependency(t *testing.T) {
	doc := validDoc()
	steps := doc["steps"].([]any)
	steps[0].(map[string]any)["depends_on"] = []any{"annotate"}
	_, _, err := testCompiler().Compile(context.Background(), doc, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Circular dependency detected:")
}

func TestCompileUnknownStepReference(t *testing.T) {
	doc := validDoc()
	doc["steps"].([]any)[1].(map[string]any)["params"].(map[string]any)["contigs"] =
		"${steps.ghost.outputs.contigs_fasta}"
	_, _, err := testCompiler().Compile(context.Background(), doc, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(),
		"Variable reference '${steps.ghost.outputs.contigs_fasta}' refers to unknown step 'ghost'")
}

func TestCompileConditionalRequiredBatched(t *testing.T) {
	doc := map[string]any{
		"workflow_name": "blast-run",
		"steps": []any{
			map[string]any{
				"step_name": "search",
				"app":       "blast",
				"params": map[string]any{
					"db_source":    "precomputed_database",
					"input_source": "id_list",
				},
			},
		},
	}
	_, _, err := testCompiler().Compile(context.Background(), doc, "")
	require.Error(t, err)

	var compileErr *errors.CompileError
	require.ErrorAs(t, err, &compileErr)
	require.Len(t, compileErr.Errors, 2)
	assert.Contains(t, compileErr.Errors[0], "Step 'search' (Homology):")
	assert.Contains(t, compileErr.Errors[0], "db_precomputed_database must be provided. Missing: db_precomputed_database.")
	assert.Contains(t, compileErr.Errors[1], "input_id_list must be provided. Missing: input_id_list.")
}

func TestCompileValidatorErrorsBatched(t *testing.T) {
	doc := map[string]any{
		"workflow_name": "bad-annotation",
		"steps": []any{
			map[string]any{
				"step_name": "annotate",
				"app":       "GenomeAnnotation",
				"params":    map[string]any{"taxonomy_id": "zero"},
			},
		},
	}
	_, _, err := testCompiler().Compile(context.Background(), doc, "")
	require.Error(t, err)

	var compileErr *errors.CompileError
	require.ErrorAs(t, err, &compileErr)
	joined := ""
	for _, e := range compileErr.Errors {
		joined += e + "\n"
	}
	assert.Contains(t, joined, "'contigs' is required")
	assert.Contains(t, joined, "'output_path' is required")
	assert.Contains(t, joined, "'taxonomy_id' must be a positive integer")
}

func TestCompileCleansEmptyLists(t *testing.T) {
	doc := map[string]any{
		"workflow_name": "cga-run",
		"steps": []any{
			map[string]any{
				"step_name": "analyze",
				"app":       "ComprehensiveGenomeAnalysis",
				"params": map[string]any{
					"srr_ids":         []any{"SRR123"},
					"paired_end_libs": []any{},
					"single_end_libs": []any{},
					"output_path":     "/user@bvbrc/home",
					"output_file":     "cga",
				},
			},
		},
	}
	wf, _, err := testCompiler().Compile(context.Background(), doc, "")
	require.NoError(t, err)

	params := wf.Steps[0].Params
	_, hasPaired := params["paired_end_libs"]
	assert.False(t, hasPaired)
	_, hasSingle := params["single_end_libs"]
	assert.False(t, hasSingle)
	assert.Equal(t, []any{"SRR123"}, params["srr_ids"])
	// Defaults provider filled the assembly knobs.
	assert.Equal(t, 2, params["racon_iter"])
}
