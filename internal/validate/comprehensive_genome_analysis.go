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

package validate

import (
	"sort"
	"strings"

	"github.com/BV-BRC/workflow-engine/internal/model"
)

// ComprehensiveGenomeAnalysisValidator checks parameters for the CGA
// assembly-plus-annotation pipeline.
type ComprehensiveGenomeAnalysisValidator struct{}

// App implements StepValidator.
func (*ComprehensiveGenomeAnalysisValidator) App() string { return "ComprehensiveGenomeAnalysis" }

// cgaRequiredDefaults are parameters the assembly pipeline cannot run
// without. They normally arrive from the defaults provider, so their
// absence means defaults were never applied.
var cgaRequiredDefaults = []string{
	"genome_size", "normalize", "trim", "coverage", "expected_genome_size",
	"genome_size_units", "racon_iter", "pilon_iter", "min_contig_len",
	"min_contig_cov", "filtlong", "target_depth",
}

var cgaInputSources = []string{"srr_ids", "paired_end_libs", "single_end_libs"}

var cgaOutputKeys = []string{
	"genome_object", "contigs_fasta", "annotation_report", "genbank_file", "gff_file",
}

var genomeSizeUnits = map[string]bool{"bp": true, "K": true, "M": true, "G": true}

var cgaRecipes = map[string]bool{"auto": true, "standard": true, "plasmid": true, "viral": true}

// Validate implements StepValidator.
func (*ComprehensiveGenomeAnalysisValidator) Validate(params, outputs map[string]any) Result {
	res := Result{Params: model.CloneMap(params)}
	if res.Params == nil {
		res.Params = make(map[string]any)
	}

	var missingDefaults []string
	for _, key := range cgaRequiredDefaults {
		if _, ok := res.Params[key]; !ok {
			missingDefaults = append(missingDefaults, key)
		}
	}
	if len(missingDefaults) > 0 {
		sort.Strings(missingDefaults)
		res.errorf("Missing required default parameters: %s. These should be provided by the defaults provider.",
			strings.Join(missingDefaults, ", "))
	}

	var inputs []string
	for _, source := range cgaInputSources {
		if provided(res.Params, source) {
			inputs = append(inputs, source)
		}
	}
	if len(inputs) == 0 {
		res.errorf("At least one input source must be provided: 'srr_ids', 'paired_end_libs', or 'single_end_libs'")
	} else if len(inputs) > 1 {
		res.warnf("multiple input sources provided (%s); the pipeline will use all of them", strings.Join(inputs, ", "))
	}

	checkPositive(&res, res.Params, "genome_size")
	checkPositive(&res, res.Params, "min_contig_len")
	checkPositive(&res, res.Params, "min_contig_cov")
	checkPositive(&res, res.Params, "coverage")
	checkPositive(&res, res.Params, "target_depth")
	checkNonNegative(&res, res.Params, "racon_iter")
	checkNonNegative(&res, res.Params, "pilon_iter")

	if raw, ok := res.Params["genome_size_units"]; ok {
		if units, _ := asString(raw); !genomeSizeUnits[units] {
			res.errorf("'genome_size_units' must be one of bp, K, M, G; got %v", raw)
		}
	}

	if raw, ok := res.Params["recipe"]; ok {
		if recipe, _ := asString(raw); !cgaRecipes[recipe] {
			res.warnf("unrecognized recipe %v; known recipes are auto, standard, plasmid, viral", raw)
		}
	}

	if path, ok := asString(res.Params["output_path"]); ok {
		if !strings.HasPrefix(path, "/") && !strings.HasPrefix(path, "${") {
			res.warnf("'output_path' %q is not an absolute workspace path", path)
		}
	}

	if libs, ok := asList(res.Params["paired_end_libs"]); ok {
		for i, raw := range libs {
			lib, ok := raw.(map[string]any)
			if !ok || !provided(lib, "read1") {
				res.errorf("paired_end_libs[%d] must provide 'read1'", i)
			}
		}
	}

	checkDeclaredOutputs(&res, outputs, cgaOutputKeys)
	return res
}

func checkPositive(res *Result, params map[string]any, key string) {
	raw, ok := params[key]
	if !ok {
		return
	}
	if n, ok := asFloat(raw); !ok || n <= 0 {
		res.errorf("'%s' must be a positive number, got %v", key, raw)
	}
}

func checkNonNegative(res *Result, params map[string]any, key string) {
	raw, ok := params[key]
	if !ok {
		return
	}
	if n, ok := asFloat(raw); !ok || n < 0 {
		res.errorf("'%s' must be zero or greater, got %v", key, raw)
	}
}
