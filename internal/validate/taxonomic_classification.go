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
	"strconv"
	"strings"

	"github.com/BV-BRC/workflow-engine/internal/model"
)

// TaxonomicClassificationValidator checks parameters for the
// TaxonomicClassification read-classification service.
type TaxonomicClassificationValidator struct{}

// App implements StepValidator.
func (*TaxonomicClassificationValidator) App() string { return "TaxonomicClassification" }

var taxClassAnalysisTypes = map[string]bool{"pathogen": true, "microbiome": true, "16S": true}

var taxClassDatabases = map[string]bool{"bvbrc": true, "Greengenes": true, "SILVA": true, "standard": true}

var taxClassHostGenomes = map[string]bool{
	"homo_sapiens":                   true,
	"mus_musculus":                   true,
	"rattus_norvegicus":              true,
	"caenorhabditis_elegans":         true,
	"drosophila_melanogaster_strain": true,
	"danio_rerio_strain_tuebingen":   true,
	"gallus_gallus":                  true,
	"macaca_mulatta":                 true,
	"mustela_putorius_furo":          true,
	"sus_scrofa":                     true,
	"no_host":                        true,
}

var taxClassRequired = []string{"host_genome", "analysis_type", "database", "output_path", "output_file"}

var taxClassOutputKeys = []string{"classification_report"}

const invalidFileChars = `/\:*?"<>|`

// Validate implements StepValidator.
func (*TaxonomicClassificationValidator) Validate(params, outputs map[string]any) Result {
	res := Result{Params: model.CloneMap(params)}
	if res.Params == nil {
		res.Params = make(map[string]any)
	}

	for _, key := range taxClassRequired {
		if !provided(res.Params, key) {
			res.errorf("'%s' is required", key)
		}
	}

	if raw, ok := res.Params["analysis_type"]; ok {
		if v, _ := asString(raw); !taxClassAnalysisTypes[v] {
			res.errorf("'analysis_type' must be one of pathogen, microbiome, 16S; got %v", raw)
		}
	}
	if raw, ok := res.Params["database"]; ok {
		if v, _ := asString(raw); !taxClassDatabases[v] {
			res.errorf("'database' must be one of bvbrc, Greengenes, SILVA, standard; got %v", raw)
		}
	}
	if raw, ok := res.Params["host_genome"]; ok {
		if v, _ := asString(raw); !taxClassHostGenomes[v] {
			res.errorf("'host_genome' %v is not a supported host genome", raw)
		}
	}

	if !provided(res.Params, "paired_end_libs") &&
		!provided(res.Params, "single_end_libs") &&
		!provided(res.Params, "srr_libs") {
		res.errorf("At least one input source must be provided: 'paired_end_libs', 'single_end_libs', or 'srr_libs'")
	}

	if raw, ok := res.Params["confidence_interval"]; ok {
		ci, parsed := asFloat(raw)
		if !parsed || ci < 0 || ci > 1 {
			res.errorf("'confidence_interval' must be a number between 0 and 1, got %v", raw)
		} else {
			// The service expects this as a string.
			res.Params["confidence_interval"] = strconv.FormatFloat(ci, 'g', -1, 64)
		}
	}

	if libs, ok := asList(res.Params["srr_libs"]); ok {
		for i, raw := range libs {
			lib, ok := raw.(map[string]any)
			if !ok {
				res.errorf("srr_libs[%d] must be an object", i)
				continue
			}
			for _, field := range []string{"title", "srr_accession", "sample_id"} {
				if !provided(lib, field) {
					res.errorf("srr_libs[%d] must provide '%s'", i, field)
				}
			}
		}
	}

	if name, ok := asString(res.Params["output_file"]); ok && strings.ContainsAny(name, invalidFileChars) {
		res.warnf("'output_file' %q contains characters the workspace will reject (%s)", name, invalidFileChars)
	}

	checkDeclaredOutputs(&res, outputs, taxClassOutputKeys)
	return res
}
