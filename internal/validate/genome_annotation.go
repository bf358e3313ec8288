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

// GenomeAnnotationValidator checks parameters for the GenomeAnnotation
// service.
type GenomeAnnotationValidator struct{}

// App implements StepValidator.
func (*GenomeAnnotationValidator) App() string { return "GenomeAnnotation" }

var annotationOutputKeys = []string{"contigs_fasta", "genome_file", "annotation_file"}

// Validate implements StepValidator.
func (*GenomeAnnotationValidator) Validate(params, outputs map[string]any) Result {
	res := Result{Params: model.CloneMap(params)}
	if res.Params == nil {
		res.Params = make(map[string]any)
	}

	contigs, _ := asString(res.Params["contigs"])
	if strings.TrimSpace(contigs) == "" {
		res.errorf("'contigs' is required and must be a non-empty string")
	} else if !strings.HasPrefix(contigs, "${") && !hasFastaExtension(contigs) {
		res.warnf("'contigs' value %q does not look like a FASTA file (.fasta, .fa, .fna)", contigs)
	}

	if !provided(res.Params, "output_path") {
		res.errorf("'output_path' is required")
	}
	if !provided(res.Params, "output_file") {
		res.Params["output_file"] = "annotation_output"
	}

	if raw, ok := res.Params["taxonomy_id"]; ok {
		// The service wants the taxonomy id as a string; it still has
		// to be a positive integer.
		s, isString := asString(raw)
		if !isString {
			if n, ok := asInt(raw); ok {
				s = strconv.Itoa(n)
				res.Params["taxonomy_id"] = s
			}
		}
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err != nil || n <= 0 {
			res.errorf("'taxonomy_id' must be a positive integer, got %v", raw)
		}
	}

	if !provided(res.Params, "scientific_name") && !provided(res.Params, "taxonomy_id") {
		res.warnf("neither 'scientific_name' nor 'taxonomy_id' provided; annotation will use generic taxonomy")
	}

	checkDeclaredOutputs(&res, outputs, annotationOutputKeys)
	return res
}

func hasFastaExtension(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".fasta") ||
		strings.HasSuffix(lower, ".fa") ||
		strings.HasSuffix(lower, ".fna")
}

// checkDeclaredOutputs warns about output keys the service does not
// produce and about output values that point somewhere other than the
// step's own output location.
func checkDeclaredOutputs(res *Result, outputs map[string]any, expected []string) {
	if len(outputs) == 0 {
		return
	}
	known := make(map[string]bool, len(expected))
	for _, k := range expected {
		known[k] = true
	}
	outputPath, _ := asString(res.Params["output_path"])
	outputFile, _ := asString(res.Params["output_file"])
	for key, value := range outputs {
		if !known[key] {
			res.warnf("unknown output %q; expected one of: %s", key, strings.Join(expected, ", "))
		}
		s, ok := asString(value)
		if !ok || strings.HasPrefix(s, "${") {
			continue
		}
		// Accept both the unresolved ${params.*} form and values already
		// substituted with the step's own output location.
		if strings.Contains(s, "${params.output_path}") || strings.Contains(s, "${params.output_file}") {
			continue
		}
		if (outputPath != "" && strings.Contains(s, outputPath)) ||
			(outputFile != "" && strings.Contains(s, outputFile)) {
			continue
		}
		res.warnf("output %q does not reference the step's output_path or output_file", key)
	}
}
