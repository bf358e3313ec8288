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
	"strings"

	"github.com/BV-BRC/workflow-engine/internal/model"
)

// SimilarGenomeFinderValidator checks parameters for the Mash-based
// SimilarGenomeFinder service.
type SimilarGenomeFinderValidator struct{}

// App implements StepValidator.
func (*SimilarGenomeFinderValidator) App() string { return "SimilarGenomeFinder" }

// Validate implements StepValidator.
func (*SimilarGenomeFinderValidator) Validate(params, outputs map[string]any) Result {
	res := Result{Params: model.CloneMap(params)}
	if res.Params == nil {
		res.Params = make(map[string]any)
	}

	for _, key := range []string{"output_path", "output_file"} {
		if !provided(res.Params, key) {
			res.errorf("'%s' is required", key)
		}
	}

	hasGenome := provided(res.Params, "selectedGenomeId")
	hasFasta := provided(res.Params, "fasta_file")
	switch {
	case !hasGenome && !hasFasta:
		res.errorf("At least one query input must be provided: 'selectedGenomeId' or 'fasta_file'")
	case hasGenome && hasFasta:
		res.warnf("both 'selectedGenomeId' and 'fasta_file' provided; 'selectedGenomeId' takes precedence")
	}

	if hasFasta {
		if path, ok := asString(res.Params["fasta_file"]); ok && !strings.HasPrefix(path, "${") {
			lower := strings.ToLower(path)
			if !strings.HasSuffix(lower, ".fasta") && !strings.HasSuffix(lower, ".fa") &&
				!strings.HasSuffix(lower, ".fna") && !strings.HasSuffix(lower, ".fas") {
				res.warnf("'fasta_file' %q does not look like a FASTA file (.fasta, .fa, .fna, .fas)", path)
			}
		}
	}

	checkNonNegative(&res, res.Params, "max_pvalue")
	checkNonNegative(&res, res.Params, "max_distance")
	if raw, ok := res.Params["max_hits"]; ok {
		if n, parsed := asInt(raw); !parsed || n <= 0 {
			res.errorf("'max_hits' must be a positive integer, got %v", raw)
		}
	}

	res.warnf("SimilarGenomeFinder returns results immediately; downstream steps should not poll for long-running output")
	return res
}
