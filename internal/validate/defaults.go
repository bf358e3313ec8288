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
)

type genomeAnnotationDefaults struct{}

func (genomeAnnotationDefaults) App() string { return "GenomeAnnotation" }

func (genomeAnnotationDefaults) Defaults() map[string]any {
	return map[string]any{
		"output_file": "annotation_output",
	}
}

type cgaDefaults struct{}

func (cgaDefaults) App() string { return "ComprehensiveGenomeAnalysis" }

func (cgaDefaults) Defaults() map[string]any {
	return map[string]any{
		"genome_size":          5000000,
		"normalize":            true,
		"trim":                 true,
		"coverage":             200,
		"expected_genome_size": 5,
		"genome_size_units":    "M",
		"racon_iter":           2,
		"pilon_iter":           2,
		"min_contig_len":       300,
		"min_contig_cov":       5,
		"filtlong":             true,
		"target_depth":         200,
	}
}

type taxonomicClassificationDefaults struct{}

func (taxonomicClassificationDefaults) App() string { return "TaxonomicClassification" }

func (taxonomicClassificationDefaults) Defaults() map[string]any {
	return map[string]any{
		"host_genome":         "no_host",
		"analysis_type":       "16S",
		"database":            "SILVA",
		"confidence_interval": "0.1",
	}
}

// Shared value helpers for the validators. Parameters arrive as
// arbitrary JSON values, so every numeric check accepts int, float and
// numeric strings.

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
		return 0, false
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	default:
		return 0, false
	}
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case nil:
		return nil, false
	default:
		return nil, false
	}
}

// provided reports whether a parameter is present with a usable value.
func provided(params map[string]any, key string) bool {
	v, ok := params[key]
	if !ok {
		return false
	}
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(t) != ""
	case []any:
		return len(t) > 0
	default:
		return true
	}
}
