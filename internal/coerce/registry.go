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

// Package coerce repairs the parameter types BV-BRC applications are
// picky about. Submissions arrive from UIs and scripts that send a
// bare string where a service wants a list, or "2" where it wants an
// integer; the registry here normalizes those before submission.
//
// Coercion is non-destructive: a value that cannot be converted is
// left exactly as it arrived so validation can complain about it
// instead.
package coerce

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Kind is a coercion target type.
type Kind int

const (
	KindList Kind = iota
	KindNumber
	KindInt
	KindBool
)

// patternRule coerces any field whose name matches the expression.
// Rules are ordered; the first match wins.
type patternRule struct {
	re   *regexp.Regexp
	kind Kind
}

var patternRules = []patternRule{
	{regexp.MustCompile(`(?i)^.*_(id_list|ids|list)$`), KindList},
	{regexp.MustCompile(`(?i)^(genome_ids|taxon_ids|feature_ids|genomes|taxa|features)$`), KindList},
	{regexp.MustCompile(`(?i)^.*_libs$`), KindList},
	{regexp.MustCompile(`(?i)^groups$`), KindList},
	{regexp.MustCompile(`(?i)^(contrasts|experimental_conditions)$`), KindList},
}

// serviceFieldRules maps a normalized app name to per-field coercion
// targets. Service rules take precedence over pattern rules.
var serviceFieldRules = map[string]map[string]Kind{
	"homology": {
		"input_id_list":       KindList,
		"db_id_list":          KindList,
		"db_genome_list":      KindList,
		"db_taxon_list":       KindList,
		"blast_evalue_cutoff": KindNumber,
		"blast_max_hits":      KindInt,
	},
	"blast": {
		"input_id_list":       KindList,
		"db_id_list":          KindList,
		"db_genome_list":      KindList,
		"db_taxon_list":       KindList,
		"blast_evalue_cutoff": KindNumber,
		"blast_max_hits":      KindInt,
	},
	"taxonomicclassification": {
		"paired_end_libs":     KindList,
		"single_end_libs":     KindList,
		"srr_libs":            KindList,
		"confidence_interval": KindNumber,
	},
	"genomeassembly2": {
		"paired_end_libs": KindList,
		"single_end_libs": KindList,
		"srr_ids":         KindList,
		"racon_iter":      KindInt,
		"pilon_iter":      KindInt,
		"min_contig_len":  KindInt,
		"min_contig_cov":  KindInt,
	},
	"codontree": {
		"genome_ids":          KindList,
		"genome_groups":       KindList,
		"optional_genome_ids": KindList,
	},
	"rnaseq": {
		"paired_end_libs": KindList,
		"single_end_libs": KindList,
		"srr_libs":        KindList,
		"strand_specific": KindBool,
		"trimming":        KindBool,
	},
	"variation": {
		"paired_end_libs": KindList,
		"single_end_libs": KindList,
		"srr_ids":         KindList,
		"debug":           KindBool,
	},
	"metagenomebinning": {
		"paired_end_libs": KindList,
		"single_end_libs": KindList,
		"srr_ids":         KindList,
		"min_contig_len":  KindInt,
		"min_contig_cov":  KindInt,
	},
	"genomealignment": {
		"genome_ids": KindList,
	},
}

// serviceFieldAliases renames legacy parameter spellings. The alias is
// moved only when the canonical key is absent.
var serviceFieldAliases = map[string]map[string]string{
	"homology": {
		"precomputed_database": "db_precomputed_database",
		"db_precomputed_db":    "db_precomputed_database",
	},
	"blast": {
		"precomputed_database": "db_precomputed_database",
		"db_precomputed_db":    "db_precomputed_database",
	},
}

// PrecomputedDatabases are the database identifiers the Homology
// service accepts for db_source=precomputed_database.
var PrecomputedDatabases = []string{"bacteria-archaea", "viral-reference"}

var precomputedDatabaseSet = map[string]bool{
	"bacteria-archaea": true,
	"viral-reference":  true,
}

var precomputedDatabaseAliases = map[string]string{
	"patric":           "bacteria-archaea",
	"bacteria_archaea": "bacteria-archaea",
	"bacteria archaea": "bacteria-archaea",
	"viral_reference":  "viral-reference",
	"viral reference":  "viral-reference",
}

// conditionalRule requires fields when a discriminator holds a value.
type conditionalRule struct {
	whenField string
	whenValue string
	required  []string
	message   string
}

var conditionalRules = map[string][]conditionalRule{
	"homology": homologyConditionalRules,
	"blast":    homologyConditionalRules,
}

var homologyConditionalRules = []conditionalRule{
	{
		whenField: "db_source",
		whenValue: "precomputed_database",
		required:  []string{"db_precomputed_database"},
		message:   "When db_source is 'precomputed_database', db_precomputed_database must be provided.",
	},
	{
		whenField: "input_source",
		whenValue: "id_list",
		required:  []string{"input_id_list"},
		message:   "When input_source is 'id_list', input_id_list must be provided.",
	},
	{
		whenField: "db_source",
		whenValue: "id_list",
		required:  []string{"db_id_list"},
		message:   "When db_source is 'id_list', db_id_list must be provided.",
	},
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// NormalizeApp canonicalizes an application name for registry lookup
// by lowercasing it and stripping every non-alphanumeric character.
func NormalizeApp(app string) string {
	return nonAlnum.ReplaceAllString(strings.ToLower(app), "")
}

// Apply runs alias renames, Homology database normalization and field
// coercion for one step's parameters, mutating params in place.
func Apply(app string, params map[string]any) {
	if params == nil {
		return
	}
	norm := NormalizeApp(app)

	if aliases, ok := serviceFieldAliases[norm]; ok {
		for alias, canonical := range aliases {
			value, present := params[alias]
			if !present {
				continue
			}
			if _, taken := params[canonical]; !taken {
				params[canonical] = value
			}
			delete(params, alias)
		}
	}

	if _, ok := conditionalRules[norm]; ok {
		normalizePrecomputedDatabase(params)
	}

	serviceRules := serviceFieldRules[norm]
	for field, value := range params {
		if kind, ok := serviceRules[field]; ok {
			params[field] = coerceValue(value, kind)
			continue
		}
		for _, rule := range patternRules {
			if rule.re.MatchString(field) {
				params[field] = coerceValue(value, rule.kind)
				break
			}
		}
	}
}

// normalizePrecomputedDatabase maps legacy database spellings onto the
// canonical identifiers. Unknown values stay untouched for validation
// to reject.
func normalizePrecomputedDatabase(params map[string]any) {
	raw, ok := params["db_precomputed_database"].(string)
	if !ok {
		return
	}
	key := strings.ToLower(strings.TrimSpace(raw))
	if canonical, ok := precomputedDatabaseAliases[key]; ok {
		params["db_precomputed_database"] = canonical
		return
	}
	if precomputedDatabaseSet[key] {
		params["db_precomputed_database"] = key
	}
}

// CheckRequired evaluates the conditional requirement rules for one
// step and returns every violation message.
func CheckRequired(app string, params map[string]any) []string {
	norm := NormalizeApp(app)
	rules, ok := conditionalRules[norm]
	if !ok {
		return nil
	}

	var out []string
	for _, rule := range rules {
		actual, _ := params[rule.whenField].(string)
		if actual != rule.whenValue {
			continue
		}
		var missing []string
		for _, field := range rule.required {
			value, present := params[field]
			if !present || isMissing(value) {
				missing = append(missing, field)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			out = append(out, fmt.Sprintf("%s Missing: %s.", rule.message, strings.Join(missing, ", ")))
		}
	}

	if source, _ := params["db_source"].(string); source == "precomputed_database" {
		if db, ok := params["db_precomputed_database"].(string); ok && !isMissing(db) {
			if !precomputedDatabaseSet[db] {
				out = append(out, fmt.Sprintf(
					"When db_source is 'precomputed_database', db_precomputed_database must be one of: %s. Got: %s.",
					strings.Join(PrecomputedDatabases, ", "), db))
			}
		}
	}
	return out
}

// isMissing treats nil, empty and whitespace-only strings, and empty
// lists as absent for requirement checks.
func isMissing(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case []any:
		return len(v) == 0
	case []string:
		return len(v) == 0
	default:
		return false
	}
}

func coerceValue(value any, kind Kind) any {
	switch kind {
	case KindList:
		return toList(value)
	case KindNumber:
		return toNumber(value)
	case KindInt:
		return toInt(value)
	case KindBool:
		return toBool(value)
	}
	return value
}

func toList(value any) any {
	switch v := value.(type) {
	case nil:
		return []any{}
	case []any:
		return v
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	case []map[string]any:
		out := make([]any, len(v))
		for i, m := range v {
			out[i] = m
		}
		return out
	default:
		return []any{value}
	}
}

func toNumber(value any) any {
	s, ok := value.(string)
	if !ok {
		return value
	}
	trimmed := strings.TrimSpace(s)
	if !strings.ContainsAny(trimmed, ".eE") {
		if n, err := strconv.Atoi(trimmed); err == nil {
			return n
		}
		return value
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return f
	}
	return value
}

func toInt(value any) any {
	switch v := value.(type) {
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && f == float64(int(f)) {
			return int(f)
		}
		return value
	case float64:
		if v == float64(int(v)) {
			return int(v)
		}
		return value
	default:
		return value
	}
}

func toBool(value any) any {
	s, ok := value.(string)
	if !ok {
		return value
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "1", "on":
		return true
	default:
		return false
	}
}
