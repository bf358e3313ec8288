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

// Package validate holds the per-application step validators and
// defaults providers. Validators work on a copy of the step's params,
// fill in normalized values, and report warnings alongside hard
// errors so callers can surface both.
package validate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/BV-BRC/workflow-engine/internal/model"
)

// Result is the outcome of validating one step's parameters. Params is
// the validated (possibly normalized) parameter map.
type Result struct {
	Params   map[string]any
	Warnings []string
	Errors   []string
}

func (r *Result) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *Result) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// StepValidator validates the parameters of one application's steps.
type StepValidator interface {
	// App returns the canonical application name this validator serves.
	App() string
	// Validate checks the step's params and declared outputs and
	// returns the validated parameter copy plus any warnings and
	// errors.
	Validate(params, outputs map[string]any) Result
}

// DefaultsProvider supplies default parameters for an application.
type DefaultsProvider interface {
	App() string
	Defaults() map[string]any
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

func normalizeApp(app string) string {
	return nonAlnum.ReplaceAllString(strings.ToLower(app), "")
}

// friendlyNames maps normalized aliases onto the canonical scheduler
// application names.
var friendlyNames = map[string]string{
	"blast":                       "Homology",
	"homology":                    "Homology",
	"bacterialgenometree":         "CodonTree",
	"codontree":                   "CodonTree",
	"genomeannotation":            "GenomeAnnotation",
	"comprehensivegenomeanalysis": "ComprehensiveGenomeAnalysis",
	"taxonomicclassification":     "TaxonomicClassification",
	"similargenomefinder":         "SimilarGenomeFinder",
	"genomeassembly2":             "GenomeAssembly2",
	"rnaseq":                      "RNASeq",
	"variation":                   "Variation",
	"metagenomebinning":           "MetagenomeBinning",
	"genomealignment":             "GenomeAlignment",
}

// CanonicalApp resolves user-facing application spellings, including
// snake and kebab case and the friendly aliases, to the canonical name.
// Unknown names come back unchanged.
func CanonicalApp(app string) string {
	if canonical, ok := friendlyNames[normalizeApp(app)]; ok {
		return canonical
	}
	return app
}

// Registry holds the registered validators and defaults providers,
// keyed by canonical application name.
type Registry struct {
	validators map[string]StepValidator
	defaults   map[string]DefaultsProvider
}

// NewRegistry returns a registry with the built-in validators and
// defaults providers registered.
func NewRegistry() *Registry {
	r := &Registry{
		validators: make(map[string]StepValidator),
		defaults:   make(map[string]DefaultsProvider),
	}
	r.RegisterValidator(&GenomeAnnotationValidator{})
	r.RegisterValidator(&ComprehensiveGenomeAnalysisValidator{})
	r.RegisterValidator(&TaxonomicClassificationValidator{})
	r.RegisterValidator(&SimilarGenomeFinderValidator{})
	r.RegisterDefaults(genomeAnnotationDefaults{})
	r.RegisterDefaults(cgaDefaults{})
	r.RegisterDefaults(taxonomicClassificationDefaults{})
	return r
}

// RegisterValidator adds or replaces the validator for its app.
func (r *Registry) RegisterValidator(v StepValidator) {
	r.validators[v.App()] = v
}

// RegisterDefaults adds or replaces the defaults provider for its app.
func (r *Registry) RegisterDefaults(p DefaultsProvider) {
	r.defaults[p.App()] = p
}

// Validator returns the validator for the given application name, if
// one is registered.
func (r *Registry) Validator(app string) (StepValidator, bool) {
	v, ok := r.validators[CanonicalApp(app)]
	return v, ok
}

// ApplyDefaults merges the app's defaults into params without
// overwriting anything the caller supplied, and returns the merged
// copy. Apps with no registered provider get a plain copy back.
func (r *Registry) ApplyDefaults(app string, params map[string]any) map[string]any {
	merged := model.CloneMap(params)
	if merged == nil {
		merged = make(map[string]any)
	}
	provider, ok := r.defaults[CanonicalApp(app)]
	if !ok {
		return merged
	}
	mergeDefaults(merged, provider.Defaults())
	return merged
}

// mergeDefaults fills absent keys from defaults, recursing into maps
// present on both sides.
func mergeDefaults(dst, defaults map[string]any) {
	for key, dv := range defaults {
		existing, present := dst[key]
		if !present {
			dst[key] = model.CloneValue(dv)
			continue
		}
		dstMap, dstOK := existing.(map[string]any)
		defMap, defOK := dv.(map[string]any)
		if dstOK && defOK {
			mergeDefaults(dstMap, defMap)
		}
	}
}
