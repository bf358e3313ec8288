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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func contains(s, substr string) bool { return strings.Contains(s, substr) }

func TestCanonicalApp(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"blast", "Homology"},
		{"BLAST", "Homology"},
		{"bacterial_genome_tree", "CodonTree"},
		{"bacterial-genome-tree", "CodonTree"},
		{"genome_annotation", "GenomeAnnotation"},
		{"ComprehensiveGenomeAnalysis", "ComprehensiveGenomeAnalysis"},
		{"SomethingNew", "SomethingNew"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, CanonicalApp(tc.in), "input %q", tc.in)
	}
}

func TestRegistryLookupUsesCanonicalName(t *testing.T) {
	r := NewRegistry()
	v, ok := r.Validator("genome-annotation")
	require.True(t, ok)
	assert.Equal(t, "GenomeAnnotation", v.App())

	_, ok = r.Validator("RNASeq")
	assert.False(t, ok)
}

func TestApplyDefaultsDoesNotOverwrite(t *testing.T) {
	r := NewRegistry()
	params := map[string]any{"racon_iter": 5}
	merged := r.ApplyDefaults("comprehensive_genome_analysis", params)

	assert.Equal(t, 5, merged["racon_iter"])
	assert.Equal(t, 5000000, merged["genome_size"])
	assert.Equal(t, "M", merged["genome_size_units"])

	// The caller's map must be untouched.
	_, ok := params["genome_size"]
	assert.False(t, ok)
}

func TestApplyDefaultsUnknownApp(t *testing.T) {
	r := NewRegistry()
	merged := r.ApplyDefaults("Homology", map[string]any{"db_source": "id_list"})
	assert.Equal(t, map[string]any{"db_source": "id_list"}, merged)
}

func TestGenomeAnnotationValidator(t *testing.T) {
	v := &GenomeAnnotationValidator{}

	res := v.Validate(map[string]any{
		"contigs":     "${steps.assemble.outputs.contigs_fasta}",
		"output_path": "/user@bvbrc/home",
		"taxonomy_id": "83332",
	}, nil)
	assert.Empty(t, res.Errors)
	assert.Equal(t, "annotation_output", res.Params["output_file"])

	res = v.Validate(map[string]any{"output_path": "/user@bvbrc/home"}, nil)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "'contigs' is required")

	res = v.Validate(map[string]any{
		"contigs":     "reads.fastq",
		"output_path": "/user@bvbrc/home",
		"taxonomy_id": "-4",
	}, nil)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[0], "'taxonomy_id' must be a positive integer")

	found := false
	for _, w := range res.Warnings {
		if contains(w, "does not look like a FASTA file") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestGenomeAnnotationOutputsWarning(t *testing.T) {
	v := &GenomeAnnotationValidator{}
	res := v.Validate(map[string]any{
		"contigs":     "contigs.fasta",
		"output_path": "/user@bvbrc/home",
	}, map[string]any{
		"genome_file": "${params.output_path}/.${params.output_file}/annotation.genome",
		"surprise":    "/tmp/out",
	})
	assert.Empty(t, res.Errors)

	var unknownWarned, pathWarned bool
	for _, w := range res.Warnings {
		if contains(w, "unknown output") {
			unknownWarned = true
		}
		if contains(w, "does not reference") {
			pathWarned = true
		}
	}
	assert.True(t, unknownWarned)
	assert.True(t, pathWarned)
}

func TestCGAValidatorMissingDefaults(t *testing.T) {
	v := &ComprehensiveGenomeAnalysisValidator{}
	res := v.Validate(map[string]any{
		"srr_ids":     []any{"SRR123"},
		"output_path": "/user@bvbrc/home",
	}, nil)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[0], "Missing required default parameters:")
	assert.Contains(t, res.Errors[0], "These should be provided by the defaults provider.")
}

func TestCGAValidatorHappyPath(t *testing.T) {
	r := NewRegistry()
	params := r.ApplyDefaults("ComprehensiveGenomeAnalysis", map[string]any{
		"srr_ids":     []any{"SRR123"},
		"output_path": "/user@bvbrc/home",
		"recipe":      "auto",
	})

	v := &ComprehensiveGenomeAnalysisValidator{}
	res := v.Validate(params, nil)
	assert.Empty(t, res.Errors)
}

func TestCGAValidatorInputs(t *testing.T) {
	r := NewRegistry()
	v := &ComprehensiveGenomeAnalysisValidator{}

	res := v.Validate(r.ApplyDefaults("CGA-not-registered", nil), nil)
	// No defaults merged for an unknown alias, so both classes of error
	// appear.
	assert.NotEmpty(t, res.Errors)

	params := r.ApplyDefaults("ComprehensiveGenomeAnalysis", map[string]any{})
	res = v.Validate(params, nil)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[0],
		"At least one input source must be provided: 'srr_ids', 'paired_end_libs', or 'single_end_libs'")
}

func TestCGAValidatorRanges(t *testing.T) {
	r := NewRegistry()
	v := &ComprehensiveGenomeAnalysisValidator{}
	params := r.ApplyDefaults("ComprehensiveGenomeAnalysis", map[string]any{
		"srr_ids":           []any{"SRR123"},
		"genome_size":       -1,
		"racon_iter":        -2,
		"genome_size_units": "KB",
	})
	res := v.Validate(params, nil)

	joined := ""
	for _, e := range res.Errors {
		joined += e + "\n"
	}
	assert.Contains(t, joined, "'genome_size' must be a positive number")
	assert.Contains(t, joined, "'racon_iter' must be zero or greater")
	assert.Contains(t, joined, "'genome_size_units' must be one of bp, K, M, G")
}

func TestCGAValidatorPairedLibs(t *testing.T) {
	r := NewRegistry()
	v := &ComprehensiveGenomeAnalysisValidator{}
	params := r.ApplyDefaults("ComprehensiveGenomeAnalysis", map[string]any{
		"paired_end_libs": []any{map[string]any{"read2": "r2.fq"}},
	})
	res := v.Validate(params, nil)

	found := false
	for _, e := range res.Errors {
		if contains(e, "paired_end_libs[0] must provide 'read1'") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestTaxonomicClassificationValidator(t *testing.T) {
	r := NewRegistry()
	v := &TaxonomicClassificationValidator{}

	params := r.ApplyDefaults("TaxonomicClassification", map[string]any{
		"paired_end_libs": []any{map[string]any{"read1": "r1.fq", "read2": "r2.fq"}},
		"output_path":     "/user@bvbrc/home",
		"output_file":     "tax_report",
	})
	res := v.Validate(params, nil)
	assert.Empty(t, res.Errors)
	assert.Equal(t, "0.1", res.Params["confidence_interval"])
}

func TestTaxonomicClassificationEnums(t *testing.T) {
	v := &TaxonomicClassificationValidator{}
	res := v.Validate(map[string]any{
		"host_genome":         "canis_lupus",
		"analysis_type":       "viral",
		"database":            "refseq",
		"output_path":         "/user@bvbrc/home",
		"output_file":         "bad:name",
		"confidence_interval": 1.5,
		"srr_libs":            []any{map[string]any{"srr_accession": "SRR1"}},
	}, nil)

	joined := ""
	for _, e := range res.Errors {
		joined += e + "\n"
	}
	assert.Contains(t, joined, "'analysis_type' must be one of pathogen, microbiome, 16S")
	assert.Contains(t, joined, "'database' must be one of bvbrc, Greengenes, SILVA, standard")
	assert.Contains(t, joined, "not a supported host genome")
	assert.Contains(t, joined, "'confidence_interval' must be a number between 0 and 1")
	assert.Contains(t, joined, "srr_libs[0] must provide 'title'")
	assert.Contains(t, joined, "srr_libs[0] must provide 'sample_id'")

	warned := false
	for _, w := range res.Warnings {
		if contains(w, "characters the workspace will reject") {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestSimilarGenomeFinderValidator(t *testing.T) {
	v := &SimilarGenomeFinderValidator{}

	res := v.Validate(map[string]any{
		"selectedGenomeId": "83332.12",
		"output_path":      "/user@bvbrc/home",
		"output_file":      "mash_out",
		"max_hits":         "20",
	}, nil)
	assert.Empty(t, res.Errors)
	assert.NotEmpty(t, res.Warnings)

	res = v.Validate(map[string]any{
		"output_path": "/user@bvbrc/home",
		"output_file": "mash_out",
	}, nil)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[0],
		"At least one query input must be provided: 'selectedGenomeId' or 'fasta_file'")

	res = v.Validate(map[string]any{
		"selectedGenomeId": "83332.12",
		"fasta_file":       "genome.txt",
		"output_path":      "/user@bvbrc/home",
		"output_file":      "mash_out",
		"max_hits":         0,
	}, nil)
	assert.NotEmpty(t, res.Errors)

	var precedence, extension bool
	for _, w := range res.Warnings {
		if contains(w, "takes precedence") {
			precedence = true
		}
		if contains(w, "does not look like a FASTA file") {
			extension = true
		}
	}
	assert.True(t, precedence)
	assert.True(t, extension)
}
