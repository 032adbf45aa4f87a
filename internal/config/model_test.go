// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseTarget(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"narrative", "document", "narrative+document"} {
		target, err := ParseTarget(name)
		require.NoError(t, err)
		require.Equal(t, Target(name), target)
	}

	_, err := ParseTarget("pdf")
	require.Error(t, err)
}

func TestTarget_Wants(t *testing.T) {
	t.Parallel()

	require.True(t, TargetNarrative.WantsNarrative())
	require.False(t, TargetNarrative.WantsDocument())

	require.False(t, TargetDocument.WantsNarrative())
	require.True(t, TargetDocument.WantsDocument())

	require.True(t, TargetBoth.WantsNarrative())
	require.True(t, TargetBoth.WantsDocument())
}

func TestDefault_IsValidOnceEndpointsAreSet(t *testing.T) {
	t.Parallel()

	p := Default()
	p.Generation.URL = "http://gen.local"
	p.Generation.Model = "m"
	p.Conversion.URL = "http://convert.local"

	require.NoError(t, p.Validate())
}

func TestValidate_Rejections(t *testing.T) {
	t.Parallel()

	base := func() *Profile {
		p := Default()
		p.Generation.URL = "http://gen.local"
		p.Generation.Model = "m"
		p.Conversion.URL = "http://convert.local"
		return p
	}

	testCases := []struct {
		name    string
		mutate  func(p *Profile)
		wantErr string
	}{
		{
			name:    "missing generation url",
			mutate:  func(p *Profile) { p.Generation.URL = "" },
			wantErr: "generation.url is required",
		},
		{
			name:    "missing generation model",
			mutate:  func(p *Profile) { p.Generation.Model = "" },
			wantErr: "generation.model is required",
		},
		{
			name: "missing conversion url for document target",
			mutate: func(p *Profile) {
				p.Batch.Target = TargetDocument
				p.Conversion.URL = ""
			},
			wantErr: "conversion.url is required",
		},
		{
			name:    "zero generation pool",
			mutate:  func(p *Profile) { p.Generation.Pool = 0 },
			wantErr: "generation.pool",
		},
		{
			name:    "negative iteration ceiling",
			mutate:  func(p *Profile) { p.Batch.MaxIterations = -1 },
			wantErr: "batch.max_iterations",
		},
		{
			name:    "zero retry attempts",
			mutate:  func(p *Profile) { p.Retry.Attempts = 0 },
			wantErr: "retry.attempts",
		},
		{
			name:    "backoff max below initial",
			mutate:  func(p *Profile) { p.Retry.Backoff.Max = p.Retry.Backoff.Initial / 2 },
			wantErr: "retry.backoff.max",
		},
		{
			name:    "zero breaker threshold",
			mutate:  func(p *Profile) { p.Breaker.Threshold = 0 },
			wantErr: "breaker.threshold",
		},
		{
			name:    "events block without url",
			mutate:  func(p *Profile) { p.Events = &Events{} },
			wantErr: "events.url",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			p := base()
			tc.mutate(p)

			err := p.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestValidate_ZeroIterationCeilingIsLegal(t *testing.T) {
	t.Parallel()

	p := Default()
	p.Generation.URL = "http://gen.local"
	p.Generation.Model = "m"
	p.Conversion.URL = "http://convert.local"
	p.Batch.MaxIterations = 0

	require.NoError(t, p.Validate())
}

func TestBatch_OutputPath(t *testing.T) {
	t.Parallel()

	b := Batch{OutputDir: "out", OutputFile: "results.jsonl"}
	require.Equal(t, filepath.Join("out", "results.jsonl"), b.OutputPath())

	b = Batch{OutputFile: "results.jsonl"}
	require.Equal(t, "results.jsonl", b.OutputPath())
}
