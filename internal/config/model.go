// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// // This file models the validated run profile consumed by the batch engine.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Target names what a task must produce for its row.
type Target string

const (
	// TargetNarrative produces a synthesized narrative only; the conversion
	// capability is never invoked for these tasks.
	TargetNarrative Target = "narrative"
	// TargetDocument produces a validated FHIR document.
	TargetDocument Target = "document"
	// TargetBoth retains the narrative alongside the validated document.
	TargetBoth Target = "narrative+document"
)

// ParseTarget maps the user-facing target name onto a Target.
func ParseTarget(s string) (Target, error) {
	switch Target(s) {
	case TargetNarrative, TargetDocument, TargetBoth:
		return Target(s), nil
	}
	return "", fmt.Errorf("invalid target '%s': must be 'narrative', 'document', or 'narrative+document'", s)
}

// WantsDocument reports whether tasks with this target go through the
// conversion/validation stage.
func (t Target) WantsDocument() bool {
	return t == TargetDocument || t == TargetBoth
}

// WantsNarrative reports whether the narrative is retained in the result
// record for this target.
func (t Target) WantsNarrative() bool {
	return t == TargetNarrative || t == TargetBoth
}

// Generation configures the text-generation capability and its capacity pool.
type Generation struct {
	URL     string
	Model   string
	APIKey  string
	Pool    int
	Timeout time.Duration
}

// Conversion configures the document conversion/validation capability and
// its capacity pool.
type Conversion struct {
	URL     string
	Pool    int
	Timeout time.Duration
}

// Batch configures the row source and the result stream.
type Batch struct {
	Input           string
	InputColumn     string
	Target          Target
	MaxIterations   int
	AdmissionBuffer int
	OutputDir       string
	OutputFile      string
	UploadURL       string
}

// Backoff describes the delay curve between transient-failure retries.
type Backoff struct {
	Initial time.Duration
	Factor  float64
	Max     time.Duration
	Jitter  bool
}

// Retry bounds how often a single capability call is re-attempted after a
// transport-level failure. The budget is independent of the refinement
// iteration ceiling.
type Retry struct {
	Attempts int
	Backoff  Backoff
}

// Breaker configures the consecutive-transport-failure circuit breaker.
type Breaker struct {
	Threshold int
}

// Events configures the optional socket.io run-event emitter.
type Events struct {
	URL       string
	Namespace string
}

// Profile is the unified, format-agnostic representation of one batch run's
// configuration.
type Profile struct {
	Generation Generation
	Conversion Conversion
	Batch      Batch
	Retry      Retry
	Breaker    Breaker
	Events     *Events
}

// Default returns a Profile populated with the documented defaults. Loaders
// merge parsed blocks over this baseline.
func Default() *Profile {
	return &Profile{
		Generation: Generation{
			Pool:    2,
			Timeout: 120 * time.Second,
		},
		Conversion: Conversion{
			Pool:    2,
			Timeout: 60 * time.Second,
		},
		Batch: Batch{
			Target:          TargetBoth,
			MaxIterations:   3,
			AdmissionBuffer: 4,
			OutputDir:       "out",
			OutputFile:      "results.jsonl",
		},
		Retry: Retry{
			Attempts: 3,
			Backoff: Backoff{
				Initial: 500 * time.Millisecond,
				Factor:  2,
				Max:     8 * time.Second,
				Jitter:  true,
			},
		},
		Breaker: Breaker{
			Threshold: 5,
		},
	}
}

// Validate checks the profile for values the engine cannot run with. Mode
// specific requirements (a batch input path, a single-mode vignette) are
// checked by the caller that knows the mode.
func (p *Profile) Validate() error {
	if p.Generation.URL == "" {
		return errors.New("generation.url is required")
	}
	if p.Generation.Model == "" {
		return errors.New("generation.model is required")
	}
	if p.Batch.Target.WantsDocument() && p.Conversion.URL == "" {
		return fmt.Errorf("conversion.url is required for target '%s'", p.Batch.Target)
	}
	if p.Generation.Pool < 1 {
		return fmt.Errorf("generation.pool must be >= 1, got %d", p.Generation.Pool)
	}
	if p.Conversion.Pool < 1 {
		return fmt.Errorf("conversion.pool must be >= 1, got %d", p.Conversion.Pool)
	}
	if p.Batch.MaxIterations < 0 {
		return fmt.Errorf("batch.max_iterations must be >= 0, got %d", p.Batch.MaxIterations)
	}
	if p.Batch.AdmissionBuffer < 0 {
		return fmt.Errorf("batch.admission_buffer must be >= 0, got %d", p.Batch.AdmissionBuffer)
	}
	if p.Retry.Attempts < 1 {
		return fmt.Errorf("retry.attempts must be >= 1, got %d", p.Retry.Attempts)
	}
	if p.Retry.Backoff.Initial <= 0 {
		return errors.New("retry.backoff.initial must be a positive duration")
	}
	if p.Retry.Backoff.Factor < 1 {
		return fmt.Errorf("retry.backoff.factor must be >= 1, got %v", p.Retry.Backoff.Factor)
	}
	if p.Retry.Backoff.Max < p.Retry.Backoff.Initial {
		return errors.New("retry.backoff.max must not be smaller than retry.backoff.initial")
	}
	if p.Breaker.Threshold < 1 {
		return fmt.Errorf("breaker.threshold must be >= 1, got %d", p.Breaker.Threshold)
	}
	if p.Events != nil && p.Events.URL == "" {
		return errors.New("events.url is required when an events block is present")
	}
	return nil
}

// OutputPath joins the configured output directory and file name.
func (b Batch) OutputPath() string {
	return joinPath(b.OutputDir, b.OutputFile)
}
