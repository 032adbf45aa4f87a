package hcl

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/vk/fhirloom/internal/config"
	"github.com/vk/fhirloom/internal/ctxlog"
	"github.com/zclconf/go-cty/cty"
)

// Loader is the HCL-specific implementation of the config.Loader interface.
type Loader struct{}

// NewLoader creates a new HCL profile loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load parses the profile file at path and merges its blocks over the
// documented defaults. Attribute expressions may reference process
// environment variables as `env.<NAME>`.
func (l *Loader) Load(ctx context.Context, path string) (*config.Profile, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("HCL profile loader started.", "path", path)

	parser := hclparse.NewParser()
	hclFile, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse profile '%s': %w", path, diags)
	}

	var root profileRoot
	diags = gohcl.DecodeBody(hclFile.Body, envEvalContext(), &root)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode profile '%s': %w", path, diags)
	}

	profile, err := l.translate(&root)
	if err != nil {
		return nil, fmt.Errorf("invalid profile '%s': %w", path, err)
	}

	logger.Debug("HCL profile loaded.",
		"generation_url", profile.Generation.URL,
		"conversion_url", profile.Conversion.URL,
		"target", profile.Batch.Target,
	)
	return profile, nil
}

// envEvalContext builds the expression evaluation context exposing the
// process environment as an `env` object of strings.
func envEvalContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			continue
		}
		vars[name] = cty.StringVal(value)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": cty.ObjectVal(vars),
		},
	}
}

// translate merges the decoded block structure over config.Default().
func (l *Loader) translate(root *profileRoot) (*config.Profile, error) {
	p := config.Default()

	if g := root.Generation; g != nil {
		setString(&p.Generation.URL, g.URL)
		setString(&p.Generation.Model, g.Model)
		setString(&p.Generation.APIKey, g.APIKey)
		setInt(&p.Generation.Pool, g.Pool)
		if err := setDuration(&p.Generation.Timeout, g.Timeout); err != nil {
			return nil, fmt.Errorf("generation.timeout: %w", err)
		}
	}
	if c := root.Conversion; c != nil {
		setString(&p.Conversion.URL, c.URL)
		setInt(&p.Conversion.Pool, c.Pool)
		if err := setDuration(&p.Conversion.Timeout, c.Timeout); err != nil {
			return nil, fmt.Errorf("conversion.timeout: %w", err)
		}
	}
	if b := root.Batch; b != nil {
		setString(&p.Batch.Input, b.Input)
		setString(&p.Batch.InputColumn, b.InputColumn)
		if b.Target != "" {
			target, err := config.ParseTarget(b.Target)
			if err != nil {
				return nil, fmt.Errorf("batch.target: %w", err)
			}
			p.Batch.Target = target
		}
		if b.MaxIterations != nil {
			p.Batch.MaxIterations = *b.MaxIterations
		}
		if b.AdmissionBuffer != nil {
			p.Batch.AdmissionBuffer = *b.AdmissionBuffer
		}
		setString(&p.Batch.OutputDir, b.OutputDir)
		setString(&p.Batch.OutputFile, b.OutputFile)
		setString(&p.Batch.UploadURL, b.UploadURL)
	}
	if r := root.Retry; r != nil {
		setInt(&p.Retry.Attempts, r.Attempts)
		if bo := r.Backoff; bo != nil {
			if err := setDuration(&p.Retry.Backoff.Initial, bo.Initial); err != nil {
				return nil, fmt.Errorf("retry.backoff.initial: %w", err)
			}
			if bo.Factor != 0 {
				p.Retry.Backoff.Factor = bo.Factor
			}
			if err := setDuration(&p.Retry.Backoff.Max, bo.Max); err != nil {
				return nil, fmt.Errorf("retry.backoff.max: %w", err)
			}
			if bo.Jitter != nil {
				p.Retry.Backoff.Jitter = *bo.Jitter
			}
		}
	}
	if b := root.Breaker; b != nil {
		setInt(&p.Breaker.Threshold, b.Threshold)
	}
	if e := root.Events; e != nil {
		p.Events = &config.Events{
			URL:       e.URL,
			Namespace: e.Namespace,
		}
	}

	return p, nil
}

func setString(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

func setInt(dst *int, src int) {
	if src != 0 {
		*dst = src
	}
}

func setDuration(dst *time.Duration, src string) error {
	if src == "" {
		return nil
	}
	d, err := time.ParseDuration(src)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}
