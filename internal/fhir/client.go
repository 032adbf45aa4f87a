// Package fhir is the client for the conversion/validation capability. It
// posts generated narratives for conversion into FHIR Bundles, classifies
// OperationOutcome responses as validation failures with diagnostics, and
// rewrites validated bundles onto fresh urn:uuid identities.
package fhir

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vk/fhirloom/internal/config"
	"github.com/vk/fhirloom/internal/ctxlog"
)

// Outcome is the result of one conversion/validation attempt. Valid outcomes
// carry the rewritten document; invalid ones carry the validator's
// diagnostics for the repair prompt.
type Outcome struct {
	Valid       bool
	Document    json.RawMessage
	Diagnostics []string
}

// Client calls the conversion/validation capability.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a conversion client from the profile's conversion block.
func NewClient(cfg config.Conversion) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// convertRequest is the conversion request body.
type convertRequest struct {
	Text string `json:"text"`
}

// resourceProbe peeks at the discriminating resourceType of a response body.
type resourceProbe struct {
	ResourceType string `json:"resourceType"`
}

// operationOutcome is the subset of a FHIR OperationOutcome we consume.
type operationOutcome struct {
	Issue []struct {
		Severity    string `json:"severity"`
		Diagnostics string `json:"diagnostics"`
		Details     struct {
			Text string `json:"text"`
		} `json:"details"`
	} `json:"issue"`
}

// Convert posts the narrative and classifies the response. A Bundle body is
// a valid document and is returned after the urn:uuid identity rewrite; an
// OperationOutcome body (regardless of status code) is a validation
// failure. Anything else is a transport error.
func (c *Client) Convert(ctx context.Context, narrative string) (*Outcome, error) {
	logger := ctxlog.FromContext(ctx)

	body, err := json.Marshal(convertRequest{Text: narrative})
	if err != nil {
		return nil, fmt.Errorf("failed to encode conversion request: %w", err)
	}

	url := c.baseURL + "/convert"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create conversion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	logger.Debug("Calling conversion capability.", "url", url)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("conversion request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("failed to read conversion response: %w", err)
	}

	var probe resourceProbe
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("conversion capability returned status %s with an undecodable body: %w", resp.Status, err)
	}

	switch probe.ResourceType {
	case "Bundle":
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, fmt.Errorf("conversion capability returned a Bundle with status %s", resp.Status)
		}
		return c.finishBundle(ctx, raw), nil
	case "OperationOutcome":
		var outcome operationOutcome
		if err := json.Unmarshal(raw, &outcome); err != nil {
			return nil, fmt.Errorf("failed to decode OperationOutcome: %w", err)
		}
		diags := collectDiagnostics(outcome)
		logger.Debug("Conversion capability reported the narrative invalid.", "issues", len(diags))
		return &Outcome{Valid: false, Diagnostics: diags}, nil
	default:
		return nil, fmt.Errorf("conversion capability returned status %s with unexpected resourceType '%s'", resp.Status, probe.ResourceType)
	}
}

// finishBundle applies the identity rewrite to a validated bundle. A bundle
// that cannot be rewritten counts as a validation failure with a synthetic
// diagnostic, consuming an iteration like any other invalid attempt.
func (c *Client) finishBundle(ctx context.Context, raw json.RawMessage) *Outcome {
	logger := ctxlog.FromContext(ctx)

	rewritten, unresolved, err := RewriteBundle(raw)
	if err != nil {
		logger.Warn("Validated bundle failed the identity rewrite.", "error", err)
		return &Outcome{
			Valid:       false,
			Diagnostics: []string{fmt.Sprintf("bundle identity rewrite failed: %v", err)},
		}
	}
	for _, ref := range unresolved {
		logger.Warn("Bundle reference could not be resolved to an entry; left as-is.", "reference", ref)
	}
	return &Outcome{Valid: true, Document: rewritten}
}

// collectDiagnostics flattens OperationOutcome issues into repair-prompt
// lines, preferring diagnostics text over details.
func collectDiagnostics(outcome operationOutcome) []string {
	var diags []string
	for _, issue := range outcome.Issue {
		text := issue.Diagnostics
		if text == "" {
			text = issue.Details.Text
		}
		if text == "" {
			continue
		}
		if issue.Severity != "" {
			text = issue.Severity + ": " + text
		}
		diags = append(diags, text)
	}
	if len(diags) == 0 {
		diags = []string{"the conversion capability rejected the narrative without diagnostics"}
	}
	return diags
}
