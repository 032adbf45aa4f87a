package fhir

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
)

const (
	urnSystem = "urn:ietf:rfc:3986"
	urnPrefix = "urn:uuid:"
)

// refPattern matches a relative "ResourceType/id" reference with an optional
// absolute "http(s)://host/base/" prefix.
var refPattern = regexp.MustCompile(`^(?:https?://[^/]+/[^/]+/)?([A-Za-z][A-Za-z0-9]+)/([A-Za-z0-9\-\.]{1,64})$`)

var whitespaceRun = regexp.MustCompile(`\s+`)

// RewriteBundle gives every entry of a FHIR Bundle a fresh UUIDv4 identity:
// fullUrl and resource.id become urn:uuid values, a urn identifier is
// appended, and intra-bundle references are re-pointed at the new urns.
// Contained (#) and pre-existing urn:uuid references pass through untouched.
// References that resolve to nothing in the bundle are left as-is and
// returned, sorted, for the caller to report.
func RewriteBundle(raw json.RawMessage) (json.RawMessage, []string, error) {
	var bundle map[string]any
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return nil, nil, fmt.Errorf("bundle is not a JSON object: %w", err)
	}
	if rt, _ := bundle["resourceType"].(string); rt != "Bundle" {
		return nil, nil, fmt.Errorf("expected resourceType 'Bundle', got '%s'", rt)
	}

	// The Bundle itself gets a new id and identifier. Bundle.identifier is
	// 0..1 in R4, so a fresh one stays an object rather than a list.
	bundleUUID := uuid.NewString()
	bundle["id"] = bundleUUID
	bundleIdent := map[string]any{"system": urnSystem, "value": urnPrefix + bundleUUID}
	switch existing := bundle["identifier"].(type) {
	case map[string]any:
		bundle["identifier"] = []any{existing, bundleIdent}
	case []any:
		bundle["identifier"] = append(existing, bundleIdent)
	default:
		bundle["identifier"] = bundleIdent
	}

	entries, _ := bundle["entry"].([]any)

	// First pass: assign a UUID per entry and build the reference lookups.
	urns := make([]string, len(entries))
	byFullURL := make(map[string]string)
	byTypeID := make(map[string]string)
	for i, e := range entries {
		entry, ok := e.(map[string]any)
		if !ok {
			continue
		}
		urn := urnPrefix + uuid.NewString()
		urns[i] = urn

		if fullURL, ok := entry["fullUrl"].(string); ok {
			byFullURL[strings.TrimSpace(fullURL)] = urn
		}
		if resource, ok := entry["resource"].(map[string]any); ok {
			rtype, _ := resource["resourceType"].(string)
			oldID, _ := resource["id"].(string)
			if rtype != "" && oldID != "" {
				byTypeID[rtype+"/"+oldID] = urn
			}
		}
	}

	// Second pass: rewrite each entry's identity and its references.
	unknown := make(map[string]struct{})
	for i, e := range entries {
		entry, ok := e.(map[string]any)
		if !ok {
			continue
		}
		urn := urns[i]
		entry["fullUrl"] = urn

		resource, ok := entry["resource"].(map[string]any)
		if !ok {
			continue
		}
		resource["id"] = strings.TrimPrefix(urn, urnPrefix)
		addIdentifier(resource, urn)
		rewriteReferences(resource, byFullURL, byTypeID, unknown)
	}

	// Catch stray reference fields outside the entry list.
	rewriteReferences(bundle, byFullURL, byTypeID, unknown)

	out, err := json.Marshal(bundle)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to re-encode bundle: %w", err)
	}

	unresolved := make([]string, 0, len(unknown))
	for ref := range unknown {
		unresolved = append(unresolved, ref)
	}
	sort.Strings(unresolved)
	return out, unresolved, nil
}

// addIdentifier appends a urn identifier to the resource, tolerating the
// identifier field being absent, an object, or already a list.
func addIdentifier(resource map[string]any, urn string) {
	ident := map[string]any{"system": urnSystem, "value": urn}
	switch existing := resource["identifier"].(type) {
	case []any:
		for _, x := range existing {
			if m, ok := x.(map[string]any); ok && m["system"] == urnSystem && m["value"] == urn {
				return
			}
		}
		resource["identifier"] = append(existing, ident)
	case map[string]any:
		resource["identifier"] = []any{existing, ident}
	default:
		resource["identifier"] = []any{ident}
	}
}

// rewriteReferences walks the object and re-points every resolvable
// "reference" value; unresolvable ones are recorded in unknown.
func rewriteReferences(obj any, byFullURL, byTypeID map[string]string, unknown map[string]struct{}) {
	switch v := obj.(type) {
	case map[string]any:
		for key, value := range v {
			if key == "reference" {
				if ref, ok := value.(string); ok {
					if mapped, ok := mapReference(ref, byFullURL, byTypeID); ok {
						v[key] = mapped
					} else if !strings.HasPrefix(ref, urnPrefix) && !strings.HasPrefix(ref, "#") {
						unknown[ref] = struct{}{}
					}
					continue
				}
			}
			rewriteReferences(value, byFullURL, byTypeID, unknown)
		}
	case []any:
		for _, item := range v {
			rewriteReferences(item, byFullURL, byTypeID, unknown)
		}
	}
}

// mapReference resolves a reference string to its urn:uuid mapping.
// Contained (#) and urn:uuid references resolve to themselves, sanitized.
func mapReference(ref string, byFullURL, byTypeID map[string]string) (string, bool) {
	candidate := sanitizeRef(ref)

	if strings.HasPrefix(candidate, urnPrefix) || strings.HasPrefix(candidate, "#") {
		return candidate, true
	}
	if urn, ok := byFullURL[candidate]; ok {
		return urn, true
	}
	if m := refPattern.FindStringSubmatch(candidate); m != nil {
		if urn, ok := byTypeID[m[1]+"/"+m[2]]; ok {
			return urn, true
		}
	}
	return "", false
}

// sanitizeRef applies small, safe normalizations so slightly mangled
// references still match: trim whitespace and quotes, collapse internal
// whitespace runs to '-'.
func sanitizeRef(ref string) string {
	s := strings.Trim(strings.TrimSpace(ref), `"'`)
	if strings.HasPrefix(s, urnPrefix) || strings.HasPrefix(s, "#") {
		return s
	}
	return whitespaceRun.ReplaceAllString(s, "-")
}
