// Package hcl implements the config.Loader interface for HCL run profiles.
// It parses a profile file with hclparse, decodes the block structure with
// gohcl against an evaluation context that exposes process environment
// variables as `env.<NAME>`, and translates the result into the
// format-agnostic config.Profile model.
package hcl
