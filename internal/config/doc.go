// Package config defines the format-agnostic run profile for the
// application, along with the Loader interface for reading profiles from
// various sources.
//
// The `config.Profile` is the single source of truth for the `app` and
// `engine` packages. Concrete implementations of the Loader interface, such
// as for HCL, are provided in separate packages.
package config
