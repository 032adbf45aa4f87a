// Package source reads tabular input files into a lazy, single-pass stream
// of rows for the batch engine. JSON Lines and CSV inputs are supported; the
// generation-input column is resolved tolerantly (case, space, and
// underscore insensitive) against the columns actually present.
package source
