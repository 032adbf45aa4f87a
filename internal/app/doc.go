// Package app owns the application's dependencies, configuration, and
// lifecycle: it builds the logger, loads and validates the run profile,
// wires the row source, capability clients, engine, and result sink
// together, and runs either a batch or a single ad hoc synthesis.
package app
