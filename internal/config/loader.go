// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// // This file defines the contract for reading run profiles from disk.
package config

import "context"

// Loader reads a run profile from a path and translates it into the
// format-agnostic Profile model. Implementations own their format's parsing
// and expression evaluation; the returned Profile is fully resolved.
type Loader interface {
	Load(ctx context.Context, path string) (*Profile, error)
}
