// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
package config

import "path/filepath"

// joinPath joins the output directory and file name, tolerating an empty
// directory (the file name is then relative to the working directory).
func joinPath(dir, file string) string {
	if dir == "" {
		return file
	}
	return filepath.Join(dir, file)
}
