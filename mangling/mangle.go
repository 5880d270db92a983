// Copyright 2019 The Crate Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mangling reserves the name prefix that tags modules loaded
// out of a previously built crate archive. Mangled names identify code
// whose real origin is another archive; they are refused by every
// emission path so that archives cannot be re-exported by accident.
package mangling

import "strings"

// Prefix is the reserved sentinel. A module root of the form
// "<crate_N>" belongs to the importer of archive N in the running
// process.
const Prefix = "<crate_"

// IsMangled reports whether the root segment of the qualified name
// carries the reserved prefix.
func IsMangled(name string) bool {
	root := name
	if i := strings.IndexByte(name, '.'); i >= 0 {
		root = name[:i]
	}
	return strings.HasPrefix(root, Prefix)
}

// IsMangledPath reports whether an archive record path begins with the
// reserved prefix.
func IsMangledPath(path string) bool {
	return strings.HasPrefix(path, Prefix)
}
