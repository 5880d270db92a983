// Copyright 2019 The Crate Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crate

import (
	"bytes"
	"fmt"
	"sort"
)

// EmptyMatchError is raised when a rule registered with
// allowEmpty=false matched no module by the time the archive was
// sealed.
type EmptyMatchError struct {
	Pattern string
}

func (e *EmptyMatchError) Error() string {
	return fmt.Sprintf("exporter did not match any modules to {%s}, which was marked as allow-empty=false", e.Pattern)
}

// DeniedModuleError is raised when a pattern added with Deny matches a
// module required during packaging.
type DeniedModuleError struct {
	Module string
}

func (e *DeniedModuleError) Error() string {
	return fmt.Sprintf("%s was required during packaging but has been explicitly blocklisted", e.Module)
}

// UnclassifiedModuleError is raised at seal time when required modules
// matched no rule at all.
type UnclassifiedModuleError struct {
	Modules []string
}

func (e *UnclassifiedModuleError) Error() string {
	names := make([]string, len(e.Modules))
	copy(names, e.Modules)
	sort.Strings(names)

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%d required modules matched no intern, mock, or extern rule:", len(names))
	for _, n := range names {
		fmt.Fprintf(&buf, "\n\t%s", n)
	}
	fmt.Fprintf(&buf, "\nadd an intern, extern, or mock pattern covering them")
	return buf.String()
}
