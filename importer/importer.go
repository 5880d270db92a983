// Copyright 2019 The Crate Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package importer resolves qualified module names to source handles.
// Importers are lookup oracles: they never fetch anything over a
// network, they only answer what is already on disk (or in memory, or
// in a cache).
package importer

import (
	"fmt"
	"io/ioutil"
	"strings"

	"github.com/pkg/errors"

	"github.com/cratepkg/crate/mangling"
)

// Module is a handle for a resolved module. A handle does not imply
// that source text is retrievable; built-in and extension modules
// resolve but have no source file.
type Module struct {
	Name      string
	Path      string
	IsPackage bool

	src []byte // non-nil when source is already in memory
}

// Source returns the module's source text. It fails with
// *SourceUnavailableError when the handle has no retrievable source.
func (m *Module) Source() (string, error) {
	if m.src != nil {
		return string(m.src), nil
	}
	if m.Path == "" || !strings.HasSuffix(m.Path, ".py") {
		return "", &SourceUnavailableError{Module: m.Name, Path: m.Path}
	}
	b, err := ioutil.ReadFile(m.Path)
	if err != nil {
		return "", errors.Wrapf(err, "reading source of %s", m.Name)
	}
	return string(b), nil
}

// NewSourceModule returns a handle whose source text lives in memory.
func NewSourceModule(name, src string, isPackage bool) *Module {
	return &Module{Name: name, IsPackage: isPackage, src: []byte(src)}
}

// Importer is the lookup oracle contract.
type Importer interface {
	// ImportModule resolves name to a handle, failing with
	// *NotFoundError when the name is unresolvable.
	ImportModule(name string) (*Module, error)
}

// NotFoundError reports an unresolvable module name.
type NotFoundError struct {
	Module string
	Reason string
}

func (e *NotFoundError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("module not found: %q. %s", e.Module, e.Reason)
	}
	return fmt.Sprintf("module not found: %q", e.Module)
}

// IsNotFound reports whether err (or its cause) is a NotFoundError.
func IsNotFound(err error) bool {
	_, ok := errors.Cause(err).(*NotFoundError)
	return ok
}

// SourceUnavailableError reports a module that resolved but has no
// on-disk source, such as a built-in or extension module.
type SourceUnavailableError struct {
	Module string
	Path   string
}

func (e *SourceUnavailableError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("cannot retrieve source for module %q: no source file", e.Module)
	}
	return fmt.Sprintf("cannot retrieve source for module %q: %q is not a source file", e.Module, e.Path)
}

// IsSourceUnavailable reports whether err (or its cause) is a
// SourceUnavailableError.
func IsSourceUnavailable(err error) bool {
	_, ok := errors.Cause(err).(*SourceUnavailableError)
	return ok
}

// OrderedImporter tries a sequence of importers in order; the first
// success wins. Lookup failures fall through, any other failure is
// surfaced immediately.
type OrderedImporter struct {
	importers []Importer
}

// Ordered builds an OrderedImporter over the given chain.
func Ordered(importers ...Importer) *OrderedImporter {
	return &OrderedImporter{importers: importers}
}

// ImportModule implements Importer.
func (o *OrderedImporter) ImportModule(name string) (*Module, error) {
	if mangling.IsMangled(name) {
		return nil, &NotFoundError{
			Module: name,
			Reason: "modules loaded from a crate archive cannot be re-exported directly",
		}
	}
	for _, imp := range o.importers {
		m, err := imp.ImportModule(name)
		if err == nil {
			return m, nil
		}
		if !IsNotFound(err) {
			return nil, err
		}
	}
	return nil, &NotFoundError{Module: name}
}
