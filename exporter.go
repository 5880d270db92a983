// Copyright 2019 The Crate Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package crate assembles self-contained archives of source code,
// pickled object graphs, and raw resources that can later be loaded
// hermetically: nothing is resolved from the host environment except
// modules explicitly declared external.
//
// An Exporter is fed user inputs through the save operations; each
// input's transitive dependencies are discovered through the importer
// and recorded in a dependency graph. Closing the exporter seals the
// graph: every node is classified by the ordered pattern policy into
// intern, mock, extern, or deny, the classification is validated, and
// the archive records are emitted deterministically.
package crate

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/cratepkg/crate/archive"
	"github.com/cratepkg/crate/digraph"
	"github.com/cratepkg/crate/glob"
	"github.com/cratepkg/crate/importer"
	"github.com/cratepkg/crate/log"
	"github.com/cratepkg/crate/mangling"
	"github.com/cratepkg/crate/pickle"
)

// minFormatVersion is declared to the sink at construction; consumers
// older than this cannot read the archive.
const minFormatVersion = 6

const sourceSuffix = ".py"

// Node attribute keys used in the dependency graph.
const (
	attrSource    = "src"
	attrIsPackage = "is_package"
	attrIsPickle  = "is_pickle"
	attrOrigin    = "origin"
)

// Source origins.
const (
	originUserProvided = "user_provided"
	originImported     = "imported"
	originPickle       = "pickle"
)

// Exporter writes a crate archive. A handle is exclusively owned by
// one caller: operations are synchronous and the type is not safe for
// concurrent use. After Close (successful or not) every operation
// fails.
type Exporter struct {
	// Logger, when non-nil, receives verbose dependency-resolution
	// tracing. Set it before the first save operation.
	Logger *log.Logger

	importer importer.Importer
	w        *archive.Writer
	graph    *digraph.Graph

	patterns        []patternRule
	matchedPatterns map[string]bool

	internModules *orderedSet
	externModules *orderedSet
	mockModules   *orderedSet

	storages    storageTrie
	storageKeys map[Storage]string

	uniqueID int64
	sealed   bool
}

// NewExporter returns an exporter writing into sink, resolving modules
// through the given importers in order.
func NewExporter(sink archive.Sink, importers ...importer.Importer) *Exporter {
	sink.SetMinVersion(minFormatVersion)

	var imp importer.Importer
	if len(importers) == 1 {
		imp = importers[0]
	} else {
		imp = importer.Ordered(importers...)
	}

	return &Exporter{
		importer:        imp,
		w:               archive.NewWriter(sink),
		graph:           digraph.New(),
		matchedPatterns: make(map[string]bool),
		internModules:   newOrderedSet(),
		externModules:   newOrderedSet(),
		mockModules:     newOrderedSet(),
		storages:        newStorageTrie(),
		storageKeys:     make(map[Storage]string),
	}
}

// Export opens path, hands a fresh exporter to fn, and guarantees the
// archive is left in a closed valid state on every exit path. When fn
// succeeds the exporter is sealed and the archive completed; when fn
// fails the container is finalized with whatever was written and fn's
// fault is returned.
func Export(path string, imp importer.Importer, fn func(e *Exporter) error) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating archive %s", path)
	}

	e := NewExporter(archive.NewZipSink(f), imp)
	if err := fn(e); err != nil {
		e.finalize()
		f.Close()
		return err
	}
	if err := e.Close(); err != nil {
		f.Close()
		return err
	}
	return errors.Wrapf(f.Close(), "closing archive %s", path)
}

// GetUniqueID returns an id guaranteed to be handed out once per
// archive.
func (e *Exporter) GetUniqueID() string {
	id := strconv.FormatInt(e.uniqueID, 10)
	e.uniqueID++
	return id
}

// SaveSourceString adds src as the source for moduleName. The module
// is implicitly interned. With dependencies true the source is scanned
// and every newly discovered dependency is resolved recursively.
func (e *Exporter) SaveSourceString(moduleName, src string, isPackage, dependencies bool) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := validateQualifiedName(moduleName); err != nil {
		return err
	}
	e.implicitIntern(moduleName)
	e.graph.AddNode(moduleName, digraph.Attrs{
		attrSource:    src,
		attrIsPackage: isPackage,
		attrOrigin:    originUserProvided,
	})

	if !dependencies {
		return nil
	}
	deps := e.getDependencies(src, moduleName, isPackage)
	e.traceDeps(moduleName, deps)
	for _, dep := range deps {
		if err := e.requireIfAbsent(dep); err != nil {
			return err
		}
		e.graph.AddEdge(moduleName, dep)
	}
	return nil
}

// SaveModule saves the code for moduleName into the archive, resolving
// it through the importer. The module is implicitly interned.
func (e *Exporter) SaveModule(moduleName string, dependencies bool) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := validateQualifiedName(moduleName); err != nil {
		return err
	}
	e.implicitIntern(moduleName)
	return e.saveModule(moduleName, dependencies)
}

// SavePickle serializes obj and stores the payload at
// <package>/<resource>. The pickle stream is probed for module
// references, which join the dependency graph exactly like scanned
// imports.
func (e *Exporter) SavePickle(pkg, resource string, obj interface{}, dependencies bool) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := validateQualifiedName(pkg); err != nil {
		return err
	}

	var buf bytes.Buffer
	p := pickle.NewPickler(&buf)
	p.SetPersistentID(e.persistentID)
	if err := p.Dump(obj); err != nil {
		return errors.Wrapf(err, "pickling %s/%s", pkg, resource)
	}
	data := buf.Bytes()

	// The pickle key is interned by construction (invariant: pickle
	// nodes are always interned), so its rule is prepended like any
	// other user-saved entry.
	key := fmt.Sprintf("<%s.%s>", pkg, resource)
	e.implicitIntern(key)
	e.graph.AddNode(key, digraph.Attrs{
		attrIsPickle: true,
		attrOrigin:   originPickle,
	})

	if dependencies {
		deps, err := pickleDependencies(data)
		if err != nil {
			return errors.Wrapf(err, "probing pickle %s/%s", pkg, resource)
		}
		e.traceDeps(key, deps)
		for _, dep := range deps {
			if err := e.requireIfAbsent(dep); err != nil {
				return err
			}
			e.graph.AddEdge(key, dep)
		}
	}
	return e.write(resourcePath(pkg, resource), data)
}

// SaveText saves text contents under <package>/<resource>. Raw
// resources do not participate in the dependency graph.
func (e *Exporter) SaveText(pkg, resource, text string) error {
	return e.SaveBinary(pkg, resource, []byte(text))
}

// SaveBinary saves raw bytes under <package>/<resource>.
func (e *Exporter) SaveBinary(pkg, resource string, data []byte) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := validateQualifiedName(pkg); err != nil {
		return err
	}
	return e.write(resourcePath(pkg, resource), data)
}

// Intern appends an intern rule to the policy.
func (e *Exporter) Intern(include, exclude []string, allowEmpty bool) error {
	return e.appendPattern(ActionIntern, include, exclude, allowEmpty)
}

// Mock appends a mock rule: matching modules are replaced by a stub
// that fabricates an opaque placeholder for any attribute accessed
// from it.
func (e *Exporter) Mock(include, exclude []string, allowEmpty bool) error {
	return e.appendPattern(ActionMock, include, exclude, allowEmpty)
}

// Extern appends an extern rule: matching modules are declared in the
// archive manifest and must be provided by the loading environment.
func (e *Exporter) Extern(include, exclude []string, allowEmpty bool) error {
	return e.appendPattern(ActionExtern, include, exclude, allowEmpty)
}

// Deny appends a deny rule: if packaging ever requires a matching
// module, sealing aborts with DeniedModuleError.
func (e *Exporter) Deny(include, exclude []string) error {
	return e.appendPattern(ActionDeny, include, exclude, true)
}

// AddRule appends a policy rule by action value; manifest-driven
// callers use this instead of the four named methods.
func (e *Exporter) AddRule(action Action, include, exclude []string, allowEmpty bool) error {
	if action == ActionDeny {
		allowEmpty = true
	}
	return e.appendPattern(action, include, exclude, allowEmpty)
}

func (e *Exporter) appendPattern(action Action, include, exclude []string, allowEmpty bool) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	g, err := glob.NewGroup(include, exclude)
	if err != nil {
		return err
	}
	e.patterns = append(e.patterns, patternRule{group: g, action: action, allowEmpty: allowEmpty})
	return nil
}

// implicitIntern prepends an exact intern rule for a user-saved
// module, so it takes precedence over every user pattern.
func (e *Exporter) implicitIntern(moduleName string) {
	r := patternRule{
		group:      glob.MustGroup([]string{moduleName}, nil),
		action:     ActionIntern,
		allowEmpty: false,
	}
	e.patterns = append([]patternRule{r}, e.patterns...)
}

// requireIfAbsent resolves a discovered dependency unless it is
// already in the graph or can be implicitly externed. Graph membership
// is checked before recursing, which is what terminates cycles. A
// dependency that resolves but has no source (a built-in or extension
// module) is recorded without being scanned; it only faults at seal
// time if the policy interns it.
func (e *Exporter) requireIfAbsent(moduleName string) error {
	if e.graph.Contains(moduleName) || canImplicitlyExtern(moduleName) {
		return nil
	}
	err := e.saveModule(moduleName, true)
	if importer.IsSourceUnavailable(err) {
		e.graph.AddNode(moduleName, digraph.Attrs{
			attrOrigin: originImported,
		})
		return nil
	}
	return err
}

func (e *Exporter) saveModule(moduleName string, dependencies bool) error {
	m, err := e.importModule(moduleName)
	if err != nil {
		return err
	}
	src, err := m.Source()
	if err != nil {
		return err
	}
	e.graph.AddNode(moduleName, digraph.Attrs{
		attrOrigin: originImported,
	})

	if !dependencies {
		return nil
	}
	deps := e.getDependencies(src, moduleName, m.IsPackage)
	e.traceDeps(moduleName, deps)
	for _, dep := range deps {
		if err := e.requireIfAbsent(dep); err != nil {
			return err
		}
		e.graph.AddEdge(moduleName, dep)
	}
	return nil
}

func (e *Exporter) importModule(moduleName string) (*importer.Module, error) {
	m, err := e.importer.ImportModule(moduleName)
	if err == nil {
		return m, nil
	}
	if importer.IsNotFound(err) && mangling.IsMangled(moduleName) {
		return nil, &importer.NotFoundError{
			Module: moduleName,
			Reason: "modules loaded from a crate archive cannot be re-exported directly",
		}
	}
	return nil, err
}

func (e *Exporter) moduleExists(moduleName string) bool {
	_, err := e.importModule(moduleName)
	return err == nil
}

// persistentID is the hook installed on the pickler. Storages are
// recorded into the storage table under a minted key and replaced by a
// storage reference; objects with a packaging reduction are replaced
// by their reduction payload.
func (e *Exporter) persistentID(obj interface{}) (interface{}, bool) {
	switch v := obj.(type) {
	case Storage:
		key, ok := e.storageKeys[v]
		if !ok {
			key = e.GetUniqueID()
			e.storageKeys[v] = key
			e.storages.Insert(key, v)
		}
		return pickle.Tuple{"storage", v.TypeTag(), key, v.Location(), v.ElemCount()}, true
	case PackageReducer:
		return pickle.Tuple(append([]interface{}{"reduce_package"}, v.ReducePackage(e)...)), true
	}
	return nil, false
}

// Close seals the exporter: classification runs once, the archive is
// emitted, and the container is finalized. On a fault the container is
// still finalized into a closed valid state and the fault returned.
// Any call after Close is invalid.
func (e *Exporter) Close() error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	e.sealed = true

	if e.Logger != nil {
		e.Logger.Logf("dependency graph for exported package:\n%s", e.graphDOT(""))
	}

	if err := e.seal(); err != nil {
		e.w.Close()
		return err
	}
	return e.w.Close()
}

// finalize does the bare minimum to leave the underlying container in
// a valid closed state, without sealing. Used on exceptional exits.
func (e *Exporter) finalize() {
	e.sealed = true
	e.w.Close()
}

func (e *Exporter) seal() error {
	if err := e.classify(); err != nil {
		return err
	}

	if e.mockModules.len() != 0 {
		if err := e.writeSourceString(mockModuleName, mockSource, false); err != nil {
			return err
		}
	}
	for _, name := range e.mockModules.names() {
		m, err := e.importModule(name)
		if err != nil {
			return err
		}
		if err := e.writeSourceString(name, mockRedirect, m.IsPackage); err != nil {
			return err
		}
	}

	for _, name := range e.internModules.names() {
		attrs := e.graph.Attrs(name)
		if attrs[attrIsPickle] == true {
			// The pickle payload was written by SavePickle; a pickle
			// key has no source of its own.
			continue
		}
		var (
			src       string
			isPackage bool
		)
		if s, ok := attrs[attrSource].(string); ok {
			src = s
			isPackage, _ = attrs[attrIsPackage].(bool)
		} else {
			m, err := e.importModule(name)
			if err != nil {
				return err
			}
			src, err = m.Source()
			if err != nil {
				return err
			}
			isPackage = m.IsPackage
		}
		if err := e.writeSourceString(name, src, isPackage); err != nil {
			return err
		}
	}

	manifest := strings.Join(e.externModules.names(), "\n") + "\n"
	if err := e.write(externModulesRecord, []byte(manifest)); err != nil {
		return err
	}

	var storageErr error
	e.storages.Walk(func(key string, s Storage) bool {
		if !s.Local() {
			s = s.ToLocal()
		}
		b, err := s.Bytes()
		if err != nil {
			storageErr = errors.Wrapf(err, "reading storage %s", key)
			return true
		}
		if err := e.write(".data/"+key+".storage", b); err != nil {
			storageErr = err
			return true
		}
		return false
	})
	return storageErr
}

// externModulesRecord is the reserved path of the extern manifest.
const externModulesRecord = ".data/extern_modules"

func (e *Exporter) write(name string, data []byte) error {
	return e.w.WriteRecord(name, data)
}

func (e *Exporter) writeSourceString(moduleName, src string, isPackage bool) error {
	filename := strings.Replace(moduleName, ".", "/", -1)
	if isPackage {
		filename += "/__init__" + sourceSuffix
	} else {
		filename += sourceSuffix
	}
	return e.write(filename, []byte(src))
}

func (e *Exporter) checkOpen() error {
	if e.sealed {
		return errors.New("exporter has been closed; no further operations are valid")
	}
	return nil
}

func (e *Exporter) traceDeps(name string, deps []string) {
	if e.Logger == nil {
		return
	}
	var buf bytes.Buffer
	for _, d := range deps {
		fmt.Fprintf(&buf, "  %s\n", d)
	}
	e.Logger.Logf("%s depends on:\n%s\n", name, buf.String())
}

// graphDOT renders the dependency graph in DOT form for tracing.
// failing, when non-empty, highlights the node that broke sealing.
func (e *Exporter) graphDOT(failing string) string {
	var buf bytes.Buffer
	buf.WriteString("digraph G {\nrankdir = LR;\nnode [shape=box];\n")
	if failing != "" {
		fmt.Fprintf(&buf, "%q [color=red];\n", failing)
	}
	for _, edge := range e.graph.Edges() {
		fmt.Fprintf(&buf, "%q -> %q;\n", edge[0], edge[1])
	}
	buf.WriteString("}\n")
	return buf.String()
}

// resourcePath assembles <package>/<resource>, normalising the
// resource's separators.
func resourcePath(pkg, resource string) string {
	resource = strings.Replace(resource, "\\", "/", -1)
	return strings.Replace(pkg, ".", "/", -1) + "/" + resource
}

// validateQualifiedName rejects names that cannot denote a module:
// empty names, empty segments, and reserved pickle-key syntax. Mangled
// names pass here; they are refused at import and emission time with
// their own diagnostics.
func validateQualifiedName(name string) error {
	if name == "" {
		return &archive.InvalidNameError{Name: name, Reason: "empty module name"}
	}
	if strings.HasPrefix(name, "<") && !mangling.IsMangled(name) {
		return &archive.InvalidNameError{Name: name, Reason: "angle-bracket names are reserved for pickle keys"}
	}
	for _, seg := range strings.Split(name, ".") {
		if seg == "" {
			return &archive.InvalidNameError{Name: name, Reason: "empty name segment"}
		}
	}
	return nil
}
