// Copyright 2019 The Crate Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crate

import (
	"strings"

	"github.com/cratepkg/crate/pickle"
	"github.com/cratepkg/crate/scan"
)

// getDependencies returns the modules src directly depends on, in
// first-occurrence order and de-duplicated.
//
// A "from pkg import sub" reference is ambiguous: sub may be a
// submodule or an attribute. If pkg.sub resolves as a module through
// the importer the dependency is pkg.sub and pkg itself is not
// recorded; otherwise the dependency is pkg alone.
func (e *Exporter) getDependencies(src, moduleName string, isPackage bool) []string {
	packageName := moduleName
	if !isPackage {
		if i := strings.LastIndexByte(moduleName, '.'); i >= 0 {
			packageName = moduleName[:i]
		} else {
			packageName = ""
		}
	}

	var (
		deps []string
		seen = make(map[string]bool)
	)
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			deps = append(deps, name)
		}
	}

	for _, d := range scan.SourceDependsOn(src, packageName) {
		if d.Symbol != "" {
			possible := d.Name + "." + d.Symbol
			if e.moduleExists(possible) {
				add(possible)
				continue
			}
		}
		// Implicitly externable names count as existing even when the
		// configured importers cannot resolve them; the hosting
		// environment provides them at load time.
		if e.moduleExists(d.Name) || canImplicitlyExtern(d.Name) {
			add(d.Name)
		}
	}
	return deps
}

// pickleDependencies walks a pickle stream and collects the module of
// every GLOBAL-class reference, order preserved, duplicates
// suppressed. The walk is lexical; no reduce function runs.
func pickleDependencies(data []byte) ([]string, error) {
	ops, err := pickle.GenOps(data)
	if err != nil {
		return nil, err
	}

	var (
		deps []string
		seen = make(map[string]bool)
	)
	for _, op := range ops {
		if op.Info.Name != "GLOBAL" {
			continue
		}
		arg, ok := op.Arg.(string)
		if !ok {
			continue
		}
		module := arg
		if i := strings.IndexByte(arg, ' '); i >= 0 {
			module = arg[:i]
		}
		if !seen[module] {
			seen[module] = true
			deps = append(deps, module)
		}
	}
	return deps, nil
}
