// Copyright 2019 The Crate Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crate

import (
	"strings"

	"github.com/cratepkg/crate/glob"
	"github.com/cratepkg/crate/stdlib"
)

// Action is what a matching policy rule does with a module. The set is
// closed: every disposition an archive can express is one of these
// four.
type Action uint8

const (
	// ActionIntern copies the module's source into the archive.
	ActionIntern Action = iota
	// ActionMock replaces the module with a stub fabricating
	// attributes on access.
	ActionMock
	// ActionExtern declares the module in the manifest; the consumer
	// provides it at load time.
	ActionExtern
	// ActionDeny forbids the module; any occurrence aborts packaging.
	ActionDeny
)

// ParseAction maps a manifest action string onto an Action.
func ParseAction(s string) (Action, bool) {
	switch s {
	case "intern":
		return ActionIntern, true
	case "mock":
		return ActionMock, true
	case "extern":
		return ActionExtern, true
	case "deny":
		return ActionDeny, true
	}
	return 0, false
}

func (a Action) String() string {
	switch a {
	case ActionIntern:
		return "intern"
	case ActionMock:
		return "mock"
	case ActionExtern:
		return "extern"
	case ActionDeny:
		return "deny"
	}
	return "unknown"
}

// patternRule is one entry of the ordered policy table.
type patternRule struct {
	group      *glob.Group
	action     Action
	allowEmpty bool
}

// orderedSet records names uniquely, preserving first-insertion order.
type orderedSet struct {
	order []string
	set   map[string]bool
}

func newOrderedSet() *orderedSet {
	return &orderedSet{set: make(map[string]bool)}
}

func (s *orderedSet) add(name string) {
	if s.set[name] {
		return
	}
	s.set[name] = true
	s.order = append(s.order, name)
}

func (s *orderedSet) has(name string) bool {
	return s.set[name]
}

func (s *orderedSet) names() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

func (s *orderedSet) len() int {
	return len(s.order)
}

// frameworkRoot is the hosting framework's distinguished root: it is
// always externed, whether or not the stdlib oracle knows it.
const frameworkRoot = "torch"

// Even though these are in the standard library, we do not allow them
// to be automatically externed since they offer a lot of system level
// access.
var disallowedImplicitExtern = map[string]bool{
	"sys": true,
	"io":  true,
}

func rootSegment(name string) string {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return name
}

// canImplicitlyExtern decides whether a module may be declared
// external without any user rule: the framework root always can;
// stdlib roots can unless disallowed.
func canImplicitlyExtern(name string) bool {
	root := rootSegment(name)
	return root == frameworkRoot ||
		(!disallowedImplicitExtern[root] && stdlib.IsStdlibModule(root))
}

// classify runs the policy over every graph node in insertion order
// and then enforces closure: no unclassified nodes, no unsatisfied
// allow-empty=false rules.
func (e *Exporter) classify() error {
	for _, name := range e.graph.Nodes() {
		if err := e.classifyModule(name); err != nil {
			return err
		}
	}

	var unclassified []string
	for _, name := range e.graph.Nodes() {
		if e.internModules.has(name) || e.externModules.has(name) || e.mockModules.has(name) {
			continue
		}
		unclassified = append(unclassified, name)
	}
	if len(unclassified) != 0 {
		return &UnclassifiedModuleError{Modules: unclassified}
	}

	for _, r := range e.patterns {
		if !r.allowEmpty && !e.matchedPatterns[r.group.String()] {
			return &EmptyMatchError{Pattern: r.group.String()}
		}
	}
	return nil
}

// classifyModule applies the implicit-extern oracle, then the pattern
// table with first-match-wins semantics. A module matching nothing is
// left untouched; the unclassified sweep reports it.
func (e *Exporter) classifyModule(name string) error {
	if canImplicitlyExtern(name) {
		e.externModules.add(name)
		return nil
	}
	for _, r := range e.patterns {
		if !r.group.Matches(name) {
			continue
		}
		e.matchedPatterns[r.group.String()] = true
		switch r.action {
		case ActionIntern:
			e.internModules.add(name)
		case ActionMock:
			e.mockModules.add(name)
		case ActionExtern:
			e.externModules.add(name)
		case ActionDeny:
			return &DeniedModuleError{Module: name}
		}
		return nil
	}
	return nil
}
