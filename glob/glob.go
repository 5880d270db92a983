// Copyright 2019 The Crate Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package glob matches dotted module names against glob groups.
//
// A pattern is a dot-separated list of components. A literal component
// matches one segment byte-for-byte. Within a component, "*" matches
// any run of non-dot characters, so a lone "*" matches exactly one
// segment. The component "**" matches any number of segments,
// including zero. A name matches only if the whole name is consumed.
package glob

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

const separator = "."

// Group is a compiled (include AND NOT exclude) predicate over dotted
// names.
type Group struct {
	include []*regexp.Regexp
	exclude []*regexp.Regexp
	str     string
}

// NewGroup compiles include and exclude pattern lists into a Group.
func NewGroup(include []string, exclude []string) (*Group, error) {
	g := &Group{
		str: fmt.Sprintf("include=%v, exclude=%v", include, exclude),
	}

	var err error
	g.include, err = compileList(include)
	if err != nil {
		return nil, err
	}
	g.exclude, err = compileList(exclude)
	if err != nil {
		return nil, err
	}

	if len(g.include) == 0 {
		return nil, errors.New("glob group needs at least one include pattern")
	}
	return g, nil
}

// MustGroup is NewGroup for patterns known valid at compile time.
func MustGroup(include []string, exclude []string) *Group {
	g, err := NewGroup(include, exclude)
	if err != nil {
		panic(err)
	}
	return g
}

// Matches reports whether the dotted name is accepted by the group.
func (g *Group) Matches(name string) bool {
	// Prefixing the candidate with the separator lets every compiled
	// component uniformly consume a leading separator, which is what
	// makes zero-width "**" matches line up.
	candidate := separator + name
	ok := false
	for _, re := range g.include {
		if re.MatchString(candidate) {
			ok = true
			break
		}
	}
	if !ok {
		return false
	}
	for _, re := range g.exclude {
		if re.MatchString(candidate) {
			return false
		}
	}
	return true
}

// String returns the canonical include/exclude rendering. Two groups
// compiled from the same pattern lists render identically, which is
// what pattern-identity tracking keys on.
func (g *Group) String() string {
	return g.str
}

func compileList(patterns []string) ([]*regexp.Regexp, error) {
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := compile(p)
		if err != nil {
			return nil, err
		}
		res = append(res, re)
	}
	return res, nil
}

func compile(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, errors.New("empty glob pattern")
	}

	var b strings.Builder
	b.WriteString(`\A`)
	for _, component := range strings.Split(pattern, separator) {
		if strings.Contains(component, "**") {
			if component != "**" {
				return nil, errors.Errorf("invalid glob pattern %q: ** can only appear as a whole segment", pattern)
			}
			b.WriteString(`(\.[^.]+)*`)
			continue
		}
		b.WriteString(`\.`)
		for i, lit := range strings.Split(component, "*") {
			if i > 0 {
				b.WriteString(`[^.]*`)
			}
			b.WriteString(regexp.QuoteMeta(lit))
		}
	}
	b.WriteString(`\z`)

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, errors.Wrapf(err, "compiling glob pattern %q", pattern)
	}
	return re, nil
}
