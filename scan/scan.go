// Copyright 2019 The Crate Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package scan extracts import references from Python source text.
//
// The scan is purely lexical: string literals and comments are blanked
// out, physical lines are joined into logical lines, and only lines
// that begin with "import" or "from" are considered. No code is
// executed and no AST is built, so references constructed dynamically
// (e.g. via __import__) are invisible by design.
package scan

import "strings"

// Dependency is one import reference found in a module's source.
// Symbol carries the trailing name of a "from Name import Symbol"
// form; it is empty for plain imports and star imports. The caller
// decides whether Symbol denotes a submodule or an attribute.
type Dependency struct {
	Name   string
	Symbol string
}

// SourceDependsOn returns the import references of src in first
// occurrence order, de-duplicated. Relative references are resolved
// against packageName, the name of the package enclosing the module
// being scanned; unresolvable relative references are dropped.
func SourceDependsOn(src, packageName string) []Dependency {
	var (
		out  []Dependency
		seen = make(map[Dependency]bool)
	)
	add := func(d Dependency) {
		if !validName(d.Name) || seen[d] {
			return
		}
		seen[d] = true
		out = append(out, d)
	}

	for _, line := range logicalLines(stripLiterals(src)) {
		toks := tokens(line)
		if len(toks) == 0 {
			continue
		}
		switch toks[0] {
		case "import":
			for _, name := range parseNames(toks[1:]) {
				add(Dependency{Name: name})
			}
		case "from":
			if len(toks) < 4 || toks[2] != "import" {
				continue
			}
			module, ok := resolveRelative(toks[1], packageName)
			if !ok {
				continue
			}
			for _, sym := range parseNames(toks[3:]) {
				if sym == "*" {
					add(Dependency{Name: module})
					continue
				}
				add(Dependency{Name: module, Symbol: sym})
			}
		}
	}
	return out
}

// tokens splits a logical line on whitespace after neutralizing the
// punctuation import statements allow.
func tokens(line string) []string {
	r := strings.NewReplacer("(", " ", ")", " ", ",", " ", ";", " ; ")
	fields := strings.Fields(r.Replace(line))
	// A line like "import a; x = 1" only contributes its first
	// statement.
	for i, f := range fields {
		if f == ";" {
			return fields[:i]
		}
	}
	return fields
}

// parseNames consumes an import name list: name [as alias] pairs,
// already comma-stripped.
func parseNames(toks []string) []string {
	var names []string
	for i := 0; i < len(toks); i++ {
		if toks[i] == "as" {
			i++ // skip the alias
			continue
		}
		names = append(names, toks[i])
	}
	return names
}

// resolveRelative turns the module token of a from-import into an
// absolute qualified name. A token of ".sub" with level N leading dots
// resolves against packageName the way the language runtime resolves
// relative imports: level 1 is the package itself, each further level
// strips one trailing segment.
func resolveRelative(token, packageName string) (string, bool) {
	level := 0
	for level < len(token) && token[level] == '.' {
		level++
	}
	rest := token[level:]
	if level == 0 {
		return rest, rest != ""
	}
	if packageName == "" {
		return "", false
	}
	parts := strings.Split(packageName, ".")
	if level-1 >= len(parts) && level > 1 {
		return "", false
	}
	base := parts[:len(parts)-(level-1)]
	if len(base) == 0 {
		return "", false
	}
	if rest == "" {
		return strings.Join(base, "."), true
	}
	return strings.Join(base, ".") + "." + rest, true
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for _, seg := range strings.Split(name, ".") {
		if seg == "" {
			return false
		}
		for i := 0; i < len(seg); i++ {
			c := seg[i]
			switch {
			case c >= 'a' && c <= 'z':
			case c >= 'A' && c <= 'Z':
			case c >= '0' && c <= '9':
			case c == '_':
			default:
				return false
			}
		}
	}
	return true
}

// stripLiterals blanks out comments and string literal contents while
// preserving line structure, so the line joiner and the import parser
// never see text that is only data.
func stripLiterals(src string) string {
	var b strings.Builder
	i, n := 0, len(src)
	for i < n {
		c := src[i]
		switch {
		case c == '#':
			for i < n && src[i] != '\n' {
				i++
			}
		case c == '\'' || c == '"':
			q := c
			if i+2 < n && src[i+1] == q && src[i+2] == q {
				i += 3
				for i < n {
					if src[i] == '\\' {
						i += 2
						continue
					}
					if src[i] == q && i+2 < n && src[i+1] == q && src[i+2] == q {
						i += 3
						break
					}
					if src[i] == '\n' {
						b.WriteByte('\n')
					}
					i++
				}
			} else {
				i++
				for i < n && src[i] != q && src[i] != '\n' {
					if src[i] == '\\' {
						i++
					}
					i++
				}
				if i < n && src[i] == q {
					i++
				}
			}
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

// logicalLines joins physical lines across backslash continuations and
// open bracket groups.
func logicalLines(clean string) []string {
	var (
		out   []string
		cur   strings.Builder
		depth int
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	for _, line := range strings.Split(clean, "\n") {
		for i := 0; i < len(line); i++ {
			switch line[i] {
			case '(', '[', '{':
				depth++
			case ')', ']', '}':
				if depth > 0 {
					depth--
				}
			}
		}
		trimmed := strings.TrimRight(line, " \t")
		if strings.HasSuffix(trimmed, "\\") {
			cur.WriteString(trimmed[:len(trimmed)-1])
			cur.WriteByte(' ')
			continue
		}
		cur.WriteString(line)
		if depth > 0 {
			cur.WriteByte(' ')
			continue
		}
		flush()
	}
	flush()
	return out
}
