// Copyright 2019 The Crate Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package importer

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"
)

// DirImporter resolves qualified names against one or more source
// roots on disk. The index is built once at construction; roots are
// searched in the order given, and within a root the first definition
// of a name wins.
type DirImporter struct {
	roots []string
	index map[string]*Module
}

// NewDirImporter walks the given roots and indexes every module found
// under them. A directory is a package iff it contains __init__.py.
func NewDirImporter(roots ...string) (*DirImporter, error) {
	if len(roots) == 0 {
		return nil, errors.New("dir importer needs at least one source root")
	}
	d := &DirImporter{
		roots: roots,
		index: make(map[string]*Module),
	}
	for _, root := range roots {
		if err := d.indexRoot(root); err != nil {
			return nil, errors.Wrapf(err, "indexing source root %s", root)
		}
	}
	return d, nil
}

// ImportModule implements Importer.
func (d *DirImporter) ImportModule(name string) (*Module, error) {
	if m, ok := d.index[name]; ok {
		return m, nil
	}
	return nil, &NotFoundError{Module: name}
}

func (d *DirImporter) indexRoot(root string) error {
	root = filepath.Clean(root)
	if fi, err := os.Stat(root); err != nil {
		return err
	} else if !fi.IsDir() {
		return errors.Errorf("%s is not a directory", root)
	}

	return godirwalk.Walk(root, &godirwalk.Options{
		// The default sorted scan keeps index construction
		// deterministic across runs.
		Callback: func(osPathname string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				if strings.HasPrefix(de.Name(), ".") || de.Name() == "__pycache__" {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(de.Name(), ".py") {
				return nil
			}
			rel, err := filepath.Rel(root, osPathname)
			if err != nil {
				return err
			}
			name, isPackage, ok := moduleName(filepath.ToSlash(rel))
			if !ok {
				return nil
			}
			if _, exists := d.index[name]; exists {
				return nil
			}
			d.index[name] = &Module{Name: name, Path: osPathname, IsPackage: isPackage}
			return nil
		},
	})
}

// moduleName maps a slash path relative to a root onto a qualified
// name: a/b/c.py becomes a.b.c, a/b/__init__.py becomes package a.b.
func moduleName(rel string) (name string, isPackage bool, ok bool) {
	rel = strings.TrimSuffix(rel, ".py")
	segs := strings.Split(rel, "/")
	if segs[len(segs)-1] == "__init__" {
		segs = segs[:len(segs)-1]
		isPackage = true
	}
	if len(segs) == 0 {
		return "", false, false
	}
	for _, s := range segs {
		if !validSegment(s) {
			return "", false, false
		}
	}
	return strings.Join(segs, "."), isPackage, true
}

func validSegment(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 0:
		case c == '_':
		default:
			return false
		}
	}
	return true
}
