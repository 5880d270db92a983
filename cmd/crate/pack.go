// Copyright 2019 The Crate Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/cratepkg/crate"
	"github.com/cratepkg/crate/importer"
	"github.com/cratepkg/crate/log"
)

const packShortHelp = "Build the archive described by a Crate.toml manifest"
const packLongHelp = `
Pack reads a Crate.toml manifest, resolves every declared module and
its transitive dependencies through the manifest's source roots,
classifies the result against the manifest's intern/mock/extern/deny
rules, and writes a self-contained archive.

The archive is reproducible: the same manifest over the same sources
produces byte-identical output.
`

type packCommand struct {
	manifest string
	output   string
	cache    string
	verbose  bool
}

func (cmd *packCommand) Name() string      { return "pack" }
func (cmd *packCommand) Args() string      { return "" }
func (cmd *packCommand) ShortHelp() string { return packShortHelp }
func (cmd *packCommand) LongHelp() string  { return packLongHelp }

func (cmd *packCommand) Register(fs *flag.FlagSet) {
	fs.StringVar(&cmd.manifest, "f", crate.ManifestName, "path to the packaging manifest")
	fs.StringVar(&cmd.output, "o", "", "output archive path (default: <manifest dir>.crate)")
	fs.StringVar(&cmd.cache, "cache", "", "path to a persistent source cache database")
	fs.BoolVar(&cmd.verbose, "v", false, "enable verbose dependency tracing")
}

func (cmd *packCommand) Run(out, errs *log.Logger, args []string) error {
	if len(args) != 0 {
		return errors.Errorf("too many args (%d)", len(args))
	}

	mf, err := os.Open(cmd.manifest)
	if err != nil {
		return errors.Wrapf(err, "opening manifest %s", cmd.manifest)
	}
	m, err := crate.ReadManifest(mf)
	mf.Close()
	if err != nil {
		return err
	}
	if err := m.CheckToolVersion(crate.Version); err != nil {
		return err
	}
	if len(m.SourceRoots) == 0 {
		return errors.New("manifest declares no source-roots")
	}

	base, err := filepath.Abs(filepath.Dir(cmd.manifest))
	if err != nil {
		return err
	}

	roots := make([]string, len(m.SourceRoots))
	for i, r := range m.SourceRoots {
		if filepath.IsAbs(r) {
			roots[i] = r
		} else {
			roots[i] = filepath.Join(base, r)
		}
	}
	var imp importer.Importer
	imp, err = importer.NewDirImporter(roots...)
	if err != nil {
		return err
	}
	if cmd.cache != "" {
		ci, err := importer.NewCachingImporter(imp, cmd.cache)
		if err != nil {
			return err
		}
		defer ci.Close()
		imp = ci
	}

	output := cmd.output
	if output == "" {
		output = filepath.Base(base) + ".crate"
	}

	err = crate.Export(output, imp, func(e *crate.Exporter) error {
		if cmd.verbose {
			e.Logger = errs
		}
		if err := m.Apply(e); err != nil {
			return err
		}
		for _, mod := range m.Modules {
			if err := e.SaveModule(mod, true); err != nil {
				return err
			}
		}
		for _, r := range m.Resources {
			p := r.File
			if !filepath.IsAbs(p) {
				p = filepath.Join(base, p)
			}
			b, err := ioutil.ReadFile(p)
			if err != nil {
				return errors.Wrapf(err, "reading resource %s", r.File)
			}
			if err := e.SaveBinary(r.Package, r.Name, b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// A failed pack leaves a finalized but incomplete container
		// behind; remove it so nothing downstream mistakes it for a
		// good archive.
		os.Remove(output)
		return err
	}

	out.Logf("wrote %s\n", output)
	return nil
}

const versionHelp = "Show the crate tool version"

type versionCommand struct{}

func (cmd *versionCommand) Name() string           { return "version" }
func (cmd *versionCommand) Args() string           { return "" }
func (cmd *versionCommand) ShortHelp() string      { return versionHelp }
func (cmd *versionCommand) LongHelp() string       { return versionHelp }
func (cmd *versionCommand) Register(*flag.FlagSet) {}

func (cmd *versionCommand) Run(out, errs *log.Logger, args []string) error {
	out.Logf("crate version %s\n", strings.TrimSpace(crate.Version))
	return nil
}
