// Copyright 2019 The Crate Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crate

import (
	"io"
	"io/ioutil"

	"github.com/Masterminds/semver"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
)

// ManifestName is the filename of the packaging manifest a project
// directory carries.
const ManifestName = "Crate.toml"

// Manifest is a declarative description of one packaging run: where
// sources live, which modules to save, the ordered policy, and which
// raw resources to include.
type Manifest struct {
	// RequiredCrateVersion, when set, is a semver constraint the tool
	// version must satisfy.
	RequiredCrateVersion *semver.Constraints
	requiredVersionStr   string

	// SourceRoots are directories resolved relative to the manifest.
	SourceRoots []string

	// Modules are saved through the importer, in order.
	Modules []string

	// Rules is the ordered policy table.
	Rules []ManifestRule

	// Resources are raw files copied into the archive.
	Resources []Resource
}

// ManifestRule is one policy entry.
type ManifestRule struct {
	Action     Action
	Include    []string
	Exclude    []string
	AllowEmpty bool
}

// Resource names a raw file to include under <package>/<name>.
type Resource struct {
	Package string
	Name    string
	File    string
}

type rawManifest struct {
	RequiredCrateVersion string        `toml:"required-crate-version"`
	SourceRoots          []string      `toml:"source-roots"`
	Modules              []string      `toml:"modules"`
	Rules                []rawRule     `toml:"rule"`
	Resources            []rawResource `toml:"resource"`
}

type rawRule struct {
	Action     string   `toml:"action"`
	Include    []string `toml:"include"`
	Exclude    []string `toml:"exclude"`
	AllowEmpty *bool    `toml:"allow-empty"`
}

type rawResource struct {
	Package string `toml:"package"`
	Name    string `toml:"name"`
	File    string `toml:"file"`
}

// ReadManifest parses and validates a manifest.
func ReadManifest(r io.Reader) (*Manifest, error) {
	buf, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading manifest")
	}

	raw := rawManifest{}
	if err := toml.Unmarshal(buf, &raw); err != nil {
		return nil, errors.Wrap(err, "parsing manifest")
	}
	return fromRaw(raw)
}

func fromRaw(raw rawManifest) (*Manifest, error) {
	m := &Manifest{
		SourceRoots: raw.SourceRoots,
		Modules:     raw.Modules,
	}

	if raw.RequiredCrateVersion != "" {
		c, err := semver.NewConstraint(raw.RequiredCrateVersion)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid required-crate-version %q", raw.RequiredCrateVersion)
		}
		m.RequiredCrateVersion = c
		m.requiredVersionStr = raw.RequiredCrateVersion
	}

	for i, rr := range raw.Rules {
		action, ok := ParseAction(rr.Action)
		if !ok {
			return nil, errors.Errorf("rule %d: unknown action %q, must be one of intern, mock, extern, deny", i+1, rr.Action)
		}
		if len(rr.Include) == 0 {
			return nil, errors.Errorf("rule %d (%s): needs at least one include pattern", i+1, rr.Action)
		}
		allowEmpty := true
		if rr.AllowEmpty != nil {
			allowEmpty = *rr.AllowEmpty
		}
		if action == ActionDeny && !allowEmpty {
			return nil, errors.Errorf("rule %d: deny rules cannot set allow-empty = false", i+1)
		}
		m.Rules = append(m.Rules, ManifestRule{
			Action:     action,
			Include:    rr.Include,
			Exclude:    rr.Exclude,
			AllowEmpty: allowEmpty,
		})
	}

	for i, rr := range raw.Resources {
		if rr.Package == "" || rr.Name == "" || rr.File == "" {
			return nil, errors.Errorf("resource %d: package, name, and file are all required", i+1)
		}
		m.Resources = append(m.Resources, Resource(rr))
	}
	return m, nil
}

// CheckToolVersion verifies the running tool satisfies the manifest's
// version constraint, if any.
func (m *Manifest) CheckToolVersion(version string) error {
	if m.RequiredCrateVersion == nil {
		return nil
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return errors.Wrapf(err, "invalid tool version %q", version)
	}
	if !m.RequiredCrateVersion.Check(v) {
		return errors.Errorf("crate %s does not satisfy the manifest's required-crate-version %q", version, m.requiredVersionStr)
	}
	return nil
}

// Apply registers the manifest's policy rules on the exporter in
// declaration order.
func (m *Manifest) Apply(e *Exporter) error {
	for _, r := range m.Rules {
		if err := e.AddRule(r.Action, r.Include, r.Exclude, r.AllowEmpty); err != nil {
			return err
		}
	}
	return nil
}
