// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package promotion

import (
	"fmt"
	"path"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Eligibility decides which refs may be promoted to production.
type Eligibility struct {
	// Refs are exact names or path.Match globs ("main", "release/*").
	Refs []string `json:"refs" yaml:"refs" toml:"refs"`

	// VersionConstraint admits semver tags (">= 1.0.0"). Empty disables.
	VersionConstraint string `json:"version_constraint,omitempty" yaml:"version_constraint,omitempty" toml:"version_constraint,omitempty"`
}

// Validate checks every glob and the constraint.
func (e Eligibility) Validate() error {
	for _, p := range e.Refs {
		if _, err := path.Match(p, ""); err != nil {
			return fmt.Errorf("eligible ref %q: %w", p, err)
		}
	}
	if e.VersionConstraint != "" {
		if _, err := semver.NewConstraint(e.VersionConstraint); err != nil {
			return fmt.Errorf("version constraint %q: %w", e.VersionConstraint, err)
		}
	}
	return nil
}

// Eligible reports whether ref may be promoted and why.
func (e Eligibility) Eligible(ref string) (bool, string) {
	name := normalizeRef(ref)
	if name == "" {
		return false, "no ref"
	}

	for _, p := range e.Refs {
		if ok, _ := path.Match(p, name); ok {
			return true, fmt.Sprintf("ref %s matches %s", name, p)
		}
	}

	if e.VersionConstraint != "" {
		constraint, err := semver.NewConstraint(e.VersionConstraint)
		if err != nil {
			return false, fmt.Sprintf("bad version constraint: %v", err)
		}
		v, err := semver.NewVersion(name)
		if err == nil && constraint.Check(v) {
			return true, fmt.Sprintf("version %s satisfies %s", v, e.VersionConstraint)
		}
	}

	return false, fmt.Sprintf("ref %s is not production-eligible", name)
}

func normalizeRef(ref string) string {
	ref = strings.TrimSpace(ref)
	for _, prefix := range []string{"refs/heads/", "refs/tags/", "origin/"} {
		ref = strings.TrimPrefix(ref, prefix)
	}
	return ref
}
