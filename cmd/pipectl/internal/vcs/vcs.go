// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vcs reads the ref and commit a pipeline run builds from.
package vcs

import (
	"errors"
	"fmt"
	"sort"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// ErrNotRepository is returned when dir is not inside a git work tree.
var ErrNotRepository = errors.New("not a git repository")

// Info describes HEAD of a work tree.
type Info struct {
	// Branch is the short branch name, empty when HEAD is detached.
	Branch string

	// Tags point at the HEAD commit, sorted.
	Tags []string

	Commit string
}

// Ref is the name used for promotion eligibility: the branch, else the
// first tag at HEAD, else the short commit.
func (i Info) Ref() string {
	switch {
	case i.Branch != "":
		return i.Branch
	case len(i.Tags) > 0:
		return i.Tags[0]
	default:
		return i.ShortCommit()
	}
}

// ShortCommit returns the first 12 characters of the commit hash.
func (i Info) ShortCommit() string {
	if len(i.Commit) > 12 {
		return i.Commit[:12]
	}
	return i.Commit
}

// Detect opens the repository containing dir and reads HEAD.
func Detect(dir string) (Info, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return Info{}, fmt.Errorf("%s: %w", dir, ErrNotRepository)
		}
		return Info{}, fmt.Errorf("open repository: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return Info{}, fmt.Errorf("resolve HEAD: %w", err)
	}

	info := Info{Commit: head.Hash().String()}
	if head.Name().IsBranch() {
		info.Branch = head.Name().Short()
	}

	tags, err := tagsAt(repo, head.Hash())
	if err != nil {
		return Info{}, err
	}
	info.Tags = tags
	return info, nil
}

// tagsAt lists lightweight and annotated tags that resolve to commit.
func tagsAt(repo *git.Repository, commit plumbing.Hash) ([]string, error) {
	iter, err := repo.Tags()
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer iter.Close()

	var names []string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		target := ref.Hash()
		if obj, err := repo.TagObject(target); err == nil {
			c, err := obj.Commit()
			if err != nil {
				return nil
			}
			target = c.Hash
		}
		if target == commit {
			names = append(names, ref.Name().Short())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk tags: %w", err)
	}
	sort.Strings(names)
	return names, nil
}
