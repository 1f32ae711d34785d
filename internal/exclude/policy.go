// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch

// Package exclude is the single exclusion policy shared by the Indexer and
// the Watcher, so the two can never disagree about which files are in
// scope. A candidate path is indexable iff it is not matched by any hard
// exclude AND (it is matched by a managed include OR it is not matched by
// the project .gitignore).
package exclude

import (
	"path"
	"path/filepath"
	"strings"
)

// Policy decides whether a path under the project root participates in
// indexing. Build one per daemon from the loaded config and hand the same
// instance to both the Indexer and the Watcher.
type Policy struct {
	root            string
	hardExcludes    []string
	gitignore       []string
	managedIncludes []string
}

// NewPolicy builds a policy rooted at projectRoot. hardExcludes always win;
// managedIncludes only override gitignore entries.
func NewPolicy(projectRoot string, hardExcludes, gitignore, managedIncludes []string) *Policy {
	return &Policy{
		root:            filepath.Clean(projectRoot),
		hardExcludes:    hardExcludes,
		gitignore:       gitignore,
		managedIncludes: managedIncludes,
	}
}

// ShouldIndex reports whether p (absolute or project-relative) is in scope.
func (pl *Policy) ShouldIndex(p string) bool {
	rel := pl.Rel(p)
	if rel == "" || rel == "." || strings.HasPrefix(rel, "..") {
		return false
	}

	for _, pattern := range pl.hardExcludes {
		if matchPattern(pattern, rel) {
			return false
		}
	}

	for _, pattern := range pl.managedIncludes {
		if matchPattern(pattern, rel) {
			return true
		}
	}

	for _, pattern := range pl.gitignore {
		if matchPattern(pattern, rel) {
			return false
		}
	}
	return true
}

// SkipDir reports whether an entire directory can be pruned from a walk.
// Managed includes may reach inside gitignored directories, so a directory
// is only pruned when a hard exclude matches it, or when gitignore matches
// it and no managed include could live beneath it.
func (pl *Policy) SkipDir(p string) bool {
	rel := pl.Rel(p)
	if rel == "" || rel == "." {
		return false
	}

	for _, pattern := range pl.hardExcludes {
		if matchPattern(pattern, rel) {
			return true
		}
	}

	ignored := false
	for _, pattern := range pl.gitignore {
		if matchPattern(pattern, rel) {
			ignored = true
			break
		}
	}
	if !ignored {
		return false
	}
	for _, pattern := range pl.managedIncludes {
		if strings.HasPrefix(strings.TrimPrefix(pattern, "/"), rel+"/") {
			return false
		}
	}
	return true
}

// Rel converts p to a clean, slash-separated path relative to the project
// root. Paths already relative are normalized in place.
func (pl *Policy) Rel(p string) string {
	p = filepath.Clean(p)
	if filepath.IsAbs(p) {
		r, err := filepath.Rel(pl.root, p)
		if err != nil {
			return ""
		}
		p = r
	}
	return filepath.ToSlash(p)
}

// matchPattern matches one gitignore-style pattern against a relative,
// slash-separated path. Supported shapes: bare names ("*.log", "dist"),
// directory patterns ("node_modules/"), anchored patterns ("/build"), and
// double-star globs (".claude/commands/**").
func matchPattern(pattern, rel string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false
	}

	anchored := strings.HasPrefix(pattern, "/")
	pattern = strings.TrimPrefix(pattern, "/")
	dirOnly := strings.HasSuffix(pattern, "/")
	pattern = strings.TrimSuffix(pattern, "/")

	if i := strings.Index(pattern, "/**"); i >= 0 {
		prefix := pattern[:i]
		return rel == prefix || strings.HasPrefix(rel, prefix+"/")
	}

	if dirOnly {
		// Matches the directory itself and everything beneath it, at any
		// depth unless anchored.
		if anchored {
			return rel == pattern || strings.HasPrefix(rel, pattern+"/")
		}
		for _, seg := range ancestors(rel) {
			if ok, _ := path.Match(pattern, path.Base(seg)); ok {
				return true
			}
		}
		return false
	}

	if anchored || strings.Contains(pattern, "/") {
		ok, _ := path.Match(pattern, rel)
		if ok {
			return true
		}
		return strings.HasPrefix(rel, pattern+"/")
	}

	// Unanchored file pattern: match the base name of the path or of any
	// ancestor directory.
	if ok, _ := path.Match(pattern, path.Base(rel)); ok {
		return true
	}
	for _, seg := range ancestors(rel) {
		if ok, _ := path.Match(pattern, path.Base(seg)); ok {
			return true
		}
	}
	return false
}

// ancestors lists rel and each of its parent paths, nearest last, e.g.
// "a/b/c" -> ["a", "a/b", "a/b/c"].
func ancestors(rel string) []string {
	parts := strings.Split(rel, "/")
	out := make([]string, 0, len(parts))
	for i := 1; i <= len(parts); i++ {
		out = append(out, strings.Join(parts[:i], "/"))
	}
	return out
}
