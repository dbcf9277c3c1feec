package checker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

// Builtins returns the compiled-in checkers registered during the first
// discovery phase. Slice order is registration order and therefore the
// default execution order when no explicit ordering is configured.
func Builtins() []Checker {
	return []Checker{
		NewWorkspaceChecker(),
		NewGitignoreChecker(),
		NewDepsChecker(),
		NewLargeFilesChecker(),
	}
}

// skipDirs are directory names never descended into during target walks.
var skipDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	"vendor":       true,
	"node_modules": true,
	"testdata":     true,
	".idea":        true,
	".vscode":      true,
	"dist":         true,
	"build":        true,
	"target":       true,
	"__pycache__":  true,
}

// IgnoredDir reports whether a directory name is excluded from target
// walks and file watching.
func IgnoredDir(name string) bool {
	return skipDirs[name]
}

// walkFiles walks the target tree depth-first, honoring ctx cancellation
// and the skipDirs list, and calls visit with the slash-separated path
// relative to root for every regular file. Unreadable entries are
// skipped rather than failing the walk.
func walkFiles(ctx context.Context, root string, visit func(rel string, info os.FileInfo) error) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil {
			return nil
		}

		if info.IsDir() {
			if path != root && skipDirs[info.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		return visit(filepath.ToSlash(rel), info)
	})
}

// matchGlob matches a relative path against a glob pattern. Patterns
// containing a slash match the full relative path; bare patterns match
// the base name, mirroring common ignore-file behavior.
func matchGlob(rel, glob string) bool {
	if strings.Contains(glob, "/") {
		ok, err := filepath.Match(glob, rel)
		return err == nil && ok
	}
	ok, err := filepath.Match(glob, filepath.Base(rel))
	return err == nil && ok
}
