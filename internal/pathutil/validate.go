// Package pathutil confines file paths supplied by MCP clients to known
// directories.
package pathutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideRoots is returned when a path escapes every allowed root.
var ErrOutsideRoots = errors.New("pathutil: path outside allowed directories")

// Redact shortens path to ".../<parent>/<name>" for error messages.
func Redact(path string) string {
	if path == "" {
		return ""
	}
	clean := filepath.Clean(path)
	parent := filepath.Base(filepath.Dir(clean))
	if parent == "." || parent == string(filepath.Separator) {
		return filepath.Base(clean)
	}
	return ".../" + parent + "/" + filepath.Base(clean)
}

// Within returns the absolute, symlink-resolved form of path if it lies in
// one of roots. Neither path nor its parents need to exist yet.
func Within(path string, roots []string) (string, error) {
	switch {
	case path == "":
		return "", errors.New("pathutil: empty path")
	case strings.ContainsRune(path, 0):
		return "", errors.New("pathutil: path contains null byte")
	case len(roots) == 0:
		return "", errors.New("pathutil: no allowed directories")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("pathutil: %w", err)
	}
	dir, err := resolve(filepath.Dir(abs))
	if err != nil {
		return "", err
	}
	resolved := filepath.Join(dir, filepath.Base(abs))

	for _, root := range roots {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		rootResolved, err := resolve(rootAbs)
		if err != nil {
			continue
		}
		if under(resolved, rootResolved) {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrOutsideRoots, Redact(abs))
}

// resolve evaluates symlinks in the longest existing prefix of dir and keeps
// the missing tail as is.
func resolve(dir string) (string, error) {
	var tail []string
	for {
		if r, err := filepath.EvalSymlinks(dir); err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				r = filepath.Join(r, tail[i])
			}
			return r, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("pathutil: cannot resolve %s", Redact(dir))
		}
		tail = append(tail, filepath.Base(dir))
		dir = parent
	}
}

func under(path, root string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, strings.TrimSuffix(root, string(os.PathSeparator))+string(os.PathSeparator))
}

// ExportRoots returns where MCP clients may write archives: exportDir and,
// when projectRoot is set, <projectRoot>/.pestcal/exports.
func ExportRoots(exportDir, projectRoot string) []string {
	var roots []string
	if exportDir != "" {
		roots = append(roots, exportDir)
	}
	if projectRoot != "" {
		roots = append(roots, filepath.Join(projectRoot, ".pestcal", "exports"))
	}
	return roots
}
