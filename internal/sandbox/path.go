package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrContainment marks a path that resolves outside the sandbox root.
var ErrContainment = errors.New("path escapes sandbox root")

// ContainmentError names the caller-supplied path that was rejected.
type ContainmentError struct {
	Path string
}

func (e *ContainmentError) Error() string {
	return fmt.Sprintf("%q is outside the permitted working directory", e.Path)
}

func (e *ContainmentError) Unwrap() error { return ErrContainment }

// CanonicalRoot turns dir into the absolute, symlink-free directory path
// used as the sandbox root for the lifetime of the process.
func CanonicalRoot(dir string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("sandbox root must not be empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving sandbox root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolving sandbox root %s: %w", abs, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("stat sandbox root: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("sandbox root %s is not a directory", resolved)
	}
	return resolved, nil
}

// Resolve maps a caller-supplied relative path onto root and returns the
// canonical absolute path. root must already be canonical (see CanonicalRoot).
//
// Both "..", relative segments and symlinks are resolved before the
// containment check. Paths that do not exist yet are resolved through their
// nearest existing ancestor so that a write into a new directory cannot be
// redirected by a symlinked parent.
func Resolve(root, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", &ContainmentError{Path: rel}
	}

	joined := filepath.Join(root, rel)
	resolved, err := resolveExisting(joined)
	if err != nil {
		return "", fmt.Errorf("resolving %q: %w", rel, err)
	}

	if !Within(root, resolved) {
		return "", &ContainmentError{Path: rel}
	}
	return resolved, nil
}

// Within reports whether path equals root or sits below it. The comparison
// is on a separator boundary: root "/a/b" does not contain "/a/bevil".
func Within(root, path string) bool {
	if path == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(path, prefix)
}

const maxDanglingLinks = 40

// resolveExisting evaluates symlinks on the longest existing prefix of p and
// re-appends the missing tail. A dangling symlink is followed to its target
// so the check sees where a later write would actually land.
func resolveExisting(p string) (string, error) {
	var tail []string
	cur := p
	links := 0
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, tail[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		if info, lerr := os.Lstat(cur); lerr == nil && info.Mode()&os.ModeSymlink != 0 {
			links++
			if links > maxDanglingLinks {
				return "", fmt.Errorf("too many dangling links at %s", cur)
			}
			target, rerr := os.Readlink(cur)
			if rerr != nil {
				return "", rerr
			}
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(cur), target)
			}
			cur = filepath.Clean(target)
			continue
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		tail = append(tail, filepath.Base(cur))
		cur = parent
	}
}
