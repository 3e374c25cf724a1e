// Package file implements the sandboxed filesystem operations: listing a
// directory with recursive sizes, bounded text reads and full-overwrite
// writes.
//
// Security: every caller-supplied path goes through sandbox.Resolve before
// any I/O occurs, so traversal and symlink escapes are rejected up front.
package file

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/jkaninda/codeagent/internal/sandbox"
	"github.com/jkaninda/codeagent/internal/tools"
)

// DefaultMaxChars is the read limit applied when none is configured.
const DefaultMaxChars = 10000

// Entry describes one direct child of a listed directory.
type Entry struct {
	Name  string `json:"name"`
	Size  int64  `json:"size"`
	IsDir bool   `json:"is_dir"`
}

// List returns the direct children of dir, sorted by name. Directory sizes
// are the recursive sum of the regular files below them (see dirSize).
func List(root, dir string) ([]Entry, error) {
	if dir == "" {
		dir = "."
	}
	resolved, err := sandbox.Resolve(root, dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %q", tools.ErrNotADirectory, dir)
		}
		return nil, fmt.Errorf("stat %q: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %q", tools.ErrNotADirectory, dir)
	}

	children, err := os.ReadDir(resolved)
	if err != nil {
		return nil, fmt.Errorf("listing %q: %w", dir, err)
	}

	entries := make([]Entry, 0, len(children))
	for _, c := range children {
		entries = append(entries, describe(root, resolved, c))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// describe sizes one child. Symlinks are sized by their target when the
// target resolves inside root; links leaving the root, broken links and
// special files are reported as size 0, not a directory.
func describe(root, dir string, c fs.DirEntry) Entry {
	e := Entry{Name: c.Name()}
	full := filepath.Join(dir, c.Name())
	if c.Type()&fs.ModeSymlink != 0 {
		target, err := filepath.EvalSymlinks(full)
		if err != nil || !sandbox.Within(root, target) {
			return e
		}
		full = target
	}
	info, err := os.Stat(full)
	if err != nil {
		return e
	}
	switch {
	case info.IsDir():
		e.IsDir = true
		e.Size = dirSize(full)
	case info.Mode().IsRegular():
		e.Size = info.Size()
	}
	return e
}

// dirSize sums the sizes of all regular files below dir. Sizing is best
// effort: unreadable subtrees, broken links and special files count as 0
// and never fail the listing. Symlinks are not followed.
func dirSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if fi, err := d.Info(); err == nil {
			total += fi.Size()
		}
		return nil
	})
	return total
}

// FormatListing renders entries one per line.
func FormatListing(entries []Entry) string {
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = fmt.Sprintf(" - %s: file_size=%d bytes, is_dir=%t", e.Name, e.Size, e.IsDir)
	}
	return strings.Join(lines, "\n")
}

// TruncationMarker is appended when a read stops before end of file.
func TruncationMarker(path string, maxChars int) string {
	return fmt.Sprintf("[...File %q truncated at %d characters]", path, maxChars)
}

// Read returns at most maxChars characters of the file at path. When more
// data remains, a truncation marker naming the file and limit is appended.
func Read(root, path string, maxChars int) (string, error) {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	resolved, err := sandbox.Resolve(root, path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %q", tools.ErrNotFound, path)
	}

	f, err := os.Open(resolved)
	if err != nil {
		return "", fmt.Errorf("opening %q: %w", path, err)
	}
	defer f.Close()

	text, more, err := readRunes(bufio.NewReader(f), maxChars)
	if err != nil {
		if errors.Is(err, tools.ErrDecode) {
			return "", fmt.Errorf("%w: %q", tools.ErrDecode, path)
		}
		return "", fmt.Errorf("reading %q: %w", path, err)
	}
	if more {
		text += TruncationMarker(path, maxChars)
	}
	return text, nil
}

// readRunes decodes up to n runes from r and reports whether any data
// follows them.
func readRunes(r *bufio.Reader, n int) (string, bool, error) {
	var b strings.Builder
	for i := 0; i < n; i++ {
		ch, size, err := r.ReadRune()
		if err == io.EOF {
			return b.String(), false, nil
		}
		if err != nil {
			return "", false, err
		}
		if ch == utf8.RuneError && size == 1 {
			return "", false, tools.ErrDecode
		}
		b.WriteRune(ch)
	}
	if _, err := r.Peek(1); err == io.EOF {
		return b.String(), false, nil
	} else if err != nil {
		return "", false, err
	}
	return b.String(), true, nil
}

// Write fully overwrites the file at path with content, creating parent
// directories as needed. It returns the number of characters written.
func Write(root, path, content string) (int, error) {
	resolved, err := sandbox.Resolve(root, path)
	if err != nil {
		return 0, err
	}
	if info, err := os.Stat(resolved); err == nil && info.IsDir() {
		return 0, fmt.Errorf("%w: %q", tools.ErrIsADirectory, path)
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0750); err != nil {
		return 0, fmt.Errorf("creating parent directory for %q: %w", path, err)
	}
	if err := os.WriteFile(resolved, []byte(content), fs.FileMode(0640)); err != nil {
		return 0, fmt.Errorf("writing %q: %w", path, err)
	}
	return utf8.RuneCountInString(content), nil
}
