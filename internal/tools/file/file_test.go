package file

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jkaninda/codeagent/internal/sandbox"
	"github.com/jkaninda/codeagent/internal/tools"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRoot(t *testing.T) string {
	t.Helper()
	root, err := sandbox.CanonicalRoot(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return root
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestList_RecursiveSizes(t *testing.T) {
	root := testRoot(t)
	writeFile(t, filepath.Join(root, "top.txt"), "0123456789")
	writeFile(t, filepath.Join(root, "sub", "inner.txt"), "abcde")

	entries, err := List(root, ".")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d: %+v", len(entries), entries)
	}
	// Sorted by name.
	if entries[0] != (Entry{Name: "sub", Size: 5, IsDir: true}) {
		t.Errorf("entries[0] = %+v", entries[0])
	}
	if entries[1] != (Entry{Name: "top.txt", Size: 10, IsDir: false}) {
		t.Errorf("entries[1] = %+v", entries[1])
	}

	want := " - sub: file_size=5 bytes, is_dir=true\n - top.txt: file_size=10 bytes, is_dir=false"
	if got := FormatListing(entries); got != want {
		t.Errorf("FormatListing = %q, want %q", got, want)
	}
}

func TestList_DefaultsToRoot(t *testing.T) {
	root := testRoot(t)
	writeFile(t, filepath.Join(root, "a.py"), "x")

	entries, err := List(root, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "a.py" {
		t.Errorf("unexpected entries: %+v", entries)
	}
}

func TestList_BrokenLinkCountsZero(t *testing.T) {
	root := testRoot(t)
	writeFile(t, filepath.Join(root, "d", "f.txt"), "1234")
	if err := os.Symlink(filepath.Join(root, "nowhere"), filepath.Join(root, "d", "broken")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	entries, err := List(root, ".")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 || entries[0].Size != 4 {
		t.Errorf("unexpected entries: %+v", entries)
	}
}

func TestList_SymlinksSizedByTarget(t *testing.T) {
	root := testRoot(t)
	outside := testRoot(t)
	writeFile(t, filepath.Join(root, "a.txt"), "0123456789")
	writeFile(t, filepath.Join(root, "d", "b.txt"), "abcde")
	writeFile(t, filepath.Join(outside, "secret.txt"), "do not count")

	links := map[string]string{
		"la":   "a.txt",
		"ld":   "d",
		"out":  filepath.Join(outside, "secret.txt"),
		"dead": "missing",
	}
	for name, target := range links {
		if err := os.Symlink(target, filepath.Join(root, name)); err != nil {
			t.Skipf("symlinks unsupported: %v", err)
		}
	}

	entries, err := List(root, ".")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := make(map[string]Entry, len(entries))
	for _, e := range entries {
		got[e.Name] = e
	}
	want := map[string]Entry{
		"a.txt": {Name: "a.txt", Size: 10},
		"d":     {Name: "d", Size: 5, IsDir: true},
		"la":    {Name: "la", Size: 10},
		"ld":    {Name: "ld", Size: 5, IsDir: true},
		"out":   {Name: "out"},
		"dead":  {Name: "dead"},
	}
	for name, w := range want {
		if got[name] != w {
			t.Errorf("%s = %+v, want %+v", name, got[name], w)
		}
	}
}

func TestDirSize_UnreadableSubtreeIsZero(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for root")
	}
	root := testRoot(t)
	writeFile(t, filepath.Join(root, "d", "ok.txt"), "123")
	writeFile(t, filepath.Join(root, "d", "locked", "hidden.txt"), "123456789")
	locked := filepath.Join(root, "d", "locked")
	if err := os.Chmod(locked, 0o000); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chmod(locked, 0o755) })

	if got := dirSize(filepath.Join(root, "d")); got != 3 {
		t.Errorf("dirSize = %d, want 3", got)
	}
}

func TestList_Errors(t *testing.T) {
	root := testRoot(t)
	writeFile(t, filepath.Join(root, "file.txt"), "x")

	if _, err := List(root, "file.txt"); !errors.Is(err, tools.ErrNotADirectory) {
		t.Errorf("expected ErrNotADirectory, got %v", err)
	}
	if _, err := List(root, "missing"); !errors.Is(err, tools.ErrNotADirectory) {
		t.Errorf("expected ErrNotADirectory for missing dir, got %v", err)
	}
	if _, err := List(root, "../"); !errors.Is(err, sandbox.ErrContainment) {
		t.Errorf("expected ErrContainment, got %v", err)
	}
}

func TestRead_Truncation(t *testing.T) {
	root := testRoot(t)
	writeFile(t, filepath.Join(root, "long.txt"), strings.Repeat("a", 25))
	writeFile(t, filepath.Join(root, "short.txt"), "hello")
	writeFile(t, filepath.Join(root, "exact.txt"), strings.Repeat("b", 10))

	tests := []struct {
		name string
		path string
		max  int
		want string
	}{
		{"truncated", "long.txt", 10, strings.Repeat("a", 10) + `[...File "long.txt" truncated at 10 characters]`},
		{"under limit", "short.txt", 10, "hello"},
		{"exactly at limit", "exact.txt", 10, strings.Repeat("b", 10)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Read(root, tt.path, tt.max)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Read = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRead_CountsCharactersNotBytes(t *testing.T) {
	root := testRoot(t)
	writeFile(t, filepath.Join(root, "utf8.txt"), "héllo wörld")

	got, err := Read(root, "utf8.txt", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(got, "héllo[...File") {
		t.Errorf("Read = %q", got)
	}
}

func TestRead_Errors(t *testing.T) {
	root := testRoot(t)
	if err := os.Mkdir(filepath.Join(root, "dir"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(root, "bin.dat"), "ok\xff\xfe")

	if _, err := Read(root, "missing.txt", 10); !errors.Is(err, tools.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := Read(root, "dir", 10); !errors.Is(err, tools.ErrNotFound) {
		t.Errorf("expected ErrNotFound for directory, got %v", err)
	}
	if _, err := Read(root, "bin.dat", 10); !errors.Is(err, tools.ErrDecode) {
		t.Errorf("expected ErrDecode, got %v", err)
	}
	if _, err := Read(root, "../../etc/passwd", 10); !errors.Is(err, sandbox.ErrContainment) {
		t.Errorf("expected ErrContainment, got %v", err)
	}
}

func TestWrite_Idempotent(t *testing.T) {
	root := testRoot(t)

	for i := 0; i < 2; i++ {
		n, err := Write(root, "out/nested/f.txt", "content")
		if err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		if n != 7 {
			t.Errorf("write %d: n = %d, want 7", i, n)
		}
	}
	data, err := os.ReadFile(filepath.Join(root, "out", "nested", "f.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "content" {
		t.Errorf("file = %q, want %q", data, "content")
	}
}

func TestWrite_OverwritesLongerContent(t *testing.T) {
	root := testRoot(t)
	writeFile(t, filepath.Join(root, "f.txt"), "a much longer original body")

	if _, err := Write(root, "f.txt", "short"); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(filepath.Join(root, "f.txt"))
	if string(data) != "short" {
		t.Errorf("file = %q, want short", data)
	}
}

func TestWrite_RefusesDirectory(t *testing.T) {
	root := testRoot(t)
	dir := filepath.Join(root, "pkg")
	writeFile(t, filepath.Join(dir, "keep.txt"), "keep")

	_, err := Write(root, "pkg", "clobber")
	if !errors.Is(err, tools.ErrIsADirectory) {
		t.Fatalf("expected ErrIsADirectory, got %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Fatalf("directory was modified: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "keep.txt"))
	if string(data) != "keep" {
		t.Errorf("directory contents changed: %q", data)
	}
}

func TestWrite_Containment(t *testing.T) {
	root := testRoot(t)
	if _, err := Write(root, "../escape.txt", "x"); !errors.Is(err, sandbox.ErrContainment) {
		t.Fatalf("expected ErrContainment, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(root), "escape.txt")); err == nil {
		t.Error("file written outside root")
	}
}

func TestWrite_CharacterCount(t *testing.T) {
	root := testRoot(t)
	n, err := Write(root, "u.txt", "héllo")
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("n = %d, want 5", n)
	}
}

func TestTools_Execute(t *testing.T) {
	root := testRoot(t)
	ctx := context.Background()
	logger := testLogger()

	write := NewWriteTool(logger)
	res, err := write.Execute(ctx, map[string]any{
		tools.WorkingDirectoryKey: root,
		"file_path":               "main.py",
		"content":                 "print('hi')",
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if res.Output != `Successfully wrote to "main.py" (11 characters written)` {
		t.Errorf("write output = %q", res.Output)
	}

	read := NewReadTool(0, logger)
	res, err = read.Execute(ctx, map[string]any{
		tools.WorkingDirectoryKey: root,
		"file_path":               "main.py",
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if res.Output != "print('hi')" {
		t.Errorf("read output = %q", res.Output)
	}
	if !strings.Contains(read.Description(), "10000 characters") {
		t.Errorf("description = %q", read.Description())
	}

	list := NewListTool(logger)
	res, err = list.Execute(ctx, map[string]any{tools.WorkingDirectoryKey: root})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if res.Output != " - main.py: file_size=11 bytes, is_dir=false" {
		t.Errorf("list output = %q", res.Output)
	}

	if _, err := list.Execute(ctx, map[string]any{}); !errors.Is(err, tools.ErrInvalidArguments) {
		t.Errorf("expected ErrInvalidArguments without root, got %v", err)
	}
}
