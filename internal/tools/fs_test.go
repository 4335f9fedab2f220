package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newFileRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	root := t.TempDir()
	r := NewRegistry()
	if err := RegisterFileTools(r, root); err != nil {
		t.Fatalf("register file tools: %v", err)
	}
	return r, root
}

func TestReadFileRoundtrip(t *testing.T) {
	t.Parallel()

	r, root := newFileRegistry(t)
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	out, err := r.Execute(context.Background(), "fs.read_file", map[string]any{"path": "a.txt"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if out != "hello" {
		t.Fatalf("out=%q, want=hello", out)
	}
}

func TestReadFileNotFound(t *testing.T) {
	t.Parallel()

	r, _ := newFileRegistry(t)
	_, err := r.Execute(context.Background(), "fs.read_file", map[string]any{"path": "missing.txt"})
	var te *ToolError
	if !errors.As(err, &te) || te.Code != ErrorCodeNotFound {
		t.Fatalf("err=%v, want NOT_FOUND", err)
	}
}

func TestPathEscapeRejected(t *testing.T) {
	t.Parallel()

	r, _ := newFileRegistry(t)
	for _, p := range []string{"../outside.txt", "/etc/passwd", "a/../../b"} {
		_, err := r.Execute(context.Background(), "fs.read_file", map[string]any{"path": p})
		var te *ToolError
		if !errors.As(err, &te) || te.Code != ErrorCodeInvalidPath {
			t.Fatalf("path %q: err=%v, want INVALID_PATH", p, err)
		}
	}
}

func TestWriteThenListDir(t *testing.T) {
	t.Parallel()

	r, _ := newFileRegistry(t)
	if _, err := r.Execute(context.Background(), "fs.write_file", map[string]any{"path": "sub/b.txt", "content": "data"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := r.Execute(context.Background(), "fs.list_dir", map[string]any{"path": "sub"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if out != "b.txt" {
		t.Fatalf("list=%q, want=b.txt", out)
	}
}

func TestGrepFindsMatchesWithLineNumbers(t *testing.T) {
	t.Parallel()

	r, root := newFileRegistry(t)
	src := "package main\n\nfunc main() {}\n"
	if err := os.WriteFile(filepath.Join(root, "main.go"), []byte(src), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	out, err := r.Execute(context.Background(), "fs.grep", map[string]any{"pattern": `func \w+`})
	if err != nil {
		t.Fatalf("grep: %v", err)
	}
	if !strings.Contains(out, "main.go:3:") {
		t.Fatalf("out=%q, want main.go:3 match", out)
	}
}
