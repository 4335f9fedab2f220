package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const (
	defaultReadMaxBytes = 256 * 1024
	grepMaxMatches      = 200
	grepMaxFileBytes    = 1024 * 1024
)

// RegisterFileTools adds the filesystem tool set rooted at root.
// Paths in tool arguments are resolved inside root; escapes are rejected.
func RegisterFileTools(r *Registry, root string) error {
	root = strings.TrimSpace(root)
	if root == "" {
		return fmt.Errorf("root dir required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve root: %w", err)
	}
	root = abs

	tools := []Tool{
		{
			Name:        "fs.read_file",
			Description: "Read a text file relative to the workspace root.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to the workspace root."},"max_bytes":{"type":"integer","description":"Optional byte cap for the returned content."}},"required":["path"]}`),
			Run: func(ctx context.Context, args map[string]any) (string, error) {
				return readFile(root, args)
			},
		},
		{
			Name:        "fs.write_file",
			Description: "Create or overwrite a text file relative to the workspace root.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]}`),
			Mutating:    true,
			Run: func(ctx context.Context, args map[string]any) (string, error) {
				return writeFile(root, args)
			},
		},
		{
			Name:        "fs.list_dir",
			Description: "List directory entries relative to the workspace root.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Directory path, \".\" for the root."}}}`),
			Run: func(ctx context.Context, args map[string]any) (string, error) {
				return listDir(root, args)
			},
		},
		{
			Name:        "fs.grep",
			Description: "Search files under the workspace root with a Go regular expression.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"pattern":{"type":"string"},"path":{"type":"string","description":"Optional subdirectory to search."}},"required":["pattern"]}`),
			Run: func(ctx context.Context, args map[string]any) (string, error) {
				return grepFiles(ctx, root, args)
			},
		},
	}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// resolveInRoot joins rel onto root and rejects paths that climb out.
func resolveInRoot(root string, rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" || rel == "." {
		return root, nil
	}
	if filepath.IsAbs(rel) {
		return "", NewToolError(ErrorCodeInvalidPath, "absolute paths are not allowed: %s", rel)
	}
	joined := filepath.Clean(filepath.Join(root, rel))
	relBack, err := filepath.Rel(root, joined)
	if err != nil || relBack == ".." || strings.HasPrefix(relBack, ".."+string(filepath.Separator)) {
		return "", NewToolError(ErrorCodeInvalidPath, "path escapes the workspace root: %s", rel)
	}
	return joined, nil
}

func readFile(root string, args map[string]any) (string, error) {
	rel := stringArg(args, "path")
	if rel == "" {
		return "", NewToolError(ErrorCodeInvalidArgs, "path is required")
	}
	p, err := resolveInRoot(root, rel)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return "", NewToolError(ErrorCodeNotFound, "file not found: %s", rel)
		}
		return "", NewToolError(ErrorCodeUnknown, "read %s: %v", rel, err)
	}
	max := intArg(args, "max_bytes", defaultReadMaxBytes)
	if max > 0 && len(data) > max {
		return string(data[:max]) + fmt.Sprintf("\n[truncated %d bytes]", len(data)-max), nil
	}
	return string(data), nil
}

func writeFile(root string, args map[string]any) (string, error) {
	rel := stringArg(args, "path")
	if rel == "" {
		return "", NewToolError(ErrorCodeInvalidArgs, "path is required")
	}
	content, _ := args["content"].(string)
	p, err := resolveInRoot(root, rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", NewToolError(ErrorCodeUnknown, "mkdir for %s: %v", rel, err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		return "", NewToolError(ErrorCodeUnknown, "write %s: %v", rel, err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), rel), nil
}

func listDir(root string, args map[string]any) (string, error) {
	rel := stringArg(args, "path")
	p, err := resolveInRoot(root, rel)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		if os.IsNotExist(err) {
			return "", NewToolError(ErrorCodeNotFound, "directory not found: %s", rel)
		}
		return "", NewToolError(ErrorCodeUnknown, "list %s: %v", rel, err)
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		lines = append(lines, name)
	}
	sort.Strings(lines)
	if len(lines) == 0 {
		return "(empty)", nil
	}
	return strings.Join(lines, "\n"), nil
}

func grepFiles(ctx context.Context, root string, args map[string]any) (string, error) {
	pattern := stringArg(args, "pattern")
	if pattern == "" {
		return "", NewToolError(ErrorCodeInvalidArgs, "pattern is required")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", NewToolError(ErrorCodeInvalidArgs, "bad pattern: %v", err)
	}
	start, err := resolveInRoot(root, stringArg(args, "path"))
	if err != nil {
		return "", err
	}

	var lines []string
	walkErr := filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if name == ".git" || name == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		if len(lines) >= grepMaxMatches {
			return filepath.SkipAll
		}
		info, err := d.Info()
		if err != nil || info.Size() > grepMaxFileBytes {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil || !isLikelyText(data) {
			return nil
		}
		rel, _ := filepath.Rel(root, p)
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				lines = append(lines, fmt.Sprintf("%s:%d: %s", rel, i+1, strings.TrimSpace(line)))
				if len(lines) >= grepMaxMatches {
					break
				}
			}
		}
		return nil
	})
	if walkErr != nil && walkErr == ctx.Err() {
		return "", NewToolError(ErrorCodeCanceled, "search canceled")
	}
	if len(lines) == 0 {
		return "no matches", nil
	}
	return strings.Join(lines, "\n"), nil
}

func isLikelyText(data []byte) bool {
	n := len(data)
	if n > 512 {
		n = 512
	}
	for _, b := range data[:n] {
		if b == 0 {
			return false
		}
	}
	return true
}
