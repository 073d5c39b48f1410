package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	maxViewChars   = 10000
	maxListEntries = 50
)

// ErrOutsideWorkspace is returned for paths that resolve outside the session's
// workspace root.
var ErrOutsideWorkspace = errors.New("path is outside the workspace")

type viewFileArgs struct {
	AbsolutePath string `json:"AbsolutePath"`
	StartLine    int    `json:"StartLine,omitempty"`
	EndLine      int    `json:"EndLine,omitempty"`
}

type viewFileResult struct {
	Content   string `json:"content"`
	Path      string `json:"path"`
	Truncated bool   `json:"truncated,omitempty"`
}

type listDirArgs struct {
	DirectoryPath string `json:"DirectoryPath"`
}

type dirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size,omitempty"`
}

type listDirResult struct {
	Files     []dirEntry `json:"files"`
	Path      string     `json:"path"`
	Truncated bool       `json:"truncated,omitempty"`
}

type writeFileArgs struct {
	TargetFile  string `json:"TargetFile"`
	CodeContent string `json:"CodeContent"`
	Description string `json:"Description,omitempty"`
}

type replaceContentArgs struct {
	TargetFile         string `json:"TargetFile"`
	TargetContent      string `json:"TargetContent"`
	ReplacementContent string `json:"ReplacementContent"`
}

type writeResult struct {
	Success bool   `json:"success"`
	Path    string `json:"path"`
	Size    int    `json:"size"`
}

// resolvePath maps a tool-supplied path onto the workspace root. Relative paths
// are taken from the root; absolute paths must already lie inside it. Every
// symlink along the existing part of the path is resolved before the
// containment check, so neither a linked file nor a linked directory can
// escape the root.
func resolvePath(root, raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("empty path")
	}
	if root == "" {
		root = "."
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace: %w", err)
	}
	if evaluated, err := filepath.EvalSymlinks(absRoot); err == nil {
		absRoot = evaluated
	}

	target := raw
	if !filepath.IsAbs(target) {
		target = filepath.Join(absRoot, target)
	}
	target, err = evalExisting(filepath.Clean(target))
	if err != nil {
		return "", fmt.Errorf("%q: %w", raw, err)
	}

	rel, err := filepath.Rel(absRoot, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%q: %w", raw, ErrOutsideWorkspace)
	}
	return target, nil
}

// evalExisting resolves symlinks in the longest existing prefix of path and
// re-appends the components that do not exist yet.
func evalExisting(path string) (string, error) {
	var missing []string
	cur := path
	for {
		evaluated, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(missing) - 1; i >= 0; i-- {
				evaluated = filepath.Join(evaluated, missing[i])
			}
			return evaluated, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		if _, lerr := os.Lstat(cur); lerr == nil {
			return "", fmt.Errorf("dangling symlink %s", filepath.Base(cur))
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return path, nil
		}
		missing = append(missing, filepath.Base(cur))
		cur = parent
	}
}

func viewFile(_ context.Context, scope *Scope, raw json.RawMessage) (any, error) {
	var args viewFileArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	path, err := resolvePath(scope.Workspace, args.AbsolutePath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory, use list_dir instead", args.AbsolutePath)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}

	content := string(data)
	if args.StartLine > 0 || args.EndLine > 0 {
		content = sliceLines(content, args.StartLine, args.EndLine)
	}
	res := viewFileResult{Content: content, Path: args.AbsolutePath}
	if runes := []rune(content); len(runes) > maxViewChars {
		res.Content = string(runes[:maxViewChars])
		res.Truncated = true
	}
	return res, nil
}

// sliceLines returns lines start..end, 1-indexed and inclusive. Zero means open.
func sliceLines(content string, start, end int) string {
	lines := strings.SplitAfter(content, "\n")
	if start < 1 {
		start = 1
	}
	if end < 1 || end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return ""
	}
	return strings.Join(lines[start-1:end], "")
}

func listDir(_ context.Context, scope *Scope, raw json.RawMessage) (any, error) {
	var args listDirArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	if args.DirectoryPath == "" {
		args.DirectoryPath = "."
	}
	path, err := resolvePath(scope.Workspace, args.DirectoryPath)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}

	res := listDirResult{Files: make([]dirEntry, 0, min(len(entries), maxListEntries)), Path: args.DirectoryPath}
	for i, e := range entries {
		if i >= maxListEntries {
			res.Truncated = true
			break
		}
		de := dirEntry{Name: e.Name(), IsDir: e.IsDir()}
		if info, err := e.Info(); err == nil && !e.IsDir() {
			de.Size = info.Size()
		}
		res.Files = append(res.Files, de)
	}
	return res, nil
}

func writeToFile(_ context.Context, scope *Scope, raw json.RawMessage) (any, error) {
	var args writeFileArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	path, err := resolvePath(scope.Workspace, args.TargetFile)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	if err := atomicWrite(path, []byte(args.CodeContent)); err != nil {
		return nil, err
	}
	return writeResult{Success: true, Path: args.TargetFile, Size: len(args.CodeContent)}, nil
}

func replaceFileContent(_ context.Context, scope *Scope, raw json.RawMessage) (any, error) {
	var args replaceContentArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	path, err := resolvePath(scope.Workspace, args.TargetFile)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	content := string(data)
	switch n := strings.Count(content, args.TargetContent); {
	case n == 0:
		return nil, fmt.Errorf("target content not found in %s", args.TargetFile)
	case n > 1:
		return nil, fmt.Errorf("target content appears %d times in %s (must be unique)", n, args.TargetFile)
	}
	updated := strings.Replace(content, args.TargetContent, args.ReplacementContent, 1)
	if err := atomicWrite(path, []byte(updated)); err != nil {
		return nil, err
	}
	return writeResult{Success: true, Path: args.TargetFile, Size: len(updated)}, nil
}

// atomicWrite writes to a temp file beside path and renames it into place.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
