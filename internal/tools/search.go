package tools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	maxGrepMatches   = 50
	maxGrepFileBytes = 1 << 20
	maxGrepLineChars = 300
)

var skipDirs = map[string]bool{".git": true, "node_modules": true, "vendor": true, "dist": true}

type grepArgs struct {
	Query           string `json:"Query"`
	SearchPath      string `json:"SearchPath,omitempty"`
	IsRegex         bool   `json:"IsRegex,omitempty"`
	CaseInsensitive bool   `json:"CaseInsensitive,omitempty"`
}

type grepMatch struct {
	File    string `json:"file"`
	Line    int    `json:"line"`
	Content string `json:"content"`
}

type grepResult struct {
	Matches   []grepMatch `json:"matches"`
	Truncated bool        `json:"truncated,omitempty"`
}

func grepSearch(ctx context.Context, scope *Scope, raw json.RawMessage) (any, error) {
	var args grepArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	if args.SearchPath == "" {
		args.SearchPath = "."
	}
	root, err := resolvePath(scope.Workspace, args.SearchPath)
	if err != nil {
		return nil, err
	}
	match, err := matcher(args)
	if err != nil {
		return nil, err
	}
	base, err := resolvePath(scope.Workspace, ".")
	if err != nil {
		return nil, err
	}

	res := grepResult{Matches: []grepMatch{}}
	errStop := fmt.Errorf("stop")
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.Mode().IsRegular() || info.Size() > maxGrepFileBytes {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil || bytes.IndexByte(data, 0) >= 0 {
			return nil
		}
		rel, _ := filepath.Rel(base, path)
		sc := bufio.NewScanner(bytes.NewReader(data))
		sc.Buffer(make([]byte, 64*1024), maxGrepFileBytes)
		for n := 1; sc.Scan(); n++ {
			line := sc.Text()
			if !match(line) {
				continue
			}
			if len(res.Matches) >= maxGrepMatches {
				res.Truncated = true
				return errStop
			}
			if runes := []rune(line); len(runes) > maxGrepLineChars {
				line = string(runes[:maxGrepLineChars])
			}
			res.Matches = append(res.Matches, grepMatch{File: filepath.ToSlash(rel), Line: n, Content: strings.TrimSpace(line)})
		}
		return nil
	})
	if walkErr != nil && walkErr != errStop {
		return nil, fmt.Errorf("search %s: %w", args.SearchPath, walkErr)
	}
	return res, nil
}

func matcher(args grepArgs) (func(string) bool, error) {
	if args.IsRegex {
		expr := args.Query
		if args.CaseInsensitive {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compile query: %w", err)
		}
		return re.MatchString, nil
	}
	if args.CaseInsensitive {
		q := strings.ToLower(args.Query)
		return func(s string) bool { return strings.Contains(strings.ToLower(s), q) }, nil
	}
	return func(s string) bool { return strings.Contains(s, args.Query) }, nil
}
