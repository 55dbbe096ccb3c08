package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const defaultMaxEntries = 200

// fsTool holds the limits shared by the filesystem tools.
type fsTool struct {
	maxSize  int64
	restrict bool
}

func newFSTool(cfg Config) fsTool {
	maxSize := cfg.MaxFileBytes
	if maxSize <= 0 {
		maxSize = DefaultConfig().MaxFileBytes
	}
	return fsTool{maxSize: maxSize, restrict: cfg.RestrictToWorkdir}
}

func (f fsTool) path(inv Invocation, required bool) (string, error) {
	p, err := stringArg(inv.Args, "path", required)
	if err != nil {
		return "", err
	}
	return resolvePath(inv.WorkingDirectory, p, f.restrict)
}

// ListFilesTool lists directory entries.
type ListFilesTool struct{ fsTool }

// NewListFilesTool creates the list_files tool.
func NewListFilesTool(cfg Config) *ListFilesTool { return &ListFilesTool{newFSTool(cfg)} }

// Definition implements Tool.
func (t *ListFilesTool) Definition() Definition {
	return Definition{
		Name:        "list_files",
		Description: "List files and directories. Directories end with '/'",
		Capability:  CapabilityRead,
		Parameters: []Parameter{
			{Name: "path", Type: "string", Description: "Directory to list (default: project root)"},
			{Name: "recursive", Type: "boolean", Description: "Descend into subdirectories"},
			{Name: "max_entries", Type: "integer", Description: "Maximum entries to return (default: 200)"},
		},
	}
}

// Execute implements Tool.
func (t *ListFilesTool) Execute(ctx context.Context, inv Invocation) (ExecResult, error) {
	root, err := t.path(inv, false)
	if err != nil {
		return ExecResult{}, err
	}
	limit := intArg(inv.Args, "max_entries", defaultMaxEntries)
	if limit <= 0 {
		limit = defaultMaxEntries
	}

	var entries []string
	if boolArg(inv.Args, "recursive") {
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if path == root {
				return nil
			}
			if d.IsDir() && d.Name() == ".git" {
				return filepath.SkipDir
			}
			rel, _ := filepath.Rel(root, path)
			entries = append(entries, displayName(rel, d.IsDir()))
			return nil
		})
	} else {
		var dir []os.DirEntry
		dir, err = os.ReadDir(root)
		for _, d := range dir {
			entries = append(entries, displayName(d.Name(), d.IsDir()))
		}
	}
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to list %s: %w", root, err)
	}

	sort.Strings(entries)
	total := len(entries)
	if total > limit {
		entries = entries[:limit]
	}
	content := strings.Join(entries, "\n")
	if total > limit {
		content += fmt.Sprintf("\n... (%d more entries)", total-limit)
	}
	if total == 0 {
		content = "(empty directory)"
	}
	return ExecResult{Content: content}, nil
}

func displayName(name string, dir bool) string {
	name = filepath.ToSlash(name)
	if dir {
		return name + "/"
	}
	return name
}

// ReadFileTool reads a file, optionally a window of lines.
type ReadFileTool struct{ fsTool }

// NewReadFileTool creates the read_file tool.
func NewReadFileTool(cfg Config) *ReadFileTool { return &ReadFileTool{newFSTool(cfg)} }

// Definition implements Tool.
func (t *ReadFileTool) Definition() Definition {
	return Definition{
		Name:        "read_file",
		Description: "Read the contents of a file",
		Capability:  CapabilityRead,
		Parameters: []Parameter{
			{Name: "path", Type: "string", Description: "Path to the file to read", Required: true},
			{Name: "offset", Type: "integer", Description: "First line to return, 1-based"},
			{Name: "limit", Type: "integer", Description: "Number of lines to return"},
		},
	}
}

// Execute implements Tool.
func (t *ReadFileTool) Execute(ctx context.Context, inv Invocation) (ExecResult, error) {
	path, err := t.path(inv, true)
	if err != nil {
		return ExecResult{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to read file: %w", err)
	}
	if info.IsDir() {
		return ExecResult{}, fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > t.maxSize {
		return ExecResult{}, fmt.Errorf("file too large: %d bytes (max: %d bytes)", info.Size(), t.maxSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to read file: %w", err)
	}

	offset := intArg(inv.Args, "offset", 0)
	limit := intArg(inv.Args, "limit", 0)
	if offset <= 1 && limit <= 0 {
		return ExecResult{Content: string(data)}, nil
	}
	lines := strings.Split(string(data), "\n")
	start := max(offset-1, 0)
	if start >= len(lines) {
		return ExecResult{Content: ""}, nil
	}
	end := len(lines)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return ExecResult{Content: strings.Join(lines[start:end], "\n")}, nil
}

// WriteFileTool writes or appends to a file, creating parent directories.
type WriteFileTool struct{ fsTool }

// NewWriteFileTool creates the write_file tool.
func NewWriteFileTool(cfg Config) *WriteFileTool { return &WriteFileTool{newFSTool(cfg)} }

// Definition implements Tool.
func (t *WriteFileTool) Definition() Definition {
	return Definition{
		Name:        "write_file",
		Description: "Write content to a file, replacing it unless append is set",
		Capability:  CapabilityWrite,
		Parameters: []Parameter{
			{Name: "path", Type: "string", Description: "Path to the file to write", Required: true},
			{Name: "content", Type: "string", Description: "Content to write", Required: true},
			{Name: "append", Type: "boolean", Description: "Append instead of replacing"},
		},
	}
}

// Execute implements Tool.
func (t *WriteFileTool) Execute(ctx context.Context, inv Invocation) (ExecResult, error) {
	path, err := t.path(inv, true)
	if err != nil {
		return ExecResult{}, err
	}
	content, err := stringArg(inv.Args, "content", false)
	if err != nil {
		return ExecResult{}, err
	}
	if int64(len(content)) > t.maxSize {
		return ExecResult{}, fmt.Errorf("content too large: %d bytes (max: %d bytes)", len(content), t.maxSize)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ExecResult{}, fmt.Errorf("failed to create directory: %w", err)
	}

	if boolArg(inv.Args, "append") {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return ExecResult{}, fmt.Errorf("failed to open file: %w", err)
		}
		defer f.Close()
		if _, err := f.WriteString(content); err != nil {
			return ExecResult{}, fmt.Errorf("failed to write to file: %w", err)
		}
		return ExecResult{Content: fmt.Sprintf("Successfully appended %d bytes to %s", len(content), path)}, nil
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return ExecResult{}, fmt.Errorf("failed to write file: %w", err)
	}
	return ExecResult{Content: fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), path)}, nil
}

// EditFileTool replaces a search string in a file.
type EditFileTool struct{ fsTool }

// NewEditFileTool creates the edit_file tool.
func NewEditFileTool(cfg Config) *EditFileTool { return &EditFileTool{newFSTool(cfg)} }

// Definition implements Tool.
func (t *EditFileTool) Definition() Definition {
	return Definition{
		Name:        "edit_file",
		Description: "Edit a file by replacing a target string with new content",
		Capability:  CapabilityWrite,
		Parameters: []Parameter{
			{Name: "path", Type: "string", Description: "Path to the file to edit", Required: true},
			{Name: "search", Type: "string", Description: "Exact text to find", Required: true},
			{Name: "replace", Type: "string", Description: "Replacement text", Required: true},
			{Name: "replace_all", Type: "boolean", Description: "Replace every occurrence (default: false)"},
		},
	}
}

// Execute implements Tool.
func (t *EditFileTool) Execute(ctx context.Context, inv Invocation) (ExecResult, error) {
	path, err := t.path(inv, true)
	if err != nil {
		return ExecResult{}, err
	}
	search, err := stringArg(inv.Args, "search", true)
	if err != nil {
		return ExecResult{}, err
	}
	replace, err := stringArg(inv.Args, "replace", false)
	if err != nil {
		return ExecResult{}, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to read file: %w", err)
	}
	if int64(len(data)) > t.maxSize {
		return ExecResult{}, fmt.Errorf("file too large: %d bytes (max: %d bytes)", len(data), t.maxSize)
	}

	content := string(data)
	count := strings.Count(content, search)
	switch {
	case count == 0:
		return ExecResult{}, fmt.Errorf("search string not found in %s", path)
	case count > 1 && !boolArg(inv.Args, "replace_all"):
		return ExecResult{}, fmt.Errorf("search string found %d times in %s; set replace_all or give more context", count, path)
	}

	updated := strings.ReplaceAll(content, search, replace)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return ExecResult{}, fmt.Errorf("failed to write file: %w", err)
	}
	return ExecResult{Content: fmt.Sprintf("Replaced %d occurrence(s) in %s", count, path)}, nil
}

// DeleteFileTool removes a file or directory.
type DeleteFileTool struct{ fsTool }

// NewDeleteFileTool creates the delete_file tool.
func NewDeleteFileTool(cfg Config) *DeleteFileTool { return &DeleteFileTool{newFSTool(cfg)} }

// Definition implements Tool.
func (t *DeleteFileTool) Definition() Definition {
	return Definition{
		Name:        "delete_file",
		Description: "Delete a file, or a directory tree when recursive is set",
		Capability:  CapabilityDelete,
		Parameters: []Parameter{
			{Name: "path", Type: "string", Description: "Path to delete", Required: true},
			{Name: "recursive", Type: "boolean", Description: "Delete directories and their contents"},
		},
	}
}

// Execute implements Tool.
func (t *DeleteFileTool) Execute(ctx context.Context, inv Invocation) (ExecResult, error) {
	path, err := t.path(inv, true)
	if err != nil {
		return ExecResult{}, err
	}
	if wd, err := filepath.Abs(inv.WorkingDirectory); inv.WorkingDirectory != "" && err == nil && wd == path {
		return ExecResult{}, errors.New("refusing to delete the working directory")
	}
	if _, err := os.Lstat(path); err != nil {
		return ExecResult{}, fmt.Errorf("failed to delete: %w", err)
	}

	if boolArg(inv.Args, "recursive") {
		err = os.RemoveAll(path)
	} else {
		err = os.Remove(path)
	}
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to delete: %w", err)
	}
	return ExecResult{Content: "Deleted " + path}, nil
}

// LocalTools returns every built-in tool configured by cfg.
func LocalTools(cfg Config) []Tool {
	return []Tool{
		NewListFilesTool(cfg),
		NewReadFileTool(cfg),
		NewWriteFileTool(cfg),
		NewEditFileTool(cfg),
		NewDeleteFileTool(cfg),
		NewShellTool(cfg),
		NewGitTool(cfg),
	}
}
