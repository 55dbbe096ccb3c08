// Package tools defines the closed set of tools an agent may call and
// dispatches calls to an Executor.
//
// Definitions are resolved once into an immutable Registry. The Dispatcher
// checks a call against the session's enabled tools and argument schema,
// gates risky calls through approval, and normalizes whatever the
// executor returns into a model.Observation.
package tools

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Capability tags what a tool can do to the workspace.
type Capability string

const (
	CapabilityRead    Capability = "read"
	CapabilityWrite   Capability = "write"
	CapabilityDelete  Capability = "delete"
	CapabilityExecute Capability = "execute"
	CapabilityGit     Capability = "git"
	CapabilityNetwork Capability = "network"
)

// Parameter describes one tool argument.
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	// Items is the element type when Type is "array".
	Items string `json:"items,omitempty"`
}

// Definition is the static description of a tool.
type Definition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
	Capability  Capability  `json:"capability"`

	// Schema overrides the schema derived from Parameters. MCP tools
	// carry their own.
	Schema map[string]any `json:"schema,omitempty"`
}

// JSONSchema returns the argument schema of the tool.
func (d Definition) JSONSchema() map[string]any {
	if d.Schema != nil {
		return d.Schema
	}
	props := make(map[string]any, len(d.Parameters))
	required := make([]string, 0, len(d.Parameters))
	for _, p := range d.Parameters {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.Type == "array" && p.Items != "" {
			prop["items"] = map[string]any{"type": p.Items}
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Significant reports whether running the tool changes something worth
// remembering when it fails.
func (d Definition) Significant() bool {
	switch d.Capability {
	case CapabilityWrite, CapabilityDelete, CapabilityExecute, CapabilityGit:
		return true
	}
	return false
}

// Invocation is one call handed to an Executor.
type Invocation struct {
	Tool             string
	Args             map[string]any
	WorkingDirectory string
	Timeout          time.Duration
}

// ExecResult is what an executor reports for a call.
type ExecResult struct {
	Content  string `json:"content"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode int    `json:"exit_code"`
}

// Executor runs tool calls. It is called at most once per dispatch.
type Executor interface {
	Execute(ctx context.Context, inv Invocation) (ExecResult, error)
}

// Tool is a locally implemented tool.
type Tool interface {
	Definition() Definition
	Execute(ctx context.Context, inv Invocation) (ExecResult, error)
}

// ErrUnknownTool is returned by executors for a tool they do not serve.
var ErrUnknownTool = errors.New("unknown tool")

// ExitError reports a command that ran and exited non-zero.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exited with status %d", e.Code)
}

func stringArg(args map[string]any, key string, required bool) (string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		if required {
			return "", fmt.Errorf("missing required argument %q", key)
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", key)
	}
	if required && s == "" {
		return "", fmt.Errorf("argument %q cannot be empty", key)
	}
	return s, nil
}

func boolArg(args map[string]any, key string) bool {
	switch v := args[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return def
}

func stringsArg(args map[string]any, key string) ([]string, error) {
	switch v := args[key].(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("argument %q must be an array of strings", key)
			}
			out = append(out, s)
		}
		return out, nil
	case string:
		return strings.Fields(v), nil
	case nil:
		return nil, fmt.Errorf("missing required argument %q", key)
	}
	return nil, fmt.Errorf("argument %q must be an array of strings", key)
}

// resolvePath joins a relative path onto the working directory. With
// restrict set, the result must stay inside it.
func resolvePath(workdir, path string, restrict bool) (string, error) {
	if path == "" {
		path = "."
	}
	if !filepath.IsAbs(path) && workdir != "" {
		path = filepath.Join(workdir, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	if restrict && workdir != "" && !within(abs, workdir) {
		return "", fmt.Errorf("access to path '%s' is not allowed", path)
	}
	return abs, nil
}

func within(path, root string) bool {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(rootAbs, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + fmt.Sprintf("\n... (truncated, %d bytes total)", len(s))
}
