package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/richinex/theseus/tools"
)

// Executor serves the tools of one or more MCP servers.
type Executor struct {
	clients []*Client
	routes  map[string]*Client
	defs    []tools.Definition
	logger  *slog.Logger
}

// Connect starts every enabled server in cfg and discovers its tools.
// A tool name offered by two servers is an error.
func Connect(ctx context.Context, cfg *Config, logger *slog.Logger) (*Executor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		routes: make(map[string]*Client),
		logger: logger.With("component", "mcp"),
	}
	for _, name := range cfg.ServerNames() {
		server := cfg.MCPServers[name]
		client, err := Start(ctx, name, server)
		if err != nil {
			e.Close()
			return nil, err
		}
		if err := e.add(ctx, client, server.Capability); err != nil {
			client.Close()
			e.Close()
			return nil, err
		}
	}
	return e, nil
}

// add registers a connected client's tools.
func (e *Executor) add(ctx context.Context, client *Client, capability tools.Capability) error {
	infos, err := client.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tools of %s: %w", client.Name(), err)
	}
	if capability == "" {
		capability = tools.CapabilityExecute
	}

	defs := make([]tools.Definition, 0, len(infos))
	for _, info := range infos {
		if owner, dup := e.routes[info.Name]; dup {
			return fmt.Errorf("tool '%s' offered by both %s and %s", info.Name, owner.Name(), client.Name())
		}
		defs = append(defs, definition(info, capability))
	}
	for _, def := range defs {
		e.routes[def.Name] = client
	}
	e.clients = append(e.clients, client)
	e.defs = append(e.defs, defs...)
	sort.Slice(e.defs, func(i, j int) bool { return e.defs[i].Name < e.defs[j].Name })

	e.logger.Info("mcp server connected", "server", client.Name(), "tools", len(defs))
	return nil
}

// definition converts an advertised tool. The server's schema is kept
// as is so the registry validates against exactly what the server wants.
func definition(info ToolInfo, capability tools.Capability) tools.Definition {
	def := tools.Definition{
		Name:        info.Name,
		Description: info.Description,
		Capability:  capability,
	}
	var schema map[string]any
	if len(info.InputSchema) > 0 && json.Unmarshal(info.InputSchema, &schema) == nil && schema != nil {
		def.Schema = schema
	} else {
		def.Schema = map[string]any{"type": "object"}
	}
	return def
}

// Definitions returns the discovered tools sorted by name.
func (e *Executor) Definitions() []tools.Definition {
	return append([]tools.Definition(nil), e.defs...)
}

// Names returns the discovered tool names.
func (e *Executor) Names() []string {
	names := make([]string, 0, len(e.defs))
	for _, def := range e.defs {
		names = append(names, def.Name)
	}
	return names
}

// Execute implements tools.Executor. A result flagged isError by the
// server is returned as an error carrying the server's text.
func (e *Executor) Execute(ctx context.Context, inv tools.Invocation) (tools.ExecResult, error) {
	client, ok := e.routes[inv.Tool]
	if !ok {
		return tools.ExecResult{}, fmt.Errorf("%w: %s", tools.ErrUnknownTool, inv.Tool)
	}
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	result, err := client.CallTool(ctx, inv.Tool, inv.Args)
	if err != nil {
		return tools.ExecResult{}, fmt.Errorf("tool call failed: %w", err)
	}
	text := formatText(result.Text())
	if result.IsError {
		return tools.ExecResult{Content: text, ExitCode: 1}, errors.New(text)
	}
	return tools.ExecResult{Content: text}, nil
}

// Close stops every server.
func (e *Executor) Close() error {
	var errs []error
	for _, c := range e.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	e.clients = nil
	return errors.Join(errs...)
}

// formatText pretty-prints JSON output and passes anything else through.
func formatText(text string) string {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return text
	}
	if _, isObj := v.(map[string]any); !isObj {
		if _, isArr := v.([]any); !isArr {
			return text
		}
	}
	pretty, _ := json.MarshalIndent(v, "", "  ")
	return string(pretty)
}
