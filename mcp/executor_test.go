package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richinex/theseus/tools"
)

// fakeServer answers JSON-RPC on a pair of pipes.
type fakeServer struct {
	t        *testing.T
	requests chan map[string]any
}

func startFake(t *testing.T, handle func(method string, params map[string]any) (any, *rpcError)) (*Client, *fakeServer) {
	t.Helper()
	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()
	srv := &fakeServer{t: t, requests: make(chan map[string]any, 16)}

	go func() {
		defer serverW.Close()
		enc := json.NewEncoder(serverW)
		scanner := bufio.NewScanner(serverR)
		for scanner.Scan() {
			var req map[string]any
			if json.Unmarshal(scanner.Bytes(), &req) != nil {
				continue
			}
			srv.requests <- req
			id, hasID := req["id"]
			if !hasID {
				continue
			}
			method, _ := req["method"].(string)
			params, _ := req["params"].(map[string]any)
			// Interleave a server notification to exercise skipping.
			_ = enc.Encode(map[string]any{"jsonrpc": "2.0", "method": "notifications/message"})
			result, rpcErr := handle(method, params)
			resp := map[string]any{"jsonrpc": "2.0", "id": id}
			if rpcErr != nil {
				resp["error"] = rpcErr
			} else {
				resp["result"] = result
			}
			_ = enc.Encode(resp)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := connect(ctx, "fake", clientR, clientW, func() error { return serverR.Close() })
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, srv
}

func handler(method string, params map[string]any) (any, *rpcError) {
	switch method {
	case "initialize":
		return map[string]any{"protocolVersion": protocolVersion}, nil
	case "tools/list":
		return map[string]any{"tools": []any{
			map[string]any{
				"name":        "search",
				"description": "Search the docs",
				"inputSchema": map[string]any{
					"type":       "object",
					"properties": map[string]any{"query": map[string]any{"type": "string"}},
					"required":   []any{"query"},
				},
			},
		}}, nil
	case "tools/call":
		args, _ := params["arguments"].(map[string]any)
		if args["query"] == "boom" {
			return map[string]any{"isError": true, "content": []any{map[string]any{"type": "text", "text": "index offline"}}}, nil
		}
		return map[string]any{"content": []any{map[string]any{"type": "text", "text": `{"hits":1}`}}}, nil
	}
	return nil, &rpcError{Code: -32601, Message: "method not found"}
}

func TestClientHandshake(t *testing.T) {
	_, srv := startFake(t, handler)

	first := <-srv.requests
	assert.Equal(t, "initialize", first["method"])
	params := first["params"].(map[string]any)
	assert.Equal(t, "theseus", params["clientInfo"].(map[string]any)["name"])

	second := <-srv.requests
	assert.Equal(t, "notifications/initialized", second["method"])
	_, hasID := second["id"]
	assert.False(t, hasID)
}

func TestExecutorDiscoversAndCalls(t *testing.T) {
	client, _ := startFake(t, handler)
	e := &Executor{routes: map[string]*Client{}, logger: discardLogger()}
	require.NoError(t, e.add(context.Background(), client, ""))

	defs := e.Definitions()
	require.Len(t, defs, 1)
	assert.Equal(t, "search", defs[0].Name)
	assert.Equal(t, tools.CapabilityExecute, defs[0].Capability)

	reg, err := tools.NewRegistry(defs...)
	require.NoError(t, err)
	assert.Error(t, reg.Validate("search", map[string]any{}))
	assert.NoError(t, reg.Validate("search", map[string]any{"query": "x"}))

	res, err := e.Execute(context.Background(), tools.Invocation{Tool: "search", Args: map[string]any{"query": "x"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"hits":1}`, res.Content)

	res, err = e.Execute(context.Background(), tools.Invocation{Tool: "search", Args: map[string]any{"query": "boom"}})
	assert.EqualError(t, err, "index offline")
	assert.Equal(t, 1, res.ExitCode)

	_, err = e.Execute(context.Background(), tools.Invocation{Tool: "other"})
	assert.ErrorIs(t, err, tools.ErrUnknownTool)
}

func TestExecutorRejectsDuplicateTools(t *testing.T) {
	a, _ := startFake(t, handler)
	b, _ := startFake(t, handler)
	e := &Executor{routes: map[string]*Client{}, logger: discardLogger()}
	require.NoError(t, e.add(context.Background(), a, tools.CapabilityRead))
	assert.ErrorContains(t, e.add(context.Background(), b, ""), "offered by both")
}

func TestClientRPCError(t *testing.T) {
	client, _ := startFake(t, handler)
	_, err := client.call(context.Background(), "resources/list", nil)
	assert.ErrorContains(t, err, "method not found")
}

func TestClientCallHonorsContext(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	client, _ := startFake(t, func(method string, params map[string]any) (any, *rpcError) {
		if method == "tools/call" {
			<-block
		}
		return handler(method, params)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := client.CallTool(ctx, "search", map[string]any{"query": "x"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClosedClient(t *testing.T) {
	client, _ := startFake(t, handler)
	require.NoError(t, client.Close())
	_, err := client.ListTools(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcp.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"mcpServers": {
			"docs": {"command": "docs-server", "args": ["--stdio"], "capability": "read"},
			"old": {"command": "old-server", "disabled": true}
		}
	}`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"docs"}, cfg.ServerNames())
	assert.Equal(t, tools.CapabilityRead, cfg.MCPServers["docs"].Capability)

	require.NoError(t, os.WriteFile(path, []byte(`{"mcpServers": {"x": {}}}`), 0o644))
	_, err = LoadConfig(path)
	assert.ErrorContains(t, err, "no command")
}

func TestFormatText(t *testing.T) {
	assert.Equal(t, "plain", formatText("plain"))
	assert.Equal(t, "42", formatText("42"))
	assert.Equal(t, "{\n  \"a\": 1\n}", formatText(`{"a":1}`))
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
