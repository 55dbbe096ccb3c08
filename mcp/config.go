package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/richinex/theseus/tools"
)

// Config is the MCP configuration file, in the format used by desktop
// clients:
//
//	{
//	  "mcpServers": {
//	    "filesystem": {
//	      "command": "npx",
//	      "args": ["-y", "@modelcontextprotocol/server-filesystem", "/tmp"]
//	    }
//	  }
//	}
type Config struct {
	MCPServers map[string]ServerConfig `json:"mcpServers"`
}

// ServerConfig describes one server process.
type ServerConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env,omitempty"`

	// Capability tags every tool of the server for risk and memory
	// purposes. Defaults to execute.
	Capability tools.Capability `json:"capability,omitempty"`
	// Disabled servers are skipped.
	Disabled bool `json:"disabled,omitempty"`
}

// LoadConfig reads a configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	for name, server := range config.MCPServers {
		if server.Command == "" && !server.Disabled {
			return nil, fmt.Errorf("mcp server %q has no command", name)
		}
	}
	return &config, nil
}

// ServerNames returns the enabled server names in sorted order.
func (c *Config) ServerNames() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.MCPServers))
	for name, server := range c.MCPServers {
		if !server.Disabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
