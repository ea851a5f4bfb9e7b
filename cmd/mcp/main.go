// Verigate MCP Server - exposes read-only session risk tools to LLM agents
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/verigate/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:     envOrDefault("VERIGATE_API_URL", "http://localhost:8080"),
		ServiceKey: os.Getenv("VERIGATE_SERVICE_KEY"),
	}

	if cfg.ServiceKey == "" {
		fmt.Fprintln(os.Stderr, "warning: VERIGATE_SERVICE_KEY is not set; only development servers will accept requests")
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
