package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients.
const Version = "0.1.0"

// NewMCPServer creates a configured MCP server with all security tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("verigate", Version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolGetSecurityStatus, h.HandleGetSecurityStatus)
	s.AddTool(ToolGetRiskScoreStats, h.HandleGetRiskScoreStats)
	s.AddTool(ToolGetThreatStats, h.HandleGetThreatStats)
	s.AddTool(ToolGetSessionStats, h.HandleGetSessionStats)
	s.AddTool(ToolGetSessionRisk, h.HandleGetSessionRisk)

	return s
}
