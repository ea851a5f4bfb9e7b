package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the verigate MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetSecurityStatus = mcp.NewTool("get_security_status",
	mcp.WithDescription(
		"Get the operational status of continuous session verification, "+
			"including mode (sync or async), monitoring-only flag, enabled detectors, and risk thresholds."),
)

var ToolGetRiskScoreStats = mcp.NewTool("get_risk_score_stats",
	mcp.WithDescription(
		"Summarize risk scores computed over a recent window: count, average, min, max, "+
			"distribution across low/medium/high/extreme, and how many evaluations were degraded."),
	mcp.WithNumber("hours",
		mcp.Description("Window size in hours, 1 to 720 (default 24)")),
)

var ToolGetThreatStats = mcp.NewTool("get_threat_stats",
	mcp.WithDescription(
		"Summarize detected threats over a recent window, by threat type and level, "+
			"with the number that were mitigated by session revocation."),
	mcp.WithNumber("hours",
		mcp.Description("Window size in hours, 1 to 720 (default 24)")),
)

var ToolGetSessionStats = mcp.NewTool("get_session_stats",
	mcp.WithDescription(
		"Count active sessions, sessions evaluated in the last 24 hours, and sessions that scored above the high-risk threshold."),
)

var ToolGetSessionRisk = mcp.NewTool("get_session_risk",
	mcp.WithDescription(
		"Show the live risk view of one session: state, latest score and level, "+
			"the factor breakdown, recent score history, and threats recorded against it."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("The session identifier")),
)
