package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/verigate/internal/risk"
	"github.com/mbd888/verigate/internal/threat"
	"github.com/mbd888/verigate/internal/verification"
)

const maxWindowHours = 720

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

func windowHours(req mcp.CallToolRequest) (int, error) {
	hours := req.GetInt("hours", 24)
	if hours < 1 || hours > maxWindowHours {
		return 0, fmt.Errorf("hours must be between 1 and %d", maxWindowHours)
	}
	return hours, nil
}

// HandleGetSecurityStatus reports whether verification is running and how.
func (h *Handlers) HandleGetSecurityStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Status(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get security status: %v", err)), nil
	}
	var resp struct {
		Status string                    `json:"status"`
		Config verification.ConfigStatus `json:"config"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse status: %v", err)), nil
	}
	return mcp.NewToolResultText(formatStatus(resp.Status, resp.Config)), nil
}

// HandleGetRiskScoreStats summarizes recent scores.
func (h *Handlers) HandleGetRiskScoreStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	hours, err := windowHours(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	raw, err := h.client.RiskScoreStats(ctx, hours)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get risk score stats: %v", err)), nil
	}
	var st verification.ScoreStats
	if err := json.Unmarshal(raw, &st); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse risk score stats: %v", err)), nil
	}
	return mcp.NewToolResultText(formatScoreStats(st)), nil
}

// HandleGetThreatStats summarizes recent threats.
func (h *Handlers) HandleGetThreatStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	hours, err := windowHours(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	raw, err := h.client.ThreatStats(ctx, hours)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get threat stats: %v", err)), nil
	}
	var st verification.ThreatStats
	if err := json.Unmarshal(raw, &st); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse threat stats: %v", err)), nil
	}
	return mcp.NewToolResultText(formatThreatStats(st)), nil
}

// HandleGetSessionStats reports session counts.
func (h *Handlers) HandleGetSessionStats(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.SessionStats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get session stats: %v", err)), nil
	}
	var st verification.SessionStats
	if err := json.Unmarshal(raw, &st); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse session stats: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Active sessions: %d\nEvaluated (24h): %d\nHigh risk (24h): %d",
		st.ActiveSessions, st.EvaluatedSessions, st.HighRiskSessions)), nil
}

// HandleGetSessionRisk shows one session's live risk.
func (h *Handlers) HandleGetSessionRisk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := strings.TrimSpace(req.GetString("session_id", ""))
	if id == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	raw, err := h.client.SessionRisk(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get session risk: %v", err)), nil
	}
	var snap verification.SessionSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse session risk: %v", err)), nil
	}
	return mcp.NewToolResultText(formatSnapshot(snap)), nil
}

// --- formatting ---

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func formatStatus(status string, c verification.ConfigStatus) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Status: %s\n", status)
	if !c.Enabled {
		sb.WriteString("Continuous verification: disabled\n")
		return sb.String()
	}
	fmt.Fprintf(&sb, "Mode: %s", c.Mode)
	if c.MonitoringOnly {
		sb.WriteString(" (monitoring only, no mitigation)")
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "Threat detection: %s\n", onOff(c.ThreatDetection))
	fmt.Fprintf(&sb, "Behavior learning: %s\n", onOff(c.BehaviorLearning))
	fmt.Fprintf(&sb, "Location monitoring: %s\n", onOff(c.LocationMonitoring))
	fmt.Fprintf(&sb, "Time anomaly detection: %s\n", onOff(c.TimeAnomalyDetection))
	t := c.Thresholds
	fmt.Fprintf(&sb, "Thresholds: low<=%d medium<=%d high<=%d revoke>%d\n", t.Low, t.Medium, t.High, t.Extreme)
	return sb.String()
}

var levelOrder = []risk.Level{risk.LevelLow, risk.LevelMedium, risk.LevelHigh, risk.LevelExtreme}

func formatLevels(dist map[risk.Level]int) string {
	parts := make([]string, 0, len(levelOrder))
	for _, l := range levelOrder {
		parts = append(parts, fmt.Sprintf("%s=%d", l, dist[l]))
	}
	return strings.Join(parts, " ")
}

func formatScoreStats(st verification.ScoreStats) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Risk scores, last %dh\n", st.WindowHours)
	if st.Count == 0 {
		sb.WriteString("No evaluations recorded.\n")
	} else {
		fmt.Fprintf(&sb, "Evaluations: %d\n", st.Count)
		fmt.Fprintf(&sb, "Average: %.1f (min %d, max %d)\n", st.Average, st.Min, st.Max)
		fmt.Fprintf(&sb, "Levels: %s\n", formatLevels(st.Distribution))
	}
	if st.DegradedCount > 0 {
		fmt.Fprintf(&sb, "Degraded evaluations: %d\n", st.DegradedCount)
	}
	return sb.String()
}

func formatThreatStats(st verification.ThreatStats) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Threats, last %dh: %d (%d mitigated)\n", st.WindowHours, st.Total, st.Mitigated)
	if st.Total == 0 {
		return sb.String()
	}
	types := make([]threat.Type, 0, len(st.TypeDistribution))
	for t := range st.TypeDistribution {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	for _, t := range types {
		fmt.Fprintf(&sb, "  %s: %d\n", t, st.TypeDistribution[t])
	}
	fmt.Fprintf(&sb, "Levels: %s\n", formatLevels(st.LevelDistribution))
	return sb.String()
}

func formatSnapshot(s verification.SessionSnapshot) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Session %s (%s)\n", s.SessionID, s.State)
	if s.LastEval == nil {
		sb.WriteString("Not evaluated yet.\n")
	} else {
		fmt.Fprintf(&sb, "Current risk: %d (%s) at %s\n", s.CurrentScore, s.Level, s.LastEval.UTC().Format(time.RFC3339))
	}

	if len(s.Factors) > 0 {
		sb.WriteString("\nFactors:\n")
		factors := append([]risk.Factor(nil), s.Factors...)
		sort.SliceStable(factors, func(i, j int) bool { return factors[i].Score > factors[j].Score })
		for _, f := range factors {
			fmt.Fprintf(&sb, "  %-22s %3d  (weight %.2f)\n", f.Name, f.Score, f.Weight)
		}
	}

	if len(s.History) > 1 {
		sb.WriteString("\nRecent scores:\n")
		for _, r := range s.History {
			fmt.Fprintf(&sb, "  %s  %3d  %s %s\n", r.Timestamp.UTC().Format(time.RFC3339), r.Score, r.Method, r.Endpoint)
		}
	}

	if len(s.Threats) > 0 {
		sb.WriteString("\nThreats:\n")
		for _, t := range s.Threats {
			line := fmt.Sprintf("  %s  %s (%s)", t.DetectedAt.UTC().Format(time.RFC3339), t.Type, t.Level)
			if t.Mitigated {
				line += " mitigated: " + t.MitigationAction
			}
			sb.WriteString(line + "\n")
		}
	}
	return sb.String()
}
