package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gateway-fm/leaderprobe/internal/schedule"
	"github.com/gateway-fm/leaderprobe/pkg/types"
)

// maxListedSlots caps slot lists in tool output.
const maxListedSlots = 50

// ScheduleLoader returns the current leader schedule.
type ScheduleLoader func(ctx context.Context) (*schedule.Index, error)

// RegisterTools registers all leader probe tools on the MCP server.
// leader_lookup is only registered when loadSchedule is non-nil.
func RegisterTools(s *server.MCPServer, client *Client, loadSchedule ScheduleLoader) {
	registerStatus(s, client)
	registerHealth(s, client)
	registerRun(s, client)
	registerStop(s, client)
	registerHistory(s, client)
	registerRunDetail(s, client)
	registerDeleteRun(s, client)
	if loadSchedule != nil {
		registerLeaderLookup(s, loadSchedule)
	}
}

func registerStatus(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("probe_status",
		gomcp.WithDescription("Get the live probe run status: phase, qualifying slots seen, probes sent/failed/in flight, blockhash freshness."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/v1/status")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Leader probe unreachable: %v\n\nIs it running with LISTEN_ADDR set?", err)), nil
		}
		return gomcp.NewToolResultText(formatStatus(raw)), nil
	})
}

func registerHealth(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("probe_health",
		gomcp.WithDescription("Readiness check for the leader probe. Checks read RPC and sender RPC connectivity."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/ready")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Leader probe not ready: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHealth(raw)), nil
	})
}

func registerRun(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("probe_run",
		gomcp.WithDescription("Start a probe run. This is a MUTATING operation that sends real transactions. Omitted bounds fall back to the server configuration."),
		gomcp.WithNumber("num_leaders",
			gomcp.Description("Stop after this many qualifying leader slots"),
		),
		gomcp.WithNumber("duration_sec",
			gomcp.Description("Stop dispatching after this many seconds"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		payload := types.StartRunRequest{
			NumLeaders:  req.GetInt("num_leaders", 0),
			DurationSec: req.GetInt("duration_sec", 0),
		}
		if payload.NumLeaders < 0 || payload.DurationSec < 0 {
			return gomcp.NewToolResultError("num_leaders and duration_sec must not be negative"), nil
		}

		raw, err := client.Post(ctx, "/v1/runs", payload)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Start run failed: %v", err)), nil
		}
		var resp struct {
			RunID string `json:"runId"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Unexpected response: %v", err)), nil
		}

		lines := []string{section("Run Started"), kv("Run ID", resp.RunID)}
		if payload.NumLeaders > 0 {
			lines = append(lines, kv("Leader slots", payload.NumLeaders))
		}
		if payload.DurationSec > 0 {
			lines = append(lines, kv("Duration", fmt.Sprintf("%ds", payload.DurationSec)))
		}
		return gomcp.NewToolResultText(joinLines(lines...)), nil
	})
}

func registerStop(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("probe_stop",
		gomcp.WithDescription("End the dispatch phase of the active run. In-flight probes are still audited. This is a MUTATING operation."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		if _, err := client.Post(ctx, "/v1/stop", nil); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Stop failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Run Stopping"),
			"Dispatch has ended. The report will appear in history once the audit completes.",
		)), nil
	})
}

func registerHistory(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("probe_history",
		gomcp.WithDescription("List finished probe runs with landing rate and mean slot latency (paginated, newest first)."),
		gomcp.WithNumber("limit",
			gomcp.Description("Max results to return (default: 10, max: 100)"),
		),
		gomcp.WithNumber("offset",
			gomcp.Description("Results offset for pagination (default: 0)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		offset := req.GetInt("offset", 0)

		raw, err := client.Get(ctx, fmt.Sprintf("/v1/runs?limit=%d&offset=%d", limit, offset))
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("History failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHistory(raw)), nil
	})
}

func registerRunDetail(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("probe_run_detail",
		gomcp.WithDescription("Get the full report of a probe run by ID, including misses by validator."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		raw, err := client.Get(ctx, "/v1/runs/"+id)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Run detail failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatReport(raw)), nil
	})
}

func registerDeleteRun(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("probe_delete_run",
		gomcp.WithDescription("Delete a probe run and its probe records. This is a MUTATING operation."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID to delete"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		if _, err := client.Delete(ctx, "/v1/runs/"+id); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Delete failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Run Deleted"),
			kv("ID", id),
		)), nil
	})
}

func registerLeaderLookup(s *server.MCPServer, loadSchedule ScheduleLoader) {
	tool := gomcp.NewTool("leader_lookup",
		gomcp.WithDescription("Resolve the leader schedule: give a slot to find its validator, or a validator identity to list its slots."),
		gomcp.WithNumber("slot",
			gomcp.Description("Slot to resolve to its scheduled validator"),
		),
		gomcp.WithString("validator",
			gomcp.Description("Validator identity (base58) to list scheduled slots for"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		slot := req.GetInt("slot", -1)
		validator := strings.TrimSpace(req.GetString("validator", ""))
		if (slot < 0) == (validator == "") {
			return gomcp.NewToolResultError("exactly one of slot or validator is required"), nil
		}

		idx, err := loadSchedule(ctx)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Schedule fetch failed: %v", err)), nil
		}
		if validator != "" {
			return gomcp.NewToolResultText(lookupValidator(idx, validator)), nil
		}
		return gomcp.NewToolResultText(lookupSlot(idx, uint64(slot))), nil
	})
}

func lookupSlot(idx *schedule.Index, slot uint64) string {
	if leader, ok := idx.Leader(slot); ok {
		return joinLines(
			section(fmt.Sprintf("Slot %d", slot)),
			kv("Leader", leader),
		)
	}
	lines := []string{
		section(fmt.Sprintf("Slot %d", slot)),
		kv("Leader", "not in the fetched schedule"),
	}
	if next, leader, ok := idx.Next(slot); ok {
		lines = append(lines,
			kv("Next scheduled", next),
			kv("Next leader", leader),
		)
	}
	return joinLines(lines...)
}

func lookupValidator(idx *schedule.Index, validator string) string {
	slots := idx.Slots(validator)
	if len(slots) == 0 {
		return joinLines(
			section("Validator "+validator),
			"No slots in the fetched schedule.",
		)
	}
	return joinLines(
		section("Validator "+validator),
		kv("Scheduled slots", formatNumber(len(slots))),
		kv("First", slots[0]),
		kv("Last", slots[len(slots)-1]),
		kv("Slots", formatSlotList(slots, maxListedSlots)),
	)
}

// Response formatting functions

func formatStatus(raw json.RawMessage) string {
	var st types.RunStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Sprintf("Error parsing status: %v", err)
	}

	runID := st.RunID
	if runID == "" {
		runID = "-"
	}
	lines := joinLines(
		section("Leader Probe Status"),
		kv("Phase", st.Phase),
		kv("Run ID", runID),
		kv("Qualified slots", formatNumber(st.QualifiedSlots)),
		kv("Probes sent", formatNumber(st.ProbesSent)),
		kv("Probes failed", formatNumber(st.ProbesFailed)),
		kv("In flight", formatNumber(st.InFlight)),
		kv("Schedule", fmt.Sprintf("%s slots / %s leaders", formatNumber(st.ScheduledSlots), formatNumber(st.ScheduledLeaders))),
	)
	if st.LastQualified > 0 {
		lines += "\n" + kv("Last qualified", st.LastQualified)
	}
	if st.Blockhash != "" {
		fresh := "fresh"
		if st.BlockhashStale {
			fresh = "STALE"
		}
		lines += "\n\n" + joinLines(
			section("Blockhash"),
			kv("Hash", st.Blockhash),
			kv("Age", fmt.Sprintf("%.1fs (%s)", st.BlockhashAgeSec, fresh)),
		)
	}
	if st.Error != "" {
		lines += "\n\n" + kv("Error", st.Error)
	}
	return lines
}

func formatHealth(raw json.RawMessage) string {
	var m struct {
		Ready  bool `json:"ready"`
		Checks []struct {
			Name      string `json:"name"`
			Status    string `json:"status"`
			LatencyMs int64  `json:"latency_ms"`
			Error     string `json:"error"`
		} `json:"checks"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing health: %v", err)
	}

	state := "READY"
	if !m.Ready {
		state = "NOT READY"
	}
	lines := section("Leader Probe Health: " + state)
	for _, c := range m.Checks {
		line := fmt.Sprintf("  %-15s %s (%dms)", c.Name, c.Status, c.LatencyMs)
		if c.Error != "" {
			line += " - " + c.Error
		}
		lines += "\n" + line
	}
	return lines
}

func formatHistory(raw json.RawMessage) string {
	var page types.PaginatedRuns
	if err := json.Unmarshal(raw, &page); err != nil {
		return fmt.Sprintf("Error parsing history: %v", err)
	}

	lines := joinLines(
		section("Run History"),
		kv("Total runs", formatNumber(page.Total)),
	) + "\n\n"
	if len(page.Runs) == 0 {
		return lines + "No runs found."
	}

	for _, run := range page.Runs {
		var rate *float64
		if run.Sent > 0 {
			r := float64(run.Landed) / float64(run.Sent)
			rate = &r
		}
		lines += fmt.Sprintf("### %s\n", run.RunID)
		lines += joinLines(
			kv("Started", formatTime(run.StartedAt)),
			kv("Policy", run.Policy),
			kv("Sent", formatNumber(run.Sent)),
			kv("Landed", fmt.Sprintf("%s (%s)", formatNumber(run.Landed), formatRate(rate))),
			kv("Send failed", formatNumber(run.SendFailed)),
			kv("Mean latency", formatSlots(run.MeanLatencySlots)),
		)
		if run.Error != "" {
			lines += "\n" + kv("Error", run.Error)
		}
		lines += "\n\n"
	}
	return lines
}

func formatReport(raw json.RawMessage) string {
	var r types.Report
	if err := json.Unmarshal(raw, &r); err != nil {
		return fmt.Sprintf("Error parsing report: %v", err)
	}

	lines := joinLines(
		section("Run: "+r.RunID),
		kv("Policy", r.Policy),
		kv("Started", formatTime(r.StartedAt)),
		kv("Completed", formatTime(r.CompletedAt)),
		kv("Qualified slots", formatNumber(r.Qualified)),
		kv("Sent", formatNumber(r.Sent)),
		kv("Send failed", formatNumber(r.SendFailed)),
		kv("Landed", formatNumber(r.Landed)),
		kv("Not landed", formatNumber(r.NotLanded)),
		kv("Unknown", formatNumber(r.Unknown)),
		kv("Landing rate", formatRate(r.LandingRate)),
		kv("Mean latency", formatSlots(r.MeanLatencySlots)),
	)

	if lat := r.Latency; lat != nil && lat.Count > 0 {
		lines += "\n\n" + joinLines(
			section("Landing Latency (slots)"),
			kv("Min", lat.Min),
			kv("P50", lat.P50),
			kv("P90", lat.P90),
			kv("P99", lat.P99),
			kv("Max", lat.Max),
		)
	}

	if len(r.MissesByValidator) > 0 {
		lines += "\n\n" + section("Misses by Validator")
		for _, m := range r.MissesByValidator {
			lines += "\n" + fmt.Sprintf("  %s  %d miss(es)  slots: %s", m.Validator, m.Misses, formatSlotList(m.Slots, 10))
		}
	}

	if r.Error != "" {
		lines += "\n\n" + kv("Error", r.Error)
	}
	return lines
}
