package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	mcpmcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	domaintask "github.com/hanax-ai/citadel-orchestrator/internal/domain/task"
	"github.com/hanax-ai/citadel-orchestrator/internal/dispatch"
	"github.com/hanax-ai/citadel-orchestrator/internal/monitor"
	"github.com/hanax-ai/citadel-orchestrator/internal/registry"
	"github.com/hanax-ai/citadel-orchestrator/internal/state"
)

// RegisterTools registers the task tools on the MCP server.
// [OCP] Add a tool by adding an AddTool call — server.go never changes.
func RegisterTools(
	s *mcpserver.MCPServer,
	disp *dispatch.Dispatcher,
	st *state.Coordinator,
	reg *registry.Registry,
	mon *monitor.Monitor,
) {
	s.AddTool(mcpmcp.NewTool("submit_task",
		mcpmcp.WithDescription("Submit an inference or embedding task. Returns the task_id to poll with get_task."),
		mcpmcp.WithString("capability_tags", mcpmcp.Required(), mcpmcp.Description("Comma-separated capability tags, e.g. \"reasoning\" or \"embedding,high-volume\"")),
		mcpmcp.WithString("priority", mcpmcp.Description("One of: critical, high, normal, low (default normal)")),
		mcpmcp.WithString("payload", mcpmcp.Required(), mcpmcp.Description("JSON payload forwarded opaquely to the chosen backend")),
		mcpmcp.WithString("deadline_ms", mcpmcp.Description("Optional deadline in milliseconds from now")),
	), submitTaskHandler(disp))

	s.AddTool(mcpmcp.NewTool("get_task",
		mcpmcp.WithDescription("Return current task status, and the result or failure reason once terminal."),
		mcpmcp.WithString("task_id", mcpmcp.Required(), mcpmcp.Description("Task UUID returned by submit_task")),
	), getTaskHandler(st))

	s.AddTool(mcpmcp.NewTool("cancel_task",
		mcpmcp.WithDescription("Cancel a queued or routed task. For an in-flight task cancellation is advisory: the call is aborted best-effort and any late result is discarded."),
		mcpmcp.WithString("task_id", mcpmcp.Required(), mcpmcp.Description("Task UUID")),
	), cancelTaskHandler(disp))

	s.AddTool(mcpmcp.NewTool("list_backends",
		mcpmcp.WithDescription("List registered backends with health, in-flight count and load score."),
		mcpmcp.WithString("capability_tag", mcpmcp.Description("Optional tag filter")),
	), listBackendsHandler(reg, mon))
}

func submitTaskHandler(disp *dispatch.Dispatcher) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		tagsRaw := mcpmcp.ParseString(req, "capability_tags", "")
		priority := domaintask.Priority(mcpmcp.ParseString(req, "priority", string(domaintask.PriorityNormal)))
		payload := mcpmcp.ParseString(req, "payload", "")
		deadlineMS := mcpmcp.ParseString(req, "deadline_ms", "")

		tags := splitTags(tagsRaw)
		if len(tags) == 0 {
			return mcpmcp.NewToolResultText("error: capability_tags must be non-empty"), nil
		}
		if !priority.Valid() {
			return mcpmcp.NewToolResultText("error: invalid priority"), nil
		}
		if !json.Valid([]byte(payload)) {
			return mcpmcp.NewToolResultText("error: payload is not valid JSON"), nil
		}

		var deadline *time.Time
		if deadlineMS != "" {
			var ms int64
			if err := json.Unmarshal([]byte(deadlineMS), &ms); err != nil || ms <= 0 {
				return mcpmcp.NewToolResultText("error: invalid deadline_ms"), nil
			}
			dl := time.Now().Add(time.Duration(ms) * time.Millisecond)
			deadline = &dl
		}

		t, _, err := disp.Submit(ctx, tags, priority, json.RawMessage(payload), deadline)
		if err != nil {
			return mcpmcp.NewToolResultText("error: " + err.Error()), nil
		}
		out, _ := json.Marshal(map[string]string{"task_id": t.ID.String()})
		return mcpmcp.NewToolResultText(string(out)), nil
	}
}

func getTaskHandler(st *state.Coordinator) mcpserver.ToolHandlerFunc {
	return func(_ context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		id, err := uuid.Parse(mcpmcp.ParseString(req, "task_id", ""))
		if err != nil {
			return mcpmcp.NewToolResultText("error: invalid task_id"), nil
		}
		t, err := st.Get(id)
		if err != nil {
			return mcpmcp.NewToolResultText("error: task not found"), nil
		}

		view := map[string]any{
			"task_id":       t.ID,
			"status":        t.Status,
			"attempt_count": t.AttemptCount,
		}
		if t.Result != nil {
			view["result"] = t.Result
		}
		if t.FailureReason != "" {
			view["reason"] = t.FailureReason
		}
		out, _ := json.Marshal(view)
		return mcpmcp.NewToolResultText(string(out)), nil
	}
}

func cancelTaskHandler(disp *dispatch.Dispatcher) mcpserver.ToolHandlerFunc {
	return func(_ context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		id, err := uuid.Parse(mcpmcp.ParseString(req, "task_id", ""))
		if err != nil {
			return mcpmcp.NewToolResultText("error: invalid task_id"), nil
		}
		if err := disp.Cancel(id); err != nil {
			return mcpmcp.NewToolResultText("error: " + err.Error()), nil
		}
		return mcpmcp.NewToolResultText(`{"cancelled":true}`), nil
	}
}

func listBackendsHandler(reg *registry.Registry, mon *monitor.Monitor) mcpserver.ToolHandlerFunc {
	return func(_ context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		tag := mcpmcp.ParseString(req, "capability_tag", "")
		descs := reg.List(tag)
		views := make([]map[string]any, 0, len(descs))
		for _, d := range descs {
			views = append(views, map[string]any{
				"id":              d.ID,
				"capability_tags": d.CapabilityTags,
				"health":          d.Health,
				"in_flight":       d.CurrentInFlight,
				"max_concurrency": d.MaxConcurrency,
				"load_score":      mon.LoadScore(d.ID),
			})
		}
		out, _ := json.Marshal(views)
		return mcpmcp.NewToolResultText(string(out)), nil
	}
}

func splitTags(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
