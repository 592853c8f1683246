package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/delivery"
)

func registerTools(s *server.MCPServer, deps Deps, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List all known sessions with their id, kind, and status."),
		),
		listSessionsHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("queue_message",
			mcp.WithDescription("Queue a message for delivery to a session's agent on its next idle stop."),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("The target session id")),
			mcp.WithString("text", mcp.Required(), mcp.Description("The message text")),
			mcp.WithString("mode", mcp.Description("Delivery mode: sequential (default), important, urgent, or steer")),
		),
		queueMessageHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("session_events",
			mcp.WithDescription("Fetch recent events for a session from the event store."),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("The session id")),
		),
		sessionEventsHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("resolve_request",
			mcp.WithDescription("Resolve a pending approval/user-input request in the Request Ledger."),
			mcp.WithString("request_id", mcp.Required(), mcp.Description("The ledger request id")),
			mcp.WithString("decision", mcp.Required(), mcp.Description("accept or decline")),
		),
		resolveRequestHandler(deps, log),
	)
}

func listSessionsHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessions := deps.Registry.List()
		formatted, err := json.MarshalIndent(sessions, "", "  ")
		if err != nil {
			log.Error("failed to marshal sessions", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("failed to marshal sessions: %v", err)), nil
		}
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func queueMessageHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		mode := delivery.Mode(req.GetString("mode", string(delivery.ModeSequential)))

		m, err := deps.Engine.QueueMessage(ctx, sessionID, text, "mcp", "", mode, delivery.Flags{})
		if err != nil {
			log.Warn("failed to queue message via mcp tool", zap.Error(err), zap.String("session_id", sessionID))
			return mcp.NewToolResultError(fmt.Sprintf("failed to queue message: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("queued message %s", m.ID)), nil
	}
}

func sessionEventsHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		page, err := deps.Events.GetEvents(sessionID, nil, 50)
		if err != nil {
			log.Warn("failed to fetch events via mcp tool", zap.Error(err), zap.String("session_id", sessionID))
			return mcp.NewToolResultError(fmt.Sprintf("failed to fetch events: %v", err)), nil
		}
		formatted, err := json.MarshalIndent(page, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to marshal events: %v", err)), nil
		}
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func resolveRequestHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		requestID, err := req.RequireString("request_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		decision, err := req.RequireString("decision")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		payload, err := json.Marshal(map[string]string{"decision": decision})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to marshal decision: %v", err)), nil
		}
		result, err := deps.Ledger.Resolve(requestID, payload, "mcp", "", "", false)
		if err != nil {
			log.Warn("failed to resolve request via mcp tool", zap.Error(err), zap.String("request_id", requestID))
			return mcp.NewToolResultError(fmt.Sprintf("failed to resolve request: %v", err)), nil
		}
		if !result.OK {
			return mcp.NewToolResultError(fmt.Sprintf("resolve rejected: %s", result.ErrorCode)), nil
		}
		return mcp.NewToolResultText("resolved"), nil
	}
}
