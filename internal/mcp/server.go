package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/MEKXH/ccapproval/internal/approval"
	"github.com/MEKXH/ccapproval/internal/bus"
)

const (
	ServerName       = "ccapproval"
	ApprovalToolName = "tool-approval"
)

// Approver resolves one permission prompt.
type Approver interface {
	Request(ctx context.Context, toolName string, parameters map[string]any) (approval.Decision, error)
}

// Server exposes the approval gate as an MCP permission prompt tool.
type Server struct {
	mcpServer *mcpserver.MCPServer
	approver  Approver
}

// NewServer creates the MCP server and registers its tool.
func NewServer(version string, approver Approver) *Server {
	s := &Server{
		mcpServer: mcpserver.NewMCPServer(ServerName, version,
			mcpserver.WithToolCapabilities(false),
			mcpserver.WithRecovery(),
		),
		approver: approver,
	}
	s.mcpServer.AddTools(s.approvalTool())
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// ServeStdio speaks MCP over in and out until ctx is done or in closes.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	stdio.SetErrorLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelError))
	if err := stdio.Listen(ctx, in, out); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp stdio: %w", err)
	}
	return nil
}

func (s *Server) approvalTool() mcpserver.ServerTool {
	tool := mcplib.NewTool(ApprovalToolName,
		mcplib.WithDescription("Request human approval for a tool call through chat. Returns a JSON permission decision."),
		mcplib.WithString("tool_name",
			mcplib.Required(),
			mcplib.Description("Name of the tool requesting permission"),
		),
		mcplib.WithObject("input",
			mcplib.Required(),
			mcplib.Description("Input parameters of the tool call"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleApproval,
	}
}

func (s *Server) handleApproval(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ctx, requestID := bus.EnsureRequestID(ctx)
	logger := slog.With("request_id", requestID)

	args := req.GetArguments()
	toolName, _ := args["tool_name"].(string)
	if strings.TrimSpace(toolName) == "" {
		return mcplib.NewToolResultError("tool_name is required"), nil
	}
	input, ok := args["input"].(map[string]any)
	if !ok {
		return mcplib.NewToolResultError("input must be an object"), nil
	}

	logger.Debug("approval tool called", "tool", toolName)
	decision, err := s.approver.Request(ctx, toolName, input)
	if err != nil {
		if errors.Is(err, approval.ErrInvalidInput) {
			return mcplib.NewToolResultError(err.Error()), nil
		}
		logger.Error("approval process failed", "tool", toolName, "error", err)
		return nil, fmt.Errorf("approval process failed: %w", err)
	}

	data, err := json.Marshal(decision)
	if err != nil {
		return nil, fmt.Errorf("marshal decision: %w", err)
	}
	return mcplib.NewToolResultText(string(data)), nil
}
