// Package mcp implements the Model Context Protocol server for kerfgate.
//
// CAM copilots use it to score cuts and inspect sessions without going
// through the HTTP API: kerfgate_check_cut evaluates a cutting context
// statelessly, kerfgate_session reads a session's state, report, and
// override ledger.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/kerfworks/kerfgate/internal/model"
	"github.com/kerfworks/kerfgate/internal/presets"
	"github.com/kerfworks/kerfgate/internal/workflow"
)

// Server wraps the MCP server with kerfgate's workflow layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	workflow  *workflow.Service
	presets   *presets.Registry
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(svc *workflow.Service, reg *presets.Registry, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		workflow: svc,
		presets:  reg,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kerfgate",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// kerfgate://presets — the embedded material/tool/machine registries.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"kerfgate://presets",
			"Preset Registries",
			mcplib.WithResourceDescription("Available material, tool, and machine presets"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handlePresets,
	)
}

func (s *Server) registerTools() {
	// kerfgate_check_cut — score a cutting context without creating a session.
	s.mcpServer.AddTool(
		mcplib.NewTool("kerfgate_check_cut",
			mcplib.WithDescription("Evaluate the feasibility of a cutting operation. Returns per-calculator scores, the weighted aggregate, and the GREEN/YELLOW/RED risk bucket. Does not create a session."),
			mcplib.WithString("context_json", mcplib.Description("Cutting context as JSON: mode, geometry, and saw or mill parameters; material/tool/machine blocks may be inline or come from presets"), mcplib.Required()),
			mcplib.WithString("material_id", mcplib.Description("Material preset id (e.g. pine, oak, birch-ply)")),
			mcplib.WithString("tool_id", mcplib.Description("Tool preset id (e.g. saw-160-24, mill-6-2)")),
			mcplib.WithString("machine_id", mcplib.Description("Machine preset id (e.g. tracksaw-1200, cnc-hobby-6040)")),
		),
		s.handleCheckCut,
	)

	// kerfgate_session — inspect a workflow session.
	s.mcpServer.AddTool(
		mcplib.NewTool("kerfgate_session",
			mcplib.WithDescription("Inspect a workflow session: current state, latest feasibility report, override ledger, and transition history"),
			mcplib.WithString("session_id", mcplib.Description("Session UUID"), mcplib.Required()),
		),
		s.handleSession,
	)
}

func (s *Server) handlePresets(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(map[string]any{
		"materials": s.presets.Materials(),
		"tools":     s.presets.Tools(),
		"machines":  s.presets.Machines(),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal presets: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "kerfgate://presets",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleCheckCut(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	raw := request.GetString("context_json", "")
	if raw == "" {
		return errorResult("context_json is required"), nil
	}

	var rc model.RunContext
	if err := json.Unmarshal([]byte(raw), &rc); err != nil {
		return errorResult(fmt.Sprintf("invalid context_json: %v", err)), nil
	}

	if err := s.presets.Resolve(&rc,
		request.GetString("material_id", ""),
		request.GetString("tool_id", ""),
		request.GetString("machine_id", ""),
	); err != nil {
		return errorResult(err.Error()), nil
	}

	rc.Normalize()
	if err := rc.Validate(); err != nil {
		return errorResult(err.Error()), nil
	}

	report, err := s.workflow.Evaluate(ctx, rc)
	if err != nil {
		return errorResult(fmt.Sprintf("evaluation failed: %v", err)), nil
	}

	s.logger.Info("mcp check_cut",
		"mode", rc.Mode,
		"aggregate", report.AggregateScore,
		"bucket", report.Bucket)

	resultData, _ := json.MarshalIndent(report, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleSession(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	raw := request.GetString("session_id", "")
	if raw == "" {
		return errorResult("session_id is required"), nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return errorResult(fmt.Sprintf("invalid session_id: %v", err)), nil
	}

	session, err := s.workflow.GetSession(ctx, id)
	if err != nil {
		return errorResult(fmt.Sprintf("session lookup failed: %v", err)), nil
	}

	overrides, err := s.workflow.ListOverrides(ctx, id)
	if err != nil {
		return errorResult(fmt.Sprintf("override lookup failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"session":   session,
		"overrides": overrides,
	}, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
