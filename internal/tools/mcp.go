package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/routa-dev/routa/internal/common/logger"
)

// MCPConfig holds the MCP server configuration.
type MCPConfig struct {
	Port int
}

// MCPServer exposes the tool endpoint over MCP on two transports:
// SSE (/sse) for Claude Desktop-style clients and Streamable HTTP (/mcp).
type MCPServer struct {
	cfg        MCPConfig
	endpoint   *Endpoint
	sseServer  *server.SSEServer
	streamable *server.StreamableHTTPServer
	httpServer *http.Server
	mu         sync.Mutex
	running    bool
	log        *logger.Logger
}

// NewMCPServer creates an MCP server backed by the endpoint.
func NewMCPServer(cfg MCPConfig, endpoint *Endpoint, log *logger.Logger) *MCPServer {
	return &MCPServer{
		cfg:      cfg,
		endpoint: endpoint,
		log:      log.WithFields(zap.String("component", "mcp-server")),
	}
}

// Start begins listening and returns once the server goroutine is up.
func (s *MCPServer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer(
		"routa-mcp",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools(mcpServer)

	s.sseServer = server.NewSSEServer(mcpServer)
	s.streamable = server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
	)

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.Handle("/mcp", s.streamable)

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = tcpAddr.Port
	}

	s.httpServer = &http.Server{Handler: mux}

	ready := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		close(ready)

		s.log.Info("MCP server listening",
			zap.Int("port", s.cfg.Port),
			zap.String("sse_endpoint", "/sse"),
			zap.String("streamable_http_endpoint", "/mcp"))

		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("MCP server error", zap.Error(err))
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully shuts down both transports.
func (s *MCPServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	if s.sseServer != nil {
		if err := s.sseServer.Shutdown(ctx); err != nil {
			s.log.Warn("failed to shutdown SSE server", zap.Error(err))
		}
	}
	if s.streamable != nil {
		if err := s.streamable.Shutdown(ctx); err != nil {
			s.log.Warn("failed to shutdown Streamable HTTP server", zap.Error(err))
		}
	}
	return nil
}

// SSEEndpoint returns the SSE transport URL.
func (s *MCPServer) SSEEndpoint() string {
	return fmt.Sprintf("http://localhost:%d/sse", s.cfg.Port)
}

// StreamableHTTPEndpoint returns the Streamable HTTP transport URL.
func (s *MCPServer) StreamableHTTPEndpoint() string {
	return fmt.Sprintf("http://localhost:%d/mcp", s.cfg.Port)
}

func (s *MCPServer) registerTools(mcpServer *server.MCPServer) {
	for name, description := range toolDescriptions() {
		mcpServer.AddTool(
			mcp.NewTool(name,
				mcp.WithDescription(description),
				mcp.WithString("args",
					mcp.Required(),
					mcp.Description("JSON object with the tool's arguments"),
				),
			),
			s.toolHandler(name),
		)
	}
	s.log.Info("registered MCP tools", zap.Int("count", len(toolDescriptions())))
}

// toolHandler adapts one endpoint tool to the MCP handler shape. The result
// envelope is returned as JSON text either way; MCP-level errors are reserved
// for transport problems.
func (s *MCPServer) toolHandler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := req.RequireString("args")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		result := s.endpoint.Call(ctx, name, json.RawMessage(raw))
		payload, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
		}
		if !result.Success {
			return mcp.NewToolResultError(string(payload)), nil
		}
		return mcp.NewToolResultText(string(payload)), nil
	}
}

func toolDescriptions() map[string]string {
	return map[string]string{
		"create_task": "Create a task in a workspace. Args: title, objective, workspaceId (required); " +
			"scope, acceptanceCriteria, verificationCommands, parallelGroup, dependencies (optional).",
		"list_tasks": "List tasks in a workspace. Args: workspaceId (required); status filter (optional).",
		"delegate_task_to_agent": "Spawn a specialist agent for an existing task. Args: taskId, specialist, " +
			"callerAgentId (required); waitMode (immediate|after_all), additionalInstructions, provider, cwd (optional).",
		"create_note":      "Create a note. Args: workspaceId, title (required); noteId, content, metadata (optional).",
		"read_note":        "Read a note. Args: workspaceId, noteId (required).",
		"list_notes":       "List a workspace's notes. Args: workspaceId (required).",
		"set_note_content": "Replace a note's content. Writing the spec note converts @@@task blocks into tasks and returns their ids.",
		"convert_task_blocks":     "Convert a note's @@@task blocks into tasks. Args: workspaceId, noteId (required).",
		"list_agents":             "List a workspace's agents. Args: workspaceId (required).",
		"get_agent_status":        "Get one agent's status and live session. Args: agentId (required).",
		"read_agent_conversation": "Read an agent's recent messages. Args: agentId (required); limit (optional, default 50).",
		"send_message_to_agent":   "Send a message to another agent. Args: agentId, message (required); fromAgentId (optional).",
		"report_to_parent": "Report task completion to your parent. Args: agentId and report " +
			"{taskId, summary, success; filesModified, verificationResults optional}.",
		"set_agent_name": "Rename an agent. Args: agentId, name (required).",
	}
}
