// Package mcpserver exposes the router abstraction layer as MCP tools so
// conversational agents can manage heterogeneous home routers through one
// normalized surface. Tool results carry normalized payloads; vendor wire
// formats and credentials never cross this boundary.
package mcpserver

import (
	"context"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/nerv-lab/tachikoma/internal/audit"
	"github.com/nerv-lab/tachikoma/internal/detect"
	"github.com/nerv-lab/tachikoma/internal/dispatch"
	"github.com/nerv-lab/tachikoma/internal/snapshot"
)

// Version is injected from build metadata.
var Version = "dev"

// MCPServer wires the dispatcher, detector, snapshot store, and audit
// sink into an MCP tool surface.
type MCPServer struct {
	server     *mcp.Server
	handler    http.Handler
	dispatcher *dispatch.Dispatcher
	detector   *detect.Detector
	snapshots  *snapshot.Store
	auditSink  audit.Sink
	logger     *zap.Logger
}

// New creates and wires the MCP server surface.
func New(
	dispatcher *dispatch.Dispatcher,
	detector *detect.Detector,
	snapshots *snapshot.Store,
	auditSink audit.Sink,
	logger *zap.Logger,
) *MCPServer {
	if logger == nil {
		logger = zap.NewNop()
	}

	implVersion := Version
	if implVersion == "" {
		implVersion = "dev"
	}

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "tachikoma",
		Version: implVersion,
	}, nil)

	m := &MCPServer{
		server:     srv,
		dispatcher: dispatcher,
		detector:   detector,
		snapshots:  snapshots,
		auditSink:  auditSink,
		logger:     logger.Named("mcp"),
	}

	m.registerTools()
	m.handler = mcp.NewSSEHandler(func(_ *http.Request) *mcp.Server {
		return m.server
	}, nil)

	return m
}

// Handler returns the HTTP SSE transport handler mounted at /mcp.
func (s *MCPServer) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return s.handler
}

// Run serves MCP over stdio until ctx is cancelled. This is the primary
// transport: a desktop agent launches the binary and speaks MCP on the
// process pipes.
func (s *MCPServer) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}
