package mcp

import (
	"net/http"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/hanax-ai/citadel-orchestrator/internal/dispatch"
	"github.com/hanax-ai/citadel-orchestrator/internal/monitor"
	"github.com/hanax-ai/citadel-orchestrator/internal/registry"
	"github.com/hanax-ai/citadel-orchestrator/internal/state"
)

// Server exposes the ingress surface as MCP tools so agent callers can
// submit and track tasks over a streamable HTTP session instead of raw REST.
// [SRP] Server lifecycle only — tools live in tools.go.
type Server struct {
	httpSrv *mcpserver.StreamableHTTPServer
}

func New(disp *dispatch.Dispatcher, st *state.Coordinator, reg *registry.Registry, mon *monitor.Monitor) *Server {
	mcpSrv := mcpserver.NewMCPServer(
		"citadel-orchestrator",
		"1.0.0",
		mcpserver.WithToolCapabilities(true),
	)

	RegisterTools(mcpSrv, disp, st, reg, mon)

	return &Server{httpSrv: mcpserver.NewStreamableHTTPServer(mcpSrv)}
}

// Handler returns the http.Handler serving the MCP endpoint.
func (s *Server) Handler() http.Handler {
	return s.httpSrv
}
