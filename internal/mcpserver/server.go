// Package mcpserver exposes a subset of the orchestrator's own
// session-management surface as MCP tools, so an MCP-speaking agent (for
// instance a supervisor session coordinating sub-sessions) gets the same
// capabilities an HTTP operator has, without round-tripping through its
// own REST API the way the teacher's mcpserver package calls back into
// its own backend over HTTP — here the tools call directly into the
// already-in-process Registry, Delivery Engine, Event Store, and Request
// Ledger.
package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/delivery"
	"github.com/kandev/orchestrator/internal/eventstore"
	"github.com/kandev/orchestrator/internal/ledger"
	"github.com/kandev/orchestrator/internal/registry"
)

// Config holds the MCP server's listen configuration.
type Config struct {
	Port int
}

// Deps bundles the components the tool handlers call into.
type Deps struct {
	Registry *registry.Registry
	Engine   *delivery.Engine
	Events   *eventstore.Store
	Ledger   *ledger.Ledger
}

// Server wraps the SSE and Streamable HTTP transports with lifecycle
// management, mirroring the teacher's dual-transport MCP server.
type Server struct {
	cfg  Config
	deps Deps

	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	httpServer           *http.Server
	mu                   sync.Mutex
	running              bool
	log                  *logger.Logger
}

// New constructs an MCP server; call Start to begin listening.
func New(cfg Config, deps Deps, log *logger.Logger) *Server {
	return &Server{cfg: cfg, deps: deps, log: log.WithFields(zap.String("component", "mcpserver"))}
}

// Start starts both transports on the same port and returns once listening.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("mcp server already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer("orchestrator-mcp", "1.0.0", server.WithToolCapabilities(true))
	registerTools(mcpServer, s.deps, s.log)

	s.sseServer = server.NewSSEServer(mcpServer)
	s.streamableHTTPServer = server.NewStreamableHTTPServer(mcpServer, server.WithEndpointPath("/mcp"))

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.Handle("/mcp", s.streamableHTTPServer)

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
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

		s.log.Info("mcp server listening", zap.Int("port", s.cfg.Port))
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("mcp server error", zap.Error(err))
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
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown mcp http server: %w", err)
		}
	}
	if s.sseServer != nil {
		if err := s.sseServer.Shutdown(ctx); err != nil {
			s.log.Warn("failed to shutdown sse server", zap.Error(err))
		}
	}
	if s.streamableHTTPServer != nil {
		if err := s.streamableHTTPServer.Shutdown(ctx); err != nil {
			s.log.Warn("failed to shutdown streamable http server", zap.Error(err))
		}
	}
	return nil
}
