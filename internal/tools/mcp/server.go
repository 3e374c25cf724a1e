// Package mcp serves the sandboxed tools over the Model Context Protocol, so
// an external MCP client can drive the same operations the agent loop uses.
// Every call goes through the dispatcher: argument validation, root
// injection and containment apply exactly as they do for the model.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/codeagent/internal/tools"
)

// Dispatcher runs a single tool call. *tools.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, call tools.Call) *tools.Result
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithVersion sets the version reported during initialization.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// Server exposes a tool registry as MCP tools.
type Server struct {
	dispatcher Dispatcher
	mcp        *server.MCPServer
	logger     *slog.Logger
	version    string
	seq        atomic.Int64
}

// NewServer registers every tool in reg. Calls are routed through d.
func NewServer(d Dispatcher, reg *tools.Registry, opts ...Option) (*Server, error) {
	s := &Server{
		dispatcher: d,
		logger:     slog.New(slog.DiscardHandler),
		version:    "dev",
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mcp = server.NewMCPServer("codeagent", s.version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	for _, t := range reg.All() {
		schema, err := json.Marshal(t.InputSchema())
		if err != nil {
			return nil, fmt.Errorf("encoding schema for %s: %w", t.Name(), err)
		}
		s.mcp.AddTool(mcp.NewToolWithRawSchema(t.Name(), t.Description(), schema), s.handler(t.Name()))
	}

	s.logger.Debug("mcp server ready", slog.Int("tools", len(reg.Names())))
	return s, nil
}

// MCPServer returns the underlying protocol server.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// ServeStdio serves on the process stdin/stdout until SIGINT or SIGTERM.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp, server.WithErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError)))
}

// Serve serves on the given streams until ctx is canceled.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	return stdio.Listen(ctx, in, out)
}

// handler maps a dispatcher result onto an MCP tool result. A failed call is
// a tool-level error, never a protocol error.
func (s *Server) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		call := tools.Call{
			ID:        fmt.Sprintf("mcp-call-%d", s.seq.Add(1)),
			Name:      name,
			Arguments: req.GetArguments(),
		}
		s.logger.InfoContext(ctx, "mcp tool call", slog.String("name", name), slog.String("id", call.ID))

		res := s.dispatcher.Dispatch(ctx, call)
		if res == nil {
			return mcp.NewToolResultError(fmt.Sprintf("%s returned no result", name)), nil
		}
		if !res.Success {
			return mcp.NewToolResultError(res.Output), nil
		}
		return mcp.NewToolResultText(res.Output), nil
	}
}
