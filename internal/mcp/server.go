// Package mcp exposes the objects of a remote.Server as Model Context
// Protocol tools, so agents can list, inspect and drive them.
package mcp

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/remora/internal/audit"
	"github.com/HyphaGroup/remora/internal/codec"
	"github.com/HyphaGroup/remora/internal/datalog"
	"github.com/HyphaGroup/remora/internal/executor/remote"
	"github.com/HyphaGroup/remora/internal/logger"
	"github.com/HyphaGroup/remora/internal/schedule"
)

// Path is where Handler is mounted by the binary.
const Path = "/mcp"

// Server wraps the MCP server around a remote executor server
type Server struct {
	srv       *remote.Server
	codec     *codec.Codec
	pumps     *schedule.Runner // optional
	events    *datalog.Store   // optional
	audit     *audit.Logger
	registry  *Registry
	mcpServer *mcp.Server
}

// ServerConfig holds the optional subsystems exposed as tools
type ServerConfig struct {
	Version string
	Pumps   *schedule.Runner
	Events  *datalog.Store
	Audit   *audit.Logger // defaults to audit.Default()
}

// NewServer creates a new MCP server instance
func NewServer(srv *remote.Server, cfg *ServerConfig) (*Server, error) {
	version := "dev"
	s := &Server{
		srv:      srv,
		codec:    codec.New(srv.Registry()),
		audit:    audit.Default(),
		registry: NewRegistry(),
	}
	if cfg != nil {
		if cfg.Version != "" {
			version = cfg.Version
		}
		s.pumps = cfg.Pumps
		s.events = cfg.Events
		if cfg.Audit != nil {
			s.audit = cfg.Audit
		}
	}

	s.registerAllTools(s.registry)

	s.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    "remora",
		Version: version,
	}, nil)
	if err := s.registry.RegisterWithMCPServer(s.mcpServer); err != nil {
		return nil, err
	}
	return s, nil
}

// MCPServer returns the underlying SDK server, e.g. to connect it to an
// in-process transport.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcpServer
}

// GetRegistry returns the tool registry
func (s *Server) GetRegistry() *Registry {
	return s.registry
}

// Handler serves the streamable HTTP transport.
func (s *Server) Handler() http.Handler {
	// EventStore enables SSE stream resumption
	mcpHandler := mcp.NewStreamableHTTPHandler(func(req *http.Request) *mcp.Server {
		return s.mcpServer
	}, &mcp.StreamableHTTPOptions{
		EventStore: mcp.NewMemoryEventStore(nil),
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := logger.With(r.Context(), logger.ContextKeyRequestID, requestID)
		ctx = WithRemoteAddr(ctx, r.RemoteAddr)
		ctx = WithClient(ctx, r.Header.Get(ClientHeader))
		r = r.WithContext(ctx)

		logger.Info("MCP %s %s from %s [request_id=%s]", r.Method, r.URL.Path, r.RemoteAddr, requestID)
		mcpHandler.ServeHTTP(w, r)
	})
}

// decode turns tool arguments into codec values: integers become int64
// and {"__ref": hash} resolves to the served object.
func (s *Server) decode(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return s.codec.Unmarshal(data)
}

// encode turns a method result into a JSON-ready tree.
func (s *Server) encode(v any) (any, error) {
	return s.codec.Encode(v, nil)
}
