// Package server exposes the HTTP gateway: tool-server catalog CRUD, sandbox
// lifecycle operations, the JSON-RPC proxy route, and the progress-event
// websocket.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/deckhand-ai/deckhand/pkg/catalog"
	"github.com/deckhand-ai/deckhand/pkg/sandbox"
)

// Server routes HTTP requests to the catalog and the sandbox manager.
type Server struct {
	catalog    catalog.Store
	requestLog catalog.RequestLogStore
	manager    sandbox.Manager
	hub        *Hub
	srv        *http.Server

	// lifetime scopes work detached from any single request, such as the
	// sandbox startup sequence. Cancelled by Shutdown so a long machine
	// install or image pull does not outlive the daemon.
	lifetime context.Context
	cancel   context.CancelFunc
}

// New creates a Server.
func New(cat catalog.Store, reqLog catalog.RequestLogStore, manager sandbox.Manager, hub *Hub) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		catalog:    cat,
		requestLog: reqLog,
		manager:    manager,
		hub:        hub,
		lifetime:   ctx,
		cancel:     cancel,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Catalog
	mux.HandleFunc("GET /api/tool-servers", s.handleListToolServers)
	mux.HandleFunc("POST /api/tool-servers", s.handleInstallToolServer)
	mux.HandleFunc("GET /api/tool-servers/{id}", s.handleGetToolServer)
	mux.HandleFunc("DELETE /api/tool-servers/{id}", s.handleRemoveToolServer)

	// Sandbox lifecycle
	mux.HandleFunc("POST /api/sandbox/start", s.handleSandboxStart)
	mux.HandleFunc("POST /api/sandbox/stop", s.handleSandboxStop)
	mux.HandleFunc("GET /api/sandbox/status", s.handleSandboxStatus)
	mux.HandleFunc("POST /api/tool-servers/{id}/start", s.handleStartToolServer)
	mux.HandleFunc("POST /api/tool-servers/{id}/stop", s.handleStopToolServer)
	mux.HandleFunc("GET /api/tool-servers/{id}/logs", s.handleToolServerLogs)

	// Request log
	mux.HandleFunc("GET /api/requests", s.handleListRequests)

	// JSON-RPC proxy
	mux.HandleFunc("POST /mcp-proxy/{id}", s.handleProxy)

	// Progress events
	mux.HandleFunc("/api/events", s.handleEvents)

	return mux
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	slog.Info("Starting gateway", "addr", addr)
	return s.srv.ListenAndServe()
}

// Shutdown cancels detached work and gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, err error) {
	slog.Error("API error", "error", err)
	s.jsonResponse(w, status, map[string]string{"error": err.Error()})
}
