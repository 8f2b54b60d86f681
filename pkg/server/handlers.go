package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/deckhand-ai/deckhand/pkg/domain"
	"github.com/deckhand-ai/deckhand/pkg/sandbox"
)

// --- Catalog ---

func (s *Server) handleListToolServers(w http.ResponseWriter, r *http.Request) {
	defs, err := s.catalog.ListInstalled(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, defs)
}

func (s *Server) handleInstallToolServer(w http.ResponseWriter, r *http.Request) {
	var def domain.ToolServerDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if def.Name == "" {
		s.errorResponse(w, http.StatusBadRequest, errors.New("name is required"))
		return
	}
	if def.ServerConfig.Command == "" {
		s.errorResponse(w, http.StatusBadRequest, errors.New("server_config.command is required"))
		return
	}
	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	if err := s.catalog.Install(r.Context(), &def); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, def)
}

func (s *Server) handleGetToolServer(w http.ResponseWriter, r *http.Request) {
	def, err := s.catalog.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, def)
}

func (s *Server) handleRemoveToolServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	// Stop the sandbox first so the catalog and the registry cannot diverge.
	if err := s.manager.StopServer(r.Context(), id); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.catalog.Remove(r.Context(), id); err != nil {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Sandbox lifecycle ---

func (s *Server) handleSandboxStart(w http.ResponseWriter, r *http.Request) {
	// Machine install and image pull can take minutes; run detached and
	// report progress over the event websocket. The context is the server's
	// lifetime, not the request's, so shutdown aborts an in-flight install.
	go func() {
		report, err := s.manager.Start(s.lifetime)
		if err != nil {
			slog.Error("Sandbox startup failed", "error", err)
			return
		}
		if report.Failed() {
			slog.Warn("Sandbox startup finished with failures",
				"started", report.Started, "failures", len(report.Failures))
		}
	}()
	s.jsonResponse(w, http.StatusAccepted, map[string]string{"status": "starting"})
}

func (s *Server) handleSandboxStop(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Shutdown(r.Context()); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleSandboxStatus(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, s.manager.Status())
}

func (s *Server) handleStartToolServer(w http.ResponseWriter, r *http.Request) {
	def, err := s.catalog.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}
	if err := s.manager.StartServer(r.Context(), *def); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleStopToolServer(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.StopServer(r.Context(), r.PathValue("id")); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleToolServerLogs(w http.ResponseWriter, r *http.Request) {
	lines := 100
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.errorResponse(w, http.StatusBadRequest, fmt.Errorf("invalid lines parameter %q", v))
			return
		}
		lines = n
	}
	bundle, err := s.manager.Logs(r.PathValue("id"), lines)
	if errors.Is(err, sandbox.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, bundle)
}

// --- Request log ---

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := s.requestLog.ListRecent(r.Context(), limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, entries)
}

// --- JSON-RPC proxy ---

// streamSink adapts the ResponseWriter to the proxy's byte sink, flushing as
// chunks arrive so the caller sees the response as soon as it exists.
type streamSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	written int
}

func (ss *streamSink) Write(b []byte) (int, error) {
	n, err := ss.w.Write(b)
	ss.written += n
	if ss.flusher != nil {
		ss.flusher.Flush()
	}
	return n, err
}

// Close satisfies io.WriteCloser; the HTTP response is closed by the handler
// returning.
func (ss *streamSink) Close() error { return nil }

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	requestID := uuid.New().String()
	start := time.Now()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, fmt.Errorf("reading request body: %w", err))
		return
	}

	// Fast-path guard: the registry lookup is in-memory. A tool server that
	// is installed but not registered yet is still initializing, which is a
	// retryable condition, distinct from an unknown id.
	if !s.manager.Exists(id) {
		status := http.StatusNotFound
		reason := "no sandbox registered"
		if _, err := s.catalog.Get(r.Context(), id); err == nil {
			status = http.StatusServiceUnavailable
			reason = "sandbox still initializing"
			w.Header().Set("Retry-After", "1")
			s.errorResponse(w, status,
				fmt.Errorf("%w: tool server %s is still initializing, retry shortly", sandbox.ErrNotReady, id))
		} else {
			s.errorResponse(w, status, fmt.Errorf("%w: %s", sandbox.ErrNotFound, id))
		}
		s.recordRequest(id, requestID, r, body, "", status, reason, start)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	flusher, _ := w.(http.Flusher)
	sink := &streamSink{w: w, flusher: flusher}

	err = s.manager.Proxy(r.Context(), id, body, sink)
	switch {
	case errors.Is(err, sandbox.ErrNotFound):
		// Deregistered between the guard and the bridge; nothing was written.
		s.errorResponse(w, http.StatusNotFound, err)
		s.recordRequest(id, requestID, r, body, "", http.StatusNotFound, err.Error(), start)
	case err != nil:
		// The bridge already wrote a JSON-RPC error envelope to the sink.
		s.recordRequest(id, requestID, r, body, "", http.StatusInternalServerError, err.Error(), start)
	default:
		s.recordRequest(id, requestID, r, body, "", http.StatusOK, "", start)
	}
}

// recordRequest writes the request-log entry asynchronously; logging must
// never block or fail the proxy path.
func (s *Server) recordRequest(serverID, requestID string, r *http.Request, body []byte,
	response string, status int, errMsg string, start time.Time) {
	entry := &domain.RequestLog{
		RequestID:    requestID,
		SessionID:    r.Header.Get("x-session-id"),
		MCPSessionID: r.Header.Get("mcp-session-id"),
		ServerID:     serverID,
		Method:       extractMethod(body),
		RequestBody:  string(body),
		ResponseBody: response,
		StatusCode:   status,
		ErrorMessage: errMsg,
		DurationMS:   time.Since(start).Milliseconds(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.requestLog.Record(ctx, entry); err != nil {
			slog.Error("Failed to record request log", "error", err)
		}
	}()
}

// extractMethod pulls the JSON-RPC method out of a request body for logging.
func extractMethod(body []byte) string {
	var req struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return ""
	}
	return req.Method
}
