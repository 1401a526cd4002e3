// Package api exposes the workflow engine over HTTP/JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/songzhibin97/seoflow/events"
	"github.com/songzhibin97/seoflow/logging"
	"github.com/songzhibin97/seoflow/types"
	"github.com/songzhibin97/seoflow/workflow"
)

const (
	maxBodyBytes      = 1 << 20
	heartbeatInterval = 15 * time.Second
	// RequestIDHeader carries the per-request id in both directions.
	RequestIDHeader = "X-Request-ID"
)

// Engine is the part of workflow.WorkflowEngine the HTTP layer needs.
type Engine interface {
	Start(ctx context.Context, req workflow.StartRequest) (string, error)
	Status(ctx context.Context, id string) (workflow.StatusView, error)
	Results(ctx context.Context, id string) (workflow.ResultsView, error)
	ApproveHeadings(ctx context.Context, id string, headings []types.Heading, modifications map[string]interface{}) (types.Status, error)
	Cancel(ctx context.Context, id string) (types.Status, error)
	List(ctx context.Context, filter types.SessionFilter) ([]types.SessionSummary, error)
	Bus() *events.EventBus
}

// Server handles HTTP requests
type Server struct {
	engine    Engine
	addr      string
	server    *http.Server
	logger    *slog.Logger
	startTime time.Time
	// heartbeat is the SSE keep-alive period; each tick also re-reads status.
	heartbeat time.Duration
}

// NewServer wires the routes. addr is only used by Start.
func NewServer(engine Engine, addr string, logger *slog.Logger) *Server {
	s := &Server{
		engine:    engine,
		addr:      addr,
		logger:    logging.OrDiscard(logger),
		startTime: time.Now(),
		heartbeat: heartbeatInterval,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /workflow/start", s.handleStart)
	mux.HandleFunc("POST /workflow/demo/{keyword}", s.handleDemo)
	mux.HandleFunc("GET /workflow/status/{session_id}", s.handleStatus)
	mux.HandleFunc("POST /workflow/approve-headings", s.handleApproveHeadings)
	mux.HandleFunc("GET /workflow/results/{session_id}", s.handleResults)
	mux.HandleFunc("POST /workflow/cancel/{session_id}", s.handleCancel)
	mux.HandleFunc("GET /workflow/sessions", s.handleSessions)
	mux.HandleFunc("GET /workflow/events/{session_id}", s.handleEvents)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.withRequestID(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the web server
func (s *Server) Start() error {
	s.logger.Info("starting web server", "addr", s.addr)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("web server error", "error", err)
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the web server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down web server")
	return s.server.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		started := time.Now()
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"elapsed", time.Since(started).String(),
		)
	})
}

// JSONError writes {"error": message} with the status code.
func JSONError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, statusCode, ErrorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal server error: " + err.Error()))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(body)
}

// statusCode maps engine sentinels onto HTTP.
func statusCode(err error) int {
	switch {
	case errors.Is(err, workflow.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, workflow.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrInvalidState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusCode(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "request_id", w.Header().Get(RequestIDHeader),
			"method", r.Method, "path", r.URL.Path, "error", err)
	}
	JSONError(w, err.Error(), code)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", workflow.ErrValidation, err)
	}
	return nil
}

func (s *Server) start(w http.ResponseWriter, r *http.Request, req StartRequest) {
	id, err := s.engine.Start(r.Context(), workflow.StartRequest{
		Keyword:         req.Keyword,
		TargetAudience:  req.TargetAudience,
		ContentType:     req.ContentType,
		Mode:            req.WorkflowMode,
		UseRealData:     req.UseRealData,
		TargetWordCount: req.TargetWordCount,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	keyword := strings.TrimSpace(req.Keyword)
	writeJSON(w, http.StatusAccepted, StartResponse{
		SessionID: id,
		Status:    types.StatusPending,
		Keyword:   keyword,
		Message:   fmt.Sprintf("「%s」のSEOワークフローを開始しました", keyword),
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.start(w, r, req)
}

func (s *Server) handleDemo(w http.ResponseWriter, r *http.Request) {
	useRealData := true
	s.start(w, r, StartRequest{
		Keyword:      r.PathValue("keyword"),
		WorkflowMode: string(types.ModeFullAuto),
		UseRealData:  &useRealData,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.Status(r.Context(), r.PathValue("session_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.Results(r.Context(), r.PathValue("session_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleApproveHeadings(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		JSONError(w, "session_id is required", http.StatusBadRequest)
		return
	}
	status, err := s.engine.ApproveHeadings(r.Context(), req.SessionID, req.ApprovedHeadings, req.Modifications)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionStatusResponse{SessionID: req.SessionID, Status: status})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("session_id")
	status, err := s.engine.Cancel(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionStatusResponse{SessionID: id, Status: status})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := types.SessionFilter{Keyword: q.Get("keyword")}
	if raw := q.Get("status"); raw != "" {
		status, err := types.ParseStatus(raw)
		if err != nil {
			JSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		filter.Status = status
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			JSONError(w, fmt.Sprintf("invalid limit %q", raw), http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}
	rows, err := s.engine.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rows == nil {
		rows = []types.SessionSummary{}
	}
	writeJSON(w, http.StatusOK, SessionsResponse{Sessions: rows})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}
