// Package api exposes the conversation over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/dotsetgreg/dotchat/pkg/agent"
	"github.com/dotsetgreg/dotchat/pkg/generation"
	"github.com/dotsetgreg/dotchat/pkg/logger"
	"github.com/dotsetgreg/dotchat/pkg/memory"
	"github.com/dotsetgreg/dotchat/pkg/metrics"
)

const (
	requestIDHeader = "X-Request-ID"
	maxBodyBytes    = 1 << 20
)

var chatRequestSchema = mustSchema(`{
	"type": "object",
	"properties": {
		"message": {"type": "string", "minLength": 1}
	},
	"required": ["message"],
	"additionalProperties": false
}`)

func mustSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("compile request schema: %v", err))
	}
	return schema
}

// ChatHandler runs one conversational turn.
type ChatHandler interface {
	HandleMessage(ctx context.Context, userText string) (agent.TurnResult, error)
}

// Digest is the cached full-history summary.
type Digest interface {
	Regenerate(ctx context.Context) (string, error)
	RetrieveEntry() (memory.Entry, bool)
}

type WindowSummarizer interface {
	Summarize(ctx context.Context, window []memory.Turn) (string, error)
}

type Options struct {
	Chat       ChatHandler
	Store      memory.Store
	Summarizer WindowSummarizer
	Digest     Digest
	// WindowSize bounds the turns summarized by /chat/conversations/with-summary.
	WindowSize int
	Metrics    *metrics.Metrics
}

type Server struct {
	opts Options
	mux  *http.ServeMux
}

func NewServer(opts Options) *Server {
	if opts.WindowSize <= 0 {
		opts.WindowSize = 10
	}
	s := &Server{opts: opts, mux: http.NewServeMux()}

	s.handle("POST /chat/{$}", "/chat/", s.handleChat)
	s.handle("GET /chat/conversations/list", "/chat/conversations/list", s.handleList)
	s.handle("GET /chat/conversations/with-summary", "/chat/conversations/with-summary", s.handleListWithSummary)
	s.handle("POST /chat/summary/generate", "/chat/summary/generate", s.handleSummaryGenerate)
	s.handle("GET /chat/summary/retrieve", "/chat/summary/retrieve", s.handleSummaryRetrieve)
	s.handle("GET /health", "/health", s.handleHealth)
	s.handle("GET /ready", "/ready", s.handleReady)
	if opts.Metrics != nil {
		s.mux.Handle("GET /metrics", withRequestID(opts.Metrics.Handler()))
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          logger.StdLogger("http"),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.InfoCF("api", "HTTP server listening", map[string]interface{}{"addr": addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	logger.InfoC("api", "Shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return <-errCh
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handle(pattern, route string, fn http.HandlerFunc) {
	m := s.opts.Metrics
	s.mux.Handle(pattern, withRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m != nil {
			m.HTTPRequestsInFlight.Inc()
			defer m.HTTPRequestsInFlight.Dec()
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		duration := time.Since(start)
		m.RecordHTTPRequest(route, strconv.Itoa(rec.status), duration)
		logger.DebugCF("api", "Request served", map[string]interface{}{
			"route":       route,
			"status":      rec.status,
			"request_id":  w.Header().Get(requestIDHeader),
			"duration_ms": duration.Milliseconds(),
		})
	})))
}

// withRequestID echoes a caller-supplied UUID or assigns a new one.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

type chatRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	Reply   string `json:"reply"`
	Summary string `json:"summary"`
}

type turnView struct {
	ID        int64     `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func toViews(turns []memory.Turn) []turnView {
	views := make([]turnView, 0, len(turns))
	for _, t := range turns {
		views = append(views, turnView{ID: t.ID, Role: t.Role.String(), Content: t.Content, CreatedAt: t.CreatedAt})
	}
	return views
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeErrorString(w, http.StatusBadRequest, "request body too large or unreadable")
		return
	}
	if err := validateChatRequest(body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := s.opts.Chat.HandleMessage(r.Context(), req.Message)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Reply: result.Reply, Summary: result.Summary})
}

func validateChatRequest(body []byte) error {
	if !json.Valid(body) {
		return errors.New("request body is not valid JSON")
	}
	result, err := chatRequestSchema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("invalid request: %s", strings.Join(msgs, "; "))
	}
	return nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	turns, err := s.opts.Store.All(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conversations": toViews(turns)})
}

// handleListWithSummary returns every turn plus a fresh summary of the
// latest window. The result is not cached.
func (s *Server) handleListWithSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	turns, err := s.opts.Store.All(ctx)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	window, err := s.opts.Store.Recent(ctx, s.opts.WindowSize)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	summary, err := s.opts.Summarizer.Summarize(ctx, window)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversations": toViews(turns),
		"summary":       summary,
	})
}

func (s *Server) handleSummaryGenerate(w http.ResponseWriter, r *http.Request) {
	summary, err := s.opts.Digest.Regenerate(r.Context())
	if err != nil {
		s.opts.Metrics.RecordSummaryRegeneration("error")
		writeError(w, statusFor(err), err)
		return
	}
	s.opts.Metrics.RecordSummaryRegeneration("success")
	writeJSON(w, http.StatusOK, map[string]string{"summary": summary})
}

func (s *Server) handleSummaryRetrieve(w http.ResponseWriter, _ *http.Request) {
	entry, ok := s.opts.Digest.RetrieveEntry()
	resp := map[string]interface{}{
		"summary":   entry.Summary,
		"generated": ok,
	}
	if ok {
		resp["generated_at"] = entry.GeneratedAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "dotchat"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.opts.Store.Count(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusFor maps pipeline errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, agent.ErrEmptyMessage), errors.Is(err, memory.ErrInvalidRole):
		return http.StatusBadRequest
	case errors.Is(err, generation.ErrRateLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, generation.ErrGenerationFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		logger.ErrorCF("api", "Request failed", map[string]interface{}{
			"status": status,
			"error":  err.Error(),
		})
	}
	writeErrorString(w, status, err.Error())
}

func writeErrorString(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
