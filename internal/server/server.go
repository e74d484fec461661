// Package server implements the HTTP server that exposes the knowledge-base
// query pipeline via a REST/SSE API. The server is started by the
// `kbai serve` CLI command.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/54b3r/kbai-go/internal/generation"
	"github.com/54b3r/kbai-go/internal/logging"
	"github.com/54b3r/kbai-go/internal/query"
	"github.com/54b3r/kbai-go/internal/store"
)

// DocumentRemover deletes a document's vectors and registry row.
// *ingestion.Pipeline satisfies it.
type DocumentRemover interface {
	Delete(ctx context.Context, documentID string) error
}

// Server is the HTTP server that wraps the query pipeline, the optional
// generation layer, and the document registry.
type Server struct {
	// pipeline runs retrieval for /api/query, /api/select, and /api/chat.
	pipeline pipeline
	// answerer streams generated answers for /api/chat. Nil when no LLM
	// backend is configured; /api/chat then returns 503.
	answerer answerer
	// docs is the document registry behind /api/documents. May be nil.
	docs store.DocumentStore
	// remover deletes documents for DELETE /api/documents/{id}. May be nil.
	remover DocumentRemover
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the Prometheus instruments owned by this server.
	metrics *serverMetrics
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
}

// New constructs a Server. The query handler is required; the generator,
// document store, and remover are optional and their endpoints degrade to
// 503 / empty listings when absent.
func New(h *query.Handler, gen *generation.Generator, docs store.DocumentStore, rem DocumentRemover, cfg *Config) (*Server, error) {
	if h == nil {
		return nil, fmt.Errorf("server: query handler must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		// WriteTimeout must be long enough for streaming responses.
		cfg.WriteTimeout = 5 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = newPrivateRegistry()
	}

	s := &Server{
		pipeline: h,
		cfg:      cfg,
		log:      cfg.Logger,
		pingers:  cfg.Pingers,
		metrics:  newServerMetrics(reg),
	}
	if gen != nil {
		s.answerer = gen
	}
	if docs != nil {
		s.docs = docs
	}
	if rem != nil {
		s.remover = rem
	}
	if cfg.APIKey == "" {
		s.log.Warn("server: KBAI_API_KEY not set — API authentication disabled")
	}

	rl, stopRL := newRateLimiter(cfg.RateLimit, cfg.RateBurst, s.log)
	s.stopRL = stopRL

	api := http.NewServeMux()
	api.HandleFunc("POST /api/query", s.handleQuery)
	api.HandleFunc("POST /api/select", s.handleSelect)
	api.HandleFunc("POST /api/chat", s.handleChat)
	api.HandleFunc("GET /api/documents", s.handleDocuments)
	api.HandleFunc("DELETE /api/documents/{id}", s.handleDocumentDelete)

	protected := authMiddleware(cfg.APIKey, rl.middleware(api))

	root := http.NewServeMux()
	root.HandleFunc("GET /api/health", s.handleHealth)
	root.HandleFunc("GET /api/ready", s.handleReady)
	root.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	root.Handle("/api/", protected)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      requestLogger(s.log, s.instrument(root)),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

// Handler exposes the fully wired handler chain for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	defer s.stopRL()

	errCh := make(chan error, 1)

	go func() {
		s.log.Info("kbai server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// handleQuery handles POST /api/query. The pipeline never fails at the
// transport level: degraded responses still return 200 with the failure in
// the metadata, matching the CLI behaviour.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req query.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	start := time.Now()
	resp := s.pipeline.Handle(r.Context(), req)
	s.observeQuery(resp, time.Since(start))

	writeJSON(w, http.StatusOK, resp)
}

// handleSelect handles POST /api/select: it resolves a disambiguation
// choice from a prior /api/query response.
func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.GroupID == "" {
		http.Error(w, "group_id is required", http.StatusBadRequest)
		return
	}

	start := time.Now()
	resp := s.pipeline.HandleSelection(r.Context(), req.Request, req.GroupID)
	s.observeQuery(resp, time.Since(start))

	writeJSON(w, http.StatusOK, resp)
}

// handleChat handles POST /api/chat. It runs retrieval, then streams the
// generated answer as Server-Sent Events so clients render tokens as they
// arrive. Disambiguation short-circuits generation: the options are sent as
// a single "disambiguation" event for the client to resolve via group_id.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.answerer == nil {
		http.Error(w, "no generation backend configured", http.StatusServiceUnavailable)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Set SSE headers so the client receives a streaming response.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	s.metrics.chatActiveStreams.Inc()
	defer s.metrics.chatActiveStreams.Dec()

	qreq := query.Request{
		Query:          req.Message,
		SessionID:      req.SessionID,
		DocumentFilter: req.DocumentFilter,
	}

	var resp *query.Response
	if req.GroupID != "" {
		resp = s.pipeline.HandleSelection(r.Context(), qreq, req.GroupID)
	} else {
		resp = s.pipeline.Handle(r.Context(), qreq)
	}

	if resp.Metadata.Error != "" {
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", resp.Metadata.Error)
		flusher.Flush()
		return
	}

	if resp.NeedsDisambiguation {
		opts, err := json.Marshal(resp.Options)
		if err != nil {
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", err.Error())
			flusher.Flush()
			return
		}
		fmt.Fprintf(w, "event: disambiguation\ndata: %s\n\n", opts)
		fmt.Fprintf(w, "event: done\ndata: [DONE]\n\n")
		flusher.Flush()
		return
	}

	sw := &sseWriter{w: w, flusher: flusher}
	if _, err := s.answerer.StreamAnswer(r.Context(), resp.Query, &resp.Window, sw); err != nil {
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", err.Error())
		flusher.Flush()
		return
	}

	// Signal stream completion.
	fmt.Fprintf(w, "event: done\ndata: [DONE]\n\n")
	flusher.Flush()
}

// handleDocuments handles GET /api/documents: the ingestion registry
// listing, newest first.
func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	if s.docs == nil {
		http.Error(w, "no document store configured", http.StatusServiceUnavailable)
		return
	}

	docs, err := s.docs.List(r.Context())
	if err != nil {
		logging.FromContext(r.Context()).Error("document listing failed", "error", err)
		http.Error(w, "document listing failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, documentsResponse{Documents: docs, Count: len(docs)})
}

// handleDocumentDelete handles DELETE /api/documents/{id}: vectors first,
// then the registry row.
func (s *Server) handleDocumentDelete(w http.ResponseWriter, r *http.Request) {
	if s.remover == nil {
		http.Error(w, "no document store configured", http.StatusServiceUnavailable)
		return
	}

	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "document id is required", http.StatusBadRequest)
		return
	}

	if err := s.remover.Delete(r.Context(), id); err != nil {
		logging.FromContext(r.Context()).Error("document delete failed", "document_id", id, "error", err)
		http.Error(w, "document delete failed", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// observeQuery records the pipeline outcome metrics for one request.
func (s *Server) observeQuery(resp *query.Response, elapsed time.Duration) {
	outcome := "ok"
	switch {
	case resp.Metadata.Error != "":
		outcome = "degraded"
	case resp.NeedsDisambiguation:
		outcome = "disambiguation"
	}
	s.metrics.queryRequestsTotal.WithLabelValues(outcome).Inc()
	s.metrics.queryDurationSeconds.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// writeJSON encodes v with the given status. Encode errors are logged by the
// middleware's status capture, not handled here.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sseWriter wraps an http.ResponseWriter to emit Server-Sent Event data frames.
type sseWriter struct {
	// w is the underlying response writer.
	w http.ResponseWriter

	// flusher flushes buffered data to the client after each write.
	flusher http.Flusher
}

// Write formats p as one or more SSE data lines and flushes to the client.
// Each newline in p is prefixed with "data: " so multi-line chunks never
// break the SSE frame boundary.
func (s *sseWriter) Write(p []byte) (n int, err error) {
	chunk := strings.TrimRight(string(bytes.Clone(p)), "\n")
	lines := strings.Split(chunk, "\n")
	var buf strings.Builder
	for _, line := range lines {
		buf.WriteString("data: ")
		buf.WriteString(line)
		buf.WriteString("\n")
	}
	buf.WriteString("\n")
	if _, err = fmt.Fprint(s.w, buf.String()); err != nil {
		return 0, err
	}
	s.flusher.Flush()
	return len(p), nil
}
