package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/54b3r/kbai-go/internal/assembler"
	"github.com/54b3r/kbai-go/internal/disambig"
	"github.com/54b3r/kbai-go/internal/logging"
	"github.com/54b3r/kbai-go/internal/query"
	"github.com/54b3r/kbai-go/internal/store"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// fakePipeline implements the pipeline interface, returning canned responses
// and recording the requests it saw.
type fakePipeline struct {
	resp        *query.Response
	selectResp  *query.Response
	lastReq     query.Request
	lastGroupID string
}

func (f *fakePipeline) Handle(_ context.Context, req query.Request) *query.Response {
	f.lastReq = req
	return f.resp
}

func (f *fakePipeline) HandleSelection(_ context.Context, req query.Request, groupID string) *query.Response {
	f.lastReq = req
	f.lastGroupID = groupID
	if f.selectResp != nil {
		return f.selectResp
	}
	return f.resp
}

// fakeAnswerer implements the answerer interface, writing a fixed answer.
type fakeAnswerer struct {
	answer string
	err    error
}

func (f *fakeAnswerer) StreamAnswer(_ context.Context, _ string, _ *assembler.ContextWindow, w io.Writer) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	_, _ = fmt.Fprint(w, f.answer)
	return f.answer, nil
}

// fakeDocStore implements store.DocumentStore for listing tests.
type fakeDocStore struct {
	docs    []store.Document
	listErr error
}

func (f *fakeDocStore) Put(context.Context, store.Document) error { return nil }
func (f *fakeDocStore) Get(context.Context, string) (store.Document, error) {
	return store.Document{}, store.ErrNotFound
}
func (f *fakeDocStore) List(context.Context) ([]store.Document, error) {
	return f.docs, f.listErr
}
func (f *fakeDocStore) SetStatus(context.Context, string, store.Status, int) error { return nil }
func (f *fakeDocStore) Delete(context.Context, string) error                       { return nil }
func (f *fakeDocStore) Close() error                                               { return nil }

// fakeRemover records the document id it was asked to delete.
type fakeRemover struct {
	deleted string
	err     error
}

func (f *fakeRemover) Delete(_ context.Context, documentID string) error {
	f.deleted = documentID
	return f.err
}

// fakePinger is a test double for the Pinger interface.
type fakePinger struct {
	name string
	err  error
}

func (f *fakePinger) Name() string                 { return f.name }
func (f *fakePinger) Ping(_ context.Context) error { return f.err }

// newTestServer builds a *Server with fakes wired in, bypassing New so each
// test controls exactly the dependencies it needs.
func newTestServer(p pipeline) *Server {
	return &Server{
		pipeline: p,
		cfg:      &Config{Port: 8080},
		log:      logging.Discard(),
		metrics:  newServerMetrics(prometheus.NewRegistry()),
	}
}

func okResponse() *query.Response {
	return &query.Response{
		Query:   "how do i deploy",
		Context: "[Source: guide.pdf] [Relevance: 0.90] deployment steps",
		Window: assembler.ContextWindow{
			Chunks:      []assembler.ContextChunk{{Text: "deployment steps", Source: "guide.pdf", TokenCount: 2}},
			TotalTokens: 2,
			Sources:     []string{"guide.pdf"},
		},
		Confidence:  0.85,
		TotalTokens: 2,
	}
}

// ---------------------------------------------------------------------------
// GET /api/health, GET /api/ready
// ---------------------------------------------------------------------------

func TestHandleHealth_OK(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakePipeline{})
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()

	s.handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d — body: %s", w.Code, w.Body.String())
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status: expected %q, got %q", "ok", body["status"])
	}
}

func TestHandleReady_NoPingers(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakePipeline{})
	w := httptest.NewRecorder()

	s.handleReady(w, httptest.NewRequest(http.MethodGet, "/api/ready", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d — body: %s", w.Code, w.Body.String())
	}
	var resp readyResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Ready {
		t.Errorf("expected ready:true with no pingers")
	}
}

func TestHandleReady_FailingDependency(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakePipeline{})
	s.pingers = []Pinger{
		&fakePinger{name: "qdrant"},
		&fakePinger{name: "metadata", err: errors.New("connection refused")},
	}
	w := httptest.NewRecorder()

	s.handleReady(w, httptest.NewRequest(http.MethodGet, "/api/ready", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	var resp readyResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Ready {
		t.Errorf("expected ready:false")
	}
	if len(resp.Checks) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(resp.Checks))
	}
	if resp.Checks[0].Name != "qdrant" || !resp.Checks[0].OK {
		t.Errorf("qdrant check = %+v, want ok", resp.Checks[0])
	}
	if resp.Checks[1].OK || !strings.Contains(resp.Checks[1].Error, "connection refused") {
		t.Errorf("metadata check = %+v, want failure with cause", resp.Checks[1])
	}
}

// ---------------------------------------------------------------------------
// POST /api/query, POST /api/select
// ---------------------------------------------------------------------------

func TestHandleQuery_OK(t *testing.T) {
	t.Parallel()

	fake := &fakePipeline{resp: okResponse()}
	s := newTestServer(fake)
	req := httptest.NewRequest(http.MethodPost, "/api/query",
		strings.NewReader(`{"query":"How do I deploy?","limit":5}`))
	w := httptest.NewRecorder()

	s.handleQuery(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d — body: %s", w.Code, w.Body.String())
	}
	if fake.lastReq.Query != "How do I deploy?" || fake.lastReq.Limit != 5 {
		t.Errorf("pipeline saw request %+v", fake.lastReq)
	}
	var resp query.Response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Context == "" || resp.Confidence != 0.85 {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestHandleQuery_BadBody(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakePipeline{resp: okResponse()})
	req := httptest.NewRequest(http.MethodPost, "/api/query", strings.NewReader(`{not json`))
	w := httptest.NewRecorder()

	s.handleQuery(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandleQuery_DegradedStillOK(t *testing.T) {
	t.Parallel()

	degraded := &query.Response{Metadata: query.ResponseMetadata{Error: "search: unavailable"}}
	s := newTestServer(&fakePipeline{resp: degraded})
	req := httptest.NewRequest(http.MethodPost, "/api/query", strings.NewReader(`{"query":"x"}`))
	w := httptest.NewRecorder()

	s.handleQuery(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("degraded responses must still return 200, got %d", w.Code)
	}
	var resp query.Response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Metadata.Error != "search: unavailable" {
		t.Errorf("metadata error = %q", resp.Metadata.Error)
	}
}

func TestHandleSelect(t *testing.T) {
	t.Parallel()

	fake := &fakePipeline{resp: okResponse()}
	s := newTestServer(fake)
	req := httptest.NewRequest(http.MethodPost, "/api/select",
		strings.NewReader(`{"query":"deploy","group_id":"doc-1"}`))
	w := httptest.NewRecorder()

	s.handleSelect(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d — body: %s", w.Code, w.Body.String())
	}
	if fake.lastGroupID != "doc-1" {
		t.Errorf("group id = %q, want doc-1", fake.lastGroupID)
	}
}

func TestHandleSelect_MissingGroupID(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakePipeline{resp: okResponse()})
	req := httptest.NewRequest(http.MethodPost, "/api/select", strings.NewReader(`{"query":"deploy"}`))
	w := httptest.NewRecorder()

	s.handleSelect(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// POST /api/chat — SSE
// ---------------------------------------------------------------------------

func TestHandleChat_StreamsAnswer(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakePipeline{resp: okResponse()})
	s.answerer = &fakeAnswerer{answer: "Deploy with make deploy."}
	req := httptest.NewRequest(http.MethodPost, "/api/chat",
		strings.NewReader(`{"message":"How do I deploy?"}`))
	w := httptest.NewRecorder()

	s.handleChat(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d — body: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, "data: Deploy with make deploy.") {
		t.Errorf("body missing streamed answer: %q", body)
	}
	if !strings.Contains(body, "event: done") {
		t.Errorf("body missing done event: %q", body)
	}
}

func TestHandleChat_Disambiguation(t *testing.T) {
	t.Parallel()

	resp := okResponse()
	resp.NeedsDisambiguation = true
	resp.Options = []disambig.Option{{GroupID: "doc-1", Title: "Report A"}}
	s := newTestServer(&fakePipeline{resp: resp})
	s.answerer = &fakeAnswerer{answer: "should not run"}
	req := httptest.NewRequest(http.MethodPost, "/api/chat",
		strings.NewReader(`{"message":"the report"}`))
	w := httptest.NewRecorder()

	s.handleChat(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "event: disambiguation") {
		t.Fatalf("body missing disambiguation event: %q", body)
	}
	if !strings.Contains(body, `"group_id":"doc-1"`) {
		t.Errorf("body missing option payload: %q", body)
	}
	if strings.Contains(body, "should not run") {
		t.Errorf("generation must not run before disambiguation resolves")
	}
}

func TestHandleChat_GroupSelection(t *testing.T) {
	t.Parallel()

	fake := &fakePipeline{resp: okResponse()}
	s := newTestServer(fake)
	s.answerer = &fakeAnswerer{answer: "answer"}
	req := httptest.NewRequest(http.MethodPost, "/api/chat",
		strings.NewReader(`{"message":"the report","group_id":"doc-2"}`))
	w := httptest.NewRecorder()

	s.handleChat(w, req)

	if fake.lastGroupID != "doc-2" {
		t.Errorf("group id = %q, want doc-2", fake.lastGroupID)
	}
}

func TestHandleChat_MissingMessage(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakePipeline{resp: okResponse()})
	s.answerer = &fakeAnswerer{}
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{}`))
	w := httptest.NewRecorder()

	s.handleChat(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandleChat_NoGenerator(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakePipeline{resp: okResponse()})
	req := httptest.NewRequest(http.MethodPost, "/api/chat",
		strings.NewReader(`{"message":"hi"}`))
	w := httptest.NewRecorder()

	s.handleChat(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestHandleChat_DegradedPipeline(t *testing.T) {
	t.Parallel()

	degraded := &query.Response{Metadata: query.ResponseMetadata{Error: "embed query: unavailable"}}
	s := newTestServer(&fakePipeline{resp: degraded})
	s.answerer = &fakeAnswerer{answer: "should not run"}
	req := httptest.NewRequest(http.MethodPost, "/api/chat",
		strings.NewReader(`{"message":"hi"}`))
	w := httptest.NewRecorder()

	s.handleChat(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "event: error") || !strings.Contains(body, "embed query: unavailable") {
		t.Errorf("body missing error event: %q", body)
	}
}

// ---------------------------------------------------------------------------
// GET /api/documents, DELETE /api/documents/{id}
// ---------------------------------------------------------------------------

func TestHandleDocuments(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakePipeline{})
	s.docs = &fakeDocStore{docs: []store.Document{
		{ID: "d1", Filename: "guide.pdf", Status: store.StatusCompleted},
	}}
	w := httptest.NewRecorder()

	s.handleDocuments(w, httptest.NewRequest(http.MethodGet, "/api/documents", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp documentsResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 || resp.Documents[0].Filename != "guide.pdf" {
		t.Errorf("unexpected listing: %+v", resp)
	}
}

func TestHandleDocuments_NoStore(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakePipeline{})
	w := httptest.NewRecorder()

	s.handleDocuments(w, httptest.NewRequest(http.MethodGet, "/api/documents", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestHandleDocumentDelete(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakePipeline{})
	rem := &fakeRemover{}
	s.remover = rem
	req := httptest.NewRequest(http.MethodDelete, "/api/documents/d1", nil)
	req.SetPathValue("id", "d1")
	w := httptest.NewRecorder()

	s.handleDocumentDelete(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if rem.deleted != "d1" {
		t.Errorf("deleted = %q, want d1", rem.deleted)
	}
}

// ---------------------------------------------------------------------------
// Auth middleware
// ---------------------------------------------------------------------------

func TestAuthMiddleware(t *testing.T) {
	t.Parallel()

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := authMiddleware("secret", next)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing header", header: "", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic secret", want: http.StatusUnauthorized},
		{name: "wrong token", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "valid token", header: "Bearer secret", want: http.StatusOK},
		{name: "case-insensitive scheme", header: "bearer secret", want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodPost, "/api/query", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestAuthMiddleware_DisabledWhenNoKey(t *testing.T) {
	t.Parallel()

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := authMiddleware("", next)

	req := httptest.NewRequest(http.MethodPost, "/api/query", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("auth should be disabled with empty key, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Rate limiting
// ---------------------------------------------------------------------------

func TestRateLimiter_BlocksAfterBurst(t *testing.T) {
	t.Parallel()

	rl, stop := newRateLimiter(1, 2, logging.Discard())
	defer stop()

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := rl.middleware(next)

	codes := make([]int, 0, 3)
	var last *httptest.ResponseRecorder
	for range 3 {
		req := httptest.NewRequest(http.MethodPost, "/api/query", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		last = httptest.NewRecorder()
		h.ServeHTTP(last, req)
		codes = append(codes, last.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Fatalf("burst requests should pass, got %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Fatalf("third request should be limited, got %v", codes)
	}
	if got := last.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want 1", got)
	}
	if !strings.Contains(last.Body.String(), `"rate limit exceeded"`) {
		t.Errorf("limited response must carry a JSON error, got %q", last.Body.String())
	}
}

func TestRateLimiter_PerIP(t *testing.T) {
	t.Parallel()

	rl, stop := newRateLimiter(1, 1, logging.Discard())
	defer stop()

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := rl.middleware(next)

	first := httptest.NewRequest(http.MethodPost, "/api/query", nil)
	first.RemoteAddr = "10.0.0.1:1234"
	w1 := httptest.NewRecorder()
	h.ServeHTTP(w1, first)

	second := httptest.NewRequest(http.MethodPost, "/api/query", nil)
	second.RemoteAddr = "10.0.0.2:1234"
	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, second)

	if w1.Code != http.StatusOK || w2.Code != http.StatusOK {
		t.Fatalf("distinct IPs must not share a bucket: %d, %d", w1.Code, w2.Code)
	}
}

// ---------------------------------------------------------------------------
// Metrics plumbing
// ---------------------------------------------------------------------------

func TestEndpointLabel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		want string
	}{
		{"/api/query", "query"},
		{"/api/select", "select"},
		{"/api/chat", "chat"},
		{"/api/documents", "documents"},
		{"/api/documents/abc-123", "documents"},
		{"/api/health", "health"},
		{"/api/ready", "ready"},
		{"/metrics", "metrics"},
		{"/favicon.ico", "other"},
	}
	for _, tt := range tests {
		if got := endpointLabel(tt.path); got != tt.want {
			t.Errorf("endpointLabel(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestObserveQuery_Outcomes(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakePipeline{})

	s.observeQuery(okResponse(), 0)
	s.observeQuery(&query.Response{NeedsDisambiguation: true}, 0)
	s.observeQuery(&query.Response{Metadata: query.ResponseMetadata{Error: "search: down"}}, 0)

	for _, outcome := range []string{"ok", "disambiguation", "degraded"} {
		if got := testutil.ToFloat64(s.metrics.queryRequestsTotal.WithLabelValues(outcome)); got != 1 {
			t.Errorf("outcome %q count = %v, want 1", outcome, got)
		}
	}
}
