package server

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/54b3r/kbai-go/internal/assembler"
	"github.com/54b3r/kbai-go/internal/query"
	"github.com/54b3r/kbai-go/internal/store"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on rate-limited
	// endpoints (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on all protected /api/* routes.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// Registry receives the server's Prometheus metrics. If nil, a private
	// registry is created so tests stay hermetic.
	Registry Registry
}

// pipeline is the interface the query endpoints call. *query.Handler
// satisfies it; tests inject a fake.
type pipeline interface {
	Handle(ctx context.Context, req query.Request) *query.Response
	HandleSelection(ctx context.Context, req query.Request, groupID string) *query.Response
}

// answerer is the interface handleChat calls to stream a generated answer.
// *generation.Generator satisfies it; tests inject a fake.
type answerer interface {
	StreamAnswer(ctx context.Context, question string, window *assembler.ContextWindow, w io.Writer) (string, error)
}

// chatRequest is the JSON body for POST /api/chat.
type chatRequest struct {
	// Message is the user's natural language question.
	Message string `json:"message"`
	// DocumentFilter restricts retrieval to one document when set.
	DocumentFilter string `json:"document_filter,omitempty"`
	// GroupID resolves a prior disambiguation prompt when set.
	GroupID string `json:"group_id,omitempty"`
	// SessionID optionally ties the question to a conversation.
	SessionID string `json:"session_id,omitempty"`
}

// selectRequest is the JSON body for POST /api/select: the original query
// request plus the chosen entity group.
type selectRequest struct {
	query.Request
	// GroupID identifies the disambiguation option the user picked.
	GroupID string `json:"group_id"`
}

// documentsResponse is the JSON body for GET /api/documents.
type documentsResponse struct {
	// Documents is the registry listing, newest first.
	Documents []store.Document `json:"documents"`
	// Count is len(Documents), for convenience.
	Count int `json:"count"`
}
