package query

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/54b3r/kbai-go/internal/assembler"
	"github.com/54b3r/kbai-go/internal/disambig"
	"github.com/54b3r/kbai-go/internal/logging"
	"github.com/54b3r/kbai-go/internal/rag"
)

const (
	// DefaultLimit is the search result count requested per query.
	DefaultLimit = 10

	// DefaultRelevanceThreshold is the minimum similarity a result needs to
	// enter the pipeline.
	DefaultRelevanceThreshold = 0.7

	// DefaultMaxContextTokens is the context budget when the request does
	// not set one.
	DefaultMaxContextTokens = 4000

	// previewLimit is the character cut for source text previews.
	previewLimit = 200
)

// Searcher runs a relevance-filtered similarity search. Implemented by
// [rag.Searcher]; tests substitute fakes.
type Searcher interface {
	Search(ctx context.Context, embedding []float32, limit int, scoreThreshold float64, documentFilter string) ([]rag.SearchResult, error)
}

// ContextBuilder assembles token-budgeted context windows. Implemented by
// [assembler.Builder].
type ContextBuilder interface {
	Build(results []rag.SearchResult, maxTokens int, opts assembler.FormatOptions) assembler.ContextWindow
	BuildFromGroup(group disambig.EntityGroup, maxTokens int, opts assembler.FormatOptions) assembler.ContextWindow
}

// Request carries one query through the pipeline.
type Request struct {
	// Query is the raw user query.
	Query string `json:"query"`

	// UserID optionally attributes the query for auditing.
	UserID string `json:"user_id,omitempty"`

	// SessionID optionally ties the query to a conversation.
	SessionID string `json:"session_id,omitempty"`

	// DocumentFilter restricts search to one document when set.
	DocumentFilter string `json:"document_filter,omitempty"`

	// Limit caps the number of search results. Zero means DefaultLimit.
	Limit int `json:"limit,omitempty"`

	// MaxContextTokens is the context budget. Zero means
	// DefaultMaxContextTokens.
	MaxContextTokens int `json:"max_context_tokens,omitempty"`

	// RelevanceThreshold is the similarity floor. Zero means
	// DefaultRelevanceThreshold.
	RelevanceThreshold float64 `json:"relevance_threshold,omitempty"`
}

// withDefaults returns a copy of r with zero fields filled in.
func (r Request) withDefaults() Request {
	if r.Limit <= 0 {
		r.Limit = DefaultLimit
	}
	if r.MaxContextTokens <= 0 {
		r.MaxContextTokens = DefaultMaxContextTokens
	}
	if r.RelevanceThreshold <= 0 {
		r.RelevanceThreshold = DefaultRelevanceThreshold
	}
	return r
}

// Source is the preview of one search result shown alongside the context.
type Source struct {
	ChunkID     string  `json:"chunk_id"`
	DocumentID  string  `json:"document_id"`
	TextPreview string  `json:"text_preview"`
	Score       float64 `json:"score"`
	Title       string  `json:"title,omitempty"`
	Section     string  `json:"section,omitempty"`
}

// ResponseMetadata carries pipeline diagnostics for one response.
type ResponseMetadata struct {
	EmbeddingDimensions int     `json:"embedding_dimensions,omitempty"`
	RelevanceThreshold  float64 `json:"relevance_threshold"`
	DocumentFilter      string  `json:"document_filter,omitempty"`
	ContextTruncated    bool    `json:"context_truncated"`
	DroppedResults      int     `json:"dropped_results"`
	EntityGroups        int     `json:"entity_groups"`

	// Error is set on degraded responses and names the failed stage.
	Error string `json:"error,omitempty"`
}

// Response is the pipeline's answer to one query. A Response is always
// well-formed: stage failures surface in Metadata.Error with the remaining
// fields zeroed, never as a transport-level error.
type Response struct {
	// Query is the normalized query the pipeline ran.
	Query string `json:"query"`

	// Context is the assembled context text, prompt-ready.
	Context string `json:"context"`

	// Window is the assembled context window backing Context. Not part of
	// the wire response; the generation layer consumes it directly.
	Window assembler.ContextWindow `json:"-"`

	// Sources previews the search results behind the context.
	Sources []Source `json:"sources"`

	// NeedsDisambiguation reports whether the user must pick among the
	// Options before an authoritative answer is possible.
	NeedsDisambiguation bool `json:"needs_disambiguation"`

	// Options are the disambiguation candidates, present only when
	// NeedsDisambiguation is true.
	Options []disambig.Option `json:"disambiguation_options,omitempty"`

	// Results are the relevance-filtered search results, full text included.
	Results []rag.SearchResult `json:"search_results,omitempty"`

	// Metadata carries the pipeline diagnostics.
	Metadata ResponseMetadata `json:"metadata"`

	// Confidence scores how much to trust the context, in [0, 1].
	Confidence float64 `json:"confidence"`

	// TotalTokens is the token cost of the assembled context.
	TotalTokens int `json:"total_tokens"`

	// ProcessingTimeMS is wall-clock pipeline latency in milliseconds.
	ProcessingTimeMS float64 `json:"processing_time_ms"`
}

// Handler wires the pipeline stages together. All dependencies are
// injected; Handler itself holds no mutable state and is safe for
// concurrent use.
type Handler struct {
	embedder rag.Embedder
	searcher Searcher
	builder  ContextBuilder
}

// NewHandler constructs a Handler. All three dependencies are required.
func NewHandler(embedder rag.Embedder, searcher Searcher, builder ContextBuilder) (*Handler, error) {
	if embedder == nil {
		return nil, fmt.Errorf("query: embedder is required")
	}
	if searcher == nil {
		return nil, fmt.Errorf("query: searcher is required")
	}
	if builder == nil {
		return nil, fmt.Errorf("query: builder is required")
	}
	return &Handler{embedder: embedder, searcher: searcher, builder: builder}, nil
}

// Handle runs the full pipeline for one query. It never returns a Go
// error: failures degrade the response and set Metadata.Error, so callers
// always get something renderable. Context cancellation is honored between
// stages.
func (h *Handler) Handle(ctx context.Context, req Request) *Response {
	start := time.Now()
	log := logging.FromContext(ctx)
	req = req.withDefaults()

	resp := &Response{
		Metadata: ResponseMetadata{
			RelevanceThreshold: req.RelevanceThreshold,
			DocumentFilter:     req.DocumentFilter,
		},
	}
	defer func() {
		resp.ProcessingTimeMS = float64(time.Since(start)) / float64(time.Millisecond)
	}()

	normalized, err := Normalize(req.Query)
	if err != nil {
		return degrade(resp, "normalize query", err)
	}
	resp.Query = normalized

	log.Info("processing query", "query", truncateForLog(normalized), "user_id", req.UserID, "session_id", req.SessionID)

	embedding, err := h.embed(ctx, normalized)
	if err != nil {
		log.Error("query embedding failed", "error", err)
		return degrade(resp, "embed query", err)
	}
	resp.Metadata.EmbeddingDimensions = len(embedding)

	results, err := h.search(ctx, embedding, req)
	if err != nil {
		log.Error("semantic search failed", "error", err)
		return degrade(resp, "search", err)
	}
	log.Info("search complete", "results", len(results))

	groups, options := disambig.Disambiguate(results, disambig.DefaultMaxGroups, req.RelevanceThreshold)
	resp.Metadata.EntityGroups = len(groups)
	if options != nil {
		resp.NeedsDisambiguation = true
		resp.Options = options
		log.Info("disambiguation required", "groups", len(groups), "options", len(options))
	}

	window := h.builder.Build(results, req.MaxContextTokens, assembler.DefaultFormatOptions())

	resp.Context = window.Text()
	resp.Window = window
	resp.Sources = buildSources(results)
	resp.Results = results
	resp.TotalTokens = window.TotalTokens
	resp.Confidence = confidence(results, window.TotalTokens)
	resp.Metadata.ContextTruncated = window.Truncated
	resp.Metadata.DroppedResults = window.DroppedResults

	log.Info("query processed",
		"tokens", window.TotalTokens,
		"confidence", resp.Confidence,
		"truncated", window.Truncated)

	return resp
}

// HandleSelection resolves a disambiguation choice: it re-runs the
// pipeline for the query and assembles context from the selected entity
// group alone. Like Handle, it never returns a Go error.
func (h *Handler) HandleSelection(ctx context.Context, req Request, groupID string) *Response {
	start := time.Now()
	log := logging.FromContext(ctx)
	req = req.withDefaults()

	resp := &Response{
		Metadata: ResponseMetadata{
			RelevanceThreshold: req.RelevanceThreshold,
			DocumentFilter:     req.DocumentFilter,
		},
	}
	defer func() {
		resp.ProcessingTimeMS = float64(time.Since(start)) / float64(time.Millisecond)
	}()

	normalized, err := Normalize(req.Query)
	if err != nil {
		return degrade(resp, "normalize query", err)
	}
	resp.Query = normalized

	embedding, err := h.embed(ctx, normalized)
	if err != nil {
		log.Error("query embedding failed", "error", err)
		return degrade(resp, "embed query", err)
	}
	resp.Metadata.EmbeddingDimensions = len(embedding)

	results, err := h.search(ctx, embedding, req)
	if err != nil {
		log.Error("semantic search failed", "error", err)
		return degrade(resp, "search", err)
	}

	groups, _ := disambig.Disambiguate(results, disambig.DefaultMaxGroups, req.RelevanceThreshold)
	resp.Metadata.EntityGroups = len(groups)

	group, err := disambig.SelectGroup(groups, groupID)
	if err != nil {
		log.Warn("group selection failed", "group_id", groupID, "error", err)
		return degrade(resp, "select group", err)
	}

	window := h.builder.BuildFromGroup(group, req.MaxContextTokens, assembler.DefaultFormatOptions())

	resp.Context = window.Text()
	resp.Window = window
	resp.Sources = buildSources(group.Results)
	resp.Results = group.Results
	resp.TotalTokens = window.TotalTokens
	resp.Confidence = confidence(group.Results, window.TotalTokens)
	resp.Metadata.ContextTruncated = window.Truncated
	resp.Metadata.DroppedResults = window.DroppedResults

	log.Info("selection processed", "group_id", groupID, "tokens", window.TotalTokens)

	return resp
}

// embed converts the normalized query into its vector, honoring ctx.
func (h *Handler) embed(ctx context.Context, normalized string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vectors, err := h.embedder.Embed(ctx, []string{normalized})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", rag.ErrEmbeddingUnavailable, err)
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, fmt.Errorf("%w: empty embedding returned", rag.ErrEmbeddingUnavailable)
	}
	return vectors[0], nil
}

// search runs the relevance-filtered similarity search, honoring ctx.
func (h *Handler) search(ctx context.Context, embedding []float32, req Request) ([]rag.SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.searcher.Search(ctx, embedding, req.Limit, req.RelevanceThreshold, req.DocumentFilter)
}

// degrade finalizes a response for a failed stage: context empty, error
// recorded, everything else well-formed.
func degrade(resp *Response, stage string, err error) *Response {
	resp.Metadata.Error = fmt.Sprintf("%s: %v", stage, err)
	return resp
}

// buildSources projects results into their preview form.
func buildSources(results []rag.SearchResult) []Source {
	sources := make([]Source, 0, len(results))
	for _, r := range results {
		sources = append(sources, Source{
			ChunkID:     r.ChunkID,
			DocumentID:  r.DocumentID,
			TextPreview: preview(r.Text),
			Score:       r.Score,
			Title:       r.DocumentTitle,
			Section:     r.Section,
		})
	}
	return sources
}

// preview cuts text to 200 characters, ellipsis-terminated when truncated.
func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewLimit {
		return text
	}
	return string(runes[:previewLimit]) + "..."
}

// confidence scores the assembled context: 70% average result relevance,
// 30% context fullness against a 1000-token reference, clamped to [0, 1]
// and rounded to three decimals. No results means zero confidence.
func confidence(results []rag.SearchResult, totalTokens int) float64 {
	if len(results) == 0 {
		return 0
	}

	var sum float64
	for _, r := range results {
		sum += r.Score
	}
	avg := sum / float64(len(results))

	fullness := math.Min(float64(totalTokens)/1000.0, 1.0)

	score := 0.7*avg + 0.3*fullness
	score = math.Max(0, math.Min(1, score))

	return math.Round(score*1000) / 1000
}

// truncateForLog keeps query log lines bounded.
func truncateForLog(q string) string {
	const limit = 100
	runes := []rune(q)
	if len(runes) <= limit {
		return q
	}
	return string(runes[:limit]) + "..."
}
