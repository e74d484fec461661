package query

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/54b3r/kbai-go/internal/assembler"
	"github.com/54b3r/kbai-go/internal/rag"
)

// fakeEmbedder returns a fixed vector, or fails.
type fakeEmbedder struct {
	vector   []float32
	err      error
	lastText string
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(texts) > 0 {
		f.lastText = texts[0]
	}
	return [][]float32{f.vector}, nil
}

// fakeSearcher returns canned results and records the call.
type fakeSearcher struct {
	results       []rag.SearchResult
	err           error
	lastLimit     int
	lastThreshold float64
	lastFilter    string
}

func (f *fakeSearcher) Search(ctx context.Context, embedding []float32, limit int, scoreThreshold float64, documentFilter string) ([]rag.SearchResult, error) {
	f.lastLimit = limit
	f.lastThreshold = scoreThreshold
	f.lastFilter = documentFilter
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

// runeTokenizer charges one token per rune. Deterministic and cheap.
type runeTokenizer struct{}

func (runeTokenizer) Encode(text string) []int { return make([]int, len([]rune(text))) }
func (runeTokenizer) Decode(tokens []int) string {
	return strings.Repeat("x", len(tokens))
}

func testBuilder(t *testing.T) *assembler.Builder {
	t.Helper()
	b, err := assembler.NewWithTokenizer("gpt-3.5-turbo", runeTokenizer{})
	if err != nil {
		t.Fatalf("NewWithTokenizer: %v", err)
	}
	return b
}

func testHandler(t *testing.T, emb *fakeEmbedder, srch *fakeSearcher) *Handler {
	t.Helper()
	h, err := NewHandler(emb, srch, testBuilder(t))
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return h
}

func searchResult(chunkID, docID, title, text string, score float64) rag.SearchResult {
	return rag.SearchResult{
		ChunkID:       chunkID,
		DocumentID:    docID,
		DocumentTitle: title,
		Text:          text,
		Score:         score,
	}
}

// ---------------------------------------------------------------------------
// Pipeline
// ---------------------------------------------------------------------------

func TestHandle_FullPipeline(t *testing.T) {
	t.Parallel()

	emb := &fakeEmbedder{vector: []float32{0.1, 0.2, 0.3}}
	srch := &fakeSearcher{results: []rag.SearchResult{
		searchResult("c1", "d1", "guide.pdf", "chunk one text", 0.9),
		searchResult("c2", "d1", "guide.pdf", "chunk two text", 0.8),
	}}
	h := testHandler(t, emb, srch)

	resp := h.Handle(context.Background(), Request{Query: "  what   is this  "})

	if resp.Metadata.Error != "" {
		t.Fatalf("unexpected degraded response: %s", resp.Metadata.Error)
	}
	if resp.Query != "what is this" {
		t.Errorf("normalized query: got %q", resp.Query)
	}
	if emb.lastText != "what is this" {
		t.Errorf("embedder must see the normalized query, got %q", emb.lastText)
	}
	if resp.NeedsDisambiguation {
		t.Errorf("single document must not need disambiguation")
	}
	if resp.Context == "" {
		t.Errorf("context must be assembled")
	}
	if !strings.Contains(resp.Context, "[Source: guide.pdf]") {
		t.Errorf("context missing source prefix:\n%s", resp.Context)
	}
	if len(resp.Sources) != 2 {
		t.Errorf("expected 2 sources, got %d", len(resp.Sources))
	}
	if resp.TotalTokens == 0 {
		t.Errorf("total tokens must be counted")
	}
	if resp.Metadata.EmbeddingDimensions != 3 {
		t.Errorf("embedding dimensions: got %d", resp.Metadata.EmbeddingDimensions)
	}
	if resp.Metadata.EntityGroups != 1 {
		t.Errorf("entity groups: got %d", resp.Metadata.EntityGroups)
	}
	if resp.ProcessingTimeMS < 0 {
		t.Errorf("processing time must be non-negative")
	}
}

func TestHandle_Defaults(t *testing.T) {
	t.Parallel()

	emb := &fakeEmbedder{vector: []float32{0.1}}
	srch := &fakeSearcher{}
	h := testHandler(t, emb, srch)

	h.Handle(context.Background(), Request{Query: "q"})

	if srch.lastLimit != DefaultLimit {
		t.Errorf("default limit: got %d, want %d", srch.lastLimit, DefaultLimit)
	}
	if srch.lastThreshold != DefaultRelevanceThreshold {
		t.Errorf("default threshold: got %v, want %v", srch.lastThreshold, DefaultRelevanceThreshold)
	}
}

func TestHandle_RequestOverrides(t *testing.T) {
	t.Parallel()

	emb := &fakeEmbedder{vector: []float32{0.1}}
	srch := &fakeSearcher{}
	h := testHandler(t, emb, srch)

	h.Handle(context.Background(), Request{
		Query:              "q",
		Limit:              3,
		RelevanceThreshold: 0.5,
		DocumentFilter:     "d42",
	})

	if srch.lastLimit != 3 || srch.lastThreshold != 0.5 || srch.lastFilter != "d42" {
		t.Errorf("overrides not applied: limit=%d threshold=%v filter=%q",
			srch.lastLimit, srch.lastThreshold, srch.lastFilter)
	}
}

func TestHandle_Disambiguation(t *testing.T) {
	t.Parallel()

	emb := &fakeEmbedder{vector: []float32{0.1}}
	srch := &fakeSearcher{results: []rag.SearchResult{
		searchResult("c1", "d1", "a.pdf", "text a", 0.9),
		searchResult("c2", "d2", "b.pdf", "text b", 0.85),
	}}
	h := testHandler(t, emb, srch)

	resp := h.Handle(context.Background(), Request{Query: "q"})

	if !resp.NeedsDisambiguation {
		t.Fatalf("two competing documents must need disambiguation")
	}
	if len(resp.Options) != 2 {
		t.Errorf("expected 2 options, got %d", len(resp.Options))
	}
	// Context is still assembled from the full result set so the caller
	// can answer immediately if it chooses to.
	if resp.Context == "" {
		t.Errorf("context must be assembled even when disambiguation is needed")
	}
}

// ---------------------------------------------------------------------------
// Degraded responses
// ---------------------------------------------------------------------------

func TestHandle_EmptyQueryDegrades(t *testing.T) {
	t.Parallel()

	h := testHandler(t, &fakeEmbedder{vector: []float32{0.1}}, &fakeSearcher{})

	resp := h.Handle(context.Background(), Request{Query: "   "})

	if resp.Metadata.Error == "" {
		t.Fatalf("empty query must degrade the response")
	}
	if !strings.Contains(resp.Metadata.Error, "query is empty") {
		t.Errorf("error must name the cause, got %q", resp.Metadata.Error)
	}
	if resp.Context != "" || len(resp.Sources) != 0 || resp.Confidence != 0 {
		t.Errorf("degraded response must be empty, got %+v", resp)
	}
}

func TestHandle_EmbedderFailureDegrades(t *testing.T) {
	t.Parallel()

	emb := &fakeEmbedder{err: errors.New("backend down")}
	h := testHandler(t, emb, &fakeSearcher{})

	resp := h.Handle(context.Background(), Request{Query: "q"})

	if resp.Metadata.Error == "" {
		t.Fatalf("embedder failure must degrade the response")
	}
	if !strings.Contains(resp.Metadata.Error, "embed query") {
		t.Errorf("error must name the stage, got %q", resp.Metadata.Error)
	}
}

func TestHandle_SearchFailureDegrades(t *testing.T) {
	t.Parallel()

	srch := &fakeSearcher{err: rag.ErrSearchUnavailable}
	h := testHandler(t, &fakeEmbedder{vector: []float32{0.1}}, srch)

	resp := h.Handle(context.Background(), Request{Query: "q"})

	if !strings.Contains(resp.Metadata.Error, "search") {
		t.Errorf("error must name the stage, got %q", resp.Metadata.Error)
	}
}

func TestHandle_CancelledContext(t *testing.T) {
	t.Parallel()

	h := testHandler(t, &fakeEmbedder{vector: []float32{0.1}}, &fakeSearcher{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp := h.Handle(ctx, Request{Query: "q"})

	if resp.Metadata.Error == "" {
		t.Fatalf("cancelled context must degrade the response")
	}
	if !strings.Contains(resp.Metadata.Error, context.Canceled.Error()) {
		t.Errorf("error must carry the cancellation, got %q", resp.Metadata.Error)
	}
}

// ---------------------------------------------------------------------------
// Confidence
// ---------------------------------------------------------------------------

func TestConfidence(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		results     []rag.SearchResult
		totalTokens int
		want        float64
	}{
		{"no results", nil, 500, 0},
		// 0.7*0.9 + 0.3*1.0 = 0.93
		{"full window", []rag.SearchResult{{Score: 0.9}}, 1500, 0.93},
		// 0.7*0.8 + 0.3*0.5 = 0.71
		{"half window", []rag.SearchResult{{Score: 0.8}}, 500, 0.71},
		// 0.7*0.85 + 0.3*0 = 0.595
		{"empty window", []rag.SearchResult{{Score: 0.9}, {Score: 0.8}}, 0, 0.595},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := confidence(tc.results, tc.totalTokens)
			if got != tc.want {
				t.Errorf("confidence = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestHandle_NoResultsZeroConfidence(t *testing.T) {
	t.Parallel()

	h := testHandler(t, &fakeEmbedder{vector: []float32{0.1}}, &fakeSearcher{})

	resp := h.Handle(context.Background(), Request{Query: "q"})

	if resp.Metadata.Error != "" {
		t.Fatalf("empty result set is not an error: %s", resp.Metadata.Error)
	}
	if resp.Confidence != 0 {
		t.Errorf("confidence: got %v, want 0", resp.Confidence)
	}
	if resp.Context != "" {
		t.Errorf("context must be empty with no results")
	}
}

// ---------------------------------------------------------------------------
// Selection
// ---------------------------------------------------------------------------

func TestHandleSelection(t *testing.T) {
	t.Parallel()

	srch := &fakeSearcher{results: []rag.SearchResult{
		searchResult("c1", "d1", "a.pdf", "text a", 0.9),
		searchResult("c2", "d2", "b.pdf", "text b", 0.85),
	}}
	h := testHandler(t, &fakeEmbedder{vector: []float32{0.1}}, srch)

	resp := h.HandleSelection(context.Background(), Request{Query: "q"}, "d2")

	if resp.Metadata.Error != "" {
		t.Fatalf("unexpected degraded response: %s", resp.Metadata.Error)
	}
	if len(resp.Results) != 1 || resp.Results[0].DocumentID != "d2" {
		t.Errorf("selection must narrow results to the chosen group, got %+v", resp.Results)
	}
	if !strings.Contains(resp.Context, "[Source: b.pdf]") {
		t.Errorf("context must come from the selected group:\n%s", resp.Context)
	}
	if strings.Contains(resp.Context, "[Source: a.pdf]") {
		t.Errorf("context must exclude unselected groups:\n%s", resp.Context)
	}
}

func TestHandleSelection_UnknownGroup(t *testing.T) {
	t.Parallel()

	srch := &fakeSearcher{results: []rag.SearchResult{
		searchResult("c1", "d1", "a.pdf", "text a", 0.9),
		searchResult("c2", "d2", "b.pdf", "text b", 0.85),
	}}
	h := testHandler(t, &fakeEmbedder{vector: []float32{0.1}}, srch)

	resp := h.HandleSelection(context.Background(), Request{Query: "q"}, "nope")

	if !strings.Contains(resp.Metadata.Error, "select group") {
		t.Errorf("error must name the stage, got %q", resp.Metadata.Error)
	}
}

func TestPreview(t *testing.T) {
	t.Parallel()

	if got := preview("short"); got != "short" {
		t.Errorf("short text must pass through, got %q", got)
	}
	long := strings.Repeat("y", 300)
	got := preview(long)
	if len(got) != 203 || !strings.HasSuffix(got, "...") {
		t.Errorf("long text must be cut to 200 + ellipsis, got length %d", len(got))
	}
}
