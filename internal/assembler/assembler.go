// Package assembler turns relevance-ranked search results into
// token-budgeted context windows for generation. Every chunk is formatted
// with source and section prefixes, measured with a model tokenizer, and
// admitted greedily until the budget is spent. The assembly is pure: no
// network, no state, deterministic for identical inputs.
package assembler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/54b3r/kbai-go/internal/disambig"
	"github.com/54b3r/kbai-go/internal/rag"
)

// ContextChunk is one formatted, token-counted unit of assembled context.
type ContextChunk struct {
	// Text is the formatted chunk text, prefixes included.
	Text string `json:"text"`

	// Source is the display title of the owning document.
	Source string `json:"source"`

	// Section is the chunk's section, if any.
	Section string `json:"section,omitempty"`

	// ChunkID identifies the underlying index point.
	ChunkID string `json:"chunk_id"`

	// DocumentID is the owning document.
	DocumentID string `json:"document_id"`

	// RelevanceScore is the similarity score the chunk arrived with.
	RelevanceScore float64 `json:"relevance_score"`

	// TokenCount is the token cost of Text under the active tokenizer.
	TokenCount int `json:"token_count"`
}

// WindowMetadata describes how a context window was assembled. The entity
// fields are set only for windows built from one entity group.
type WindowMetadata struct {
	ModelName           string  `json:"model_name,omitempty"`
	MaxTokens           int     `json:"max_tokens,omitempty"`
	OriginalResultCount int     `json:"original_result_count,omitempty"`
	IncludedResultCount int     `json:"included_result_count"`
	AverageRelevance    float64 `json:"average_relevance,omitempty"`

	EntityID    string              `json:"entity_id,omitempty"`
	EntityType  disambig.EntityType `json:"entity_type,omitempty"`
	EntityTitle string              `json:"entity_title,omitempty"`
	EntityScore float64             `json:"entity_score,omitempty"`
}

// ContextWindow is the assembled context plus its packing outcome.
type ContextWindow struct {
	// Chunks are the admitted chunks, original relative order preserved.
	Chunks []ContextChunk `json:"chunks"`

	// TotalTokens is the summed token cost of the admitted chunks.
	TotalTokens int `json:"total_tokens"`

	// Sources lists the distinct document titles of all candidate chunks,
	// first-seen order.
	Sources []string `json:"sources"`

	// Sections lists the distinct non-empty sections of all candidate
	// chunks, first-seen order.
	Sections []string `json:"sections"`

	// Metadata describes the assembly.
	Metadata WindowMetadata `json:"metadata"`

	// Truncated reports whether the candidates' total demand exceeded the
	// budget.
	Truncated bool `json:"truncated"`

	// DroppedResults counts chunks excluded by the budget alone.
	DroppedResults int `json:"dropped_results"`
}

// Text joins the admitted chunks into one prompt-ready string.
func (w ContextWindow) Text() string {
	parts := make([]string, 0, len(w.Chunks))
	for _, c := range w.Chunks {
		parts = append(parts, c.Text)
	}
	return strings.Join(parts, "\n\n")
}

// FormatOptions controls which metadata prefixes each chunk carries.
type FormatOptions struct {
	// IncludeSources prepends "[Source: <title>]".
	IncludeSources bool

	// IncludeSections prepends "[Section: <section>]" when the chunk has
	// one.
	IncludeSections bool

	// IncludeRelevance prepends "[Relevance: <score>]" with two decimals.
	IncludeRelevance bool
}

// DefaultFormatOptions returns the standard prefixes: sources and sections
// on, relevance off.
func DefaultFormatOptions() FormatOptions {
	return FormatOptions{IncludeSources: true, IncludeSections: true}
}

// Builder assembles context windows against one model's tokenizer and
// default budget. Safe for concurrent use.
type Builder struct {
	modelName string
	tok       Tokenizer
	maxTokens int
}

// New returns a Builder for the named model, backed by the model's tiktoken
// encoding. Construction may fetch the BPE vocabulary.
func New(modelName string) (*Builder, error) {
	tok, err := NewTiktoken(modelName)
	if err != nil {
		return nil, err
	}
	return NewWithTokenizer(modelName, tok)
}

// NewWithTokenizer returns a Builder using the supplied tokenizer. The
// model name still decides the default token budget.
func NewWithTokenizer(modelName string, tok Tokenizer) (*Builder, error) {
	if tok == nil {
		return nil, fmt.Errorf("assembler: tokenizer is required")
	}
	return &Builder{
		modelName: modelName,
		tok:       tok,
		maxTokens: ModelTokenLimit(modelName),
	}, nil
}

// Build assembles a context window from results in their given order. A
// non-positive maxTokens falls back to the model's default budget.
func (b *Builder) Build(results []rag.SearchResult, maxTokens int, opts FormatOptions) ContextWindow {
	if len(results) == 0 {
		return ContextWindow{}
	}
	if maxTokens <= 0 {
		maxTokens = b.maxTokens
	}

	candidates := make([]ContextChunk, 0, len(results))
	var sources, sections []string
	seenSources := make(map[string]bool)
	seenSections := make(map[string]bool)

	for _, r := range results {
		text := formatChunk(r, opts)
		chunk := ContextChunk{
			Text:           text,
			Source:         chunkSource(r),
			Section:        r.Section,
			ChunkID:        r.ChunkID,
			DocumentID:     r.DocumentID,
			RelevanceScore: r.Score,
			TokenCount:     len(b.tok.Encode(text)),
		}
		candidates = append(candidates, chunk)

		// Sources and sections cover every candidate, admitted or not,
		// so a reader can tell what the window was drawn from.
		if opts.IncludeSources && !seenSources[chunk.Source] {
			seenSources[chunk.Source] = true
			sources = append(sources, chunk.Source)
		}
		if opts.IncludeSections && chunk.Section != "" && !seenSections[chunk.Section] {
			seenSections[chunk.Section] = true
			sections = append(sections, chunk.Section)
		}
	}

	admitted, truncated, dropped := applyTokenLimit(candidates, maxTokens)

	total := 0
	for _, c := range admitted {
		total += c.TokenCount
	}

	var avgRelevance float64
	for _, r := range results {
		avgRelevance += r.Score
	}
	avgRelevance /= float64(len(results))

	return ContextWindow{
		Chunks:      admitted,
		TotalTokens: total,
		Sources:     sources,
		Sections:    sections,
		Metadata: WindowMetadata{
			ModelName:           b.modelName,
			MaxTokens:           maxTokens,
			OriginalResultCount: len(results),
			IncludedResultCount: len(admitted),
			AverageRelevance:    avgRelevance,
		},
		Truncated:      truncated,
		DroppedResults: dropped,
	}
}

// BuildFromGroup assembles a context window from one entity group. The
// group's results are re-sorted by relevance descending (stable) before
// assembly, and the window carries the group's identity in its metadata.
func (b *Builder) BuildFromGroup(group disambig.EntityGroup, maxTokens int, opts FormatOptions) ContextWindow {
	sorted := make([]rag.SearchResult, len(group.Results))
	copy(sorted, group.Results)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	window := b.Build(sorted, maxTokens, opts)
	window.Metadata.EntityID = group.EntityID
	window.Metadata.EntityType = group.EntityType
	window.Metadata.EntityTitle = group.EntityTitle
	window.Metadata.EntityScore = group.CombinedScore
	return window
}

// DisambiguationPrompt renders the numbered option list shown when the user
// must pick an entity. Option previews longer than maxTokensPerOption are
// cut at the token boundary and ellipsis-terminated.
func (b *Builder) DisambiguationPrompt(options []disambig.Option, maxTokensPerOption int) string {
	parts := []string{"Multiple relevant documents found. Please select the most relevant one:\n"}

	for i, opt := range options {
		var sb strings.Builder
		fmt.Fprintf(&sb, "%d. %s\n", i+1, opt.Title)
		fmt.Fprintf(&sb, "   %s\n", opt.Description)
		fmt.Fprintf(&sb, "   Relevance: %.2f\n", opt.AvgScore)

		if opt.SampleText != "" {
			sample := opt.SampleText
			if tokens := b.tok.Encode(sample); len(tokens) > maxTokensPerOption {
				sample = b.tok.Decode(tokens[:maxTokensPerOption]) + "..."
			}
			fmt.Fprintf(&sb, "   Preview: %s\n", sample)
		}

		parts = append(parts, sb.String())
	}

	return strings.Join(parts, "\n")
}

// EstimateTokens returns the token cost of text under the builder's
// tokenizer.
func (b *Builder) EstimateTokens(text string) int {
	return len(b.tok.Encode(text))
}

// TruncateToTokens cuts text down to at most maxTokens tokens, decoding at
// the token boundary. Text already within the limit is returned unchanged.
func (b *Builder) TruncateToTokens(text string, maxTokens int) string {
	tokens := b.tok.Encode(text)
	if len(tokens) <= maxTokens {
		return text
	}
	return b.tok.Decode(tokens[:maxTokens])
}

// formatChunk renders a result's context text: optional bracketed prefixes,
// then the raw chunk text, space-joined.
func formatChunk(r rag.SearchResult, opts FormatOptions) string {
	var parts []string

	if opts.IncludeSources {
		parts = append(parts, fmt.Sprintf("[Source: %s]", chunkSource(r)))
	}
	if opts.IncludeSections && r.Section != "" {
		parts = append(parts, fmt.Sprintf("[Section: %s]", r.Section))
	}
	if opts.IncludeRelevance {
		parts = append(parts, fmt.Sprintf("[Relevance: %.2f]", r.Score))
	}
	parts = append(parts, r.Text)

	return strings.Join(parts, " ")
}

// chunkSource returns the chunk's display source, with the short-id
// fallback for untitled documents.
func chunkSource(r rag.SearchResult) string {
	if r.DocumentTitle != "" {
		return r.DocumentTitle
	}
	id := r.DocumentID
	if len(id) > 8 {
		id = id[:8]
	}
	return "Document " + id
}

// applyTokenLimit packs chunks greedily: each chunk is admitted when it
// still fits the remaining budget, otherwise dropped, and packing continues
// so a small later chunk can use budget a large earlier one could not.
func applyTokenLimit(chunks []ContextChunk, maxTokens int) ([]ContextChunk, bool, int) {
	if len(chunks) == 0 {
		return chunks, false, 0
	}

	total := 0
	for _, c := range chunks {
		total += c.TokenCount
	}
	if total <= maxTokens {
		return chunks, false, 0
	}

	admitted := make([]ContextChunk, 0, len(chunks))
	current := 0
	dropped := 0

	for _, c := range chunks {
		if current+c.TokenCount <= maxTokens {
			admitted = append(admitted, c)
			current += c.TokenCount
		} else {
			dropped++
		}
	}

	return admitted, true, dropped
}
