// Package generation synthesizes answers from assembled knowledge-base
// context using the configured LLM backend. It owns the prompt shape: the
// model only ever sees the system prompt, the retrieved context, and the
// user's question.
package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/kbai-go/internal/assembler"
	"github.com/54b3r/kbai-go/internal/provider"
)

// systemPrompt grounds the model in the retrieved context and forbids
// answering from parametric knowledge when the context does not cover the
// question.
const systemPrompt = `You are a knowledge-base assistant. Answer the user's question using ONLY the
provided context excerpts.

Rules:
- Base every claim on the context. If the context does not contain the answer,
  say so plainly — do not guess or fill gaps from general knowledge.
- Cite the source document name when you use an excerpt (e.g. "According to
  report.pdf, ...").
- Keep answers concise and direct. Lead with the answer, then supporting detail.
- If excerpts conflict, note the conflict and cite both sources.`

// noContextNote replaces the context block when retrieval produced nothing
// usable, so the model declines instead of hallucinating.
const noContextNote = "No relevant context was found in the knowledge base for this question. " +
	"Tell the user you could not find relevant information and suggest they rephrase or ingest the material first."

// Generator produces answers from a question and its assembled context window.
type Generator struct {
	chatModel provider.ChatModel
}

// New constructs a Generator backed by the given chat model.
func New(chatModel provider.ChatModel) (*Generator, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("generation: chat model must not be nil")
	}
	return &Generator{chatModel: chatModel}, nil
}

// Answer generates a complete answer for the question grounded in the context
// window. A nil or empty window is allowed; the model is instructed to decline.
func (g *Generator) Answer(ctx context.Context, question string, window *assembler.ContextWindow) (string, error) {
	msg, err := g.chatModel.Generate(ctx, buildMessages(question, window))
	if err != nil {
		return "", fmt.Errorf("generation: generate failed: %w", err)
	}
	return msg.Content, nil
}

// StreamAnswer generates an answer and writes each chunk to w as it arrives.
// It returns the full accumulated answer once the stream completes.
func (g *Generator) StreamAnswer(ctx context.Context, question string, window *assembler.ContextWindow, w io.Writer) (string, error) {
	sr, err := g.chatModel.Stream(ctx, buildMessages(question, window))
	if err != nil {
		return "", fmt.Errorf("generation: stream failed: %w", err)
	}
	defer sr.Close()

	var buf strings.Builder
	for {
		msg, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return buf.String(), fmt.Errorf("generation: stream receive error: %w", err)
		}
		if msg == nil || msg.Content == "" {
			continue
		}
		buf.WriteString(msg.Content)
		if _, err := io.WriteString(w, msg.Content); err != nil {
			return buf.String(), fmt.Errorf("generation: write error: %w", err)
		}
	}
	return buf.String(), nil
}

// buildMessages assembles the message slice sent to the model: system prompt,
// context block, then the user's question.
func buildMessages(question string, window *assembler.ContextWindow) []*schema.Message {
	return []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.SystemMessage(contextBlock(window)),
		schema.UserMessage(question),
	}
}

// contextBlock formats the assembled window into a system message. Each chunk
// already carries its source/section/relevance prefix from the assembler.
func contextBlock(window *assembler.ContextWindow) string {
	if window == nil || len(window.Chunks) == 0 {
		return noContextNote
	}

	var sb strings.Builder
	sb.WriteString("## Knowledge Base Context\n\n")
	sb.WriteString(window.Text())
	if len(window.Sources) > 0 {
		sb.WriteString("\n\nSources: ")
		sb.WriteString(strings.Join(window.Sources, ", "))
	}
	if window.Truncated {
		fmt.Fprintf(&sb, "\n\nNote: %d additional relevant excerpts were omitted to fit the context limit.", window.DroppedResults)
	}
	return sb.String()
}
