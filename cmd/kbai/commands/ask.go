package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/54b3r/kbai-go/internal/embedder"
	"github.com/54b3r/kbai-go/internal/generation"
	"github.com/54b3r/kbai-go/internal/logging"
	"github.com/54b3r/kbai-go/internal/provider"
	"github.com/54b3r/kbai-go/internal/query"
	"github.com/54b3r/kbai-go/internal/tracing"
)

// NewAskCmd constructs the `kbai ask` command: retrieval plus LLM answer
// synthesis, streamed to stdout.
func NewAskCmd() *cobra.Command {
	var (
		document string
		groupID  string
	)

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask the knowledge base a question and get a generated answer",
		Long: `Run the full pipeline: retrieve relevant context from the knowledge base,
then synthesise an answer with the configured LLM, streamed to stdout.

The answer is grounded in the retrieved chunks only; when nothing relevant
is found the model says so instead of guessing.

Examples:
  kbai ask "what did the Q3 report say about churn?"
  kbai ask --document onboarding.md "how do I request VPN access?"
  MODEL_PROVIDER=openai kbai ask "summarise the architecture review"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			// Langfuse tracing — opt-in, no-op if keys are absent.
			if handler, flush, ok := tracing.Setup(); ok {
				tracing.Register(handler)
				defer flush()
			}

			if err := embedder.Validate(log); err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			chatModel, err := provider.NewFromEnv(ctx)
			if err != nil {
				return fmt.Errorf("ask: failed to initialise model provider: %w", err)
			}

			gen, err := generation.New(chatModel)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			handler, _, closeFn, err := buildQueryHandler(ctx, log)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer closeFn()

			req := query.Request{
				Query:          strings.Join(args, " "),
				DocumentFilter: document,
			}
			applyEnvDefaults(cmd, &req)

			var resp *query.Response
			if groupID != "" {
				resp = handler.HandleSelection(ctx, req, groupID)
			} else {
				resp = handler.Handle(ctx, req)
			}

			if resp.Metadata.Error != "" {
				return fmt.Errorf("ask: %s", resp.Metadata.Error)
			}

			if resp.NeedsDisambiguation {
				printResponse(resp)
				return nil
			}

			if _, err := gen.StreamAnswer(ctx, resp.Query, &resp.Window, os.Stdout); err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			fmt.Println()

			if len(resp.Sources) > 0 {
				fmt.Printf("\nSources (%d):\n", len(resp.Sources))
				for _, src := range resp.Sources {
					name := src.Title
					if name == "" {
						name = src.DocumentID
					}
					fmt.Printf("  - %s (score: %.2f)\n", name, src.Score)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&document, "document", "d", "", "Restrict search to one document ID")
	cmd.Flags().StringVarP(&groupID, "group", "g", "", "Resolve a prior disambiguation by group ID")

	return cmd
}
