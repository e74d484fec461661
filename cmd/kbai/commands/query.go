package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/54b3r/kbai-go/internal/embedder"
	"github.com/54b3r/kbai-go/internal/logging"
	"github.com/54b3r/kbai-go/internal/query"
)

// NewQueryCmd constructs the `kbai query` command, which runs the retrieval
// pipeline for a single question and prints the assembled context without
// invoking an LLM.
func NewQueryCmd() *cobra.Command {
	var (
		limit      int
		threshold  float64
		maxTokens  int
		document   string
		groupID    string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "query [question]",
		Short: "Retrieve knowledge-base context for a question",
		Long: `Run the retrieval pipeline for a natural language question: embed the
query, search the vector store, and assemble a token-budgeted context from
the most relevant chunks.

When the results span several equally plausible documents, kbai lists them
as numbered options instead of mixing their content; re-run with --group to
pick one.

Examples:
  kbai query "what were the Q3 revenue numbers?"
  kbai query --document report-2024.pdf "summarise the findings"
  kbai query --group a1b2c3d4 "what were the Q3 revenue numbers?"
  kbai query --json --limit 20 "deployment checklist"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			if err := embedder.Validate(log); err != nil {
				return fmt.Errorf("query: %w", err)
			}

			handler, _, closeFn, err := buildQueryHandler(ctx, log)
			if err != nil {
				return fmt.Errorf("query: %w", err)
			}
			defer closeFn()

			req := query.Request{
				Query:              strings.Join(args, " "),
				DocumentFilter:     document,
				Limit:              limit,
				MaxContextTokens:   maxTokens,
				RelevanceThreshold: threshold,
			}
			applyEnvDefaults(cmd, &req)

			var resp *query.Response
			if groupID != "" {
				resp = handler.HandleSelection(ctx, req, groupID)
			} else {
				resp = handler.Handle(ctx, req)
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(resp) //nolint:wrapcheck // CLI entry point
			}

			printResponse(resp)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of search results (default: 10)")
	cmd.Flags().Float64VarP(&threshold, "threshold", "t", 0, "Minimum relevance score in [0,1] (default: 0.7)")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "Context token budget (default: 4000)")
	cmd.Flags().StringVarP(&document, "document", "d", "", "Restrict search to one document ID")
	cmd.Flags().StringVarP(&groupID, "group", "g", "", "Resolve a prior disambiguation by group ID")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the full response as JSON")

	return cmd
}

// applyEnvDefaults fills request fields from QUERY_* env vars (populated by
// the YAML config) for flags the user did not set explicitly.
func applyEnvDefaults(cmd *cobra.Command, req *query.Request) {
	if !cmd.Flags().Changed("limit") {
		req.Limit = getEnvInt("QUERY_RESULT_LIMIT", 0)
	}
	if !cmd.Flags().Changed("threshold") {
		req.RelevanceThreshold = getEnvFloat("QUERY_RELEVANCE_THRESHOLD", 0)
	}
	if !cmd.Flags().Changed("max-tokens") {
		req.MaxContextTokens = getEnvInt("QUERY_MAX_CONTEXT_TOKENS", 0)
	}
}

// printResponse renders a pipeline response for terminal consumption.
func printResponse(resp *query.Response) {
	if resp.Metadata.Error != "" {
		fmt.Printf("query failed: %s\n", resp.Metadata.Error)
		return
	}

	if resp.NeedsDisambiguation {
		fmt.Println("Multiple relevant documents found. Re-run with --group <id> to select one:")
		fmt.Println()
		for i, opt := range resp.Options {
			fmt.Printf("%d. %s  (group: %s)\n", i+1, opt.Title, opt.GroupID)
			fmt.Printf("   %s\n", opt.Description)
			fmt.Printf("   Relevance: %.2f\n", opt.AvgScore)
			if opt.SampleText != "" {
				fmt.Printf("   Preview: %s\n", opt.SampleText)
			}
			fmt.Println()
		}
		return
	}

	if len(resp.Sources) == 0 {
		fmt.Println("No relevant results found.")
		return
	}

	fmt.Println(resp.Context)
	fmt.Println()
	fmt.Printf("Sources (%d):\n", len(resp.Sources))
	for _, src := range resp.Sources {
		name := src.Title
		if name == "" {
			name = src.DocumentID
		}
		fmt.Printf("  - %s (score: %.2f)\n", name, src.Score)
	}
	fmt.Printf("\nConfidence: %.2f  Tokens: %d  Time: %.0fms\n",
		resp.Confidence, resp.TotalTokens, resp.ProcessingTimeMS)
	if resp.Metadata.ContextTruncated {
		fmt.Printf("Note: %d results dropped to fit the token budget.\n", resp.Metadata.DroppedResults)
	}
}
