package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/54b3r/kbai-go/internal/embedder"
	"github.com/54b3r/kbai-go/internal/ingestion"
	"github.com/54b3r/kbai-go/internal/logging"
	"github.com/54b3r/kbai-go/internal/store"
)

// NewDocumentsCmd constructs the `kbai documents` command group for
// inspecting and pruning the ingested document registry.
func NewDocumentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "documents",
		Aliases: []string{"docs"},
		Short:   "List and manage ingested documents",
	}

	cmd.AddCommand(newDocumentsListCmd(), newDocumentsDeleteCmd())
	return cmd
}

func newDocumentsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List ingested documents, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			docs, closeDocs := openDocStore(log)
			if docs == nil {
				return fmt.Errorf("documents: metadata store unavailable")
			}
			defer closeDocs()

			list, err := docs.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("documents: %w", err)
			}
			if len(list) == 0 {
				fmt.Println("No documents ingested yet. Run 'kbai ingest <file>' first.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tTYPE\tSTATUS\tCHUNKS\tINGESTED")
			for _, d := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					d.ID, d.Title, d.DocType, d.Status, d.ChunkCount,
					d.CreatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush() //nolint:wrapcheck // CLI entry point
		},
	}
}

func newDocumentsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [document-id]",
		Short: "Delete a document's vectors and registry entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			index, err := buildIndex(ctx, log)
			if err != nil {
				return fmt.Errorf("documents: %w", err)
			}
			defer index.Close()

			docs, closeDocs := openDocStore(log)
			defer closeDocs()

			var docStore store.DocumentStore
			if docs != nil {
				docStore = docs
			}

			emb, err := embedder.NewFromEnv()
			if err != nil {
				return fmt.Errorf("documents: %w", err)
			}

			// The pipeline owns delete ordering: vectors first, then metadata.
			pipeline, err := ingestion.NewPipeline(emb, index, docStore, nil)
			if err != nil {
				return fmt.Errorf("documents: %w", err)
			}

			if err := pipeline.Delete(ctx, args[0]); err != nil {
				return fmt.Errorf("documents: %w", err)
			}
			fmt.Printf("deleted %s\n", args[0])
			return nil
		},
	}
}
