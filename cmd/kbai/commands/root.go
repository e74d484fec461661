// Package commands defines all Cobra CLI commands for the kbai binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/54b3r/kbai-go/internal/audit"
	"github.com/54b3r/kbai-go/internal/config"
	"github.com/54b3r/kbai-go/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kbai",
		Short: "kbai — query your document knowledge base with semantic search and LLMs",
		Long: `kbai is a local-first knowledge-base assistant.

Ingest documents (PDFs, transcripts, markdown) into a Qdrant vector store,
then query them in natural language: kbai embeds the query, retrieves the
most relevant chunks, resolves ambiguous matches, and assembles a
token-budgeted context — optionally synthesising an answer with an LLM.

Model and embedding providers are selected via environment variables
(MODEL_PROVIDER, EMBEDDING_PROVIDER) or a YAML config file (~/.kbai/config.yaml).
See 'kbai --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			// Load YAML config (env vars always override YAML values).
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			// Emit structured audit log for every command invocation.
			audit.LogCommandStart(log, cmd.Name(), loadedConfigPath)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.kbai/config.yaml)")

	root.AddCommand(
		NewQueryCmd(),
		NewAskCmd(),
		NewIngestCmd(),
		NewDocumentsCmd(),
		NewServeCmd(),
		NewVersionCmd(),
	)

	return root
}
