// Command kbai is the entry point for the knowledge-base AI assistant.
// It provides a CLI interface (via Cobra) and an optional HTTP server
// exposing the query pipeline as a REST/SSE API.
package main

import (
	"fmt"
	"os"

	"github.com/54b3r/kbai-go/cmd/kbai/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
