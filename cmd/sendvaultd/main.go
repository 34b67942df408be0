// Command sendvaultd runs the paid-inbox node: HTTP API, delivery
// worker, chain indexer and the boot-time launch gate.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sendvault/sendvault/pkg/config"
	"github.com/sendvault/sendvault/pkg/store"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands; the bare invocation runs the server.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(context.Background(), stderr)
	}
	switch args[1] {
	case "server":
		return runServer(context.Background(), stderr)
	case "ingest":
		return runIngest(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: sendvaultd [command]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Commands:")
	_, _ = fmt.Fprintln(w, "  server          Run the node (default)")
	_, _ = fmt.Fprintln(w, "  ingest <file>   Import a JSON export, hashing PII with PII_SECRET")
	_, _ = fmt.Fprintln(w, "  help            Show this message")
}

// runIngest imports a legacy JSON export into the configured store.
func runIngest(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "ingest requires a file path")
		return 2
	}
	cfg := config.Load()
	ctx := context.Background()

	st, err := store.Open(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "open store: %v\n", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	report, err := store.Ingest(ctx, st, args[0], cfg.PIISecret)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "ingest failed: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "ingested %d user(s), %d message(s); skipped %d existing row(s)\n",
		report.Users, report.Messages, report.Skipped)
	return 0
}
