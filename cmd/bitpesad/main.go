// Command bitpesad runs the BitPesa transaction orchestrator: the HTTP API,
// the webhook intake, and the background expiry and reconciliation sweeps.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

// run dispatches subcommands. Exposed for tests.
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stderr)
	}
	switch args[1] {
	case "serve":
		return runServer(stderr)
	case "sweep":
		return runSweep(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: bitpesad <command>")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Commands:")
	_, _ = fmt.Fprintln(w, "  serve   Run the API server (default)")
	_, _ = fmt.Fprintln(w, "  sweep   Run one expiry sweep and exit")
	_, _ = fmt.Fprintln(w, "  help    Show this help")
}
