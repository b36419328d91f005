// Command gateway runs the inference gateway: an OpenAI-compatible
// chat-completions front door that authenticates, rate-limits,
// deduplicates, batches, and caches requests in front of one or more
// chat backends.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("gateway", version)
		os.Exit(0)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
