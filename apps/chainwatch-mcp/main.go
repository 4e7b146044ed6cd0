// Chainwatch-mcp: Model Context Protocol bridge to a chainwatch query service, served on stdio.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/arkiv/chainwatch/internal/client"
)

func main() {
	url := os.Getenv("CHAINWATCH_URL")
	if url == "" {
		url = client.DefaultBaseURL
	}
	flagURL := flag.String("url", url, "chainwatch query service URL")
	flag.Parse()

	s, err := NewServer(*flagURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chainwatch-mcp: %v\n", err)
		os.Exit(1)
	}
	// stdout carries the protocol; diagnostics go to stderr.
	if err := s.Serve(); err != nil {
		fmt.Fprintf(os.Stderr, "chainwatch-mcp: %v\n", err)
		os.Exit(1)
	}
}
