// Package main provides the entry point for lsprpc-demo, a manual test
// harness that wires a transport to a session so the runtime's behavior
// can be exercised by hand. It is not a product surface.
package main

import (
	"fmt"
	"os"

	"github.com/gopherlsp/lsprpc/cmd/lsprpc-demo/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
