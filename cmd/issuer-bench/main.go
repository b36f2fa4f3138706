// Command issuer-bench drives concurrent grant, validate and refresh cycles
// against a token server backed by the in-memory or the Valkey store.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
