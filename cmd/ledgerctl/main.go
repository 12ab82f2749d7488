// ledgerctl talks to a Ledger hardware wallet running the Ethereum app over
// USB: it derives addresses and requests signatures for raw payloads.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
