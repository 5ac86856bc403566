// Package main is the entry point for the sahguard CLI.
package main

import (
	"fmt"
	"os"

	"github.com/studentenathome/sahguard/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
