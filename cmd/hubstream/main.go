// Package main is the entry point for the hubstream application.
package main

import (
	"os"

	"github.com/jmylchreest/hubstream/cmd/hubstream/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
