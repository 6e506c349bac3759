package main

import (
	"os"

	"github.com/onkernel/jocker/lib/isolation"
)

func main() {
	// Re-executed container inits never reach the CLI
	if len(os.Args) > 1 && os.Args[1] == isolation.InitCommand {
		isolation.Init()
	}
	os.Exit(newCLI(os.Stdin, os.Stdout, os.Stderr).execute(os.Args[1:]))
}
