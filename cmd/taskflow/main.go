// ABOUTME: CLI entrypoint for the taskflow service: loads .env, then hands off to the cobra command tree.
// ABOUTME: Exit status is 1 on any command error; the error is printed once to stderr.
package main

import (
	"fmt"
	"os"

	"github.com/2389-research/taskflow/config"
)

var version = "dev"

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	if err := executeCLI(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
