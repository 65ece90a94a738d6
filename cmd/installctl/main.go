package main

import (
	"fmt"
	"os"

	"github.com/danmuck/edgeinstall/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "installctl: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
