package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:     "bdstorage",
		Short:   "Deduplicate files into a content-addressed vault",
		Version: version + " (" + commit + ")",
	}

	root.AddCommand(newRunCmd())

	if err := root.Execute(); err != nil {
		if ce, ok := err.(*exitError); ok {
			return ce.code
		}
		return 1
	}
	return 0
}
