package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "coordinator",
		Short: "chunkmaster coordinator: chunk placement, liveness and repair for a distributed object store",
	}
	root.AddCommand(serveCmd())
	return root
}
