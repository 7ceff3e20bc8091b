// Command fraudctl is the operator tool for fraudwatch: it seeds sample
// data, issues development tokens and prints statistics.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set by ldflags.
var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fraudctl",
		Short:         "fraudctl - operator tooling for fraudwatch",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(seedCmd())
	root.AddCommand(tokenCmd())
	root.AddCommand(statsCmd())
	return root
}
