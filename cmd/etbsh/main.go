// Command etbsh is the interactive ETB client shell. It speaks the client
// API against one node, interactively or in batch mode.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/SRI-CSL/etb/internal/shell"
)

var (
	flagHost  string
	flagPort  int
	flagBatch string
)

var rootCmd = &cobra.Command{
	Use:           "etbsh [script]",
	Short:         "Evidential Tool Bus shell",
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(_ *cobra.Command, args []string) error {
		sh := shell.New(flagHost, flagPort, os.Stdout)
		script := flagBatch
		if script == "" && len(args) == 1 {
			script = args[0]
		}
		if script != "" {
			f, err := os.Open(script)
			if err != nil {
				return err
			}
			defer f.Close()
			return sh.RunScript(f)
		}
		return sh.RunInteractive()
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flagHost, "host", "127.0.0.1", "node address")
	f.IntVar(&flagPort, "port", 26532, "node port")
	f.StringVar(&flagBatch, "batch", "", "script file to execute")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "etbsh:", err)
		os.Exit(1)
	}
}
