package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/gopherlsp/lsprpc/pkg/transport"
)

var stdioCmd = &cobra.Command{
	Use:   "stdio",
	Short: "Run a demo server reading requests from stdin and writing to stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		tp := transport.NewStdio(os.Stdin, os.Stdout)
		go tp.Start()
		runServerSession(cmd.Context(), tp)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stdioCmd)
}
