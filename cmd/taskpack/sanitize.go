package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/taskpack/internal/extract"
)

func sanitizeCmd() *cobra.Command {
	var check bool

	cmd := &cobra.Command{
		Use:   "sanitize",
		Short: "Extract compact JSON from model output on stdin",
		Long: `Read raw model output from stdin, strip markdown fences and surrounding
prose, and print the compact JSON. With --check, exit non-zero when the
result is not valid JSON.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := readAll(cmd.InOrStdin())
			if err != nil {
				return err
			}
			out := extract.Sanitize(in)
			fmt.Fprintln(cmd.OutOrStdout(), out)
			if check && !extract.Parseable(out) {
				fmt.Fprintln(cmd.ErrOrStderr(), "output is not valid JSON")
				return errReported
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&check, "check", false, "Fail when no valid JSON can be extracted")
	return cmd
}
