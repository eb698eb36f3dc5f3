package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newBudgetCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "budget",
		Short: "Show rebuild admission usage for the current window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, root, func(ctx context.Context, s *session) error {
				if s.usage == nil {
					return fmt.Errorf("rebuild admission is not configured")
				}
				u, err := s.usage(ctx)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if root.format == "json" {
					return writeJSON(out, u)
				}

				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "POOL\tUSED\tBUDGET\n")
				fmt.Fprintf(w, "reserved\t%d\t%d\n", u.ReservedUsed, u.ReservedBudget)
				fmt.Fprintf(w, "shared\t%d\t%d\n", u.SharedUsed, u.SharedBudget)
				fmt.Fprintf(w, "total\t%d\t%d\n", u.TotalUsed, u.TotalBudget)
				if err := w.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(out, "window started %s\n", u.WindowStart.Format(time.RFC3339))
				return nil
			})
		},
	}
}
