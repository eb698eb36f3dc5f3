package main

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"

	apperrors "github.com/portfolio-tracker/internal/errors"
	"github.com/portfolio-tracker/internal/types"
	"github.com/spf13/cobra"
)

func newPerformanceCmd(root *rootOptions) *cobra.Command {
	var period string

	cmd := &cobra.Command{
		Use:   "performance <user-id>",
		Short: "Compute a user's return and benchmark return for a period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || userID <= 0 {
				return fmt.Errorf("invalid user id %q", args[0])
			}

			return withSession(cmd, root, func(ctx context.Context, s *session) error {
				res := s.engine.GetPerformance(ctx, userID, types.PeriodCode(period))
				out := cmd.OutOrStdout()

				if root.format == "json" {
					if err := writeJSON(out, res); err != nil {
						return err
					}
				} else {
					w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
					fmt.Fprintf(w, "USER\tPERIOD\tAS OF\tRETURN %%\tBENCHMARK %%\n")
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", res.UserID, res.Period, res.AsOf,
						formatPercent(res.PortfolioReturnPercent), formatPercent(res.BenchmarkReturnPercent))
					if err := w.Flush(); err != nil {
						return err
					}
					if res.ChartError != nil {
						fmt.Fprintf(out, "chart unavailable: %s: %s\n", res.ChartError.Code, res.ChartError.Message)
					}
				}

				if res.Error != nil {
					return apperrors.Categorize(res.Error)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&period, "period", string(types.Period1M), "Period code (1D|5D|1M|3M|YTD|1Y|5Y|MAX)")
	return cmd
}

func newLeaderboardCmd(root *rootOptions) *cobra.Command {
	var (
		period   string
		category string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Show a cached leaderboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := types.ParsePeriod(period)
			if err != nil {
				return err
			}
			c, err := types.ParseCategory(category)
			if err != nil {
				return err
			}
			if limit < 1 {
				return fmt.Errorf("--limit must be positive")
			}

			return withSession(cmd, root, func(ctx context.Context, s *session) error {
				entries, err := s.engine.GetLeaderboard(ctx, p, c, limit)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if root.format == "json" {
					return writeJSON(out, entries)
				}

				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "RANK\tUSER\tUSERNAME\tRETURN %%\tVALUE\tVOLATILITY %%\n")
				for _, e := range entries {
					fmt.Fprintf(w, "%d\t%d\t%s\t%.2f\t%.2f\t%.2f\n", e.Rank, e.UserID, e.Username,
						e.PerformancePercent, e.PortfolioValue, e.CategoryMetrics.VolatilityPercent)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&period, "period", string(types.Period1M), "Period code")
	cmd.Flags().StringVar(&category, "category", string(types.CategoryAll), "Category (all|small_cap|mid_cap|large_cap)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of entries")
	return cmd
}

func formatPercent(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}
