package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/portfolio-tracker/internal/ratelimit"
	"github.com/portfolio-tracker/internal/service"
	"github.com/portfolio-tracker/internal/types"
	"github.com/spf13/cobra"
)

type rebuildOptions struct {
	*rootOptions
	// skip admission control, for operators recovering from an outage
	force bool
}

func newRebuildCmd(root *rootOptions) *cobra.Command {
	opts := &rebuildOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild cached leaderboards, charts or cash positions",
		Long: `Rebuild commands draw from the shared rebuild admission budget like API
requests do. Rebuilds scoped to one user cost less than full passes.`,
	}
	cmd.PersistentFlags().BoolVar(&opts.force, "force", false, "Skip rebuild admission control")

	cmd.AddCommand(
		newRebuildLeaderboardCmd(opts),
		newRebuildChartsCmd(opts),
		newRebuildCashPositionsCmd(opts),
	)
	return cmd
}

// admit takes rebuild units from the shared pool unless --force is set
func (o *rebuildOptions) admit(ctx context.Context, s *session, operation string, singleUser bool) error {
	if o.force || s.admitter == nil {
		return nil
	}

	cost := s.costs.Cost(operation)
	if singleUser {
		cost = s.costs.SingleUserCost(operation)
	}
	allowed, wait := s.admitter.TryConsume(ctx, cost, ratelimit.PriorityLow)
	if !allowed {
		return fmt.Errorf("rebuild budget exhausted for this window (cost %d), retry in %s or use --force", cost, wait.Round(time.Second))
	}
	_ = s.admitter.RecordOperation(ctx, operation, cost)
	return nil
}

func newRebuildLeaderboardCmd(opts *rebuildOptions) *cobra.Command {
	var (
		periods    []string
		categories []string
		onlyStale  bool
	)

	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Rebuild leaderboards for the selected periods and categories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			input := service.RebuildLeaderboardInput{OnlyStale: onlyStale}
			var err error
			if len(periods) > 0 {
				if input.Periods, err = types.ParsePeriods(periods); err != nil {
					return err
				}
			}
			for _, raw := range categories {
				c, err := types.ParseCategory(raw)
				if err != nil {
					return err
				}
				input.Categories = append(input.Categories, c)
			}

			return withSession(cmd, opts.rootOptions, func(ctx context.Context, s *session) error {
				if err := opts.admit(ctx, s, ratelimit.OperationLeaderboard, false); err != nil {
					return err
				}
				res, err := s.engine.RebuildLeaderboardCache(ctx, input)
				if err != nil {
					return err
				}
				return printRebuildResult(cmd, opts.rootOptions, res)
			})
		},
	}

	cmd.Flags().StringSliceVar(&periods, "periods", nil, "Periods to rebuild (default: all)")
	cmd.Flags().StringSliceVar(&categories, "categories", nil, "Categories to rebuild (default: configured categories)")
	cmd.Flags().BoolVar(&onlyStale, "only-stale", false, "Skip keys that are already fresh")
	return cmd
}

func newRebuildChartsCmd(opts *rebuildOptions) *cobra.Command {
	var (
		userID    int64
		periods   []string
		onlyStale bool
	)

	cmd := &cobra.Command{
		Use:   "charts",
		Short: "Rebuild charts for one user or all users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			input := service.RebuildChartInput{OnlyStale: onlyStale}
			if cmd.Flags().Changed("user") {
				if userID <= 0 {
					return fmt.Errorf("--user must be positive")
				}
				input.UserID = &userID
			}
			if len(periods) > 0 {
				var err error
				if input.Periods, err = types.ParsePeriods(periods); err != nil {
					return err
				}
			}

			return withSession(cmd, opts.rootOptions, func(ctx context.Context, s *session) error {
				if err := opts.admit(ctx, s, ratelimit.OperationCharts, input.UserID != nil); err != nil {
					return err
				}
				res, err := s.engine.RebuildChartCache(ctx, input)
				if err != nil {
					return err
				}
				return printRebuildResult(cmd, opts.rootOptions, res)
			})
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "Only rebuild this user's charts")
	cmd.Flags().StringSliceVar(&periods, "periods", nil, "Periods to rebuild (default: all)")
	cmd.Flags().BoolVar(&onlyStale, "only-stale", false, "Skip charts that are already fresh")
	return cmd
}

func newRebuildCashPositionsCmd(opts *rebuildOptions) *cobra.Command {
	var userID int64

	cmd := &cobra.Command{
		Use:   "cash-positions",
		Short: "Replay transaction logs and replace stored cash positions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var target *int64
			if cmd.Flags().Changed("user") {
				if userID <= 0 {
					return fmt.Errorf("--user must be positive")
				}
				target = &userID
			}

			return withSession(cmd, opts.rootOptions, func(ctx context.Context, s *session) error {
				if err := opts.admit(ctx, s, ratelimit.OperationCashPositions, target != nil); err != nil {
					return err
				}
				res, err := s.engine.RebuildCashPositions(ctx, target)
				if err != nil {
					return err
				}
				return printRebuildResult(cmd, opts.rootOptions, res)
			})
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "Only rebuild this user's cash position")
	return cmd
}

func printRebuildResult(cmd *cobra.Command, root *rootOptions, res *service.RebuildResult) error {
	out := cmd.OutOrStdout()
	if root.format == "json" {
		return writeJSON(out, res)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "UPDATED\tSKIPPED KEYS\tSUCCEEDED\tFAILED\tSKIPPED USERS\tBUDGET EXHAUSTED\n")
	fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%v\n", res.UpdatedCount, res.SkippedKeys, res.Succeeded, res.Failed, res.SkippedUsers, res.BudgetExhausted)
	if err := w.Flush(); err != nil {
		return err
	}

	for _, e := range res.Errors {
		fmt.Fprintf(out, "error %s: %s: %s\n", e.Key, e.Code, e.Message)
	}
	if res.BudgetExhausted {
		fmt.Fprintln(out, "run stopped on its budget; re-run with --only-stale to resume")
	}
	return nil
}
