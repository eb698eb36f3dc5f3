// Package main provides perfctl, the operator CLI for the portfolio tracker.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/portfolio-tracker/internal/api"
	"github.com/portfolio-tracker/internal/app"
	"github.com/portfolio-tracker/internal/config"
	"github.com/portfolio-tracker/internal/logging"
	"github.com/portfolio-tracker/internal/ratelimit"
	"github.com/spf13/cobra"
)

// session is what a command needs from a running engine
type session struct {
	engine   api.EngineInterface
	admitter api.Admitter
	costs    *ratelimit.CostRegistry
	usage    func(ctx context.Context) (*ratelimit.Usage, error)
	close    func()
}

// openSession connects to the stores. Tests replace it.
var openSession = func(ctx context.Context) (*session, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := app.InitLogging(cfg)

	a, err := app.New(logging.WithLogger(ctx, logger), cfg)
	if err != nil {
		return nil, err
	}
	return &session{
		engine:   a.Engine,
		admitter: a.Tracker,
		costs:    a.Costs,
		usage:    a.Tracker.Usage,
		close:    a.Close,
	}, nil
}

type rootOptions struct {
	format  string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "perfctl",
		Short: "Portfolio performance engine operator CLI",
		Long: `perfctl queries performance and leaderboards and triggers cache rebuilds
against the same stores the API server and worker use.

Examples:
  perfctl performance 42 --period YTD
  perfctl leaderboard --period 1M --category small_cap --limit 10
  perfctl rebuild charts --user 42 --periods 1D,5D
  perfctl rebuild leaderboard --only-stale
  perfctl budget`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch opts.format {
			case "table", "json":
				return nil
			default:
				return fmt.Errorf("invalid --format %q: expected table or json", opts.format)
			}
		},
	}

	root.PersistentFlags().StringVar(&opts.format, "format", "table", "Output format (table|json)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 15*time.Minute, "Timeout for the whole command")

	root.AddCommand(
		newPerformanceCmd(opts),
		newLeaderboardCmd(opts),
		newRebuildCmd(opts),
		newBudgetCmd(opts),
	)
	return root
}

// withSession runs fn against an open session bounded by the command timeout
func withSession(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, s *session) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	return fn(ctx, s)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
