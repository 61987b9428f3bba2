package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/recon-cli/internal/model"
	"github.com/sells-group/recon-cli/internal/normalize"
)

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Work with whole partner feeds",
}

var feedReconcileCmd = &cobra.Command{
	Use:   "reconcile <feed-ref>",
	Short: "Match every row of a feed against the ticket store",
	Long:  "Reports which feed rows match a ticket and which are missing-ticket exceptions. Ticket statuses are not changed.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, "reconcile")
		if err != nil {
			return err
		}
		defer env.Close()

		partner, _ := cmd.Flags().GetString("partner")
		tol := tolerancesFromFlags(cmd, env.Engine.Config().Tolerances)

		res, err := env.Engine.ReconcileFeed(ctx, args[0], tol, model.TicketFilter{PartnerID: partner})
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(os.Stdout, res)
		}
		formatFeedResult(os.Stdout, res)
		return nil
	},
}

var feedCorrectCmd = &cobra.Command{
	Use:   "correct <feed-ref>",
	Short: "Write a corrected copy of a feed as CSV",
	Long:  "Applies --set corrections (row:field=value, rows counted from 0) and writes the feed with its original column order.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		sets, _ := cmd.Flags().GetStringArray("set")
		corrections := make([]normalize.Correction, 0, len(sets))
		for _, s := range sets {
			c, err := parseCorrection(s)
			if err != nil {
				return err
			}
			corrections = append(corrections, c)
		}

		env, err := initEngine(ctx, "reconcile")
		if err != nil {
			return err
		}
		defer env.Close()

		var out io.Writer = os.Stdout
		if path, _ := cmd.Flags().GetString("out"); path != "" {
			f, err := os.Create(path)
			if err != nil {
				return eris.Wrap(err, "create output file")
			}
			defer f.Close() //nolint:errcheck
			out = f
		}

		skipped, err := env.Engine.CorrectFeed(ctx, args[0], corrections, out)
		if err != nil {
			return err
		}
		for _, c := range skipped {
			fmt.Fprintf(os.Stderr, "skipped: row %d field %s (no column in feed)\n", c.Row, c.Field)
		}
		return nil
	},
}

// parseCorrection parses "row:field=value".
func parseCorrection(s string) (normalize.Correction, error) {
	loc, value, ok := strings.Cut(s, "=")
	if !ok {
		return normalize.Correction{}, eris.Errorf("invalid correction %q: want row:field=value", s)
	}
	rowStr, field, ok := strings.Cut(loc, ":")
	if !ok || field == "" {
		return normalize.Correction{}, eris.Errorf("invalid correction %q: want row:field=value", s)
	}
	row, err := strconv.Atoi(rowStr)
	if err != nil || row < 0 {
		return normalize.Correction{}, eris.Errorf("invalid correction %q: row must be a non-negative integer", s)
	}
	return normalize.Correction{Row: row, Field: field, Value: value}, nil
}

func formatFeedResult(out io.Writer, res *model.FeedResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Feed:\t%s\n", res.Source)
	_, _ = fmt.Fprintf(w, "Rows:\t%d\n", len(res.Matches))
	_, _ = fmt.Fprintf(w, "Unmatched:\t%d\n", res.Unmatched)

	tiers := make([]string, 0, len(res.ByTier))
	for t := range res.ByTier {
		tiers = append(tiers, string(t))
	}
	sort.Strings(tiers)
	for _, t := range tiers {
		_, _ = fmt.Fprintf(w, "  %s:\t%d\n", t, res.ByTier[model.MatchTier(t)])
	}
	_ = w.Flush()
}

func init() {
	feedReconcileCmd.Flags().String("partner", "", "only match tickets of this partner")
	feedReconcileCmd.Flags().Bool("json", false, "print the full result as JSON")
	addToleranceFlags(feedReconcileCmd)

	feedCorrectCmd.Flags().StringArray("set", nil, "correction as row:field=value (repeatable)")
	feedCorrectCmd.Flags().String("out", "", "output file (default stdout)")

	feedCmd.AddCommand(feedReconcileCmd)
	feedCmd.AddCommand(feedCorrectCmd)
	rootCmd.AddCommand(feedCmd)
}
