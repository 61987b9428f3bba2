package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/recon-cli/internal/recon"
)

var reconcileFeedRef string

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <ticket-id>",
	Short: "Reconcile one ticket against its partner feed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, "reconcile")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Engine.Reconcile(ctx, args[0], reconcileFeedRef)
		if err != nil {
			if res != nil {
				_ = printJSON(os.Stdout, res)
			}
			zap.L().Error("reconcile failed",
				zap.String("ticket_id", args[0]),
				zap.String("kind", recon.Kind(err)),
				zap.Bool("retryable", recon.IsRetryable(err)),
				zap.Error(err),
			)
			return err
		}
		return printJSON(os.Stdout, res)
	},
}

func init() {
	reconcileCmd.Flags().StringVar(&reconcileFeedRef, "feed", "", "feed reference to match against (default: the ticket's feed_url)")
	rootCmd.AddCommand(reconcileCmd)
}
