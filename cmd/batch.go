package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/recon-cli/internal/model"
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Reconcile a batch of pending tickets",
	Long:  "Selects tickets by status and partner, fetches each partner feed once and reconciles the tickets concurrently per feed.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, "reconcile")
		if err != nil {
			return err
		}
		defer env.Close()

		sel := batchSelector(cmd)
		tol := tolerancesFromFlags(cmd, env.Engine.Config().Tolerances)

		res, err := env.Engine.ReconcileBatch(ctx, sel, tol)
		if res != nil {
			printBatch(cmd, res)
		}
		if err != nil {
			return err
		}
		zap.L().Info("batch complete",
			zap.String("run_id", res.RunID),
			zap.Int("processed", res.Processed),
			zap.Int("failed", res.Failed),
		)
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Re-reconcile tickets whose feed retry is due",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, "reconcile")
		if err != nil {
			return err
		}
		defer env.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		res, err := env.Engine.RetryDue(ctx, limit)
		if res != nil {
			printBatch(cmd, res)
		}
		return err
	},
}

func batchSelector(cmd *cobra.Command) model.BatchSelector {
	partner, _ := cmd.Flags().GetString("partner")
	statuses, _ := cmd.Flags().GetStringSlice("status")
	limit, _ := cmd.Flags().GetInt("limit")

	sel := model.BatchSelector{PartnerID: partner, Limit: limit}
	for _, s := range statuses {
		sel.Statuses = append(sel.Statuses, model.ReconStatus(s))
	}
	return sel
}

// tolerancesFromFlags overrides def with any tolerance flag the user set.
func tolerancesFromFlags(cmd *cobra.Command, def model.Tolerances) model.Tolerances {
	tol := def
	if cmd.Flags().Changed("qty-pct") {
		tol.QuantityVariancePct, _ = cmd.Flags().GetFloat64("qty-pct")
	}
	if cmd.Flags().Changed("price-pct") {
		tol.PriceVariancePct, _ = cmd.Flags().GetFloat64("price-pct")
	}
	if cmd.Flags().Changed("window") {
		tol.DeliveryWindow, _ = cmd.Flags().GetDuration("window")
	}
	return tol
}

func addToleranceFlags(cmd *cobra.Command) {
	cmd.Flags().Float64("qty-pct", 0, "quantity variance tolerance in percent (default from config)")
	cmd.Flags().Float64("price-pct", 0, "price variance tolerance in percent (default from config)")
	cmd.Flags().Duration("window", 0, "delivery date window, e.g. 24h (default from config)")
}

func printBatch(cmd *cobra.Command, res *model.BatchResult) {
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		_ = printJSON(os.Stdout, res)
		return
	}
	formatBatch(os.Stdout, res)
}

func init() {
	batchCmd.Flags().String("partner", "", "only reconcile tickets of this partner")
	batchCmd.Flags().StringSlice("status", nil, "ticket statuses to select (default unreconciled, reconciliation_attempt_failed)")
	batchCmd.Flags().Int("limit", 0, "max tickets in the batch (default batch.max_tickets)")
	batchCmd.Flags().Bool("json", false, "print the full result as JSON")
	addToleranceFlags(batchCmd)

	retryCmd.Flags().Int("limit", 0, "max tickets to retry (default batch.max_tickets)")
	retryCmd.Flags().Bool("json", false, "print the full result as JSON")

	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(retryCmd)

}
