package main

import (
	"os"

	"github.com/spf13/cobra"
)

var scoreJSON bool

var scoreCmd = &cobra.Command{
	Use:   "score <ticket-id>",
	Short: "Score a ticket's fields against historical baselines",
	Long:  "Computes a confidence score for each numeric field of the ticket against the driver and site baselines, records confidence events and raises anomalies for low scores.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, "reconcile")
		if err != nil {
			return err
		}
		defer env.Close()

		scores, err := env.Engine.ScoreConfidence(ctx, args[0])
		if err != nil {
			return err
		}
		if scoreJSON {
			return printJSON(os.Stdout, scores)
		}
		formatScores(os.Stdout, scores)
		return nil
	},
}

func init() {
	scoreCmd.Flags().BoolVar(&scoreJSON, "json", false, "print scores as JSON")
	rootCmd.AddCommand(scoreCmd)
}
