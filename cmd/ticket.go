package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/recon-cli/internal/model"
)

var ticketCmd = &cobra.Command{
	Use:   "ticket",
	Short: "Inspect tickets and move them through review",
}

var ticketShowCmd = &cobra.Command{
	Use:   "show <ticket-id>",
	Short: "Show a ticket and its latest match",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		t, err := st.GetTicket(ctx, args[0])
		if err != nil {
			return err
		}
		matches, err := st.ListMatches(ctx, args[0])
		if err != nil {
			return err
		}
		out := struct {
			*model.Ticket
			Matches []model.MatchResult `json:"matches"`
		}{t, matches}
		return printJSON(os.Stdout, out)
	},
}

var ticketTransitionCmd = &cobra.Command{
	Use:   "transition <ticket-id> <reviewed|reconciled>",
	Short: "Move a ticket to a reviewer-owned status",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, "reconcile")
		if err != nil {
			return err
		}
		defer env.Close()

		t, err := env.Engine.Transition(ctx, args[0], model.ReconStatus(args[1]))
		if err != nil {
			return err
		}
		zap.L().Info("ticket transitioned",
			zap.String("ticket_id", t.ID),
			zap.String("status", string(t.ReconStatus)),
		)
		return nil
	},
}

var anomalyCmd = &cobra.Command{
	Use:   "anomaly",
	Short: "Manage anomaly events",
}

var anomalyResolveCmd = &cobra.Command{
	Use:   "resolve <anomaly-id>",
	Short: "Mark an anomaly resolved",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, "reconcile")
		if err != nil {
			return err
		}
		defer env.Close()

		note, _ := cmd.Flags().GetString("note")
		a, err := env.Engine.ResolveAnomaly(ctx, args[0], note)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, a)
	},
}

func init() {
	anomalyResolveCmd.Flags().String("note", "", "resolution note")

	ticketCmd.AddCommand(ticketShowCmd)
	ticketCmd.AddCommand(ticketTransitionCmd)
	anomalyCmd.AddCommand(anomalyResolveCmd)
	rootCmd.AddCommand(ticketCmd)
	rootCmd.AddCommand(anomalyCmd)
}
