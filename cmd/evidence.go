package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/recon-cli/internal/model"
)

var evidenceCmd = &cobra.Command{
	Use:   "evidence",
	Short: "Build and inspect evidence packets",
}

var evidenceBuildCmd = &cobra.Command{
	Use:   "build <ticket|driver|site> <id>",
	Short: "Build a new evidence packet for an entity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, "reconcile")
		if err != nil {
			return err
		}
		defer env.Close()

		p, err := env.Engine.BuildEvidencePacket(ctx, model.EntityType(args[0]), args[1])
		if err != nil {
			return err
		}
		if narrative, _ := cmd.Flags().GetBool("narrative"); narrative {
			_, err = fmt.Fprintln(os.Stdout, p.Narrative)
			return err
		}
		return printJSON(os.Stdout, p)
	},
}

var evidenceHistoryCmd = &cobra.Command{
	Use:   "history <ticket|driver|site> <id>",
	Short: "List earlier evidence packets for an entity, newest first",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, "reconcile")
		if err != nil {
			return err
		}
		defer env.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		ps, err := env.Engine.PacketHistory(ctx, model.EntityType(args[0]), args[1], limit)
		if err != nil {
			return err
		}
		if len(ps) == 0 {
			fmt.Fprintln(os.Stderr, "No packets found.")
			return nil
		}
		return printJSON(os.Stdout, ps)
	},
}

func init() {
	evidenceBuildCmd.Flags().Bool("narrative", false, "print only the narrative")
	evidenceHistoryCmd.Flags().Int("limit", 10, "max packets to show")

	evidenceCmd.AddCommand(evidenceBuildCmd)
	evidenceCmd.AddCommand(evidenceHistoryCmd)
	rootCmd.AddCommand(evidenceCmd)
}
