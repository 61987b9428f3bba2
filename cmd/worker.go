package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/sells-group/recon-cli/internal/workflow"
)

func dialTemporal() (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return nil, eris.Wrap(err, "temporal: dial")
	}
	return c, nil
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a Temporal worker for durable batch reconciliation",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initEngine(cmd.Context(), "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		c, err := dialTemporal()
		if err != nil {
			return err
		}
		defer c.Close()

		w := workflow.NewWorker(c, cfg.Temporal.TaskQueue, &workflow.Activities{Engine: env.Engine})
		zap.L().Info("starting temporal worker",
			zap.String("host_port", cfg.Temporal.HostPort),
			zap.String("task_queue", cfg.Temporal.TaskQueue),
		)
		if err := w.Run(worker.InterruptCh()); err != nil {
			return eris.Wrap(err, "temporal: worker run")
		}
		return nil
	},
}

var workerSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Start a batch reconciliation workflow",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("worker"); err != nil {
			return err
		}

		c, err := dialTemporal()
		if err != nil {
			return err
		}
		defer c.Close()

		score, _ := cmd.Flags().GetBool("score")
		in := workflow.BatchInput{
			Selector:   batchSelector(cmd),
			Tolerances: tolerancesFromFlags(cmd, cfg.Engine().Tolerances),
			Score:      score,
		}
		run, err := workflow.StartBatch(ctx, c, cfg.Temporal.TaskQueue, in)
		if err != nil {
			return err
		}
		zap.L().Info("workflow started",
			zap.String("workflow_id", run.GetID()),
			zap.String("run_id", run.GetRunID()),
		)

		if wait, _ := cmd.Flags().GetBool("wait"); !wait {
			return nil
		}
		var out workflow.BatchOutput
		if err := run.Get(ctx, &out); err != nil {
			return eris.Wrap(err, "temporal: workflow result")
		}
		return printJSON(os.Stdout, out)
	},
}

func init() {
	workerSubmitCmd.Flags().String("partner", "", "only reconcile tickets of this partner")
	workerSubmitCmd.Flags().StringSlice("status", nil, "ticket statuses to select")
	workerSubmitCmd.Flags().Int("limit", 0, "max tickets in the batch")
	workerSubmitCmd.Flags().Bool("score", true, "score matched tickets after reconciling")
	workerSubmitCmd.Flags().Bool("wait", false, "wait for the workflow and print its result")
	addToleranceFlags(workerSubmitCmd)

	workerCmd.AddCommand(workerSubmitCmd)
	rootCmd.AddCommand(workerCmd)
}
