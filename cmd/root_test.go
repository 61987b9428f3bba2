package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"reconcile", "batch", "retry", "score", "evidence", "feed", "ticket", "anomaly", "import", "runs", "migrate", "serve", "worker"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "recon-cli", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestReconcileCommand_Flags(t *testing.T) {
	flag := reconcileCmd.Flags().Lookup("feed")
	require.NotNil(t, flag)
	assert.Equal(t, "", flag.DefValue)
	assert.Error(t, reconcileCmd.Args(reconcileCmd, nil))
}

func TestBatchCommand_Flags(t *testing.T) {
	for _, name := range []string{"partner", "status", "limit", "json", "qty-pct", "price-pct", "window"} {
		assert.NotNil(t, batchCmd.Flags().Lookup(name), "batch should have --%s", name)
	}
	assert.Equal(t, "0", batchCmd.Flags().Lookup("limit").DefValue)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestEvidenceCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range evidenceCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["build"])
	assert.True(t, names["history"])
}

func TestWorkerSubmit_Flags(t *testing.T) {
	flag := workerSubmitCmd.Flags().Lookup("score")
	require.NotNil(t, flag)
	assert.Equal(t, "true", flag.DefValue)
}

func TestBatchSelectorAndTolerances(t *testing.T) {
	cmd := &cobra.Command{Use: "batch"}
	cmd.Flags().String("partner", "", "")
	cmd.Flags().StringSlice("status", nil, "")
	cmd.Flags().Int("limit", 0, "")
	addToleranceFlags(cmd)

	require.NoError(t, cmd.Flags().Parse([]string{"--partner", "acme", "--status", "unreconciled,missing", "--limit", "7", "--qty-pct", "0.5", "--window", "12h"}))

	sel := batchSelector(cmd)
	assert.Equal(t, "acme", sel.PartnerID)
	assert.Equal(t, 7, sel.Limit)
	require.Len(t, sel.Statuses, 2)
	assert.Equal(t, "missing", string(sel.Statuses[1]))

	def := testTolerances()
	tol := tolerancesFromFlags(cmd, def)
	assert.Equal(t, 0.5, tol.QuantityVariancePct)
	assert.Equal(t, def.PriceVariancePct, tol.PriceVariancePct)
	assert.Equal(t, "12h0m0s", tol.DeliveryWindow.String())
}
