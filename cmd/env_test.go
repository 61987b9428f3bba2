package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/recon-cli/internal/config"
	"github.com/sells-group/recon-cli/internal/model"
)

func testTolerances() model.Tolerances {
	return model.Tolerances{QuantityVariancePct: 2, PriceVariancePct: 1, DeliveryWindow: 24 * time.Hour}
}

// loadTestConfig loads defaults from an empty directory and points the
// store at a temp SQLite file.
func loadTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	orig, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(orig) })

	c, err := config.Load()
	require.NoError(t, err)
	c.Store.Driver = "sqlite"
	c.Store.DatabaseURL = filepath.Join(dir, "test.db")
	return c
}

func TestInitStore_SQLite(t *testing.T) {
	cfg = &config.Config{
		Store: config.StoreConfig{
			Driver:      "sqlite",
			DatabaseURL: filepath.Join(t.TempDir(), "test.db"),
		},
	}

	st, err := initStore(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st)
	defer st.Close() //nolint:errcheck
}

func TestInitStore_SQLiteDefaultDSN(t *testing.T) {
	tmpDir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(tmpDir))
	defer os.Chdir(origDir) //nolint:errcheck

	cfg = &config.Config{Store: config.StoreConfig{Driver: "sqlite"}}

	st, err := openStore(context.Background())
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	_, statErr := os.Stat(filepath.Join(tmpDir, "recon.db"))
	assert.NoError(t, statErr)
}

func TestInitStore_UnsupportedDriver(t *testing.T) {
	cfg = &config.Config{Store: config.StoreConfig{Driver: "mysql"}}

	_, err := initStore(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestInitEngine(t *testing.T) {
	cfg = loadTestConfig(t)

	env, err := initEngine(context.Background(), "reconcile")
	require.NoError(t, err)
	defer env.Close()

	assert.NotNil(t, env.Engine)
	assert.NotNil(t, env.Loader)
	assert.NotNil(t, env.Alerter)
	assert.NoError(t, env.Store.Ping(context.Background()))
	assert.Equal(t, cfg.Engine().Tolerances, env.Engine.Config().Tolerances)
}

func TestInitEngine_InvalidConfig(t *testing.T) {
	cfg = loadTestConfig(t)
	cfg.Batch.MaxConcurrentFeeds = 0

	_, err := initEngine(context.Background(), "reconcile")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent_feeds")
}

func TestInitEngine_AliasesFile(t *testing.T) {
	cfg = loadTestConfig(t)
	cfg.Normalize.AliasesFile = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := initEngine(context.Background(), "reconcile")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load aliases")

	path := filepath.Join(t.TempDir(), "aliases.yaml")
	require.NoError(t, os.WriteFile(path, []byte("aliases:\n  quantity: [\"Tonnage\"]\n"), 0o644))
	cfg.Normalize.AliasesFile = path

	env, err := initEngine(context.Background(), "reconcile")
	require.NoError(t, err)
	env.Close()
}

func TestNewScheduler(t *testing.T) {
	cfg = loadTestConfig(t)
	cfg.Schedule.BatchCron = ""
	cfg.Schedule.RetryCron = ""

	env, err := initEngine(context.Background(), "reconcile")
	require.NoError(t, err)
	defer env.Close()

	s, err := newScheduler(env)
	require.NoError(t, err)
	assert.Nil(t, s)

	cfg.Schedule.RetryCron = "*/5 * * * *"
	s, err = newScheduler(env)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, []string{"retry"}, s.Jobs())
}
