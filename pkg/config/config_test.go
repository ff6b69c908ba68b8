package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsFromEnvOnly(t *testing.T) {
	// No config.yaml in the test working directory; defaults apply.
	cfg, err := Load("test-version")
	require.NoError(t, err)

	assert.Equal(t, "test-version", cfg.Version)
	assert.Equal(t, "127.0.0.1", cfg.BindAddr)
	assert.Equal(t, "5050", cfg.Port)
	assert.Equal(t, 4, cfg.Crawler.WorkerCount)
	assert.Equal(t, 0.0, cfg.Crawler.FailureTolerance)
	assert.Equal(t, 3, cfg.Crawler.TaskMaxAttempts)
	assert.False(t, cfg.Notifier.Enabled())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CRAWLER_WORKER_COUNT", "8")
	t.Setenv("CRAWLER_FAILURE_TOLERANCE", "0.25")
	t.Setenv("PGDATABASE", "catalog_test")

	cfg, err := Load("dev")
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Crawler.WorkerCount)
	assert.Equal(t, 0.25, cfg.Crawler.FailureTolerance)
	assert.Equal(t, "catalog_test", cfg.Database.Database)
}

func TestLoad_RejectsInvalidTolerance(t *testing.T) {
	t.Setenv("CRAWLER_FAILURE_TOLERANCE", "1.5")

	_, err := Load("dev")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failure_tolerance")
}

func TestLoad_RejectsZeroWorkers(t *testing.T) {
	t.Setenv("CRAWLER_WORKER_COUNT", "0")

	_, err := Load("dev")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker_count")
}

func TestConnectionString(t *testing.T) {
	db := DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "metamapper",
		Password: "secret",
		Database: "metamapper_engine",
		SSLMode:  "disable",
	}
	assert.Equal(t,
		"host=localhost port=5432 user=metamapper password=secret dbname=metamapper_engine sslmode=disable",
		db.ConnectionString())
}

func TestNotifierEnabled(t *testing.T) {
	n := NotifierConfig{}
	assert.False(t, n.Enabled())

	n.Host = "smtp.example.com"
	assert.False(t, n.Enabled(), "from address required")

	n.From = "alerts@example.com"
	assert.True(t, n.Enabled())
}

func TestResolveHostForDocker_PassThroughOutsideDocker(t *testing.T) {
	if IsRunningInDocker() {
		t.Skip("running inside a container")
	}
	assert.Equal(t, "localhost", ResolveHostForDocker("localhost"))
	assert.Equal(t, "db.internal", ResolveHostForDocker("db.internal"))
}
