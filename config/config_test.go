package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"SERVER_PORT", "DB_PATH", "LOG_LEVEL", "LOG_FORMAT", "EXPIRY_SWEEP_ENABLED", "EXPIRY_SWEEP_SCHEDULE",
		"SWEEP_WORKERS", "AMQP_URL", "AMQP_EXCHANGE", "LOYALTY_CONFIG_FILE",
		"DEFAULT_TENANT", "CORS_ORIGINS",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.ServerPort)
	assert.Equal(t, "loyalty.db", cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.True(t, cfg.ExpirySweepEnabled)
	assert.Equal(t, "0 3 * * *", cfg.SweepSchedule())
	assert.Equal(t, 4, cfg.SweepWorkers)
	assert.Equal(t, "loyalty.events", cfg.AMQPExchange)
	assert.Equal(t, "default", cfg.DefaultTenant)
	assert.Empty(t, cfg.AMQPURL)
	assert.Equal(t, []string{"http://localhost:5173", "http://localhost:8080"}, cfg.Origins())
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("SWEEP_WORKERS", "16")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("CORS_ORIGINS", " https://a.example , ,https://b.example")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.ServerPort)
	assert.Equal(t, 16, cfg.SweepWorkers)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Origins())
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	clearEnv(t)
	// GIVEN a dotenv file setting two keys
	path := filepath.Join(t.TempDir(), "loyalty.env")
	require.NoError(t, os.WriteFile(path, []byte("DB_PATH=/var/lib/loyalty.db\nDEFAULT_TENANT=acme\n"), 0o600))
	// AND the environment overriding one of them
	t.Setenv("DEFAULT_TENANT", "globex")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	// THEN the file fills what the environment leaves unset
	assert.Equal(t, "/var/lib/loyalty.db", cfg.DBPath)
	assert.Equal(t, "globex", cfg.DefaultTenant)
}

func TestLoad_MissingFileIsIgnored(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.ServerPort)
}

func TestLoad_SweepCanBeDisabled(t *testing.T) {
	clearEnv(t)
	// GIVEN the scheduled sweep switched off
	t.Setenv("EXPIRY_SWEEP_ENABLED", "false")

	cfg, err := config.Load("")
	require.NoError(t, err)

	// THEN no schedule is handed to the scheduler
	assert.False(t, cfg.ExpirySweepEnabled)
	assert.Empty(t, cfg.SweepSchedule())
}

func TestLoad_SweepDisabledFromFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "loyalty.env")
	require.NoError(t, os.WriteFile(path, []byte("EXPIRY_SWEEP_ENABLED=false\nEXPIRY_SWEEP_SCHEDULE=\n"), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Empty(t, cfg.SweepSchedule())
}

func TestLoad_EmptyScheduleEnvKeepsDefault(t *testing.T) {
	clearEnv(t)
	// GIVEN an empty schedule variable, which the environment layer ignores
	t.Setenv("EXPIRY_SWEEP_SCHEDULE", "")

	cfg, err := config.Load("")
	require.NoError(t, err)

	// THEN the sweep still runs on the default schedule
	assert.Equal(t, "0 3 * * *", cfg.SweepSchedule())
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"SERVER_PORT", "70000"},
		{"LOG_LEVEL", "loud"},
		{"LOG_FORMAT", "xml"},
		{"SWEEP_WORKERS", "0"},
		{"EXPIRY_SWEEP_SCHEDULE", "every day"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := config.Load("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}
