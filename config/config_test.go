package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: sqlite
  dsn: "file::memory:"
cash_device:
  base_url: http://localhost:5000
  devices:
    - id: bill-1
      driver: note_recycler
      com_port: COM3
      unit_value_cents: 500
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10.0, cfg.Server.RateLimitPerSec)
	assert.Equal(t, 5, cfg.Server.RateLimitBurst)
	assert.Equal(t, 0.5, cfg.Server.CommandRateLimitPerSec)
	assert.Equal(t, 2, cfg.Server.CommandRateLimitBurst)
	assert.Equal(t, 30*time.Second, cfg.CashDevice.Timeout)
	assert.Equal(t, 30, cfg.CashDevice.TokenTTLMinutes)
	require.Len(t, cfg.CashDevice.Devices, 1)
	assert.Equal(t, "bill-1", cfg.CashDevice.Devices[0].Name)
	assert.Equal(t, "EUR", cfg.CashDevice.Devices[0].CountryCode)
	assert.Equal(t, 9600, cfg.Gate.BaudRate)
	assert.Equal(t, 1, cfg.Gate.AutomaticValue)
	assert.Equal(t, 1, cfg.Timeouts.Model)
	assert.Equal(t, 500*time.Millisecond, cfg.Payment.PollInterval)
	assert.Equal(t, 180*time.Second, cfg.Payment.AcceptTimeout)
	assert.Equal(t, 3, cfg.Refund.MaxAttempts)
	assert.Equal(t, 1, cfg.WorkerPool.Size)
}

func TestLoadKeepsExplicitValues(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  metrics_enabled: true
timeouts:
  model: 2
  overrides:
    2:
      START_214:
        soft_timeout_sec: 20
        hard_timeout_sec: 90
        poll_interval_ms: 250
payment:
  poll_interval_ms: 200
  accept_timeout_sec: 60
refund:
  max_attempts: 5
  retry_backoff_ms: 150
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.True(t, cfg.Server.MetricsEnabled)
	assert.Equal(t, 2, cfg.Timeouts.Model)
	assert.Equal(t, PhaseTimeoutYAML{SoftTimeoutSec: 20, HardTimeoutSec: 90, PollIntervalMs: 250}, cfg.Timeouts.Overrides[2]["START_214"])
	assert.Equal(t, 200*time.Millisecond, cfg.Payment.PollInterval)
	assert.Equal(t, time.Minute, cfg.Payment.AcceptTimeout)
	assert.Equal(t, 5, cfg.Refund.MaxAttempts)
	assert.Equal(t, 150*time.Millisecond, cfg.Refund.RetryBackoff)
}

func TestLoadRejectsBadDevices(t *testing.T) {
	testCases := []struct {
		name    string
		devices string
		errMsg  string
	}{
		{
			name: "Missing id",
			devices: `
    - driver: coin_hopper`,
			errMsg: "id is required",
		},
		{
			name: "Duplicate id",
			devices: `
    - id: coin-1
      driver: coin_hopper
    - id: coin-1
      driver: coin_hopper`,
			errMsg: `duplicate id "coin-1"`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, "cash_device:\n  devices:"+tc.devices+"\n")
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
