package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	CashDevice CashDeviceConfig `yaml:"cash_device"`
	Gate       GateConfig       `yaml:"gate"`
	Timeouts   TimeoutsConfig   `yaml:"timeouts"`
	Payment    PaymentConfig    `yaml:"payment"`
	Refund     RefundConfig     `yaml:"refund"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
}

// WorkerPoolConfig holds the configuration for the operator alert worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// PushConfig holds the VAPID keys for operator web push alerts.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// ServerConfig holds the operator API configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`

	// Stricter budget for routes that drive the machine: starting and
	// cancelling cycles, clearing the support latch.
	CommandRateLimitPerSec float64 `yaml:"command_rate_limit_per_sec"`
	CommandRateLimitBurst  int     `yaml:"command_rate_limit_burst"`
	CacheTTLSeconds        int     `yaml:"cache_ttl_seconds"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver"` // postgres or sqlite
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// CashDeviceConfig describes the cash device server and the devices behind it.
type CashDeviceConfig struct {
	BaseURL         string         `yaml:"base_url"`
	Username        string         `yaml:"username"`
	Password        string         `yaml:"password"`
	TimeoutSeconds  int            `yaml:"timeout_seconds"`
	Timeout         time.Duration  `yaml:"-"`
	TokenTTLMinutes int            `yaml:"token_ttl_minutes"`
	Devices         []DeviceConfig `yaml:"devices"`
}

// DeviceConfig describes one physical acceptor/dispenser.
type DeviceConfig struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Driver      string `yaml:"driver"` // note_recycler or coin_hopper
	ComPort     string `yaml:"com_port"`
	SspAddress  int    `yaml:"ssp_address"`
	CountryCode string `yaml:"country_code"`
	// UnitValueCents is the flat per-unit value used when the device cannot
	// report its currency assignment.
	UnitValueCents int64   `yaml:"unit_value_cents"`
	InhibitValues  []int64 `yaml:"inhibit_values"`
	RecycleValues  []int64 `yaml:"recycle_values"`
	// BatchDispense enables multi-unit dispense commands.
	BatchDispense bool `yaml:"batch_dispense"`
}

// GateConfig describes the gate sensor line and the signal values it reports.
type GateConfig struct {
	SerialPort     string `yaml:"serial_port"`
	BaudRate       int    `yaml:"baud_rate"`
	ReadTimeoutMs  int    `yaml:"read_timeout_ms"`
	AutomaticValue int    `yaml:"automatic_value"`
	CycleDoneValue int    `yaml:"cycle_done_value"`
}

// TimeoutsConfig selects the timeout model profile and optional overrides.
type TimeoutsConfig struct {
	Model     int                                `yaml:"model"`
	Overrides map[int]map[string]PhaseTimeoutYAML `yaml:"overrides"`
}

// PhaseTimeoutYAML is the file form of a phase timeout.
type PhaseTimeoutYAML struct {
	SoftTimeoutSec int `yaml:"soft_timeout_sec"`
	HardTimeoutSec int `yaml:"hard_timeout_sec"`
	PollIntervalMs int `yaml:"poll_interval_ms"`
}

// PaymentConfig controls the cash acceptance loop.
type PaymentConfig struct {
	PollIntervalMs   int           `yaml:"poll_interval_ms"`
	PollInterval     time.Duration `yaml:"-"`
	AcceptTimeoutSec int           `yaml:"accept_timeout_sec"`
	AcceptTimeout    time.Duration `yaml:"-"`
}

// RefundConfig controls dispense retries.
type RefundConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	RetryBackoffMs int           `yaml:"retry_backoff_ms"`
	RetryBackoff   time.Duration `yaml:"-"`
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() error {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CommandRateLimitPerSec <= 0 {
		cfg.Server.CommandRateLimitPerSec = 0.5
	}
	if cfg.Server.CommandRateLimitBurst <= 0 {
		cfg.Server.CommandRateLimitBurst = 2
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 30
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}

	if cfg.CashDevice.TimeoutSeconds <= 0 {
		cfg.CashDevice.TimeoutSeconds = 30
	}
	cfg.CashDevice.Timeout = time.Duration(cfg.CashDevice.TimeoutSeconds) * time.Second
	if cfg.CashDevice.TokenTTLMinutes <= 0 {
		cfg.CashDevice.TokenTTLMinutes = 30
	}
	seen := make(map[string]bool)
	for i := range cfg.CashDevice.Devices {
		d := &cfg.CashDevice.Devices[i]
		if d.ID == "" {
			return fmt.Errorf("cash_device.devices[%d]: id is required", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("cash_device.devices[%d]: duplicate id %q", i, d.ID)
		}
		seen[d.ID] = true
		if d.Name == "" {
			d.Name = d.ID
		}
		if d.CountryCode == "" {
			d.CountryCode = "EUR"
		}
	}

	if cfg.Gate.BaudRate <= 0 {
		cfg.Gate.BaudRate = 9600
	}
	if cfg.Gate.ReadTimeoutMs <= 0 {
		cfg.Gate.ReadTimeoutMs = 500
	}
	if cfg.Gate.AutomaticValue == 0 {
		cfg.Gate.AutomaticValue = 1
	}

	if cfg.Timeouts.Model == 0 {
		cfg.Timeouts.Model = 1
	}

	if cfg.Payment.PollIntervalMs <= 0 {
		cfg.Payment.PollIntervalMs = 500
	}
	cfg.Payment.PollInterval = time.Duration(cfg.Payment.PollIntervalMs) * time.Millisecond
	if cfg.Payment.AcceptTimeoutSec <= 0 {
		cfg.Payment.AcceptTimeoutSec = 180
	}
	cfg.Payment.AcceptTimeout = time.Duration(cfg.Payment.AcceptTimeoutSec) * time.Second

	if cfg.Refund.MaxAttempts <= 0 {
		cfg.Refund.MaxAttempts = 3
	}
	if cfg.Refund.RetryBackoffMs < 0 {
		cfg.Refund.RetryBackoffMs = 0
	}
	cfg.Refund.RetryBackoff = time.Duration(cfg.Refund.RetryBackoffMs) * time.Millisecond

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		log.Printf("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}
	return nil
}
