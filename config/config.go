// Package config loads the gateway's process-wide tunables from the
// environment (SPEC_FULL §6c). Device definitions themselves come from the
// device.Repository port, not from this package — config only covers the
// session/poller runtime knobs.
//
// The teacher has no process-level config layer of its own; this package
// follows the wider corpus's viper.AutomaticEnv idiom for process-level
// configuration.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds every MODBUS_* environment-configurable value (§6).
type Config struct {
	// SessionIdleTTL is how long a pooled endpoint may sit unused before
	// the reaper closes it. MODBUS_SESSION_IDLE_TTL, default 120s.
	SessionIdleTTL time.Duration

	// ReapInterval is how often the reaper sweeps the session pool.
	// MODBUS_REAP_INTERVAL, default 30s.
	ReapInterval time.Duration

	// MaxConcurrentPolls caps how many pollers may be Active at once;
	// Start beyond the cap fails with TooManyPollers. MODBUS_MAX_CONCURRENT_POLLS,
	// default 64.
	MaxConcurrentPolls int

	// DefaultTimeout is the timeout the registry passes to Poller.Stop.
	// MODBUS_DEFAULT_TIMEOUT_MS, default 5000ms. It is not applied to
	// device exchanges: a device definition without
	// advanced.connectionOptions.timeout uses a fixed 5s per exchange.
	DefaultTimeout time.Duration
}

// Load reads Config from the environment, applying the defaults above to
// any unset variable.
func Load() Config {
	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()

	v.SetDefault("MODBUS_SESSION_IDLE_TTL", "120s")
	v.SetDefault("MODBUS_REAP_INTERVAL", "30s")
	v.SetDefault("MODBUS_MAX_CONCURRENT_POLLS", 64)
	v.SetDefault("MODBUS_DEFAULT_TIMEOUT_MS", 5000)

	return Config{
		SessionIdleTTL:     v.GetDuration("MODBUS_SESSION_IDLE_TTL"),
		ReapInterval:       v.GetDuration("MODBUS_REAP_INTERVAL"),
		MaxConcurrentPolls: v.GetInt("MODBUS_MAX_CONCURRENT_POLLS"),
		DefaultTimeout:     time.Duration(v.GetInt("MODBUS_DEFAULT_TIMEOUT_MS")) * time.Millisecond,
	}
}
