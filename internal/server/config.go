package server

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/strada-io/strada/internal/secrets"
)

// Config is the top-level daemon configuration.
type Config struct {
	Vehicle   VehicleConfig   `mapstructure:"vehicle"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Scripts   ScriptsConfig   `mapstructure:"scripts"`
	Spool     SpoolConfig     `mapstructure:"spool"`
	Security  SecurityConfig  `mapstructure:"security"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
}

// VehicleConfig identifies this vehicle on the fleet bus.
type VehicleConfig struct {
	ID string `mapstructure:"id"`
}

// NATSConfig holds cloud broker connection settings.
type NATSConfig struct {
	URL        string        `mapstructure:"url"`
	Token      string        `mapstructure:"token"`
	AckTimeout time.Duration `mapstructure:"ack_timeout"`
}

// SandboxConfig bounds the Lua interpreter.
type SandboxConfig struct {
	RegistrySize   int `mapstructure:"registry_size"`
	CallStackSize  int `mapstructure:"call_stack_size"`
	MaxScriptBytes int `mapstructure:"max_script_bytes"`
}

// DeliveryConfig bounds command execution and response delivery.
type DeliveryConfig struct {
	Workers        int           `mapstructure:"workers"`
	PoolSize       int           `mapstructure:"pool_size"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	MaxTimeout     time.Duration `mapstructure:"max_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	Expiry         time.Duration `mapstructure:"expiry"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
}

// ScriptsConfig holds the on-vehicle script library settings.
type ScriptsConfig struct {
	Dir             string `mapstructure:"dir"`
	HotReload       bool   `mapstructure:"hot_reload"`
	VerifyIntegrity bool   `mapstructure:"verify_integrity"`
}

// SpoolConfig holds the on-disk response spool settings.
type SpoolConfig struct {
	Dir string `mapstructure:"dir"`
}

// SecurityConfig holds application-level security settings.
type SecurityConfig struct {
	CommandSecret string `mapstructure:"command_secret"`
}

// HeartbeatConfig controls the periodic status publish.
type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// LoadConfig reads configuration from file and env, then decrypts any
// ENC[...] values using the resolved age identity.
func LoadConfig(cfgFile string) (Config, error) {
	v := viper.New()

	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.ack_timeout", 10*time.Second)

	homeDir, _ := os.UserHomeDir()
	v.SetDefault("scripts.dir", filepath.Join(homeDir, ".config", "strada", "scripts"))
	v.SetDefault("scripts.hot_reload", true)
	v.SetDefault("scripts.verify_integrity", false)

	v.SetDefault("spool.dir", filepath.Join(homeDir, ".local", "share", "strada", "spool"))

	v.SetDefault("sandbox.registry_size", 1024*20)
	v.SetDefault("sandbox.call_stack_size", 120)
	v.SetDefault("sandbox.max_script_bytes", 64*1024)

	v.SetDefault("delivery.workers", 4)
	v.SetDefault("delivery.pool_size", 8)
	v.SetDefault("delivery.default_timeout", 30*time.Second)
	v.SetDefault("delivery.max_timeout", 5*time.Minute)
	v.SetDefault("delivery.max_retries", 0)
	v.SetDefault("delivery.expiry", time.Duration(0))
	v.SetDefault("delivery.sweep_interval", time.Minute)

	v.SetDefault("heartbeat.interval", 30*time.Second)

	v.SetConfigType("toml")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("strada")
		v.AddConfigPath("/etc/strada")
		v.AddConfigPath("$HOME/.config/strada")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("STRADA")
	v.AutomaticEnv()

	v.BindEnv("vehicle.id", "STRADA_VEHICLE_ID")
	v.BindEnv("nats.url", "STRADA_NATS_URL")
	v.BindEnv("nats.token", "STRADA_NATS_TOKEN")
	v.BindEnv("security.command_secret", "STRADA_COMMAND_SECRET")

	// Config file is optional; env alone can carry a full setup.
	_ = v.ReadInConfig()

	if secrets.HasEncryptedValues(v) {
		identities, err := secrets.ResolveIdentity(v)
		if err != nil {
			return Config{}, fmt.Errorf("resolve age identity: %w", err)
		}
		if identities == nil {
			return Config{}, fmt.Errorf("config contains ENC[...] values but no age identity is available")
		}
		if err := secrets.DecryptViperConfig(v, identities); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	if cfg.Vehicle.ID == "" {
		return cfg, fmt.Errorf("vehicle.id is required (or STRADA_VEHICLE_ID)")
	}
	return cfg, nil
}
