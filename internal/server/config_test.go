package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/strada-io/strada/internal/secrets"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strada.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("STRADA_VEHICLE_ID", "")
	path := writeConfig(t, `
[vehicle]
id = "veh-42"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Vehicle.ID != "veh-42" {
		t.Errorf("vehicle.id = %q", cfg.Vehicle.ID)
	}
	if cfg.NATS.URL != "nats://127.0.0.1:4222" {
		t.Errorf("nats.url = %q", cfg.NATS.URL)
	}
	if cfg.Delivery.Workers != 4 {
		t.Errorf("delivery.workers = %d", cfg.Delivery.Workers)
	}
	if cfg.Delivery.DefaultTimeout != 30*time.Second {
		t.Errorf("delivery.default_timeout = %s", cfg.Delivery.DefaultTimeout)
	}
	if cfg.Sandbox.CallStackSize != 120 {
		t.Errorf("sandbox.call_stack_size = %d", cfg.Sandbox.CallStackSize)
	}
	if !cfg.Scripts.HotReload {
		t.Error("scripts.hot_reload should default to true")
	}
	if cfg.Heartbeat.Interval != 30*time.Second {
		t.Errorf("heartbeat.interval = %s", cfg.Heartbeat.Interval)
	}
}

func TestLoadConfig_FileValues(t *testing.T) {
	path := writeConfig(t, `
[vehicle]
id = "veh-7"

[nats]
url = "nats://broker.fleet:4222"
token = "tok"

[delivery]
workers = 2
max_retries = 5
expiry = "24h"
sweep_interval = "15s"

[security]
command_secret = "hmac-secret"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.NATS.URL != "nats://broker.fleet:4222" || cfg.NATS.Token != "tok" {
		t.Errorf("nats = %+v", cfg.NATS)
	}
	if cfg.Delivery.MaxRetries != 5 || cfg.Delivery.Expiry != 24*time.Hour {
		t.Errorf("delivery = %+v", cfg.Delivery)
	}
	if cfg.Delivery.SweepInterval != 15*time.Second {
		t.Errorf("sweep_interval = %s", cfg.Delivery.SweepInterval)
	}
	if cfg.Security.CommandSecret != "hmac-secret" {
		t.Errorf("command_secret = %q", cfg.Security.CommandSecret)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
[vehicle]
id = "veh-file"
`)
	t.Setenv("STRADA_VEHICLE_ID", "veh-env")
	t.Setenv("STRADA_NATS_TOKEN", "env-token")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Vehicle.ID != "veh-env" {
		t.Errorf("vehicle.id = %q, want env override", cfg.Vehicle.ID)
	}
	if cfg.NATS.Token != "env-token" {
		t.Errorf("nats.token = %q", cfg.NATS.Token)
	}
}

func TestLoadConfig_MissingVehicleID(t *testing.T) {
	t.Setenv("STRADA_VEHICLE_ID", "")
	path := writeConfig(t, `
[nats]
url = "nats://broker:4222"
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for missing vehicle.id")
	}
}

func TestLoadConfig_DecryptsSecrets(t *testing.T) {
	identity, err := secrets.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	enc, err := secrets.Encrypt("sealed-token", identity.Recipient())
	if err != nil {
		t.Fatal(err)
	}

	t.Setenv(secrets.EnvAgeKey, identity.String())
	path := writeConfig(t, `
[vehicle]
id = "veh-sec"

[nats]
token = "`+enc+`"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.NATS.Token != "sealed-token" {
		t.Errorf("nats.token = %q, want decrypted value", cfg.NATS.Token)
	}
}

func TestLoadConfig_EncryptedWithoutIdentity(t *testing.T) {
	identity, _ := secrets.GenerateKeyPair()
	enc, _ := secrets.Encrypt("sealed", identity.Recipient())

	t.Setenv(secrets.EnvAgeKey, "")
	t.Setenv(secrets.EnvAgeKeyFile, "")
	t.Setenv("HOME", t.TempDir())
	path := writeConfig(t, `
[vehicle]
id = "veh-sec"

[nats]
token = "`+enc+`"
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error when no identity can decrypt the config")
	}
}
