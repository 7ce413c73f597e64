package infra

import (
	"os"
	"path/filepath"
	"testing"
)

const testConfig = `
app:
  name: venuelink
  version: "0.1.0"
venue:
  name: sim
  ws_url: wss://example.com/ws
  symbols: [BTCUSDT, ETHUSDT]
engine:
  max_retries: 5
  requests_per_window: 20
  window_ms: 1000
  queue_capacity: 512
  queue_overflow_policy: dropOldest
logging:
  level: debug
`

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeTempConfig(t, testConfig))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Venue.Name != "sim" {
		t.Errorf("venue name = %s; want sim", cfg.Venue.Name)
	}
	if cfg.Engine.MaxRetries != 5 {
		t.Errorf("max_retries = %d; want 5", cfg.Engine.MaxRetries)
	}
	if cfg.Engine.QueueOverflowPolicy != OverflowDropOldest {
		t.Errorf("overflow policy = %s; want dropOldest", cfg.Engine.QueueOverflowPolicy)
	}

	// Defaults fill in unset fields.
	if cfg.Engine.HeartbeatIntervalMs != 30000 {
		t.Errorf("heartbeat interval default = %d; want 30000", cfg.Engine.HeartbeatIntervalMs)
	}
	if cfg.Engine.MaxReconnectAttempts != 10 {
		t.Errorf("max reconnect attempts default = %d; want 10", cfg.Engine.MaxReconnectAttempts)
	}
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("VENUELINK_ACCESS_KEY", "env-key")
	t.Setenv("VENUELINK_SECRET_KEY", "env-secret")

	cfg, err := LoadConfig(writeTempConfig(t, testConfig))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Venue.AccessKey != "env-key" {
		t.Errorf("access key = %s; want env-key", cfg.Venue.AccessKey)
	}
	if cfg.Venue.SecretKey != "env-secret" {
		t.Errorf("secret key not overridden from env")
	}
}

func TestConfig_ValidateRejectsBadPolicy(t *testing.T) {
	bad := testConfig + "\n"
	cfg, err := LoadConfig(writeTempConfig(t, bad))
	if err != nil {
		t.Fatalf("baseline config should load: %v", err)
	}

	cfg.Engine.QueueOverflowPolicy = "dropNewest"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for unknown overflow policy")
	}

	cfg.Engine.QueueOverflowPolicy = OverflowBlock
	cfg.Venue.WSURL = "http://not-a-ws-url"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for non-ws URL")
	}

	cfg.Venue.WSURL = "wss://example.com/ws"
	cfg.Engine.HeartbeatTimeoutMs = cfg.Engine.HeartbeatIntervalMs
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for heartbeat timeout <= interval")
	}
}
