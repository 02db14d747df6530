package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gregtusar/flowsignal/pkg/signals"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("explicit missing config file should fail, got %+v", cfg)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Feed.ProductID != "BTC-USD" || cfg.Feed.Depth != 100 {
		t.Errorf("feed = %+v", cfg.Feed)
	}
	if cfg.Feed.MinPublishInterval != 100*time.Millisecond || cfg.Execution.PollInterval != 2*time.Second {
		t.Errorf("durations = %v / %v", cfg.Feed.MinPublishInterval, cfg.Execution.PollInterval)
	}
	if cfg.Coinbase.WebSocket.URL != "wss://advanced-trade-ws.coinbase.com" {
		t.Errorf("websocket url = %q", cfg.Coinbase.WebSocket.URL)
	}
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
feed:
  product_id: ETH-USD
  min_publish_interval: 250ms
simulation:
  store: memory
signals:
  algorithms:
    imbalance:
      min_confidence: 0.8
      custom_parameters:
        buyThreshold: 2.5
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("COINBASE_OAUTH_TOKEN", "tok")
	t.Setenv("FLOWSIGNAL_LOGGING_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Feed.ProductID != "ETH-USD" || cfg.Feed.MinPublishInterval != 250*time.Millisecond {
		t.Errorf("feed = %+v", cfg.Feed)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q", cfg.Logging.Level)
	}
	if cfg.Coinbase.OAuthToken != "tok" {
		t.Errorf("oauth token = %q", cfg.Coinbase.OAuthToken)
	}

	imb := cfg.AlgorithmConfig(signals.ImbalanceID, signals.DefaultImbalanceConfig())
	if !imb.Enabled || imb.MinConfidence != 0.8 {
		t.Errorf("imbalance = %+v", imb)
	}
	if imb.Param("buyThreshold", 0) != 2.5 || imb.Param("sellThreshold", 0) != 0.67 {
		t.Errorf("custom parameters = %+v", imb.CustomParameters)
	}
	vel := cfg.AlgorithmConfig(signals.VelocityID, signals.DefaultVelocityConfig())
	if !vel.Enabled || vel.Param("depth", 0) != 10 {
		t.Errorf("velocity = %+v", vel)
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		Feed:       FeedConfig{ProductID: "BTC-USD"},
		Coinbase:   CoinbaseConfig{AuthType: "jwt"},
		Simulation: SimulationConfig{Store: "file"},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	cfg.Simulation.Store = "s3"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown store")
	}
}
