package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func defaultTestConfig() *appConfig {
	return &appConfig{
		listenAddr:   ":54701",
		iface:        "socketcan",
		channel:      "can0",
		logFormat:    "text",
		logLevel:     "info",
		handshakeTO:  3 * time.Second,
		clientReadTO: 60 * time.Second,
		pollInterval: 500 * time.Millisecond,
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*appConfig)
		wantErr bool
	}{
		{"defaults pass", func(c *appConfig) {}, false},
		{"json log format", func(c *appConfig) { c.logFormat = "json" }, false},
		{"virtual interface", func(c *appConfig) { c.iface = "virtual" }, false},
		{"slcan interface", func(c *appConfig) { c.iface = "slcan"; c.channel = "/dev/ttyUSB0" }, false},
		{"bad log format", func(c *appConfig) { c.logFormat = "xml" }, true},
		{"bad log level", func(c *appConfig) { c.logLevel = "verbose" }, true},
		{"bad interface", func(c *appConfig) { c.iface = "pcan" }, true},
		{"empty channel", func(c *appConfig) { c.channel = "" }, true},
		{"zero handshake timeout", func(c *appConfig) { c.handshakeTO = 0 }, true},
		{"negative read timeout", func(c *appConfig) { c.clientReadTO = -time.Second }, true},
		{"zero poll interval", func(c *appConfig) { c.pollInterval = 0 }, true},
		{"negative max clients", func(c *appConfig) { c.maxClients = -1 }, true},
		{"positive max clients", func(c *appConfig) { c.maxClients = 8 }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultTestConfig()
			tc.mutate(cfg)
			err := cfg.validate()
			if tc.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CAN_REMOTE_LISTEN", ":6000")
	t.Setenv("CAN_REMOTE_INTERFACE", "virtual")
	t.Setenv("CAN_REMOTE_CHANNEL", "vcan9")
	t.Setenv("CAN_REMOTE_BITRATE", "250000")
	t.Setenv("CAN_REMOTE_MAX_CLIENTS", "4")
	t.Setenv("CAN_REMOTE_HANDSHAKE_TIMEOUT", "5s")
	t.Setenv("CAN_REMOTE_MDNS_ENABLE", "true")

	cfg := defaultTestConfig()
	if err := applyEnvOverrides(cfg, map[string]struct{}{}); err != nil {
		t.Fatalf("applyEnvOverrides: %v", err)
	}
	if cfg.listenAddr != ":6000" {
		t.Errorf("listenAddr = %q", cfg.listenAddr)
	}
	if cfg.iface != "virtual" || cfg.channel != "vcan9" {
		t.Errorf("bus config = %q/%q", cfg.iface, cfg.channel)
	}
	if cfg.bitrate != 250000 {
		t.Errorf("bitrate = %d", cfg.bitrate)
	}
	if cfg.maxClients != 4 {
		t.Errorf("maxClients = %d", cfg.maxClients)
	}
	if cfg.handshakeTO != 5*time.Second {
		t.Errorf("handshakeTO = %v", cfg.handshakeTO)
	}
	if !cfg.mdnsEnable {
		t.Error("mdnsEnable not applied")
	}
}

func TestEnvOverrides_FlagWins(t *testing.T) {
	t.Setenv("CAN_REMOTE_LISTEN", ":6000")
	t.Setenv("CAN_REMOTE_CHANNEL", "vcan9")

	cfg := defaultTestConfig()
	cfg.listenAddr = ":7000"
	set := map[string]struct{}{"listen": {}}
	if err := applyEnvOverrides(cfg, set); err != nil {
		t.Fatalf("applyEnvOverrides: %v", err)
	}
	if cfg.listenAddr != ":7000" {
		t.Errorf("explicit flag overridden: %q", cfg.listenAddr)
	}
	if cfg.channel != "vcan9" {
		t.Errorf("unset field not overridden: %q", cfg.channel)
	}
}

func TestEnvOverrides_InvalidValue(t *testing.T) {
	t.Setenv("CAN_REMOTE_BITRATE", "fast")
	cfg := defaultTestConfig()
	if err := applyEnvOverrides(cfg, map[string]struct{}{}); err == nil {
		t.Fatal("expected error for non-numeric bitrate")
	}
}

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "can-remoted.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestConfigFile_Overlay(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.configFile = writeConfigFile(t, `
listen: ":6010"
interface: slcan
channel: /dev/ttyACM0
bitrate: 125000
max_clients: 2
handshake_timeout: 10s
mdns_enable: true
`)
	if err := applyConfigFile(cfg, map[string]struct{}{}); err != nil {
		t.Fatalf("applyConfigFile: %v", err)
	}
	if cfg.listenAddr != ":6010" {
		t.Errorf("listenAddr = %q", cfg.listenAddr)
	}
	if cfg.iface != "slcan" || cfg.channel != "/dev/ttyACM0" {
		t.Errorf("bus config = %q/%q", cfg.iface, cfg.channel)
	}
	if cfg.bitrate != 125000 || cfg.maxClients != 2 {
		t.Errorf("bitrate/maxClients = %d/%d", cfg.bitrate, cfg.maxClients)
	}
	if cfg.handshakeTO != 10*time.Second {
		t.Errorf("handshakeTO = %v", cfg.handshakeTO)
	}
	if !cfg.mdnsEnable {
		t.Error("mdnsEnable not applied")
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("overlaid config invalid: %v", err)
	}
}

func TestConfigFile_FlagWinsOverFile(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.channel = "can5"
	cfg.configFile = writeConfigFile(t, "channel: vcan0\nbitrate: 125000\n")
	set := map[string]struct{}{"channel": {}}
	if err := applyConfigFile(cfg, set); err != nil {
		t.Fatalf("applyConfigFile: %v", err)
	}
	if cfg.channel != "can5" {
		t.Errorf("explicit flag overridden: %q", cfg.channel)
	}
	if cfg.bitrate != 125000 {
		t.Errorf("unset field not overlaid: %d", cfg.bitrate)
	}
}

func TestConfigFile_Errors(t *testing.T) {
	t.Run("unknown key rejected", func(t *testing.T) {
		cfg := defaultTestConfig()
		cfg.configFile = writeConfigFile(t, "chanel: vcan0\n")
		if err := applyConfigFile(cfg, map[string]struct{}{}); err == nil {
			t.Fatal("expected strict-mode error for unknown key")
		}
	})
	t.Run("bad duration rejected", func(t *testing.T) {
		cfg := defaultTestConfig()
		cfg.configFile = writeConfigFile(t, "handshake_timeout: soon\n")
		if err := applyConfigFile(cfg, map[string]struct{}{}); err == nil {
			t.Fatal("expected duration parse error")
		}
	})
	t.Run("missing file", func(t *testing.T) {
		cfg := defaultTestConfig()
		cfg.configFile = filepath.Join(t.TempDir(), "absent.yaml")
		if err := applyConfigFile(cfg, map[string]struct{}{}); err == nil {
			t.Fatal("expected read error")
		}
	})
}
