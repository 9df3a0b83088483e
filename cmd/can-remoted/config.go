package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	listenAddr      string
	iface           string // socketcan|slcan|virtual
	channel         string
	bitrate         uint
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	maxClients      int
	handshakeTO     time.Duration
	clientReadTO    time.Duration
	pollInterval    time.Duration
	mdnsEnable      bool
	mdnsName        string
	configFile      string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	listen := flag.String("listen", ":54701", "TCP listen address")
	iface := flag.String("interface", "socketcan", "Bus interface: socketcan|slcan|virtual")
	channel := flag.String("channel", "can0", "Channel identifier (interface name or serial device path)")
	bitrate := flag.Uint("bitrate", 0, "Bus bitrate in bit/s (0 = adopt the client's requested bitrate)")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	maxClients := flag.Int("max-clients", 0, "Maximum simultaneous TCP clients (0 = unlimited)")
	handshakeTO := flag.Duration("handshake-timeout", 3*time.Second, "Client handshake timeout")
	clientReadTO := flag.Duration("client-read-timeout", 60*time.Second, "Per-connection read deadline")
	pollInterval := flag.Duration("bus-poll-interval", 500*time.Millisecond, "Bounded wait per bus receive poll")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default can-remoted-<hostname>)")
	configFile := flag.String("config", "", "Optional YAML config file (lowest precedence)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over
	// env and file values.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.listenAddr = *listen
	cfg.iface = *iface
	cfg.channel = *channel
	cfg.bitrate = *bitrate
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.maxClients = *maxClients
	cfg.handshakeTO = *handshakeTO
	cfg.clientReadTO = *clientReadTO
	cfg.pollInterval = *pollInterval
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName
	cfg.configFile = *configFile

	if cfg.configFile != "" {
		if err := applyConfigFile(cfg, setFlags); err != nil {
			fmt.Printf("config file error: %v\n", err)
			return nil, *showVersion
		}
	}
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners – only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.iface {
	case "socketcan", "slcan", "virtual":
	default:
		return fmt.Errorf("invalid interface: %s", c.iface)
	}
	if c.channel == "" {
		return errors.New("channel must not be empty")
	}
	if c.handshakeTO <= 0 {
		return fmt.Errorf("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.pollInterval <= 0 {
		return fmt.Errorf("bus-poll-interval must be > 0")
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	return nil
}

// applyEnvOverrides maps CAN_REMOTE_* environment variables to config
// fields unless a corresponding flag was explicitly set. Empty values are
// ignored. Durations accept Go time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	if _, ok := set["listen"]; !ok {
		if v, ok := get("CAN_REMOTE_LISTEN"); ok && v != "" {
			c.listenAddr = v
		}
	}
	if _, ok := set["interface"]; !ok {
		if v, ok := get("CAN_REMOTE_INTERFACE"); ok && v != "" {
			c.iface = v
		}
	}
	if _, ok := set["channel"]; !ok {
		if v, ok := get("CAN_REMOTE_CHANNEL"); ok && v != "" {
			c.channel = v
		}
	}
	if _, ok := set["bitrate"]; !ok {
		if v, ok := get("CAN_REMOTE_BITRATE"); ok && v != "" {
			if n, err := strconv.ParseUint(v, 10, 32); err == nil {
				c.bitrate = uint(n)
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_REMOTE_BITRATE: %w", err)
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("CAN_REMOTE_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("CAN_REMOTE_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("CAN_REMOTE_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["max-clients"]; !ok {
		if v, ok := get("CAN_REMOTE_MAX_CLIENTS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				c.maxClients = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_REMOTE_MAX_CLIENTS: %w", err)
			}
		}
	}
	if _, ok := set["handshake-timeout"]; !ok {
		if v, ok := get("CAN_REMOTE_HANDSHAKE_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.handshakeTO = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_REMOTE_HANDSHAKE_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["client-read-timeout"]; !ok {
		if v, ok := get("CAN_REMOTE_CLIENT_READ_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.clientReadTO = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_REMOTE_CLIENT_READ_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["bus-poll-interval"]; !ok {
		if v, ok := get("CAN_REMOTE_BUS_POLL_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.pollInterval = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_REMOTE_BUS_POLL_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("CAN_REMOTE_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("CAN_REMOTE_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("CAN_REMOTE_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CAN_REMOTE_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	return firstErr
}
