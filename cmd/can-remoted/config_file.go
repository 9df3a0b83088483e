package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// fileConfig mirrors appConfig for YAML loading. Pointer fields so absent
// keys are distinguishable from zero values.
type fileConfig struct {
	Listen             *string `yaml:"listen"`
	Interface          *string `yaml:"interface"`
	Channel            *string `yaml:"channel"`
	Bitrate            *uint   `yaml:"bitrate"`
	LogFormat          *string `yaml:"log_format"`
	LogLevel           *string `yaml:"log_level"`
	MetricsAddr        *string `yaml:"metrics_addr"`
	LogMetricsInterval *string `yaml:"log_metrics_interval"`
	MaxClients         *int    `yaml:"max_clients"`
	HandshakeTimeout   *string `yaml:"handshake_timeout"`
	ClientReadTimeout  *string `yaml:"client_read_timeout"`
	BusPollInterval    *string `yaml:"bus_poll_interval"`
	MDNSEnable         *bool   `yaml:"mdns_enable"`
	MDNSName           *string `yaml:"mdns_name"`
}

// applyConfigFile overlays values from the YAML file onto cfg for every
// field whose flag was not explicitly set. Environment variables are
// applied afterwards and win over the file.
func applyConfigFile(c *appConfig, set map[string]struct{}) error {
	raw, err := os.ReadFile(c.configFile)
	if err != nil {
		return err
	}
	var fc fileConfig
	if err := yaml.UnmarshalStrict(raw, &fc); err != nil {
		return fmt.Errorf("parse %s: %w", c.configFile, err)
	}
	setStr := func(flagName string, dst *string, src *string) {
		if src == nil {
			return
		}
		if _, ok := set[flagName]; ok {
			return
		}
		*dst = *src
	}
	setDur := func(flagName string, dst *time.Duration, src *string) error {
		if src == nil {
			return nil
		}
		if _, ok := set[flagName]; ok {
			return nil
		}
		d, err := time.ParseDuration(*src)
		if err != nil {
			return fmt.Errorf("%s: %w", flagName, err)
		}
		*dst = d
		return nil
	}
	setStr("listen", &c.listenAddr, fc.Listen)
	setStr("interface", &c.iface, fc.Interface)
	setStr("channel", &c.channel, fc.Channel)
	setStr("log-format", &c.logFormat, fc.LogFormat)
	setStr("log-level", &c.logLevel, fc.LogLevel)
	setStr("metrics-addr", &c.metricsAddr, fc.MetricsAddr)
	setStr("mdns-name", &c.mdnsName, fc.MDNSName)
	if fc.Bitrate != nil {
		if _, ok := set["bitrate"]; !ok {
			c.bitrate = *fc.Bitrate
		}
	}
	if fc.MaxClients != nil {
		if _, ok := set["max-clients"]; !ok {
			c.maxClients = *fc.MaxClients
		}
	}
	if fc.MDNSEnable != nil {
		if _, ok := set["mdns-enable"]; !ok {
			c.mdnsEnable = *fc.MDNSEnable
		}
	}
	if err := setDur("handshake-timeout", &c.handshakeTO, fc.HandshakeTimeout); err != nil {
		return err
	}
	if err := setDur("client-read-timeout", &c.clientReadTO, fc.ClientReadTimeout); err != nil {
		return err
	}
	if err := setDur("bus-poll-interval", &c.pollInterval, fc.BusPollInterval); err != nil {
		return err
	}
	if err := setDur("log-metrics-interval", &c.logMetricsEvery, fc.LogMetricsInterval); err != nil {
		return err
	}
	return nil
}
