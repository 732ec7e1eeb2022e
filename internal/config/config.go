package config

import (
	"fmt"
	"os"
	"strconv"
)

// Default configuration values.
const (
	DefaultAddr     = ":8080"
	DefaultLogLevel = "info"
	DefaultListenIP = "0.0.0.0"

	DefaultRTCMinPort uint16 = 40000
	DefaultRTCMaxPort uint16 = 49999
)

// Config holds application configuration.
type Config struct {
	// Addr is the HTTP listen address for signaling, health and metrics.
	Addr string

	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// ListenIP is the address the media engine binds RTC traffic to.
	ListenIP string

	// AnnouncedIP, when set, replaces ListenIP in ICE candidates handed to
	// clients (for servers behind NAT).
	AnnouncedIP string

	// RTCMinPort and RTCMaxPort bound the engine's RTC port range.
	RTCMinPort uint16
	RTCMaxPort uint16
}

// Options for loading config with CLI flag overrides.
type Options struct {
	Addr        string
	LogLevel    string
	ListenIP    string
	AnnouncedIP string
	RTCMinPort  uint16
	RTCMaxPort  uint16
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	cfg := &Config{
		Addr:        stringValue(opts.Addr, "ADDR", DefaultAddr),
		LogLevel:    stringValue(opts.LogLevel, "LOG_LEVEL", DefaultLogLevel),
		ListenIP:    stringValue(opts.ListenIP, "RTC_LISTEN_IP", DefaultListenIP),
		AnnouncedIP: stringValue(opts.AnnouncedIP, "RTC_ANNOUNCED_IP", ""),
	}

	var err error
	if cfg.RTCMinPort, err = portValue(opts.RTCMinPort, "RTC_MIN_PORT", DefaultRTCMinPort); err != nil {
		return nil, err
	}
	if cfg.RTCMaxPort, err = portValue(opts.RTCMaxPort, "RTC_MAX_PORT", DefaultRTCMaxPort); err != nil {
		return nil, err
	}
	if cfg.RTCMaxPort < cfg.RTCMinPort {
		return nil, fmt.Errorf("rtc port range inverted: %d-%d", cfg.RTCMinPort, cfg.RTCMaxPort)
	}

	return cfg, nil
}

func stringValue(flag, envKey, fallback string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return fallback
}

func portValue(flag uint16, envKey string, fallback uint16) (uint16, error) {
	if flag != 0 {
		return flag, nil
	}
	if v := os.Getenv(envKey); v != "" {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q: %w", envKey, v, err)
		}
		return uint16(n), nil
	}
	return fallback, nil
}
