package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(Options{})
	require.NoError(t, err)
	require.Equal(t, DefaultAddr, cfg.Addr)
	require.Equal(t, DefaultLogLevel, cfg.LogLevel)
	require.Equal(t, DefaultListenIP, cfg.ListenIP)
	require.Empty(t, cfg.AnnouncedIP)
	require.Equal(t, DefaultRTCMinPort, cfg.RTCMinPort)
	require.Equal(t, DefaultRTCMaxPort, cfg.RTCMaxPort)
}

func TestLoadFlagsBeatEnv(t *testing.T) {
	t.Setenv("ADDR", ":9000")
	t.Setenv("RTC_MIN_PORT", "20000")

	cfg, err := Load(Options{Addr: ":7000", RTCMinPort: 30000, RTCMaxPort: 30100})
	require.NoError(t, err)
	require.Equal(t, ":7000", cfg.Addr)
	require.Equal(t, uint16(30000), cfg.RTCMinPort)
	require.Equal(t, uint16(30100), cfg.RTCMaxPort)
}

func TestLoadEnvBeatsDefaults(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("RTC_ANNOUNCED_IP", "203.0.113.7")
	t.Setenv("RTC_MAX_PORT", "48000")

	cfg, err := Load(Options{})
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "203.0.113.7", cfg.AnnouncedIP)
	require.Equal(t, uint16(48000), cfg.RTCMaxPort)
}

func TestLoadRejectsBadPorts(t *testing.T) {
	t.Setenv("RTC_MIN_PORT", "not-a-port")
	_, err := Load(Options{})
	require.Error(t, err)

	_, err = Load(Options{RTCMinPort: 50000, RTCMaxPort: 40000})
	require.Error(t, err)
}
