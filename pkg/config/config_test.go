package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arzzra/rtp_lab/pkg/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rtpsim.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	sessionConfig, err := cfg.SessionConfig()
	require.NoError(t, err)
	assert.Equal(t, rtp.PayloadTypePCMU, sessionConfig.PayloadType)
	assert.Equal(t, rtp.DirectionSendRecv, sessionConfig.Direction)
	assert.Equal(t, rtp.DefaultSchedulerConfig(), sessionConfig.RTCP)
	assert.Equal(t, rtp.DefaultQualityThresholds(), sessionConfig.Quality)
	assert.Equal(t, 20*time.Millisecond, cfg.Ptime())
	assert.Equal(t, 160, cfg.PayloadSize(8000))
}

func TestLoad(t *testing.T) {
	path := writeFile(t, `
mode: send
log_level: debug
session:
  local_ssrc: 305419896
  payload_type: 96
  payload_clock_rate: 48000
  direction: sendonly
  seed: 42
rtcp:
  interval_min: 1s
  interval_max: 2s
  min_interval: 500ms
  session_bandwidth: 64000
impairment:
  loss_probability: 0.05
  mean_delay_ms: 40
  jitter_stddev_ms: 10
  reorder_probability: 0.01
quality:
  max_jitter: 30ms
transport:
  local_addr: 127.0.0.1:7000
  remote_addr: 127.0.0.1:7002
  dscp: 46
traffic:
  packets: 100
  ptime: 10ms
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ModeSend, cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 100, cfg.Traffic.Packets)
	assert.Equal(t, 10*time.Millisecond, cfg.Ptime())
	assert.Equal(t, 480, cfg.PayloadSize(48000))
	// Незаданные поля остаются по умолчанию
	assert.Equal(t, 1500, cfg.Transport.BufferSize)

	sessionConfig, err := cfg.SessionConfig()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x12345678), sessionConfig.LocalSSRC)
	assert.Equal(t, rtp.PayloadType(96), sessionConfig.PayloadType)
	assert.Equal(t, uint32(48000), sessionConfig.PayloadClockRate)
	assert.Equal(t, rtp.DirectionSendOnly, sessionConfig.Direction)
	assert.Equal(t, int64(42), sessionConfig.Seed)
	assert.Equal(t, time.Second, sessionConfig.RTCP.IntervalMin)
	assert.Equal(t, 2*time.Second, sessionConfig.RTCP.IntervalMax)
	assert.Equal(t, 500*time.Millisecond, sessionConfig.RTCP.MinInterval)
	assert.Equal(t, 64000.0, sessionConfig.RTCP.SessionBandwidth)
	assert.Equal(t, rtp.DefaultBandwidthFraction, sessionConfig.RTCP.BandwidthFraction)
	assert.Equal(t, 0.05, sessionConfig.Impairment.LossProbability)
	assert.Equal(t, 40.0, sessionConfig.Impairment.MeanDelayMs)
	assert.Equal(t, 30*time.Millisecond, sessionConfig.Quality.MaxJitter)
	assert.Equal(t, 150*time.Millisecond, sessionConfig.Quality.MaxRTT)

	transportConfig := cfg.TransportConfig(cfg.Transport.LocalAddr)
	assert.Equal(t, "127.0.0.1:7000", transportConfig.LocalAddr)
	assert.Equal(t, 46, transportConfig.DSCP)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "session: [1, 2"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "impairment:\n  loss_probability: 2\n"))
	var cfgErr *rtp.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "impairment.loss_probability", cfgErr.Field)

	_, err = Load(writeFile(t, "impairment:\n  loss_probability: .nan\n"))
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "impairment.loss_probability", cfgErr.Field)

	_, err = Load(writeFile(t, "impairment:\n  mean_delay_ms: .inf\n"))
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "impairment.mean_delay_ms", cfgErr.Field)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*File)
		field  string
	}{
		{"unknown mode", func(f *File) { f.Mode = "relay" }, "mode"},
		{"send without remote", func(f *File) { f.Mode = ModeSend; f.Transport.RemoteAddr = "" }, "transport.remote_addr"},
		{"recv without local", func(f *File) { f.Mode = ModeRecv; f.Transport.LocalAddr = "" }, "transport.local_addr"},
		{"negative packets", func(f *File) { f.Traffic.Packets = -1 }, "traffic.packets"},
		{"zero ptime", func(f *File) { f.Traffic.Ptime = "0s" }, "traffic.ptime"},
		{"bad duration", func(f *File) { f.RTCP.IntervalMin = "soon" }, "rtcp.interval_min"},
		{"interval range", func(f *File) { f.RTCP.IntervalMin = "10s" }, "rtcp.interval_max"},
		{"direction", func(f *File) { f.Session.Direction = "both" }, "session.direction"},
		{"dynamic payload", func(f *File) { f.Session.PayloadType = 100 }, "payload_clock_rate"},
		{"reorder probability", func(f *File) { f.Impairment.ReorderProbability = -0.1 }, "impairment.reorder_probability"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)

			err := cfg.Validate()
			var cfgErr *rtp.ConfigurationError
			require.True(t, errors.As(err, &cfgErr), "ошибка %v", err)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}
