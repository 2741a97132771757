package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arzzra/rtp_lab/pkg/config"
	"github.com/arzzra/rtp_lab/pkg/stats_log"
	"github.com/google/gopacket/pcapgo"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunSim(t *testing.T) {
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Traffic.Packets = 20
	cfg.Traffic.Ptime = "5ms"
	cfg.Traffic.Linger = "300ms"
	cfg.RTCP.IntervalMin = "50ms"
	cfg.RTCP.IntervalMax = "50ms"
	cfg.RTCP.MinInterval = "50ms"
	cfg.Session.Seed = 7
	cfg.Impairment.MeanDelayMs = 5
	cfg.Output.CSV = filepath.Join(dir, "rtcp_log.csv")
	cfg.Output.PCAP = filepath.Join(dir, "sim.pcap")
	require.NoError(t, cfg.Validate())

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, run(ctx, cfg, logrus.NewEntry(logger)))

	data, err := os.ReadFile(cfg.Output.CSV)
	require.NoError(t, err)
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Equal(t, stats_log.Header, records[0])
	assert.Greater(t, len(records), 1, "ни одного отчета не записано")

	pcapData, err := os.ReadFile(cfg.Output.PCAP)
	require.NoError(t, err)
	reader, err := pcapgo.NewReader(bytes.NewReader(pcapData))
	require.NoError(t, err)

	frames := 0
	for {
		if _, _, err := reader.ReadPacketData(); err != nil {
			break
		}
		frames++
	}
	// 20 RTP пакетов и RTCP отчеты обеих сторон
	assert.Greater(t, frames, 20)
}
