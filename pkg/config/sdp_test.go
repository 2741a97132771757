package config

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/arzzra/rtp_lab/pkg/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamDescriptionRoundTrip(t *testing.T) {
	cfg := rtp.DefaultSessionConfig()
	cfg.LocalSSRC = 0xDEADBEEF
	cfg.PayloadType = 96
	cfg.PayloadClockRate = 48000
	cfg.Direction = rtp.DirectionSendOnly

	rtpAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5004}
	rtcpAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5005}

	desc, err := NewStreamDescription(cfg, rtpAddr, rtcpAddr, 20*time.Millisecond)
	require.NoError(t, err)
	desc.SessionID = 1

	data, err := desc.Marshal()
	require.NoError(t, err)

	text := string(data)
	assert.Contains(t, text, "m=audio 5004 RTP/AVP 96")
	assert.Contains(t, text, "a=rtpmap:96 SIM/48000")
	assert.Contains(t, text, "a=rtcp:5005")
	assert.Contains(t, text, "a=sendonly")
	assert.Contains(t, text, "a=ptime:20")

	parsed, err := ParseStreamDescription(data)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", parsed.Host)
	assert.Equal(t, 5004, parsed.RTPPort)
	assert.Equal(t, 5005, parsed.RTCPPort)
	assert.Equal(t, rtp.PayloadType(96), parsed.PayloadType)
	assert.Equal(t, uint32(48000), parsed.ClockRate)
	assert.Equal(t, "SIM", parsed.EncodingName)
	assert.Equal(t, 20*time.Millisecond, parsed.Ptime)
	assert.Equal(t, uint32(0xDEADBEEF), parsed.SSRC)
	assert.Equal(t, "deadbeef@rtpsim", parsed.CNAME)
	assert.Equal(t, rtp.DirectionSendOnly, parsed.Direction)

	// Получатель берет частоту и адреса из SDP отправителя
	recv := rtp.DefaultSessionConfig()
	parsed.Apply(&recv)
	assert.Equal(t, rtp.PayloadType(96), recv.PayloadType)
	assert.Equal(t, uint32(48000), recv.PayloadClockRate)
	assert.Equal(t, rtp.DirectionRecvOnly, recv.Direction)
	assert.Equal(t, "127.0.0.1:5004", recv.RemoteAddr.String())
	assert.Equal(t, "127.0.0.1:5005", recv.RemoteRTCPAddr.String())
	assert.NoError(t, recv.Validate())
}

func TestStreamDescriptionMux(t *testing.T) {
	cfg := rtp.DefaultSessionConfig()
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: 6000}

	desc, err := NewStreamDescription(cfg, addr, addr, 0)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", desc.Host)
	assert.Equal(t, uint32(8000), desc.ClockRate)

	data, err := desc.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), "a=rtcp-mux")
	assert.Contains(t, string(data), "a=rtpmap:0 PCMU/8000")
	assert.NotContains(t, string(data), "a=ssrc")

	parsed, err := ParseStreamDescription(data)
	require.NoError(t, err)
	assert.Zero(t, parsed.RTCPPort)
	assert.Equal(t, parsed.RTPAddr().String(), parsed.RTCPAddr().String())
	assert.Equal(t, rtp.DirectionSendRecv, parsed.Direction)
}

func TestParseStreamDescriptionStaticWithoutRtpmap(t *testing.T) {
	offer := strings.Join([]string{
		"v=0",
		"o=- 1 1 IN IP4 10.0.0.1",
		"s=call",
		"c=IN IP4 10.0.0.1",
		"t=0 0",
		"m=audio 4000 RTP/AVP 8",
		"",
	}, "\r\n")

	desc, err := ParseStreamDescription([]byte(offer))
	require.NoError(t, err)
	assert.Equal(t, rtp.PayloadTypePCMA, desc.PayloadType)
	assert.Equal(t, uint32(8000), desc.ClockRate)
	assert.Equal(t, "10.0.0.1:4000", desc.RTPAddr().String())
}

func TestParseStreamDescriptionErrors(t *testing.T) {
	header := "v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\ns=call\r\nt=0 0\r\n"

	tests := []struct {
		name string
		sdp  string
	}{
		{"garbage", "not sdp"},
		{"no audio", header + "m=video 4000 RTP/AVP 96\r\nc=IN IP4 10.0.0.1\r\n"},
		{"no connection", header + "m=audio 4000 RTP/AVP 0\r\n"},
		{"dynamic without rtpmap", header + "m=audio 4000 RTP/AVP 96\r\nc=IN IP4 10.0.0.1\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseStreamDescription([]byte(tt.sdp))
			assert.Error(t, err)
		})
	}
}

func TestEncodingName(t *testing.T) {
	assert.Equal(t, "PCMU", EncodingName(rtp.PayloadTypePCMU))
	assert.Equal(t, "G729", EncodingName(rtp.PayloadTypeG729))
	assert.Equal(t, "SIM", EncodingName(111))
}
