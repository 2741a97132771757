package rtp

import (
	"errors"
	"testing"
	"time"

	"github.com/arzzra/rtp_lab/pkg/clock"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRTPSession(t *testing.T, clk clock.Clock, initialSeq uint16) *RTPSession {
	t.Helper()
	session, err := NewRTPSession(RTPSessionConfig{
		SSRC:                  0x11223344,
		PayloadType:           PayloadTypePCMU,
		InitialSequenceNumber: initialSeq,
		InitialTimestamp:      1000,
		Clock:                 clk,
	})
	require.NoError(t, err)
	return session
}

// assertSamePacket сравнивает пакеты по полям заголовка и полезной нагрузке
func assertSamePacket(t *testing.T, want, got *rtp.Packet) {
	t.Helper()
	assert.Equal(t, uint8(RTPVersion), got.Version)
	assert.Equal(t, want.Padding, got.Padding)
	assert.Equal(t, want.Marker, got.Marker)
	assert.Equal(t, want.PayloadType, got.PayloadType)
	assert.Equal(t, want.SequenceNumber, got.SequenceNumber)
	assert.Equal(t, want.Timestamp, got.Timestamp)
	assert.Equal(t, want.SSRC, got.SSRC)
	assert.Equal(t, len(want.CSRC), len(got.CSRC))
	for i := range want.CSRC {
		assert.Equal(t, want.CSRC[i], got.CSRC[i])
	}
	assert.Equal(t, want.Payload, got.Payload)
}

func TestRTPRoundTripAndSequenceContinuity(t *testing.T) {
	clk := clock.NewManual(testEpoch)
	// Начинаем рядом с границей, чтобы пройти через переполнение
	session := newTestRTPSession(t, clk, 65530)

	var prev *rtp.Packet
	for i := 0; i < 20; i++ {
		payload := []byte{byte(i), 0xAA, 0xBB}
		packet := session.SendFrame(payload, PayloadTypePCMU, i == 0)

		data, err := EncodeRTP(packet)
		require.NoError(t, err)

		decoded, err := DecodeRTP(data)
		require.NoError(t, err)
		assertSamePacket(t, packet, decoded)

		if prev != nil {
			assert.Equal(t, prev.SequenceNumber+1, packet.SequenceNumber, "номер должен расти ровно на 1")
			assert.Equal(t, prev.Timestamp+160, packet.Timestamp, "20 мс при 8 кГц = 160 тактов")
		}
		prev = packet
		clk.Advance(20 * time.Millisecond)
	}

	assert.Equal(t, uint16(13), prev.SequenceNumber, "65530 + 19 по модулю 2^16")
	assert.Equal(t, uint64(20), session.GetPacketsSent())
	assert.Equal(t, uint64(60), session.GetBytesSent())
}

func TestRTPRoundTripWithCSRC(t *testing.T) {
	packet := &rtp.Packet{
		Header: rtp.Header{
			Marker:         true,
			PayloadType:    96,
			SequenceNumber: 7,
			Timestamp:      0xFFFFFFF0,
			SSRC:           42,
			CSRC:           []uint32{1, 2, 3},
		},
		Payload: []byte("payload"),
	}

	data, err := EncodeRTP(packet)
	require.NoError(t, err)
	assert.Len(t, data, RTPHeaderSize+3*4+len("payload"))

	decoded, err := DecodeRTP(data)
	require.NoError(t, err)
	assertSamePacket(t, packet, decoded)
}

func TestDecodeRTPCopiesBuffer(t *testing.T) {
	packet := &rtp.Packet{Header: rtp.Header{SequenceNumber: 1, SSRC: 5}, Payload: []byte{1, 2, 3}}
	data, err := EncodeRTP(packet)
	require.NoError(t, err)

	decoded, err := DecodeRTP(data)
	require.NoError(t, err)

	// Переиспользование буфера не меняет разобранный пакет
	for i := range data {
		data[i] = 0
	}
	assert.Equal(t, []byte{1, 2, 3}, decoded.Payload)
}

func TestEncodeRTPRejectsImpossiblePackets(t *testing.T) {
	_, err := EncodeRTP(nil)
	assert.Error(t, err)

	_, err = EncodeRTP(&rtp.Packet{Header: rtp.Header{PayloadType: 200}})
	assert.Error(t, err)

	_, err = EncodeRTP(&rtp.Packet{Header: rtp.Header{CSRC: make([]uint32, 16)}})
	assert.Error(t, err)
}

func TestDecodeRTPErrors(t *testing.T) {
	valid, err := EncodeRTP(&rtp.Packet{Header: rtp.Header{SequenceNumber: 1, SSRC: 9}, Payload: []byte{1}})
	require.NoError(t, err)

	versionOne := append([]byte(nil), valid...)
	versionOne[0] = (versionOne[0] & 0x3F) | 1<<6

	csrcMismatch := append([]byte(nil), valid[:RTPHeaderSize]...)
	csrcMismatch[0] |= 0x03 // заявлено 3 CSRC, но их нет

	tests := []struct {
		name     string
		data     []byte
		kind     DecodeErrorKind
		sentinel error
	}{
		{"empty", nil, MalformedHeader, ErrMalformedHeader},
		{"truncated header", valid[:8], MalformedHeader, ErrMalformedHeader},
		{"version 1", versionOne, UnsupportedVersion, ErrUnsupportedVersion},
		{"csrc count mismatch", csrcMismatch, MalformedHeader, ErrMalformedHeader},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			packet, err := DecodeRTP(tt.data)
			require.Error(t, err)
			assert.Nil(t, packet, "частично разобранный пакет не возвращается")

			var decodeErr *DecodeError
			require.True(t, errors.As(err, &decodeErr))
			assert.Equal(t, tt.kind, decodeErr.Kind)
			assert.Equal(t, "rtp", decodeErr.Protocol)
			assert.True(t, errors.Is(err, tt.sentinel))
		})
	}
}

func TestDecodeErrorKindString(t *testing.T) {
	assert.Equal(t, "malformed_header", MalformedHeader.String())
	assert.Equal(t, "length_mismatch", LengthMismatch.String())
	assert.Equal(t, "unsupported_version", UnsupportedVersion.String())
}
