package rtp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDirection_String(t *testing.T) {
	tests := []struct {
		name      string
		direction Direction
		want      string
	}{
		{name: "SendRecv", direction: DirectionSendRecv, want: "sendrecv"},
		{name: "SendOnly", direction: DirectionSendOnly, want: "sendonly"},
		{name: "RecvOnly", direction: DirectionRecvOnly, want: "recvonly"},
		{name: "Inactive", direction: DirectionInactive, want: "inactive"},
		{name: "Unknown", direction: Direction(999), want: "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.direction.String())
		})
	}
}

func TestDirection_CanSendCanReceive(t *testing.T) {
	tests := []struct {
		direction  Direction
		canSend    bool
		canReceive bool
	}{
		{DirectionSendRecv, true, true},
		{DirectionSendOnly, true, false},
		{DirectionRecvOnly, false, true},
		{DirectionInactive, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.direction.String(), func(t *testing.T) {
			assert.Equal(t, tt.canSend, tt.direction.CanSend())
			assert.Equal(t, tt.canReceive, tt.direction.CanReceive())
		})
	}
}

func TestParseDirection(t *testing.T) {
	for _, d := range []Direction{DirectionSendRecv, DirectionSendOnly, DirectionRecvOnly, DirectionInactive} {
		parsed, ok := ParseDirection(d.String())
		assert.True(t, ok)
		assert.Equal(t, d, parsed)
	}

	_, ok := ParseDirection("sideways")
	assert.False(t, ok)
}

func TestDirection_ZeroValueIsSendRecv(t *testing.T) {
	// Нулевое значение конфигурации означает двунаправленный поток
	var d Direction
	assert.Equal(t, DirectionSendRecv, d)
}

func TestStaticClockRate(t *testing.T) {
	tests := []struct {
		pt     PayloadType
		rate   uint32
		static bool
	}{
		{PayloadTypePCMU, 8000, true},
		{PayloadTypePCMA, 8000, true},
		{PayloadTypeG722, 8000, true},
		{PayloadTypeDVI4_16K, 16000, true},
		{PayloadTypeL16_1CH, 44100, true},
		{PayloadTypeMPA, 90000, true},
		{PayloadType(96), 0, false},
		{PayloadType(111), 0, false},
	}

	for _, tt := range tests {
		rate, ok := StaticClockRate(tt.pt)
		assert.Equal(t, tt.static, ok, "payload type %d", tt.pt)
		assert.Equal(t, tt.rate, rate, "payload type %d", tt.pt)
	}
}

func TestSessionState_String(t *testing.T) {
	assert.Equal(t, "idle", SessionStateIdle.String())
	assert.Equal(t, "active", SessionStateActive.String())
	assert.Equal(t, "closed", SessionStateClosed.String())
	assert.Equal(t, "unknown", SessionState(42).String())
}
