package rtp

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	addrA = &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5004}
	addrB = &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 5004}
)

func arrivalAt(seq uint16, at time.Time) Arrival {
	return Arrival{SequenceNumber: seq, Timestamp: uint32(seq) * 160, PayloadSize: 160, Time: at}
}

func TestSourceManagerCreatesSourceLazily(t *testing.T) {
	var added []uint32
	sm := NewSourceManager(SourceManagerConfig{
		LocalSSRC:     1,
		ClockRate:     8000,
		OnSourceAdded: func(s SourceState) { added = append(added, s.SSRC) },
	})

	assert.Equal(t, 0, sm.Count())
	assert.Equal(t, ObserveAccepted, sm.Observe(100, addrA, arrivalAt(1, testEpoch)))
	assert.Equal(t, ObserveAccepted, sm.Observe(100, addrA, arrivalAt(2, testEpoch)))
	assert.Equal(t, ObserveAccepted, sm.Observe(200, addrB, arrivalAt(9, testEpoch)))

	assert.Equal(t, 2, sm.Count())
	assert.Equal(t, []uint32{100, 200}, added)

	state, ok := sm.Source(100)
	require.True(t, ok)
	assert.Equal(t, uint64(2), state.Received)
	assert.Equal(t, uint32(8000), state.ClockRate)
}

func TestSourceManagerCollisionConfirmation(t *testing.T) {
	var collisions int
	sm := NewSourceManager(SourceManagerConfig{
		LocalSSRC:               1,
		ClockRate:               8000,
		CollisionConfirmPackets: 3,
		OnCollision:             func(uint32, net.Addr) { collisions++ },
	})

	for seq := uint16(0); seq < 5; seq++ {
		require.Equal(t, ObserveAccepted, sm.Observe(100, addrA, arrivalAt(seq, testEpoch)))
	}

	// Кратковременная коллизия: пакет с другого адреса, затем снова исходный
	assert.Equal(t, ObserveCollision, sm.Observe(100, addrB, arrivalAt(500, testEpoch)))
	assert.Equal(t, ObserveAccepted, sm.Observe(100, addrA, arrivalAt(5, testEpoch)))

	state, _ := sm.Source(100)
	assert.Equal(t, uint64(6), state.Received, "пакет коллизии не учитывается")
	assert.Equal(t, uint16(5), state.HighestSeq)

	// Устойчивая коллизия: третий пакет подряд с нового адреса подтверждает смену
	assert.Equal(t, ObserveCollision, sm.Observe(100, addrB, arrivalAt(900, testEpoch)))
	assert.Equal(t, ObserveCollision, sm.Observe(100, addrB, arrivalAt(901, testEpoch)))
	assert.Equal(t, ObserveRebound, sm.Observe(100, addrB, arrivalAt(902, testEpoch)))

	state, _ = sm.Source(100)
	assert.Equal(t, uint64(1), state.Received, "статистика начинается заново")
	assert.Equal(t, uint16(902), state.BaseSeq)

	// Теперь исходный адрес считается чужим
	assert.Equal(t, ObserveCollision, sm.Observe(100, addrA, arrivalAt(6, testEpoch)))

	remote, local := sm.Collisions()
	assert.Equal(t, uint64(4), remote)
	assert.Equal(t, uint64(0), local)
	assert.Equal(t, 4, collisions)
}

func TestSourceManagerLocalSSRCIgnored(t *testing.T) {
	sm := NewSourceManager(SourceManagerConfig{LocalSSRC: 77, ClockRate: 8000})

	assert.Equal(t, ObserveLocalCollision, sm.Observe(77, addrA, arrivalAt(1, testEpoch)))
	assert.Equal(t, 0, sm.Count())
	assert.False(t, sm.OnSenderReport(77, NTPTimestamp(testEpoch), testEpoch))

	_, local := sm.Collisions()
	assert.Equal(t, uint64(1), local)
}

func TestSourceManagerSenderReportFromUnknownSource(t *testing.T) {
	sm := NewSourceManager(SourceManagerConfig{LocalSSRC: 1, ClockRate: 8000})

	sent := testEpoch
	arrival := sent.Add(30 * time.Millisecond)
	require.True(t, sm.OnSenderReport(300, NTPTimestamp(sent), arrival))

	state, ok := sm.Source(300)
	require.True(t, ok)
	assert.False(t, state.Initialized)
	assert.Equal(t, NTPShort(NTPTimestamp(sent)), state.LastSRTimestamp)
	assert.Equal(t, arrival, state.LastSRReceipt)
	assert.InDelta(t, (30 * time.Millisecond).Seconds(), state.OneWayDelay.Seconds(), 1e-6)

	// Неинициализированный источник не попадает в отчеты
	assert.Empty(t, sm.ReportBlocks(arrival))

	// Первый RTP пакет инициализирует источник и сохраняет данные SR
	sm.Observe(300, addrA, arrivalAt(10, arrival))
	blocks := sm.ReportBlocks(arrival.Add(time.Second))
	require.Len(t, blocks, 1)
	assert.Equal(t, NTPShort(NTPTimestamp(sent)), blocks[0].LastSR)
	assert.Equal(t, uint32(65536), blocks[0].DelaySinceLastSR)
}

func TestSourceManagerReportBlocksLimit(t *testing.T) {
	sm := NewSourceManager(SourceManagerConfig{LocalSSRC: 1, ClockRate: 8000})
	for ssrc := uint32(100); ssrc < 140; ssrc++ {
		sm.Observe(ssrc, &net.UDPAddr{IP: net.IPv4(10, 0, 1, byte(ssrc)), Port: 5004}, arrivalAt(1, testEpoch))
	}

	blocks := sm.ReportBlocks(testEpoch)
	assert.Len(t, blocks, MaxReportBlocks)
	assert.Equal(t, uint32(100), blocks[0].SSRC, "блоки упорядочены по SSRC")
}

func TestSourceManagerExpire(t *testing.T) {
	var removed []uint32
	sm := NewSourceManager(SourceManagerConfig{
		LocalSSRC:       1,
		ClockRate:       8000,
		SourceTimeout:   10 * time.Second,
		OnSourceRemoved: func(s SourceState) { removed = append(removed, s.SSRC) },
	})

	sm.Observe(100, addrA, arrivalAt(1, testEpoch))
	sm.Observe(200, addrB, arrivalAt(1, testEpoch.Add(8*time.Second)))

	assert.Empty(t, sm.Expire(testEpoch.Add(10*time.Second)))
	assert.Equal(t, []uint32{100}, sm.Expire(testEpoch.Add(11*time.Second)))
	assert.Equal(t, []uint32{100}, removed)
	assert.Equal(t, 1, sm.Count())
}

func TestObserveResultString(t *testing.T) {
	assert.Equal(t, "accepted", ObserveAccepted.String())
	assert.Equal(t, "collision", ObserveCollision.String())
	assert.Equal(t, "rebound", ObserveRebound.String())
	assert.Equal(t, "local_collision", ObserveLocalCollision.String())
}
