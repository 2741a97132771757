// RTP Session - состояние отправителя и получателя RTP одного участника.
// Не владеет транспортом: формирует пакеты и учитывает принятые,
// отправку и прием выполняет координатор Session.
package rtp

import (
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/arzzra/rtp_lab/pkg/clock"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
)

// RTPSessionConfig конфигурация RTP сессии
type RTPSessionConfig struct {
	SSRC        uint32      // SSRC (если 0, будет сгенерирован)
	PayloadType PayloadType // Тип payload по умолчанию
	ClockRate   uint32      // Частота для динамических payload type

	// Начальные значения (если 0, будут сгенерированы случайно)
	InitialSequenceNumber uint16
	InitialTimestamp      uint32

	CollisionConfirmPackets int
	SourceTimeout           time.Duration

	Clock  clock.Clock
	Rand   *rand.Rand // Генератор для SSRC и начальных значений
	Logger *logrus.Entry

	// Обработчики событий источников (передаются в SourceManager)
	OnSourceAdded   func(SourceState)
	OnSourceRemoved func(SourceState)
	OnCollision     func(ssrc uint32, from net.Addr)
}

// SenderInfo данные отправителя для SR
type SenderInfo struct {
	RTPTimestamp uint32
	Packets      uint32 // За все время, по модулю 2^32
	Octets       uint32
}

// RTPSession локальное состояние RTP участника. Thread-safe.
type RTPSession struct {
	ssrc        uint32
	payloadType PayloadType
	clockRate   uint32
	clock       clock.Clock

	mutex         sync.Mutex
	sequencer     rtp.Sequencer
	baseTimestamp uint32
	start         time.Time

	// Статистика за все время
	packetsSent uint64
	octetsSent  uint64

	// Счетчики текущего цикла отчетов (сбрасываются после RTCP отчета)
	cyclePackets uint64
	cycleOctets  uint64

	sources *SourceManager
}

// NewRTPSession создает RTP сессию
func NewRTPSession(config RTPSessionConfig) (*RTPSession, error) {
	clockRate := config.ClockRate
	if rate, ok := StaticClockRate(config.PayloadType); ok {
		clockRate = rate
	}
	if clockRate == 0 {
		return nil, &ConfigurationError{
			Field:  "payload_clock_rate",
			Value:  config.ClockRate,
			Reason: "обязательна для динамического payload type",
		}
	}

	rng := config.Rand
	if rng == nil {
		seed := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(seed, seed>>1))
	}

	clk := config.Clock
	if clk == nil {
		clk = clock.System{}
	}

	// Генерируем SSRC если не задан
	ssrc := config.SSRC
	for ssrc == 0 {
		ssrc = rng.Uint32()
	}

	initialSeq := config.InitialSequenceNumber
	if initialSeq == 0 {
		initialSeq = uint16(rng.Uint32())
	}

	initialTS := config.InitialTimestamp
	if initialTS == 0 {
		initialTS = rng.Uint32()
	}

	logger := config.Logger
	if logger == nil {
		logger = logrus.WithField("component", "rtp_session")
	}

	return &RTPSession{
		ssrc:          ssrc,
		payloadType:   config.PayloadType,
		clockRate:     clockRate,
		clock:         clk,
		sequencer:     rtp.NewFixedSequencer(initialSeq),
		baseTimestamp: initialTS,
		start:         clk.Now(),
		sources: NewSourceManager(SourceManagerConfig{
			LocalSSRC:               ssrc,
			ClockRate:               clockRate,
			CollisionConfirmPackets: config.CollisionConfirmPackets,
			SourceTimeout:           config.SourceTimeout,
			Logger:                  logger,
			OnSourceAdded:           config.OnSourceAdded,
			OnSourceRemoved:         config.OnSourceRemoved,
			OnCollision:             config.OnCollision,
		}),
	}, nil
}

// clockRateFor частота для payload type: статическая таблица или частота сессии
func (rs *RTPSession) clockRateFor(pt PayloadType) uint32 {
	if rate, ok := StaticClockRate(pt); ok {
		return rate
	}
	return rs.clockRate
}

// timestampAt RTP timestamp момента now: базовое значение плюс прошедшие такты
func (rs *RTPSession) timestampAt(now time.Time, clockRate uint32) uint32 {
	elapsed := now.Sub(rs.start)
	if elapsed < 0 {
		elapsed = 0
	}
	return rs.baseTimestamp + uint32(durationToUnits(elapsed, clockRate))
}

// SendFrame формирует следующий RTP пакет. Никогда не завершается ошибкой.
// Номер увеличивается на 1 по модулю 2^16, timestamp следует за часами сессии.
func (rs *RTPSession) SendFrame(payload []byte, payloadType PayloadType, marker bool) *rtp.Packet {
	rs.mutex.Lock()
	defer rs.mutex.Unlock()

	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        RTPVersion,
			Marker:         marker,
			PayloadType:    uint8(payloadType),
			SequenceNumber: rs.sequencer.NextSequenceNumber(),
			Timestamp:      rs.timestampAt(rs.clock.Now(), rs.clockRateFor(payloadType)),
			SSRC:           rs.ssrc,
		},
		Payload: payload,
	}

	rs.packetsSent++
	rs.octetsSent += uint64(len(payload))
	rs.cyclePackets++
	rs.cycleOctets += uint64(len(payload))

	return packet
}

// OnPacket учитывает принятый RTP пакет
func (rs *RTPSession) OnPacket(packet *rtp.Packet, from net.Addr, arrival time.Time) ObserveResult {
	return rs.sources.Observe(packet.SSRC, from, Arrival{
		SequenceNumber: packet.SequenceNumber,
		Timestamp:      packet.Timestamp,
		PayloadSize:    len(packet.Payload),
		Time:           arrival,
	})
}

// SenderInfo данные отправителя на момент now
func (rs *RTPSession) SenderInfo(now time.Time) SenderInfo {
	rs.mutex.Lock()
	defer rs.mutex.Unlock()
	return rs.senderInfo(now)
}

func (rs *RTPSession) senderInfo(now time.Time) SenderInfo {
	return SenderInfo{
		RTPTimestamp: rs.timestampAt(now, rs.clockRate),
		Packets:      uint32(rs.packetsSent),
		Octets:       uint32(rs.octetsSent),
	}
}

// SentSinceReport отправлялись ли RTP пакеты с последнего отчета
func (rs *RTPSession) SentSinceReport() bool {
	rs.mutex.Lock()
	defer rs.mutex.Unlock()
	return rs.cyclePackets > 0
}

// TakeReportCycle закрывает цикл отчетов: возвращает данные отправителя и
// признак отправки RTP в этом цикле, затем сбрасывает счетчики цикла.
// Пакет, отправленный одновременно, попадает либо в этот цикл, либо в следующий.
func (rs *RTPSession) TakeReportCycle(now time.Time) (SenderInfo, bool) {
	rs.mutex.Lock()
	defer rs.mutex.Unlock()

	sent := rs.cyclePackets > 0
	info := rs.senderInfo(now)
	rs.cyclePackets = 0
	rs.cycleOctets = 0
	return info, sent
}

// GetSSRC возвращает SSRC
func (rs *RTPSession) GetSSRC() uint32 {
	return rs.ssrc
}

// GetPayloadType возвращает payload type по умолчанию
func (rs *RTPSession) GetPayloadType() PayloadType {
	return rs.payloadType
}

// GetClockRate возвращает частоту тактирования
func (rs *RTPSession) GetClockRate() uint32 {
	return rs.clockRate
}

// GetPacketsSent возвращает количество отправленных пакетов
func (rs *RTPSession) GetPacketsSent() uint64 {
	rs.mutex.Lock()
	defer rs.mutex.Unlock()
	return rs.packetsSent
}

// GetBytesSent возвращает количество отправленных байт полезной нагрузки
func (rs *RTPSession) GetBytesSent() uint64 {
	rs.mutex.Lock()
	defer rs.mutex.Unlock()
	return rs.octetsSent
}

// Sources менеджер удаленных источников
func (rs *RTPSession) Sources() *SourceManager {
	return rs.sources
}
