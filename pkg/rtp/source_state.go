package rtp

import (
	"math"
	"time"
)

// Arrival один принятый RTP пакет с точки зрения статистики
type Arrival struct {
	SequenceNumber uint16
	Timestamp      uint32
	PayloadSize    int
	Time           time.Time // Локальное время приема
}

// SourceState состояние приема от одного удаленного SSRC.
//
// Значение обновляется только чистой функцией NextSourceState, поэтому
// правила RFC 3550 (обертка номеров, джиттер) тестируются без таймеров и сокетов.
type SourceState struct {
	SSRC      uint32
	ClockRate uint32

	Initialized bool
	BaseSeq     uint16 // Первый принятый sequence number
	HighestSeq  uint16 // Наибольший номер (16 младших бит)
	Cycles      uint32 // Количество оберток номера
	BadSeq      uint16 // Ожидаемый номер после большого скачка (RFC 3550 A.1 bad_seq)
	HasBadSeq   bool
	Received    uint64 // Принято пакетов, включая дубликаты и опоздавшие
	Octets      uint64 // Принято байт полезной нагрузки

	// Джиттер, RFC 3550 Appendix A.8
	FirstArrival     time.Time // Опорный момент для перевода времени приема в единицы RTP
	LastArrivalUnits int64     // Время приема последнего пакета в единицах RTP
	LastTimestamp    uint32
	Jitter           float64 // В единицах RTP timestamp

	// Данные последнего SR от этого источника
	LastSRTimestamp uint32    // Средние 32 бита NTP
	LastSRReceipt   time.Time // Локальное время приема SR
	OneWayDelay     time.Duration

	FirstSeen time.Time
	LastSeen  time.Time
}

// NewSourceState создает неинициализированное состояние источника
func NewSourceState(ssrc, clockRate uint32) SourceState {
	return SourceState{SSRC: ssrc, ClockRate: clockRate}
}

// NextSourceState возвращает состояние после приема пакета.
//
// Номер, меньший наибольшего более чем на 32768, считается оберткой: Cycles
// увеличивается, HighestSeq становится новым номером. Немного опоздавшие пакеты
// (не более maxMisorder) учитываются в Received, но не двигают HighestSeq и Cycles.
//
// Остальные номера - большой скачок (RFC 3550 A.1). Одиночный такой пакет
// учитывается в Received и запоминается как BadSeq. Если следующий пакет
// продолжает новую нумерацию, отсчет начинается заново с пакета скачка.
func NextSourceState(s SourceState, a Arrival) SourceState {
	if s.FirstSeen.IsZero() {
		s.FirstSeen = a.Time
	}
	s.LastSeen = a.Time
	s.Received++
	s.Octets += uint64(a.PayloadSize)

	if !s.Initialized {
		s.Initialized = true
		return restartSequence(s, a, a.SequenceNumber, 1)
	}

	// Разница по модулю 2^16: меньше половины диапазона - пакет впереди
	switch delta := a.SequenceNumber - s.HighestSeq; {
	case delta == 0:
	case delta < 1<<15:
		if a.SequenceNumber < s.HighestSeq {
			s.Cycles++
		}
		s.HighestSeq = a.SequenceNumber
	case delta < 1<<16-maxMisorder:
		if s.HasBadSeq && a.SequenceNumber == s.BadSeq {
			// Источник перезапустил нумерацию, отсчет с предыдущего пакета
			return restartSequence(s, a, a.SequenceNumber-1, 2)
		}
		s.BadSeq = a.SequenceNumber + 1
		s.HasBadSeq = true
		return s
	}

	arrivalUnits := durationToUnits(a.Time.Sub(s.FirstArrival), s.ClockRate)
	d := (arrivalUnits - s.LastArrivalUnits) - int64(int32(a.Timestamp-s.LastTimestamp))
	s.Jitter = CalculateJitter(d, s.Jitter)
	s.LastArrivalUnits = arrivalUnits
	s.LastTimestamp = a.Timestamp

	return s
}

// maxMisorder насколько пакет может отстать от наибольшего номера и еще
// считаться опоздавшим, а не скачком нумерации
const maxMisorder = 100

// restartSequence начинает отсчет номеров с base. Джиттер сохраняется,
// опорная точка для него переносится на пакет a.
func restartSequence(s SourceState, a Arrival, base uint16, received uint64) SourceState {
	s.BaseSeq = base
	s.HighestSeq = a.SequenceNumber
	s.Cycles = 0
	s.Received = received
	s.HasBadSeq = false
	s.BadSeq = 0
	s.FirstArrival = a.Time
	s.LastArrivalUnits = 0
	s.LastTimestamp = a.Timestamp
	return s
}

// CalculateJitter вычисляет jitter согласно RFC 3550 Appendix A.8.
// d - разница времен прохождения двух последовательных пакетов в единицах RTP.
func CalculateJitter(d int64, jitter float64) float64 {
	fd := float64(d)
	if fd < 0 {
		fd = -fd
	}
	return jitter + (fd-jitter)/16.0
}

// durationToUnits переводит длительность в такты частоты clockRate без переполнения
func durationToUnits(d time.Duration, clockRate uint32) int64 {
	ns := d.Nanoseconds()
	rate := int64(clockRate)
	sec := ns / int64(time.Second)
	rem := ns % int64(time.Second)
	return sec*rate + rem*rate/int64(time.Second)
}

// ExtendedHighest расширенный наибольший номер: cycles<<16 | highest
func (s SourceState) ExtendedHighest() uint32 {
	return s.Cycles<<16 | uint32(s.HighestSeq)
}

// ExpectedCount количество ожидаемых пакетов
func (s SourceState) ExpectedCount() uint64 {
	if !s.Initialized {
		return 0
	}
	return uint64(s.ExtendedHighest()) - uint64(s.BaseSeq) + 1
}

// CumulativeLost ожидаемые минус принятые. Отрицательно при дубликатах.
func (s SourceState) CumulativeLost() int64 {
	return int64(s.ExpectedCount()) - int64(s.Received)
}

// LossFraction доля потерь в [0,1]
func (s SourceState) LossFraction() float64 {
	expected := s.ExpectedCount()
	if expected == 0 {
		return 0
	}
	lost := s.CumulativeLost()
	if lost <= 0 {
		return 0
	}
	return float64(lost) / float64(expected)
}

// FractionLost доля потерь в формате поля отчета: floor(ratio * 255)
func (s SourceState) FractionLost() uint8 {
	return uint8(math.Floor(s.LossFraction() * 255))
}

// JitterDuration джиттер в единицах времени
func (s SourceState) JitterDuration() time.Duration {
	if s.ClockRate == 0 {
		return 0
	}
	return time.Duration(s.Jitter / float64(s.ClockRate) * float64(time.Second))
}

// ReportBlock формирует блок отчета о приеме на момент now
func (s SourceState) ReportBlock(now time.Time) ReceptionReport {
	block := ReceptionReport{
		SSRC:           s.SSRC,
		FractionLost:   s.FractionLost(),
		CumulativeLost: clampCumulativeLost(s.CumulativeLost()),
		HighestSeqNum:  s.ExtendedHighest(),
		Jitter:         uint32(s.Jitter),
		LastSR:         s.LastSRTimestamp,
	}
	if s.LastSRTimestamp != 0 && !s.LastSRReceipt.IsZero() {
		block.DelaySinceLastSR = DurationToNTPShort(now.Sub(s.LastSRReceipt))
	}
	return block
}
