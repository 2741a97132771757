package rtp

import (
	"sync"
	"time"
)

// DefaultRTTWindow количество последних измерений RTT для скользящего среднего
const DefaultRTTWindow = 8

// ComputeRTT вычисляет RTT по блоку отчета согласно RFC 3550 Section 6.4.1:
// RTT = A - LSR - DLSR в единицах 1/65536 с, где A - момент приема отчета.
// Если LSR или DLSR равны нулю, RTT неизвестен. Отрицательный результат
// (рассинхронизация часов) также считается неизвестным.
func ComputeRTT(block ReceptionReport, arrival time.Time) (time.Duration, bool) {
	if block.LastSR == 0 || block.DelaySinceLastSR == 0 {
		return 0, false
	}

	a := NTPShort(NTPTimestamp(arrival))
	rtt := int64(a) - int64(block.LastSR) - int64(block.DelaySinceLastSR)
	// Обертка 32-битного времени
	if rtt < -(1 << 31) {
		rtt += 1 << 32
	}
	if rtt < 0 {
		return 0, false
	}

	return NTPShortToDuration(uint32(rtt)), true
}

// RTTEstimator хранит последнее измерение RTT и скользящее среднее окна.
// Thread-safe.
type RTTEstimator struct {
	mutex   sync.Mutex
	window  int
	samples []time.Duration
	last    time.Duration
	count   uint64
}

// NewRTTEstimator создает оценщик с окном window (0 = DefaultRTTWindow)
func NewRTTEstimator(window int) *RTTEstimator {
	if window <= 0 {
		window = DefaultRTTWindow
	}
	return &RTTEstimator{
		window:  window,
		samples: make([]time.Duration, 0, window),
	}
}

// Add добавляет измерение
func (e *RTTEstimator) Add(rtt time.Duration) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if len(e.samples) == e.window {
		copy(e.samples, e.samples[1:])
		e.samples = e.samples[:e.window-1]
	}
	e.samples = append(e.samples, rtt)
	e.last = rtt
	e.count++
}

// Last последнее измерение
func (e *RTTEstimator) Last() (time.Duration, bool) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.last, e.count > 0
}

// Average среднее по окну
func (e *RTTEstimator) Average() (time.Duration, bool) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if len(e.samples) == 0 {
		return 0, false
	}

	var sum time.Duration
	for _, s := range e.samples {
		sum += s
	}
	return sum / time.Duration(len(e.samples)), true
}

// Count общее количество измерений
func (e *RTTEstimator) Count() uint64 {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.count
}
