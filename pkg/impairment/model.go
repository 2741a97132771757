// Package impairment эмулирует ненадежную сеть для исходящих датаграмм.
//
// Model вероятностно решает судьбу каждой датаграммы:
//   - потеря (датаграмма никогда не доходит до транспорта)
//   - задержка: средняя задержка + нормальный шум, не меньше нуля
//   - переупорядочивание с ограниченным окном просмотра назад
//
// Содержимое датаграмм не меняется: модель влияет только на время и факт доставки.
// Очередь доставки - min-heap по запланированному времени, доставка выполняется
// отдельным циклом Run на часах clock.Clock, поэтому Enqueue никогда не блокирует
// отправителя.
package impairment

import (
	"container/heap"
	"context"
	"math"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/arzzra/rtp_lab/pkg/clock"
	"github.com/sirupsen/logrus"
)

// Decision результат постановки датаграммы в модель
type Decision int

const (
	DecisionScheduled Decision = iota // Запланирована доставка
	DecisionDropped                   // Потеряна сетью (симуляция)
	DecisionDiscarded                 // Отброшена: владелец не подключен или отключен
)

func (d Decision) String() string {
	switch d {
	case DecisionScheduled:
		return "scheduled"
	case DecisionDropped:
		return "dropped"
	case DecisionDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Packet датаграмма в пути
type Packet struct {
	Owner      string    // Идентификатор сессии-отправителя
	Data       []byte    // Байты датаграммы (копия, не изменяются)
	Dest       net.Addr  // Адрес назначения
	EnqueuedAt time.Time // Время постановки в очередь
	DeliverAt  time.Time // Время доставки (заполняется при доставке)
	Reordered  bool      // Пакет обогнал более ранний пакет
}

// DeliverFunc получает доставленную датаграмму. Вызывается вне блокировок модели.
type DeliverFunc func(Packet)

// Observer получает уведомления о судьбе датаграмм (метрики, захват трафика)
type Observer interface {
	PacketDropped(Packet)
	PacketDelivered(Packet)
}

// Stats статистика модели
type Stats struct {
	Enqueued  uint64
	Dropped   uint64
	Reordered uint64
	Delivered uint64
	Discarded uint64
	Pending   int
}

type owner struct {
	deliver DeliverFunc
	recent  []*entry // Последние запланированные пакеты для окна переупорядочивания
}

// Model эмулятор сети. Может разделяться несколькими сессиями (владельцами).
type Model struct {
	config Config
	clock  clock.Clock
	logger *logrus.Entry

	mu        sync.Mutex
	rng       *rand.Rand
	queue     deliveryHeap
	order     uint64
	owners    map[string]*owner
	observers []Observer
	stats     Stats

	wake chan struct{}
}

// NewModel создает модель искажений. Конфигурация проверяется, seed из
// config.Seed задает детерминированную последовательность решений.
func NewModel(config Config, clk clock.Clock) (*Model, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.System{}
	}

	seed := uint64(config.Seed)
	m := &Model{
		config: config,
		clock:  clk,
		logger: logrus.WithField("component", "impairment"),
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		owners: make(map[string]*owner),
		wake:   make(chan struct{}, 1),
	}
	heap.Init(&m.queue)

	return m, nil
}

// SetLogger заменяет логгер модели
func (m *Model) SetLogger(logger *logrus.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = logger
}

// AddObserver подписывает наблюдателя на потери и доставки
func (m *Model) AddObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// Config возвращает конфигурацию модели
func (m *Model) Config() Config {
	return m.config
}

// Attach регистрирует владельца и функцию доставки его датаграмм
func (m *Model) Attach(ownerID string, deliver DeliverFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[ownerID] = &owner{deliver: deliver}
}

// Detach отключает владельца. Все его еще не доставленные датаграммы
// отбрасываются и никогда не будут доставлены. Возвращает их количество.
func (m *Model) Detach(ownerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.owners, ownerID)

	kept := m.queue[:0]
	discarded := 0
	for _, e := range m.queue {
		if e.pkt.Owner == ownerID {
			e.index = -1
			discarded++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(m.queue); i++ {
		m.queue[i] = nil
	}
	m.queue = kept
	for i, e := range m.queue {
		e.index = i
	}
	heap.Init(&m.queue)

	m.stats.Discarded += uint64(discarded)
	if discarded > 0 {
		m.logger.WithFields(logrus.Fields{
			"owner":     ownerID,
			"discarded": discarded,
		}).Debug("Отброшены недоставленные датаграммы владельца")
	}

	return discarded
}

// Enqueue ставит датаграмму в сеть. Никогда не блокирует.
func (m *Model) Enqueue(ownerID string, data []byte, dest net.Addr) Decision {
	m.mu.Lock()

	now := m.clock.Now()
	pkt := Packet{
		Owner:      ownerID,
		Data:       append([]byte(nil), data...),
		Dest:       dest,
		EnqueuedAt: now,
	}

	own, attached := m.owners[ownerID]
	if !attached {
		m.stats.Discarded++
		m.mu.Unlock()
		return DecisionDiscarded
	}

	m.stats.Enqueued++

	// Потеря
	if m.rng.Float64() < m.config.LossProbability {
		m.stats.Dropped++
		observers := m.observers
		m.mu.Unlock()

		for _, o := range observers {
			o.PacketDropped(pkt)
		}
		return DecisionDropped
	}

	// Задержка
	delayMs := m.config.MeanDelayMs
	if m.config.JitterStdDevMs > 0 {
		delayMs += m.rng.NormFloat64() * m.config.JitterStdDevMs
	}
	delayMs = math.Max(0, delayMs)
	delay := time.Duration(delayMs * float64(time.Millisecond))

	m.order++
	e := &entry{pkt: pkt, at: now.Add(delay), order: m.order}
	heap.Push(&m.queue, e)

	// Переупорядочивание: новый пакет меняется ключами доставки с более
	// ранним ожидающим пакетом из окна. Каждый пакет участвует максимум
	// в одном обмене, поэтому сдвиг не превышает размер окна.
	if m.config.ReorderProbability > 0 && m.rng.Float64() < m.config.ReorderProbability {
		if prev := m.swapCandidate(own); prev != nil && prev.before(e) {
			e.at, prev.at = prev.at, e.at
			e.order, prev.order = prev.order, e.order
			e.swapped, prev.swapped = true, true
			e.pkt.Reordered = true
			heap.Fix(&m.queue, e.index)
			heap.Fix(&m.queue, prev.index)
			m.stats.Reordered++
		}
	}

	own.recent = append(own.recent, e)
	if window := m.config.reorderWindow(); len(own.recent) > window {
		own.recent = own.recent[len(own.recent)-window:]
	}

	m.mu.Unlock()

	// Будим цикл доставки, не блокируясь
	select {
	case m.wake <- struct{}{}:
	default:
	}

	return DecisionScheduled
}

// swapCandidate ищет самый свежий еще не доставленный и не переставленный
// пакет владельца в окне
func (m *Model) swapCandidate(own *owner) *entry {
	for i := len(own.recent) - 1; i >= 0; i-- {
		if e := own.recent[i]; e.index >= 0 && !e.swapped {
			return e
		}
	}
	return nil
}

// NextDeadline возвращает время ближайшей доставки
func (m *Model) NextDeadline() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) == 0 {
		return time.Time{}, false
	}
	return m.queue[0].at, true
}

// DeliverDue доставляет все датаграммы со временем доставки <= now в порядке очереди.
// Возвращает количество доставленных датаграмм.
func (m *Model) DeliverDue(now time.Time) int {
	type dispatch struct {
		pkt     Packet
		deliver DeliverFunc
	}

	m.mu.Lock()
	batch := make([]dispatch, 0)
	for len(m.queue) > 0 && !m.queue[0].at.After(now) {
		e := heap.Pop(&m.queue).(*entry)
		own, ok := m.owners[e.pkt.Owner]
		if !ok {
			m.stats.Discarded++
			continue
		}
		e.pkt.DeliverAt = e.at
		batch = append(batch, dispatch{pkt: e.pkt, deliver: own.deliver})
		m.stats.Delivered++
	}
	observers := m.observers
	m.mu.Unlock()

	for _, d := range batch {
		if d.deliver != nil {
			d.deliver(d.pkt)
		}
		for _, o := range observers {
			o.PacketDelivered(d.pkt)
		}
	}

	return len(batch)
}

// Run цикл доставки. Каждое ожидание ограничено временем ближайшей доставки
// или постановкой нового пакета. При отмене контекста оставшиеся датаграммы
// отбрасываются.
func (m *Model) Run(ctx context.Context) error {
	for {
		now := m.clock.Now()
		m.DeliverDue(now)

		var timer <-chan time.Time
		if next, ok := m.NextDeadline(); ok {
			timer = m.clock.After(next.Sub(now))
		}

		select {
		case <-ctx.Done():
			m.discardAll()
			return nil
		case <-m.wake:
		case <-timer:
		}
	}
}

// discardAll очищает очередь целиком
func (m *Model) discardAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.queue {
		e.index = -1
	}
	m.stats.Discarded += uint64(len(m.queue))
	m.queue = m.queue[:0]
}

// Stats возвращает снимок статистики
func (m *Model) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.stats
	stats.Pending = len(m.queue)
	return stats
}
