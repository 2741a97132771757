// Package clock предоставляет источник времени для RTP/RTCP движка.
//
// Все таймеры движка (интервалы RTCP, доставка пакетов из модели сетевых искажений)
// работают через интерфейс Clock. В продакшене используется System (обычные часы),
// в тестах - Manual, логические часы, которые двигает внешний драйвер.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock источник времени и ограниченных по времени ожиданий
type Clock interface {
	// Now возвращает текущее время
	Now() time.Time

	// After возвращает канал, в который придет время срабатывания через d.
	// При d <= 0 канал срабатывает немедленно.
	After(d time.Duration) <-chan time.Time
}

// System реализует Clock поверх системных часов
type System struct{}

// Now возвращает time.Now()
func (System) Now() time.Time { return time.Now() }

// After делегирует time.After
func (System) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Manual логические часы, время в которых двигается только вызовами Advance/Set.
// Thread-safe.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewManual создает логические часы, стоящие на start
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now возвращает текущее логическое время
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After регистрирует ожидание. Канал буферизован, поэтому брошенные ожидания
// не блокируют Advance.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan time.Time, 1)
	deadline := m.now.Add(d)
	if d <= 0 {
		ch <- m.now
		return ch
	}

	m.waiters = append(m.waiters, waiter{deadline: deadline, ch: ch})
	return ch
}

// Advance сдвигает время вперед на d и будит все наступившие ожидания
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()
	m.Set(target)
}

// Set переводит часы на t. Перевод назад игнорируется.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.Before(m.now) {
		return
	}
	m.now = t

	// Будим в порядке дедлайнов
	sort.Slice(m.waiters, func(i, j int) bool {
		return m.waiters[i].deadline.Before(m.waiters[j].deadline)
	})

	remaining := m.waiters[:0]
	for _, w := range m.waiters {
		if !w.deadline.After(t) {
			w.ch <- t
			continue
		}
		remaining = append(remaining, w)
	}
	m.waiters = remaining
}

// Waiters возвращает количество ожиданий, которые еще не сработали.
// Полезно тестам, чтобы дождаться, пока цикл уснет на часах.
func (m *Manual) Waiters() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}
