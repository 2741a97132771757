// Менеджер источников RTP - отслеживание удаленных источников сессии
//
// SourceManager хранит SourceState для каждого удаленного SSRC согласно RFC 3550.
//
// Основные функции:
//   - Ленивое создание состояния по первому RTP пакету или первому SR
//   - Привязка источника к транспортному адресу и обнаружение коллизий SSRC
//   - Формирование блоков отчетов о приеме для RTCP
//   - Удаление источников, неактивных дольше SourceTimeout
//
// Коллизия SSRC не является ошибкой: пакеты с того же SSRC с другого адреса
// игнорируются и считаются, пока с нового адреса не придет
// CollisionConfirmPackets пакетов подряд. После этого состояние источника
// сбрасывается и привязывается к новому адресу.
package rtp

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultCollisionConfirmPackets сколько пакетов подряд с нового адреса подтверждают смену источника
	DefaultCollisionConfirmPackets = 3
	// DefaultSourceTimeout время неактивности, после которого источник удаляется
	DefaultSourceTimeout = 30 * time.Second
)

// ObserveResult результат учета RTP пакета
type ObserveResult int

const (
	ObserveAccepted       ObserveResult = iota // Пакет учтен
	ObserveCollision                           // Коллизия SSRC, пакет проигнорирован
	ObserveRebound                             // Источник сброшен и привязан к новому адресу
	ObserveLocalCollision                      // Пакет с нашим собственным SSRC, проигнорирован
)

func (r ObserveResult) String() string {
	switch r {
	case ObserveAccepted:
		return "accepted"
	case ObserveCollision:
		return "collision"
	case ObserveRebound:
		return "rebound"
	case ObserveLocalCollision:
		return "local_collision"
	default:
		return "unknown"
	}
}

// RemoteSource удаленный источник и его привязка к адресу
type RemoteSource struct {
	State SourceState
	Addr  net.Addr // Адрес, с которого принимаются пакеты источника

	candidateAddr  string // Адрес претендента при коллизии
	candidateCount int
}

// SourceManagerConfig конфигурация менеджера источников
type SourceManagerConfig struct {
	LocalSSRC               uint32
	ClockRate               uint32        // Частота, с которой создаются новые источники
	CollisionConfirmPackets int           // По умолчанию DefaultCollisionConfirmPackets
	SourceTimeout           time.Duration // По умолчанию DefaultSourceTimeout
	Logger                  *logrus.Entry

	// Обработчики событий. Вызываются без удержания блокировки.
	OnSourceAdded   func(SourceState)
	OnSourceRemoved func(SourceState)
	OnCollision     func(ssrc uint32, from net.Addr)
}

// SourceManager управляет удаленными источниками RTP. Thread-safe.
type SourceManager struct {
	mutex   sync.RWMutex
	sources map[uint32]*RemoteSource

	localSSRC     uint32
	clockRate     uint32
	confirmCount  int
	sourceTimeout time.Duration
	logger        *logrus.Entry

	collisions      uint64
	localCollisions uint64

	onSourceAdded   func(SourceState)
	onSourceRemoved func(SourceState)
	onCollision     func(uint32, net.Addr)
}

// NewSourceManager создает менеджер источников. Фоновых горутин нет:
// очистку выполняет вызывающий через Expire.
func NewSourceManager(config SourceManagerConfig) *SourceManager {
	confirm := config.CollisionConfirmPackets
	if confirm <= 0 {
		confirm = DefaultCollisionConfirmPackets
	}

	timeout := config.SourceTimeout
	if timeout == 0 {
		timeout = DefaultSourceTimeout
	}

	logger := config.Logger
	if logger == nil {
		logger = logrus.WithField("component", "source_manager")
	}

	return &SourceManager{
		sources:         make(map[uint32]*RemoteSource),
		localSSRC:       config.LocalSSRC,
		clockRate:       config.ClockRate,
		confirmCount:    confirm,
		sourceTimeout:   timeout,
		logger:          logger,
		onSourceAdded:   config.OnSourceAdded,
		onSourceRemoved: config.OnSourceRemoved,
		onCollision:     config.OnCollision,
	}
}

func addrKey(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

// Observe учитывает RTP пакет источника ssrc, принятый с адреса from
func (sm *SourceManager) Observe(ssrc uint32, from net.Addr, arrival Arrival) ObserveResult {
	var (
		added     *SourceState
		collision bool
		bound     string
		result    = ObserveAccepted
	)

	sm.mutex.Lock()
	if ssrc == sm.localSSRC {
		sm.localCollisions++
		sm.mutex.Unlock()

		sm.logger.WithFields(logrus.Fields{
			"ssrc": ssrc,
			"from": addrKey(from),
		}).Warn("Получен пакет с собственным SSRC, пакет проигнорирован")
		return ObserveLocalCollision
	}

	source, exists := sm.sources[ssrc]
	if !exists {
		source = &RemoteSource{State: NewSourceState(ssrc, sm.clockRate)}
		sm.sources[ssrc] = source
	}

	fromKey := addrKey(from)
	bound = addrKey(source.Addr)
	switch {
	case source.Addr == nil:
		source.Addr = from
	case bound == fromKey:
		source.candidateAddr = ""
		source.candidateCount = 0
	default:
		if source.candidateAddr == fromKey {
			source.candidateCount++
		} else {
			source.candidateAddr = fromKey
			source.candidateCount = 1
		}

		if source.candidateCount < sm.confirmCount {
			sm.collisions++
			collision = true
			result = ObserveCollision
			break
		}

		// Новый адрес подтвержден: источник начинается заново
		source.State = NewSourceState(ssrc, sm.clockRate)
		source.Addr = from
		source.candidateAddr = ""
		source.candidateCount = 0
		result = ObserveRebound
	}

	if result != ObserveCollision {
		wasInitialized := source.State.Initialized
		source.State = NextSourceState(source.State, arrival)
		if !wasInitialized {
			state := source.State
			added = &state
		}
	}
	sm.mutex.Unlock()

	if collision {
		sm.logger.WithFields(logrus.Fields{
			"ssrc":  ssrc,
			"from":  fromKey,
			"bound": bound,
		}).Warn("Коллизия SSRC, пакет проигнорирован")
		if sm.onCollision != nil {
			sm.onCollision(ssrc, from)
		}
	}
	if result == ObserveRebound {
		sm.logger.WithFields(logrus.Fields{
			"ssrc": ssrc,
			"from": fromKey,
		}).Info("Источник сменил адрес, статистика сброшена")
	}
	if added != nil && sm.onSourceAdded != nil {
		sm.onSourceAdded(*added)
	}

	return result
}

// OnSenderReport запоминает данные SR источника: LSR, время приема и оценку
// односторонней задержки. Неизвестный источник создается неинициализированным.
func (sm *SourceManager) OnSenderReport(ssrc uint32, ntp uint64, arrival time.Time) bool {
	if ssrc == sm.localSSRC {
		return false
	}

	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	source, exists := sm.sources[ssrc]
	if !exists {
		source = &RemoteSource{State: NewSourceState(ssrc, sm.clockRate)}
		sm.sources[ssrc] = source
	}
	source.State.LastSRTimestamp = NTPShort(ntp)
	source.State.LastSRReceipt = arrival
	source.State.OneWayDelay = arrival.Sub(NTPTimestampToTime(ntp))
	source.State.LastSeen = arrival
	if source.State.FirstSeen.IsZero() {
		source.State.FirstSeen = arrival
	}

	return true
}

// Source возвращает копию состояния источника
func (sm *SourceManager) Source(ssrc uint32) (SourceState, bool) {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	source, exists := sm.sources[ssrc]
	if !exists {
		return SourceState{}, false
	}
	return source.State, true
}

// Sources возвращает копии состояний всех источников, упорядоченные по SSRC
func (sm *SourceManager) Sources() []SourceState {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	result := make([]SourceState, 0, len(sm.sources))
	for _, source := range sm.sources {
		result = append(result, source.State)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SSRC < result[j].SSRC })

	return result
}

// ReportBlocks блоки отчетов для всех инициализированных источников (не больше 31)
func (sm *SourceManager) ReportBlocks(now time.Time) []ReceptionReport {
	blocks := make([]ReceptionReport, 0)
	for _, state := range sm.Sources() {
		if !state.Initialized {
			continue
		}
		blocks = append(blocks, state.ReportBlock(now))
		if len(blocks) == MaxReportBlocks {
			break
		}
	}
	return blocks
}

// Expire удаляет источники, неактивные дольше SourceTimeout. Возвращает удаленные SSRC.
func (sm *SourceManager) Expire(now time.Time) []uint32 {
	sm.mutex.Lock()
	removed := make([]SourceState, 0)
	for ssrc, source := range sm.sources {
		if now.Sub(source.State.LastSeen) > sm.sourceTimeout {
			removed = append(removed, source.State)
			delete(sm.sources, ssrc)
		}
	}
	sm.mutex.Unlock()

	ssrcs := make([]uint32, 0, len(removed))
	for _, state := range removed {
		ssrcs = append(ssrcs, state.SSRC)
		if sm.onSourceRemoved != nil {
			sm.onSourceRemoved(state)
		}
	}
	sort.Slice(ssrcs, func(i, j int) bool { return ssrcs[i] < ssrcs[j] })

	return ssrcs
}

// Count количество отслеживаемых источников
func (sm *SourceManager) Count() int {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return len(sm.sources)
}

// Collisions количество проигнорированных пакетов из-за коллизий SSRC
// (чужие адреса и собственный SSRC)
func (sm *SourceManager) Collisions() (remote, local uint64) {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return sm.collisions, sm.localCollisions
}
