// RTCP Scheduler - периодическая генерация и прием RTCP отчетов
//
// RTCPScheduler решает, когда отправлять следующий отчет, формирует SR или RR
// из состояния RTPSession и разбирает входящие отчеты (LSR, RTT, обратная связь).
//
// Цикл отчетов описан конечным автоматом:
//
//	idle --schedule--> scheduled --fire--> sent --reschedule--> scheduled
//	scheduled|sent --cancel--> idle
//
// Таймеров внутри нет: владелец вызывает Tick со своим временем, поэтому
// планировщик одинаково работает на системных и на логических часах.
// Отчет никогда не отправляется раньше NextReportTime.
package rtp

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"
)

// Состояния цикла отчетов
const (
	SchedulerStateIdle      = "idle"
	SchedulerStateScheduled = "scheduled"
	SchedulerStateSent      = "sent"
)

const (
	eventSchedule   = "schedule"
	eventFire       = "fire"
	eventReschedule = "reschedule"
	eventCancel     = "cancel"
)

// Значения по умолчанию для интервалов RTCP
const (
	DefaultRTCPIntervalMin   = 4 * time.Second
	DefaultRTCPIntervalMax   = 6 * time.Second
	DefaultRTCPMinInterval   = time.Second
	DefaultBandwidthFraction = 0.05

	// Накладные расходы UDP/IP, учитываемые в среднем размере RTCP (RFC 3550 Section 6.2)
	rtcpTransportOverhead = 28
	initialAvgRTCPSize    = 128.0
)

// SchedulerConfig параметры интервалов RTCP
type SchedulerConfig struct {
	IntervalMin       time.Duration // Нижняя граница диапазона интервала
	IntervalMax       time.Duration // Верхняя граница диапазона интервала
	MinInterval       time.Duration // Минимальный интервал между отчетами
	SessionBandwidth  float64       // Полоса сессии, бит/с (0 = интервал из диапазона)
	BandwidthFraction float64       // Доля полосы под RTCP (0 = 5%)
}

// DefaultSchedulerConfig возвращает конфигурацию по умолчанию
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		IntervalMin:       DefaultRTCPIntervalMin,
		IntervalMax:       DefaultRTCPIntervalMax,
		MinInterval:       DefaultRTCPMinInterval,
		BandwidthFraction: DefaultBandwidthFraction,
	}
}

// Validate проверяет диапазоны интервалов
func (c SchedulerConfig) Validate() error {
	if c.IntervalMin <= 0 {
		return &ConfigurationError{Field: "rtcp.interval_min", Value: c.IntervalMin, Reason: "должен быть положительным"}
	}
	if c.IntervalMax < c.IntervalMin {
		return &ConfigurationError{Field: "rtcp.interval_max", Value: c.IntervalMax, Reason: "меньше interval_min"}
	}
	if c.MinInterval < 0 {
		return &ConfigurationError{Field: "rtcp.min_interval", Value: c.MinInterval, Reason: "не может быть отрицательным"}
	}
	if math.IsNaN(c.SessionBandwidth) || math.IsInf(c.SessionBandwidth, 0) || c.SessionBandwidth < 0 {
		return &ConfigurationError{Field: "rtcp.session_bandwidth", Value: c.SessionBandwidth, Reason: "должна быть конечной и неотрицательной"}
	}
	if math.IsNaN(c.BandwidthFraction) || c.BandwidthFraction < 0 || c.BandwidthFraction > 1 {
		return &ConfigurationError{Field: "rtcp.bandwidth_fraction", Value: c.BandwidthFraction, Reason: "должна быть в диапазоне [0,1]"}
	}
	return nil
}

// RemoteFeedback что удаленный участник сообщает о приеме нашего потока
type RemoteFeedback struct {
	Reporter       uint32
	FractionLost   uint8
	CumulativeLost int32
	HighestSeqNum  uint32
	Jitter         uint32
	ReceivedAt     time.Time
}

// ReportEvent результат обработки входящего отчета
type ReportEvent struct {
	Arrival  time.Time
	Reporter uint32
	IsSender bool

	// Оценка односторонней задержки по NTP времени SR (часы участников общие)
	OneWayDelay    time.Duration
	HasOneWayDelay bool

	// Блок отчета о нашем потоке, если он есть
	Feedback    RemoteFeedback
	HasFeedback bool

	RTT    time.Duration
	HasRTT bool
}

// RTCPScheduler планировщик RTCP отчетов одного участника. Thread-safe.
type RTCPScheduler struct {
	config SchedulerConfig
	rtp    *RTPSession
	logger *logrus.Entry

	mutex       sync.Mutex
	machine     *fsm.FSM
	rng         *rand.Rand
	nextReport  time.Time
	avgRTCPSize float64
	reportsSent uint64
	lastReport  time.Time

	rtt      *RTTEstimator
	feedback map[uint32]RemoteFeedback
}

// NewRTCPScheduler создает планировщик в состоянии idle
func NewRTCPScheduler(config SchedulerConfig, session *RTPSession, rng *rand.Rand, logger *logrus.Entry) (*RTCPScheduler, error) {
	if session == nil {
		return nil, fmt.Errorf("RTP сессия обязательна")
	}
	if config.BandwidthFraction == 0 {
		config.BandwidthFraction = DefaultBandwidthFraction
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if rng == nil {
		seed := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(seed, ^seed))
	}
	if logger == nil {
		logger = logrus.WithField("component", "rtcp_scheduler")
	}

	s := &RTCPScheduler{
		config:      config,
		rtp:         session,
		logger:      logger,
		rng:         rng,
		avgRTCPSize: initialAvgRTCPSize,
		rtt:         NewRTTEstimator(DefaultRTTWindow),
		feedback:    make(map[uint32]RemoteFeedback),
	}

	s.machine = fsm.NewFSM(
		SchedulerStateIdle,
		fsm.Events{
			{Name: eventSchedule, Src: []string{SchedulerStateIdle}, Dst: SchedulerStateScheduled},
			{Name: eventFire, Src: []string{SchedulerStateScheduled}, Dst: SchedulerStateSent},
			{Name: eventReschedule, Src: []string{SchedulerStateSent}, Dst: SchedulerStateScheduled},
			{Name: eventCancel, Src: []string{SchedulerStateScheduled, SchedulerStateSent}, Dst: SchedulerStateIdle},
		},
		fsm.Callbacks{},
	)

	return s, nil
}

// Start планирует первый отчет через случайный интервал из [IntervalMin, IntervalMax]
func (s *RTCPScheduler) Start(now time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.machine.Event(context.Background(), eventSchedule); err != nil {
		return fmt.Errorf("запуск планировщика RTCP: %w", err)
	}

	s.nextReport = now.Add(s.initialInterval())
	s.logger.WithField("next_report", s.nextReport).Debug("Планировщик RTCP запущен")

	return nil
}

// initialInterval равномерно распределенный интервал, чтобы сессии не
// отправляли отчеты синхронно
func (s *RTCPScheduler) initialInterval() time.Duration {
	spread := s.config.IntervalMax - s.config.IntervalMin
	if spread <= 0 {
		return s.config.IntervalMin
	}
	return s.config.IntervalMin + time.Duration(s.rng.Int64N(int64(spread)+1))
}

// nextInterval номинальный интервал по доле полосы, не меньше MinInterval
func (s *RTCPScheduler) nextInterval() time.Duration {
	var nominal time.Duration
	if s.config.SessionBandwidth > 0 {
		members := float64(1 + s.rtp.Sources().Count())
		rtcpBandwidth := s.config.BandwidthFraction * s.config.SessionBandwidth / 8 // октетов в секунду
		nominal = time.Duration(s.avgRTCPSize * members / rtcpBandwidth * float64(time.Second))
	} else {
		nominal = (s.config.IntervalMin + s.config.IntervalMax) / 2
	}

	if nominal < s.config.MinInterval {
		return s.config.MinInterval
	}
	return nominal
}

// Tick отправляет отчет, если наступило время. Возвращает закодированный
// составной пакет и true, если отчет сформирован. Раньше NextReportTime,
// а также после Stop ничего не отправляется.
func (s *RTCPScheduler) Tick(now time.Time) ([]byte, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.machine.Is(SchedulerStateScheduled) || now.Before(s.nextReport) {
		return nil, false, nil
	}

	ctx := context.Background()
	if err := s.machine.Event(ctx, eventFire); err != nil {
		return nil, false, fmt.Errorf("отправка отчета RTCP: %w", err)
	}

	if expired := s.rtp.Sources().Expire(now); len(expired) > 0 {
		s.logger.WithField("ssrcs", expired).Info("Удалены неактивные источники")
	}

	report := s.buildReport(now)
	data, encodeErr := EncodeRTCP(report)

	if encodeErr == nil {
		s.avgRTCPSize += (float64(len(data)+rtcpTransportOverhead) - s.avgRTCPSize) / 16
		s.reportsSent++
		s.lastReport = now
	}

	s.nextReport = now.Add(s.nextInterval())
	if err := s.machine.Event(ctx, eventReschedule); err != nil {
		return nil, false, fmt.Errorf("перепланирование отчета RTCP: %w", err)
	}

	if encodeErr != nil {
		return nil, false, encodeErr
	}

	s.logger.WithFields(logrus.Fields{
		"type":        fmt.Sprintf("%T", report),
		"blocks":      len(report.Blocks()),
		"size":        len(data),
		"next_report": s.nextReport,
	}).Debug("Сформирован RTCP отчет")

	return data, true, nil
}

// buildReport SR если с последнего отчета отправлялись RTP пакеты, иначе RR
func (s *RTCPScheduler) buildReport(now time.Time) Report {
	blocks := s.rtp.Sources().ReportBlocks(now)

	if info, sent := s.rtp.TakeReportCycle(now); sent {
		return &SenderReport{
			SSRC:             s.rtp.GetSSRC(),
			NTPTimestamp:     NTPTimestamp(now),
			RTPTimestamp:     info.RTPTimestamp,
			SenderPackets:    info.Packets,
			SenderOctets:     info.Octets,
			ReceptionReports: blocks,
		}
	}

	return &ReceiverReport{
		SSRC:             s.rtp.GetSSRC(),
		ReceptionReports: blocks,
	}
}

// OnReport обрабатывает входящий SR или RR.
// SR: запоминается LSR и время приема для DLSR, оценивается односторонняя задержка.
// Блок о локальном SSRC: обратная связь удаленной стороны и RTT = A - LSR - DLSR.
func (s *RTCPScheduler) OnReport(report Report, arrival time.Time) ReportEvent {
	event := ReportEvent{
		Arrival:  arrival,
		Reporter: report.ReporterSSRC(),
	}

	if sr, ok := report.(*SenderReport); ok {
		event.IsSender = true
		if s.rtp.Sources().OnSenderReport(sr.SSRC, sr.NTPTimestamp, arrival) {
			event.OneWayDelay = arrival.Sub(NTPTimestampToTime(sr.NTPTimestamp))
			event.HasOneWayDelay = true
		}
	}

	localSSRC := s.rtp.GetSSRC()
	for _, block := range report.Blocks() {
		if block.SSRC != localSSRC {
			continue
		}

		feedback := RemoteFeedback{
			Reporter:       report.ReporterSSRC(),
			FractionLost:   block.FractionLost,
			CumulativeLost: block.CumulativeLost,
			HighestSeqNum:  block.HighestSeqNum,
			Jitter:         block.Jitter,
			ReceivedAt:     arrival,
		}
		event.Feedback = feedback
		event.HasFeedback = true

		s.mutex.Lock()
		s.feedback[feedback.Reporter] = feedback
		s.mutex.Unlock()

		if rtt, ok := ComputeRTT(block, arrival); ok {
			s.rtt.Add(rtt)
			event.RTT = rtt
			event.HasRTT = true
		}
		break
	}

	s.logger.WithFields(logrus.Fields{
		"reporter": event.Reporter,
		"sender":   event.IsSender,
		"rtt":      event.RTT,
		"has_rtt":  event.HasRTT,
	}).Debug("Получен RTCP отчет")

	return event
}

// Stop отменяет запланированный отчет. После Stop Tick ничего не отправляет.
func (s *RTCPScheduler) Stop() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.machine.Is(SchedulerStateIdle) {
		return
	}
	if err := s.machine.Event(context.Background(), eventCancel); err != nil {
		s.logger.WithError(err).Warn("Ошибка остановки планировщика RTCP")
	}
	s.nextReport = time.Time{}
}

// NextReportTime время следующего отчета. false, если планировщик не запущен.
func (s *RTCPScheduler) NextReportTime() (time.Time, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.machine.Is(SchedulerStateScheduled) {
		return time.Time{}, false
	}
	return s.nextReport, true
}

// State текущее состояние цикла отчетов
func (s *RTCPScheduler) State() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.machine.Current()
}

// ReportsSent количество сформированных отчетов
func (s *RTCPScheduler) ReportsSent() uint64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.reportsSent
}

// RTT оценщик RTT
func (s *RTCPScheduler) RTT() *RTTEstimator {
	return s.rtt
}

// Feedback последняя обратная связь от участника reporter
func (s *RTCPScheduler) Feedback(reporter uint32) (RemoteFeedback, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	f, ok := s.feedback[reporter]
	return f, ok
}
