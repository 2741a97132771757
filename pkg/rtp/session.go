// Package rtp реализует RTP/RTCP движок симулятора медиа транспорта
// согласно RFC 3550 (RTP) и RFC 3551 (RTP A/V Profile).
//
// Архитектура основана на принципе разделения ответственности:
//   - Session: конечная точка, связывает компоненты с транспортом и моделью сети
//   - RTPSession: нумерация и временные метки исходящих пакетов, статистика приема
//   - SourceManager: удаленные источники, коллизии SSRC
//   - RTCPScheduler: когда и какой отчет отправить, разбор входящих отчетов
//
// Исходящий путь: SendFrame → EncodeRTP → impairment.Model → TransportAdapter.Send.
// Входящий путь: TransportAdapter.Receive → демультиплексирование RTP/RTCP →
// DecodeRTP / DecodeCompound → RTPSession.OnPacket / RTCPScheduler.OnReport.
// Ни одна ошибка обработки пакетов не останавливает сессию.
package rtp

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arzzra/rtp_lab/pkg/clock"
	"github.com/arzzra/rtp_lab/pkg/impairment"
	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrSessionNotActive операция требует запущенной сессии
	ErrSessionNotActive = errors.New("сессия не активна")
	// ErrSendNotAllowed направление потока не допускает отправку
	ErrSendNotAllowed = errors.New("направление потока не допускает отправку")
	// ErrNoRemoteAddr удаленный адрес не задан
	ErrNoRemoteAddr = errors.New("удаленный адрес не задан")
)

// Как часто логировать повторяющиеся ошибки разбора
const decodeErrorLogEvery = 100

// SessionStatistics статистика конечной точки
type SessionStatistics struct {
	SessionID string
	SSRC      uint32
	State     SessionState

	PacketsSent     uint64 // Сформировано RTP пакетов
	OctetsSent      uint64
	PacketsReceived uint64 // Учтено RTP пакетов (без коллизий)
	DecodeErrors    uint64 // Отброшено датаграмм с ошибкой разбора
	Collisions      uint64 // Пакеты с чужого адреса при занятом SSRC
	LocalCollisions uint64 // Пакеты с нашим собственным SSRC
	ReportsSent     uint64
	ReportsReceived uint64
	Dropped         uint64 // Потеряно моделью сети из исходящих
	TransportErrors uint64

	RTT        time.Duration // Последнее измерение
	AverageRTT time.Duration // Среднее по окну
	HasRTT     bool

	Sources []SourceState
}

// Session конечная точка RTP/RTCP
type Session struct {
	id     string
	config SessionConfig
	clock  clock.Clock
	logger *logrus.Entry

	rtpSession *RTPSession
	scheduler  *RTCPScheduler

	transport     TransportAdapter
	rtcpTransport TransportAdapter // Совпадает с transport при мультиплексировании
	impairer      *impairment.Model
	ownsImpairer  bool
	metrics       *Metrics

	// Состояние сессии
	state      SessionState
	stateMutex sync.RWMutex

	// Жизненный цикл
	cancel context.CancelFunc
	group  *errgroup.Group

	// Счетчики (atomic)
	packetsReceived uint64
	decodeErrors    uint64
	reportsReceived uint64
	dropped         uint64
	transportErrors uint64
}

// NewSession создает конечную точку. Ошибка конфигурации возвращается
// как *ConfigurationError и не затрагивает другие сессии.
func NewSession(config SessionConfig) (*Session, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Transport == nil {
		return nil, &ConfigurationError{Field: "transport", Reason: "обязателен"}
	}

	clk := config.Clock
	if clk == nil {
		clk = clock.System{}
	}

	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)>>7|1))

	// SSRC выбирается здесь, чтобы попасть в поля логгера всех компонентов
	ssrc := config.LocalSSRC
	for ssrc == 0 {
		ssrc = rng.Uint32()
	}

	id := uuid.New().String()
	logger := config.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	logger = logger.WithFields(logrus.Fields{
		"session_id": id,
		"ssrc":       ssrc,
	})

	session := &Session{
		id:            id,
		config:        config,
		clock:         clk,
		logger:        logger,
		transport:     config.Transport,
		rtcpTransport: config.RTCPTransport,
		impairer:      config.Impairer,
		metrics:       config.Metrics,
		state:         SessionStateIdle,
	}
	if session.rtcpTransport == nil {
		session.rtcpTransport = config.Transport
	}

	var err error
	session.rtpSession, err = NewRTPSession(RTPSessionConfig{
		SSRC:                    ssrc,
		PayloadType:             config.PayloadType,
		ClockRate:               config.PayloadClockRate,
		CollisionConfirmPackets: config.CollisionConfirmPackets,
		SourceTimeout:           config.SourceTimeout,
		Clock:                   clk,
		Rand:                    rng,
		Logger:                  logger,
		OnSourceAdded:           session.handleSourceAdded,
		OnSourceRemoved:         session.handleSourceRemoved,
		OnCollision:             session.handleCollision,
	})
	if err != nil {
		return nil, err
	}

	session.scheduler, err = NewRTCPScheduler(config.RTCP, session.rtpSession, rng, logger)
	if err != nil {
		return nil, err
	}

	if session.impairer == nil {
		impairmentConfig := config.Impairment
		if impairmentConfig.Seed == 0 {
			impairmentConfig.Seed = int64(rng.Uint64())
		}
		session.impairer, err = impairment.NewModel(impairmentConfig, clk)
		if err != nil {
			return nil, fmt.Errorf("ошибка создания модели сети: %w", err)
		}
		session.impairer.SetLogger(logger)
		session.ownsImpairer = true
	}

	return session, nil
}

// Start запускает циклы приема, цикл отчетов и, если модель сети своя,
// цикл доставки. Не блокирует.
func (s *Session) Start(ctx context.Context) error {
	s.stateMutex.Lock()
	defer s.stateMutex.Unlock()

	if s.state != SessionStateIdle {
		return fmt.Errorf("сессия уже запущена или закрыта")
	}

	if err := s.scheduler.Start(s.clock.Now()); err != nil {
		return err
	}

	s.impairer.Attach(s.id, s.deliver)

	loopCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(loopCtx)
	s.cancel = cancel
	s.group = group

	group.Go(func() error { return s.receiveLoop(groupCtx, s.transport) })
	if s.rtcpTransport != s.transport {
		group.Go(func() error { return s.receiveLoop(groupCtx, s.rtcpTransport) })
	}
	group.Go(func() error { return s.reportLoop(groupCtx) })
	if s.ownsImpairer {
		group.Go(func() error { return s.impairer.Run(groupCtx) })
	}

	s.state = SessionStateActive
	s.metrics.SessionStarted()

	s.logger.WithFields(logrus.Fields{
		"local_addr":   s.transport.LocalAddr(),
		"remote_addr":  s.config.RemoteAddr,
		"payload_type": s.rtpSession.GetPayloadType(),
		"clock_rate":   s.rtpSession.GetClockRate(),
		"direction":    s.config.Direction,
	}).Info("Сессия запущена")

	return nil
}

// Stop останавливает сессию: сначала планировщик RTCP (после этого ни один
// отчет не формируется) и отсоединение от модели сети (недоставленные
// датаграммы сессии отбрасываются, общая модель больше ничего ей не доставит),
// затем циклы, затем транспорты. Ожидание циклов идет без блокировки состояния,
// поэтому обработчики событий могут вызывать методы сессии.
func (s *Session) Stop() error {
	s.stateMutex.Lock()
	if s.state == SessionStateClosed {
		s.stateMutex.Unlock()
		return nil
	}
	wasActive := s.state == SessionStateActive
	s.state = SessionStateClosed
	cancel, group := s.cancel, s.group
	s.stateMutex.Unlock()

	s.scheduler.Stop()
	discarded := s.impairer.Detach(s.id)

	var loopErr error
	if cancel != nil {
		cancel()
		loopErr = group.Wait()
	}

	var closeErr error
	if err := s.transport.Close(); err != nil {
		closeErr = err
	}
	if s.rtcpTransport != s.transport {
		if err := s.rtcpTransport.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
	}

	if wasActive {
		s.metrics.SessionStopped()
	}

	s.logger.WithFields(logrus.Fields{
		"discarded":    discarded,
		"packets_sent": s.rtpSession.GetPacketsSent(),
		"reports_sent": s.scheduler.ReportsSent(),
	}).Info("Сессия остановлена")

	if loopErr != nil && !errors.Is(loopErr, context.Canceled) {
		return loopErr
	}
	return closeErr
}

// SendFrame формирует RTP пакет и передает его в модель сети.
// Потеря пакета моделью сети не является ошибкой.
func (s *Session) SendFrame(payload []byte, payloadType PayloadType, marker bool) (*rtp.Packet, error) {
	if s.GetState() != SessionStateActive {
		return nil, ErrSessionNotActive
	}
	if !s.config.Direction.CanSend() {
		return nil, ErrSendNotAllowed
	}
	if s.config.RemoteAddr == nil {
		return nil, ErrNoRemoteAddr
	}

	packet := s.rtpSession.SendFrame(payload, payloadType, marker)
	data, err := EncodeRTP(packet)
	if err != nil {
		return nil, fmt.Errorf("ошибка кодирования RTP пакета: %w", err)
	}

	s.metrics.PacketSent(s.id, len(payload))
	s.enqueue(data, s.config.RemoteAddr)

	return packet, nil
}

// enqueue передает датаграмму в модель сети
func (s *Session) enqueue(data []byte, dest net.Addr) {
	decision := s.impairer.Enqueue(s.id, data, dest)
	if decision == impairment.DecisionDropped {
		atomic.AddUint64(&s.dropped, 1)
	}
	s.metrics.ImpairmentDecision(s.id, decision.String())
}

// deliver вызывается моделью сети, когда датаграмме пора уйти в транспорт
func (s *Session) deliver(packet impairment.Packet) {
	// Пакет мог быть извлечен из очереди до отсоединения от модели
	if s.GetState() != SessionStateActive {
		return
	}

	transport := s.transport
	if IsRTCPPacket(packet.Data) {
		transport = s.rtcpTransport
	}

	if err := transport.Send(packet.Data, packet.Dest); err != nil {
		atomic.AddUint64(&s.transportErrors, 1)
		s.metrics.TransportError(s.id, "send")
		if !errors.Is(err, ErrTransportClosed) {
			s.logger.WithError(err).WithField("dest", packet.Dest).Error("Ошибка отправки датаграммы")
		}
	}
}

// receiveLoop принимает датаграммы до отмены контекста или закрытия транспорта
func (s *Session) receiveLoop(ctx context.Context, transport TransportAdapter) error {
	for {
		datagram, err := transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrTransportClosed) {
				return nil
			}
			atomic.AddUint64(&s.transportErrors, 1)
			s.metrics.TransportError(s.id, "receive")
			s.logger.WithError(err).Error("Ошибка приема датаграммы")
			continue
		}

		s.HandleDatagram(datagram)
	}
}

// HandleDatagram обрабатывает принятую датаграмму: RTP и RTCP различаются
// по второму байту (RFC 5761). Поврежденные датаграммы отбрасываются и считаются.
func (s *Session) HandleDatagram(datagram Datagram) {
	if IsRTCPPacket(datagram.Data) {
		s.handleRTCP(datagram)
		return
	}

	if !s.config.Direction.CanReceive() {
		return
	}

	packet, err := DecodeRTP(datagram.Data)
	if err != nil {
		s.countDecodeError("rtp", err, datagram.From)
		return
	}

	switch s.rtpSession.OnPacket(packet, datagram.From, datagram.Arrival) {
	case ObserveCollision, ObserveLocalCollision:
		return
	}

	atomic.AddUint64(&s.packetsReceived, 1)
	s.metrics.PacketReceived(s.id)

	if s.config.OnPacketReceived != nil {
		s.config.OnPacketReceived(packet, datagram)
	}
}

func (s *Session) handleRTCP(datagram Datagram) {
	reports, err := DecodeCompound(datagram.Data)
	if err != nil {
		s.countDecodeError("rtcp", err, datagram.From)
		return
	}

	for _, report := range reports {
		atomic.AddUint64(&s.reportsReceived, 1)
		s.metrics.ReportReceived(s.id, reportTypeLabel(report))

		event := s.scheduler.OnReport(report, datagram.Arrival)
		if event.HasRTT {
			s.metrics.ObserveRTT(s.id, event.RTT)
		}
		if event.HasOneWayDelay {
			s.metrics.ObserveOneWayDelay(s.id, event.Reporter, event.OneWayDelay)
		}

		if s.config.OnReport != nil {
			s.config.OnReport(event)
		}
	}
}

func (s *Session) countDecodeError(protocol string, err error, from net.Addr) {
	n := atomic.AddUint64(&s.decodeErrors, 1)

	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		s.metrics.DecodeError(s.id, protocol, decodeErr.Kind)
	}

	if n == 1 || n%decodeErrorLogEvery == 0 {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"from":  from,
			"total": n,
		}).Warn("Датаграмма отброшена: ошибка разбора")
	}
}

// reportLoop ждет времени следующего отчета по часам сессии
func (s *Session) reportLoop(ctx context.Context) error {
	for {
		next, ok := s.scheduler.NextReportTime()
		if !ok {
			return nil
		}

		wait := next.Sub(s.clock.Now())
		if wait < 0 {
			wait = 0
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(wait):
		}

		s.Tick(s.clock.Now())
	}
}

// Tick формирует RTCP отчет, если наступило время, и отправляет его
// через модель сети. Возвращает true, если отчет сформирован.
func (s *Session) Tick(now time.Time) bool {
	data, ok, err := s.scheduler.Tick(now)
	if err != nil {
		s.logger.WithError(err).Error("Ошибка формирования RTCP отчета")
		return false
	}
	if !ok {
		return false
	}

	reportType := "rr"
	if data[1] == RTCPTypeSR {
		reportType = "sr"
	}
	s.metrics.ReportSent(s.id, reportType)

	if dest := s.config.remoteRTCPAddr(); dest != nil {
		s.enqueue(data, dest)
	}

	s.observeSources()
	return true
}

// observeSources обновляет метрики качества по всем источникам
func (s *Session) observeSources() {
	if s.metrics == nil {
		return
	}
	for _, state := range s.rtpSession.Sources().Sources() {
		if !state.Initialized {
			continue
		}
		s.metrics.ObserveSource(s.id, state, s.evaluate(state))
	}
}

func (s *Session) evaluate(state SourceState) QualityReport {
	input := QualityInput{
		Jitter:   state.JitterDuration(),
		LossRate: state.LossFraction(),
	}
	if rtt, ok := s.scheduler.RTT().Average(); ok {
		input.RTT = rtt
		input.HasRTT = true
	}
	return EvaluateQuality(input, s.config.Quality)
}

// Quality оценка качества приема от источника ssrc
func (s *Session) Quality(ssrc uint32) (QualityReport, bool) {
	state, ok := s.rtpSession.Sources().Source(ssrc)
	if !ok || !state.Initialized {
		return QualityReport{}, false
	}
	return s.evaluate(state), true
}

// Source состояние приема от удаленного источника
func (s *Session) Source(ssrc uint32) (SourceState, bool) {
	return s.rtpSession.Sources().Source(ssrc)
}

func (s *Session) handleSourceAdded(state SourceState) {
	s.logger.WithField("remote_ssrc", state.SSRC).Info("Новый удаленный источник")
	if s.config.OnSourceAdded != nil {
		s.config.OnSourceAdded(state)
	}
}

func (s *Session) handleSourceRemoved(state SourceState) {
	s.logger.WithFields(logrus.Fields{
		"remote_ssrc": state.SSRC,
		"received":    state.Received,
	}).Info("Удаленный источник удален")
	if s.config.OnSourceRemoved != nil {
		s.config.OnSourceRemoved(state)
	}
}

func (s *Session) handleCollision(ssrc uint32, from net.Addr) {
	s.metrics.Collision(s.id)
}

func reportTypeLabel(report Report) string {
	if _, ok := report.(*SenderReport); ok {
		return "sr"
	}
	return "rr"
}

// GetStatistics снимок статистики сессии
func (s *Session) GetStatistics() SessionStatistics {
	remote, local := s.rtpSession.Sources().Collisions()

	stats := SessionStatistics{
		SessionID:       s.id,
		SSRC:            s.rtpSession.GetSSRC(),
		State:           s.GetState(),
		PacketsSent:     s.rtpSession.GetPacketsSent(),
		OctetsSent:      s.rtpSession.GetBytesSent(),
		PacketsReceived: atomic.LoadUint64(&s.packetsReceived),
		DecodeErrors:    atomic.LoadUint64(&s.decodeErrors),
		Collisions:      remote,
		LocalCollisions: local,
		ReportsSent:     s.scheduler.ReportsSent(),
		ReportsReceived: atomic.LoadUint64(&s.reportsReceived),
		Dropped:         atomic.LoadUint64(&s.dropped),
		TransportErrors: atomic.LoadUint64(&s.transportErrors),
		Sources:         s.rtpSession.Sources().Sources(),
	}

	if rtt, ok := s.scheduler.RTT().Last(); ok {
		stats.RTT = rtt
		stats.AverageRTT, _ = s.scheduler.RTT().Average()
		stats.HasRTT = true
	}

	return stats
}

// GetState возвращает текущее состояние сессии
func (s *Session) GetState() SessionState {
	s.stateMutex.RLock()
	defer s.stateMutex.RUnlock()
	return s.state
}

// ID идентификатор сессии
func (s *Session) ID() string {
	return s.id
}

// GetSSRC возвращает SSRC сессии
func (s *Session) GetSSRC() uint32 {
	return s.rtpSession.GetSSRC()
}

// GetPayloadType возвращает payload type по умолчанию
func (s *Session) GetPayloadType() PayloadType {
	return s.rtpSession.GetPayloadType()
}

// GetClockRate возвращает частоту тактирования
func (s *Session) GetClockRate() uint32 {
	return s.rtpSession.GetClockRate()
}

// GetDirection возвращает направление потока
func (s *Session) GetDirection() Direction {
	return s.config.Direction
}

// Scheduler планировщик RTCP отчетов сессии
func (s *Session) Scheduler() *RTCPScheduler {
	return s.scheduler
}

// Impairer модель сети, через которую идут исходящие датаграммы
func (s *Session) Impairer() *impairment.Model {
	return s.impairer
}
