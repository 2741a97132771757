package rtp

import (
	"errors"
	"math"
	"net"
	"time"

	"github.com/arzzra/rtp_lab/pkg/clock"
	"github.com/arzzra/rtp_lab/pkg/impairment"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
)

// SessionConfig конфигурация конечной точки RTP/RTCP.
// Первая группа полей описывает протокол и загружается из файла конфигурации,
// вторая - окружение сессии, которое передает вызывающий.
type SessionConfig struct {
	LocalSSRC        uint32      // SSRC (0 = случайный)
	PayloadType      PayloadType // Тип payload по умолчанию
	PayloadClockRate uint32      // Частота для динамических payload type (Hz)
	Direction        Direction   // Направление потока (по умолчанию sendrecv)

	RTCP       SchedulerConfig
	Impairment impairment.Config

	CollisionConfirmPackets int           // Пакетов подряд для подтверждения коллизии SSRC
	SourceTimeout           time.Duration // Неактивный источник удаляется после
	Seed                    int64         // Зерно генераторов сессии (0 = от времени)
	Quality                 QualityThresholds

	// Окружение
	Transport      TransportAdapter  // RTP транспорт (обязателен)
	RTCPTransport  TransportAdapter  // RTCP транспорт (nil = RTP и RTCP мультиплексированы, RFC 5761)
	RemoteAddr     net.Addr          // Адрес RTP удаленной стороны (nil = только прием)
	RemoteRTCPAddr net.Addr          // Адрес RTCP удаленной стороны (nil = RemoteAddr)
	Impairer       *impairment.Model // Общая модель сети (nil = своя модель из Impairment)
	Clock          clock.Clock
	Metrics        *Metrics
	Logger         *logrus.Entry

	// Обработчики событий
	OnPacketReceived func(*rtp.Packet, Datagram)
	OnReport         func(ReportEvent)
	OnSourceAdded    func(SourceState)
	OnSourceRemoved  func(SourceState)
}

// DefaultSessionConfig конфигурация по умолчанию: PCMU, sendrecv, идеальная сеть
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		PayloadType:             PayloadTypePCMU,
		Direction:               DirectionSendRecv,
		RTCP:                    DefaultSchedulerConfig(),
		CollisionConfirmPackets: DefaultCollisionConfirmPackets,
		SourceTimeout:           DefaultSourceTimeout,
		Quality:                 DefaultQualityThresholds(),
	}
}

// Validate проверяет конфигурацию. Ошибка всегда *ConfigurationError.
func (c SessionConfig) Validate() error {
	if c.PayloadType > 127 {
		return &ConfigurationError{Field: "payload_type", Value: c.PayloadType, Reason: "должен быть в диапазоне 0-127"}
	}
	if _, static := StaticClockRate(c.PayloadType); !static && c.PayloadClockRate == 0 {
		return &ConfigurationError{Field: "payload_clock_rate", Value: c.PayloadClockRate, Reason: "обязательна для динамического payload type"}
	}
	if err := c.RTCP.Validate(); err != nil {
		return err
	}
	if err := c.Impairment.Validate(); err != nil {
		var cfgErr *impairment.ConfigError
		if errors.As(err, &cfgErr) {
			return &ConfigurationError{Field: "impairment." + cfgErr.Field, Value: cfgErr.Value, Reason: cfgErr.Reason}
		}
		return &ConfigurationError{Field: "impairment", Reason: err.Error()}
	}
	if c.CollisionConfirmPackets < 0 {
		return &ConfigurationError{Field: "collision_confirm_packets", Value: c.CollisionConfirmPackets, Reason: "не может быть отрицательным"}
	}
	if c.SourceTimeout < 0 {
		return &ConfigurationError{Field: "source_timeout", Value: c.SourceTimeout, Reason: "не может быть отрицательным"}
	}
	if math.IsNaN(c.Quality.MaxPacketLoss) || c.Quality.MaxPacketLoss < 0 || c.Quality.MaxPacketLoss > 1 {
		return &ConfigurationError{Field: "quality.max_packet_loss", Value: c.Quality.MaxPacketLoss, Reason: "должна быть в диапазоне [0,1]"}
	}
	return nil
}

func (c SessionConfig) remoteRTCPAddr() net.Addr {
	if c.RemoteRTCPAddr != nil {
		return c.RemoteRTCPAddr
	}
	return c.RemoteAddr
}
