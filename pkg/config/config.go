// Package config загружает конфигурацию симулятора из YAML файла
// и превращает ее в rtp.SessionConfig.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/arzzra/rtp_lab/pkg/impairment"
	"github.com/arzzra/rtp_lab/pkg/rtp"
	"gopkg.in/yaml.v3"
)

// Режимы работы симулятора
const (
	ModeSim  = "sim"  // Отправитель и получатель в одном процессе, сеть в памяти
	ModeSend = "send" // Только отправитель поверх UDP
	ModeRecv = "recv" // Только получатель поверх UDP
)

// File конфигурационный файл симулятора
type File struct {
	Mode     string `yaml:"mode"`
	LogLevel string `yaml:"log_level"`

	Session    SessionSection    `yaml:"session"`
	RTCP       RTCPSection       `yaml:"rtcp"`
	Impairment impairment.Config `yaml:"impairment"`
	Quality    QualitySection    `yaml:"quality"`
	Transport  TransportSection  `yaml:"transport"`
	Traffic    TrafficSection    `yaml:"traffic"`
	Output     OutputSection     `yaml:"output"`
}

// SessionSection параметры RTP сессии
type SessionSection struct {
	LocalSSRC               uint32 `yaml:"local_ssrc"` // 0 = случайный
	PayloadType             uint8  `yaml:"payload_type"`
	PayloadClockRate        uint32 `yaml:"payload_clock_rate"` // Обязательна для 96-127
	Direction               string `yaml:"direction"`
	CollisionConfirmPackets int    `yaml:"collision_confirm_packets"`
	SourceTimeout           string `yaml:"source_timeout"`
	Seed                    int64  `yaml:"seed"`
}

// RTCPSection параметры планировщика отчетов
type RTCPSection struct {
	IntervalMin       string  `yaml:"interval_min"`
	IntervalMax       string  `yaml:"interval_max"`
	MinInterval       string  `yaml:"min_interval"`
	SessionBandwidth  float64 `yaml:"session_bandwidth"` // бит/с
	BandwidthFraction float64 `yaml:"bandwidth_fraction"`
}

// QualitySection пороги оценки качества
type QualitySection struct {
	MaxJitter     string  `yaml:"max_jitter"`
	MaxPacketLoss float64 `yaml:"max_packet_loss"`
	MaxRTT        string  `yaml:"max_rtt"`
}

// TransportSection адреса и параметры сокетов
type TransportSection struct {
	LocalAddr      string `yaml:"local_addr"`
	RemoteAddr     string `yaml:"remote_addr"`
	RTCPLocalAddr  string `yaml:"rtcp_local_addr"` // Пусто = RTCP мультиплексирован с RTP
	RTCPRemoteAddr string `yaml:"rtcp_remote_addr"`
	BufferSize     int    `yaml:"buffer_size"`
	DSCP           int    `yaml:"dscp"`
}

// TrafficSection генерируемый поток
type TrafficSection struct {
	Packets     int    `yaml:"packets"`
	Ptime       string `yaml:"ptime"`
	PayloadSize int    `yaml:"payload_size"` // 0 = ptime * clockRate байт (8 бит на отсчет)
	Linger      string `yaml:"linger"`       // Сколько ждать отчетов после последнего пакета
}

// OutputSection куда писать результаты
type OutputSection struct {
	CSV         string `yaml:"csv"`
	PCAP        string `yaml:"pcap"`
	MetricsAddr string `yaml:"metrics_addr"`
	SDPOut      string `yaml:"sdp_out"`
	SDPIn       string `yaml:"sdp_in"`
}

// Default конфигурация по умолчанию: PCMU 20 мс, идеальная сеть, режим sim
func Default() File {
	return File{
		Mode:     ModeSim,
		LogLevel: "info",
		Session: SessionSection{
			PayloadType:             uint8(rtp.PayloadTypePCMU),
			Direction:               rtp.DirectionSendRecv.String(),
			CollisionConfirmPackets: rtp.DefaultCollisionConfirmPackets,
			SourceTimeout:           rtp.DefaultSourceTimeout.String(),
		},
		RTCP: RTCPSection{
			IntervalMin:       rtp.DefaultRTCPIntervalMin.String(),
			IntervalMax:       rtp.DefaultRTCPIntervalMax.String(),
			MinInterval:       rtp.DefaultRTCPMinInterval.String(),
			BandwidthFraction: rtp.DefaultBandwidthFraction,
		},
		Quality: QualitySection{
			MaxJitter:     "50ms",
			MaxPacketLoss: 0.01,
			MaxRTT:        "150ms",
		},
		Transport: TransportSection{
			LocalAddr:  "127.0.0.1:5004",
			RemoteAddr: "127.0.0.1:6004",
			BufferSize: 1500,
		},
		Traffic: TrafficSection{
			Packets: 500,
			Ptime:   "20ms",
			Linger:  "12s",
		},
	}
}

// Load читает YAML файл поверх значений по умолчанию и проверяет результат
func Load(path string) (File, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("ошибка чтения конфигурации %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("ошибка разбора конфигурации %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate проверяет конфигурацию целиком. Ошибка всегда *rtp.ConfigurationError.
func (f File) Validate() error {
	switch f.Mode {
	case ModeSim, ModeSend, ModeRecv:
	default:
		return &rtp.ConfigurationError{Field: "mode", Value: f.Mode, Reason: "ожидается sim, send или recv"}
	}

	if f.Mode != ModeSim && f.Transport.LocalAddr == "" {
		return &rtp.ConfigurationError{Field: "transport.local_addr", Value: f.Transport.LocalAddr, Reason: "обязателен для UDP режимов"}
	}
	if f.Mode == ModeSend && f.Transport.RemoteAddr == "" {
		return &rtp.ConfigurationError{Field: "transport.remote_addr", Value: f.Transport.RemoteAddr, Reason: "обязателен для отправителя"}
	}

	if f.Traffic.Packets < 0 {
		return &rtp.ConfigurationError{Field: "traffic.packets", Value: f.Traffic.Packets, Reason: "не может быть отрицательным"}
	}
	if f.Traffic.PayloadSize < 0 {
		return &rtp.ConfigurationError{Field: "traffic.payload_size", Value: f.Traffic.PayloadSize, Reason: "не может быть отрицательным"}
	}
	ptime, err := parseDuration("traffic.ptime", f.Traffic.Ptime, 0)
	if err != nil {
		return err
	}
	if ptime <= 0 {
		return &rtp.ConfigurationError{Field: "traffic.ptime", Value: f.Traffic.Ptime, Reason: "должен быть положительным"}
	}
	if _, err := parseDuration("traffic.linger", f.Traffic.Linger, 0); err != nil {
		return err
	}

	sessionConfig, err := f.SessionConfig()
	if err != nil {
		return err
	}
	return sessionConfig.Validate()
}

// SessionConfig переводит протокольную часть файла в rtp.SessionConfig.
// Транспорт, часы, логгер и метрики заполняет вызывающий.
func (f File) SessionConfig() (rtp.SessionConfig, error) {
	cfg := rtp.DefaultSessionConfig()

	cfg.LocalSSRC = f.Session.LocalSSRC
	cfg.PayloadType = rtp.PayloadType(f.Session.PayloadType)
	cfg.PayloadClockRate = f.Session.PayloadClockRate
	cfg.CollisionConfirmPackets = f.Session.CollisionConfirmPackets
	cfg.Seed = f.Session.Seed
	cfg.Impairment = f.Impairment

	if f.Session.Direction != "" {
		direction, ok := rtp.ParseDirection(f.Session.Direction)
		if !ok {
			return cfg, &rtp.ConfigurationError{Field: "session.direction", Value: f.Session.Direction, Reason: "неизвестное направление"}
		}
		cfg.Direction = direction
	}

	var err error
	if cfg.SourceTimeout, err = parseDuration("session.source_timeout", f.Session.SourceTimeout, rtp.DefaultSourceTimeout); err != nil {
		return cfg, err
	}

	cfg.RTCP.SessionBandwidth = f.RTCP.SessionBandwidth
	if f.RTCP.BandwidthFraction != 0 {
		cfg.RTCP.BandwidthFraction = f.RTCP.BandwidthFraction
	}
	if cfg.RTCP.IntervalMin, err = parseDuration("rtcp.interval_min", f.RTCP.IntervalMin, rtp.DefaultRTCPIntervalMin); err != nil {
		return cfg, err
	}
	if cfg.RTCP.IntervalMax, err = parseDuration("rtcp.interval_max", f.RTCP.IntervalMax, rtp.DefaultRTCPIntervalMax); err != nil {
		return cfg, err
	}
	if cfg.RTCP.MinInterval, err = parseDuration("rtcp.min_interval", f.RTCP.MinInterval, rtp.DefaultRTCPMinInterval); err != nil {
		return cfg, err
	}

	defaults := rtp.DefaultQualityThresholds()
	if cfg.Quality.MaxJitter, err = parseDuration("quality.max_jitter", f.Quality.MaxJitter, defaults.MaxJitter); err != nil {
		return cfg, err
	}
	if cfg.Quality.MaxRTT, err = parseDuration("quality.max_rtt", f.Quality.MaxRTT, defaults.MaxRTT); err != nil {
		return cfg, err
	}
	if f.Quality.MaxPacketLoss != 0 {
		cfg.Quality.MaxPacketLoss = f.Quality.MaxPacketLoss
	}

	return cfg, nil
}

// TransportConfig параметры UDP сокета для адреса addr
func (f File) TransportConfig(addr string) rtp.TransportConfig {
	cfg := rtp.DefaultTransportConfig()
	cfg.LocalAddr = addr
	if f.Transport.BufferSize > 0 {
		cfg.BufferSize = f.Transport.BufferSize
	}
	cfg.DSCP = f.Transport.DSCP
	return cfg
}

// Ptime интервал между пакетами
func (f File) Ptime() time.Duration {
	d, _ := parseDuration("traffic.ptime", f.Traffic.Ptime, 20*time.Millisecond)
	return d
}

// Linger время ожидания отчетов после последнего пакета
func (f File) Linger() time.Duration {
	d, _ := parseDuration("traffic.linger", f.Traffic.Linger, 0)
	return d
}

// PayloadSize размер полезной нагрузки одного кадра
func (f File) PayloadSize(clockRate uint32) int {
	if f.Traffic.PayloadSize > 0 {
		return f.Traffic.PayloadSize
	}
	return int(f.Ptime() * time.Duration(clockRate) / time.Second)
}

// parseDuration разбирает строку вида "1s"; пустая строка дает значение по умолчанию
func parseDuration(field, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, &rtp.ConfigurationError{Field: field, Value: value, Reason: err.Error()}
	}
	return d, nil
}
