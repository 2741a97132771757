package rtp

import (
	"fmt"
	"time"
)

// QualityThresholds пороги качества связи
type QualityThresholds struct {
	MaxJitter     time.Duration `yaml:"max_jitter"`      // > 50ms = плохо
	MaxPacketLoss float64       `yaml:"max_packet_loss"` // > 1% = плохо
	MaxRTT        time.Duration `yaml:"max_rtt"`         // > 150ms = плохо
}

// DefaultQualityThresholds пороги для телефонии
func DefaultQualityThresholds() QualityThresholds {
	return QualityThresholds{
		MaxJitter:     50 * time.Millisecond,
		MaxPacketLoss: 0.01,
		MaxRTT:        150 * time.Millisecond,
	}
}

// Статусы качества
const (
	QualityGood     = "good"
	QualityWarning  = "warning"
	QualityCritical = "critical"

	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// QualityInput измерения для оценки
type QualityInput struct {
	Jitter   time.Duration
	LossRate float64
	RTT      time.Duration
	HasRTT   bool
}

// QualityReport оценка качества связи
type QualityReport struct {
	Score            int // 0-100
	Status           string
	JitterStatus     string
	PacketLossStatus string
	RTTStatus        string
	Issues           []string
	Warnings         []string
}

// EvaluateQuality вычисляет quality score из джиттера, потерь и RTT
func EvaluateQuality(in QualityInput, th QualityThresholds) QualityReport {
	report := QualityReport{
		Issues:   make([]string, 0),
		Warnings: make([]string, 0),
	}

	qualityPoints := 100

	// Оценка jitter
	switch {
	case in.Jitter > th.MaxJitter:
		report.JitterStatus = QualityCritical
		report.Issues = append(report.Issues, fmt.Sprintf("высокий jitter: %v", in.Jitter))
		qualityPoints -= 30
	case float64(in.Jitter) > float64(th.MaxJitter)*0.7:
		report.JitterStatus = QualityWarning
		report.Warnings = append(report.Warnings, fmt.Sprintf("повышенный jitter: %v", in.Jitter))
		qualityPoints -= 15
	default:
		report.JitterStatus = QualityGood
	}

	// Оценка packet loss
	switch {
	case in.LossRate > th.MaxPacketLoss:
		report.PacketLossStatus = QualityCritical
		report.Issues = append(report.Issues, fmt.Sprintf("высокие потери: %.2f%%", in.LossRate*100))
		qualityPoints -= 25
	case in.LossRate > th.MaxPacketLoss*0.5:
		report.PacketLossStatus = QualityWarning
		report.Warnings = append(report.Warnings, fmt.Sprintf("повышенные потери: %.2f%%", in.LossRate*100))
		qualityPoints -= 10
	default:
		report.PacketLossStatus = QualityGood
	}

	// Оценка RTT, только если он измерен
	switch {
	case !in.HasRTT:
		report.RTTStatus = QualityGood
	case in.RTT > th.MaxRTT:
		report.RTTStatus = QualityCritical
		report.Issues = append(report.Issues, fmt.Sprintf("высокий RTT: %v", in.RTT))
		qualityPoints -= 20
	case float64(in.RTT) > float64(th.MaxRTT)*0.7:
		report.RTTStatus = QualityWarning
		report.Warnings = append(report.Warnings, fmt.Sprintf("повышенный RTT: %v", in.RTT))
		qualityPoints -= 10
	default:
		report.RTTStatus = QualityGood
	}

	if qualityPoints < 0 {
		qualityPoints = 0
	}
	report.Score = qualityPoints

	switch {
	case qualityPoints >= 80:
		report.Status = StatusHealthy
	case qualityPoints >= 50:
		report.Status = StatusDegraded
	default:
		report.Status = StatusUnhealthy
	}

	return report
}
