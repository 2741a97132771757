package rtp

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtcp"
)

// RTCP Packet Type согласно RFC 3550 Section 6.1
const (
	RTCPTypeSR   uint8 = 200 // Sender Report
	RTCPTypeRR   uint8 = 201 // Receiver Report
	RTCPTypeSDES uint8 = 202 // Source Description
	RTCPTypeBYE  uint8 = 203 // Goodbye
	RTCPTypeAPP  uint8 = 204 // Application-Defined
)

const (
	rtcpHeaderSize = 4
	// MaxReportBlocks максимум блоков в одном SR/RR (5-битное поле RC)
	MaxReportBlocks = 31

	maxCumulativeLost = 1<<23 - 1
	minCumulativeLost = -(1 << 23)
)

// ReceptionReport блок отчета о приеме согласно RFC 3550 Section 6.4.1
type ReceptionReport struct {
	SSRC             uint32 // SSRC источника, о котором отчет
	FractionLost     uint8  // Доля потерь * 255
	CumulativeLost   int32  // Накопленные потери (24 бита со знаком на проводе)
	HighestSeqNum    uint32 // Расширенный наибольший номер: cycles<<16 | seq
	Jitter           uint32 // Межпакетный джиттер в единицах RTP timestamp
	LastSR           uint32 // Средние 32 бита NTP последнего SR
	DelaySinceLastSR uint32 // Задержка с последнего SR, 1/65536 с
}

// SenderReport согласно RFC 3550 Section 6.4.1
type SenderReport struct {
	SSRC             uint32 // SSRC отправителя
	NTPTimestamp     uint64 // NTP timestamp
	RTPTimestamp     uint32 // RTP timestamp того же момента
	SenderPackets    uint32 // Отправлено пакетов за все время
	SenderOctets     uint32 // Отправлено байт полезной нагрузки за все время
	ReceptionReports []ReceptionReport
}

// ReceiverReport согласно RFC 3550 Section 6.4.2
type ReceiverReport struct {
	SSRC             uint32 // SSRC отправителя отчета
	ReceptionReports []ReceptionReport
}

// Report общий интерфейс SR и RR
type Report interface {
	// ReporterSSRC SSRC участника, отправившего отчет
	ReporterSSRC() uint32
	// Blocks блоки отчетов о приеме
	Blocks() []ReceptionReport
}

func (sr *SenderReport) ReporterSSRC() uint32      { return sr.SSRC }
func (sr *SenderReport) Blocks() []ReceptionReport { return sr.ReceptionReports }

func (rr *ReceiverReport) ReporterSSRC() uint32      { return rr.SSRC }
func (rr *ReceiverReport) Blocks() []ReceptionReport { return rr.ReceptionReports }

// clampCumulativeLost насыщает значение до 24-битного знакового диапазона
func clampCumulativeLost(v int64) int32 {
	if v > maxCumulativeLost {
		return maxCumulativeLost
	}
	if v < minCumulativeLost {
		return minCumulativeLost
	}
	return int32(v)
}

func toPionReports(blocks []ReceptionReport) []rtcp.ReceptionReport {
	out := make([]rtcp.ReceptionReport, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, rtcp.ReceptionReport{
			SSRC:               b.SSRC,
			FractionLost:       b.FractionLost,
			TotalLost:          uint32(clampCumulativeLost(int64(b.CumulativeLost))) & 0xFFFFFF,
			LastSequenceNumber: b.HighestSeqNum,
			Jitter:             b.Jitter,
			LastSenderReport:   b.LastSR,
			Delay:              b.DelaySinceLastSR,
		})
	}
	return out
}

func fromPionReports(blocks []rtcp.ReceptionReport) []ReceptionReport {
	out := make([]ReceptionReport, 0, len(blocks))
	for _, b := range blocks {
		// Расширение знака 24-битного поля
		lost := int32(b.TotalLost & 0xFFFFFF)
		if lost&0x800000 != 0 {
			lost -= 1 << 24
		}
		out = append(out, ReceptionReport{
			SSRC:             b.SSRC,
			FractionLost:     b.FractionLost,
			CumulativeLost:   lost,
			HighestSeqNum:    b.LastSequenceNumber,
			Jitter:           b.Jitter,
			LastSR:           b.LastSenderReport,
			DelaySinceLastSR: b.Delay,
		})
	}
	return out
}

func toPionPacket(report Report) (rtcp.Packet, error) {
	if len(report.Blocks()) > MaxReportBlocks {
		return nil, fmt.Errorf("%w: %d", ErrTooManyBlocks, len(report.Blocks()))
	}

	switch r := report.(type) {
	case *SenderReport:
		return &rtcp.SenderReport{
			SSRC:        r.SSRC,
			NTPTime:     r.NTPTimestamp,
			RTPTime:     r.RTPTimestamp,
			PacketCount: r.SenderPackets,
			OctetCount:  r.SenderOctets,
			Reports:     toPionReports(r.ReceptionReports),
		}, nil
	case *ReceiverReport:
		return &rtcp.ReceiverReport{
			SSRC:    r.SSRC,
			Reports: toPionReports(r.ReceptionReports),
		}, nil
	default:
		return nil, fmt.Errorf("неподдерживаемый тип отчета: %T", report)
	}
}

// EncodeRTCP кодирует один или несколько отчетов в составной RTCP пакет.
// Ошибка возможна только для отчета с более чем 31 блоком.
func EncodeRTCP(reports ...Report) ([]byte, error) {
	if len(reports) == 0 {
		return nil, fmt.Errorf("нет отчетов для кодирования")
	}

	packets := make([]rtcp.Packet, 0, len(reports))
	for _, report := range reports {
		p, err := toPionPacket(report)
		if err != nil {
			return nil, err
		}
		packets = append(packets, p)
	}

	return rtcp.Marshal(packets)
}

// DecodeRTCP возвращает первый SR или RR составного пакета
func DecodeRTCP(buf []byte) (Report, error) {
	reports, err := DecodeCompound(buf)
	if err != nil {
		return nil, err
	}
	return reports[0], nil
}

// DecodeCompound разбирает составной RTCP пакет и возвращает все SR и RR.
// Остальные типы (SDES, BYE, APP и т.д.) пропускаются. Пакет без SR/RR
// считается поврежденным.
func DecodeCompound(buf []byte) ([]Report, error) {
	if len(buf) == 0 {
		return nil, newDecodeError("rtcp", MalformedHeader, "пустой пакет", nil)
	}

	var reports []Report
	for offset := 0; offset < len(buf); {
		rest := buf[offset:]
		if len(rest) < rtcpHeaderSize {
			return nil, newDecodeError("rtcp", LengthMismatch,
				fmt.Sprintf("остаток %d байт меньше заголовка", len(rest)), nil)
		}
		if version := rest[0] >> 6; version != RTPVersion {
			// После разобранного пакета это хвост, не совпадающий с длинами пакетов
			if offset > 0 {
				return nil, newDecodeError("rtcp", LengthMismatch,
					fmt.Sprintf("после %d байт осталось %d байт не RTCP", offset, len(rest)), nil)
			}
			return nil, newDecodeError("rtcp", UnsupportedVersion,
				fmt.Sprintf("версия %d", version), nil)
		}

		size := (int(binary.BigEndian.Uint16(rest[2:4])) + 1) * 4
		if size > len(rest) {
			return nil, newDecodeError("rtcp", LengthMismatch,
				fmt.Sprintf("поле длины %d байт, доступно %d", size, len(rest)), nil)
		}
		body := rest[:size]

		switch rest[1] {
		case RTCPTypeSR:
			sr := &rtcp.SenderReport{}
			if err := sr.Unmarshal(body); err != nil {
				return nil, newDecodeError("rtcp", MalformedHeader, "ошибка разбора SR", err)
			}
			reports = append(reports, &SenderReport{
				SSRC:             sr.SSRC,
				NTPTimestamp:     sr.NTPTime,
				RTPTimestamp:     sr.RTPTime,
				SenderPackets:    sr.PacketCount,
				SenderOctets:     sr.OctetCount,
				ReceptionReports: fromPionReports(sr.Reports),
			})
		case RTCPTypeRR:
			rr := &rtcp.ReceiverReport{}
			if err := rr.Unmarshal(body); err != nil {
				return nil, newDecodeError("rtcp", MalformedHeader, "ошибка разбора RR", err)
			}
			reports = append(reports, &ReceiverReport{
				SSRC:             rr.SSRC,
				ReceptionReports: fromPionReports(rr.Reports),
			})
		}

		offset += size
	}

	if len(reports) == 0 {
		return nil, newDecodeError("rtcp", MalformedHeader, "нет SR или RR", nil)
	}

	return reports, nil
}

// IsRTCPPacket проверяет, является ли датаграмма RTCP пакетом (RFC 5761, мультиплексирование)
func IsRTCPPacket(data []byte) bool {
	if len(data) < rtcpHeaderSize {
		return false
	}

	version := (data[0] >> 6) & 0x03
	packetType := data[1]

	return version == RTPVersion &&
		(packetType >= RTCPTypeSR && packetType <= RTCPTypeAPP)
}
