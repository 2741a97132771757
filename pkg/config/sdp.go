package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/arzzra/rtp_lab/pkg/rtp"
	"github.com/pion/sdp/v3"
)

// StreamDescription описание одного RTP потока, которым обмениваются
// отправитель и получатель. Нужна получателю, чтобы узнать частоту
// тактирования динамического payload type и адрес RTCP.
type StreamDescription struct {
	SessionName string
	SessionID   uint64 // 0 = текущее время

	Host     string
	RTPPort  int
	RTCPPort int // 0 = RTCP мультиплексирован с RTP (a=rtcp-mux)

	PayloadType  rtp.PayloadType
	EncodingName string // Пусто = имя статического типа
	ClockRate    uint32
	Ptime        time.Duration

	SSRC      uint32
	CNAME     string
	Direction rtp.Direction
}

// NewStreamDescription описание потока из конфигурации сессии и локальных адресов
func NewStreamDescription(cfg rtp.SessionConfig, rtpAddr, rtcpAddr net.Addr, ptime time.Duration) (StreamDescription, error) {
	host, port, err := splitAddr(rtpAddr)
	if err != nil {
		return StreamDescription{}, err
	}

	desc := StreamDescription{
		SessionName: "rtpsim",
		Host:        host,
		RTPPort:     port,
		PayloadType: cfg.PayloadType,
		ClockRate:   cfg.PayloadClockRate,
		Ptime:       ptime,
		SSRC:        cfg.LocalSSRC,
		Direction:   cfg.Direction,
	}
	if rate, ok := rtp.StaticClockRate(cfg.PayloadType); ok {
		desc.ClockRate = rate
	}

	if rtcpAddr != nil && rtcpAddr.String() != rtpAddr.String() {
		if _, desc.RTCPPort, err = splitAddr(rtcpAddr); err != nil {
			return StreamDescription{}, err
		}
	}

	return desc, nil
}

// Marshal сериализует описание в текст SDP
func (d StreamDescription) Marshal() ([]byte, error) {
	sessionID := d.SessionID
	if sessionID == 0 {
		sessionID = uint64(time.Now().Unix())
	}

	offer := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: d.Host,
		},
		SessionName: sdp.SessionName(d.SessionName),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: d.Host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	mediaDesc := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: d.RTPPort},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{strconv.Itoa(int(d.PayloadType))},
		},
	}

	rtpmap := fmt.Sprintf("%d %s/%d", d.PayloadType, d.encodingName(), d.ClockRate)
	mediaDesc.WithValueAttribute("rtpmap", rtpmap)

	if d.Ptime > 0 {
		mediaDesc.WithValueAttribute("ptime", strconv.Itoa(int(d.Ptime/time.Millisecond)))
	}

	if d.RTCPPort == 0 {
		mediaDesc.WithPropertyAttribute("rtcp-mux")
	} else {
		mediaDesc.WithValueAttribute("rtcp", strconv.Itoa(d.RTCPPort))
	}

	mediaDesc.WithPropertyAttribute(d.Direction.String())

	if d.SSRC != 0 {
		cname := d.CNAME
		if cname == "" {
			cname = fmt.Sprintf("%08x@rtpsim", d.SSRC)
		}
		mediaDesc.WithValueAttribute("ssrc", fmt.Sprintf("%d cname:%s", d.SSRC, cname))
	}

	offer.MediaDescriptions = []*sdp.MediaDescription{mediaDesc}

	return offer.Marshal()
}

// ParseStreamDescription разбирает SDP и берет первый аудио поток
func ParseStreamDescription(data []byte) (StreamDescription, error) {
	var session sdp.SessionDescription
	if err := session.Unmarshal(data); err != nil {
		return StreamDescription{}, fmt.Errorf("ошибка разбора SDP: %w", err)
	}

	var mediaDesc *sdp.MediaDescription
	for _, md := range session.MediaDescriptions {
		if md.MediaName.Media == "audio" {
			mediaDesc = md
			break
		}
	}
	if mediaDesc == nil {
		return StreamDescription{}, fmt.Errorf("в SDP нет аудио потока")
	}
	if len(mediaDesc.MediaName.Formats) == 0 {
		return StreamDescription{}, fmt.Errorf("в SDP нет форматов")
	}

	desc := StreamDescription{
		SessionName: string(session.SessionName),
		SessionID:   session.Origin.SessionID,
		RTPPort:     mediaDesc.MediaName.Port.Value,
		Direction:   rtp.DirectionSendRecv,
	}

	// Connection на уровне медиа приоритетнее уровня сессии
	switch {
	case mediaDesc.ConnectionInformation != nil && mediaDesc.ConnectionInformation.Address != nil:
		desc.Host = mediaDesc.ConnectionInformation.Address.Address
	case session.ConnectionInformation != nil && session.ConnectionInformation.Address != nil:
		desc.Host = session.ConnectionInformation.Address.Address
	default:
		return StreamDescription{}, fmt.Errorf("информация о соединении не найдена в SDP")
	}

	pt, err := strconv.Atoi(mediaDesc.MediaName.Formats[0])
	if err != nil || pt < 0 || pt > 127 {
		return StreamDescription{}, fmt.Errorf("некорректный payload type %q", mediaDesc.MediaName.Formats[0])
	}
	desc.PayloadType = rtp.PayloadType(pt)
	if rate, ok := rtp.StaticClockRate(desc.PayloadType); ok {
		desc.ClockRate = rate
	}

	for _, attr := range mediaDesc.Attributes {
		switch attr.Key {
		case "rtpmap":
			name, rate, ok := parseRtpmap(attr.Value, pt)
			if ok {
				desc.EncodingName = name
				desc.ClockRate = rate
			}
		case "ptime":
			if ms, err := strconv.Atoi(attr.Value); err == nil {
				desc.Ptime = time.Duration(ms) * time.Millisecond
			}
		case "rtcp":
			// a=rtcp:<port> [nettype addrtype addr]
			fields := strings.Fields(attr.Value)
			if len(fields) > 0 {
				if port, err := strconv.Atoi(fields[0]); err == nil {
					desc.RTCPPort = port
				}
			}
		case "rtcp-mux":
			desc.RTCPPort = 0
		case "ssrc":
			fields := strings.Fields(attr.Value)
			if len(fields) > 0 {
				if ssrc, err := strconv.ParseUint(fields[0], 10, 32); err == nil {
					desc.SSRC = uint32(ssrc)
				}
			}
			if len(fields) > 1 {
				desc.CNAME = strings.TrimPrefix(fields[1], "cname:")
			}
		default:
			if direction, ok := rtp.ParseDirection(attr.Key); ok {
				desc.Direction = direction
			}
		}
	}

	if desc.ClockRate == 0 {
		return StreamDescription{}, fmt.Errorf("не указана частота для payload type %d", pt)
	}

	return desc, nil
}

// RTPAddr адрес приема RTP
func (d StreamDescription) RTPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(d.Host), Port: d.RTPPort}
}

// RTCPAddr адрес приема RTCP (совпадает с RTP при мультиплексировании)
func (d StreamDescription) RTCPAddr() *net.UDPAddr {
	if d.RTCPPort == 0 {
		return d.RTPAddr()
	}
	return &net.UDPAddr{IP: net.ParseIP(d.Host), Port: d.RTCPPort}
}

// Apply переносит параметры потока отправителя в конфигурацию получателя
func (d StreamDescription) Apply(cfg *rtp.SessionConfig) {
	cfg.PayloadType = d.PayloadType
	cfg.PayloadClockRate = d.ClockRate
	cfg.RemoteAddr = d.RTPAddr()
	cfg.RemoteRTCPAddr = d.RTCPAddr()

	// Если отправитель только отправляет, мы только принимаем
	switch d.Direction {
	case rtp.DirectionSendOnly:
		cfg.Direction = rtp.DirectionRecvOnly
	case rtp.DirectionRecvOnly:
		cfg.Direction = rtp.DirectionSendOnly
	}
}

func (d StreamDescription) encodingName() string {
	if d.EncodingName != "" {
		return d.EncodingName
	}
	return EncodingName(d.PayloadType)
}

// EncodingName имя кодека статического payload type для rtpmap
func EncodingName(pt rtp.PayloadType) string {
	switch pt {
	case rtp.PayloadTypePCMU:
		return "PCMU"
	case rtp.PayloadTypeGSM:
		return "GSM"
	case rtp.PayloadTypeG723:
		return "G723"
	case rtp.PayloadTypeDVI4_8K, rtp.PayloadTypeDVI4_16K:
		return "DVI4"
	case rtp.PayloadTypeLPC:
		return "LPC"
	case rtp.PayloadTypePCMA:
		return "PCMA"
	case rtp.PayloadTypeG722:
		return "G722"
	case rtp.PayloadTypeL16_1CH, rtp.PayloadTypeL16_2CH:
		return "L16"
	case rtp.PayloadTypeQCELP:
		return "QCELP"
	case rtp.PayloadTypeCN:
		return "CN"
	case rtp.PayloadTypeMPA:
		return "MPA"
	case rtp.PayloadTypeG728:
		return "G728"
	case rtp.PayloadTypeG729:
		return "G729"
	default:
		return "SIM"
	}
}

// parseRtpmap разбирает "<pt> <name>/<rate>[/<channels>]" для нужного pt
func parseRtpmap(value string, pt int) (string, uint32, bool) {
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 || parts[0] != strconv.Itoa(pt) {
		return "", 0, false
	}

	codec := strings.Split(parts[1], "/")
	if len(codec) < 2 {
		return "", 0, false
	}

	rate, err := strconv.ParseUint(codec[1], 10, 32)
	if err != nil || rate == 0 {
		return "", 0, false
	}

	return codec[0], uint32(rate), true
}

func splitAddr(addr net.Addr) (string, int, error) {
	if addr == nil {
		return "", 0, fmt.Errorf("адрес не задан")
	}

	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "", 0, fmt.Errorf("не удалось разобрать адрес %s: %w", addr, err)
	}

	// Принудительно используем IPv4 если получили неуказанный адрес
	if host == "::" || host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("некорректный порт: %s", portStr)
	}

	return host, port, nil
}
