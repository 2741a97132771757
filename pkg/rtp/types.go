package rtp

// Direction определяет направление медиа потока
type Direction int

const (
	DirectionSendRecv Direction = iota // Отправка и прием
	DirectionSendOnly                  // Только отправка
	DirectionRecvOnly                  // Только прием
	DirectionInactive                  // Неактивно
)

func (d Direction) String() string {
	switch d {
	case DirectionSendRecv:
		return "sendrecv"
	case DirectionSendOnly:
		return "sendonly"
	case DirectionRecvOnly:
		return "recvonly"
	case DirectionInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// ParseDirection разбирает атрибут направления SDP
func ParseDirection(s string) (Direction, bool) {
	switch s {
	case "sendrecv":
		return DirectionSendRecv, true
	case "sendonly":
		return DirectionSendOnly, true
	case "recvonly":
		return DirectionRecvOnly, true
	case "inactive":
		return DirectionInactive, true
	default:
		return DirectionInactive, false
	}
}

// CanSend проверяет, может ли поток отправлять данные
func (d Direction) CanSend() bool {
	return d == DirectionSendRecv || d == DirectionSendOnly
}

// CanReceive проверяет, может ли поток принимать данные
func (d Direction) CanReceive() bool {
	return d == DirectionSendRecv || d == DirectionRecvOnly
}

// PayloadType определяет тип payload согласно RFC 3551 Table 4 & 5
type PayloadType uint8

// Аудио payload типы из RFC 3551
const (
	PayloadTypePCMU     PayloadType = 0  // μ-law
	PayloadTypeGSM      PayloadType = 3  // GSM 06.10
	PayloadTypeG723     PayloadType = 4  // G.723.1
	PayloadTypeDVI4_8K  PayloadType = 5  // DVI4 8kHz
	PayloadTypeDVI4_16K PayloadType = 6  // DVI4 16kHz
	PayloadTypeLPC      PayloadType = 7  // LPC
	PayloadTypePCMA     PayloadType = 8  // A-law
	PayloadTypeG722     PayloadType = 9  // G.722
	PayloadTypeL16_2CH  PayloadType = 10 // L16 stereo
	PayloadTypeL16_1CH  PayloadType = 11 // L16 mono
	PayloadTypeQCELP    PayloadType = 12 // QCELP
	PayloadTypeCN       PayloadType = 13 // Comfort Noise
	PayloadTypeMPA      PayloadType = 14 // MPEG Audio
	PayloadTypeG728     PayloadType = 15 // G.728
	PayloadTypeG729     PayloadType = 18 // G.729
)

// StaticClockRate частота тактирования статического payload type.
// Для динамических типов (96-127) возвращает false: частота берется из конфигурации.
func StaticClockRate(pt PayloadType) (uint32, bool) {
	switch pt {
	case PayloadTypePCMU, PayloadTypePCMA, PayloadTypeGSM, PayloadTypeG723,
		PayloadTypeDVI4_8K, PayloadTypeLPC, PayloadTypeG728, PayloadTypeG729,
		PayloadTypeQCELP, PayloadTypeCN:
		return 8000, true
	case PayloadTypeG722:
		return 8000, true // Особенность G.722 - 16kHz sampling, но RTP clock 8kHz
	case PayloadTypeDVI4_16K:
		return 16000, true
	case PayloadTypeL16_1CH, PayloadTypeL16_2CH:
		return 44100, true
	case PayloadTypeMPA:
		return 90000, true
	default:
		return 0, false
	}
}

// SessionState состояние сессии
type SessionState int

const (
	SessionStateIdle SessionState = iota
	SessionStateActive
	SessionStateClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionStateIdle:
		return "idle"
	case SessionStateActive:
		return "active"
	case SessionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
