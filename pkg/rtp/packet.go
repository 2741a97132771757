package rtp

import (
	"errors"
	"fmt"

	"github.com/pion/rtp"
)

const (
	// RTPVersion версия протокола RTP/RTCP
	RTPVersion = 2
	// RTPHeaderSize размер фиксированной части заголовка RTP
	RTPHeaderSize = 12

	maxCSRC        = 15
	maxPayloadType = 127
)

var errNilPacket = errors.New("пакет не задан")

// EncodeRTP кодирует RTP пакет согласно RFC 3550 Section 5.1.
// Версия всегда 2. Ошибка возможна только для структурно невозможного пакета
// (больше 15 CSRC или payload type больше 127).
func EncodeRTP(packet *rtp.Packet) ([]byte, error) {
	if packet == nil {
		return nil, errNilPacket
	}
	if len(packet.CSRC) > maxCSRC {
		return nil, fmt.Errorf("слишком много CSRC: %d", len(packet.CSRC))
	}
	if packet.PayloadType > maxPayloadType {
		return nil, fmt.Errorf("payload type вне диапазона: %d", packet.PayloadType)
	}

	out := *packet
	out.Version = RTPVersion
	return out.Marshal()
}

// DecodeRTP разбирает RTP датаграмму. Входной буфер копируется, поэтому
// вызывающий может переиспользовать его сразу после возврата.
// Частично разобранный пакет никогда не возвращается.
func DecodeRTP(buf []byte) (*rtp.Packet, error) {
	if len(buf) < RTPHeaderSize {
		return nil, newDecodeError("rtp", MalformedHeader,
			fmt.Sprintf("длина %d меньше заголовка", len(buf)), nil)
	}
	if version := buf[0] >> 6; version != RTPVersion {
		return nil, newDecodeError("rtp", UnsupportedVersion,
			fmt.Sprintf("версия %d", version), nil)
	}
	if cc := int(buf[0] & 0x0F); len(buf) < RTPHeaderSize+4*cc {
		return nil, newDecodeError("rtp", MalformedHeader,
			fmt.Sprintf("CSRC count %d не помещается в %d байт", cc, len(buf)), nil)
	}

	data := make([]byte, len(buf))
	copy(data, buf)

	packet := &rtp.Packet{}
	if err := packet.Unmarshal(data); err != nil {
		return nil, newDecodeError("rtp", MalformedHeader, "ошибка разбора", err)
	}

	return packet, nil
}
