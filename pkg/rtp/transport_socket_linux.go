//go:build linux

package rtp

import (
	"golang.org/x/sys/unix"
)

// Приоритет сокета для интерактивного аудио
const voiceSocketPriority = 6

// applySockOptForVoice применяет Linux-специфичные настройки для голоса
func applySockOptForVoice(fd int, dscp int) error {
	// Высокий приоритет сокета. Ошибку игнорируем: в контейнерах может быть запрещено.
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PRIORITY, voiceSocketPriority)

	if dscp > 0 {
		return setSockOptDSCP(fd, dscp)
	}
	return nil
}

// setSockOptDSCP устанавливает DSCP маркировку для QoS
func setSockOptDSCP(fd, dscp int) error {
	// DSCP находится в старших 6 битах TOS поля
	tos := dscp << 2

	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, tos); err != nil {
		// В некоторых Linux контейнерах могут быть ограничения
		return nil
	}

	// Для IPv6 сокетов
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)

	return nil
}
