//go:build darwin

package rtp

import (
	"golang.org/x/sys/unix"
)

// applySockOptForVoice применяет macOS-специфичные настройки для голоса.
// SO_PRIORITY на macOS нет, остается только DSCP маркировка.
func applySockOptForVoice(fd int, dscp int) error {
	// Датаграммный сокет не должен получать SIGPIPE
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_NOSIGPIPE, 1)

	if dscp <= 0 {
		return nil
	}

	tos := dscp << 2
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, tos); err != nil {
		// IPv6 сокет без IPv4 отображения
		return unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
	}
	return nil
}
