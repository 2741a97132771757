package rtp

import (
	"context"
	"errors"
	"net"
	"time"
)

// ErrTransportClosed транспорт закрыт
var ErrTransportClosed = errors.New("транспорт закрыт")

// Datagram принятая датаграмма
type Datagram struct {
	Data    []byte
	From    net.Addr
	Arrival time.Time // Локальное время приема
}

// TransportAdapter определяет интерфейс датаграммного транспорта.
// Используется сессией и для RTP, и для RTCP; содержимое не интерпретирует.
type TransportAdapter interface {
	// Send отправляет датаграмму на адрес dest
	Send(data []byte, dest net.Addr) error

	// Receive блокируется до прихода датаграммы, отмены ctx или закрытия транспорта
	Receive(ctx context.Context) (Datagram, error)

	// LocalAddr возвращает локальный адрес транспорта
	LocalAddr() net.Addr

	// Close закрывает транспорт. Ожидающий Receive возвращает ErrTransportClosed.
	Close() error
}

// TransportConfig базовая конфигурация для UDP транспорта
type TransportConfig struct {
	LocalAddr  string // Локальный адрес для привязки
	BufferSize int    // Размер буфера для чтения
	DSCP       int    // DSCP маркировка (0 = не устанавливать), для голоса обычно 46 (EF)
}

// DefaultTransportConfig возвращает конфигурацию по умолчанию
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		BufferSize: 1500, // Стандартный MTU
	}
}
