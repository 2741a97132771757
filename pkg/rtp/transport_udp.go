package rtp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/arzzra/rtp_lab/pkg/clock"
)

// Ограничения размера датаграммы
const (
	MinDatagramSize = 4    // Минимум: заголовок RTCP
	MaxDatagramSize = 1500 // Максимальный размер (MTU limit)

	readPollInterval = 100 * time.Millisecond
)

// UDPTransport реализует TransportAdapter поверх UDP сокета.
// Оптимизирован для телефонии (низкая латентность, DSCP).
type UDPTransport struct {
	conn   *net.UDPConn
	config TransportConfig
	clock  clock.Clock

	active bool
	mutex  sync.RWMutex
}

// NewUDPTransport создает UDP транспорт
func NewUDPTransport(config TransportConfig, clk clock.Clock) (*UDPTransport, error) {
	if config.BufferSize == 0 {
		config.BufferSize = 1500 // MTU по умолчанию
	}
	if config.DSCP < 0 || config.DSCP > 63 {
		return nil, &ConfigurationError{Field: "dscp", Value: config.DSCP, Reason: "должен быть в диапазоне 0-63"}
	}
	if clk == nil {
		clk = clock.System{}
	}

	// Парсим локальный адрес
	localAddr, err := net.ResolveUDPAddr("udp", config.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка разрешения локального адреса: %w", err)
	}

	// Создаем UDP соединение
	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания UDP соединения: %w", err)
	}

	// Настраиваем сокет для голоса
	if err := setSockOptForVoice(conn, config.DSCP); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ошибка настройки сокета: %w", err)
	}

	return &UDPTransport{
		conn:   conn,
		config: config,
		clock:  clk,
		active: true,
	}, nil
}

// Send отправляет датаграмму по UDP
func (t *UDPTransport) Send(data []byte, dest net.Addr) error {
	t.mutex.RLock()
	active := t.active
	conn := t.conn
	t.mutex.RUnlock()

	if !active {
		return ErrTransportClosed
	}
	if dest == nil {
		return fmt.Errorf("удаленный адрес не установлен")
	}
	if err := validatePacketSize(len(data)); err != nil {
		return fmt.Errorf("невалидный размер исходящего пакета: %w", err)
	}

	if _, err := conn.WriteTo(data, dest); err != nil {
		return fmt.Errorf("UDP write: %w", err)
	}

	return nil
}

// Receive получает датаграмму. Чтение идет короткими интервалами,
// чтобы отмена контекста не ждала прихода пакета.
func (t *UDPTransport) Receive(ctx context.Context) (Datagram, error) {
	t.mutex.RLock()
	active := t.active
	conn := t.conn
	bufferSize := t.config.BufferSize
	t.mutex.RUnlock()

	if !active {
		return Datagram{}, ErrTransportClosed
	}

	buffer := make([]byte, bufferSize)
	for {
		select {
		case <-ctx.Done():
			return Datagram{}, ctx.Err()
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(readPollInterval)); err != nil {
			return Datagram{}, t.classifyError(err)
		}

		n, addr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			return Datagram{}, t.classifyError(err)
		}

		// Пакеты вне допустимого размера отбрасываются
		if validatePacketSize(n) != nil {
			continue
		}

		return Datagram{
			Data:    append([]byte(nil), buffer[:n]...),
			From:    addr,
			Arrival: t.clock.Now(),
		}, nil
	}
}

func (t *UDPTransport) classifyError(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return ErrTransportClosed
	}
	return fmt.Errorf("UDP read: %w", err)
}

// LocalAddr возвращает локальный адрес
func (t *UDPTransport) LocalAddr() net.Addr {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

// Close закрывает транспорт
func (t *UDPTransport) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if !t.active {
		return nil
	}
	t.active = false

	return t.conn.Close()
}

// setSockOptForVoice настраивает UDP сокет для работы с голосом
func setSockOptForVoice(conn *net.UDPConn, dscp int) error {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("не удалось получить системный сокет: %w", err)
	}

	var sockOptErr error
	err = rawConn.Control(func(fd uintptr) {
		sockOptErr = applySockOptForVoice(int(fd), dscp)
	})
	if err != nil {
		return fmt.Errorf("ошибка управления сокетом: %w", err)
	}

	return sockOptErr
}

// validatePacketSize проверяет размер датаграммы
func validatePacketSize(size int) error {
	if size < MinDatagramSize {
		return fmt.Errorf("пакет слишком мал: %d байт (минимум %d)", size, MinDatagramSize)
	}
	if size > MaxDatagramSize {
		return fmt.Errorf("пакет слишком велик: %d байт (максимум %d)", size, MaxDatagramSize)
	}
	return nil
}
