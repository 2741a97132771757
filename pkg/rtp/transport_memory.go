package rtp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/arzzra/rtp_lab/pkg/clock"
)

const defaultMemoryInboxSize = 1024

// MemoryNetwork внутрипроцессная датаграммная сеть для симулятора и тестов.
// Адреса имеют вид UDP адресов, доставка мгновенная, при переполнении
// входящей очереди датаграмма теряется, как в настоящем UDP.
type MemoryNetwork struct {
	clock clock.Clock

	mutex     sync.RWMutex
	endpoints map[string]*MemoryTransport
}

// NewMemoryNetwork создает пустую сеть. Время приема берется из clk.
func NewMemoryNetwork(clk clock.Clock) *MemoryNetwork {
	if clk == nil {
		clk = clock.System{}
	}
	return &MemoryNetwork{
		clock:     clk,
		endpoints: make(map[string]*MemoryTransport),
	}
}

// Listen создает конечную точку на адресе addr ("127.0.0.1:5004")
func (n *MemoryNetwork) Listen(addr string) (*MemoryTransport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("ошибка разрешения адреса %s: %w", addr, err)
	}

	n.mutex.Lock()
	defer n.mutex.Unlock()

	key := udpAddr.String()
	if _, exists := n.endpoints[key]; exists {
		return nil, fmt.Errorf("адрес %s уже занят", key)
	}

	t := &MemoryTransport{
		network: n,
		addr:    udpAddr,
		inbox:   make(chan Datagram, defaultMemoryInboxSize),
		closed:  make(chan struct{}),
	}
	n.endpoints[key] = t

	return t, nil
}

func (n *MemoryNetwork) lookup(addr net.Addr) *MemoryTransport {
	n.mutex.RLock()
	defer n.mutex.RUnlock()
	return n.endpoints[addr.String()]
}

func (n *MemoryNetwork) remove(t *MemoryTransport) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if n.endpoints[t.addr.String()] == t {
		delete(n.endpoints, t.addr.String())
	}
}

// NewMemoryTransportPair создает две связанные конечные точки в новой сети
func NewMemoryTransportPair(clk clock.Clock, addrA, addrB string) (*MemoryTransport, *MemoryTransport, error) {
	network := NewMemoryNetwork(clk)

	a, err := network.Listen(addrA)
	if err != nil {
		return nil, nil, err
	}
	b, err := network.Listen(addrB)
	if err != nil {
		a.Close()
		return nil, nil, err
	}

	return a, b, nil
}

// MemoryTransport конечная точка MemoryNetwork, реализует TransportAdapter
type MemoryTransport struct {
	network *MemoryNetwork
	addr    *net.UDPAddr
	inbox   chan Datagram

	closeOnce sync.Once
	closed    chan struct{}

	overflow uint64 // Потеряно из-за переполнения очереди (atomic)
}

// Send копирует датаграмму во входящую очередь получателя. Не блокирует.
// Датаграмма на несуществующий адрес молча теряется.
func (t *MemoryTransport) Send(data []byte, dest net.Addr) error {
	select {
	case <-t.closed:
		return ErrTransportClosed
	default:
	}

	if dest == nil {
		return fmt.Errorf("удаленный адрес не установлен")
	}

	peer := t.network.lookup(dest)
	if peer == nil {
		return nil
	}

	datagram := Datagram{
		Data:    append([]byte(nil), data...),
		From:    t.addr,
		Arrival: t.network.clock.Now(),
	}

	select {
	case <-peer.closed:
	case peer.inbox <- datagram:
	default:
		atomic.AddUint64(&peer.overflow, 1)
	}

	return nil
}

// Receive ждет следующую датаграмму
func (t *MemoryTransport) Receive(ctx context.Context) (Datagram, error) {
	select {
	case <-ctx.Done():
		return Datagram{}, ctx.Err()
	case <-t.closed:
		return Datagram{}, ErrTransportClosed
	case d := <-t.inbox:
		return d, nil
	}
}

// LocalAddr возвращает локальный адрес
func (t *MemoryTransport) LocalAddr() net.Addr {
	return t.addr
}

// Close закрывает конечную точку и освобождает адрес
func (t *MemoryTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.network.remove(t)
	})
	return nil
}

// Overflow количество датаграмм, потерянных из-за переполнения очереди
func (t *MemoryTransport) Overflow() uint64 {
	return atomic.LoadUint64(&t.overflow)
}
