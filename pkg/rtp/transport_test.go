package rtp

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/arzzra/rtp_lab/pkg/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTransportPair(t *testing.T) {
	clk := clock.NewManual(testEpoch)
	a, b, err := NewMemoryTransportPair(clk, "127.0.0.1:5004", "127.0.0.1:6004")
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	payload := []byte{1, 2, 3, 4}
	require.NoError(t, a.Send(payload, b.LocalAddr()))
	payload[0] = 99 // отправитель может переиспользовать буфер

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	datagram, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, datagram.Data)
	assert.Equal(t, a.LocalAddr().String(), datagram.From.String())
	assert.Equal(t, testEpoch, datagram.Arrival)
}

func TestMemoryTransportUnknownDestination(t *testing.T) {
	network := NewMemoryNetwork(nil)
	a, err := network.Listen("127.0.0.1:5004")
	require.NoError(t, err)

	// Как в UDP: отправка в пустоту не ошибка
	assert.NoError(t, a.Send([]byte{1, 2, 3, 4}, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}))
	assert.Error(t, a.Send([]byte{1}, nil))

	_, err = network.Listen("127.0.0.1:5004")
	assert.Error(t, err, "адрес уже занят")
}

func TestMemoryTransportCloseUnblocksReceive(t *testing.T) {
	network := NewMemoryNetwork(nil)
	a, err := network.Listen("127.0.0.1:5004")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := a.Receive(context.Background())
		done <- err
	}()

	require.NoError(t, a.Close())
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrTransportClosed))
	case <-time.After(time.Second):
		t.Fatal("Receive не вернулся после Close")
	}

	assert.True(t, errors.Is(a.Send([]byte{1, 2, 3, 4}, a.LocalAddr()), ErrTransportClosed))

	// Адрес освобожден
	_, err = network.Listen("127.0.0.1:5004")
	assert.NoError(t, err)
}

func TestMemoryTransportOverflow(t *testing.T) {
	a, b, err := NewMemoryTransportPair(nil, "127.0.0.1:5004", "127.0.0.1:6004")
	require.NoError(t, err)

	for i := 0; i < defaultMemoryInboxSize+10; i++ {
		require.NoError(t, a.Send([]byte{1, 2, 3, 4}, b.LocalAddr()))
	}
	assert.Equal(t, uint64(10), b.Overflow())
}

func TestMemoryTransportReceiveHonorsContext(t *testing.T) {
	network := NewMemoryNetwork(nil)
	a, err := network.Listen("127.0.0.1:5004")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = a.Receive(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestUDPTransportLoopback(t *testing.T) {
	cfg := DefaultTransportConfig()
	cfg.LocalAddr = "127.0.0.1:0"

	a, err := NewUDPTransport(cfg, nil)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewUDPTransport(cfg, nil)
	require.NoError(t, err)
	defer b.Close()

	rr, err := EncodeRTCP(&ReceiverReport{SSRC: 1})
	require.NoError(t, err)
	require.NoError(t, a.Send(rr, b.LocalAddr()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	datagram, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, rr, datagram.Data)
	assert.False(t, datagram.Arrival.IsZero())

	// Слишком маленькая датаграмма не отправляется
	assert.Error(t, a.Send([]byte{1}, b.LocalAddr()))
}

func TestUDPTransportClose(t *testing.T) {
	cfg := DefaultTransportConfig()
	cfg.LocalAddr = "127.0.0.1:0"
	a, err := NewUDPTransport(cfg, nil)
	require.NoError(t, err)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	_, err = a.Receive(context.Background())
	assert.True(t, errors.Is(err, ErrTransportClosed))
	assert.True(t, errors.Is(a.Send([]byte{1, 2, 3, 4}, a.LocalAddr()), ErrTransportClosed))
}

func TestUDPTransportRejectsBadDSCP(t *testing.T) {
	cfg := DefaultTransportConfig()
	cfg.LocalAddr = "127.0.0.1:0"
	cfg.DSCP = 64

	_, err := NewUDPTransport(cfg, nil)
	var cfgErr *ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}
