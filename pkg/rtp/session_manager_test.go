package rtp

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/arzzra/rtp_lab/pkg/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, maxSessions int) (*SessionManager, *clock.Manual) {
	t.Helper()

	clk := clock.NewManual(testEpoch)
	manager, err := NewSessionManager(SessionManagerConfig{
		MaxSessions: maxSessions,
		Clock:       clk,
		Logger:      testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.StopAll() })

	return manager, clk
}

func managerSessionConfig(ssrc uint32, remote string) SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.LocalSSRC = ssrc
	cfg.Seed = int64(ssrc)
	cfg.RTCP = fixedIntervalConfig(time.Second)
	cfg.RemoteAddr, _ = net.ResolveUDPAddr("udp", remote)
	return cfg
}

func TestSessionManagerSharedNetwork(t *testing.T) {
	manager, clk := newTestManager(t, 10)

	a, err := manager.CreateSession("127.0.0.1:5004", managerSessionConfig(0xA, "127.0.0.1:6004"))
	require.NoError(t, err)
	b, err := manager.CreateSession("127.0.0.1:6004", managerSessionConfig(0xB, "127.0.0.1:5004"))
	require.NoError(t, err)

	assert.Same(t, manager.Impairer(), a.Impairer())
	assert.Same(t, manager.Impairer(), b.Impairer())

	require.NoError(t, manager.Start(context.Background()))
	require.Error(t, manager.Start(context.Background()))
	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))
	assert.Equal(t, 2, manager.ActiveCount())
	assert.ElementsMatch(t, []string{a.ID(), b.ID()}, manager.ListActiveSessions())

	for i := 0; i < 10; i++ {
		_, err := a.SendFrame(make([]byte, 160), PayloadTypePCMU, i == 0)
		require.NoError(t, err)
		clk.Advance(20 * time.Millisecond)
	}

	assert.Eventually(t, func() bool {
		return b.GetStatistics().PacketsReceived == 10
	}, 2*time.Second, 5*time.Millisecond)

	stats := manager.GetManagerStatistics()
	assert.Equal(t, uint64(2), stats.TotalSessions)
	assert.Equal(t, 2, stats.ActiveSessions)
	assert.GreaterOrEqual(t, stats.Network.Delivered, uint64(10))

	require.NoError(t, manager.StopAll())
	assert.Equal(t, 0, manager.Count())
	assert.Equal(t, SessionStateClosed, a.GetState())
	assert.Equal(t, SessionStateClosed, b.GetState())
}

func TestSessionManagerLimits(t *testing.T) {
	manager, _ := newTestManager(t, 1)

	_, err := manager.CreateSession("127.0.0.1:5004", managerSessionConfig(0xA, "127.0.0.1:6004"))
	require.NoError(t, err)

	_, err = manager.CreateSession("127.0.0.1:6004", managerSessionConfig(0xB, "127.0.0.1:5004"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "лимит")
	assert.Equal(t, 1, manager.Count())
}

func TestSessionManagerRejectsBusyAddressAndBadConfig(t *testing.T) {
	manager, _ := newTestManager(t, 10)

	_, err := manager.CreateSession("127.0.0.1:5004", managerSessionConfig(0xA, "127.0.0.1:6004"))
	require.NoError(t, err)

	_, err = manager.CreateSession("127.0.0.1:5004", managerSessionConfig(0xB, "127.0.0.1:6004"))
	require.Error(t, err)

	bad := managerSessionConfig(0xC, "127.0.0.1:5004")
	bad.PayloadType = 96
	bad.PayloadClockRate = 0
	_, err = manager.CreateSession("127.0.0.1:7004", bad)
	require.Error(t, err)

	// Адрес неудачной сессии освобожден
	_, err = manager.CreateSession("127.0.0.1:7004", managerSessionConfig(0xD, "127.0.0.1:5004"))
	require.NoError(t, err)
	assert.Equal(t, 2, manager.Count())
}

func TestSessionManagerRemoveAndCleanup(t *testing.T) {
	manager, _ := newTestManager(t, 10)

	a, err := manager.CreateSession("127.0.0.1:5004", managerSessionConfig(0xA, "127.0.0.1:6004"))
	require.NoError(t, err)
	b, err := manager.CreateSession("127.0.0.1:6004", managerSessionConfig(0xB, "127.0.0.1:5004"))
	require.NoError(t, err)

	require.NoError(t, manager.RemoveSession(a.ID()))
	_, exists := manager.GetSession(a.ID())
	assert.False(t, exists)
	assert.Equal(t, SessionStateClosed, a.GetState())
	require.Error(t, manager.RemoveSession(a.ID()))

	// Сессия, остановленная в обход менеджера, удаляется очисткой
	assert.Equal(t, 0, manager.CleanupInactiveSessions())
	require.NoError(t, b.Stop())
	assert.Equal(t, 1, manager.CleanupInactiveSessions())
	assert.Equal(t, 0, manager.Count())
}

func TestSessionManagerDebugHandler(t *testing.T) {
	manager, _ := newTestManager(t, 10)

	a, err := manager.CreateSession("127.0.0.1:5004", managerSessionConfig(0xA, "127.0.0.1:6004"))
	require.NoError(t, err)

	t.Run("all sessions", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		manager.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/debug/sessions", nil))

		require.Equal(t, http.StatusOK, recorder.Code)
		assert.Equal(t, "application/json", recorder.Header().Get("Content-Type"))

		var stats map[string]SessionStatistics
		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &stats))
		require.Contains(t, stats, a.ID())
		assert.Equal(t, uint32(0xA), stats[a.ID()].SSRC)
	})

	t.Run("single session", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		manager.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/debug/sessions?session_id="+a.ID(), nil))

		require.Equal(t, http.StatusOK, recorder.Code)
		var stats SessionStatistics
		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &stats))
		assert.Equal(t, a.ID(), stats.SessionID)
	})

	t.Run("unknown session", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		manager.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/debug/sessions?session_id=nope", nil))
		assert.Equal(t, http.StatusNotFound, recorder.Code)
	})
}
