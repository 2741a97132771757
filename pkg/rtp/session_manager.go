package rtp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/arzzra/rtp_lab/pkg/clock"
	"github.com/arzzra/rtp_lab/pkg/impairment"
	"github.com/sirupsen/logrus"
)

// SessionManager управляет конечными точками одной симулированной сети:
// общая сеть в памяти и общая модель искажений, через которую идут
// датаграммы всех сессий.
type SessionManager struct {
	sessions map[string]*Session
	mutex    sync.RWMutex

	network *MemoryNetwork
	model   *impairment.Model
	clock   clock.Clock
	metrics *Metrics
	logger  *logrus.Entry

	// Глобальные настройки
	maxSessions     int
	cleanupInterval time.Duration

	// Статистика
	totalSessions uint64

	// Управление жизненным циклом
	cancel  context.CancelFunc
	runDone chan struct{}
	started bool
}

// SessionManagerConfig конфигурация менеджера сессий
type SessionManagerConfig struct {
	MaxSessions     int               // Максимальное количество одновременных сессий
	CleanupInterval time.Duration     // Интервал удаления закрытых сессий (0 = без фоновой очистки)
	Impairment      impairment.Config // Модель сети, общая для всех сессий
	Clock           clock.Clock
	Metrics         *Metrics
	Logger          *logrus.Entry
}

// DefaultSessionManagerConfig возвращает конфигурацию по умолчанию
func DefaultSessionManagerConfig() SessionManagerConfig {
	return SessionManagerConfig{
		MaxSessions:     100,
		CleanupInterval: time.Minute,
	}
}

// NewSessionManager создает сеть в памяти и модель искажений
func NewSessionManager(config SessionManagerConfig) (*SessionManager, error) {
	if config.MaxSessions == 0 {
		config.MaxSessions = DefaultSessionManagerConfig().MaxSessions
	}
	if config.Clock == nil {
		config.Clock = clock.System{}
	}
	if config.Logger == nil {
		config.Logger = logrus.WithField("component", "session_manager")
	}

	model, err := impairment.NewModel(config.Impairment, config.Clock)
	if err != nil {
		return nil, &ConfigurationError{Field: "impairment", Value: config.Impairment, Reason: err.Error()}
	}
	model.SetLogger(config.Logger.WithField("component", "impairment"))

	return &SessionManager{
		sessions:        make(map[string]*Session),
		network:         NewMemoryNetwork(config.Clock),
		model:           model,
		clock:           config.Clock,
		metrics:         config.Metrics,
		logger:          config.Logger,
		maxSessions:     config.MaxSessions,
		cleanupInterval: config.CleanupInterval,
	}, nil
}

// Start запускает цикл доставки модели сети и фоновую очистку. Не блокирует.
func (sm *SessionManager) Start(ctx context.Context) error {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	if sm.started {
		return fmt.Errorf("менеджер сессий уже запущен")
	}
	sm.started = true

	runCtx, cancel := context.WithCancel(ctx)
	sm.cancel = cancel
	sm.runDone = make(chan struct{})

	go func() {
		defer close(sm.runDone)

		var wg sync.WaitGroup
		if sm.cleanupInterval > 0 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				sm.cleanupRoutine(runCtx)
			}()
		}

		if err := sm.model.Run(runCtx); err != nil {
			sm.logger.WithError(err).Error("Цикл доставки модели сети завершился с ошибкой")
		}
		wg.Wait()
	}()

	return nil
}

// CreateSession создает сессию с транспортом на адресе localAddr симулированной сети.
// Transport, Impairer, Clock, Metrics и Logger конфигурации заполняются менеджером.
func (sm *SessionManager) CreateSession(localAddr string, config SessionConfig) (*Session, error) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	// Проверяем лимиты
	if len(sm.sessions) >= sm.maxSessions {
		return nil, fmt.Errorf("достигнут лимит сессий: %d", sm.maxSessions)
	}

	transport, err := sm.network.Listen(localAddr)
	if err != nil {
		return nil, err
	}

	config.Transport = transport
	config.RTCPTransport = nil
	config.Impairer = sm.model
	config.Clock = sm.clock
	if config.Metrics == nil {
		config.Metrics = sm.metrics
	}
	if config.Logger == nil {
		config.Logger = sm.logger
	}

	session, err := NewSession(config)
	if err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("ошибка создания сессии: %w", err)
	}

	sm.sessions[session.ID()] = session
	sm.totalSessions++

	return session, nil
}

// GetSession получает сессию по ID
func (sm *SessionManager) GetSession(sessionID string) (*Session, bool) {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	session, exists := sm.sessions[sessionID]
	return session, exists
}

// RemoveSession останавливает и удаляет сессию по ID
func (sm *SessionManager) RemoveSession(sessionID string) error {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	session, exists := sm.sessions[sessionID]
	if !exists {
		return fmt.Errorf("сессия с ID %s не найдена", sessionID)
	}

	delete(sm.sessions, sessionID)

	if err := session.Stop(); err != nil {
		return fmt.Errorf("ошибка остановки сессии: %w", err)
	}
	return nil
}

// ListActiveSessions возвращает список ID активных сессий
func (sm *SessionManager) ListActiveSessions() []string {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	sessionIDs := make([]string, 0, len(sm.sessions))
	for id, session := range sm.sessions {
		if session.GetState() == SessionStateActive {
			sessionIDs = append(sessionIDs, id)
		}
	}

	return sessionIDs
}

// GetSessionStatistics возвращает статистику всех сессий
func (sm *SessionManager) GetSessionStatistics() map[string]SessionStatistics {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	stats := make(map[string]SessionStatistics)
	for id, session := range sm.sessions {
		stats[id] = session.GetStatistics()
	}

	return stats
}

// ManagerStatistics статистика менеджера сессий
type ManagerStatistics struct {
	TotalSessions  uint64
	ActiveSessions int
	MaxSessions    int
	Network        impairment.Stats
}

// GetManagerStatistics возвращает статистику менеджера
func (sm *SessionManager) GetManagerStatistics() ManagerStatistics {
	return ManagerStatistics{
		TotalSessions:  sm.total(),
		ActiveSessions: sm.ActiveCount(),
		MaxSessions:    sm.maxSessions,
		Network:        sm.model.Stats(),
	}
}

func (sm *SessionManager) total() uint64 {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return sm.totalSessions
}

// StopAll останавливает все сессии, затем цикл доставки
func (sm *SessionManager) StopAll() error {
	sm.mutex.Lock()
	sessions := sm.sessions
	sm.sessions = make(map[string]*Session)
	cancel, runDone := sm.cancel, sm.runDone
	sm.mutex.Unlock()

	var lastError error
	for _, session := range sessions {
		if err := session.Stop(); err != nil {
			lastError = err
		}
	}

	if cancel != nil {
		cancel()
		<-runDone
	}

	return lastError
}

// CleanupInactiveSessions удаляет закрытые сессии из реестра
func (sm *SessionManager) CleanupInactiveSessions() int {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	removed := 0
	for id, session := range sm.sessions {
		if session.GetState() == SessionStateClosed {
			delete(sm.sessions, id)
			removed++
		}
	}

	return removed
}

// cleanupRoutine фоновая процедура очистки закрытых сессий
func (sm *SessionManager) cleanupRoutine(ctx context.Context) {
	ticker := time.NewTicker(sm.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := sm.CleanupInactiveSessions(); removed > 0 {
				sm.logger.WithField("removed", removed).Debug("Удалены закрытые сессии")
			}
		}
	}
}

// Count возвращает текущее количество сессий
func (sm *SessionManager) Count() int {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	return len(sm.sessions)
}

// ActiveCount возвращает количество активных сессий
func (sm *SessionManager) ActiveCount() int {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	active := 0
	for _, session := range sm.sessions {
		if session.GetState() == SessionStateActive {
			active++
		}
	}

	return active
}

// Impairer общая модель сети
func (sm *SessionManager) Impairer() *impairment.Model {
	return sm.model
}

// ServeHTTP отдает статистику сессий в JSON: все сессии или одну по ?session_id=
func (sm *SessionManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		_ = json.NewEncoder(w).Encode(sm.GetSessionStatistics())
		return
	}

	session, exists := sm.GetSession(sessionID)
	if !exists {
		http.Error(w, "Сессия не найдена", http.StatusNotFound)
		return
	}
	_ = json.NewEncoder(w).Encode(session.GetStatistics())
}
