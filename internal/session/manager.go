package session

import (
	"errors"
	"log"
	"sync"
	"time"

	"territory-platform/server/internal/archive"
	"territory-platform/server/internal/models"
)

var ErrSessionExists = errors.New("session already exists")
var ErrSessionNotFound = errors.New("session not found")

const defaultPrestartDelay = 2 * time.Second

// FinishedFunc is invoked after a session ends; record is nil when the
// session never produced one.
type FinishedFunc func(sessionID string, srv *Server, record *models.GameRecord)

// Manager owns every session on this worker and drives their lifecycle
// at 1 Hz: prestart and start when due, lobby broadcasts, and teardown
// of finished sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Server
	starting map[string]bool

	sink archive.Sink
	opts Options

	onFinished FinishedFunc

	stop chan struct{}
	once sync.Once
}

// NewManager creates a session manager backed by the given archive sink
func NewManager(sink archive.Sink, opts Options) *Manager {
	return &Manager{
		sessions: make(map[string]*Server),
		starting: make(map[string]bool),
		sink:     sink,
		opts:     opts,
		stop:     make(chan struct{}),
	}
}

// SetOnFinished registers the finished-session hook. Must be called
// before Run.
func (m *Manager) SetOnFinished(fn FinishedFunc) {
	m.onFinished = fn
}

// CreateSession registers a new lobby. Duplicate ids are rejected.
func (m *Manager) CreateSession(id, creatorID string, config models.SessionConfig) (*Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; ok {
		return nil, ErrSessionExists
	}
	srv := NewServer(id, creatorID, config, m.sink, m.opts)
	m.sessions[id] = srv
	log.Printf("[MANAGER] Created session %s (%s)", id, config.GameType)
	return srv, nil
}

// Lookup returns a session by id.
func (m *Manager) Lookup(id string) (*Server, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	srv, ok := m.sessions[id]
	return srv, ok
}

// Remove ends a session (if still running) and drops it from the
// registry, reporting it to the finished hook.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	srv, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		delete(m.starting, id)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	record := srv.End()
	if m.onFinished != nil {
		m.onFinished(id, srv, record)
	}
}

// PublicLobbies lists joinable public sessions that have not started.
func (m *Manager) PublicLobbies() []models.SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lobbies := make([]models.SessionInfo, 0)
	for _, srv := range m.sessions {
		info := srv.Info()
		if info.Config.GameType == models.GameTypePublic && !info.HasStarted {
			lobbies = append(lobbies, info)
		}
	}
	return lobbies
}

// SessionCount returns the number of registered sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ConnectedClients sums attached clients across every session; the
// matchmaker check-in reports this as CCU.
func (m *Manager) ConnectedClients() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, srv := range m.sessions {
		total += srv.ActiveClients()
	}
	return total
}

// Run drives the lifecycle loop until Stop.
func (m *Manager) Run() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stop:
			return
		}
	}
}

// Stop halts the lifecycle loop.
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stop) })
}

// sweep runs one lifecycle pass over every session.
func (m *Manager) sweep() {
	m.mu.RLock()
	snapshot := make(map[string]*Server, len(m.sessions))
	for id, srv := range m.sessions {
		snapshot[id] = srv
	}
	m.mu.RUnlock()

	for id, srv := range snapshot {
		switch srv.Phase() {
		case PhaseLobby:
			srv.BroadcastLobbyInfo()

		case PhaseActive:
			if !srv.HasStarted() {
				m.beginStart(id, srv)
			}

		case PhaseFinished:
			m.Remove(id)
		}
	}
}

// beginStart runs the prestart-then-start sequence once per session.
// A panic in the sequence must not take the sweep loop down with it.
func (m *Manager) beginStart(id string, srv *Server) {
	m.mu.Lock()
	if m.starting[id] {
		m.mu.Unlock()
		return
	}
	m.starting[id] = true
	m.mu.Unlock()

	delay := defaultPrestartDelay
	if sec := srv.Config().PrestartTimerSec; sec != nil && *sec >= 0 {
		delay = time.Duration(*sec) * time.Second
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[MANAGER] Panic starting session %s: %v", id, r)
			}
		}()
		srv.Prestart()
		time.Sleep(delay)
		srv.Start()
	}()
}
