package session

import (
	"sync"

	"github.com/rtbenfield/pg-cloudflare/metrics"
)

var manager *Manager

type Manager struct {
	sessions map[string]*Session
	mu       sync.Mutex
}

var once sync.Once

func NewManager() *Manager {
	once.Do(func() {
		manager = &Manager{
			sessions: make(map[string]*Session),
		}
	})

	return manager
}

func (m *Manager) Get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.sessions[id]
}

func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; ok {
		delete(m.sessions, id)
		metrics.SessionsActive.Dec()
	}
}

func (m *Manager) Add(s *Session) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[s.ID()] = s
	metrics.SessionsActive.Inc()

	return m.sessions[s.ID()]
}

func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.Snapshot())
	}
	return infos
}
