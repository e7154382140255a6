package db

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"ivf-companion/pkg"
)

// MemoryStore keeps sessions in process memory.  It is the default for a
// single instance deployment.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*pkg.Session
	now      func() time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*pkg.Session), now: time.Now}
}

func (m *MemoryStore) CreateSession(_ context.Context, persona string, voiceOutput bool) (*pkg.Session, error) {
	now := m.now().UTC()
	sess := &pkg.Session{
		ID:           uuid.New().String(),
		Persona:      persona,
		VoiceOutput:  voiceOutput,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()
	return clone(sess), nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*pkg.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return clone(sess), nil
}

func (m *MemoryStore) AppendTurns(_ context.Context, id string, turns []pkg.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	sess.Turns = append(sess.Turns, turns...)
	sess.LastActiveAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) UpdateSettings(_ context.Context, id string, voiceOutput bool, credential string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	sess.VoiceOutput = voiceOutput
	if credential != "" {
		sess.Credential = credential
	}
	sess.LastActiveAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) DeleteIdle(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, sess := range m.sessions {
		if sess.LastActiveAt.Before(before) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Close() error { return nil }

func clone(s *pkg.Session) *pkg.Session {
	cp := *s
	cp.Turns = append([]pkg.Turn(nil), s.Turns...)
	return &cp
}

var _ Store = (*MemoryStore)(nil)
