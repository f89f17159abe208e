package term

import (
	"fmt"
	"sync"
)

// Multiplexer maps session IDs to live sessions and their render pumps.
// IDs are assigned monotonically starting at 1 and are never reused, even
// after removal.
type Multiplexer struct {
	mu       sync.Mutex
	nextID   SessionID
	sessions map[SessionID]*entry
}

type entry struct {
	session *Session
	pump    *Pump
}

// NewMultiplexer creates an empty multiplexer.
func NewMultiplexer() *Multiplexer {
	return &Multiplexer{
		nextID:   1,
		sessions: make(map[SessionID]*entry),
	}
}

// Create spawns a session per spec, starts its render pump against sink,
// and returns the new ID.
func (m *Multiplexer) Create(spec SpawnSpec, sink Sink) (SessionID, error) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.mu.Unlock()

	s, err := NewSession(id, spec)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	m.sessions[id] = &entry{session: s, pump: StartPump(s, sink)}
	m.mu.Unlock()
	return id, nil
}

// Lookup returns the session for id.
func (m *Multiplexer) Lookup(id SessionID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Write forwards input bytes to session id.
func (m *Multiplexer) Write(id SessionID, data []byte) error {
	s, ok := m.Lookup(id)
	if !ok {
		return fmt.Errorf("session %d not found", id)
	}
	return s.WriteInput(data)
}

// Resize resizes session id.
func (m *Multiplexer) Resize(id SessionID, cols, rows uint16) error {
	s, ok := m.Lookup(id)
	if !ok {
		return fmt.Errorf("session %d not found", id)
	}
	return s.Resize(cols, rows)
}

// Remove stops the pump, closes the session, and forgets the ID. The ID is
// not re-issued. Removing an unknown ID is a no-op.
func (m *Multiplexer) Remove(id SessionID) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	e.pump.Stop()
	_ = e.session.Close()
}

// CloseAll tears down every session. Used at process shutdown.
func (m *Multiplexer) CloseAll() {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.sessions))
	ids := make([]SessionID, 0, len(m.sessions))
	for id, e := range m.sessions {
		entries = append(entries, e)
		ids = append(ids, id)
	}
	for _, id := range ids {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, e := range entries {
		e.pump.Stop()
		_ = e.session.Close()
	}
}
