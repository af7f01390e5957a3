package session

import (
	"sync"
	"time"
)

// DefaultOnlineThreshold is how recently a connection must have been active
// for its user to count as online.
const DefaultOnlineThreshold = 60 * time.Second

type (
	// ManagerConf configures a Manager.
	ManagerConf struct {
		OnlineThreshold time.Duration `json:",default=60s"`
	}

	// ManagerOption customizes a Manager.
	ManagerOption func(*Manager)

	entry struct {
		conn *Connection
		// user the entry is indexed under, empty until the connection authenticates
		userID string
	}

	// Manager is the registry of live connections shared by every transport.
	// The connection index and the user index are guarded by a single lock so
	// they never disagree.
	Manager struct {
		mu       sync.RWMutex
		sessions map[string]*entry
		users    map[string]map[string]struct{}

		threshold time.Duration
		now       func() time.Time
	}
)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

func NewManager(conf ManagerConf, opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions:  make(map[string]*entry),
		users:     make(map[string]map[string]struct{}),
		threshold: conf.OnlineThreshold,
		now:       time.Now,
	}
	if m.threshold <= 0 {
		m.threshold = DefaultOnlineThreshold
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Now returns the manager clock.
func (m *Manager) Now() time.Time {
	return m.now()
}

// AddSession registers c by id and, when it is already authenticated, under
// its user. Closed connections are ignored.
func (m *Manager) AddSession(c *Connection) {
	m.add(c)
}

// add reports whether c is the first live connection of its user.
func (m *Manager) add(c *Connection) (first bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.Closed() {
		return false
	}
	e := &entry{conn: c}
	m.sessions[c.ID()] = e
	if uid := c.UserID(); uid != "" {
		first = len(m.users[uid]) == 0
		m.index(e, uid)
	}
	return first
}

// Bind authenticates a registered connection and indexes it under id.UserID.
func (m *Manager) Bind(c *Connection, id Identity) error {
	return c.SetAuthenticated(id)
}

// bind moves c under the user of its current identity. ok is false when c
// is no longer registered; first reports whether c became the user's only
// live connection.
func (m *Manager) bind(c *Connection) (ok, first bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, registered := m.sessions[c.ID()]
	if !registered || c.Closed() {
		return false, false
	}
	uid := c.UserID()
	if e.userID == uid {
		return true, false
	}
	m.unindex(e)
	if uid != "" {
		first = len(m.users[uid]) == 0
		m.index(e, uid)
	}
	return true, first
}

// RemoveSession drops the connection from both indices. Unknown ids are ignored.
func (m *Manager) RemoveSession(connID string) {
	m.remove(connID)
}

// remove reports whether the removed connection was the last one of its user.
func (m *Manager) remove(connID string) (last bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[connID]
	if !ok {
		return false
	}
	delete(m.sessions, connID)
	uid := e.userID
	m.unindex(e)
	return uid != "" && len(m.users[uid]) == 0
}

func (m *Manager) index(e *entry, uid string) {
	set, ok := m.users[uid]
	if !ok {
		set = make(map[string]struct{})
		m.users[uid] = set
	}
	set[e.conn.ID()] = struct{}{}
	e.userID = uid
}

func (m *Manager) unindex(e *entry) {
	if e.userID == "" {
		return
	}
	if set, ok := m.users[e.userID]; ok {
		delete(set, e.conn.ID())
		if len(set) == 0 {
			delete(m.users, e.userID)
		}
	}
	e.userID = ""
}

// GetSessionsByUserID returns a snapshot of the user's live connections.
// Callers may iterate it while connections come and go.
func (m *Manager) GetSessionsByUserID(userID string) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set := m.users[userID]
	if len(set) == 0 {
		return nil
	}
	conns := make([]*Connection, 0, len(set))
	for id := range set {
		if e, ok := m.sessions[id]; ok {
			conns = append(conns, e.conn)
		}
	}
	return conns
}

// IsUserOnline reports whether any of the user's connections was active
// within the online threshold.
func (m *Manager) IsUserOnline(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	for id := range m.users[userID] {
		e, ok := m.sessions[id]
		if !ok {
			continue
		}
		if now.Sub(e.conn.LastActive()) < m.threshold {
			return true
		}
	}
	return false
}

// HasSessions reports whether the user has at least one live connection,
// regardless of activity.
func (m *Manager) HasSessions(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users[userID]) > 0
}

// Session looks a connection up by id.
func (m *Manager) Session(connID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.sessions[connID]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Sessions returns a snapshot of every live connection.
func (m *Manager) Sessions() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns := make([]*Connection, 0, len(m.sessions))
	for _, e := range m.sessions {
		conns = append(conns, e.conn)
	}
	return conns
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// OnlineUserIDs returns the users that currently pass IsUserOnline.
func (m *Manager) OnlineUserIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	ids := make([]string, 0, len(m.users))
	for uid, set := range m.users {
		for id := range set {
			if e, ok := m.sessions[id]; ok && now.Sub(e.conn.LastActive()) < m.threshold {
				ids = append(ids, uid)
				break
			}
		}
	}
	return ids
}
