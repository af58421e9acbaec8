// Package session holds the process-wide table of live sessions.
//
// The Store owns every Session record. Other components address a session
// only through its model.ConnID and receive copies, never pointers into the
// table.
package session

import (
	"sort"
	"strings"
	"sync"

	"github.com/NicolasHaas/baccarat/pkg/model"
)

type entry struct {
	sess model.Session
	seq  uint64 // insertion order
}

// Store maps connections to sessions and usernames to connections.
type Store struct {
	mu       sync.RWMutex
	seq      uint64
	single   bool
	sessions map[model.ConnID]*entry
	byUser   map[string]map[model.ConnID]struct{} // lowercased username -> conns
}

// New creates an empty store. With singleSession set, Register evicts any
// other live session of the same username.
func New(singleSession bool) *Store {
	return &Store{
		single:   singleSession,
		sessions: make(map[model.ConnID]*entry),
		byUser:   make(map[string]map[model.ConnID]struct{}),
	}
}

func userKey(username string) string {
	return strings.ToLower(username)
}

// Register inserts sess under conn. Evicted sessions are removed in the same
// critical section and returned as notices the caller must deliver.
func (s *Store) Register(conn model.ConnID, sess model.Session) []model.ForcedLogoutNotice {
	sess.ConnID = conn
	key := userKey(sess.Username)

	s.mu.Lock()
	defer s.mu.Unlock()

	var notices []model.ForcedLogoutNotice
	if s.single {
		for other := range s.byUser[key] {
			if other == conn {
				continue
			}
			s.removeLocked(other)
			notices = append(notices, model.ForcedLogoutNotice{
				ConnID: other,
				Reason: model.ReasonLoggedInElsewhere,
			})
		}
	}
	if _, exists := s.sessions[conn]; exists {
		s.removeLocked(conn)
	}

	s.seq++
	s.sessions[conn] = &entry{sess: sess, seq: s.seq}
	if s.byUser[key] == nil {
		s.byUser[key] = make(map[model.ConnID]struct{})
	}
	s.byUser[key][conn] = struct{}{}

	sort.Slice(notices, func(i, j int) bool { return notices[i].ConnID < notices[j].ConnID })
	return notices
}

// removeLocked deletes conn; callers hold mu.
func (s *Store) removeLocked(conn model.ConnID) (model.Session, bool) {
	e, ok := s.sessions[conn]
	if !ok {
		return model.Session{}, false
	}
	delete(s.sessions, conn)
	key := userKey(e.sess.Username)
	if conns := s.byUser[key]; conns != nil {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(s.byUser, key)
		}
	}
	return e.sess, true
}

// Remove deletes the session for conn. It is a no-op when absent and
// reports whether anything was removed.
func (s *Store) Remove(conn model.ConnID) (model.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(conn)
}

// RemoveUser deletes every session of username and returns them.
func (s *Store) RemoveUser(username string) []model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	conns := s.byUser[userKey(username)]
	removed := make([]model.Session, 0, len(conns))
	for conn := range conns {
		if sess, ok := s.removeLocked(conn); ok {
			removed = append(removed, sess)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].ConnID < removed[j].ConnID })
	return removed
}

// Lookup returns a copy of the session for conn.
func (s *Store) Lookup(conn model.ConnID) (model.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[conn]
	if !ok {
		return model.Session{}, false
	}
	return e.sess, true
}

// ByUsername returns the live sessions of username in insertion order.
func (s *Store) ByUsername(username string) []model.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conns := s.byUser[userKey(username)]
	entries := make([]*entry, 0, len(conns))
	for conn := range conns {
		entries = append(entries, s.sessions[conn])
	}
	return sortedSessions(entries)
}

// List returns all sessions in insertion order (snapshot).
func (s *Store) List() []model.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	return sortedSessions(entries)
}

func sortedSessions(entries []*entry) []model.Session {
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]model.Session, len(entries))
	for i, e := range entries {
		out[i] = e.sess
	}
	return out
}

// SetBalance updates the cached balance of every session of username and
// returns the affected sessions.
func (s *Store) SetBalance(username string, balance int64) []model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	conns := s.byUser[userKey(username)]
	entries := make([]*entry, 0, len(conns))
	for conn := range conns {
		e := s.sessions[conn]
		e.sess.Balance = balance
		entries = append(entries, e)
	}
	return sortedSessions(entries)
}

// Count returns the number of live sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
