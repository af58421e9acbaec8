// Package presence derives the online-players list from the session table
// and pushes it to every authenticated connection.
package presence

import (
	"strings"
	"sync"

	"github.com/NicolasHaas/baccarat/pkg/model"
	pb "github.com/NicolasHaas/baccarat/pkg/protocol/pb"
)

// Lister is the read side of the session table.
type Lister interface {
	List() []model.Session
}

// Sink queues an envelope for one connection without blocking. It reports
// false when the message was dropped.
type Sink interface {
	Send(conn model.ConnID, env *pb.Envelope) bool
}

// Tracker builds presence snapshots and broadcasts them.
type Tracker struct {
	mu       sync.Mutex // serializes snapshot+fan-out so updates never interleave
	sessions Lister
	sink     Sink
}

// NewTracker creates a tracker over sessions delivering through sink.
func NewTracker(sessions Lister, sink Sink) *Tracker {
	return &Tracker{sessions: sessions, sink: sink}
}

// Snapshot returns one entry per online username in insertion order.
func (t *Tracker) Snapshot() []model.PresenceEntry {
	return entries(t.sessions.List())
}

func entries(sessions []model.Session) []model.PresenceEntry {
	seen := make(map[string]struct{}, len(sessions))
	out := make([]model.PresenceEntry, 0, len(sessions))
	for i := range sessions {
		key := strings.ToLower(sessions[i].Username)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, sessions[i].Presence())
	}
	return out
}

// BroadcastUpdate sends the current snapshot to every live session and
// returns how many connections accepted it.
func (t *Tracker) BroadcastUpdate() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	sessions := t.sessions.List()
	env := Envelope(entries(sessions))

	delivered := 0
	for i := range sessions {
		if t.sink.Send(sessions[i].ConnID, env) {
			delivered++
		}
	}
	return delivered
}

// Envelope wraps a snapshot for the wire.
func Envelope(list []model.PresenceEntry) *pb.Envelope {
	users := make([]pb.PresenceUser, len(list))
	for i, e := range list {
		users[i] = pb.PresenceUser{Username: e.Username, IsAdmin: e.IsAdmin}
	}
	return &pb.Envelope{PresenceUpdate: &pb.PresenceUpdate{Users: users}}
}
