package presence

import (
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/NicolasHaas/baccarat/pkg/model"
	pb "github.com/NicolasHaas/baccarat/pkg/protocol/pb"
	"github.com/NicolasHaas/baccarat/pkg/session"
)

type recordingSink struct {
	mu     sync.Mutex
	drop   map[model.ConnID]bool
	frames map[model.ConnID][]*pb.Envelope
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		drop:   make(map[model.ConnID]bool),
		frames: make(map[model.ConnID][]*pb.Envelope),
	}
}

func (r *recordingSink) Send(conn model.ConnID, env *pb.Envelope) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.drop[conn] {
		return false
	}
	r.frames[conn] = append(r.frames[conn], env)
	return true
}

func (r *recordingSink) last(conn model.ConnID) []pb.PresenceUser {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.frames[conn]
	if len(f) == 0 {
		return nil
	}
	return f[len(f)-1].PresenceUpdate.Users
}

func TestSnapshot(t *testing.T) {
	t.Parallel()

	type tcase struct {
		single   bool
		sessions []model.Session
		expected []model.PresenceEntry
	}

	tests := map[string]tcase{
		"empty": {
			single:   true,
			expected: []model.PresenceEntry{},
		},
		"insertion_order": {
			single: true,
			sessions: []model.Session{
				{Username: "zed"}, {Username: "admin", IsAdmin: true}, {Username: "amy"},
			},
			expected: []model.PresenceEntry{
				{Username: "zed"}, {Username: "admin", IsAdmin: true}, {Username: "amy"},
			},
		},
		"evicted_user_listed_once": {
			single: true,
			sessions: []model.Session{
				{Username: "bob"}, {Username: "amy"}, {Username: "Bob"},
			},
			expected: []model.PresenceEntry{
				{Username: "amy"}, {Username: "Bob"},
			},
		},
		"multi_session_deduplicated": {
			single: false,
			sessions: []model.Session{
				{Username: "bob"}, {Username: "amy"}, {Username: "BOB"},
			},
			expected: []model.PresenceEntry{
				{Username: "bob"}, {Username: "amy"},
			},
		},
	}

	for name, tc := range tests {
		name, tc := name, tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			store := session.New(tc.single)
			for i, s := range tc.sessions {
				store.Register(model.ConnID(fmt.Sprintf("c%d", i)), s)
			}
			got := NewTracker(store, newRecordingSink()).Snapshot()
			if diff := cmp.Diff(tc.expected, got); diff != "" {
				t.Fatalf("Snapshot mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBroadcastReachesOnlySessions(t *testing.T) {
	t.Parallel()

	store := session.New(true)
	sink := newRecordingSink()
	tracker := NewTracker(store, sink)

	store.Register("a", model.Session{Username: "amy"})
	store.Register("b", model.Session{Username: "admin", IsAdmin: true})

	if n := tracker.BroadcastUpdate(); n != 2 {
		t.Fatalf("delivered = %d, want 2", n)
	}

	want := []pb.PresenceUser{{Username: "amy"}, {Username: "admin", IsAdmin: true}}
	for _, conn := range []model.ConnID{"a", "b"} {
		if diff := cmp.Diff(want, sink.last(conn)); diff != "" {
			t.Fatalf("%s presence mismatch (-want +got):\n%s", conn, diff)
		}
	}
	if got := sink.frames["pending"]; len(got) != 0 {
		t.Fatalf("unregistered connection received %d frames", len(got))
	}
}

func TestBroadcastCountsDrops(t *testing.T) {
	t.Parallel()

	store := session.New(true)
	sink := newRecordingSink()
	sink.drop["slow"] = true
	store.Register("slow", model.Session{Username: "slow"})
	store.Register("fast", model.Session{Username: "fast"})

	if n := NewTracker(store, sink).BroadcastUpdate(); n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
}

func TestEnvelopeEmptyList(t *testing.T) {
	t.Parallel()

	env := Envelope(nil)
	if env.PresenceUpdate == nil || env.PresenceUpdate.Users == nil {
		t.Fatalf("Envelope(nil) must carry an empty, non-nil user list")
	}
}
