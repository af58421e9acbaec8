package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/NicolasHaas/baccarat/pkg/model"
	pb "github.com/NicolasHaas/baccarat/pkg/protocol/pb"
	"github.com/NicolasHaas/baccarat/pkg/session"
)

type recordingSink struct {
	mu     sync.Mutex
	frames map[model.ConnID][]*pb.Envelope
}

func (r *recordingSink) Send(conn model.ConnID, env *pb.Envelope) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frames == nil {
		r.frames = make(map[model.ConnID][]*pb.Envelope)
	}
	r.frames[conn] = append(r.frames[conn], env)
	return true
}

type memRecorder struct {
	msgs []model.ChatMessage
	err  error
}

func (m *memRecorder) Record(_ context.Context, msg model.ChatMessage) error {
	if m.err != nil {
		return m.err
	}
	m.msgs = append(m.msgs, msg)
	return nil
}

var fixed = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T, opts ...Option) (*Relay, *session.Store, *recordingSink) {
	t.Helper()
	store := session.New(true)
	store.Register("c-bob", model.Session{UserID: 2, Username: "bob"})
	store.Register("c-admin", model.Session{UserID: 1, Username: "Admin", IsAdmin: true})
	sink := &recordingSink{}
	opts = append([]Option{WithClock(func() time.Time { return fixed })}, opts...)
	return NewRelay(store, sink, opts...), store, sink
}

func TestSubmitBroadcastsToEveryoneIncludingSender(t *testing.T) {
	t.Parallel()

	relay, _, sink := setup(t)
	if _, err := relay.Submit(context.Background(), "c-bob", "hello"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	want := &pb.ChatBroadcast{Username: "bob", Text: "hello", Timestamp: fixed.UnixMilli()}
	for _, conn := range []model.ConnID{"c-bob", "c-admin"} {
		frames := sink.frames[conn]
		if len(frames) != 1 {
			t.Fatalf("%s got %d frames, want 1", conn, len(frames))
		}
		if diff := cmp.Diff(want, frames[0].ChatBroadcast); diff != "" {
			t.Fatalf("%s broadcast mismatch (-want +got):\n%s", conn, diff)
		}
	}
}

func TestSubmitUsesResolvedAdminFlag(t *testing.T) {
	t.Parallel()

	relay, _, sink := setup(t)
	msg, err := relay.Submit(context.Background(), "c-admin", "  house rules  ")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !msg.IsAdmin || msg.Username != "Admin" || msg.Text != "house rules" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if !sink.frames["c-bob"][0].ChatBroadcast.IsAdmin {
		t.Fatalf("broadcast lost the admin flag")
	}
}

func TestSubmitRejects(t *testing.T) {
	t.Parallel()

	type tcase struct {
		conn model.ConnID
		text string
		want error
	}

	tests := map[string]tcase{
		"no_session":     {conn: "c-ghost", text: "hi", want: ErrUnauthenticated},
		"empty":          {conn: "c-bob", text: "", want: ErrEmptyMessage},
		"whitespace":     {conn: "c-bob", text: " \n\t ", want: ErrEmptyMessage},
		"control_only":   {conn: "c-bob", text: "\x00\x07", want: ErrEmptyMessage},
		"over_the_limit": {conn: "c-bob", text: strings.Repeat("x", 11), want: ErrMessageTooLong},
	}

	for name, tc := range tests {
		name, tc := name, tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			relay, _, sink := setup(t, WithMaxLength(10))
			_, err := relay.Submit(context.Background(), tc.conn, tc.text)
			if !errors.Is(err, tc.want) {
				t.Fatalf("Submit(%q) = %v, want %v", tc.text, err, tc.want)
			}
			if len(sink.frames) != 0 {
				t.Fatalf("rejected message was broadcast: %v", sink.frames)
			}
		})
	}
}

func TestSubmitAfterRemoveIsDropped(t *testing.T) {
	t.Parallel()

	relay, store, sink := setup(t)
	store.Remove("c-bob")
	if _, err := relay.Submit(context.Background(), "c-bob", "still here?"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("Submit = %v, want ErrUnauthenticated", err)
	}
	if len(sink.frames) != 0 {
		t.Fatalf("removed connection broadcast: %v", sink.frames)
	}
}

func TestRecorder(t *testing.T) {
	t.Parallel()

	rec := &memRecorder{}
	relay, _, _ := setup(t, WithRecorder(rec))
	if _, err := relay.Submit(context.Background(), "c-bob", "one"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(rec.msgs) != 1 || rec.msgs[0].Text != "one" || rec.msgs[0].SenderID != 2 {
		t.Fatalf("recorded = %+v", rec.msgs)
	}

	failing := &memRecorder{err: errors.New("disk full")}
	relay, _, sink := setup(t, WithRecorder(failing))
	if _, err := relay.Submit(context.Background(), "c-bob", "two"); err != nil {
		t.Fatalf("Submit with failing recorder: %v", err)
	}
	if len(sink.frames["c-admin"]) != 1 {
		t.Fatalf("recorder failure blocked delivery")
	}
}

func TestSanitize(t *testing.T) {
	t.Parallel()

	tests := map[string]struct{ in, want string }{
		"plain":    {"hello", "hello"},
		"newlines": {"a\nb\r\nc", "a b  c"},
		"ansi":     {"\x1b[31mred", "[31mred"},
		"unicode":  {"héllo 🎲", "héllo 🎲"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			if got := Sanitize(tc.in); got != tc.want {
				t.Fatalf("Sanitize(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestHistoryEnvelope(t *testing.T) {
	t.Parallel()

	env := HistoryEnvelope([]model.ChatMessage{
		{Username: "bob", Text: "a", Timestamp: fixed},
		{Username: "admin", IsAdmin: true, Text: "b", Timestamp: fixed.Add(time.Second)},
	})
	want := []pb.ChatBroadcast{
		{Username: "bob", Text: "a", Timestamp: fixed.UnixMilli()},
		{Username: "admin", IsAdmin: true, Text: "b", Timestamp: fixed.Add(time.Second).UnixMilli()},
	}
	if diff := cmp.Diff(want, env.ChatHistory.Messages); diff != "" {
		t.Fatalf("history mismatch (-want +got):\n%s", diff)
	}
}
