// Package chat relays lobby messages from one authenticated connection to
// every authenticated connection, sender included.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/NicolasHaas/baccarat/pkg/model"
	pb "github.com/NicolasHaas/baccarat/pkg/protocol/pb"
)

var (
	ErrUnauthenticated = errors.New("chat: connection has no session")
	ErrEmptyMessage    = errors.New("chat: empty message")
	ErrMessageTooLong  = errors.New("chat: message too long")
)

// Directory is the part of the session table the relay reads.
type Directory interface {
	Lookup(conn model.ConnID) (model.Session, bool)
	List() []model.Session
}

// Sink queues an envelope for one connection without blocking.
type Sink interface {
	Send(conn model.ConnID, env *pb.Envelope) bool
}

// Recorder persists relayed messages. Failures never block delivery.
type Recorder interface {
	Record(ctx context.Context, msg model.ChatMessage) error
}

// Relay builds chat messages from session identity and fans them out.
type Relay struct {
	sessions Directory
	sink     Sink
	recorder Recorder
	maxLen   int
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Relay)

// WithRecorder stores every relayed message in rec.
func WithRecorder(rec Recorder) Option {
	return func(r *Relay) { r.recorder = rec }
}

// WithMaxLength overrides model.MessageMaxBodyLength (in runes).
func WithMaxLength(n int) Option {
	return func(r *Relay) { r.maxLen = n }
}

func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) { r.logger = l }
}

func NewRelay(sessions Directory, sink Sink, opts ...Option) *Relay {
	r := &Relay{
		sessions: sessions,
		sink:     sink,
		maxLen:   model.MessageMaxBodyLength,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submit relays text on behalf of conn. Sender identity comes from the
// session table only. On error nothing is broadcast.
func (r *Relay) Submit(ctx context.Context, conn model.ConnID, text string) (model.ChatMessage, error) {
	sess, ok := r.sessions.Lookup(conn)
	if !ok {
		r.logger.Warn("chat from unauthenticated connection dropped", "conn", conn)
		return model.ChatMessage{}, ErrUnauthenticated
	}

	text = Sanitize(strings.TrimSpace(text))
	switch err := model.ValidateMessageBody(text, r.maxLen); {
	case errors.Is(err, model.ErrMessageBodyEmpty):
		return model.ChatMessage{}, ErrEmptyMessage
	case errors.Is(err, model.ErrMessageBodyTooLong):
		r.logger.Debug("chat message too long", "user", sess.Username, "conn", conn)
		return model.ChatMessage{}, ErrMessageTooLong
	}

	msg := model.ChatMessage{
		SenderID:  sess.UserID,
		Username:  sess.Username,
		IsAdmin:   sess.IsAdmin,
		Text:      text,
		Timestamp: r.now().UTC(),
	}

	env := &pb.Envelope{ChatBroadcast: Broadcast(msg)}
	for _, recipient := range r.sessions.List() {
		if !r.sink.Send(recipient.ConnID, env) {
			r.logger.Debug("chat dropped for slow consumer", "conn", recipient.ConnID)
		}
	}

	if r.recorder != nil {
		if err := r.recorder.Record(ctx, msg); err != nil {
			r.logger.Error("failed to record chat message", "user", sess.Username, "err", err)
		}
	}
	return msg, nil
}

// Broadcast converts a message to its wire form.
func Broadcast(msg model.ChatMessage) *pb.ChatBroadcast {
	return &pb.ChatBroadcast{
		Username:  msg.Username,
		IsAdmin:   msg.IsAdmin,
		Text:      msg.Text,
		Timestamp: msg.Timestamp.UnixMilli(),
	}
}

// HistoryEnvelope wraps stored messages, oldest first, for a fresh login.
func HistoryEnvelope(msgs []model.ChatMessage) *pb.Envelope {
	out := make([]pb.ChatBroadcast, len(msgs))
	for i := range msgs {
		out[i] = *Broadcast(msgs[i])
	}
	return &pb.Envelope{ChatHistory: &pb.ChatHistory{Messages: out}}
}

// Sanitize collapses newlines to spaces and strips other control characters.
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1 // null, bell, ANSI escapes
		}
		return r
	}, s)
}
