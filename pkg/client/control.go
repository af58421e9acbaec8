// Package client implements a Go client for the baccarat live server.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NicolasHaas/baccarat/pkg/protocol"
	pb "github.com/NicolasHaas/baccarat/pkg/protocol/pb"
	"github.com/NicolasHaas/baccarat/pkg/version"
)

const writeWait = 10 * time.Second

// EventHandler is a callback for incoming server events.
type EventHandler func(env *pb.Envelope, kind protocol.Kind)

// Conn manages one websocket connection to the server.
type Conn struct {
	ws      *websocket.Conn
	mu      sync.Mutex // serializes writes
	handler EventHandler
	done    chan struct{}
}

// DialOptions tweak Dial.
type DialOptions struct {
	// InsecureSkipVerify accepts the server's self-signed certificate.
	InsecureSkipVerify bool
	HandshakeTimeout   time.Duration
}

// Dial opens a websocket to url (ws:// or wss://).
func Dial(ctx context.Context, url string, opts DialOptions) (*Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: opts.HandshakeTimeout,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec // opt-in for self-signed servers
			MinVersion:         tls.VersionTLS12,
		},
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}

	header := http.Header{}
	header.Set("User-Agent", version.UserAgent("client"))

	ws, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("client: connect: %w", err)
	}
	ws.SetReadLimit(protocol.MaxMessageSize)
	return &Conn{ws: ws, done: make(chan struct{})}, nil
}

// SetEventHandler sets the callback for incoming messages. Call before
// StartReceiving.
func (c *Conn) SetEventHandler(handler EventHandler) {
	c.handler = handler
}

// Send writes one envelope.
func (c *Conn) Send(env *pb.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Login sends the login request and waits for the server's answer. A failed
// login is returned as a response with Success false, not as an error.
func (c *Conn) Login(username, token string, timeout time.Duration) (*pb.LoginResponse, error) {
	if err := c.Send(&pb.Envelope{Login: &pb.LoginRequest{Username: username, Token: token}}); err != nil {
		return nil, fmt.Errorf("client: send login: %w", err)
	}

	if timeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(timeout))
		defer func() { _ = c.ws.SetReadDeadline(time.Time{}) }()
	}
	for {
		env, kind, err := c.read()
		if err != nil {
			return nil, fmt.Errorf("client: read login response: %w", err)
		}
		if kind == protocol.KindLoginResponse {
			return env.LoginResponse, nil
		}
		slog.Debug("ignoring message before login response", "kind", kind)
	}
}

func (c *Conn) read() (*pb.Envelope, protocol.Kind, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, protocol.KindUnknown, err
		}
		if mt != websocket.TextMessage {
			continue
		}
		env, kind, err := protocol.Decode(data)
		if err != nil {
			slog.Warn("undecodable server message", "err", err)
			continue
		}
		return env, kind, nil
	}
}

// StartReceiving starts a goroutine that reads incoming messages and
// dispatches them to the event handler.
func (c *Conn) StartReceiving() {
	go func() {
		defer close(c.done)
		for {
			env, kind, err := c.read()
			if err != nil {
				if isClosedErr(err) {
					slog.Debug("connection closed")
					return
				}
				slog.Error("read error", "err", err)
				return
			}
			if c.handler != nil {
				c.handler(env, kind)
			}
		}
	}()
}

// Close closes the connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.ws.Close()
}

// Done returns a channel that's closed when the connection is lost.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func isClosedErr(err error) bool {
	if err == nil {
		return false
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}
