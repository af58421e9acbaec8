package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/NicolasHaas/baccarat/pkg/crypto"
	"github.com/NicolasHaas/baccarat/pkg/protocol"
	pb "github.com/NicolasHaas/baccarat/pkg/protocol/pb"
)

// State represents the client's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

var (
	ErrNotConnected     = errors.New("client: not connected")
	ErrAlreadyConnected = errors.New("client: already connected")
	ErrNoCredentials    = errors.New("client: no stored credentials")
	// ErrLoggedOutElsewhere is returned when reconnecting with a token the
	// server already ended with a forced logout.
	ErrLoggedOutElsewhere = errors.New("client: session was ended by the server, log in again")
)

// LoginError is a login the server answered with success=false.
type LoginError struct {
	Message string
}

func (e *LoginError) Error() string {
	return "client: login rejected: " + e.Message
}

// ServerError is an error_response pushed by the server.
type ServerError struct {
	Code    int32
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

const loginTimeout = 10 * time.Second

// Engine keeps one authenticated session to the server and the client-side
// view of it (user, presence).
type Engine struct {
	mu sync.RWMutex

	state    State
	url      string
	token    string
	conn     *Conn
	user     pb.UserInfo
	presence []pb.PresenceUser
	revoked  map[string]struct{} // fingerprints of tokens ended by forced_logout

	creds *CredentialStore
	opts  DialOptions

	// Callbacks run on the receive goroutine.
	OnStateChange  func(state State)
	OnLogin        func(user pb.UserInfo)
	OnPresence     func(users []pb.PresenceUser)
	OnChat         func(msg pb.ChatBroadcast)
	OnChatHistory  func(msgs []pb.ChatBroadcast)
	OnUserUpdate   func(update pb.UserUpdate)
	OnGameData     func(data pb.GameData)
	OnForcedLogout func(message string)
	OnPong         func(rtt time.Duration)
	OnError        func(err error)
	OnDisconnect   func(reason string)
}

// NewEngine creates a client engine. creds may be nil to skip persistence.
func NewEngine(creds *CredentialStore, opts DialOptions) *Engine {
	return &Engine{
		state:   StateDisconnected,
		creds:   creds,
		opts:    opts,
		revoked: make(map[string]struct{}),
	}
}

// Connect dials url, logs in and starts receiving. On success the credential
// is saved to the store.
func (e *Engine) Connect(ctx context.Context, url, username, token string) error {
	if token == "" {
		return ErrNoCredentials
	}

	e.mu.Lock()
	if e.state != StateDisconnected {
		e.mu.Unlock()
		return ErrAlreadyConnected
	}
	if _, ok := e.revoked[crypto.Fingerprint(token)]; ok {
		e.mu.Unlock()
		return ErrLoggedOutElsewhere
	}
	e.state = StateConnecting
	e.mu.Unlock()

	e.notifyStateChange(StateConnecting)

	conn, err := Dial(ctx, url, e.opts)
	if err != nil {
		e.setState(StateDisconnected)
		return err
	}

	resp, err := conn.Login(username, token, loginTimeout)
	if err != nil {
		_ = conn.Close()
		e.setState(StateDisconnected)
		return err
	}
	if !resp.Success || resp.User == nil {
		_ = conn.Close()
		e.setState(StateDisconnected)
		if permanentRejection(resp.Message) {
			e.forgetToken(token)
		}
		return &LoginError{Message: resp.Message}
	}

	slog.Info("logged in", "user", resp.User.Username, "admin", resp.User.IsAdmin)

	e.mu.Lock()
	e.conn = conn
	e.url = url
	e.token = token
	e.user = *resp.User
	e.presence = nil
	e.state = StateConnected
	e.mu.Unlock()

	if e.creds != nil {
		if err := e.creds.Save(Credential{Server: url, Username: username, Token: token, User: resp.User}); err != nil {
			slog.Warn("save credentials", "err", err)
		}
	}

	conn.SetEventHandler(e.handleEvent)
	conn.StartReceiving()

	e.notifyStateChange(StateConnected)
	if e.OnLogin != nil {
		e.OnLogin(*resp.User)
	}

	go func() {
		<-conn.Done()
		e.dropConn(conn, "connection lost")
	}()
	return nil
}

// Resume connects with the stored credential.
func (e *Engine) Resume(ctx context.Context) error {
	if e.creds == nil {
		return ErrNoCredentials
	}
	c, err := e.creds.Load()
	if err != nil {
		return err
	}
	if c == nil {
		return ErrNoCredentials
	}
	return e.Connect(ctx, c.Server, c.Username, c.Token)
}

// handleEvent dispatches incoming server events.
func (e *Engine) handleEvent(env *pb.Envelope, kind protocol.Kind) {
	switch kind {
	case protocol.KindPresenceUpdate:
		users := append([]pb.PresenceUser(nil), env.PresenceUpdate.Users...)
		e.mu.Lock()
		e.presence = users
		e.mu.Unlock()
		if e.OnPresence != nil {
			e.OnPresence(users)
		}

	case protocol.KindChatBroadcast:
		if e.OnChat != nil {
			e.OnChat(*env.ChatBroadcast)
		}

	case protocol.KindChatHistory:
		if e.OnChatHistory != nil {
			e.OnChatHistory(env.ChatHistory.Messages)
		}

	case protocol.KindUserUpdate:
		u := env.UserUpdate
		e.mu.Lock()
		if u.Username == e.user.Username {
			e.user.Balance = u.Balance
			e.user.IsAdmin = u.IsAdmin
		}
		e.mu.Unlock()
		if e.OnUserUpdate != nil {
			e.OnUserUpdate(*u)
		}

	case protocol.KindGameData:
		e.mu.Lock()
		e.user.Balance = env.GameData.Balance
		e.mu.Unlock()
		if e.OnGameData != nil {
			e.OnGameData(*env.GameData)
		}

	case protocol.KindForcedLogout:
		e.handleForcedLogout(env.ForcedLogout.Message)

	case protocol.KindErrorResponse:
		slog.Warn("server error", "code", env.ErrorResponse.Code, "msg", env.ErrorResponse.Message)
		if e.OnError != nil {
			e.OnError(&ServerError{Code: env.ErrorResponse.Code, Message: env.ErrorResponse.Message})
		}

	case protocol.KindPong:
		if e.OnPong != nil {
			e.OnPong(time.Since(time.UnixMilli(env.Pong.Timestamp)))
		}

	default:
		slog.Debug("ignoring server message", "kind", kind)
	}
}

// handleForcedLogout drops the stored credential and refuses to reuse the
// token for this engine's lifetime.
func (e *Engine) handleForcedLogout(message string) {
	e.mu.Lock()
	token := e.token
	conn := e.conn
	e.revoked[crypto.Fingerprint(token)] = struct{}{}
	e.mu.Unlock()

	slog.Warn("forced logout", "msg", message)
	e.forgetToken(token)
	if e.OnForcedLogout != nil {
		e.OnForcedLogout(message)
	}
	e.dropConn(conn, message)
}

// permanentRejection reports whether a failed login means the token itself
// is unusable. Anything else, like a transient server error, keeps it.
func permanentRejection(message string) bool {
	switch message {
	case "invalid token", "account banned":
		return true
	}
	return false
}

// forgetToken clears the store if it still holds token.
func (e *Engine) forgetToken(token string) {
	if e.creds == nil {
		return
	}
	c, err := e.creds.Load()
	if err != nil || c == nil || c.Token != token {
		return
	}
	if err := e.creds.Clear(); err != nil {
		slog.Warn("clear credentials", "err", err)
	}
}

func (e *Engine) send(env *pb.Envelope) error {
	e.mu.RLock()
	conn := e.conn
	e.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(env)
}

// SendChat posts a chat message to the room.
func (e *Engine) SendChat(text string) error {
	return e.send(&pb.Envelope{ChatSubmit: &pb.ChatSubmit{Text: text}})
}

// RequestGameData asks the server for a fresh game_data push.
func (e *Engine) RequestGameData() error {
	return e.send(&pb.Envelope{RequestGameData: &pb.RequestGameData{}})
}

// Ping measures round trip; the answer arrives via OnPong.
func (e *Engine) Ping() error {
	return e.send(&pb.Envelope{Ping: &pb.Ping{Timestamp: time.Now().UnixMilli()}})
}

// KickUser ends every session of username (admin only).
func (e *Engine) KickUser(username, reason string) error {
	return e.send(&pb.Envelope{KickUser: &pb.KickUserRequest{Username: username, Reason: reason}})
}

// BanUser bans username for d, or permanently when d is zero (admin only).
func (e *Engine) BanUser(username, reason string, d time.Duration) error {
	return e.send(&pb.Envelope{BanUser: &pb.BanUserRequest{
		Username:        username,
		Reason:          reason,
		DurationSeconds: int64(d / time.Second),
	}})
}

// SetBalance overwrites a user's balance (admin only).
func (e *Engine) SetBalance(username string, balance int64) error {
	return e.send(&pb.Envelope{SetBalance: &pb.SetBalanceRequest{Username: username, Balance: balance}})
}

// Logout ends the session on the server and forgets the stored credential.
func (e *Engine) Logout() error {
	e.mu.RLock()
	conn := e.conn
	token := e.token
	e.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	err := conn.Send(&pb.Envelope{Logout: &pb.LogoutRequest{}})
	e.forgetToken(token)
	e.dropConn(conn, "logged out")
	return err
}

// Disconnect closes the connection and keeps the stored credential.
func (e *Engine) Disconnect() {
	e.mu.RLock()
	conn := e.conn
	e.mu.RUnlock()
	e.dropConn(conn, "user disconnected")
}

// State returns the current connection state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// User returns the logged-in user as last reported by the server.
func (e *Engine) User() pb.UserInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.user
}

// Presence returns the last presence list.
func (e *Engine) Presence() []pb.PresenceUser {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]pb.PresenceUser(nil), e.presence...)
}

// dropConn tears down conn if it is still the active connection.
func (e *Engine) dropConn(conn *Conn, reason string) {
	e.mu.Lock()
	if conn == nil || e.conn != conn {
		e.mu.Unlock()
		return
	}
	e.conn = nil
	e.presence = nil
	e.state = StateDisconnected
	e.mu.Unlock()

	_ = conn.Close()

	slog.Info("disconnected", "reason", reason)
	e.notifyStateChange(StateDisconnected)
	if e.OnDisconnect != nil {
		e.OnDisconnect(reason)
	}
}

func (e *Engine) setState(state State) {
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
	e.notifyStateChange(state)
}

func (e *Engine) notifyStateChange(state State) {
	if e.OnStateChange != nil {
		e.OnStateChange(state)
	}
}
