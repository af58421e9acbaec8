package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/NicolasHaas/baccarat/pkg/auth"
	"github.com/NicolasHaas/baccarat/pkg/chat"
	"github.com/NicolasHaas/baccarat/pkg/logging"
	"github.com/NicolasHaas/baccarat/pkg/model"
	"github.com/NicolasHaas/baccarat/pkg/protocol"
	pb "github.com/NicolasHaas/baccarat/pkg/protocol/pb"
	"github.com/NicolasHaas/baccarat/pkg/rbac"
)

// Error codes carried by ErrorResponse.
const (
	CodePermissionDenied int32 = 30
	CodeActionFailed     int32 = 31
	CodeUserNotOnline    int32 = 32
)

const maxReasonLength = 256

// ErrUnknownAccount is returned by UpdateBalance for a username with no account.
var ErrUnknownAccount = errors.New("server: unknown account")

var kindPermissions = map[protocol.Kind]rbac.Permission{
	protocol.KindLogin:           rbac.PermLogin,
	protocol.KindRequestGameData: rbac.PermRequestGameData,
	protocol.KindLogout:          rbac.PermLogout,
	protocol.KindChatSubmit:      rbac.PermChat,
	protocol.KindKickUser:        rbac.PermKickUser,
	protocol.KindBanUser:         rbac.PermBanUser,
	protocol.KindSetBalance:      rbac.PermSetBalance,
	protocol.KindPing:            rbac.PermPing,
}

// serveConn runs one websocket connection from upgrade to close.
func (s *Server) serveConn(ws *websocket.Conn, remote string) {
	id := model.ConnID(uuid.NewString())
	c := newClient(id, ws, remote, logging.ForConn(string(id), remote), s.cfg.SendBuffer)
	ws.SetReadLimit(protocol.MaxMessageSize)

	s.metrics.TotalConnections.Add(1)
	s.metrics.ActiveConnections.Add(1)
	s.hub.add(c)
	go c.writePump()
	c.log.Debug("new connection")

	defer s.disconnect(c)

	if !s.handshake(c) {
		return
	}
	s.messageLoop(c)
}

// handshake waits for a login within HandshakeTimeout. Anything else sent
// before it is dropped. It reports whether the connection is authenticated.
func (s *Server) handshake(c *client) bool {
	if s.cfg.HandshakeTimeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	}
	for {
		env, kind, err := s.readEnvelope(c)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.metrics.HandshakeTimeouts.Add(1)
				c.log.Info("handshake timed out")
			} else {
				c.log.Debug("closed before login", "err", err)
			}
			return false
		}
		if env == nil {
			continue
		}
		if kind != protocol.KindLogin {
			s.metrics.Unauthorized.Add(1)
			c.log.Warn("message before login dropped", "kind", kind)
			continue
		}
		return s.login(c, env.Login)
	}
}

func (s *Server) login(c *client, req *pb.LoginRequest) bool {
	ctx := s.ctx

	claimed, err := s.verifier.Verify(req.Token)
	if err == nil && req.Username != "" && !strings.EqualFold(req.Username, claimed.Username) {
		err = auth.ErrInvalidToken
	}
	if err != nil {
		c.log.Info("login rejected", "reason", "invalid token")
		s.rejectLogin(c, "invalid token")
		return false
	}

	tx, err := s.store.Tx(ctx)
	if err != nil {
		c.log.Error("could not establish transaction", "err", err)
		s.rejectLogin(c, "server error")
		return false
	}
	acct, created, err := tx.EnsureAccount(ctx, claimed.Username, s.cfg.StartingBalance)
	if err != nil {
		c.log.Error("failed to load account", "user", claimed.Username, "err", err)
		s.rejectLogin(c, "server error")
		return false
	}
	if created {
		c.log.Info("account created", "user", acct.Username, "balance", acct.Balance)
	}

	banned, err := s.store.NonTx().IsAccountBanned(ctx, acct.ID)
	if err != nil {
		c.log.Error("ban check failed", "user", acct.Username, "err", err)
		s.rejectLogin(c, "server error")
		return false
	}
	if banned {
		c.log.Info("login rejected", "user", acct.Username, "reason", "banned")
		s.rejectLogin(c, "account banned")
		return false
	}

	sess := s.resolver.Resolve(c.id, claimed)
	if sess.UserID == 0 {
		sess.UserID = acct.ID
	}
	sess.Balance = acct.Balance

	// Register cannot fail, and once it returns fan-out can reach c. The
	// response must already be queued so it is the first frame c sees.
	c.Send(&pb.Envelope{LoginResponse: &pb.LoginResponse{
		Success: true,
		User: &pb.UserInfo{
			ID:       sess.UserID,
			Username: sess.Username,
			IsAdmin:  sess.IsAdmin,
			Balance:  sess.Balance,
		},
	}})
	for _, n := range s.sessions.Register(c.id, sess) {
		s.metrics.Evictions.Add(1)
		s.hub.forceLogout(n)
	}
	s.metrics.SuccessfulAuths.Add(1)
	c.log.Info("client authenticated", "user", sess.Username, "admin", sess.IsAdmin)

	s.sendHistory(ctx, c)
	c.scheduleGameData(s.cfg.GameDataDelay, func() { s.pushGameData(c.id) })
	s.broadcastPresence()

	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	return true
}

func (s *Server) rejectLogin(c *client, message string) {
	s.metrics.FailedAuths.Add(1)
	c.finish(&pb.Envelope{LoginResponse: &pb.LoginResponse{Success: false, Message: message}})
}

func (s *Server) messageLoop(c *client) {
	for {
		env, kind, err := s.readEnvelope(c)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("read error", "err", err)
			}
			return
		}
		if env == nil {
			continue
		}
		if !s.handleMessage(c, env, kind) {
			return
		}
	}
}

// readEnvelope returns a nil envelope for frames that should be skipped.
func (s *Server) readEnvelope(c *client) (*pb.Envelope, protocol.Kind, error) {
	mt, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, protocol.KindUnknown, err
	}
	if mt != websocket.TextMessage {
		return nil, protocol.KindUnknown, nil
	}
	env, kind, err := protocol.Decode(data)
	if err != nil {
		c.log.Warn("undecodable message dropped", "err", err)
		return nil, protocol.KindUnknown, nil
	}
	if !kind.Inbound() {
		c.log.Warn("server message from client dropped", "kind", kind)
		return nil, protocol.KindUnknown, nil
	}
	return env, kind, nil
}

// handleMessage dispatches one message from an authenticated connection.
// It returns false when the connection should close.
func (s *Server) handleMessage(c *client, env *pb.Envelope, kind protocol.Kind) bool {
	sess, ok := s.sessions.Lookup(c.id)
	if !ok {
		// evicted or kicked; the close is already on its way
		s.metrics.Unauthorized.Add(1)
		c.log.Warn("message without session dropped", "kind", kind)
		return true
	}

	role := rbac.RoleOf(sess.IsAdmin)
	perm := kindPermissions[kind]
	if !rbac.HasPermission(role, perm) {
		s.metrics.Unauthorized.Add(1)
		if kind == protocol.KindLogin {
			c.log.Warn("login on authenticated connection ignored", "user", sess.Username)
			return true
		}
		c.log.Warn("permission denied", "user", sess.Username, "kind", kind)
		s.sendError(c, CodePermissionDenied, rbac.RequirePermission(role, perm))
		return true
	}

	switch kind {
	case protocol.KindRequestGameData:
		s.pushGameData(c.id)

	case protocol.KindLogout:
		s.logout(c)
		return false

	case protocol.KindChatSubmit:
		s.handleChat(c, env.ChatSubmit)

	case protocol.KindKickUser:
		s.handleKickUser(c, sess, env.KickUser)

	case protocol.KindBanUser:
		s.handleBanUser(c, sess, env.BanUser)

	case protocol.KindSetBalance:
		s.handleSetBalance(c, sess, env.SetBalance)

	case protocol.KindPing:
		c.Send(&pb.Envelope{Pong: &pb.Pong{Timestamp: env.Ping.Timestamp}})
	}
	return true
}

func (s *Server) logout(c *client) {
	if sess, removed := s.sessions.Remove(c.id); removed {
		c.log.Info("client logged out", "user", sess.Username)
		s.broadcastPresence()
	}
}

// disconnect is the single cleanup path for every connection.
func (s *Server) disconnect(c *client) {
	s.hub.remove(c.id)
	c.stop()
	if sess, removed := s.sessions.Remove(c.id); removed {
		c.log.Info("client disconnected", "user", sess.Username)
		s.broadcastPresence()
	}
	s.metrics.ActiveConnections.Add(-1)
	s.metrics.TotalDisconnects.Add(1)
}

func (s *Server) broadcastPresence() {
	s.presence.BroadcastUpdate()
	s.metrics.PresenceBroadcasts.Add(1)
}

func (s *Server) sendHistory(ctx context.Context, c *client) {
	if s.cfg.ChatHistorySize <= 0 || s.history == nil {
		return
	}
	msgs, err := s.history.Recent(ctx, s.cfg.ChatHistorySize)
	if err != nil {
		c.log.Warn("failed to load chat history", "err", err)
		return
	}
	if len(msgs) > 0 {
		c.Send(chat.HistoryEnvelope(msgs))
	}
}

func (s *Server) pushGameData(id model.ConnID) {
	sess, ok := s.sessions.Lookup(id)
	if !ok {
		return
	}
	s.hub.Send(id, &pb.Envelope{GameData: &pb.GameData{
		Username:   sess.Username,
		Balance:    sess.Balance,
		ServerTime: time.Now().UnixMilli(),
	}})
}

func (s *Server) handleChat(c *client, req *pb.ChatSubmit) {
	if _, err := s.chat.Submit(s.ctx, c.id, req.Text); err != nil {
		s.metrics.ChatMessagesDropped.Add(1)
		c.log.Debug("chat rejected", "err", err)
		return
	}
	s.metrics.ChatMessagesSent.Add(1)
}

// kickUser ends every session of username with reason and returns how many
// were ended.
func (s *Server) kickUser(username, reason string) int {
	removed := s.sessions.RemoveUser(username)
	for _, sess := range removed {
		s.hub.forceLogout(model.ForcedLogoutNotice{ConnID: sess.ConnID, Reason: reason})
	}
	if len(removed) > 0 {
		s.broadcastPresence()
	}
	return len(removed)
}

func (s *Server) handleKickUser(c *client, sess model.Session, req *pb.KickUserRequest) {
	target := strings.TrimSpace(req.Username)
	if strings.EqualFold(target, sess.Username) {
		s.sendError(c, CodeActionFailed, "cannot kick yourself")
		return
	}

	reason := adminReason(model.ReasonKicked, req.Reason)
	if s.kickUser(target, reason) == 0 {
		s.sendError(c, CodeUserNotOnline, "user not online")
		return
	}

	c.log.Info("user kicked", "target", target, "by", sess.Username, "reason", req.Reason)
	s.metrics.KickCount.Add(1)
}

func (s *Server) handleBanUser(c *client, sess model.Session, req *pb.BanUserRequest) {
	ctx := s.ctx
	if req.DurationSeconds < 0 {
		s.sendError(c, CodeActionFailed, "invalid ban duration")
		return
	}

	acct, err := s.store.NonTx().GetAccountByUsername(ctx, strings.TrimSpace(req.Username))
	if err != nil {
		c.log.Error("ban lookup failed", "target", req.Username, "err", err)
		s.sendError(c, CodeActionFailed, "failed to create ban")
		return
	}
	if acct == nil {
		s.sendError(c, CodeActionFailed, "user not found")
		return
	}
	if acct.ID == sess.UserID || strings.EqualFold(acct.Username, sess.Username) {
		s.sendError(c, CodeActionFailed, "cannot ban yourself")
		return
	}

	ban := &model.Ban{
		AccountID: acct.ID,
		Reason:    cleanReason(req.Reason),
		BannedBy:  sess.UserID,
	}
	if req.DurationSeconds > 0 {
		ban.ExpiresAt = time.Now().Add(time.Duration(req.DurationSeconds) * time.Second)
	}
	if err := s.store.NonTx().CreateBan(ctx, ban); err != nil {
		c.log.Error("create ban failed", "target", acct.Username, "err", err)
		s.sendError(c, CodeActionFailed, "failed to create ban")
		return
	}

	s.kickUser(acct.Username, adminReason(model.ReasonBanned, req.Reason))

	c.log.Info("user banned", "target", acct.Username, "by", sess.Username, "seconds", req.DurationSeconds)
	s.metrics.BanCount.Add(1)
}

func (s *Server) handleSetBalance(c *client, sess model.Session, req *pb.SetBalanceRequest) {
	err := s.UpdateBalance(s.ctx, strings.TrimSpace(req.Username), req.Balance)
	switch {
	case err == nil:
		c.log.Info("balance set", "target", req.Username, "balance", req.Balance, "by", sess.Username)
	case errors.Is(err, ErrUnknownAccount):
		s.sendError(c, CodeActionFailed, "user not found")
	case errors.Is(err, model.ErrNegativeBalance):
		s.sendError(c, CodeActionFailed, err.Error())
	default:
		c.log.Error("set balance failed", "target", req.Username, "err", err)
		s.sendError(c, CodeActionFailed, "failed to set balance")
	}
}

// UpdateBalance persists a new balance for username and pushes user_update
// to each of the user's live sessions. The game component calls this after
// settling a round.
func (s *Server) UpdateBalance(ctx context.Context, username string, balance int64) error {
	if err := model.ValidateBalance(balance); err != nil {
		return err
	}
	acct, err := s.store.NonTx().GetAccountByUsername(ctx, username)
	if err != nil {
		return fmt.Errorf("server: update balance: %w", err)
	}
	if acct == nil {
		return ErrUnknownAccount
	}
	if err := s.store.NonTx().UpdateBalance(ctx, acct.ID, balance); err != nil {
		return fmt.Errorf("server: update balance: %w", err)
	}

	for _, sess := range s.sessions.SetBalance(acct.Username, balance) {
		s.hub.Send(sess.ConnID, &pb.Envelope{UserUpdate: &pb.UserUpdate{
			Username: sess.Username,
			Balance:  balance,
			IsAdmin:  sess.IsAdmin,
		}})
	}
	s.metrics.BalanceUpdates.Add(1)
	return nil
}

func (s *Server) sendError(c *client, code int32, message string) {
	c.Send(&pb.Envelope{ErrorResponse: &pb.ErrorResponse{Code: code, Message: message}})
}

func cleanReason(reason string) string {
	reason = chat.Sanitize(strings.TrimSpace(reason))
	if len(reason) > maxReasonLength {
		cut := maxReasonLength
		for cut > 0 && !utf8.RuneStart(reason[cut]) {
			cut--
		}
		reason = reason[:cut]
	}
	return reason
}

// adminReason appends the moderator's reason, if any, to the base notice.
func adminReason(base, reason string) string {
	if r := cleanReason(reason); r != "" {
		return base + ": " + r
	}
	return base
}
