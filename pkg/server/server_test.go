package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"

	"github.com/NicolasHaas/baccarat/pkg/auth"
	"github.com/NicolasHaas/baccarat/pkg/model"
	"github.com/NicolasHaas/baccarat/pkg/protocol"
	pb "github.com/NicolasHaas/baccarat/pkg/protocol/pb"
	"github.com/NicolasHaas/baccarat/pkg/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type testEnv struct {
	srv *Server
	st  *store.MemoryStore
	url string
}

func newTestServer(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	st := store.NewMemory()
	cfg := DefaultConfig()
	cfg.JWTSecret = testSecret
	cfg.DataDir = t.TempDir()
	cfg.GameDataDelay = time.Hour
	cfg.HandshakeTimeout = 5 * time.Second
	for _, fn := range mutate {
		fn(&cfg)
	}

	srv, err := New(cfg, Dependencies{Store: st})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		srv.Shutdown()
		ts.Close()
	})
	return &testEnv{srv: srv, st: st, url: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"}
}

func (e *testEnv) token(t *testing.T, sub auth.Subject) string {
	t.Helper()
	tok, err := e.srv.Issuer().Issue(sub)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

type testClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func (e *testEnv) dial(t *testing.T) *testClient {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(e.url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return &testClient{t: t, ws: ws}
}

// connect dials and logs in as username, consuming the login response.
func (e *testEnv) connect(t *testing.T, username string, isAdmin bool) *testClient {
	t.Helper()
	c := e.dial(t)
	resp := c.login(username, e.token(t, auth.Subject{Username: username, IsAdmin: isAdmin}))
	if !resp.Success {
		t.Fatalf("login %s failed: %q", username, resp.Message)
	}
	return c
}

func (c *testClient) send(env *pb.Envelope) {
	c.t.Helper()
	data, err := protocol.Encode(env)
	if err != nil {
		c.t.Fatalf("Encode: %v", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testClient) read(timeout time.Duration) (*pb.Envelope, protocol.Kind, error) {
	_ = c.ws.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, protocol.KindUnknown, err
	}
	return protocol.Decode(data)
}

// expect skips messages until one of kind arrives.
func (c *testClient) expect(kind protocol.Kind) *pb.Envelope {
	c.t.Helper()
	for {
		env, k, err := c.read(3 * time.Second)
		if err != nil {
			c.t.Fatalf("waiting for %s: %v", kind, err)
		}
		if k == kind {
			return env
		}
	}
}

func (c *testClient) login(username, token string) *pb.LoginResponse {
	c.t.Helper()
	c.send(&pb.Envelope{Login: &pb.LoginRequest{Username: username, Token: token}})
	return c.expect(protocol.KindLoginResponse).LoginResponse
}

// expectClosed asserts the server closed the socket without sending more data.
func (c *testClient) expectClosed() {
	c.t.Helper()
	env, kind, err := c.read(3 * time.Second)
	if err == nil {
		c.t.Fatalf("expected close, got %s: %+v", kind, env)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		c.t.Fatalf("expected close, read timed out")
	}
}

// expectSilence asserts nothing arrives within d.
func (c *testClient) expectSilence(d time.Duration) {
	c.t.Helper()
	env, kind, err := c.read(d)
	if err == nil {
		c.t.Fatalf("expected no message, got %s: %+v", kind, env)
	}
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		c.t.Fatalf("expected read timeout, got %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func users(list ...any) []pb.PresenceUser {
	out := make([]pb.PresenceUser, 0, len(list)/2)
	for i := 0; i < len(list); i += 2 {
		out = append(out, pb.PresenceUser{Username: list[i].(string), IsAdmin: list[i+1].(bool)})
	}
	return out
}

func TestLoginSuccess(t *testing.T) {
	env := newTestServer(t)
	c := env.dial(t)

	resp := c.login("alice", env.token(t, auth.Subject{Username: "alice"}))
	if !resp.Success || resp.User == nil {
		t.Fatalf("login failed: %+v", resp)
	}
	want := &pb.UserInfo{ID: resp.User.ID, Username: "alice", IsAdmin: false, Balance: 1000}
	if diff := cmp.Diff(want, resp.User); diff != "" {
		t.Errorf("user mismatch (-want +got):\n%s", diff)
	}

	p := c.expect(protocol.KindPresenceUpdate).PresenceUpdate
	if diff := cmp.Diff(users("alice", false), p.Users); diff != "" {
		t.Errorf("presence mismatch (-want +got):\n%s", diff)
	}

	acct, err := env.st.GetAccountByUsername(context.Background(), "alice")
	if err != nil || acct == nil {
		t.Fatalf("account not created: %v", err)
	}
	if acct.ID != resp.User.ID {
		t.Errorf("user id: want account id %d got %d", acct.ID, resp.User.ID)
	}
}

func TestAdminUsernameAnyCase(t *testing.T) {
	type tcase struct {
		username string
		claim    bool
		want     bool
	}
	tests := map[string]tcase{
		"lowercase":        {username: "admin", want: true},
		"uppercase":        {username: "ADMIN", want: true},
		"mixed":            {username: "AdMiN", want: true},
		"claimed admin":    {username: "carol", claim: true, want: true},
		"plain player":     {username: "carol", want: false},
		"admin lookalike":  {username: "admin2", want: false},
		"admin lookalike2": {username: "administrator", want: false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			env := newTestServer(t)
			c := env.dial(t)
			resp := c.login(tc.username, env.token(t, auth.Subject{Username: tc.username, IsAdmin: tc.claim}))
			if !resp.Success {
				t.Fatalf("login failed: %q", resp.Message)
			}
			if resp.User.IsAdmin != tc.want {
				t.Errorf("login_response isAdmin: want %t got %t", tc.want, resp.User.IsAdmin)
			}
			p := c.expect(protocol.KindPresenceUpdate).PresenceUpdate
			if diff := cmp.Diff(users(tc.username, tc.want), p.Users); diff != "" {
				t.Errorf("presence mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAdminNameOverrideDisabled(t *testing.T) {
	env := newTestServer(t, func(c *Config) { c.AdminNameOverride = false })
	c := env.dial(t)
	resp := c.login("admin", env.token(t, auth.Subject{Username: "admin"}))
	if !resp.Success {
		t.Fatalf("login failed: %q", resp.Message)
	}
	if resp.User.IsAdmin {
		t.Errorf("admin flag derived from username with override disabled")
	}
}

func TestInvalidToken(t *testing.T) {
	type tcase struct {
		username string
		token    func(e *testEnv) string
	}
	otherSigner, err := auth.NewIssuer([]byte("another-secret-another-secret-xx"), time.Hour, auth.WithIssuer("baccarat"))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	tests := map[string]tcase{
		"bad signature": {username: "mallory", token: func(*testEnv) string {
			tok, _ := otherSigner.Issue(auth.Subject{Username: "mallory"})
			return tok
		}},
		"garbage": {username: "mallory", token: func(*testEnv) string { return "not.a.token" }},
		"empty":   {username: "mallory", token: func(*testEnv) string { return "" }},
		"username mismatch": {username: "admin", token: func(e *testEnv) string {
			tok, _ := e.srv.Issuer().Issue(auth.Subject{Username: "mallory"})
			return tok
		}},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			env := newTestServer(t)
			observer := env.connect(t, "alice", false)
			observer.expect(protocol.KindPresenceUpdate)
			broadcasts := env.srv.Metrics().PresenceBroadcasts.Load()

			c := env.dial(t)
			resp := c.login(tc.username, tc.token(env))
			want := &pb.LoginResponse{Success: false, Message: "invalid token"}
			if diff := cmp.Diff(want, resp); diff != "" {
				t.Errorf("login_response mismatch (-want +got):\n%s", diff)
			}
			c.expectClosed()

			if got := env.srv.Sessions().Count(); got != 1 {
				t.Errorf("sessions: want 1 got %d", got)
			}
			if got := env.srv.Metrics().PresenceBroadcasts.Load(); got != broadcasts {
				t.Errorf("presence broadcasts: want %d got %d", broadcasts, got)
			}
			observer.expectSilence(100 * time.Millisecond)
		})
	}
}

func TestNothingBeforeLogin(t *testing.T) {
	env := newTestServer(t)
	alice := env.connect(t, "alice", false)
	alice.expect(protocol.KindPresenceUpdate)

	anon := env.dial(t)
	anon.send(&pb.Envelope{ChatSubmit: &pb.ChatSubmit{Text: "spoofed"}})
	anon.send(&pb.Envelope{RequestGameData: &pb.RequestGameData{}})
	anon.send(&pb.Envelope{KickUser: &pb.KickUserRequest{Username: "alice"}})

	waitFor(t, "drops counted", func() bool { return env.srv.Metrics().Unauthorized.Load() == 3 })

	alice.send(&pb.Envelope{ChatSubmit: &pb.ChatSubmit{Text: "marker"}})
	got := alice.expect(protocol.KindChatBroadcast).ChatBroadcast
	if got.Text != "marker" {
		t.Fatalf("first chat seen by alice: want marker got %q", got.Text)
	}

	// presence and chat never reach an unauthenticated socket
	anon.expectSilence(150 * time.Millisecond)

	if diff := cmp.Diff([]model.PresenceEntry{{Username: "alice"}}, env.srv.Presence().Snapshot()); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestEvictOldSession(t *testing.T) {
	env := newTestServer(t)

	first := env.connect(t, "bob", false)
	first.expect(protocol.KindPresenceUpdate)
	carol := env.connect(t, "carol", false)
	carol.expect(protocol.KindPresenceUpdate)

	second := env.dial(t)
	resp := second.login("bob", env.token(t, auth.Subject{Username: "bob"}))
	if !resp.Success {
		t.Fatalf("second login failed: %q", resp.Message)
	}

	fl := first.expect(protocol.KindForcedLogout).ForcedLogout
	if fl.Message != model.ReasonLoggedInElsewhere {
		t.Errorf("forced_logout message: want %q got %q", model.ReasonLoggedInElsewhere, fl.Message)
	}
	first.expectClosed()

	// carol never sees two bobs
	p := carol.expect(protocol.KindPresenceUpdate).PresenceUpdate
	if diff := cmp.Diff(users("carol", false, "bob", false), p.Users); diff != "" {
		t.Errorf("presence mismatch (-want +got):\n%s", diff)
	}
	p = second.expect(protocol.KindPresenceUpdate).PresenceUpdate
	if diff := cmp.Diff(users("carol", false, "bob", false), p.Users); diff != "" {
		t.Errorf("presence seen by new session (-want +got):\n%s", diff)
	}

	// the evicted socket's own close must not trigger another broadcast
	waitFor(t, "evicted disconnect", func() bool { return env.srv.Metrics().TotalDisconnects.Load() == 1 })
	if got := env.srv.Metrics().PresenceBroadcasts.Load(); got != 3 {
		t.Errorf("presence broadcasts: want 3 got %d", got)
	}
	if got := env.srv.Metrics().ForcedLogouts.Load(); got != 1 {
		t.Errorf("forced logouts: want 1 got %d", got)
	}
	carol.expectSilence(100 * time.Millisecond)
}

func TestSingleSessionDisabled(t *testing.T) {
	env := newTestServer(t, func(c *Config) { c.SingleSession = false })
	a := env.connect(t, "bob", false)
	a.expect(protocol.KindPresenceUpdate)
	b := env.connect(t, "bob", false)

	p := b.expect(protocol.KindPresenceUpdate).PresenceUpdate
	if diff := cmp.Diff(users("bob", false), p.Users); diff != "" {
		t.Errorf("presence mismatch (-want +got):\n%s", diff)
	}
	if got := env.srv.Sessions().Count(); got != 2 {
		t.Errorf("sessions: want 2 got %d", got)
	}
}

func TestChatIncludesSender(t *testing.T) {
	env := newTestServer(t)
	alice := env.connect(t, "alice", false)
	alice.expect(protocol.KindPresenceUpdate)
	admin := env.connect(t, "Admin", false)
	admin.expect(protocol.KindPresenceUpdate)
	alice.expect(protocol.KindPresenceUpdate)

	alice.send(&pb.Envelope{ChatSubmit: &pb.ChatSubmit{Text: "  hello\n"}})
	for name, c := range map[string]*testClient{"alice": alice, "admin": admin} {
		got := c.expect(protocol.KindChatBroadcast).ChatBroadcast
		if got.Username != "alice" || got.IsAdmin || got.Text != "hello" || got.Timestamp == 0 {
			t.Errorf("%s received %+v", name, got)
		}
	}

	admin.send(&pb.Envelope{ChatSubmit: &pb.ChatSubmit{Text: "welcome"}})
	got := alice.expect(protocol.KindChatBroadcast).ChatBroadcast
	if got.Username != "Admin" || !got.IsAdmin {
		t.Errorf("admin chat tagged wrong: %+v", got)
	}

	alice.send(&pb.Envelope{ChatSubmit: &pb.ChatSubmit{Text: "   "}})
	waitFor(t, "empty chat rejected", func() bool { return env.srv.Metrics().ChatMessagesDropped.Load() == 1 })
	waitFor(t, "chat counted", func() bool { return env.srv.Metrics().ChatMessagesSent.Load() == 2 })
}

func TestChatHistoryOnLogin(t *testing.T) {
	env := newTestServer(t)
	alice := env.connect(t, "alice", false)
	alice.send(&pb.Envelope{ChatSubmit: &pb.ChatSubmit{Text: "first"}})
	alice.expect(protocol.KindChatBroadcast)

	waitFor(t, "message recorded", func() bool {
		msgs, _ := env.st.ListMessages(context.Background(), model.MessageFilters{})
		return len(msgs) == 1
	})

	bob := env.connect(t, "bob", false)
	h := bob.expect(protocol.KindChatHistory).ChatHistory
	if len(h.Messages) != 1 || h.Messages[0].Text != "first" || h.Messages[0].Username != "alice" {
		t.Errorf("history: %+v", h.Messages)
	}
}

func TestLogoutAndDisconnect(t *testing.T) {
	env := newTestServer(t)
	alice := env.connect(t, "alice", false)
	alice.expect(protocol.KindPresenceUpdate)
	bob := env.connect(t, "bob", false)
	bob.expect(protocol.KindPresenceUpdate)
	carol := env.connect(t, "carol", false)
	carol.expect(protocol.KindPresenceUpdate)
	alice.expect(protocol.KindPresenceUpdate)
	alice.expect(protocol.KindPresenceUpdate)

	bob.send(&pb.Envelope{Logout: &pb.LogoutRequest{}})
	p := alice.expect(protocol.KindPresenceUpdate).PresenceUpdate
	if diff := cmp.Diff(users("alice", false, "carol", false), p.Users); diff != "" {
		t.Errorf("after logout (-want +got):\n%s", diff)
	}
	bob.expectClosed()

	_ = carol.ws.Close()
	p = alice.expect(protocol.KindPresenceUpdate).PresenceUpdate
	if diff := cmp.Diff(users("alice", false), p.Users); diff != "" {
		t.Errorf("after disconnect (-want +got):\n%s", diff)
	}
	if got := env.srv.Sessions().Count(); got != 1 {
		t.Errorf("sessions: want 1 got %d", got)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	env := newTestServer(t, func(c *Config) { c.HandshakeTimeout = 100 * time.Millisecond })
	c := env.dial(t)

	c.expectClosed()
	waitFor(t, "timeout counted", func() bool { return env.srv.Metrics().HandshakeTimeouts.Load() == 1 })
	if got := env.srv.Sessions().Count(); got != 0 {
		t.Errorf("sessions: want 0 got %d", got)
	}
}

func TestBannedAccountRejected(t *testing.T) {
	env := newTestServer(t)
	ctx := context.Background()
	acct, err := env.st.CreateAccount(ctx, "bob", false, 10)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if err := env.st.CreateBan(ctx, &model.Ban{AccountID: acct.ID, Reason: "cheating"}); err != nil {
		t.Fatalf("CreateBan: %v", err)
	}

	c := env.dial(t)
	resp := c.login("bob", env.token(t, auth.Subject{UserID: acct.ID, Username: "bob"}))
	want := &pb.LoginResponse{Success: false, Message: "account banned"}
	if diff := cmp.Diff(want, resp); diff != "" {
		t.Errorf("login_response mismatch (-want +got):\n%s", diff)
	}
	c.expectClosed()
}

func TestReloginIgnored(t *testing.T) {
	env := newTestServer(t)
	c := env.connect(t, "alice", false)
	c.expect(protocol.KindPresenceUpdate)

	c.send(&pb.Envelope{Login: &pb.LoginRequest{Username: "admin", Token: env.token(t, auth.Subject{Username: "admin"})}})
	c.send(&pb.Envelope{Ping: &pb.Ping{Timestamp: 7}})
	c.expect(protocol.KindPong)

	snap := env.srv.Presence().Snapshot()
	if diff := cmp.Diff([]model.PresenceEntry{{Username: "alice"}}, snap); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestAdminActions(t *testing.T) {
	env := newTestServer(t)
	admin := env.connect(t, "admin", false)
	admin.expect(protocol.KindPresenceUpdate)
	bob := env.connect(t, "bob", false)
	bob.expect(protocol.KindPresenceUpdate)
	admin.expect(protocol.KindPresenceUpdate)

	t.Run("player denied", func(t *testing.T) {
		bob.send(&pb.Envelope{KickUser: &pb.KickUserRequest{Username: "admin"}})
		e := bob.expect(protocol.KindErrorResponse).ErrorResponse
		if e.Code != CodePermissionDenied {
			t.Errorf("code: want %d got %d (%s)", CodePermissionDenied, e.Code, e.Message)
		}
	})

	t.Run("set balance", func(t *testing.T) {
		admin.send(&pb.Envelope{SetBalance: &pb.SetBalanceRequest{Username: "BOB", Balance: 250}})
		u := bob.expect(protocol.KindUserUpdate).UserUpdate
		if diff := cmp.Diff(&pb.UserUpdate{Username: "bob", Balance: 250}, u); diff != "" {
			t.Errorf("user_update mismatch (-want +got):\n%s", diff)
		}
		acct, _ := env.st.GetAccountByUsername(context.Background(), "bob")
		if acct.Balance != 250 {
			t.Errorf("stored balance: want 250 got %d", acct.Balance)
		}

		bob.send(&pb.Envelope{RequestGameData: &pb.RequestGameData{}})
		gd := bob.expect(protocol.KindGameData).GameData
		if gd.Balance != 250 || gd.Username != "bob" {
			t.Errorf("game_data: %+v", gd)
		}
	})

	t.Run("negative balance", func(t *testing.T) {
		admin.send(&pb.Envelope{SetBalance: &pb.SetBalanceRequest{Username: "bob", Balance: -1}})
		e := admin.expect(protocol.KindErrorResponse).ErrorResponse
		if e.Code != CodeActionFailed {
			t.Errorf("code: want %d got %d", CodeActionFailed, e.Code)
		}
	})

	t.Run("kick offline", func(t *testing.T) {
		admin.send(&pb.Envelope{KickUser: &pb.KickUserRequest{Username: "nobody"}})
		e := admin.expect(protocol.KindErrorResponse).ErrorResponse
		if e.Code != CodeUserNotOnline {
			t.Errorf("code: want %d got %d", CodeUserNotOnline, e.Code)
		}
	})

	t.Run("ban", func(t *testing.T) {
		admin.send(&pb.Envelope{BanUser: &pb.BanUserRequest{Username: "bob", Reason: "cheating", DurationSeconds: 3600}})
		fl := bob.expect(protocol.KindForcedLogout).ForcedLogout
		if fl.Message != model.ReasonBanned+": cheating" {
			t.Errorf("forced_logout message: %q", fl.Message)
		}
		bob.expectClosed()

		p := admin.expect(protocol.KindPresenceUpdate).PresenceUpdate
		if diff := cmp.Diff(users("admin", true), p.Users); diff != "" {
			t.Errorf("presence after ban (-want +got):\n%s", diff)
		}

		again := env.dial(t)
		resp := again.login("bob", env.token(t, auth.Subject{Username: "bob"}))
		if resp.Success || resp.Message != "account banned" {
			t.Errorf("banned relogin: %+v", resp)
		}
	})
}

func TestKickUser(t *testing.T) {
	env := newTestServer(t)
	admin := env.connect(t, "root", true)
	admin.expect(protocol.KindPresenceUpdate)
	bob := env.connect(t, "bob", false)
	bob.expect(protocol.KindPresenceUpdate)

	admin.send(&pb.Envelope{KickUser: &pb.KickUserRequest{Username: "bob"}})
	fl := bob.expect(protocol.KindForcedLogout).ForcedLogout
	if fl.Message != model.ReasonKicked {
		t.Errorf("forced_logout message: want %q got %q", model.ReasonKicked, fl.Message)
	}
	bob.expectClosed()

	admin.send(&pb.Envelope{KickUser: &pb.KickUserRequest{Username: "ROOT"}})
	e := admin.expect(protocol.KindErrorResponse).ErrorResponse
	if e.Code != CodeActionFailed {
		t.Errorf("self kick: want code %d got %d", CodeActionFailed, e.Code)
	}
	if got := env.srv.Metrics().KickCount.Load(); got != 1 {
		t.Errorf("kick count: want 1 got %d", got)
	}
}

func TestGameDataPush(t *testing.T) {
	env := newTestServer(t, func(c *Config) { c.GameDataDelay = 20 * time.Millisecond })
	c := env.connect(t, "alice", false)
	gd := c.expect(protocol.KindGameData).GameData
	if gd.Username != "alice" || gd.Balance != 1000 || gd.ServerTime == 0 {
		t.Errorf("game_data: %+v", gd)
	}
}

func TestPing(t *testing.T) {
	env := newTestServer(t)
	c := env.connect(t, "alice", false)
	c.send(&pb.Envelope{Ping: &pb.Ping{Timestamp: 12345}})
	if got := c.expect(protocol.KindPong).Pong.Timestamp; got != 12345 {
		t.Errorf("pong timestamp: want 12345 got %d", got)
	}
}

func TestUpdateBalance(t *testing.T) {
	env := newTestServer(t)
	ctx := context.Background()

	if err := env.srv.UpdateBalance(ctx, "ghost", 10); !errors.Is(err, ErrUnknownAccount) {
		t.Errorf("unknown account: want ErrUnknownAccount got %v", err)
	}

	c := env.connect(t, "alice", false)
	if err := env.srv.UpdateBalance(ctx, "alice", -5); !errors.Is(err, model.ErrNegativeBalance) {
		t.Errorf("negative: want ErrNegativeBalance got %v", err)
	}
	if err := env.srv.UpdateBalance(ctx, "Alice", 42); err != nil {
		t.Fatalf("UpdateBalance: %v", err)
	}
	if got := c.expect(protocol.KindUserUpdate).UserUpdate.Balance; got != 42 {
		t.Errorf("pushed balance: want 42 got %d", got)
	}
	sess := env.srv.Sessions().ByUsername("alice")
	if len(sess) != 1 || sess[0].Balance != 42 {
		t.Errorf("cached balance not updated: %+v", sess)
	}
}

func TestLoginResponseIsFirstFrameDuringChat(t *testing.T) {
	env := newTestServer(t)
	chatter := env.connect(t, "chatter", false)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for {
			if _, _, err := chatter.ws.ReadMessage(); err != nil {
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		data, _ := protocol.Encode(&pb.Envelope{ChatSubmit: &pb.ChatSubmit{Text: "busy table"}})
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := chatter.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			time.Sleep(100 * time.Microsecond)
		}
	}()
	defer func() {
		close(stop)
		_ = chatter.ws.Close()
		wg.Wait()
	}()

	for i := 0; i < 50; i++ {
		c := env.dial(t)
		name := fmt.Sprintf("player%d", i)
		c.send(&pb.Envelope{Login: &pb.LoginRequest{Username: name, Token: env.token(t, auth.Subject{Username: name})}})
		first, kind, err := c.read(3 * time.Second)
		if err != nil {
			t.Fatalf("%s: read first frame: %v", name, err)
		}
		if kind != protocol.KindLoginResponse || !first.LoginResponse.Success {
			t.Fatalf("%s: first frame want successful login_response got %s", name, kind)
		}
		_ = c.ws.Close()
	}
}

func TestCleanReason(t *testing.T) {
	type tcase struct {
		in   string
		want string
	}
	long := strings.Repeat("a", maxReasonLength-1) + "é" + "tail"
	tests := map[string]tcase{
		"trimmed":       {in: "  spam \n", want: "spam"},
		"control chars": {in: "be\x1b[31mnice\nnow", want: "be[31mnice now"},
		"ascii cut":     {in: strings.Repeat("b", maxReasonLength+10), want: strings.Repeat("b", maxReasonLength)},
		"rune boundary": {in: long, want: strings.Repeat("a", maxReasonLength-1)},
		"fits exactly":  {in: strings.Repeat("c", maxReasonLength-2) + "é", want: strings.Repeat("c", maxReasonLength-2) + "é"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got := cleanReason(tc.in)
			if got != tc.want {
				t.Errorf("cleanReason: want %q got %q", tc.want, got)
			}
			if !utf8.ValidString(got) || len(got) > maxReasonLength {
				t.Errorf("invalid result: %q (%d bytes)", got, len(got))
			}
		})
	}
}
