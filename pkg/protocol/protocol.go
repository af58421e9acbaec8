// Package protocol frames Envelope messages for the live socket and
// classifies them into a closed set of kinds.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	pb "github.com/NicolasHaas/baccarat/pkg/protocol/pb"
)

// MaxMessageSize is the largest encoded envelope accepted either way (64KB).
const MaxMessageSize = 65536

var (
	ErrNoVariant       = errors.New("protocol: envelope has no message set")
	ErrMultipleVariant = errors.New("protocol: envelope has more than one message set")
)

// Kind enumerates every message variant.
type Kind int

const (
	KindUnknown Kind = iota
	KindLogin
	KindRequestGameData
	KindLogout
	KindChatSubmit
	KindKickUser
	KindBanUser
	KindSetBalance
	KindPing
	KindLoginResponse
	KindUserUpdate
	KindForcedLogout
	KindPresenceUpdate
	KindChatBroadcast
	KindChatHistory
	KindGameData
	KindErrorResponse
	KindPong
)

var kindNames = map[Kind]string{
	KindLogin:           "login",
	KindRequestGameData: "request_game_data",
	KindLogout:          "logout",
	KindChatSubmit:      "chat_submit",
	KindKickUser:        "kick_user",
	KindBanUser:         "ban_user",
	KindSetBalance:      "set_balance",
	KindPing:            "ping",
	KindLoginResponse:   "login_response",
	KindUserUpdate:      "user_update",
	KindForcedLogout:    "forced_logout",
	KindPresenceUpdate:  "presence_update",
	KindChatBroadcast:   "chat_broadcast",
	KindChatHistory:     "chat_history",
	KindGameData:        "game_data",
	KindErrorResponse:   "error_response",
	KindPong:            "pong",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Inbound reports whether clients may send this kind.
func (k Kind) Inbound() bool {
	return k >= KindLogin && k <= KindPing
}

// KindOf classifies env. It fails unless exactly one variant is set.
func KindOf(env *pb.Envelope) (Kind, error) {
	if env == nil {
		return KindUnknown, ErrNoVariant
	}
	set := []struct {
		ok   bool
		kind Kind
	}{
		{env.Login != nil, KindLogin},
		{env.RequestGameData != nil, KindRequestGameData},
		{env.Logout != nil, KindLogout},
		{env.ChatSubmit != nil, KindChatSubmit},
		{env.KickUser != nil, KindKickUser},
		{env.BanUser != nil, KindBanUser},
		{env.SetBalance != nil, KindSetBalance},
		{env.Ping != nil, KindPing},
		{env.LoginResponse != nil, KindLoginResponse},
		{env.UserUpdate != nil, KindUserUpdate},
		{env.ForcedLogout != nil, KindForcedLogout},
		{env.PresenceUpdate != nil, KindPresenceUpdate},
		{env.ChatBroadcast != nil, KindChatBroadcast},
		{env.ChatHistory != nil, KindChatHistory},
		{env.GameData != nil, KindGameData},
		{env.ErrorResponse != nil, KindErrorResponse},
		{env.Pong != nil, KindPong},
	}

	kind := KindUnknown
	for _, s := range set {
		if !s.ok {
			continue
		}
		if kind != KindUnknown {
			return KindUnknown, ErrMultipleVariant
		}
		kind = s.kind
	}
	if kind == KindUnknown {
		return KindUnknown, ErrNoVariant
	}
	return kind, nil
}

// Encode serializes env after checking it carries exactly one message.
func Encode(env *pb.Envelope) ([]byte, error) {
	if _, err := KindOf(env); err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal: %w", err)
	}
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("protocol: message too large: %d bytes", len(data))
	}
	return data, nil
}

// Decode parses one frame into an envelope and its kind.
func Decode(data []byte) (*pb.Envelope, Kind, error) {
	if len(data) > MaxMessageSize {
		return nil, KindUnknown, fmt.Errorf("protocol: message too large: %d bytes", len(data))
	}
	env := &pb.Envelope{}
	if err := json.Unmarshal(data, env); err != nil {
		return nil, KindUnknown, fmt.Errorf("protocol: unmarshal: %w", err)
	}
	kind, err := KindOf(env)
	if err != nil {
		return nil, KindUnknown, err
	}
	return env, kind, nil
}
