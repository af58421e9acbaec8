package protocol

import (
	"errors"
	"strings"
	"testing"

	pb "github.com/NicolasHaas/baccarat/pkg/protocol/pb"
)

func TestDecodeKinds(t *testing.T) {
	tests := []struct {
		frame string
		want  Kind
	}{
		{`{"login":{"username":"bob","token":"t"}}`, KindLogin},
		{`{"request_game_data":{}}`, KindRequestGameData},
		{`{"logout":{}}`, KindLogout},
		{`{"chat_submit":{"text":"hi"}}`, KindChatSubmit},
		{`{"kick_user":{"username":"bob"}}`, KindKickUser},
		{`{"ban_user":{"username":"bob","durationSeconds":60}}`, KindBanUser},
		{`{"set_balance":{"username":"bob","balance":5}}`, KindSetBalance},
		{`{"ping":{"timestamp":1}}`, KindPing},
		{`{"forced_logout":{"message":"bye"}}`, KindForcedLogout},
	}

	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			_, kind, err := Decode([]byte(tt.frame))
			if err != nil {
				t.Fatalf("Decode(%s): %v", tt.frame, err)
			}
			if kind != tt.want {
				t.Fatalf("Decode(%s) kind = %v, want %v", tt.frame, kind, tt.want)
			}
		})
	}
}

func TestDecodeRejects(t *testing.T) {
	tests := map[string]struct {
		frame string
		want  error
	}{
		"empty_object":   {`{}`, ErrNoVariant},
		"unknown_field":  {`{"shout":{"text":"x"}}`, ErrNoVariant},
		"null_variant":   {`{"login":null}`, ErrNoVariant},
		"two_variants":   {`{"logout":{},"chat_submit":{"text":"x"}}`, ErrMultipleVariant},
		"not_json":       {`hello`, nil},
		"wrong_type":     {`{"login":"bob"}`, nil},
		"array_envelope": {`[]`, nil},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, _, err := Decode([]byte(tc.frame))
			if err == nil {
				t.Fatalf("Decode(%s): expected error", tc.frame)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("Decode(%s) = %v, want %v", tc.frame, err, tc.want)
			}
		})
	}
}

func TestDecodeTooLarge(t *testing.T) {
	frame := `{"chat_submit":{"text":"` + strings.Repeat("a", MaxMessageSize) + `"}}`
	if _, _, err := Decode([]byte(frame)); err == nil {
		t.Fatalf("Decode: expected size error")
	}
}

func TestEncodeRequiresOneVariant(t *testing.T) {
	if _, err := Encode(&pb.Envelope{}); !errors.Is(err, ErrNoVariant) {
		t.Fatalf("Encode(empty) = %v", err)
	}
	both := &pb.Envelope{Pong: &pb.Pong{}, Logout: &pb.LogoutRequest{}}
	if _, err := Encode(both); !errors.Is(err, ErrMultipleVariant) {
		t.Fatalf("Encode(two) = %v", err)
	}

	data, err := Encode(&pb.Envelope{LoginResponse: &pb.LoginResponse{Success: false, Message: "invalid token"}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if got := string(data); got != `{"login_response":{"success":false,"message":"invalid token"}}` {
		t.Fatalf("Encode = %s", got)
	}
}

func TestKindInbound(t *testing.T) {
	for k := range kindNames {
		want := k == KindLogin || k == KindRequestGameData || k == KindLogout ||
			k == KindChatSubmit || k == KindKickUser || k == KindBanUser ||
			k == KindSetBalance || k == KindPing
		if k.Inbound() != want {
			t.Errorf("%v.Inbound() = %t, want %t", k, k.Inbound(), want)
		}
	}
	if KindUnknown.String() != "unknown" {
		t.Fatalf("KindUnknown.String() = %q", KindUnknown.String())
	}
}
