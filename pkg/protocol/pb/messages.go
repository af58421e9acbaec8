// Package pb holds the JSON wire messages exchanged over the live socket.
package pb

// Envelope wraps every message on the socket.
// Exactly one field is set; see Kind.
type Envelope struct {
	// client -> server
	Login           *LoginRequest      `json:"login,omitempty"`
	RequestGameData *RequestGameData   `json:"request_game_data,omitempty"`
	Logout          *LogoutRequest     `json:"logout,omitempty"`
	ChatSubmit      *ChatSubmit        `json:"chat_submit,omitempty"`
	KickUser        *KickUserRequest   `json:"kick_user,omitempty"`
	BanUser         *BanUserRequest    `json:"ban_user,omitempty"`
	SetBalance      *SetBalanceRequest `json:"set_balance,omitempty"`
	Ping            *Ping              `json:"ping,omitempty"`

	// server -> client
	LoginResponse  *LoginResponse  `json:"login_response,omitempty"`
	UserUpdate     *UserUpdate     `json:"user_update,omitempty"`
	ForcedLogout   *ForcedLogout   `json:"forced_logout,omitempty"`
	PresenceUpdate *PresenceUpdate `json:"presence_update,omitempty"`
	ChatBroadcast  *ChatBroadcast  `json:"chat_broadcast,omitempty"`
	ChatHistory    *ChatHistory    `json:"chat_history,omitempty"`
	GameData       *GameData       `json:"game_data,omitempty"`
	ErrorResponse  *ErrorResponse  `json:"error_response,omitempty"`
	Pong           *Pong           `json:"pong,omitempty"`
}

// ----- Handshake -----

type LoginRequest struct {
	Username string `json:"username"`
	Token    string `json:"token"`
}

type UserInfo struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"isAdmin"`
	Balance  int64  `json:"balance"`
}

type LoginResponse struct {
	Success bool      `json:"success"`
	User    *UserInfo `json:"user,omitempty"`
	Message string    `json:"message,omitempty"`
}

type LogoutRequest struct{}

// ForcedLogout tells the client its session is gone. The client must drop
// its stored credential and must not reconnect with it.
type ForcedLogout struct {
	Message string `json:"message"`
}

// ----- Account / game -----

type RequestGameData struct{}

type UserUpdate struct {
	Username string `json:"username"`
	Balance  int64  `json:"balance"`
	IsAdmin  bool   `json:"isAdmin"`
}

type GameData struct {
	Username   string `json:"username"`
	Balance    int64  `json:"balance"`
	ServerTime int64  `json:"serverTime"` // unix millis
}

// ----- Presence -----

type PresenceUser struct {
	Username string `json:"username"`
	IsAdmin  bool   `json:"isAdmin"`
}

type PresenceUpdate struct {
	Users []PresenceUser `json:"users"`
}

// ----- Chat -----

type ChatSubmit struct {
	Text string `json:"text"`
}

type ChatBroadcast struct {
	Username  string `json:"username"`
	IsAdmin   bool   `json:"isAdmin"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"` // unix millis
}

type ChatHistory struct {
	Messages []ChatBroadcast `json:"messages"`
}

// ----- Admin -----

type KickUserRequest struct {
	Username string `json:"username"`
	Reason   string `json:"reason"`
}

type BanUserRequest struct {
	Username        string `json:"username"`
	Reason          string `json:"reason"`
	DurationSeconds int64  `json:"durationSeconds"` // 0 = permanent
}

type SetBalanceRequest struct {
	Username string `json:"username"`
	Balance  int64  `json:"balance"`
}

// ----- Generic -----

type ErrorResponse struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
}

type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

type Pong struct {
	Timestamp int64 `json:"timestamp"`
}
