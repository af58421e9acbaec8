package model

import "time"

// Session is the authoritative record for one live connection (in-memory only).
type Session struct {
	ConnID    ConnID
	UserID    int64
	Username  string
	IsAdmin   bool // resolved, never the raw claim
	Balance   int64
	CreatedAt time.Time
}

// PresenceEntry is the public projection of a session: no credential material.
type PresenceEntry struct {
	Username string `json:"username"`
	IsAdmin  bool   `json:"isAdmin"`
}

// Presence projects the session into its presence entry.
func (s *Session) Presence() PresenceEntry {
	return PresenceEntry{Username: s.Username, IsAdmin: s.IsAdmin}
}

// ForcedLogoutNotice is a one-shot directive terminating a session.
type ForcedLogoutNotice struct {
	ConnID ConnID
	Reason string
}

// Reasons shown to a client whose session is terminated by the server.
const (
	ReasonLoggedInElsewhere = "this account was logged in elsewhere"
	ReasonBanned            = "this account has been banned"
	ReasonKicked            = "you have been removed by an administrator"
)
