// Package model defines the core domain types for the baccarat live server.
package model

import "time"

// ConnID is the opaque handle of one live socket connection.
// Components outside the session store only ever hold this key.
type ConnID string

// Ban represents a banned account.
type Ban struct {
	ID        int64     `json:"id"`
	AccountID int64     `json:"account_id"`
	Reason    string    `json:"reason"`
	BannedBy  int64     `json:"banned_by"`
	ExpiresAt time.Time `json:"expires_at"` // zero = permanent
	CreatedAt time.Time `json:"created_at"`
}

// Active reports whether the ban still applies at now.
func (b *Ban) Active(now time.Time) bool {
	return b.ExpiresAt.IsZero() || now.Before(b.ExpiresAt)
}
