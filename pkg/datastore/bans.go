package datastore

import (
	"context"
	"fmt"
	"time"

	"github.com/NicolasHaas/baccarat/pkg/model"
)

// CreateBan adds a ban record. A zero ExpiresAt means permanent.
func (s *baseProvider) CreateBan(ctx context.Context, ban *model.Ban) error {
	var expStr *string
	if !ban.ExpiresAt.IsZero() {
		es := formatDBTime(ban.ExpiresAt)
		expStr = &es
	}
	createdAt := s.now()
	err := s.queryRow(ctx,
		"INSERT INTO bans (account_id, reason, banned_by, expires_at, created_at) VALUES (?, ?, ?, ?, ?) RETURNING id",
		ban.AccountID, ban.Reason, ban.BannedBy, expStr, formatDBTime(createdAt)).Scan(&ban.ID)
	if err != nil {
		return fmt.Errorf("datastore: create ban: %w", err)
	}
	ban.CreatedAt = createdAt.UTC().Truncate(time.Millisecond)
	return nil
}

// IsAccountBanned checks if an account has an unexpired ban.
func (s *baseProvider) IsAccountBanned(ctx context.Context, accountID int64) (bool, error) {
	var count int
	err := s.queryRow(ctx,
		"SELECT COUNT(*) FROM bans WHERE account_id = ? AND (expires_at IS NULL OR expires_at > ?)",
		accountID, formatDBTime(s.now())).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("datastore: check ban: %w", err)
	}
	return count > 0, nil
}
