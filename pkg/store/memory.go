// Package store provides an in-memory datastore.DataProviderFactory for
// tests and single-process demos. It mirrors the SQL implementation's
// validation and error behavior.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/NicolasHaas/baccarat/pkg/datastore"
	"github.com/NicolasHaas/baccarat/pkg/identity"
	"github.com/NicolasHaas/baccarat/pkg/model"
)

// MemoryStore keeps accounts, bans and messages in maps.
// Transactions are not isolated: writes apply immediately and Rollback
// does not undo them.
type MemoryStore struct {
	mu sync.RWMutex

	now func() time.Time

	nextAccountID int64
	nextBanID     int64
	nextMessageID int64

	accountsByID  map[int64]*model.Account
	accountsByKey map[string]*model.Account // lowercased username
	bans          []*model.Ban
	messages      []*model.ChatMessage
}

// NewMemory creates a MemoryStore using time.Now().UTC().
func NewMemory() *MemoryStore {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryWithClock creates a MemoryStore with a custom clock.
func NewMemoryWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		now:           now,
		nextAccountID: 1,
		nextBanID:     1,
		nextMessageID: 1,
		accountsByID:  make(map[int64]*model.Account),
		accountsByKey: make(map[string]*model.Account),
	}
}

func (s *MemoryStore) NonTx() datastore.DataStore {
	return s
}

func (s *MemoryStore) Tx(context.Context) (datastore.DataStoreTx, error) {
	return &memoryTx{MemoryStore: s}, nil
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) ZeroTime() time.Time {
	return time.Time{}
}

// ---- Accounts ----

func (s *MemoryStore) CreateAccount(_ context.Context, username string, isAdmin bool, balance int64) (*model.Account, error) {
	if err := model.ValidateUsername(username); err != nil {
		return nil, fmt.Errorf("datastore: create account: %w", err)
	}
	if err := model.ValidateBalance(balance); err != nil {
		return nil, fmt.Errorf("datastore: create account: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createAccountLocked(username, isAdmin, balance)
}

func (s *MemoryStore) createAccountLocked(username string, isAdmin bool, balance int64) (*model.Account, error) {
	key := strings.ToLower(username)
	if _, exists := s.accountsByKey[key]; exists {
		return nil, fmt.Errorf("datastore: create account: UNIQUE constraint failed: accounts.username")
	}
	acct := &model.Account{
		ID:        s.nextAccountID,
		Username:  username,
		IsAdmin:   isAdmin,
		Balance:   balance,
		CreatedAt: s.now().UTC().Truncate(time.Millisecond),
	}
	s.nextAccountID++
	s.accountsByID[acct.ID] = acct
	s.accountsByKey[key] = acct
	copyAcct := *acct
	return &copyAcct, nil
}

func (s *MemoryStore) GetAccountByUsername(_ context.Context, username string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accountsByKey[strings.ToLower(username)]
	if !ok {
		return nil, nil
	}
	copyAcct := *acct
	return &copyAcct, nil
}

func (s *MemoryStore) GetAccountByID(_ context.Context, id int64) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accountsByID[id]
	if !ok {
		return nil, nil
	}
	copyAcct := *acct
	return &copyAcct, nil
}

func (s *MemoryStore) ListAccounts(context.Context) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	accounts := make([]model.Account, 0, len(s.accountsByID))
	for _, acct := range s.accountsByID {
		accounts = append(accounts, *acct)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].ID < accounts[j].ID
	})
	return accounts, nil
}

func (s *MemoryStore) update(op string, accountID int64, fn func(*model.Account)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accountsByID[accountID]
	if !ok {
		return fmt.Errorf("datastore: %s: %w", op, datastore.ErrNotFound)
	}
	fn(acct)
	return nil
}

func (s *MemoryStore) UpdateBalance(_ context.Context, accountID int64, balance int64) error {
	if err := model.ValidateBalance(balance); err != nil {
		return fmt.Errorf("datastore: update balance: %w", err)
	}
	return s.update("update balance", accountID, func(a *model.Account) { a.Balance = balance })
}

func (s *MemoryStore) SetAdmin(_ context.Context, accountID int64, isAdmin bool) error {
	return s.update("set admin", accountID, func(a *model.Account) { a.IsAdmin = isAdmin })
}

func (s *MemoryStore) SetPassword(_ context.Context, accountID int64, passwordHash string) error {
	return s.update("set password", accountID, func(a *model.Account) { a.PasswordHash = passwordHash })
}

// ---- Bans ----

func (s *MemoryStore) CreateBan(_ context.Context, ban *model.Ban) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accountsByID[ban.AccountID]; !ok {
		return fmt.Errorf("datastore: create ban: FOREIGN KEY constraint failed")
	}
	ban.ID = s.nextBanID
	ban.CreatedAt = s.now().UTC().Truncate(time.Millisecond)
	if !ban.ExpiresAt.IsZero() {
		ban.ExpiresAt = ban.ExpiresAt.UTC()
	}
	s.nextBanID++
	copyBan := *ban
	s.bans = append(s.bans, &copyBan)
	return nil
}

func (s *MemoryStore) IsAccountBanned(_ context.Context, accountID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now().UTC()
	for _, ban := range s.bans {
		if ban.AccountID == accountID && ban.Active(now) {
			return true, nil
		}
	}
	return false, nil
}

// ---- Messages ----

func (s *MemoryStore) CreateMessage(_ context.Context, message *model.ChatMessage) error {
	if err := message.Validate(); err != nil {
		return fmt.Errorf("datastore: message failed validation: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if message.Timestamp.IsZero() {
		message.Timestamp = s.now()
	}
	message.Timestamp = message.Timestamp.UTC().Truncate(time.Millisecond)
	message.ID = s.nextMessageID
	s.nextMessageID++
	copyMsg := *message
	s.messages = append(s.messages, &copyMsg)
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, filters model.MessageFilters) ([]model.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := int64(100)
	if filters.PageSize != nil && *filters.PageSize > 0 {
		limit = *filters.PageSize
	}
	var skip int64
	if filters.Offset != nil && *filters.Offset > 0 {
		skip = *filters.Offset
	}

	var out []model.ChatMessage
	for i := len(s.messages) - 1; i >= 0 && int64(len(out)) < limit; i-- {
		m := s.messages[i]
		if filters.LimitToSenderID != nil && m.SenderID != *filters.LimitToSenderID {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		out = append(out, *m)
	}
	return out, nil
}

func (s *MemoryStore) DeleteMessage(_ context.Context, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.messages {
		if m.ID == messageID {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			break
		}
	}
	return nil
}

// ---- Transactions ----

type memoryTx struct {
	*MemoryStore
}

func (t *memoryTx) Commit() error   { return nil }
func (t *memoryTx) Rollback() error { return nil }

func (t *memoryTx) EnsureAccount(_ context.Context, username string, startingBalance int64) (*model.Account, bool, error) {
	if err := model.ValidateUsername(username); err != nil {
		return nil, false, fmt.Errorf("datastore: ensure account: %w", err)
	}
	if err := model.ValidateBalance(startingBalance); err != nil {
		return nil, false, fmt.Errorf("datastore: ensure account: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if acct, ok := t.accountsByKey[strings.ToLower(username)]; ok {
		copyAcct := *acct
		return &copyAcct, false, nil
	}
	acct, err := t.createAccountLocked(username, false, startingBalance)
	if err != nil {
		return nil, false, fmt.Errorf("datastore: ensure account: %w", err)
	}
	return acct, true, nil
}

func (t *memoryTx) RepairAdmin(_ context.Context, passwordHash string) (*model.Account, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	acct, ok := t.accountsByKey[strings.ToLower(identity.AdminUsername)]
	if !ok {
		if _, err := t.createAccountLocked(identity.AdminUsername, true, 0); err != nil {
			return nil, fmt.Errorf("datastore: repair admin: %w", err)
		}
		acct = t.accountsByKey[identity.AdminUsername]
	}
	acct.IsAdmin = true
	acct.PasswordHash = passwordHash
	copyAcct := *acct
	return &copyAcct, nil
}

var (
	_ datastore.DataProviderFactory = (*MemoryStore)(nil)
	_ datastore.DataStore           = (*MemoryStore)(nil)
	_ datastore.DataStoreTx         = (*memoryTx)(nil)
)
