package datastore

import (
	"context"
	"errors"
	"time"

	"github.com/NicolasHaas/baccarat/pkg/model"
)

// ErrNotFound is returned by writes that target a missing row.
// Reads return (nil, nil) instead.
var ErrNotFound = errors.New("datastore: not found")

type DataProviderFactory interface {
	NonTx() DataStore
	Tx(context.Context) (DataStoreTx, error)
}

type DataStoreTx interface {
	DataStore
	AccountTransactionProvider
	Rollback() error
	Commit() error
}

// DataStore is the persistence surface for accounts, bans and chat history.
// The SQL implementation speaks both SQLite and PostgreSQL; pkg/store
// provides an in-memory one for tests.
type DataStore interface {
	ConfigReadProvider

	AccountReadProvider
	AccountWriteProvider

	BanReadProvider
	BanWriteProvider

	MessageReadProvider
	MessageWriteProvider
}

var _ DataProviderFactory = (*ProviderFactory)(nil)

type ConfigReadProvider interface {
	ZeroTime() time.Time
	Close() error
}

type AccountReadProvider interface {
	// GetAccountByUsername matches case-insensitively.
	GetAccountByUsername(ctx context.Context, username string) (*model.Account, error)
	GetAccountByID(ctx context.Context, id int64) (*model.Account, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)
}

type AccountWriteProvider interface {
	CreateAccount(ctx context.Context, username string, isAdmin bool, balance int64) (*model.Account, error)
	UpdateBalance(ctx context.Context, accountID int64, balance int64) error
	SetAdmin(ctx context.Context, accountID int64, isAdmin bool) error
	SetPassword(ctx context.Context, accountID int64, passwordHash string) error
}

type AccountTransactionProvider interface {
	// EnsureAccount returns the account for username, creating it with
	// startingBalance when missing. created reports whether it was inserted.
	// The transaction is committed on success and rolled back otherwise.
	EnsureAccount(ctx context.Context, username string, startingBalance int64) (acct *model.Account, created bool, err error)

	// RepairAdmin makes sure the "admin" account exists, carries the admin
	// flag and uses passwordHash. Commits on success.
	RepairAdmin(ctx context.Context, passwordHash string) (*model.Account, error)
}

type BanReadProvider interface {
	IsAccountBanned(ctx context.Context, accountID int64) (bool, error)
}

type BanWriteProvider interface {
	CreateBan(ctx context.Context, ban *model.Ban) error
}

type MessageReadProvider interface {
	// ListMessages returns messages newest first.
	ListMessages(ctx context.Context, filters model.MessageFilters) ([]model.ChatMessage, error)
}

type MessageWriteProvider interface {
	CreateMessage(ctx context.Context, message *model.ChatMessage) error
	DeleteMessage(ctx context.Context, messageID int64) error
}
