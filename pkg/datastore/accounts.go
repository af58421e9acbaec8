package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/NicolasHaas/baccarat/pkg/identity"
	"github.com/NicolasHaas/baccarat/pkg/model"
)

const accountColumns = "id, username, is_admin, balance, password_hash, created_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*model.Account, error) {
	a := &model.Account{}
	var isAdmin int
	var createdAt string
	if err := row.Scan(&a.ID, &a.Username, &isAdmin, &a.Balance, &a.PasswordHash, &createdAt); err != nil {
		return nil, err
	}
	a.IsAdmin = isAdmin != 0
	parsed, err := parseDBTime(createdAt)
	if err != nil {
		return nil, err
	}
	a.CreatedAt = parsed
	return a, nil
}

// CreateAccount inserts a new account after validating name and balance.
func (s *baseProvider) CreateAccount(ctx context.Context, username string, isAdmin bool, balance int64) (*model.Account, error) {
	if err := model.ValidateUsername(username); err != nil {
		return nil, fmt.Errorf("datastore: create account: %w", err)
	}
	if err := model.ValidateBalance(balance); err != nil {
		return nil, fmt.Errorf("datastore: create account: %w", err)
	}

	createdAt := s.now()
	var id int64
	err := s.queryRow(ctx,
		"INSERT INTO accounts (username, is_admin, balance, password_hash, created_at) VALUES (?, ?, ?, ?, ?) RETURNING id",
		username, boolInt(isAdmin), balance, "", formatDBTime(createdAt)).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("datastore: create account: %w", err)
	}
	return &model.Account{
		ID:        id,
		Username:  username,
		IsAdmin:   isAdmin,
		Balance:   balance,
		CreatedAt: createdAt.UTC().Truncate(time.Millisecond),
	}, nil
}

// GetAccountByUsername retrieves an account, ignoring case.
func (s *baseProvider) GetAccountByUsername(ctx context.Context, username string) (*model.Account, error) {
	a, err := scanAccount(s.queryRow(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE lower(username) = lower(?)", username))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get account: %w", err)
	}
	return a, nil
}

// GetAccountByID retrieves an account by ID.
func (s *baseProvider) GetAccountByID(ctx context.Context, id int64) (*model.Account, error) {
	a, err := scanAccount(s.queryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get account: %w", err)
	}
	return a, nil
}

// ListAccounts returns all accounts ordered by ID.
func (s *baseProvider) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.query(ctx, "SELECT "+accountColumns+" FROM accounts ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("datastore: list accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var accounts []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan account: %w", err)
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

func (s *baseProvider) updateAccount(ctx context.Context, op, query string, args ...any) error {
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("datastore: %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("datastore: %s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("datastore: %s: %w", op, ErrNotFound)
	}
	return nil
}

// UpdateBalance overwrites an account balance.
func (s *baseProvider) UpdateBalance(ctx context.Context, accountID int64, balance int64) error {
	if err := model.ValidateBalance(balance); err != nil {
		return fmt.Errorf("datastore: update balance: %w", err)
	}
	return s.updateAccount(ctx, "update balance", "UPDATE accounts SET balance = ? WHERE id = ?", balance, accountID)
}

// SetAdmin changes the stored admin flag.
func (s *baseProvider) SetAdmin(ctx context.Context, accountID int64, isAdmin bool) error {
	return s.updateAccount(ctx, "set admin", "UPDATE accounts SET is_admin = ? WHERE id = ?", boolInt(isAdmin), accountID)
}

// SetPassword stores a bcrypt hash for the account.
func (s *baseProvider) SetPassword(ctx context.Context, accountID int64, passwordHash string) error {
	return s.updateAccount(ctx, "set password", "UPDATE accounts SET password_hash = ? WHERE id = ?", passwordHash, accountID)
}

// EnsureAccount loads or creates the account inside one transaction.
func (s *txProvider) EnsureAccount(ctx context.Context, username string, startingBalance int64) (*model.Account, bool, error) {
	defer func() { _ = s.Rollback() }()

	acct, err := s.GetAccountByUsername(ctx, username)
	if err != nil {
		return nil, false, fmt.Errorf("datastore: ensure account: %w", err)
	}
	if acct != nil {
		return acct, false, nil
	}

	acct, err = s.CreateAccount(ctx, username, false, startingBalance)
	if err != nil {
		return nil, false, fmt.Errorf("datastore: ensure account: %w", err)
	}
	if err := s.Commit(); err != nil {
		return nil, false, fmt.Errorf("datastore: commit: %w", err)
	}
	return acct, true, nil
}

// RepairAdmin restores the admin account's flag and password.
func (s *txProvider) RepairAdmin(ctx context.Context, passwordHash string) (*model.Account, error) {
	defer func() { _ = s.Rollback() }()

	acct, err := s.GetAccountByUsername(ctx, identity.AdminUsername)
	if err != nil {
		return nil, fmt.Errorf("datastore: repair admin: %w", err)
	}
	if acct == nil {
		acct, err = s.CreateAccount(ctx, identity.AdminUsername, true, 0)
		if err != nil {
			return nil, fmt.Errorf("datastore: repair admin: %w", err)
		}
	} else if !acct.IsAdmin {
		if err := s.SetAdmin(ctx, acct.ID, true); err != nil {
			return nil, fmt.Errorf("datastore: repair admin: %w", err)
		}
		acct.IsAdmin = true
	}

	if err := s.SetPassword(ctx, acct.ID, passwordHash); err != nil {
		return nil, fmt.Errorf("datastore: repair admin: %w", err)
	}
	acct.PasswordHash = passwordHash

	if err := s.Commit(); err != nil {
		return nil, fmt.Errorf("datastore: commit: %w", err)
	}
	return acct, nil
}
