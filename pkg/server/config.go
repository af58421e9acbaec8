package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/baccarat/pkg/crypto"
	"github.com/NicolasHaas/baccarat/pkg/datastore"
	"github.com/NicolasHaas/baccarat/pkg/model"
)

// EnvPrefix prefixes environment overrides, e.g. BACCARAT_HTTP_ADDR.
const EnvPrefix = "BACCARAT"

const secretFileName = "jwt.secret"

// LoadConfig layers DefaultConfig, the optional YAML file at path and
// BACCARAT_* environment variables, in that order.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can see it on Unmarshal.
func setDefaults(v *viper.Viper, d Config) {
	defaults := map[string]any{
		"http_addr":            d.HTTPAddr,
		"db_driver":            d.DBDriver,
		"db_dsn":               d.DBDSN,
		"cert_file":            d.CertFile,
		"key_file":             d.KeyFile,
		"data_dir":             d.DataDir,
		"tls":                  d.TLS,
		"allowed_origins":      d.AllowedOrigins,
		"jwt_secret":           d.JWTSecret,
		"jwt_issuer":           d.JWTIssuer,
		"token_ttl":            d.TokenTTL,
		"handshake_timeout":    d.HandshakeTimeout,
		"game_data_delay":      d.GameDataDelay,
		"admin_name_override":  d.AdminNameOverride,
		"single_session":       d.SingleSession,
		"send_buffer":          d.SendBuffer,
		"max_chat_length":      d.MaxChatLength,
		"chat_history_size":    d.ChatHistorySize,
		"starting_balance":     d.StartingBalance,
		"redis_addr":           d.RedisAddr,
		"redis_key":            d.RedisKey,
		"metrics_enabled":      d.MetricsEnabled,
		"metrics_log_interval": d.MetricsLogInterval,
		"log_level":            d.LogLevel,
		"log_format":           d.LogFormat,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// loadOrGenerateSecret returns cfg.JWTSecret, or the secret stored in
// DataDir, creating it on first run.
func loadOrGenerateSecret(cfg Config) ([]byte, error) {
	if cfg.JWTSecret != "" {
		return []byte(cfg.JWTSecret), nil
	}

	path := filepath.Join(cfg.DataDir, secretFileName)
	data, err := os.ReadFile(path) //nolint:gosec // path from server config
	if err == nil {
		if secret := strings.TrimSpace(string(data)); secret != "" {
			return []byte(secret), nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("server: read secret: %w", err)
	}

	secret, err := crypto.GenerateSecret(crypto.MinSecretBytes)
	if err != nil {
		return nil, fmt.Errorf("server: generate secret: %w", err)
	}
	if err := os.WriteFile(path, []byte(secret+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("server: write secret: %w", err)
	}
	slog.Info("generated token signing secret", "path", path)
	return []byte(secret), nil
}

// AccountYAML represents an account in YAML export/import.
type AccountYAML struct {
	ID        int64  `yaml:"id,omitempty"`
	Username  string `yaml:"username"`
	IsAdmin   bool   `yaml:"is_admin"`
	Balance   *int64 `yaml:"balance,omitempty"`
	CreatedAt string `yaml:"created_at,omitempty"`
}

// AccountsExport is the top-level YAML for account export.
type AccountsExport struct {
	Accounts []AccountYAML `yaml:"accounts"`
}

// ExportAccountsYAML exports all accounts as YAML.
func ExportAccountsYAML(ctx context.Context, st datastore.DataStore) ([]byte, error) {
	accounts, err := st.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}

	export := AccountsExport{Accounts: make([]AccountYAML, 0, len(accounts))}
	for _, a := range accounts {
		balance := a.Balance
		export.Accounts = append(export.Accounts, AccountYAML{
			ID:        a.ID,
			Username:  a.Username,
			IsAdmin:   a.IsAdmin,
			Balance:   &balance,
			CreatedAt: a.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	return yaml.Marshal(&export)
}

// LoadAccountsFromYAML reads an accounts YAML file and applies it to the store.
func LoadAccountsFromYAML(ctx context.Context, path string, st datastore.DataProviderFactory, startingBalance int64) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI config
	if err != nil {
		return 0, fmt.Errorf("read accounts file: %w", err)
	}
	return ImportAccountsFromYAML(ctx, data, st, startingBalance)
}

// ImportAccountsFromYAML creates missing accounts and updates the admin flag
// and balance of existing ones. IDs in the file are ignored. Invalid entries
// are logged and skipped.
func ImportAccountsFromYAML(ctx context.Context, data []byte, st datastore.DataProviderFactory, startingBalance int64) (int, error) {
	var in AccountsExport
	if err := yaml.Unmarshal(data, &in); err != nil {
		return 0, fmt.Errorf("parse accounts file: %w", err)
	}

	applied := 0
	for _, a := range in.Accounts {
		if err := importAccount(ctx, st, a, startingBalance); err != nil {
			slog.Error("failed to import account", "user", a.Username, "err", err)
			continue
		}
		applied++
	}
	slog.Info("imported accounts from YAML", "count", applied)
	return applied, nil
}

func importAccount(ctx context.Context, st datastore.DataProviderFactory, a AccountYAML, startingBalance int64) error {
	if err := model.ValidateUsername(a.Username); err != nil {
		return err
	}
	if a.Balance != nil {
		if err := model.ValidateBalance(*a.Balance); err != nil {
			return err
		}
	}

	tx, err := st.Tx(ctx)
	if err != nil {
		return err
	}
	acct, _, err := tx.EnsureAccount(ctx, a.Username, startingBalance)
	if err != nil {
		return err
	}

	if acct.IsAdmin != a.IsAdmin {
		if err := st.NonTx().SetAdmin(ctx, acct.ID, a.IsAdmin); err != nil {
			return err
		}
	}
	if a.Balance != nil && *a.Balance != acct.Balance {
		if err := st.NonTx().UpdateBalance(ctx, acct.ID, *a.Balance); err != nil {
			return err
		}
	}
	return nil
}
