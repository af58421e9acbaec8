package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/go-redis/redis/v8"

	"github.com/NicolasHaas/baccarat/pkg/datastore"
	"github.com/NicolasHaas/baccarat/pkg/history"
	"github.com/NicolasHaas/baccarat/pkg/logging"
	"github.com/NicolasHaas/baccarat/pkg/server"
	"github.com/NicolasHaas/baccarat/pkg/version"
)

func main() {
	configFile := flag.String("config", "", "YAML config file (env BACCARAT_* overrides it)")
	httpAddr := flag.String("addr", "", "HTTP/WebSocket bind address")
	dbDriver := flag.String("db-driver", "", "Database driver: sqlite or postgres")
	dbDSN := flag.String("db", "", "SQLite file path or PostgreSQL DSN")
	dataDir := flag.String("data", "", "Data directory for generated files")
	useTLS := flag.Bool("tls", false, "Serve HTTPS/WSS (self-signed certificate if -cert is empty)")
	certFile := flag.String("cert", "", "TLS certificate file")
	keyFile := flag.String("key", "", "TLS private key file")
	redisAddr := flag.String("redis", "", "Redis address for chat history (empty uses the database)")
	logLevel := flag.String("log-level", "", "Log level: "+logging.LevelNames())
	logFormat := flag.String("log-format", "", "Log format: text or json")

	exportUsers := flag.Bool("export-users", false, "Export all accounts as YAML and exit")
	importAccounts := flag.String("import-accounts", "", "Import accounts from a YAML file and exit")
	issueToken := flag.String("issue-token", "", "Print a signed login token for this username and exit")
	repairAdmin := flag.String("repair-admin", "", "Reset the admin account to this password and exit")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return
	}

	cfg, err := server.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	// flags win over file and env
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.HTTPAddr = *httpAddr
		case "db-driver":
			cfg.DBDriver = *dbDriver
		case "db":
			cfg.DBDSN = *dbDSN
		case "data":
			cfg.DataDir = *dataDir
		case "tls":
			cfg.TLS = *useTLS
		case "cert":
			cfg.CertFile = *certFile
		case "key":
			cfg.KeyFile = *keyFile
		case "redis":
			cfg.RedisAddr = *redisAddr
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		}
	})
	cfg.ExportUsers = *exportUsers
	cfg.ImportAccounts = *importAccounts
	cfg.IssueToken = *issueToken
	cfg.RepairAdmin = *repairAdmin

	if err := logging.Setup(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: os.Stdout,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	st, err := datastore.Open(ctx, cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		slog.Error("open database", "driver", cfg.DBDriver, "err", err)
		os.Exit(1)
	}

	// Handle operator commands (run and exit)
	if cfg.ExportUsers || cfg.ImportAccounts != "" || cfg.IssueToken != "" || cfg.RepairAdmin != "" {
		err := runCommand(ctx, cfg, st)
		_ = st.Close()
		if err != nil {
			slog.Error("command failed", "err", err)
			os.Exit(1)
		}
		return
	}

	deps := server.Dependencies{Store: st}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = rdb.Close() }()
		rec := history.NewRedis(rdb, cfg.RedisKey, cfg.ChatHistorySize)
		if err := rec.Ping(ctx); err != nil {
			slog.Error("connect redis", "addr", cfg.RedisAddr, "err", err)
			os.Exit(1)
		}
		deps.History = rec
		slog.Info("chat history in redis", "addr", cfg.RedisAddr, "key", cfg.RedisKey)
	}

	srv, err := server.New(cfg, deps)
	if err != nil {
		slog.Error("init server", "err", err)
		os.Exit(1)
	}
	slog.Info("starting", "version", version.Full(), "db", cfg.DBDriver)
	if err := srv.Run(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

func runCommand(ctx context.Context, cfg server.Config, st *datastore.ProviderFactory) error {
	if cfg.RepairAdmin != "" {
		if _, err := server.RepairAdmin(ctx, st, cfg.RepairAdmin); err != nil {
			return err
		}
	}
	if cfg.ImportAccounts != "" {
		n, err := server.LoadAccountsFromYAML(ctx, cfg.ImportAccounts, st, cfg.StartingBalance)
		if err != nil {
			return err
		}
		slog.Info("accounts imported", "count", n, "file", cfg.ImportAccounts)
	}
	if cfg.IssueToken != "" {
		tok, err := server.IssueToken(cfg, st, cfg.IssueToken)
		if err != nil {
			return err
		}
		fmt.Println(tok)
	}
	if cfg.ExportUsers {
		data, err := server.ExportAccountsYAML(ctx, st.NonTx())
		if err != nil {
			return err
		}
		fmt.Print(string(data))
	}
	return nil
}
