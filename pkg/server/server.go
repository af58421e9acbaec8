// Package server implements the baccarat live server: the websocket session
// layer, presence, chat and the small HTTP API around it.
package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/NicolasHaas/baccarat/pkg/auth"
	"github.com/NicolasHaas/baccarat/pkg/chat"
	"github.com/NicolasHaas/baccarat/pkg/datastore"
	"github.com/NicolasHaas/baccarat/pkg/history"
	"github.com/NicolasHaas/baccarat/pkg/identity"
	"github.com/NicolasHaas/baccarat/pkg/presence"
	"github.com/NicolasHaas/baccarat/pkg/session"
)

// Config holds server configuration.
type Config struct {
	HTTPAddr       string   `mapstructure:"http_addr"`       // HTTP/websocket bind address (e.g. ":8080")
	DBDriver       string   `mapstructure:"db_driver"`       // "sqlite" or "postgres"
	DBDSN          string   `mapstructure:"db_dsn"`          // sqlite file path or postgres URL
	CertFile       string   `mapstructure:"cert_file"`       // TLS certificate file path
	KeyFile        string   `mapstructure:"key_file"`        // TLS private key file path
	DataDir        string   `mapstructure:"data_dir"`        // directory for generated certs and secrets
	TLS            bool     `mapstructure:"tls"`             // serve HTTPS
	AllowedOrigins []string `mapstructure:"allowed_origins"` // websocket origins (empty = any)

	JWTSecret string        `mapstructure:"jwt_secret"` // empty = generated and kept in DataDir
	JWTIssuer string        `mapstructure:"jwt_issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`

	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`   // time allowed between connect and login
	GameDataDelay     time.Duration `mapstructure:"game_data_delay"`     // delay before the first game_data push
	AdminNameOverride bool          `mapstructure:"admin_name_override"` // username "admin" is always privileged
	SingleSession     bool          `mapstructure:"single_session"`      // a new login evicts older sessions of the same user
	SendBuffer        int           `mapstructure:"send_buffer"`         // per-connection outbound queue
	MaxChatLength     int           `mapstructure:"max_chat_length"`
	ChatHistorySize   int           `mapstructure:"chat_history_size"` // messages replayed after login (0 = none)
	StartingBalance   int64         `mapstructure:"starting_balance"`

	RedisAddr string `mapstructure:"redis_addr"` // chat history in redis instead of the database
	RedisKey  string `mapstructure:"redis_key"`

	MetricsEnabled     bool          `mapstructure:"metrics_enabled"`
	MetricsLogInterval time.Duration `mapstructure:"metrics_log_interval"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// CLI-only actions (run and exit)
	ExportUsers    bool   `mapstructure:"-"` // export all accounts as YAML and exit
	ImportAccounts string `mapstructure:"-"` // YAML file of accounts to create/update, then exit
	IssueToken     string `mapstructure:"-"` // print a signed token for this username and exit
	RepairAdmin    string `mapstructure:"-"` // reset the admin account to this password and exit
}

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Store and will Close() it on shutdown.
type Dependencies struct {
	Store   datastore.DataProviderFactory
	History history.Recorder // nil = database-backed history
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:           ":8080",
		DBDriver:           "sqlite",
		DBDSN:              "baccarat.db",
		DataDir:            ".",
		JWTIssuer:          "baccarat",
		TokenTTL:           24 * time.Hour,
		HandshakeTimeout:   10 * time.Second,
		GameDataDelay:      500 * time.Millisecond,
		AdminNameOverride:  true,
		SingleSession:      true,
		SendBuffer:         64,
		MaxChatLength:      500,
		ChatHistorySize:    history.DefaultSize,
		StartingBalance:    1000,
		RedisKey:           "baccarat:chat",
		MetricsEnabled:     true,
		MetricsLogInterval: 60 * time.Second,
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

// loadOrGenerateTLS loads TLS cert/key from disk or generates a self-signed pair.
func loadOrGenerateTLS(cfg Config) (tls.Certificate, error) {
	certPath := cfg.CertFile
	keyPath := cfg.KeyFile

	if certPath == "" {
		certPath = filepath.Join(cfg.DataDir, "server.crt")
	}
	if keyPath == "" {
		keyPath = filepath.Join(cfg.DataDir, "server.key")
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err == nil {
		slog.Info("loaded TLS certificate", "cert", certPath)
		return cert, nil
	}

	slog.Info("generating self-signed TLS certificate")
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
	}

	serialNumber, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{Organization: []string{"Baccarat Server"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create cert: %w", err)
	}
	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("marshal key: %w", err)
	}

	if err := writePEM(certPath, "CERTIFICATE", certDER, 0644); err != nil {
		return tls.Certificate{}, fmt.Errorf("write cert: %w", err)
	}
	if err := writePEM(keyPath, "EC PRIVATE KEY", privBytes, 0600); err != nil {
		return tls.Certificate{}, fmt.Errorf("write key: %w", err)
	}

	slog.Info("TLS certificate generated", "cert", certPath, "key", keyPath)

	return tls.LoadX509KeyPair(certPath, keyPath)
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm) //nolint:gosec // path from server config
	if err != nil {
		return err
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Server is the main baccarat live server.
type Server struct {
	cfg      Config
	sessions *session.Store
	presence *presence.Tracker
	chat     *chat.Relay
	history  history.Recorder
	resolver *identity.Resolver
	verifier *auth.Verifier
	issuer   *auth.Issuer
	metrics  *Metrics
	store    datastore.DataProviderFactory
	hub      *hub

	httpMu  sync.Mutex
	httpSrv *http.Server
	ln      net.Listener

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Server instance. An empty cfg.JWTSecret is replaced by
// the secret persisted in cfg.DataDir, generated on first use.
func New(cfg Config, deps Dependencies) (*Server, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("server: missing store dependency")
	}
	secret, err := loadOrGenerateSecret(cfg)
	if err != nil {
		return nil, err
	}
	opts := []auth.Option{auth.WithIssuer(cfg.JWTIssuer)}
	verifier, err := auth.NewVerifier(secret, opts...)
	if err != nil {
		return nil, fmt.Errorf("server: verifier: %w", err)
	}
	issuer, err := auth.NewIssuer(secret, cfg.TokenTTL, opts...)
	if err != nil {
		return nil, fmt.Errorf("server: issuer: %w", err)
	}

	resolver := identity.NewResolver()
	resolver.NameOverride = cfg.AdminNameOverride

	rec := deps.History
	if rec == nil {
		rec = history.NewSQL(deps.Store)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		sessions: session.New(cfg.SingleSession),
		history:  rec,
		resolver: resolver,
		verifier: verifier,
		issuer:   issuer,
		metrics:  NewMetrics(),
		store:    deps.Store,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.hub = newHub(s.metrics)
	s.presence = presence.NewTracker(s.sessions, s.hub)

	chatOpts := []chat.Option{chat.WithRecorder(rec)}
	if cfg.MaxChatLength > 0 {
		chatOpts = append(chatOpts, chat.WithMaxLength(cfg.MaxChatLength))
	}
	s.chat = chat.NewRelay(s.sessions, s.hub, chatOpts...)
	s.metrics.TrackSessions(s.sessions.Count)
	return s, nil
}

// Sessions returns the session store.
func (s *Server) Sessions() *session.Store {
	return s.sessions
}

// Presence returns the presence tracker.
func (s *Server) Presence() *presence.Tracker {
	return s.presence
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Issuer returns the token issuer sharing the server's signing secret.
func (s *Server) Issuer() *auth.Issuer {
	return s.issuer
}

// Addr returns the bound listener address once Start has succeeded.
func (s *Server) Addr() net.Addr {
	s.httpMu.Lock()
	defer s.httpMu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}
