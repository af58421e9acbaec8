package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NicolasHaas/baccarat/pkg/auth"
	"github.com/NicolasHaas/baccarat/pkg/crypto"
	"github.com/NicolasHaas/baccarat/pkg/datastore"
	"github.com/NicolasHaas/baccarat/pkg/model"
)

// Start binds the HTTP listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	if s.cfg.TLS {
		cert, err := loadOrGenerateTLS(s.cfg)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("server: tls: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	}

	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.httpMu.Lock()
	s.httpSrv = srv
	s.ln = ln
	s.httpMu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http serve error", "err", err)
		}
	}()
	return nil
}

// Run starts the server and blocks until shutdown signal.
func (s *Server) Run() error {
	st := s.store
	defer func() { _ = st.NonTx().Close() }()

	if err := s.Start(); err != nil {
		return err
	}

	slog.Info("baccarat server running",
		"addr", s.Addr().String(),
		"tls", s.cfg.TLS,
		"single_session", s.cfg.SingleSession,
	)

	s.metrics.StartPeriodicLog(s.cfg.MetricsLogInterval, s.ctx.Done())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down...")
	s.Shutdown()
	return nil
}

// Shutdown stops accepting connections and closes every live socket.
func (s *Server) Shutdown() {
	s.cancel()

	s.httpMu.Lock()
	srv := s.httpSrv
	s.httpMu.Unlock()
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("http shutdown", "err", err)
		}
	}
	// hijacked websocket conns are not tracked by http.Server
	s.hub.closeAll()
}

// RepairAdmin makes sure the admin account exists with the admin flag and
// password set.
func RepairAdmin(ctx context.Context, st datastore.DataProviderFactory, password string) (*model.Account, error) {
	if password == "" {
		return nil, fmt.Errorf("server: repair admin: empty password")
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, err
	}
	tx, err := st.Tx(ctx)
	if err != nil {
		return nil, fmt.Errorf("server: repair admin: %w", err)
	}
	acct, err := tx.RepairAdmin(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("server: repair admin: %w", err)
	}

	slog.Info("========================================")
	slog.Info("admin account repaired", "user", acct.Username, "id", acct.ID)
	slog.Info("========================================")
	return acct, nil
}

// IssueToken signs a token for username with the configured secret. Used by
// the operator CLI to hand out logins without the HTTP API.
func IssueToken(cfg Config, st datastore.DataProviderFactory, username string) (string, error) {
	if err := model.ValidateUsername(username); err != nil {
		return "", err
	}
	secret, err := loadOrGenerateSecret(cfg)
	if err != nil {
		return "", err
	}
	issuer, err := auth.NewIssuer(secret, cfg.TokenTTL, auth.WithIssuer(cfg.JWTIssuer))
	if err != nil {
		return "", err
	}

	sub := auth.Subject{Username: username}
	acct, err := st.NonTx().GetAccountByUsername(context.Background(), username)
	if err != nil {
		return "", fmt.Errorf("server: issue token: %w", err)
	}
	if acct != nil {
		sub.UserID = acct.ID
		sub.IsAdmin = acct.IsAdmin
	}
	return issuer.Issue(sub)
}
