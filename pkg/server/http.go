package server

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/NicolasHaas/baccarat/pkg/auth"
	"github.com/NicolasHaas/baccarat/pkg/crypto"
	"github.com/NicolasHaas/baccarat/pkg/version"
)

const identityKey = "identity"

// Router builds the HTTP surface: the websocket endpoint, health, metrics
// and the token API.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	r.GET("/ws", func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Debug("websocket upgrade failed", "remote", c.ClientIP(), "err", err)
			return
		}
		s.serveConn(ws, c.ClientIP())
	})

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"version":  version.Current(),
			"sessions": s.sessions.Count(),
		})
	})
	if s.cfg.MetricsEnabled {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	api := r.Group("/api")
	api.POST("/login", s.handleAPILogin)
	api.GET("/presence", s.handleAPIPresence)
	api.GET("/me", s.authMiddleware(), s.handleAPIMe)
	return r
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser client
	}
	for _, o := range s.cfg.AllowedOrigins {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"remote", c.ClientIP(),
			"duration", time.Since(start),
		)
	}
}

func apiError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// authMiddleware checks the bearer token and stores the claimed identity.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		var token string
		if h := c.GetHeader("Authorization"); h != "" {
			parts := strings.SplitN(h, " ", 2)
			if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
				token = strings.TrimSpace(parts[1])
			}
		}
		if token == "" {
			apiError(c, http.StatusUnauthorized, "missing token")
			return
		}

		id, err := s.verifier.Verify(token)
		if err != nil {
			apiError(c, http.StatusUnauthorized, auth.ErrInvalidToken.Error())
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type userJSON struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"isAdmin"`
	Balance  int64  `json:"balance"`
}

var dummyPasswordHash = sync.OnceValue(func() string {
	h, err := crypto.HashPassword("baccarat-unknown-account")
	if err != nil {
		slog.Error("dummy password hash", "err", err)
	}
	return h
})

// handleAPILogin exchanges a username and password for a signed token.
func (s *Server) handleAPILogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiError(c, http.StatusBadRequest, "username and password required")
		return
	}
	ctx := c.Request.Context()

	acct, err := s.store.NonTx().GetAccountByUsername(ctx, strings.TrimSpace(req.Username))
	if err != nil {
		slog.Error("login lookup failed", "user", req.Username, "err", err)
		apiError(c, http.StatusInternalServerError, "server error")
		return
	}
	if acct == nil || acct.PasswordHash == "" {
		// same bcrypt cost as a real check so unknown names are not faster
		_ = crypto.CheckPassword(dummyPasswordHash(), req.Password)
		apiError(c, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err := crypto.CheckPassword(acct.PasswordHash, req.Password); err != nil {
		apiError(c, http.StatusUnauthorized, "invalid credentials")
		return
	}

	banned, err := s.store.NonTx().IsAccountBanned(ctx, acct.ID)
	if err != nil {
		slog.Error("ban check failed", "user", acct.Username, "err", err)
		apiError(c, http.StatusInternalServerError, "server error")
		return
	}
	if banned {
		apiError(c, http.StatusForbidden, "account banned")
		return
	}

	token, err := s.issuer.Issue(auth.Subject{UserID: acct.ID, Username: acct.Username, IsAdmin: acct.IsAdmin})
	if err != nil {
		slog.Error("token issue failed", "user", acct.Username, "err", err)
		apiError(c, http.StatusInternalServerError, "server error")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":     token,
		"expiresAt": time.Now().Add(s.issuer.TTL()).UnixMilli(),
		"user": userJSON{
			ID:       acct.ID,
			Username: acct.Username,
			IsAdmin:  s.resolver.IsAdmin(auth.Identity{Username: acct.Username, IsAdmin: acct.IsAdmin}),
			Balance:  acct.Balance,
		},
	})
}

// handleAPIMe returns the caller's resolved identity and whether it is online.
func (s *Server) handleAPIMe(c *gin.Context) {
	id := c.MustGet(identityKey).(auth.Identity)
	c.JSON(http.StatusOK, gin.H{
		"id":       id.UserID,
		"username": id.Username,
		"isAdmin":  s.resolver.IsAdmin(id),
		"online":   len(s.sessions.ByUsername(id.Username)) > 0,
	})
}

func (s *Server) handleAPIPresence(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"users": s.presence.Snapshot()})
}
