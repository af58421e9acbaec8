package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/NicolasHaas/baccarat/pkg/client"
	"github.com/NicolasHaas/baccarat/pkg/logging"
	pb "github.com/NicolasHaas/baccarat/pkg/protocol/pb"
	"github.com/NicolasHaas/baccarat/pkg/version"
)

const help = `commands:
  /who                          list online users
  /me                           show your account
  /game                         request game data
  /ping                         measure round trip
  /kick <user> [reason]         end a user's sessions (admin)
  /ban <user> <secs> [reason]   ban a user, 0 secs = permanent (admin)
  /balance <user> <amount>      set a balance (admin)
  /logout                       log out and forget the stored token
  /quit                         disconnect, keep the stored token
anything else is sent as chat`

func main() {
	settingsFile := flag.String("settings", client.SettingsPath(), "Settings YAML file")
	serverURL := flag.String("server", "", "Server websocket URL, e.g. wss://host:8080/ws")
	username := flag.String("user", "", "Username")
	token := flag.String("token", "", "Login token (omit to resume the stored one)")
	password := flag.String("password", "", "Fetch a token with this password through the HTTP API")
	insecure := flag.Bool("insecure", false, "Accept self-signed server certificates")
	save := flag.Bool("save", false, "Write the effective settings back to the settings file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return
	}

	settings := client.LoadSettings(*settingsFile)
	if *serverURL != "" {
		settings.ServerURL = *serverURL
	}
	if *username != "" {
		settings.Username = *username
	}
	if *insecure {
		settings.Insecure = true
	}

	level := settings.LogLevel
	if v := os.Getenv("BACCARAT_LOG_LEVEL"); v != "" {
		level = v
	}
	_ = logging.Setup(logging.Options{Level: level, Format: "text", Output: os.Stderr})

	if *save {
		if err := settings.Save(*settingsFile); err != nil {
			slog.Warn("save settings", "err", err)
		}
	}

	creds := client.NewCredentialStore(settings.CredentialsFile, os.Getenv("BACCARAT_CREDENTIALS_PASSPHRASE"))
	opts := client.DialOptions{InsecureSkipVerify: settings.Insecure}
	engine := client.NewEngine(creds, opts)
	wire(engine)

	ctx := context.Background()
	tok := *token
	if tok == "" && *password != "" {
		var err error
		tok, err = client.LoginWithPassword(ctx, settings.ServerURL, settings.Username, *password, opts)
		if err != nil {
			fatal(err)
		}
	}

	var err error
	if tok != "" {
		err = engine.Connect(ctx, settings.ServerURL, settings.Username, tok)
	} else {
		err = engine.Resume(ctx)
	}
	if err != nil {
		if errors.Is(err, client.ErrNoCredentials) {
			fatal(fmt.Errorf("no stored login, pass -token or -password"))
		}
		fatal(err)
	}

	repl(engine)
}

func wire(e *client.Engine) {
	e.OnLogin = func(u pb.UserInfo) {
		role := ""
		if u.IsAdmin {
			role = " (admin)"
		}
		fmt.Printf("* logged in as %s%s, balance %d\n", u.Username, role, u.Balance)
	}
	e.OnPresence = func(users []pb.PresenceUser) {
		fmt.Printf("* %d online\n", len(users))
	}
	e.OnChatHistory = func(msgs []pb.ChatBroadcast) {
		for _, m := range msgs {
			printChat(m)
		}
	}
	e.OnChat = printChat
	e.OnUserUpdate = func(u pb.UserUpdate) {
		fmt.Printf("* %s balance is now %d\n", u.Username, u.Balance)
	}
	e.OnGameData = func(d pb.GameData) {
		fmt.Printf("* game data: %s balance %d at %s\n", d.Username, d.Balance,
			time.UnixMilli(d.ServerTime).Format(time.TimeOnly))
	}
	e.OnPong = func(rtt time.Duration) {
		fmt.Printf("* pong %s\n", rtt.Round(time.Millisecond))
	}
	e.OnError = func(err error) {
		fmt.Printf("! %v\n", err)
	}
	e.OnForcedLogout = func(msg string) {
		fmt.Printf("! logged out: %s\n", msg)
	}
	e.OnDisconnect = func(reason string) {
		fmt.Printf("* disconnected: %s\n", reason)
		os.Exit(0)
	}
}

func printChat(m pb.ChatBroadcast) {
	name := m.Username
	if m.IsAdmin {
		name = "@" + name
	}
	fmt.Printf("[%s] %s: %s\n", time.UnixMilli(m.Timestamp).Format(time.TimeOnly), name, m.Text)
}

func repl(e *client.Engine) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if err := command(e, line); err != nil {
			fmt.Printf("! %v\n", err)
		}
	}
	e.Disconnect()
}

func command(e *client.Engine, line string) error {
	if !strings.HasPrefix(line, "/") {
		return e.SendChat(line)
	}

	fields := strings.Fields(line)
	args := fields[1:]
	switch fields[0] {
	case "/help":
		fmt.Println(help)
	case "/who":
		for _, u := range e.Presence() {
			fmt.Printf("  %s%s\n", u.Username, map[bool]string{true: " (admin)"}[u.IsAdmin])
		}
	case "/me":
		u := e.User()
		fmt.Printf("  %s id=%d admin=%t balance=%d\n", u.Username, u.ID, u.IsAdmin, u.Balance)
	case "/game":
		return e.RequestGameData()
	case "/ping":
		return e.Ping()
	case "/kick":
		if len(args) < 1 {
			return errors.New("usage: /kick <user> [reason]")
		}
		return e.KickUser(args[0], strings.Join(args[1:], " "))
	case "/ban":
		if len(args) < 2 {
			return errors.New("usage: /ban <user> <secs> [reason]")
		}
		secs, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("bad duration %q", args[1])
		}
		return e.BanUser(args[0], strings.Join(args[2:], " "), time.Duration(secs)*time.Second)
	case "/balance":
		if len(args) != 2 {
			return errors.New("usage: /balance <user> <amount>")
		}
		amount, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("bad amount %q", args[1])
		}
		return e.SetBalance(args[0], amount)
	case "/logout":
		return e.Logout()
	case "/quit":
		e.Disconnect()
	default:
		return fmt.Errorf("unknown command %s, try /help", fields[0])
	}
	return nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
