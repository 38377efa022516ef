package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chatsync/internal/api"
	"github.com/chatsync/internal/chat"
	"github.com/chatsync/internal/config"
	"github.com/chatsync/internal/conn"
	"github.com/chatsync/internal/crypto"
	"github.com/chatsync/internal/e2ee"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/presence"
	"github.com/chatsync/internal/store"
)

// Консольный клиент синхронизации: подключается к dev-серверу, входит в
// беседу и гоняет полный цикл — оптимистичная отправка, правки, статусы,
// typing. Команды: /join <id>, /older, /read, /view, /typing, /quit;
// всё остальное отправляется как сообщение в текущую беседу.
func main() {
	logger.SetPrefix("client")
	cfg := config.Load()

	if cfg.Client.AuthToken == "" {
		logger.Error("AUTH_TOKEN is required (dev server uses it as the user id)")
		os.Exit(1)
	}
	selfID := cfg.Client.AuthToken

	mgr := conn.NewManager(conn.Config{
		URL:                  cfg.Client.WSURL,
		Token:                func() string { return cfg.Client.AuthToken },
		HandshakeTimeout:     cfg.Client.HandshakeTimeout(),
		MaxReconnectAttempts: cfg.Client.MaxReconnectAttempts,
	})

	session := chat.NewSession(chat.Deps{
		SelfID:   selfID,
		Conn:     mgr,
		API:      api.NewClient(cfg.Client.ServerURL, func() string { return cfg.Client.AuthToken }),
		Store:    store.New(),
		Sessions: e2ee.NewSessions(),
		Cache:    e2ee.NewCache(),
		Cipher:   crypto.NewService(),
		Presence: presence.NewTracker(),
	})
	defer session.Logout()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session.Connect(ctx)
	logger.Infof("connected as %s, server %s", selfID, cfg.Client.ServerURL)

	var current string
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit":
			return
		case strings.HasPrefix(line, "/join "):
			current = strings.TrimSpace(strings.TrimPrefix(line, "/join "))
			if err := session.Join(ctx, current); err != nil {
				logger.Errorf("join: %v", err)
				continue
			}
			printView(session, current)
		case line == "/older":
			if current == "" {
				continue
			}
			if err := session.LoadOlder(ctx, current); err != nil {
				logger.Errorf("older: %v", err)
			}
			printView(session, current)
		case line == "/view":
			printView(session, current)
		case line == "/read":
			if current == "" {
				continue
			}
			session.MarkRead(current, "")
		case line == "/typing":
			if current == "" {
				continue
			}
			session.TypingStart(current)
			time.Sleep(2 * time.Second)
			session.TypingStop(current)
		default:
			if current == "" {
				logger.Error("no conversation: /join <id> first")
				continue
			}
			if _, err := session.Send(ctx, current, line); err != nil {
				logger.Errorf("send: %v", err)
			}
		}
	}
}

func printView(s *chat.Session, conversationID string) {
	if conversationID == "" {
		return
	}
	for _, e := range s.View(conversationID) {
		marker := " "
		if e.ShowAvatar {
			marker = "*"
		}
		fmt.Printf("%s [%s] %-10s %s (%s)\n",
			marker, e.Message.CreatedAt.Format("15:04:05"), e.Message.SenderID, e.DisplayContent, e.Message.Status)
	}
	if typing := s.Typing(conversationID); len(typing) > 0 {
		fmt.Printf("  typing: %s\n", strings.Join(typing, ", "))
	}
}
