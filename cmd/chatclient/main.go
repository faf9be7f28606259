// Command chatclient is a terminal client for one two-party conversation.
//
// Usage:
//
//	go run ./cmd/chatclient -user alice -peer bob [-url http://localhost:5000] [-token JWT | -secret DEV_SECRET]
//
// Lines typed on stdin are sent as text. Commands:
//
//	/file PATH [CAPTION]  send a file attachment
//	/retry                resend every failed message
//	/typing               announce typing to the peer
//	/quit                 leave the room and exit
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/parley/chat-app/internal/auth"
	"github.com/parley/chat-app/internal/client"
	"github.com/parley/chat-app/internal/logging"
)

func main() {
	baseURL := flag.String("url", "http://localhost:5000", "server base URL")
	user := flag.String("user", "", "your user id")
	peer := flag.String("peer", "", "user id to chat with")
	token := flag.String("token", "", "bearer token")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "sign a token locally with this secret when -token is empty")
	logLevel := flag.String("log-level", "warn", "log level")
	flag.Parse()

	logger := logging.New("development", *logLevel)

	if *user == "" || *peer == "" {
		flag.Usage()
		os.Exit(2)
	}
	if *token == "" {
		if *secret == "" {
			logger.Fatal().Msg("either -token or -secret is required")
		}
		issued, err := auth.NewVerifier(*secret).Issue(*user, 24*time.Hour)
		if err != nil {
			logger.Fatal().Err(err).Msg("issue token")
		}
		*token = issued
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *baseURL, *user, *peer, *token, logger); err != nil {
		logger.Fatal().Err(err).Msg("chat client")
	}
}

func run(ctx context.Context, baseURL, user, peer, token string, logger zerolog.Logger) error {
	wsURL := "ws" + strings.TrimPrefix(strings.TrimSuffix(baseURL, "/"), "http") + "/ws"

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	socket, err := client.DialSocket(dialCtx, wsURL, token)
	if err != nil {
		return err
	}
	defer socket.Close()
	if _, err := socket.WaitForSession(dialCtx); err != nil {
		return err
	}

	conv, err := client.NewConversation(user, peer, client.NewHTTPClient(baseURL, token), socket, logger)
	if err != nil {
		return err
	}
	conv.Bind(socket)

	redraw := make(chan struct{}, 1)
	conv.OnChange = func() {
		select {
		case redraw <- struct{}{}:
		default:
		}
	}
	unauthorized := make(chan struct{})
	conv.OnUnauthorized = func() {
		select {
		case <-unauthorized:
		default:
			close(unauthorized)
		}
	}

	if err := socket.Online(user); err != nil {
		return err
	}
	if err := conv.Open(dialCtx); err != nil {
		return err
	}
	defer conv.Close()

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	render(conv)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-unauthorized:
			return client.ErrUnauthorized
		case <-socket.Done():
			return fmt.Errorf("connection closed: %v", socket.Err())
		case <-redraw:
			render(conv)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, conv, line); quit {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, conv *client.Conversation, line string) bool {
	line = strings.TrimSpace(line)
	cmd, arg, _ := strings.Cut(line, " ")

	var err error
	switch cmd {
	case "":
		return false
	case "/quit":
		return true
	case "/typing":
		conv.Keystroke()
	case "/retry":
		for _, e := range conv.Session().Entries() {
			if e.State == client.StateFailed {
				if _, rerr := conv.Retry(ctx, e.Message.ClientID); rerr != nil {
					err = rerr
				}
			}
		}
	case "/file":
		path, caption, _ := strings.Cut(arg, " ")
		var file *client.File
		if file, err = readFile(path); err == nil {
			_, err = conv.Send(ctx, caption, file)
		}
	default:
		_, err = conv.Send(ctx, line, nil)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "! %v\n", err)
	}
	return false
}

func readFile(path string) (*client.File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &client.File{
		Name:     filepath.Base(path),
		MimeType: mime.TypeByExtension(filepath.Ext(path)),
		Data:     data,
	}, nil
}

func render(conv *client.Conversation) {
	s := conv.Session()
	fmt.Print("\033[H\033[2J")

	status := "offline"
	if conv.PeerOnline() {
		status = "online"
	}
	fmt.Printf("== %s (%s) ==\n", s.Peer(), status)

	for _, row := range s.Layout() {
		m := row.Message
		if row.ShowTimestamp {
			fmt.Printf("\n   -- %s --\n", m.CreatedAt.Local().Format("Jan 2 15:04"))
		}
		if row.StartGroup {
			who := m.SenderID
			if row.Mine {
				who = "you"
			}
			fmt.Printf("%s:\n", who)
		}

		body := m.Content
		if a := m.Attachment; a != nil {
			body = fmt.Sprintf("[%s %s] %s", a.Kind, a.Name, a.Caption)
		}
		mark := ""
		if row.Mine {
			switch row.State {
			case client.StatePending:
				mark = " (sending)"
			case client.StateFailed:
				mark = " (failed, /retry)"
			default:
				mark = " (" + string(m.Status) + ")"
			}
		}
		fmt.Printf("    %s%s\n", body, mark)
	}

	if conv.PeerTyping() {
		fmt.Printf("\n%s is typing...\n", s.Peer())
	}
	fmt.Print("> ")
}
