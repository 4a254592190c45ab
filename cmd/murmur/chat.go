package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	murmur "github.com/murmur-chat/murmur/sdk/golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// messages
	messagesJSON bool

	// send
	sendReplyTo int64
	sendJSON    bool

	// listen
	listenMetricsAddr string
	listenReconnect   bool
)

// chatEnv is what every chat command needs.
type chatEnv struct {
	client  *murmur.Client
	session *murmur.Session
	view    *murmur.MemoryView
	term    *terminal
	chat    *murmur.ChatView
}

func newChatEnv(ctx context.Context, metrics *murmur.Metrics) *chatEnv {
	client := getClient()
	session := getSession(ctx, client)

	view := murmur.NewMemoryView()
	term := newTerminal(os.Stdout)
	view.Observe(term.observe)

	chat := murmur.NewChatView(session, client, view, term,
		murmur.WithChatLogger(slog.Default()),
		murmur.WithChatMetrics(metrics))
	return &chatEnv{client: client, session: session, view: view, term: term, chat: chat}
}

// openQuiet opens a conversation without printing its history.
func (e *chatEnv) openQuiet(ctx context.Context, conversationID string) error {
	e.term.setQuiet(true)
	defer e.term.setQuiet(false)
	_, err := e.chat.Open(ctx, conversationID)
	return err
}

// ============================================================================
// open
// ============================================================================

var openCmd = &cobra.Command{
	Use:   "open <user-id>",
	Short: "Find or start the direct conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := args[0]
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		session := getSession(ctx, client)
		if target == session.UserID {
			return fmt.Errorf("cannot start a conversation with yourself")
		}

		conv, created, err := client.OpenDirectConversation(ctx, session.UserID, target)
		if err != nil {
			return fmt.Errorf("failed to start direct conversation: %w", err)
		}
		if created {
			fmt.Printf("Started conversation %s\n", conv.ID)
		} else {
			fmt.Printf("Conversation %s\n", conv.ID)
		}
		fmt.Printf("  Name: %s\n", valueOrDefault(conv.Name, murmur.UnknownUser))
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Print the history of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		env := newChatEnv(ctx, nil)

		if messagesJSON {
			env.term.setQuiet(true)
		}
		entry, err := env.chat.Open(ctx, args[0])
		if err != nil {
			return err
		}

		if messagesJSON {
			data, err := json.MarshalIndent(entry.Messages, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode messages: %w", err)
			}
			fmt.Println(string(data))
			return nil
		}
		if len(entry.Messages) == 0 {
			fmt.Println("No messages yet.")
		}
		return nil
	},
}

// ============================================================================
// send / like / delete
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message...>",
	Short: "Send a message to a conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		env := newChatEnv(ctx, nil)

		if err := env.openQuiet(ctx, args[0]); err != nil {
			return err
		}
		if sendReplyTo > 0 {
			if _, err := env.chat.StartReply(sendReplyTo); err != nil {
				return fmt.Errorf("cannot reply to %d: %w", sendReplyTo, err)
			}
		}

		env.term.setQuiet(true)
		msg, err := env.chat.Send(ctx, strings.Join(args[1:], " "))
		env.term.setQuiet(false)
		if err != nil {
			return err
		}

		if sendJSON {
			data, err := json.Marshal(msg)
			if err != nil {
				return fmt.Errorf("failed to encode message: %w", err)
			}
			fmt.Println(string(data))
			return nil
		}
		fmt.Printf("Message %d sent to conversation %s\n", msg.ID, msg.ConversationID)
		return nil
	},
}

var likeCmd = &cobra.Command{
	Use:   "like <conversation-id> <message-id>",
	Short: "Toggle the like of a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseMessageID(args[1])
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		env := newChatEnv(ctx, nil)

		if err := env.openQuiet(ctx, args[0]); err != nil {
			return err
		}
		state, err := env.chat.ToggleLike(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("Message %d is now %s\n", id, state)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <conversation-id> <message-id>",
	Short: "Delete a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseMessageID(args[1])
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		env := newChatEnv(ctx, nil)

		if err := env.openQuiet(ctx, args[0]); err != nil {
			return err
		}
		if err := env.chat.Delete(ctx, id); err != nil {
			return err
		}
		fmt.Printf("Message %d deleted\n", id)
		return nil
	},
}

// ============================================================================
// listen
// ============================================================================

const listenHelp = `Commands:
  /open <conversation-id>   switch conversation
  /reply <message-id>       reply to a message with the next line
  /cancel                   cancel the pending reply
  /like <message-id>        toggle a like
  /delete <message-id>      delete a message
  /quit                     leave
Any other line is sent to the open conversation.`

var listenCmd = &cobra.Command{
	Use:   "listen [conversation-id]",
	Short: "Follow conversations live and chat interactively",
	Long:  "Subscribe to your realtime channel, print incoming messages and updates, and send lines typed on stdin.\n\n" + listenHelp,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var metrics *murmur.Metrics
		if listenMetricsAddr != "" {
			reg := prometheus.NewRegistry()
			metrics = murmur.NewMetrics(reg)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			srv := &http.Server{Addr: listenMetricsAddr, Handler: mux}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					slog.Error("metrics server failed", "error", err)
				}
			}()
			defer srv.Close()
		}

		env := newChatEnv(ctx, metrics)
		listener := env.client.Realtime(env.session.UserID, &murmur.RealtimeConfig{
			AutoReconnect: listenReconnect,
			Metrics:       metrics,
		})
		env.chat.Attach(listener)
		listener.OnDisconnected(func(code int, reason string) {
			if ctx.Err() == nil {
				fmt.Fprintf(os.Stderr, "! realtime disconnected: %s\n", reason)
			}
		})

		if err := listener.Connect(ctx); err != nil {
			return fmt.Errorf("failed to subscribe: %w", err)
		}
		defer listener.Disconnect()

		if len(args) == 1 {
			if err := openAndPrint(ctx, env, args[0]); err != nil {
				fmt.Fprintf(os.Stderr, "! %v\n", err)
			}
		}
		fmt.Println("Listening. Type /help for commands.")

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if quit := handleLine(ctx, env, line); quit {
					return nil
				}
			}
		}
	},
}

func openAndPrint(ctx context.Context, env *chatEnv, conversationID string) error {
	entry, err := env.chat.Open(ctx, conversationID)
	if err != nil {
		return err
	}
	fmt.Printf("-- %s (%s, %d messages)\n", valueOrDefault(entry.Name, murmur.UnknownUser), entry.Type, len(entry.Messages))
	return nil
}

// handleLine runs one interactive line and reports whether to quit.
func handleLine(ctx context.Context, env *chatEnv, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if _, err := env.chat.Send(ctx, line); err != nil && !errors.Is(err, murmur.ErrNoConversation) {
			slog.Debug("send failed", "error", err)
		}
		return false
	}

	fields := strings.Fields(line)
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	var err error
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Println(listenHelp)
	case "/open":
		if arg == "" {
			err = fmt.Errorf("usage: /open <conversation-id>")
			break
		}
		err = openAndPrint(ctx, env, arg)
	case "/reply":
		var id int64
		if id, err = parseMessageID(arg); err != nil {
			break
		}
		var target murmur.ReplyTarget
		if target, err = env.chat.StartReply(id); err == nil {
			fmt.Printf("  replying to [%d] %s\n", target.MessageID, target.Preview)
		}
	case "/cancel":
		if env.chat.CancelReply() {
			fmt.Println("  reply cancelled")
		}
	case "/like":
		var id int64
		if id, err = parseMessageID(arg); err != nil {
			break
		}
		_, err = env.chat.ToggleLike(ctx, id)
	case "/delete":
		var id int64
		if id, err = parseMessageID(arg); err != nil {
			break
		}
		err = env.chat.Delete(ctx, id)
	default:
		err = fmt.Errorf("unknown command %s, try /help", fields[0])
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "! %v\n", err)
	}
	return false
}

func init() {
	// messages
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")

	// send
	sendCmd.Flags().Int64Var(&sendReplyTo, "reply-to", 0, "Id of the message to reply to")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")

	// listen
	listenCmd.Flags().StringVar(&listenMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	listenCmd.Flags().BoolVar(&listenReconnect, "reconnect", false, "Reconnect automatically when the realtime connection drops")

	rootCmd.AddCommand(openCmd, messagesCmd, sendCmd, likeCmd, deleteCmd, listenCmd)
}
