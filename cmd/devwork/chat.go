package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	devwork "github.com/abdulahaddf/devwork-go"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <conversation-id>",
	Short: "Open a conversation and chat in real time",
	Long: "Open a conversation, print its history and stream new messages.\n" +
		"Type a line to send it. Commands: /older, /retry, /who, /quit.\n" +
		"/older prints the previous page as its own block under an \"earlier\" header.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, err := getClient()
		if err != nil {
			return err
		}
		me, err := self(cfg)
		if err != nil {
			return err
		}
		convID := args[0]

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		session := client.NewSession(me, nil)
		defer session.Close()

		view := newChatView(cmd.OutOrStdout(), session, convID)
		view.wire()
		session.Start(ctx)
		session.OpenConversation(ctx, convID)
		if _, ok := session.Store.Conversation(convID); !ok {
			return fmt.Errorf("conversation %s not found", convID)
		}
		view.flush()

		lines := make(chan string)
		go func() {
			defer close(lines)
			sc := bufio.NewScanner(cmd.InOrStdin())
			for sc.Scan() {
				lines <- sc.Text()
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
				if quit := view.handleInput(ctx, line); quit {
					return nil
				}
			}
		}
	},
}

// chatView renders a session to a terminal. Session handlers fire on
// several goroutines so every write goes through mu.
type chatView struct {
	out     io.Writer
	session *devwork.Session
	convID  string

	mu      sync.Mutex
	printed map[string]bool
	failed  []string // client ids, oldest first
	holding bool     // an older page is loading
}

func newChatView(out io.Writer, s *devwork.Session, convID string) *chatView {
	return &chatView{
		out:     out,
		session: s,
		convID:  convID,
		printed: make(map[string]bool),
	}
}

func (v *chatView) wire() {
	s := v.session
	s.Store.On(devwork.EventMessagesChanged, func(string, any) { v.flush() })
	s.Store.On(devwork.EventMessageFailed, func(_ string, payload any) {
		m, _ := payload.(devwork.Message)
		v.mu.Lock()
		defer v.mu.Unlock()
		v.failed = append(v.failed, m.ClientID)
		fmt.Fprintf(v.out, "! not delivered: %q (/retry to resend)\n", truncate(m.Content, 40))
	})
	s.Store.On(devwork.EventFetchFailed, func(_ string, payload any) {
		v.printf("! %v\n", payload)
	})
	s.Conn.OnConnected(func() { v.printf("* connected\n") })
	s.Conn.OnDisconnected(func(reason string) { v.printf("* disconnected: %s\n", reason) })
	s.Typing.OnChange(func(c devwork.TypingChange) {
		if c.Local || c.ConversationID != v.convID {
			return
		}
		if c.Typing {
			v.printf("* %s is typing…\n", v.name(c.UserID))
		}
	})
	s.Relay.OnAlert(func(a devwork.Alert) {
		v.printf("* new message from %s in %s: %s\n",
			valueOrDefault(a.Message.Sender.Name, a.Message.SenderID), a.ConversationID, truncate(a.Message.Content, 40))
	})
}

// flush prints confirmed messages that have not been printed yet.
func (v *chatView) flush() {
	msgs := v.session.Store.Messages()
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.holding {
		return
	}
	for _, m := range msgs {
		if m.IsOptimistic() || v.printed[m.ID] {
			continue
		}
		v.printed[m.ID] = true
		printMessage(v.out, m)
	}
}

// loadOlder fetches the previous page and prints the messages ahead of
// everything already on screen as one block, oldest first.
func (v *chatView) loadOlder(ctx context.Context) {
	v.mu.Lock()
	v.holding = true
	v.mu.Unlock()

	err := v.session.LoadOlderMessages(ctx)
	msgs := v.session.Store.Messages()

	v.mu.Lock()
	v.holding = false
	var older []devwork.Message
	for _, m := range msgs {
		if v.printed[m.ID] {
			break
		}
		if !m.IsOptimistic() {
			older = append(older, m)
		}
	}
	if err != nil {
		fmt.Fprintf(v.out, "! %v\n", err)
	} else if len(older) == 0 {
		fmt.Fprintf(v.out, "* no older messages\n")
	} else {
		fmt.Fprintf(v.out, "-- earlier --\n")
		for _, m := range older {
			v.printed[m.ID] = true
			printMessage(v.out, m)
		}
		fmt.Fprintf(v.out, "-- end of earlier --\n")
	}
	v.mu.Unlock()

	// live messages that arrived during the load
	v.flush()
}

func (v *chatView) printf(format string, args ...any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintf(v.out, format, args...)
}

func (v *chatView) name(userID string) string {
	if c, ok := v.session.Store.Conversation(v.convID); ok && c.OtherParticipant.ID == userID {
		return valueOrDefault(c.OtherParticipant.Name, userID)
	}
	return userID
}

// handleInput runs one line of user input and reports whether to quit.
func (v *chatView) handleInput(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return false
	case "/quit", "/q":
		return true
	case "/older":
		if v.session.Store.NextCursor() == "" {
			v.printf("* no older messages\n")
			return false
		}
		v.loadOlder(ctx)
	case "/retry":
		v.mu.Lock()
		var clientID string
		if n := len(v.failed); n > 0 {
			clientID = v.failed[0]
			v.failed = v.failed[1:]
		}
		v.mu.Unlock()
		if clientID == "" {
			v.printf("* nothing to retry\n")
			return false
		}
		if err := v.session.Retry(clientID); err != nil {
			v.printf("! %v\n", err)
		}
	case "/who":
		c, _ := v.session.Store.Conversation(v.convID)
		state := "offline"
		if v.session.IsOnline(v.convID) {
			state = "online"
		}
		v.printf("* %s is %s\n", valueOrDefault(c.OtherParticipant.Name, c.OtherParticipant.ID), state)
	default:
		if _, err := v.session.SendMessage(v.convID, line); err != nil {
			v.printf("! %v\n", err)
		}
	}
	return false
}
