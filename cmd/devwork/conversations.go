package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	devwork "github.com/abdulahaddf/devwork-go"
)

var (
	convUnread bool
	convSearch string
	convJSON   bool

	historyLimit  int
	historyCursor string
	historyJSON   bool
)

func init() {
	rootCmd.AddCommand(conversationsCmd)
	conversationsCmd.Flags().BoolVar(&convUnread, "unread", false, "Show only conversations with unread messages")
	conversationsCmd.Flags().StringVarP(&convSearch, "search", "s", "", "Filter by participant name")
	conversationsCmd.Flags().BoolVar(&convJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Maximum number of messages to return")
	historyCmd.Flags().StringVar(&historyCursor, "cursor", "", "Load the page before this cursor")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		convs, err := client.Conversations.List(ctx)
		if err != nil {
			return err
		}
		convs = filterConversations(convs, convSearch, convUnread)

		if convJSON {
			return printJSON(cmd.OutOrStdout(), convs)
		}
		if len(convs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No conversations found.")
			return nil
		}
		for _, c := range convs {
			printConversation(cmd.OutOrStdout(), c)
		}
		return nil
	},
}

func filterConversations(convs []devwork.Conversation, term string, unreadOnly bool) []devwork.Conversation {
	term = strings.ToLower(strings.TrimSpace(term))
	out := convs[:0:0]
	for _, c := range convs {
		if unreadOnly && c.UnreadCount == 0 {
			continue
		}
		if term != "" && !strings.Contains(strings.ToLower(c.OtherParticipant.Name), term) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func printConversation(w io.Writer, c devwork.Conversation) {
	unread := ""
	if c.UnreadCount > 0 {
		unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
	}
	preview := ""
	if c.LastMessage != nil {
		preview = truncate(c.LastMessage.Content, 50)
	}
	fmt.Fprintf(w, "%s  %s%s  %s\n", c.ID, valueOrDefault(c.OtherParticipant.Name, c.OtherParticipant.ID), unread, preview)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show a page of conversation history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		page, err := client.Messages.History(ctx, args[0], historyCursor, historyLimit)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if historyJSON {
			return printJSON(out, page)
		}
		if len(page.Messages) == 0 {
			fmt.Fprintln(out, "No messages found.")
			return nil
		}
		printDays(out, page.Messages, time.Now())
		if page.NextCursor != nil {
			fmt.Fprintf(out, "\nOlder messages: devwork history %s --cursor %s\n", args[0], *page.NextCursor)
		}
		return nil
	},
}

func printDays(w io.Writer, list []devwork.Message, now time.Time) {
	for i, g := range devwork.GroupByDay(list, now) {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "── %s ──\n", g.Label)
		for _, m := range g.Messages {
			printMessage(w, m)
		}
	}
}

func printMessage(w io.Writer, m devwork.Message) {
	at := m.CreatedAt
	if t, ok := m.Created(); ok {
		at = t.Local().Format("15:04")
	}
	name := valueOrDefault(m.Sender.Name, m.SenderID)
	suffix := ""
	switch {
	case m.Status == devwork.DeliverySending:
		suffix = " …"
	case m.Status == devwork.DeliveryError:
		suffix = " (failed, /retry to resend)"
	case m.ReadAt != nil:
		suffix = " ✓✓"
	}
	fmt.Fprintf(w, "[%s] %s: %s%s\n", at, name, m.Content, suffix)
}
