//go:build integration

package devwork_test

import (
	"context"
	"os"
	"testing"
	"time"

	devwork "github.com/abdulahaddf/devwork-go"
)

// helpers ---------------------------------------------------------------

func token(t *testing.T) string {
	t.Helper()
	tok := os.Getenv("DEVWORK_TOKEN_TEST")
	if tok == "" {
		t.Fatal("DEVWORK_TOKEN_TEST environment variable is required")
	}
	return tok
}

func testBaseURL() string {
	return os.Getenv("DEVWORK_BASE_URL_TEST") // empty means production
}

func newLiveClient(t *testing.T) *devwork.Client {
	t.Helper()
	if base := testBaseURL(); base != "" {
		return devwork.NewClient(token(t), devwork.WithBaseURL(base))
	}
	return devwork.NewClient(token(t), devwork.WithEnvironment(devwork.Production))
}

func firstConversation(t *testing.T, client *devwork.Client) devwork.Conversation {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	convs, err := client.Conversations.List(ctx)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(convs) == 0 {
		t.Skip("account has no conversations")
	}
	return convs[0]
}

// =======================================================================
// REST
// =======================================================================

func TestIntegration_Conversations_List(t *testing.T) {
	client := newLiveClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	convs, err := client.Conversations.List(ctx)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	for i, c := range convs {
		if c.ID == "" {
			t.Errorf("conversation %d has no id", i)
		}
		if c.UnreadCount < 0 {
			t.Errorf("conversation %s has negative unread count %d", c.ID, c.UnreadCount)
		}
	}
	t.Logf("List: %d conversations", len(convs))
}

func TestIntegration_Conversations_UnreadCount(t *testing.T) {
	client := newLiveClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := client.Conversations.UnreadCount(ctx)
	if err != nil {
		t.Fatalf("UnreadCount returned error: %v", err)
	}
	if n < 0 {
		t.Errorf("expected non-negative unread count, got %d", n)
	}
}

func TestIntegration_Messages_History(t *testing.T) {
	client := newLiveClient(t)
	conv := firstConversation(t, client)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	page, err := client.Messages.History(ctx, conv.ID, "", 5)
	if err != nil {
		t.Fatalf("History returned error: %v", err)
	}
	if len(page.Messages) > 5 {
		t.Errorf("expected at most 5 messages, got %d", len(page.Messages))
	}
	for i := 1; i < len(page.Messages); i++ {
		prev, _ := page.Messages[i-1].Created()
		cur, _ := page.Messages[i].Created()
		if cur.Before(prev) {
			t.Errorf("page not oldest first at index %d", i)
		}
	}
	if page.NextCursor == nil {
		return
	}
	older, err := client.Messages.History(ctx, conv.ID, *page.NextCursor, 5)
	if err != nil {
		t.Fatalf("History with cursor returned error: %v", err)
	}
	t.Logf("History: first page %d, older page %d", len(page.Messages), len(older.Messages))
}

// =======================================================================
// Realtime
// =======================================================================

func TestIntegration_Session_Connects(t *testing.T) {
	client := newLiveClient(t)
	userID := os.Getenv("DEVWORK_USER_ID_TEST")
	if userID == "" {
		t.Fatal("DEVWORK_USER_ID_TEST environment variable is required")
	}

	session := client.NewSession(devwork.User{ID: userID}, nil)
	defer session.Close()
	session.Start(context.Background())

	deadline := time.Now().Add(15 * time.Second)
	for !session.Conn.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("session did not connect within 15s")
		}
		time.Sleep(100 * time.Millisecond)
	}
	if got := session.Conn.UserID(); got != userID {
		t.Errorf("authenticated as %q, want %q", got, userID)
	}
	t.Logf("Session: %d conversations, %d users online", len(session.Store.Conversations()), len(session.Conn.Presence()))
}
