package devserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	devwork "github.com/abdulahaddf/devwork-go"
)

// ============================================================================
// Test Helpers
// ============================================================================

type fixture struct {
	srv  *Server
	http *httptest.Server
	conv string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	tick := 0
	srv := New(WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))
	srv.AddUser(devwork.User{ID: "ada", Name: "Ada"}, "")
	srv.AddUser(devwork.User{ID: "bo", Name: "Bo"}, "tok-bo")
	srv.AddUser(devwork.User{ID: "cy", Name: "Cy"}, "")
	conv, err := srv.CreateConversation("ada", "bo")
	require.NoError(t, err)

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Shutdown()
		hs.Close()
	})
	return &fixture{srv: srv, http: hs, conv: conv}
}

func (f *fixture) get(t *testing.T, token, path string) (int, devwork.Result) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.http.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var res devwork.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	return resp.StatusCode, res
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (f *fixture) dial(t *testing.T, token string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer " + token}})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(typ string, payload any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(map[string]any{"type": typ, "payload": payload}))
}

// next reads frames until one of type typ arrives.
func (c *wsClient) next(typ string) devwork.Envelope {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var env devwork.Envelope
		require.NoError(c.t, c.conn.ReadJSON(&env), "waiting for %s", typ)
		if env.Type == typ {
			return env
		}
	}
}

// ============================================================================
// REST
// ============================================================================

func TestAuth(t *testing.T) {
	f := newFixture(t)

	status, res := f.get(t, "", "/api/chat/conversations")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, "UNAUTHORIZED", res.Error.Code)

	status, _ = f.get(t, "nobody", "/api/chat/conversations")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = f.get(t, "bo", "/api/chat/conversations")
	assert.Equal(t, http.StatusUnauthorized, status, "bo has an explicit token")

	status, _ = f.get(t, "tok-bo", "/api/chat/conversations")
	assert.Equal(t, http.StatusOK, status)
}

func TestConversationsAndUnread(t *testing.T) {
	f := newFixture(t)
	_, err := f.srv.PostMessage(f.conv, "bo", "hi ada")
	require.NoError(t, err)
	_, err = f.srv.PostMessage(f.conv, "bo", "you there?")
	require.NoError(t, err)

	_, res := f.get(t, "ada", "/api/chat/conversations")
	var convs []devwork.Conversation
	require.NoError(t, res.Decode(&convs))
	require.Len(t, convs, 1)
	assert.Equal(t, "bo", convs[0].OtherParticipant.ID)
	assert.Equal(t, 2, convs[0].UnreadCount)
	require.NotNil(t, convs[0].LastMessage)
	assert.Equal(t, "you there?", convs[0].LastMessage.Content)

	_, res = f.get(t, "ada", "/api/chat/unread-count")
	var unread devwork.UnreadCountData
	require.NoError(t, res.Decode(&unread))
	assert.Equal(t, 2, unread.Count)

	_, res = f.get(t, "tok-bo", "/api/chat/unread-count")
	require.NoError(t, res.Decode(&unread))
	assert.Zero(t, unread.Count, "own messages are never unread")

	_, res = f.get(t, "cy", "/api/chat/conversations")
	require.NoError(t, res.Decode(&convs))
	assert.Empty(t, convs)
}

func TestMessagePagination(t *testing.T) {
	f := newFixture(t)
	for i := 1; i <= 5; i++ {
		_, err := f.srv.PostMessage(f.conv, "ada", fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}

	path := "/api/chat/conversations/" + f.conv + "/messages?limit=2"
	var contents []string
	cursor := ""
	for pages := 0; pages < 5; pages++ {
		p := path
		if cursor != "" {
			p += "&cursor=" + cursor
		}
		status, res := f.get(t, "ada", p)
		require.Equal(t, http.StatusOK, status)
		var page devwork.MessagePage
		require.NoError(t, res.Decode(&page))
		var batch []string
		for _, m := range page.Messages {
			batch = append(batch, m.Content)
		}
		contents = append(batch, contents...)
		if page.NextCursor == nil {
			break
		}
		cursor = *page.NextCursor
	}
	assert.Equal(t, []string{"m1", "m2", "m3", "m4", "m5"}, contents)

	status, _ := f.get(t, "cy", "/api/chat/conversations/"+f.conv+"/messages")
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = f.get(t, "ada", "/api/chat/conversations/missing/messages")
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = f.get(t, "ada", path+"&cursor=bogus")
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = f.get(t, "ada", "/api/chat/conversations/"+f.conv+"/messages?limit=zero")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestSeedingErrors(t *testing.T) {
	f := newFixture(t)
	_, err := f.srv.CreateConversation("ada", "ghost")
	assert.ErrorIs(t, err, ErrUnknownUser)
	_, err = f.srv.PostMessage(f.conv, "cy", "intruder")
	assert.ErrorIs(t, err, ErrNotParticipant)
	_, err = f.srv.PostMessage(f.conv, "ada", "   ")
	assert.ErrorIs(t, err, ErrEmptyContent)
	_, err = f.srv.PostMessage("missing", "ada", "hi")
	assert.ErrorIs(t, err, ErrUnknownConversation)
}

// ============================================================================
// WebSocket
// ============================================================================

func TestWebSocketHandshakeAndPresence(t *testing.T) {
	f := newFixture(t)

	ada := f.dial(t, "ada")
	auth := ada.next(devwork.EventAuthenticated)
	assert.JSONEq(t, `{"userId":"ada"}`, string(auth.Payload))
	snap := ada.next(devwork.EventPresenceSnapshot)
	assert.JSONEq(t, `["ada"]`, string(snap.Payload))

	bo := f.dial(t, "tok-bo")
	bo.next(devwork.EventAuthenticated)
	snap = bo.next(devwork.EventPresenceSnapshot)
	assert.JSONEq(t, `["ada","bo"]`, string(snap.Payload))

	joined := ada.next(devwork.EventPresenceJoined)
	assert.JSONEq(t, `{"userId":"bo"}`, string(joined.Payload))

	bo.conn.Close()
	left := ada.next(devwork.EventPresenceLeft)
	assert.JSONEq(t, `{"userId":"bo"}`, string(left.Payload))
	assert.Eventually(t, func() bool { return len(f.srv.Online()) == 1 }, time.Second, 10*time.Millisecond)
}

func TestWebSocketMessaging(t *testing.T) {
	f := newFixture(t)
	ada := f.dial(t, "ada")
	ada.next(devwork.EventPresenceSnapshot)
	bo := f.dial(t, "tok-bo")
	bo.next(devwork.EventPresenceSnapshot)
	ada.next(devwork.EventPresenceJoined)

	ada.send(devwork.CmdJoinConversation, map[string]string{"conversationId": f.conv})
	ada.send(devwork.CmdSendMessage, map[string]string{"conversationId": f.conv, "content": "hello", "clientId": "k1"})

	echo := ada.next(devwork.EventNewMessage)
	var room struct {
		ConversationID string          `json:"conversationId"`
		Message        devwork.Message `json:"message"`
	}
	require.NoError(t, json.Unmarshal(echo.Payload, &room))
	assert.Equal(t, f.conv, room.ConversationID)
	assert.Equal(t, "k1", room.Message.ClientID)
	assert.Equal(t, "ada", room.Message.SenderID)

	direct := bo.next(devwork.EventMessageDelivered)
	var delivered devwork.Message
	require.NoError(t, json.Unmarshal(direct.Payload, &delivered))
	assert.Equal(t, room.Message.ID, delivered.ID)

	bo.send(devwork.CmdJoinConversation, map[string]string{"conversationId": f.conv})
	bo.send(devwork.CmdStartTyping, map[string]string{"conversationId": f.conv})
	typing := ada.next(devwork.EventUserTyping)
	assert.JSONEq(t, fmt.Sprintf(`{"conversationId":%q,"userId":"bo"}`, f.conv), string(typing.Payload))
	bo.send(devwork.CmdStopTyping, map[string]string{"conversationId": f.conv})
	ada.next(devwork.EventUserStoppedTyping)

	bo.send(devwork.CmdMarkRead, map[string]string{"conversationId": f.conv})
	read := ada.next(devwork.EventMessagesRead)
	var receipt struct {
		ConversationID string `json:"conversationId"`
		ReadBy         string `json:"readBy"`
		ReadAt         string `json:"readAt"`
	}
	require.NoError(t, json.Unmarshal(read.Payload, &receipt))
	assert.Equal(t, "bo", receipt.ReadBy)
	assert.NotEmpty(t, receipt.ReadAt)
	bo.next(devwork.EventMessagesRead)

	_, res := f.get(t, "tok-bo", "/api/chat/unread-count")
	var unread devwork.UnreadCountData
	require.NoError(t, res.Decode(&unread))
	assert.Zero(t, unread.Count)
}

func TestWebSocketRejectsBadCommands(t *testing.T) {
	f := newFixture(t)
	cy := f.dial(t, "cy")
	cy.next(devwork.EventPresenceSnapshot)

	cy.send(devwork.CmdJoinConversation, map[string]string{"conversationId": f.conv})
	errEv := cy.next(devwork.EventError)
	assert.Contains(t, string(errEv.Payload), ErrNotParticipant.Error())

	cy.send("dance", map[string]string{"conversationId": f.conv})
	errEv = cy.next(devwork.EventError)
	assert.Contains(t, string(errEv.Payload), "unknown command")

	require.NoError(t, cy.conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	cy.next(devwork.EventError)
}

func TestWebSocketRequiresToken(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
