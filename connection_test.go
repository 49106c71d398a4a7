package devwork

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

// fakeChannel is a scripted Channel. Tests drive it through its handlers.
type fakeChannel struct {
	credential string
	h          ChannelHandlers

	mu      sync.Mutex
	opened  bool
	closed  bool
	fail    bool
	stopped bool
	sent    []Command
}

func (c *fakeChannel) Open() {
	c.mu.Lock()
	c.opened = true
	c.mu.Unlock()
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) Send(_ context.Context, cmd *Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("write failed")
	}
	c.sent = append(c.sent, *cmd)
	return nil
}

func (c *fakeChannel) State() RealtimeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return StateDisconnected
	}
	return StateConnected
}

// stop simulates a channel that ran out of reconnect attempts.
func (c *fakeChannel) stop(err error) {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.h.OnDisconnected(err)
}

func (c *fakeChannel) setFail(fail bool) {
	c.mu.Lock()
	c.fail = fail
	c.mu.Unlock()
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Sent summarizes commands as "type:conversation[:clientId]".
func (c *fakeChannel) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, cmd := range c.sent {
		switch p := cmd.Payload.(type) {
		case ConversationPayload:
			out[i] = cmd.Type + ":" + p.ConversationID
		case SendMessagePayload:
			out[i] = cmd.Type + ":" + p.ConversationID + ":" + p.ClientID
		default:
			out[i] = cmd.Type
		}
	}
	return out
}

type fakeDialer struct {
	mu       sync.Mutex
	channels []*fakeChannel
}

func (d *fakeDialer) Dial(credential string, h ChannelHandlers) Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := &fakeChannel{credential: credential, h: h}
	d.channels = append(d.channels, ch)
	return ch
}

func (d *fakeDialer) Last() *fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.channels) == 0 {
		return nil
	}
	return d.channels[len(d.channels)-1]
}

func (d *fakeDialer) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.channels)
}

func newTestManager(t *testing.T) (*ConnectionManager, *fakeDialer) {
	t.Helper()
	d := &fakeDialer{}
	m := NewConnectionManager(d.Dial, zerolog.Nop(), nil)
	t.Cleanup(m.Disconnect)
	return m, d
}

func event(typ, payload string) Envelope {
	return Envelope{Type: typ, Payload: json.RawMessage(payload)}
}

func waitSent(t *testing.T, ch *fakeChannel, want []string) {
	t.Helper()
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, ch.Sent())
	}, time.Second, 5*time.Millisecond, "sent: %v", ch.Sent())
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestConnectionManagerConnect(t *testing.T) {
	t.Run("same credential is a no-op", func(t *testing.T) {
		m, d := newTestManager(t)
		m.Connect("tok-a")
		m.Connect("tok-a")
		assert.Equal(t, 1, d.Count())
		assert.True(t, d.Last().opened)
		assert.Equal(t, "tok-a", d.Last().credential)
	})

	t.Run("same credential rebuilds a channel that gave up", func(t *testing.T) {
		m, d := newTestManager(t)
		m.Connect("tok-a")
		first := d.Last()
		first.h.OnConnected("u1")
		m.JoinConversation("c1")
		first.stop(errors.New("server gone"))
		require.False(t, m.Connected())

		m.Connect("tok-a")
		require.Equal(t, 2, d.Count())
		assert.True(t, first.isClosed())
		second := d.Last()
		assert.True(t, second.opened)

		second.h.OnConnected("u1")
		assert.True(t, m.Connected())
		waitSent(t, second, []string{"join-conversation:c1"})
	})

	t.Run("new credential replaces the channel", func(t *testing.T) {
		m, d := newTestManager(t)
		m.Connect("tok-a")
		first := d.Last()
		first.h.OnConnected("u1")
		require.True(t, m.Connected())

		var reasons []string
		m.OnDisconnected(func(r string) { reasons = append(reasons, r) })

		m.Connect("tok-b")
		assert.Equal(t, 2, d.Count())
		assert.True(t, first.isClosed())
		assert.False(t, m.Connected())
		assert.Equal(t, []string{"credential changed"}, reasons)
	})

	t.Run("empty credential disconnects", func(t *testing.T) {
		m, d := newTestManager(t)
		m.Connect("tok-a")
		d.Last().h.OnConnected("u1")

		m.Connect("")
		assert.False(t, m.Connected())
		assert.True(t, d.Last().isClosed())
		assert.Empty(t, m.UserID())
	})

	t.Run("events from a replaced channel are ignored", func(t *testing.T) {
		m, d := newTestManager(t)
		m.Connect("tok-a")
		stale := d.Last()
		m.Connect("tok-b")

		stale.h.OnConnected("u1")
		assert.False(t, m.Connected())
		stale.h.OnEvent(event(EventPresenceSnapshot, `["u2"]`))
		assert.Empty(t, m.Presence())

		d.Last().h.OnConnected("u1")
		assert.True(t, m.Connected())
		stale.h.OnDisconnected(errors.New("late"))
		assert.True(t, m.Connected())
	})

	t.Run("queued commands do not leak across credentials", func(t *testing.T) {
		m, _ := newTestManager(t)
		m.Connect("tok-a")
		m.SendMessage("c1", "secret", "k1")
		m.JoinConversation("c1")
		require.Equal(t, 1, m.PendingCount())

		m.Connect("tok-b")
		assert.Zero(t, m.PendingCount())
		assert.Empty(t, m.Rooms())
	})
}

// ============================================================================
// Outbox
// ============================================================================

func TestConnectionManagerOutbox(t *testing.T) {
	t.Run("offline commands flush in order after connect", func(t *testing.T) {
		m, d := newTestManager(t)
		m.Connect("tok")
		m.JoinConversation("c1")
		m.SendMessage("c1", "one", "k1")
		m.SendMessage("c1", "two", "k2")
		m.MarkRead("c1")
		m.StartTyping("c1")

		ch := d.Last()
		ch.h.OnConnected("u1")
		waitSent(t, ch, []string{
			"join-conversation:c1",
			"send-message:c1:k1",
			"send-message:c1:k2",
			"mark-read:c1",
		})
		assert.Eventually(t, func() bool { return m.PendingCount() == 0 }, time.Second, 5*time.Millisecond)
	})

	t.Run("rooms are rejoined after reconnect", func(t *testing.T) {
		m, d := newTestManager(t)
		m.Connect("tok")
		ch := d.Last()
		ch.h.OnConnected("u1")
		m.JoinConversation("c1")
		m.JoinConversation("c2")
		m.JoinConversation("c1")
		waitSent(t, ch, []string{"join-conversation:c1", "join-conversation:c2"})
		assert.Equal(t, []string{"c1", "c2"}, m.Rooms())

		ch.h.OnDisconnected(errors.New("network"))
		m.StartTyping("c1")
		m.SendMessage("c1", "later", "k1")
		ch.h.OnConnected("u1")

		waitSent(t, ch, []string{
			"join-conversation:c1",
			"join-conversation:c2",
			"join-conversation:c1",
			"join-conversation:c2",
			"send-message:c1:k1",
		})
	})

	t.Run("failed write stays queued", func(t *testing.T) {
		m, d := newTestManager(t)
		m.Connect("tok")
		ch := d.Last()
		ch.setFail(true)
		ch.h.OnConnected("u1")
		m.SendMessage("c1", "one", "k1")

		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 1, m.PendingCount())

		ch.setFail(false)
		ch.h.OnDisconnected(errors.New("write failed"))
		ch.h.OnConnected("u1")
		waitSent(t, ch, []string{"send-message:c1:k1"})
	})

	t.Run("cancel drops an unsent message", func(t *testing.T) {
		m, _ := newTestManager(t)
		m.Connect("tok")
		m.SendMessage("c1", "one", "k1")
		assert.True(t, m.CancelSend("k1"))
		assert.False(t, m.CancelSend("k1"))
		assert.Zero(t, m.PendingCount())
	})
}

// ============================================================================
// Events
// ============================================================================

func TestConnectionManagerPresence(t *testing.T) {
	m, d := newTestManager(t)
	m.Connect("tok")
	ch := d.Last()

	var mu sync.Mutex
	var snapshots [][]string
	m.OnPresence(func(ids []string) {
		mu.Lock()
		snapshots = append(snapshots, ids)
		mu.Unlock()
	})

	ch.h.OnConnected("u1")
	ch.h.OnEvent(event(EventPresenceSnapshot, `{"users":["u3",{"userId":"u2"}]}`))
	assert.Equal(t, []string{"u2", "u3"}, m.Presence())

	ch.h.OnEvent(event(EventPresenceJoined, `{"userId":"u4"}`))
	ch.h.OnEvent(event(EventPresenceLeft, `"u2"`))
	assert.Equal(t, []string{"u3", "u4"}, m.Presence())
	assert.True(t, m.IsOnline("u4"))
	assert.False(t, m.IsOnline("u2"))

	ch.h.OnDisconnected(errors.New("gone"))
	assert.Empty(t, m.Presence(), "presence is cleared on disconnect")

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, snapshots)
	assert.Empty(t, snapshots[len(snapshots)-1])
}

func TestConnectionManagerEvents(t *testing.T) {
	m, d := newTestManager(t)
	fixed := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }
	m.Connect("tok")
	ch := d.Last()
	ch.h.OnConnected("u1")

	type delivery struct {
		msg Message
		src Source
	}
	var messages []delivery
	var typing []TypingEvent
	var receipts []ReadReceipt
	var errorsSeen int
	m.OnMessage(func(msg Message, src Source) { messages = append(messages, delivery{msg, src}) })
	m.OnTyping(func(ev TypingEvent) { typing = append(typing, ev) })
	m.OnMessagesRead(func(r ReadReceipt) { receipts = append(receipts, r) })
	m.On(EventError, func(string, json.RawMessage) { errorsSeen++ })
	m.OnMessage(func(Message, Source) { panic("bad handler") })

	ch.h.OnEvent(event(EventNewMessage, `{"conversationId":"c1","message":{"id":"m1","sender":{"id":"u2","name":"Bo"},"content":"hi","createdAt":"2026-03-10T11:00:00Z","status":"sent"}}`))
	ch.h.OnEvent(event(EventMessageDelivered, `{"id":"m1","conversationId":"c1","senderId":"u2","content":"hi","createdAt":"2026-03-10T11:00:00Z"}`))
	ch.h.OnEvent(event(EventNewMessage, `{"conversationId":"c1","message":{"content":"no id"}}`))

	require.Len(t, messages, 2)
	assert.Equal(t, SourceRoom, messages[0].src)
	assert.Equal(t, "c1", messages[0].msg.ConversationID)
	assert.Equal(t, "u2", messages[0].msg.SenderID)
	assert.Empty(t, messages[0].msg.Status)
	assert.Equal(t, SourceUser, messages[1].src)

	ch.h.OnEvent(event(EventUserTyping, `{"conversationId":"c1","userId":"u2"}`))
	ch.h.OnEvent(event(EventUserStoppedTyping, `{"conversationId":"c1","userId":"u2"}`))
	assert.Equal(t, []TypingEvent{
		{ConversationID: "c1", UserID: "u2", Typing: true},
		{ConversationID: "c1", UserID: "u2", Typing: false},
	}, typing)

	ch.h.OnEvent(event(EventMessagesRead, `{"conversationId":"c1","readBy":"u2"}`))
	require.Len(t, receipts, 1)
	assert.Equal(t, formatTimestamp(fixed), receipts[0].ReadAt)

	ch.h.OnEvent(event(EventError, `{"message":"nope"}`))
	assert.Equal(t, 1, errorsSeen)
}
