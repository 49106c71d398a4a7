package devwork

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// RealtimeEventHandler is the generic event callback type.
type RealtimeEventHandler func(eventType string, payload json.RawMessage)

// eventDispatcher fans events out to subscribers synchronously, in the order
// the channel delivered them. A panicking handler does not stop the others.
type eventDispatcher struct {
	mu             sync.RWMutex
	generic        map[string][]RealtimeEventHandler
	onConnected    []func()
	onDisconnected []func(reason string)
	onPresence     []func(ids []string)
	onMessage      []func(Message, Source)
	onTyping       []func(TypingEvent)
	onMessagesRead []func(ReadReceipt)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		generic: make(map[string][]RealtimeEventHandler),
	}
}

func safeCall(log zerolog.Logger, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("event handler panicked")
		}
	}()
	fn()
}

func (d *eventDispatcher) snapshot() *eventDispatcher {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return &eventDispatcher{
		onConnected:    append([]func(){}, d.onConnected...),
		onDisconnected: append([]func(string){}, d.onDisconnected...),
		onPresence:     append([]func([]string){}, d.onPresence...),
		onMessage:      append([]func(Message, Source){}, d.onMessage...),
		onTyping:       append([]func(TypingEvent){}, d.onTyping...),
		onMessagesRead: append([]func(ReadReceipt){}, d.onMessagesRead...),
	}
}

func (d *eventDispatcher) genericHandlers(eventType string) []RealtimeEventHandler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]RealtimeEventHandler(nil), d.generic[eventType]...)
}

// ============================================================================
// Connection Manager
// ============================================================================

// ConnectionManager owns one realtime channel per credential. It tracks the
// presence set and the joined rooms, and queues outgoing commands while the
// channel is down.
type ConnectionManager struct {
	dial       DialFunc
	log        zerolog.Logger
	metrics    *Metrics
	dispatcher *eventDispatcher
	outbox     *Outbox
	now        func() time.Time

	mu           sync.Mutex
	credential   string
	queuedFor    string
	channel      Channel
	gen          uint64
	connected    bool
	userID       string
	presence     map[string]struct{}
	rooms        []string
	kick         chan struct{}
	writerCancel context.CancelFunc
}

// NewConnectionManager creates a manager that builds channels with dial.
func NewConnectionManager(dial DialFunc, log zerolog.Logger, metrics *Metrics) *ConnectionManager {
	return &ConnectionManager{
		dial:       dial,
		log:        log.With().Str("component", "connection").Logger(),
		metrics:    metrics,
		dispatcher: newEventDispatcher(),
		outbox:     NewOutbox(0),
		now:        time.Now,
		presence:   make(map[string]struct{}),
	}
}

// Connect opens a channel for credential. It is a no-op when a live channel
// for the same credential exists, reopens when the credential differs or
// the channel has given up reconnecting, and disconnects for an empty
// credential. Dial failures are retried by the channel and never surface
// here.
func (m *ConnectionManager) Connect(credential string) {
	if credential == "" {
		m.Disconnect()
		return
	}

	m.mu.Lock()
	if m.channel != nil && m.credential == credential && m.channel.State() != StateDisconnected {
		m.mu.Unlock()
		return
	}
	old := m.channel
	wasConnected := m.connected
	if m.queuedFor != "" && m.queuedFor != credential {
		// commands queued under another identity must not leak
		m.outbox.Clear()
		m.rooms = nil
	}
	m.teardownLocked()
	m.credential = credential
	m.queuedFor = credential
	gen := m.gen

	ctx, cancel := context.WithCancel(context.Background())
	m.writerCancel = cancel
	kick := make(chan struct{}, 1)
	m.kick = kick
	ch := m.dial(credential, m.handlersFor(gen))
	m.channel = ch
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
	if wasConnected {
		m.emitDisconnected("credential changed")
	}
	m.metrics.SetOutboxDepth(m.outbox.PendingCount())
	go m.writeLoop(ctx, ch, kick, gen)
	ch.Open()
}

// Disconnect closes the channel and clears presence. It never fails.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	old := m.channel
	wasConnected := m.connected
	m.teardownLocked()
	m.credential = ""
	m.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			m.log.Debug().Err(err).Msg("closing channel")
		}
	}
	if wasConnected {
		m.emitDisconnected("client disconnect")
	}
}

// teardownLocked detaches the current channel. Events from it are ignored
// from here on.
func (m *ConnectionManager) teardownLocked() {
	m.gen++
	if m.writerCancel != nil {
		m.writerCancel()
		m.writerCancel = nil
	}
	m.kick = nil
	m.channel = nil
	m.connected = false
	m.userID = ""
	m.presence = make(map[string]struct{})
	m.outbox.ResetInflight()
	m.outbox.Purge(isEphemeral)
}

// Connected reports whether the channel is authenticated and open.
func (m *ConnectionManager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// UserID returns the user id the server authenticated, if connected.
func (m *ConnectionManager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// Presence returns the online user ids, sorted.
func (m *ConnectionManager) Presence() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.presence))
	for id := range m.presence {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsOnline reports whether userID is in the presence set.
func (m *ConnectionManager) IsOnline(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.presence[userID]
	return ok
}

// Rooms returns the conversations joined in this session.
func (m *ConnectionManager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.rooms...)
}

// PendingCount returns the number of queued outgoing commands.
func (m *ConnectionManager) PendingCount() int {
	return m.outbox.PendingCount()
}

// ── Outgoing ──────────────────────────────────────────────

// JoinConversation subscribes to a conversation room once per connection.
// The room is replayed after every reconnect.
func (m *ConnectionManager) JoinConversation(conversationID string) {
	m.mu.Lock()
	known := false
	for _, r := range m.rooms {
		if r == conversationID {
			known = true
			break
		}
	}
	if !known {
		m.rooms = append(m.rooms, conversationID)
	}
	connected := m.connected
	m.mu.Unlock()

	// known rooms were joined when the connection came up
	if connected && !known {
		m.enqueue(newOutboxOp("", Command{Type: CmdJoinConversation, Payload: ConversationPayload{ConversationID: conversationID}}))
	}
}

// SendMessage queues a send-message command. clientID doubles as the
// outbox id so a timed-out send can be cancelled.
func (m *ConnectionManager) SendMessage(conversationID, content, clientID string) {
	m.enqueue(newOutboxOp(clientID, Command{
		Type: CmdSendMessage,
		Payload: SendMessagePayload{
			ConversationID: conversationID,
			Content:        content,
			ClientID:       clientID,
		},
	}))
}

// StartTyping emits start-typing. Dropped while disconnected.
func (m *ConnectionManager) StartTyping(conversationID string) {
	m.sendEphemeral(CmdStartTyping, conversationID)
}

// StopTyping emits stop-typing. Dropped while disconnected.
func (m *ConnectionManager) StopTyping(conversationID string) {
	m.sendEphemeral(CmdStopTyping, conversationID)
}

// MarkRead queues a mark-read command.
func (m *ConnectionManager) MarkRead(conversationID string) {
	m.enqueue(newOutboxOp("", Command{Type: CmdMarkRead, Payload: ConversationPayload{ConversationID: conversationID}}))
}

// CancelSend drops a send that has not left the outbox yet.
func (m *ConnectionManager) CancelSend(clientID string) bool {
	ok := m.outbox.Cancel(clientID)
	m.metrics.SetOutboxDepth(m.outbox.PendingCount())
	return ok
}

func (m *ConnectionManager) sendEphemeral(typ, conversationID string) {
	if !m.Connected() {
		return
	}
	m.enqueue(newOutboxOp("", Command{Type: typ, Payload: ConversationPayload{ConversationID: conversationID}}))
}

func (m *ConnectionManager) enqueue(op *OutboxOp) {
	if !m.outbox.Enqueue(op) {
		m.log.Warn().Str("type", op.Command.Type).Msg("outbox full, dropping command")
		return
	}
	m.metrics.SetOutboxDepth(m.outbox.PendingCount())
	m.signal()
}

func (m *ConnectionManager) signal() {
	m.mu.Lock()
	kick := m.kick
	m.mu.Unlock()
	if kick == nil {
		return
	}
	select {
	case kick <- struct{}{}:
	default:
	}
}

func isEphemeral(op *OutboxOp) bool {
	switch op.Command.Type {
	case CmdJoinConversation, CmdStartTyping, CmdStopTyping:
		return true
	}
	return false
}

// writeLoop drains the outbox in order while gen's channel is connected.
func (m *ConnectionManager) writeLoop(ctx context.Context, ch Channel, kick <-chan struct{}, gen uint64) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-kick:
		}

		for m.isLive(gen) {
			op := m.outbox.Next()
			if op == nil {
				break
			}
			if err := ch.Send(ctx, &op.Command); err != nil {
				m.outbox.Nack(op.ID)
				m.log.Debug().Err(err).Str("type", op.Command.Type).Msg("send failed, keeping in outbox")
				break
			}
			m.outbox.Ack(op.ID)
			m.metrics.SetOutboxDepth(m.outbox.PendingCount())
		}
	}
}

func (m *ConnectionManager) isLive(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen && m.connected
}

// ── Channel events ────────────────────────────────────────

func (m *ConnectionManager) handlersFor(gen uint64) ChannelHandlers {
	return ChannelHandlers{
		OnConnected:    func(userID string) { m.handleConnected(gen, userID) },
		OnEvent:        func(env Envelope) { m.handleEvent(gen, env) },
		OnDisconnected: func(err error) { m.handleDisconnected(gen, err) },
		OnReconnecting: func(attempt int, delay time.Duration) {
			m.log.Debug().Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")
			m.metrics.IncConnectionEvent("reconnecting")
		},
	}
}

func (m *ConnectionManager) handleConnected(gen uint64, userID string) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.connected = true
	m.userID = userID
	m.presence = make(map[string]struct{})
	joins := make([]*OutboxOp, 0, len(m.rooms))
	for _, id := range m.rooms {
		joins = append(joins, newOutboxOp("", Command{Type: CmdJoinConversation, Payload: ConversationPayload{ConversationID: id}}))
	}
	m.mu.Unlock()

	// room membership does not survive the transport; rejoin before anything queued
	m.outbox.Prepend(joins...)
	m.metrics.IncConnectionEvent("connected")
	m.metrics.SetOutboxDepth(m.outbox.PendingCount())
	m.log.Info().Str("user_id", userID).Int("rooms", len(joins)).Msg("realtime connected")

	d := m.dispatcher.snapshot()
	for _, h := range d.onConnected {
		safeCall(m.log, h)
	}
	m.signal()
}

func (m *ConnectionManager) handleDisconnected(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen || !m.connected {
		m.mu.Unlock()
		return
	}
	m.connected = false
	m.userID = ""
	m.presence = make(map[string]struct{})
	m.mu.Unlock()

	m.outbox.ResetInflight()
	m.outbox.Purge(isEphemeral)
	m.metrics.SetOutboxDepth(m.outbox.PendingCount())

	reason := "connection lost"
	if err != nil {
		reason = err.Error()
	}
	m.log.Info().Str("reason", reason).Msg("realtime disconnected")
	m.emitDisconnected(reason)
}

func (m *ConnectionManager) emitDisconnected(reason string) {
	m.metrics.IncConnectionEvent("disconnected")
	d := m.dispatcher.snapshot()
	for _, h := range d.onDisconnected {
		safeCall(m.log, func() { h(reason) })
	}
	m.emitPresence()
}

func (m *ConnectionManager) emitPresence() {
	ids := m.Presence()
	d := m.dispatcher.snapshot()
	for _, h := range d.onPresence {
		safeCall(m.log, func() { h(ids) })
	}
}

func (m *ConnectionManager) handleEvent(gen uint64, env Envelope) {
	m.mu.Lock()
	stale := gen != m.gen
	m.mu.Unlock()
	if stale {
		return
	}

	payload := []byte(env.Payload)
	switch env.Type {
	case EventPresenceSnapshot:
		ids := parsePresenceList(payload)
		m.mu.Lock()
		m.presence = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			m.presence[id] = struct{}{}
		}
		m.mu.Unlock()
		m.emitPresence()

	case EventPresenceJoined, EventPresenceLeft:
		id := parseUserRef(payload)
		if id == "" {
			break
		}
		m.mu.Lock()
		if env.Type == EventPresenceJoined {
			m.presence[id] = struct{}{}
		} else {
			delete(m.presence, id)
		}
		m.mu.Unlock()
		m.emitPresence()

	case EventNewMessage, EventMessageDelivered:
		msg, ok := parseMessagePayload(payload)
		if !ok {
			m.log.Debug().Str("event", env.Type).Msg("dropping malformed message payload")
			break
		}
		src := SourceRoom
		if env.Type == EventMessageDelivered {
			src = SourceUser
		}
		d := m.dispatcher.snapshot()
		for _, h := range d.onMessage {
			safeCall(m.log, func() { h(msg, src) })
		}

	case EventUserTyping, EventUserStoppedTyping:
		ev := TypingEvent{
			ConversationID: gjson.GetBytes(payload, "conversationId").String(),
			UserID:         gjson.GetBytes(payload, "userId").String(),
			Typing:         env.Type == EventUserTyping,
		}
		if ev.ConversationID == "" {
			break
		}
		d := m.dispatcher.snapshot()
		for _, h := range d.onTyping {
			safeCall(m.log, func() { h(ev) })
		}

	case EventMessagesRead:
		r := ReadReceipt{
			ConversationID: gjson.GetBytes(payload, "conversationId").String(),
			ReadBy:         gjson.GetBytes(payload, "readBy").String(),
			ReadAt:         gjson.GetBytes(payload, "readAt").String(),
		}
		if r.ConversationID == "" {
			break
		}
		if r.ReadAt == "" {
			r.ReadAt = formatTimestamp(m.now())
		}
		d := m.dispatcher.snapshot()
		for _, h := range d.onMessagesRead {
			safeCall(m.log, func() { h(r) })
		}

	case EventError:
		m.log.Warn().Str("message", gjson.GetBytes(payload, "message").String()).Msg("server error event")
	}

	for _, h := range m.dispatcher.genericHandlers(env.Type) {
		safeCall(m.log, func() { h(env.Type, env.Payload) })
	}
}

// parsePresenceList accepts a bare array or {"users": [...]}, with entries
// either ids or {"userId"} objects.
func parsePresenceList(payload []byte) []string {
	list := gjson.ParseBytes(payload)
	if list.IsObject() {
		list = list.Get("users")
	}
	var ids []string
	list.ForEach(func(_, v gjson.Result) bool {
		if v.IsObject() {
			v = v.Get("userId")
		}
		if id := v.String(); id != "" {
			ids = append(ids, id)
		}
		return true
	})
	return ids
}

func parseUserRef(payload []byte) string {
	v := gjson.ParseBytes(payload)
	if v.IsObject() {
		return v.Get("userId").String()
	}
	return v.String()
}

// parseMessagePayload accepts a bare message or {"conversationId", "message"}.
func parseMessagePayload(payload []byte) (Message, bool) {
	raw := payload
	if nested := gjson.GetBytes(payload, "message"); nested.IsObject() {
		raw = []byte(nested.Raw)
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, false
	}
	if msg.ConversationID == "" {
		msg.ConversationID = gjson.GetBytes(payload, "conversationId").String()
	}
	if msg.SenderID == "" {
		msg.SenderID = msg.Sender.ID
	}
	// delivery state is client-only; never trust one from the wire
	msg.Status = ""
	if msg.ID == "" || msg.ConversationID == "" {
		return Message{}, false
	}
	return msg, true
}

// ── Subscriptions ─────────────────────────────────────────

// OnConnected registers a handler for the connected transition.
func (m *ConnectionManager) OnConnected(h func()) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onConnected = append(m.dispatcher.onConnected, h)
	m.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected transition.
func (m *ConnectionManager) OnDisconnected(h func(reason string)) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onDisconnected = append(m.dispatcher.onDisconnected, h)
	m.dispatcher.mu.Unlock()
}

// OnPresence registers a handler called with the full presence set after
// every change.
func (m *ConnectionManager) OnPresence(h func(ids []string)) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onPresence = append(m.dispatcher.onPresence, h)
	m.dispatcher.mu.Unlock()
}

// OnMessage registers a handler for pushed messages.
func (m *ConnectionManager) OnMessage(h func(Message, Source)) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onMessage = append(m.dispatcher.onMessage, h)
	m.dispatcher.mu.Unlock()
}

// OnTyping registers a handler for remote typing signals.
func (m *ConnectionManager) OnTyping(h func(TypingEvent)) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onTyping = append(m.dispatcher.onTyping, h)
	m.dispatcher.mu.Unlock()
}

// OnMessagesRead registers a handler for read receipts.
func (m *ConnectionManager) OnMessagesRead(h func(ReadReceipt)) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onMessagesRead = append(m.dispatcher.onMessagesRead, h)
	m.dispatcher.mu.Unlock()
}

// On registers a generic event handler.
func (m *ConnectionManager) On(eventType string, h RealtimeEventHandler) {
	m.dispatcher.mu.Lock()
	m.dispatcher.generic[eventType] = append(m.dispatcher.generic[eventType], h)
	m.dispatcher.mu.Unlock()
}
