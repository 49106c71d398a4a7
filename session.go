package devwork

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SessionConfig configures a Session. Zero values take defaults.
type SessionConfig struct {
	PageSize            int
	SendTimeout         time.Duration
	TypingIdle          time.Duration
	TypingRefresh       time.Duration
	RemoteTypingTimeout time.Duration
	AlertTTL            time.Duration
	FetchTimeout        time.Duration
	Channel             ChannelConfig
	Metrics             *Metrics
	Logger              zerolog.Logger
	Now                 func() time.Time
}

func (c *SessionConfig) defaults() {
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = 15 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Session is the chat state of one authenticated user. It owns the
// connection, store, typing tracker and relay, and routes channel events
// between them. Create one per login and Close it on logout.
type Session struct {
	Conn   *ConnectionManager
	Store  *Store
	Typing *TypingTracker
	Relay  *Relay

	self       User
	credential string
	fetcher    Fetcher
	cfg        SessionConfig
	log        zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewSession creates a session for self using the client's REST API,
// WebSocket endpoint and logger.
func (c *Client) NewSession(self User, cfg *SessionConfig) *Session {
	var sc SessionConfig
	if cfg != nil {
		sc = *cfg
	}
	sc.Logger = c.logger
	return NewSession(c.Fetcher(sc.PageSize), c.Realtime.Dialer(sc.Channel), self, c.token, &sc)
}

// NewSession wires a session from its collaborators. credential is passed
// to dial untouched.
func NewSession(fetcher Fetcher, dial DialFunc, self User, credential string, cfg *SessionConfig) *Session {
	var c SessionConfig
	if cfg != nil {
		c = *cfg
	}
	c.defaults()
	log := c.Logger.With().Str("user_id", self.ID).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		self:       self,
		credential: credential,
		fetcher:    fetcher,
		cfg:        c,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
	}
	s.Conn = NewConnectionManager(dial, log, c.Metrics)
	s.Store = NewStore(fetcher, s.Conn, self, &StoreOptions{
		SendTimeout: c.SendTimeout,
		Logger:      log,
		Metrics:     c.Metrics,
		Now:         c.Now,
	})
	s.Typing = NewTypingTracker(s.Conn, &TypingOptions{
		Idle:          c.TypingIdle,
		Refresh:       c.TypingRefresh,
		RemoteTimeout: c.RemoteTypingTimeout,
		Logger:        log,
		Now:           c.Now,
	})
	s.Relay = NewRelay(self.ID, s.Store, &RelayOptions{
		AlertTTL: c.AlertTTL,
		Logger:   log,
		Metrics:  c.Metrics,
		Now:      c.Now,
	})
	s.wire()
	return s
}

func (s *Session) wire() {
	s.Conn.OnConnected(func() {
		go s.RefreshUnread(s.ctx)
	})
	s.Conn.OnMessage(s.handleMessage)
	s.Conn.OnTyping(s.handleTyping)
	s.Conn.OnMessagesRead(s.handleMessagesRead)

	s.Store.On(EventConversationOpened, func(_ string, payload any) {
		change, _ := payload.(ConversationChange)
		if change.Previous != "" && change.Previous != change.Current {
			s.Typing.Reset(change.Previous)
		}
		s.Relay.DismissConversation(change.Current)
	})
	s.Store.On(EventConversationClosed, func(_ string, payload any) {
		change, _ := payload.(ConversationChange)
		s.Typing.Reset(change.Previous)
	})
}

// Start connects the channel and loads the conversation list.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.Conn.Connect(s.credential)
	s.Store.LoadConversations(ctx)
}

// Close disconnects and stops every timer. The session cannot be reused.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.Conn.Disconnect()
	s.Typing.Close()
	s.Relay.Close()
	s.Store.Close()
}

// Self returns the session's user.
func (s *Session) Self() User {
	return s.self
}

// ── Event routing ─────────────────────────────────────────

func (s *Session) handleMessage(m Message, src Source) {
	s.Store.ApplyIncoming(m, src)
	first, known := s.Store.UpdateConversationPreview(m)
	if !known {
		go s.Store.LoadConversations(s.ctx)
	}
	if m.SenderID != s.self.ID {
		s.Typing.RemoteStop(m.ConversationID, m.SenderID)
	}
	if !first {
		return
	}
	if s.Relay.Observe(m) == DecisionViewing {
		s.Conn.MarkRead(m.ConversationID)
	}
}

func (s *Session) handleTyping(ev TypingEvent) {
	if ev.UserID == s.self.ID {
		return
	}
	if c, ok := s.Store.Conversation(ev.ConversationID); ok && c.OtherParticipant.ID != "" && c.OtherParticipant.ID != ev.UserID {
		return
	}
	if ev.Typing {
		s.Typing.RemoteStart(ev.ConversationID, ev.UserID)
	} else {
		s.Typing.RemoteStop(ev.ConversationID, ev.UserID)
	}
}

func (s *Session) handleMessagesRead(r ReadReceipt) {
	if r.ReadBy == s.self.ID {
		s.Store.ResetUnread(r.ConversationID)
		go s.RefreshUnread(s.ctx)
		return
	}
	s.Store.MarkMessagesAsRead(r.ConversationID, r.ReadAt)
}

// RefreshUnread replaces the unread badge with the server count.
func (s *Session) RefreshUnread(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()
	n, err := s.fetcher.UnreadCount(ctx)
	if err != nil {
		s.cfg.Metrics.IncFetchError("unread")
		s.log.Debug().Err(err).Msg("unread count refresh failed")
		return
	}
	s.Relay.SetUnreadTotal(n)
}

// ── Facade ────────────────────────────────────────────────

// LoadConversations refreshes the conversation list.
func (s *Session) LoadConversations(ctx context.Context) {
	s.Store.LoadConversations(ctx)
}

// OpenConversation makes id the active conversation and loads its history.
func (s *Session) OpenConversation(ctx context.Context, id string) {
	s.Store.OpenConversation(ctx, id)
}

// CloseConversation deactivates the current conversation.
func (s *Session) CloseConversation() {
	s.Store.CloseConversation()
}

// SetViewMounted records whether the chat view is on screen.
func (s *Session) SetViewMounted(mounted bool) {
	s.Store.SetViewMounted(mounted)
}

// LoadOlderMessages loads the page before the oldest loaded message.
func (s *Session) LoadOlderMessages(ctx context.Context) error {
	return s.Store.LoadOlderMessages(ctx, s.Store.NextCursor())
}

// SendMessage stops local typing and sends content optimistically.
func (s *Session) SendMessage(conversationID, content string) (Message, error) {
	s.Typing.Stop(conversationID)
	return s.Store.SendMessage(conversationID, content)
}

// Retry resends a failed message.
func (s *Session) Retry(clientID string) error {
	return s.Store.Retry(clientID)
}

// Keystroke records local typing in a conversation.
func (s *Session) Keystroke(conversationID string) {
	s.Typing.Keystroke(conversationID)
}

// IsOnline reports whether the other participant of a conversation is online.
func (s *Session) IsOnline(conversationID string) bool {
	c, ok := s.Store.Conversation(conversationID)
	if !ok || c.OtherParticipant.ID == "" {
		return false
	}
	return s.Conn.IsOnline(c.OtherParticipant.ID)
}

// RemoteTyping reports whether the other participant is typing.
func (s *Session) RemoteTyping(conversationID string) bool {
	_, ok := s.Typing.RemoteTyping(conversationID)
	return ok
}
