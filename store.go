package devwork

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store events.
const (
	EventConversationsChanged = "conversations.changed"
	EventMessagesChanged      = "messages.changed"
	EventMessageFailed        = "message.failed"
	EventFetchFailed          = "fetch.failed"
	EventConversationOpened   = "conversation.opened"
	EventConversationClosed   = "conversation.closed"
)

var (
	ErrEmptyMessage         = errors.New("message content is empty")
	ErrNoConversation       = errors.New("conversation id is required")
	ErrUnknownMessage       = errors.New("no failed message with that client id")
	ErrNoActiveConversation = errors.New("no active conversation")
)

// Fetcher is the request/response side of the chat API.
type Fetcher interface {
	Conversations(ctx context.Context) ([]Conversation, error)
	History(ctx context.Context, conversationID, cursor string) (*MessagePage, error)
	UnreadCount(ctx context.Context) (int, error)
}

// Outgoing is the subset of the connection manager the store emits through.
type Outgoing interface {
	JoinConversation(conversationID string)
	SendMessage(conversationID, content, clientID string)
	MarkRead(conversationID string)
	CancelSend(clientID string) bool
}

// FetchError is the payload of EventFetchFailed.
type FetchError struct {
	Op             string
	ConversationID string
	Err            error
}

func (e *FetchError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *FetchError) Unwrap() error { return e.Err }

// ConversationChange is the payload of the opened and closed events.
type ConversationChange struct {
	Previous string
	Current  string
}

// ============================================================================
// Event Emitter
// ============================================================================

// StoreEventHandler handles store events.
type StoreEventHandler func(event string, payload any)

type storeEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]StoreEventHandler
}

// On registers a handler for a store event.
func (e *storeEmitter) On(event string, handler StoreEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *storeEmitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *storeEmitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]StoreEventHandler)
}

// ============================================================================
// Store
// ============================================================================

// StoreOptions configures a Store.
type StoreOptions struct {
	SendTimeout time.Duration
	SeenLimit   int
	Logger      zerolog.Logger
	Metrics     *Metrics
	Now         func() time.Time
}

func (o *StoreOptions) defaults() {
	if o.SendTimeout == 0 {
		o.SendTimeout = 15 * time.Second
	}
	if o.SeenLimit == 0 {
		o.SeenLimit = 2048
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Store is the single source of truth for the conversation list and the
// active conversation's messages. Every mutation happens under one lock;
// events fire after it is released.
type Store struct {
	storeEmitter
	fetcher Fetcher
	out     Outgoing
	self    User
	rec     Reconciler
	opts    StoreOptions
	log     zerolog.Logger

	mu            sync.Mutex
	conversations []Conversation
	active        string
	viewMounted   bool
	messages      []Message
	nextCursor    *string
	loadedCursors map[string]bool
	loading       bool
	gen           uint64
	seen          *seenSet
	pending       []Message
	timers        map[string]*time.Timer
	closed        bool
}

// NewStore creates a store for the authenticated user self.
func NewStore(fetcher Fetcher, out Outgoing, self User, opts *StoreOptions) *Store {
	var o StoreOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	return &Store{
		storeEmitter: storeEmitter{listeners: make(map[string][]StoreEventHandler)},
		fetcher:      fetcher,
		out:          out,
		self:         self,
		rec:          Reconciler{SelfID: self.ID},
		opts:         o,
		log:          o.Logger.With().Str("component", "store").Logger(),
		seen:         newSeenSet(o.SeenLimit),
		timers:       make(map[string]*time.Timer),
	}
}

// Close stops pending send timers and drops all listeners.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.removeAll()
}

// ── Accessors ─────────────────────────────────────────────

// Conversations returns the conversation list, newest first.
func (s *Store) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Conversation(nil), s.conversations...)
}

// Conversation returns one conversation by id.
func (s *Store) Conversation(id string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexConversation(id); i >= 0 {
		return s.conversations[i], true
	}
	return Conversation{}, false
}

// Search filters conversations by the other participant's name.
func (s *Store) Search(term string) []Conversation {
	term = strings.ToLower(strings.TrimSpace(term))
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Conversation
	for _, c := range s.conversations {
		if term == "" || strings.Contains(strings.ToLower(c.OtherParticipant.Name), term) {
			out = append(out, c)
		}
	}
	return out
}

// Messages returns the active conversation's messages, oldest first.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMessages(s.messages)
}

// ActiveConversation returns the active conversation id, or "".
func (s *Store) ActiveConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NextCursor returns the cursor of the next older page, or "" when the
// history is exhausted.
func (s *Store) NextCursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nextCursor == nil {
		return ""
	}
	return *s.nextCursor
}

// Loading reports whether a history fetch is in flight.
func (s *Store) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Viewing reports whether conversationID is active with the chat view mounted.
func (s *Store) Viewing(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewMounted && s.active != "" && s.active == conversationID
}

// PendingCount returns the number of sends waiting for confirmation or retry.
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// ── Conversation list ─────────────────────────────────────

// LoadConversations replaces the list from a fetch. On failure the last
// known list is kept and EventFetchFailed fires.
func (s *Store) LoadConversations(ctx context.Context) {
	convs, err := s.fetcher.Conversations(ctx)
	if err != nil {
		s.fetchFailed("conversations", "", err)
		return
	}

	s.mu.Lock()
	list := append([]Conversation(nil), convs...)
	for i := range list {
		if list[i].ID == s.active {
			list[i].UnreadCount = 0
		}
		if list[i].UnreadCount < 0 {
			list[i].UnreadCount = 0
		}
		// a locally sent message may be newer than the server snapshot
		if j := s.indexConversation(list[i].ID); j >= 0 && newerTimestamp(s.conversations[j].UpdatedAt, list[i].UpdatedAt) {
			list[i].UpdatedAt = s.conversations[j].UpdatedAt
			list[i].LastMessage = s.conversations[j].LastMessage
		}
	}
	sortConversations(list)
	s.conversations = list
	s.mu.Unlock()

	s.log.Debug().Int("count", len(list)).Msg("conversations loaded")
	s.emit(EventConversationsChanged, nil)
}

// UpdateConversationPreview applies m to its conversation's preview. It
// reports whether this is the first time m was seen and whether the
// conversation is known. A message delivered on both the room and the user
// channel counts once.
func (s *Store) UpdateConversationPreview(m Message) (first, known bool) {
	s.mu.Lock()
	first = s.seen.add(m.ID)
	i := s.indexConversation(m.ConversationID)
	known = i >= 0
	if !first || !known {
		s.mu.Unlock()
		return first, known
	}
	s.applyPreviewLocked(i, m, m.SenderID != s.self.ID && m.ConversationID != s.active)
	s.mu.Unlock()

	s.emit(EventConversationsChanged, nil)
	return first, known
}

func (s *Store) applyPreviewLocked(i int, m Message, countUnread bool) {
	c := s.conversations[i]
	if c.LastMessage == nil || !newerTimestamp(c.UpdatedAt, m.CreatedAt) {
		mc := m
		c.LastMessage = &mc
	}
	if newerTimestamp(m.CreatedAt, c.UpdatedAt) {
		c.UpdatedAt = m.CreatedAt
	}
	if countUnread {
		c.UnreadCount++
	}
	s.conversations[i] = c
	sortConversations(s.conversations)
}

// ResetUnread zeroes a conversation's unread count.
func (s *Store) ResetUnread(conversationID string) {
	s.mu.Lock()
	i := s.indexConversation(conversationID)
	changed := i >= 0 && s.conversations[i].UnreadCount != 0
	if changed {
		s.conversations[i].UnreadCount = 0
	}
	s.mu.Unlock()
	if changed {
		s.emit(EventConversationsChanged, nil)
	}
}

func (s *Store) indexConversation(id string) int {
	for i, c := range s.conversations {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func sortConversations(list []Conversation) {
	sort.SliceStable(list, func(i, j int) bool {
		return newerTimestamp(list[i].UpdatedAt, list[j].UpdatedAt)
	})
}

// ── Active conversation ───────────────────────────────────

// OpenConversation makes id the active conversation, joins its room, marks
// it read and fetches the first page of history. It blocks until the fetch
// completes. A result that arrives after another conversation was opened
// is discarded.
func (s *Store) OpenConversation(ctx context.Context, id string) {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	prev := s.active
	s.active = id
	s.viewMounted = true
	s.messages = nil
	s.nextCursor = nil
	s.loadedCursors = make(map[string]bool)
	s.loading = true
	if i := s.indexConversation(id); i >= 0 {
		s.conversations[i].UnreadCount = 0
	}
	s.mu.Unlock()

	s.emit(EventConversationOpened, ConversationChange{Previous: prev, Current: id})
	s.emit(EventMessagesChanged, nil)
	s.emit(EventConversationsChanged, nil)

	s.out.JoinConversation(id)
	s.out.MarkRead(id)

	page, err := s.fetcher.History(ctx, id, "")

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		s.opts.Metrics.IncStaleFetch()
		s.log.Debug().Str("conversation_id", id).Msg("discarding stale history page")
		return
	}
	s.loading = false
	if err != nil {
		s.mu.Unlock()
		s.fetchFailed("history", id, err)
		return
	}
	// pushes that landed during the fetch are merged, not overwritten
	list, _, settled := s.rec.MergePage(s.messages, page.Messages, SourceFetch)
	s.messages = list
	s.nextCursor = page.NextCursor
	for _, m := range page.Messages {
		if m.ClientID != "" && m.SenderID == s.self.ID {
			settled = append(settled, m.ClientID)
		}
	}
	// unconfirmed sends stay visible across a reopen unless the page
	// already holds them
	for _, p := range append([]Message(nil), s.pending...) {
		if p.ConversationID != id || indexByClientID(s.messages, p.ClientID) >= 0 {
			continue
		}
		if claimed, ok := s.rec.ClaimPending(s.messages, p); ok {
			s.messages = claimed
			settled = append(settled, p.ClientID)
			continue
		}
		s.messages, _ = s.rec.Apply(s.messages, p, SourceLocal)
	}
	for _, clientID := range settled {
		s.settleLocked(clientID)
	}
	s.mu.Unlock()

	s.emit(EventMessagesChanged, nil)
}

// CloseConversation clears the active conversation and its messages.
func (s *Store) CloseConversation() {
	s.mu.Lock()
	prev := s.active
	s.gen++
	s.active = ""
	s.messages = nil
	s.nextCursor = nil
	s.loadedCursors = nil
	s.loading = false
	s.mu.Unlock()

	if prev != "" {
		s.emit(EventConversationClosed, ConversationChange{Previous: prev})
	}
	s.emit(EventMessagesChanged, nil)
}

// SetViewMounted records whether the chat view is on screen. Leaving the
// view closes the active conversation.
func (s *Store) SetViewMounted(mounted bool) {
	s.mu.Lock()
	s.viewMounted = mounted
	s.mu.Unlock()
	if !mounted {
		s.CloseConversation()
	}
}

// LoadOlderMessages prepends the page behind cursor. A cursor that was
// already loaded, or is loading, is ignored.
func (s *Store) LoadOlderMessages(ctx context.Context, cursor string) error {
	if cursor == "" {
		return nil
	}
	s.mu.Lock()
	if s.active == "" {
		s.mu.Unlock()
		return ErrNoActiveConversation
	}
	if s.loadedCursors[cursor] {
		s.mu.Unlock()
		return nil
	}
	s.loadedCursors[cursor] = true
	gen := s.gen
	id := s.active
	s.loading = true
	s.mu.Unlock()

	page, err := s.fetcher.History(ctx, id, cursor)

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		s.opts.Metrics.IncStaleFetch()
		return nil
	}
	s.loading = false
	if err != nil {
		delete(s.loadedCursors, cursor)
		s.mu.Unlock()
		s.fetchFailed("history", id, err)
		return nil
	}
	list, _, settled := s.rec.MergePage(s.messages, page.Messages, SourceHistory)
	s.messages = list
	s.nextCursor = page.NextCursor
	for _, clientID := range settled {
		s.settleLocked(clientID)
	}
	s.mu.Unlock()

	s.emit(EventMessagesChanged, nil)
	return nil
}

// ── Messages ──────────────────────────────────────────────

// SendMessage inserts an optimistic message and hands the send to the
// connection. It never waits for the server.
func (s *Store) SendMessage(conversationID, content string) (Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, ErrEmptyMessage
	}
	if conversationID == "" {
		return Message{}, ErrNoConversation
	}

	clientID := uuid.NewString()
	m := Message{
		ID:             TempIDPrefix + clientID,
		ConversationID: conversationID,
		SenderID:       s.self.ID,
		Sender:         Sender{ID: s.self.ID, Name: s.self.Name, Avatar: s.self.Avatar},
		Content:        content,
		CreatedAt:      formatTimestamp(s.opts.Now()),
		ClientID:       clientID,
		Status:         DeliverySending,
	}

	s.mu.Lock()
	s.pending = append(s.pending, m)
	if conversationID == s.active {
		s.messages, _ = s.rec.Apply(s.messages, m, SourceLocal)
	}
	if i := s.indexConversation(conversationID); i >= 0 {
		s.applyPreviewLocked(i, m, false)
	}
	s.armTimerLocked(clientID)
	s.mu.Unlock()

	s.opts.Metrics.AddPending(1)
	s.emit(EventMessagesChanged, nil)
	s.emit(EventConversationsChanged, nil)

	s.out.SendMessage(conversationID, content, clientID)
	return m, nil
}

// Retry resends a message that timed out, reusing its client id.
func (s *Store) Retry(clientID string) error {
	s.mu.Lock()
	i := indexByClientID(s.pending, clientID)
	if i < 0 || s.pending[i].Status != DeliveryError {
		s.mu.Unlock()
		return ErrUnknownMessage
	}
	s.pending[i].Status = DeliverySending
	p := s.pending[i]
	s.setStatusLocked(clientID, DeliverySending)
	s.armTimerLocked(clientID)
	s.mu.Unlock()

	s.emit(EventMessagesChanged, nil)
	s.out.SendMessage(p.ConversationID, p.Content, clientID)
	return nil
}

func (s *Store) armTimerLocked(clientID string) {
	if s.closed {
		return
	}
	if t, ok := s.timers[clientID]; ok {
		t.Stop()
	}
	s.timers[clientID] = time.AfterFunc(s.opts.SendTimeout, func() { s.expire(clientID) })
}

// expire flips a send that was never confirmed to DeliveryError.
func (s *Store) expire(clientID string) {
	s.mu.Lock()
	delete(s.timers, clientID)
	i := indexByClientID(s.pending, clientID)
	if i < 0 || s.pending[i].Status != DeliverySending {
		s.mu.Unlock()
		return
	}
	s.pending[i].Status = DeliveryError
	failed := s.pending[i]
	s.setStatusLocked(clientID, DeliveryError)
	s.mu.Unlock()

	s.out.CancelSend(clientID)
	s.log.Warn().Str("client_id", clientID).Str("conversation_id", failed.ConversationID).Msg("send timed out")
	s.emit(EventMessageFailed, failed)
	s.emit(EventMessagesChanged, nil)
}

func (s *Store) setStatusLocked(clientID string, st DeliveryState) {
	i := indexByClientID(s.messages, clientID)
	if i < 0 || !s.messages[i].IsOptimistic() {
		return
	}
	out := cloneMessages(s.messages)
	out[i].Status = st
	s.messages = out
}

// resolvePendingLocked settles the pending send an echo of m confirms.
func (s *Store) resolvePendingLocked(m Message) {
	if m.SenderID != s.self.ID || len(s.pending) == 0 {
		return
	}
	i := -1
	if m.ClientID != "" {
		i = indexByClientID(s.pending, m.ClientID)
	} else {
		failed := -1
		for j, p := range s.pending {
			if p.ConversationID != m.ConversationID || p.Content != m.Content {
				continue
			}
			if p.Status == DeliverySending {
				i = j
				break
			}
			if failed < 0 {
				failed = j
			}
		}
		if i < 0 {
			i = failed
		}
	}
	if i >= 0 {
		s.settleLocked(s.pending[i].ClientID)
	}
}

func (s *Store) settleLocked(clientID string) {
	i := indexByClientID(s.pending, clientID)
	if i < 0 {
		return
	}
	if t, ok := s.timers[clientID]; ok {
		t.Stop()
		delete(s.timers, clientID)
	}
	s.pending = append(s.pending[:i], s.pending[i+1:]...)
	s.opts.Metrics.AddPending(-1)
}

// ApplyIncoming reconciles a fetched or pushed message into the active list.
// Messages for other conversations only settle pending sends.
func (s *Store) ApplyIncoming(m Message, src Source) Outcome {
	s.mu.Lock()
	if m.ConversationID == "" || m.ConversationID != s.active {
		if src != SourceLocal && !s.seen.has(m.ID) {
			s.resolvePendingLocked(m)
		}
		s.mu.Unlock()
		s.opts.Metrics.IncReconcile(OutcomeIgnored)
		return OutcomeIgnored
	}
	list, outcome := s.rec.Apply(s.messages, m, src)
	s.messages = list
	// a re-delivery of a confirmed send settles it too; the stored copy
	// carries the client id even when the echo does not
	if outcome == OutcomeConfirmed || outcome == OutcomeDuplicate {
		if i := indexByID(list, m.ID); i >= 0 {
			s.settleLocked(list[i].ClientID)
		}
		s.settleLocked(m.ClientID)
	}
	s.mu.Unlock()

	s.opts.Metrics.IncReconcile(outcome)
	if outcome != OutcomeIgnored {
		s.emit(EventMessagesChanged, nil)
	}
	return outcome
}

// MarkMessagesAsRead stamps readAt on the current user's unread messages.
func (s *Store) MarkMessagesAsRead(conversationID, readAt string) int {
	s.mu.Lock()
	if conversationID != s.active {
		s.mu.Unlock()
		return 0
	}
	list, n := s.rec.MarkRead(s.messages, conversationID, readAt)
	s.messages = list
	s.mu.Unlock()

	if n > 0 {
		s.emit(EventMessagesChanged, nil)
	}
	return n
}

// GroupedMessages groups the active messages by calendar day.
func (s *Store) GroupedMessages() []DayGroup {
	return GroupByDay(s.Messages(), s.opts.Now())
}

func (s *Store) fetchFailed(op, conversationID string, err error) {
	s.opts.Metrics.IncFetchError(op)
	s.log.Warn().Err(err).Str("op", op).Str("conversation_id", conversationID).Msg("fetch failed")
	s.emit(EventFetchFailed, &FetchError{Op: op, ConversationID: conversationID, Err: err})
}

// ============================================================================
// Seen set
// ============================================================================

// seenSet remembers the most recent message ids, evicting the oldest.
type seenSet struct {
	limit int
	order []string
	set   map[string]struct{}
}

func newSeenSet(limit int) *seenSet {
	return &seenSet{limit: limit, set: make(map[string]struct{})}
}

func (s *seenSet) has(id string) bool {
	_, ok := s.set[id]
	return ok
}

// add records id and reports whether it was new.
func (s *seenSet) add(id string) bool {
	if id == "" {
		return false
	}
	if _, ok := s.set[id]; ok {
		return false
	}
	s.set[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > s.limit {
		delete(s.set, s.order[0])
		s.order = s.order[1:]
	}
	return true
}
