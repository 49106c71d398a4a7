package devwork

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TypingSignaler emits local typing signals.
type TypingSignaler interface {
	StartTyping(conversationID string)
	StopTyping(conversationID string)
}

// TypingChange is published whenever a typing flag flips.
type TypingChange struct {
	ConversationID string
	UserID         string
	Local          bool
	Typing         bool
}

// TypingOptions configures a TypingTracker.
type TypingOptions struct {
	// Idle is how long after the last keystroke stop-typing is sent.
	Idle time.Duration
	// Refresh is how often start-typing is repeated while typing continues.
	Refresh time.Duration
	// RemoteTimeout clears a remote flag that was not refreshed in time.
	RemoteTimeout time.Duration
	Logger        zerolog.Logger
	Now           func() time.Time
}

func (o *TypingOptions) defaults() {
	if o.Idle == 0 {
		o.Idle = 2 * time.Second
	}
	if o.Refresh == 0 {
		o.Refresh = 3 * time.Second
	}
	if o.RemoteTimeout == 0 {
		o.RemoteTimeout = 6 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type localTyping struct {
	timer     *time.Timer
	gen       uint64
	lastStart time.Time
}

type remoteTyping struct {
	userID string
	timer  *time.Timer
	gen    uint64
}

// TypingTracker holds the ephemeral typing flags of every conversation.
// Each flag has its own idle timer; a timer that fires after its flag was
// refreshed or reset does nothing.
type TypingTracker struct {
	out  TypingSignaler
	opts TypingOptions
	log  zerolog.Logger

	mu       sync.Mutex
	gen      uint64
	local    map[string]*localTyping
	remote   map[string]*remoteTyping
	onChange []func(TypingChange)
	closed   bool
}

// NewTypingTracker creates a tracker that signals through out.
func NewTypingTracker(out TypingSignaler, opts *TypingOptions) *TypingTracker {
	var o TypingOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	return &TypingTracker{
		out:    out,
		opts:   o,
		log:    o.Logger.With().Str("component", "typing").Logger(),
		local:  make(map[string]*localTyping),
		remote: make(map[string]*remoteTyping),
	}
}

// OnChange registers a handler for typing flag changes.
func (t *TypingTracker) OnChange(h func(TypingChange)) {
	t.mu.Lock()
	t.onChange = append(t.onChange, h)
	t.mu.Unlock()
}

func (t *TypingTracker) notify(c TypingChange) {
	t.mu.Lock()
	handlers := append([]func(TypingChange){}, t.onChange...)
	t.mu.Unlock()
	for _, h := range handlers {
		safeCall(t.log, func() { h(c) })
	}
}

// ── Local ─────────────────────────────────────────────────

// Keystroke records local typing activity in a conversation.
func (t *TypingTracker) Keystroke(conversationID string) {
	if conversationID == "" {
		return
	}
	now := t.opts.Now()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	st := t.local[conversationID]
	started, refresh := false, false
	if st == nil {
		st = &localTyping{lastStart: now}
		t.local[conversationID] = st
		started = true
	} else if now.Sub(st.lastStart) >= t.opts.Refresh {
		st.lastStart = now
		refresh = true
	}
	t.gen++
	st.gen = t.gen
	gen := st.gen
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(t.opts.Idle, func() { t.localIdle(conversationID, gen) })
	t.mu.Unlock()

	if started || refresh {
		t.out.StartTyping(conversationID)
	}
	if started {
		t.notify(TypingChange{ConversationID: conversationID, Local: true, Typing: true})
	}
}

func (t *TypingTracker) localIdle(conversationID string, gen uint64) {
	t.mu.Lock()
	st := t.local[conversationID]
	if st == nil || st.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.local, conversationID)
	t.mu.Unlock()

	t.out.StopTyping(conversationID)
	t.notify(TypingChange{ConversationID: conversationID, Local: true, Typing: false})
}

// Stop ends local typing immediately, as on send. It does nothing when the
// user is not typing.
func (t *TypingTracker) Stop(conversationID string) {
	t.mu.Lock()
	st := t.local[conversationID]
	if st == nil {
		t.mu.Unlock()
		return
	}
	st.timer.Stop()
	delete(t.local, conversationID)
	t.mu.Unlock()

	t.out.StopTyping(conversationID)
	t.notify(TypingChange{ConversationID: conversationID, Local: true, Typing: false})
}

// LocalTyping reports whether the user is typing in a conversation.
func (t *TypingTracker) LocalTyping(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.local[conversationID]
	return ok
}

// ── Remote ────────────────────────────────────────────────

// RemoteStart marks userID as typing in a conversation. The flag clears by
// itself after the remote timeout unless refreshed.
func (t *TypingTracker) RemoteStart(conversationID, userID string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	st := t.remote[conversationID]
	started := st == nil || st.userID != userID
	if st == nil {
		st = &remoteTyping{}
		t.remote[conversationID] = st
	}
	st.userID = userID
	t.gen++
	st.gen = t.gen
	gen := st.gen
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(t.opts.RemoteTimeout, func() { t.remoteExpired(conversationID, gen) })
	t.mu.Unlock()

	if started {
		t.notify(TypingChange{ConversationID: conversationID, UserID: userID, Typing: true})
	}
}

// RemoteStop clears userID's typing flag in a conversation.
func (t *TypingTracker) RemoteStop(conversationID, userID string) {
	t.mu.Lock()
	st := t.remote[conversationID]
	if st == nil || (userID != "" && st.userID != userID) {
		t.mu.Unlock()
		return
	}
	st.timer.Stop()
	delete(t.remote, conversationID)
	t.mu.Unlock()

	t.notify(TypingChange{ConversationID: conversationID, UserID: st.userID, Typing: false})
}

func (t *TypingTracker) remoteExpired(conversationID string, gen uint64) {
	t.mu.Lock()
	st := t.remote[conversationID]
	if st == nil || st.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.remote, conversationID)
	t.mu.Unlock()

	t.log.Debug().Str("conversation_id", conversationID).Str("user_id", st.userID).Msg("remote typing timed out")
	t.notify(TypingChange{ConversationID: conversationID, UserID: st.userID, Typing: false})
}

// RemoteTyping returns who is typing in a conversation, if anyone.
func (t *TypingTracker) RemoteTyping(conversationID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st := t.remote[conversationID]; st != nil {
		return st.userID, true
	}
	return "", false
}

// Reset clears both flags of a conversation, as when it is deactivated.
func (t *TypingTracker) Reset(conversationID string) {
	if conversationID == "" {
		return
	}
	t.Stop(conversationID)
	t.RemoteStop(conversationID, "")
}

// Close stops every timer. Flags are dropped without signalling.
func (t *TypingTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, st := range t.local {
		st.timer.Stop()
		delete(t.local, id)
	}
	for id, st := range t.remote {
		st.timer.Stop()
		delete(t.remote, id)
	}
}
