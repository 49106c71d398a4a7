package devwork

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Decision is the relay's verdict for one message.
type Decision string

const (
	DecisionSelf    Decision = "self"    // authored by the current user
	DecisionViewing Decision = "viewing" // conversation is on screen
	DecisionAlert   Decision = "alert"   // counted as unread, alert published
)

// Alert is the transient "latest message" signal shown outside the chat view.
type Alert struct {
	ConversationID string
	Message        Message
	At             time.Time
	seq            uint64
}

// ViewState tells the relay what the user is looking at.
type ViewState interface {
	Viewing(conversationID string) bool
}

// RelayOptions configures a Relay.
type RelayOptions struct {
	AlertTTL time.Duration
	Logger   zerolog.Logger
	Metrics  *Metrics
	Now      func() time.Time
}

func (o *RelayOptions) defaults() {
	if o.AlertTTL == 0 {
		o.AlertTTL = 5 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Relay decides which messages alert the user and keeps the unread badge.
type Relay struct {
	selfID string
	view   ViewState
	opts   RelayOptions
	log    zerolog.Logger

	mu        sync.Mutex
	enabled   bool
	unread    int
	latest    *Alert
	seq       uint64
	timer     *time.Timer
	onAlert   []func(Alert)
	onDismiss []func(Alert)
	onUnread  []func(int)
}

// NewRelay creates a relay for the user selfID.
func NewRelay(selfID string, view ViewState, opts *RelayOptions) *Relay {
	var o RelayOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	return &Relay{
		selfID:  selfID,
		view:    view,
		opts:    o,
		log:     o.Logger.With().Str("component", "relay").Logger(),
		enabled: true,
	}
}

// Observe classifies a first-seen message, counting and alerting as needed.
func (r *Relay) Observe(m Message) Decision {
	if m.SenderID == r.selfID {
		return DecisionSelf
	}
	if r.view != nil && r.view.Viewing(m.ConversationID) {
		return DecisionViewing
	}

	r.mu.Lock()
	r.unread++
	unread := r.unread
	var alert *Alert
	if r.enabled {
		r.seq++
		a := Alert{ConversationID: m.ConversationID, Message: m, At: r.opts.Now(), seq: r.seq}
		r.latest = &a
		alert = &a
		if r.timer != nil {
			r.timer.Stop()
		}
		seq := r.seq
		r.timer = time.AfterFunc(r.opts.AlertTTL, func() { r.expire(seq) })
	}
	onAlert := append([]func(Alert){}, r.onAlert...)
	onUnread := append([]func(int){}, r.onUnread...)
	r.mu.Unlock()

	for _, h := range onUnread {
		safeCall(r.log, func() { h(unread) })
	}
	if alert != nil {
		r.opts.Metrics.IncAlert()
		for _, h := range onAlert {
			safeCall(r.log, func() { h(*alert) })
		}
	}
	return DecisionAlert
}

func (r *Relay) expire(seq uint64) {
	r.mu.Lock()
	if r.latest == nil || r.latest.seq != seq {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.dismiss(func(a *Alert) bool { return a.seq == seq })
}

// Dismiss hides the current alert.
func (r *Relay) Dismiss() {
	r.dismiss(func(*Alert) bool { return true })
}

// DismissConversation hides the current alert if it belongs to the
// conversation the user just navigated into.
func (r *Relay) DismissConversation(conversationID string) {
	r.dismiss(func(a *Alert) bool { return a.ConversationID == conversationID })
}

func (r *Relay) dismiss(match func(*Alert) bool) {
	r.mu.Lock()
	a := r.latest
	if a == nil || !match(a) {
		r.mu.Unlock()
		return
	}
	r.latest = nil
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	handlers := append([]func(Alert){}, r.onDismiss...)
	r.mu.Unlock()

	for _, h := range handlers {
		safeCall(r.log, func() { h(*a) })
	}
}

// Latest returns the alert currently on screen.
func (r *Relay) Latest() (Alert, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.latest == nil {
		return Alert{}, false
	}
	return *r.latest, true
}

// SetEnabled turns alerts on or off. Unread counting is unaffected.
func (r *Relay) SetEnabled(enabled bool) {
	r.mu.Lock()
	r.enabled = enabled
	r.mu.Unlock()
	if !enabled {
		r.Dismiss()
	}
}

// Enabled reports whether alerts are published.
func (r *Relay) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// UnreadTotal returns the unread badge count.
func (r *Relay) UnreadTotal() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unread
}

// SetUnreadTotal replaces the badge count with the server's value.
func (r *Relay) SetUnreadTotal(n int) {
	if n < 0 {
		n = 0
	}
	r.mu.Lock()
	r.unread = n
	handlers := append([]func(int){}, r.onUnread...)
	r.mu.Unlock()
	for _, h := range handlers {
		safeCall(r.log, func() { h(n) })
	}
}

// OnAlert registers a handler for published alerts.
func (r *Relay) OnAlert(h func(Alert)) {
	r.mu.Lock()
	r.onAlert = append(r.onAlert, h)
	r.mu.Unlock()
}

// OnDismiss registers a handler for dismissed alerts.
func (r *Relay) OnDismiss(h func(Alert)) {
	r.mu.Lock()
	r.onDismiss = append(r.onDismiss, h)
	r.mu.Unlock()
}

// OnUnreadChange registers a handler for unread badge changes.
func (r *Relay) OnUnreadChange(h func(total int)) {
	r.mu.Lock()
	r.onUnread = append(r.onUnread, h)
	r.mu.Unlock()
}

// Close stops the auto-dismiss timer.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.latest = nil
}
