package devwork

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// Incoming event types.
const (
	EventAuthenticated     = "authenticated"
	EventPresenceSnapshot  = "presence-snapshot"
	EventPresenceJoined    = "presence-joined"
	EventPresenceLeft      = "presence-left"
	EventNewMessage        = "new-message"
	EventMessageDelivered  = "message-delivered-to-recipient"
	EventUserTyping        = "user-typing"
	EventUserStoppedTyping = "user-stopped-typing"
	EventMessagesRead      = "messages-read"
	EventError             = "error"
)

// Outgoing command types.
const (
	CmdJoinConversation = "join-conversation"
	CmdSendMessage      = "send-message"
	CmdStartTyping      = "start-typing"
	CmdStopTyping       = "stop-typing"
	CmdMarkRead         = "mark-read"
)

// Envelope is the wire format for all server-to-client events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server command.
type Command struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// ConversationPayload is the payload of room-scoped commands.
type ConversationPayload struct {
	ConversationID string `json:"conversationId"`
}

// SendMessagePayload is the payload of the send-message command.
type SendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	ClientID       string `json:"clientId,omitempty"`
}

// ErrNotConnected is returned by Send while no connection is open.
var ErrNotConnected = errors.New("not connected")

// ============================================================================
// Configuration
// ============================================================================

// ChannelConfig configures a realtime channel.
type ChannelConfig struct {
	URL                  string
	Token                string
	MaxReconnectAttempts int // 0 retries forever
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HandshakeTimeout     time.Duration
	ReadLimit            int64
	HTTPClient           *http.Client
	Logger               zerolog.Logger
}

func (c *ChannelConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ChannelHandlers receive channel lifecycle and events. They run on the
// channel's read goroutine, in arrival order, and must not block for long.
type ChannelHandlers struct {
	OnConnected    func(userID string)
	OnEvent        func(env Envelope)
	OnDisconnected func(err error)
	OnReconnecting func(attempt int, delay time.Duration)
}

// Channel is a bidirectional event channel with built-in reconnection.
type Channel interface {
	Open()
	Close() error
	Send(ctx context.Context, cmd *Command) error
	State() RealtimeState
}

// DialFunc builds a channel for a credential. The channel is not opened.
type DialFunc func(credential string, h ChannelHandlers) Channel

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *ChannelConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	// a connection that stayed up for a minute starts the backoff over
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
		r.connectedAt = time.Time{}
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// WSChannel
// ============================================================================

// WSChannel is a WebSocket channel with auto-reconnect and heartbeat.
type WSChannel struct {
	config   ChannelConfig
	handlers ChannelHandlers
	log      zerolog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	state    RealtimeState
	cancelFn context.CancelFunc
	done     chan struct{}
}

// NewWSChannel creates a channel. Call Open to start connecting.
func NewWSChannel(config ChannelConfig, h ChannelHandlers) *WSChannel {
	config.defaults()
	return &WSChannel{
		config:   config,
		handlers: h,
		log:      config.Logger.With().Str("component", "channel").Logger(),
		state:    StateDisconnected,
	}
}

// WSURL converts an http(s) base URL into the channel endpoint.
func WSURL(baseURL string) string {
	u := strings.Replace(baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return strings.TrimRight(u, "/") + "/ws"
}

// State returns the current connection state.
func (ws *WSChannel) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Done is closed once the channel has stopped for good.
func (ws *WSChannel) Done() <-chan struct{} {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.done == nil {
		ws.done = make(chan struct{})
		close(ws.done)
	}
	return ws.done
}

// Open starts the connect loop in the background. It is a no-op when the
// channel is already running.
func (ws *WSChannel) Open() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.cancelFn != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	ws.cancelFn = cancel
	ws.done = make(chan struct{})
	ws.state = StateConnecting
	go ws.run(ctx, ws.done)
}

// Close stops the channel. It does not wait for the read loop to exit.
func (ws *WSChannel) Close() error {
	ws.mu.Lock()
	cancel := ws.cancelFn
	ws.cancelFn = nil
	conn := ws.conn
	ws.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Send writes a command on the open connection.
func (ws *WSChannel) Send(ctx context.Context, cmd *Command) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (ws *WSChannel) setState(s RealtimeState) {
	ws.mu.Lock()
	ws.state = s
	ws.mu.Unlock()
}

func (ws *WSChannel) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	recon := newReconnector(&ws.config)

	for {
		err := ws.session(ctx, recon)
		if ctx.Err() != nil {
			ws.setState(StateDisconnected)
			return
		}
		if !recon.shouldReconnect() {
			ws.log.Warn().Err(err).Int("attempts", recon.attempt).Msg("giving up reconnecting")
			ws.setState(StateDisconnected)
			return
		}

		delay := recon.nextDelay()
		ws.setState(StateReconnecting)
		ws.log.Debug().Err(err).Int("attempt", recon.attempt).Dur("delay", delay).Msg("reconnecting")
		if ws.handlers.OnReconnecting != nil {
			ws.handlers.OnReconnecting(recon.attempt, delay)
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			ws.setState(StateDisconnected)
			return
		case <-t.C:
		}
	}
}

// session dials, waits for the authenticated frame and pumps events until
// the connection breaks.
func (ws *WSChannel) session(ctx context.Context, recon *reconnector) error {
	ws.setState(StateConnecting)

	conn, userID, err := ws.handshake(ctx)
	if err != nil {
		return err
	}
	conn.SetReadLimit(ws.config.ReadLimit)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ws.mu.Lock()
	ws.conn = conn
	ws.state = StateConnected
	ws.mu.Unlock()
	recon.markConnected()

	ws.log.Debug().Str("user_id", userID).Msg("connected")
	if ws.handlers.OnConnected != nil {
		ws.handlers.OnConnected(userID)
	}

	go ws.heartbeatLoop(connCtx, conn)
	err = ws.readLoop(connCtx, conn)

	// run settles the final state; disconnected means stopped for good
	ws.mu.Lock()
	if ws.conn == conn {
		ws.conn = nil
	}
	ws.state = StateReconnecting
	ws.mu.Unlock()
	conn.Close(websocket.StatusNormalClosure, "")

	if ws.handlers.OnDisconnected != nil {
		ws.handlers.OnDisconnected(err)
	}
	return err
}

func (ws *WSChannel) handshake(ctx context.Context) (*websocket.Conn, string, error) {
	dialCtx, cancel := context.WithTimeout(ctx, ws.config.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	if ws.config.Token != "" {
		header.Set("Authorization", "Bearer "+ws.config.Token)
	}
	conn, _, err := websocket.Dial(dialCtx, ws.config.URL, &websocket.DialOptions{
		HTTPClient: ws.config.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, "", fmt.Errorf("websocket dial: %w", err)
	}

	// first frame must be "authenticated"
	_, data, err := conn.Read(dialCtx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, "", fmt.Errorf("read auth message: %w", err)
	}
	typ := gjson.GetBytes(data, "type").String()
	if typ != EventAuthenticated {
		conn.Close(websocket.StatusPolicyViolation, "")
		return nil, "", fmt.Errorf("expected '%s', got '%s'", EventAuthenticated, typ)
	}
	return conn, gjson.GetBytes(data, "payload.userId").String(), nil
}

func (ws *WSChannel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			ws.log.Debug().Int("bytes", len(data)).Msg("unparseable frame")
			continue
		}
		if ws.handlers.OnEvent != nil {
			ws.handlers.OnEvent(env)
		}
	}
}

func (ws *WSChannel) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, ws.config.HandshakeTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					ws.log.Debug().Err(err).Msg("heartbeat failed")
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}
