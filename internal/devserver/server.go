// Package devserver is an in-memory chat backend speaking the DevWork REST
// and WebSocket protocol. It backs local development and end-to-end tests.
package devserver

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	devwork "github.com/abdulahaddf/devwork-go"
)

const (
	defaultPageSize = 30
	maxPageSize     = 100
	userKey         = "userID"
)

var (
	ErrUnknownUser         = errors.New("unknown user")
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrNotParticipant      = errors.New("not a participant")
	ErrEmptyContent        = errors.New("content is empty")
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithClock replaces time.Now for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

type conversation struct {
	id           string
	participants [2]string
	updatedAt    time.Time
	messages     []devwork.Message // oldest first
}

func (c *conversation) has(userID string) bool {
	return c.participants[0] == userID || c.participants[1] == userID
}

func (c *conversation) other(userID string) string {
	if c.participants[0] == userID {
		return c.participants[1]
	}
	return c.participants[0]
}

func (c *conversation) unreadFor(userID string) int {
	n := 0
	for _, m := range c.messages {
		if m.SenderID != userID && m.ReadAt == nil {
			n++
		}
	}
	return n
}

// Server holds users, conversations and live connections in memory.
type Server struct {
	log    zerolog.Logger
	now    func() time.Time
	engine *gin.Engine

	mu            sync.Mutex
	users         map[string]devwork.User
	tokens        map[string]string // token -> user id
	conversations map[string]*conversation
	clients       map[string]map[*client]struct{} // user id -> connections
}

// New creates an empty server.
func New(opts ...Option) *Server {
	s := &Server{
		log:           zerolog.Nop(),
		now:           time.Now,
		users:         make(map[string]devwork.User),
		tokens:        make(map[string]string),
		conversations: make(map[string]*conversation),
		clients:       make(map[string]map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.engine = s.routes()
	return s
}

// Handler returns the HTTP handler serving the REST API and /ws.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	api := r.Group("/api/chat", s.authenticate)
	api.GET("/conversations", s.listConversations)
	api.GET("/conversations/:id/messages", s.listMessages)
	api.GET("/unread-count", s.unreadCount)

	r.GET("/ws", s.authenticate, s.serveWS)
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

// ============================================================================
// Seeding
// ============================================================================

// AddUser registers a user. An empty token makes the user id the token.
func (s *Server) AddUser(u devwork.User, token string) {
	if token == "" {
		token = u.ID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	s.tokens[token] = u.ID
}

// CreateConversation opens a two-party conversation and returns its id.
func (s *Server) CreateConversation(a, b string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[a]; !ok {
		return "", ErrUnknownUser
	}
	if _, ok := s.users[b]; !ok {
		return "", ErrUnknownUser
	}
	id := uuid.NewString()
	s.conversations[id] = &conversation{
		id:           id,
		participants: [2]string{a, b},
		updatedAt:    s.now(),
	}
	return id, nil
}

// PostMessage stores a message from senderID and pushes it to connected
// clients exactly as a send-message command would.
func (s *Server) PostMessage(conversationID, senderID, content string) (devwork.Message, error) {
	return s.post(conversationID, senderID, content, "")
}

// Online returns the ids of users with at least one open connection.
func (s *Server) Online() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onlineLocked()
}

// ============================================================================
// REST handlers
// ============================================================================

func respond(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func fail(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"error":   gin.H{"code": code, "message": message},
	})
}

func (s *Server) authenticate(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		fail(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
		return
	}
	s.mu.Lock()
	userID, ok := s.tokens[token]
	s.mu.Unlock()
	if !ok {
		fail(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
		return
	}
	c.Set(userKey, userID)
	c.Next()
}

func (s *Server) listConversations(c *gin.Context) {
	userID := c.GetString(userKey)

	s.mu.Lock()
	var convs []*conversation
	for _, cv := range s.conversations {
		if cv.has(userID) {
			convs = append(convs, cv)
		}
	}
	sort.Slice(convs, func(i, j int) bool {
		if convs[i].updatedAt.Equal(convs[j].updatedAt) {
			return convs[i].id < convs[j].id
		}
		return convs[i].updatedAt.After(convs[j].updatedAt)
	})
	out := make([]devwork.Conversation, 0, len(convs))
	for _, cv := range convs {
		other := s.users[cv.other(userID)]
		item := devwork.Conversation{
			ID:               cv.id,
			UpdatedAt:        formatTime(cv.updatedAt),
			OtherParticipant: devwork.Participant{ID: other.ID, Name: other.Name, Avatar: other.Avatar},
			UnreadCount:      cv.unreadFor(userID),
		}
		if n := len(cv.messages); n > 0 {
			last := cv.messages[n-1]
			item.LastMessage = &last
		}
		out = append(out, item)
	}
	s.mu.Unlock()

	respond(c, out)
}

func (s *Server) listMessages(c *gin.Context) {
	userID := c.GetString(userKey)
	limit := defaultPageSize
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			fail(c, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
			return
		}
		limit = min(n, maxPageSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cv, ok := s.conversations[c.Param("id")]
	if !ok {
		fail(c, http.StatusNotFound, "NOT_FOUND", ErrUnknownConversation.Error())
		return
	}
	if !cv.has(userID) {
		fail(c, http.StatusForbidden, "FORBIDDEN", ErrNotParticipant.Error())
		return
	}

	end := len(cv.messages)
	if cursor := c.Query("cursor"); cursor != "" {
		end = -1
		for i, m := range cv.messages {
			if m.ID == cursor {
				end = i
				break
			}
		}
		if end < 0 {
			fail(c, http.StatusBadRequest, "INVALID_CURSOR", "unknown cursor")
			return
		}
	}
	start := max(0, end-limit)

	page := devwork.MessagePage{Messages: append([]devwork.Message{}, cv.messages[start:end]...)}
	if start > 0 {
		next := cv.messages[start].ID
		page.NextCursor = &next
	}
	respond(c, page)
}

func (s *Server) unreadCount(c *gin.Context) {
	userID := c.GetString(userKey)
	s.mu.Lock()
	total := 0
	for _, cv := range s.conversations {
		if cv.has(userID) {
			total += cv.unreadFor(userID)
		}
	}
	s.mu.Unlock()
	respond(c, devwork.UnreadCountData{Count: total})
}

// ============================================================================
// Mutations
// ============================================================================

func (s *Server) post(conversationID, senderID, content, clientID string) (devwork.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return devwork.Message{}, ErrEmptyContent
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cv, ok := s.conversations[conversationID]
	if !ok {
		return devwork.Message{}, ErrUnknownConversation
	}
	if !cv.has(senderID) {
		return devwork.Message{}, ErrNotParticipant
	}

	sender := s.users[senderID]
	now := s.now()
	m := devwork.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Sender:         devwork.Sender{ID: sender.ID, Name: sender.Name, Avatar: sender.Avatar},
		Content:        content,
		CreatedAt:      formatTime(now),
		ClientID:       clientID,
	}
	cv.messages = append(cv.messages, m)
	cv.updatedAt = now

	// room members see new-message; the recipient also gets a direct copy
	// whether or not the conversation is open
	room := frame(devwork.EventNewMessage, gin.H{"conversationId": conversationID, "message": m})
	for _, clients := range s.clients {
		for cl := range clients {
			if cl.rooms[conversationID] {
				s.deliverLocked(cl, room)
			}
		}
	}
	direct := frame(devwork.EventMessageDelivered, m)
	for cl := range s.clients[cv.other(senderID)] {
		s.deliverLocked(cl, direct)
	}

	s.log.Debug().Str("conversation_id", conversationID).Str("sender_id", senderID).Msg("message stored")
	return m, nil
}

func (s *Server) markRead(conversationID, readerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cv, ok := s.conversations[conversationID]
	if !ok {
		return ErrUnknownConversation
	}
	if !cv.has(readerID) {
		return ErrNotParticipant
	}

	readAt := formatTime(s.now())
	for i := range cv.messages {
		if cv.messages[i].SenderID != readerID && cv.messages[i].ReadAt == nil {
			ts := readAt
			cv.messages[i].ReadAt = &ts
		}
	}

	ev := frame(devwork.EventMessagesRead, gin.H{"conversationId": conversationID, "readBy": readerID, "readAt": readAt})
	for _, uid := range cv.participants {
		for cl := range s.clients[uid] {
			s.deliverLocked(cl, ev)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
