package devserver

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	devwork "github.com/abdulahaddf/devwork-go"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func frame(typ string, payload any) []byte {
	data, _ := json.Marshal(event{Type: typ, Payload: payload})
	return data
}

// client is one WebSocket connection. rooms is guarded by the server lock.
type client struct {
	srv    *Server
	userID string
	conn   *websocket.Conn
	send   chan []byte
	rooms  map[string]bool
	once   sync.Once
}

func (s *Server) serveWS(c *gin.Context) {
	userID := c.GetString(userKey)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	cl := &client{
		srv:    s,
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		rooms:  make(map[string]bool),
	}
	s.register(cl)
	go cl.writePump()
	cl.readPump()
}

func (s *Server) register(cl *client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	first := len(s.clients[cl.userID]) == 0
	if s.clients[cl.userID] == nil {
		s.clients[cl.userID] = make(map[*client]struct{})
	}
	s.clients[cl.userID][cl] = struct{}{}

	// authenticated must be the first frame on the wire
	s.deliverLocked(cl, frame(devwork.EventAuthenticated, gin.H{"userId": cl.userID}))
	s.deliverLocked(cl, frame(devwork.EventPresenceSnapshot, s.onlineLocked()))
	if first {
		s.broadcastLocked(cl.userID, frame(devwork.EventPresenceJoined, gin.H{"userId": cl.userID}))
	}
	s.log.Debug().Str("user_id", cl.userID).Msg("client connected")
}

func (s *Server) unregister(cl *client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conns := s.clients[cl.userID]
	if _, ok := conns[cl]; !ok {
		return
	}
	delete(conns, cl)
	cl.closeSend()
	if len(conns) == 0 {
		delete(s.clients, cl.userID)
		s.broadcastLocked(cl.userID, frame(devwork.EventPresenceLeft, gin.H{"userId": cl.userID}))
	}
	s.log.Debug().Str("user_id", cl.userID).Msg("client disconnected")
}

// Shutdown drops every open connection.
func (s *Server) Shutdown() {
	s.mu.Lock()
	var all []*client
	for _, conns := range s.clients {
		for cl := range conns {
			all = append(all, cl)
		}
	}
	s.mu.Unlock()
	for _, cl := range all {
		cl.conn.Close()
	}
}

func (s *Server) onlineLocked() []string {
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// broadcastLocked sends data to every connection not owned by exceptUser.
func (s *Server) broadcastLocked(exceptUser string, data []byte) {
	for uid, conns := range s.clients {
		if uid == exceptUser {
			continue
		}
		for cl := range conns {
			s.deliverLocked(cl, data)
		}
	}
}

// deliverLocked queues data for cl, dropping the connection when its buffer
// is full.
func (s *Server) deliverLocked(cl *client, data []byte) {
	select {
	case cl.send <- data:
	default:
		s.log.Warn().Str("user_id", cl.userID).Msg("slow client, dropping connection")
		cl.conn.Close()
	}
}

// ============================================================================
// Commands
// ============================================================================

func (s *Server) handleCommand(cl *client, in inbound) {
	var p devwork.SendMessagePayload
	if len(in.Payload) > 0 {
		if err := json.Unmarshal(in.Payload, &p); err != nil {
			s.sendError(cl, "malformed payload")
			return
		}
	}
	if p.ConversationID == "" {
		s.sendError(cl, "conversationId is required")
		return
	}

	var err error
	switch in.Type {
	case devwork.CmdJoinConversation:
		err = s.join(cl, p.ConversationID)
	case devwork.CmdSendMessage:
		_, err = s.post(p.ConversationID, cl.userID, p.Content, p.ClientID)
	case devwork.CmdStartTyping:
		err = s.typing(cl, p.ConversationID, devwork.EventUserTyping)
	case devwork.CmdStopTyping:
		err = s.typing(cl, p.ConversationID, devwork.EventUserStoppedTyping)
	case devwork.CmdMarkRead:
		err = s.markRead(p.ConversationID, cl.userID)
	default:
		s.sendError(cl, "unknown command "+in.Type)
		return
	}
	if err != nil {
		s.sendError(cl, err.Error())
	}
}

func (s *Server) join(cl *client, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cv, ok := s.conversations[conversationID]
	if !ok {
		return ErrUnknownConversation
	}
	if !cv.has(cl.userID) {
		return ErrNotParticipant
	}
	cl.rooms[conversationID] = true
	return nil
}

func (s *Server) typing(cl *client, conversationID, typ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cv, ok := s.conversations[conversationID]
	if !ok {
		return ErrUnknownConversation
	}
	if !cv.has(cl.userID) {
		return ErrNotParticipant
	}
	ev := frame(typ, gin.H{"conversationId": conversationID, "userId": cl.userID})
	for uid, conns := range s.clients {
		if uid == cl.userID {
			continue
		}
		for other := range conns {
			if other.rooms[conversationID] {
				s.deliverLocked(other, ev)
			}
		}
	}
	return nil
}

func (s *Server) sendError(cl *client, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[cl.userID][cl]; ok {
		s.deliverLocked(cl, frame(devwork.EventError, gin.H{"message": message}))
	}
}

// ============================================================================
// Pumps
// ============================================================================

func (cl *client) closeSend() {
	cl.once.Do(func() { close(cl.send) })
}

func (cl *client) readPump() {
	defer func() {
		cl.srv.unregister(cl)
		cl.conn.Close()
	}()

	cl.conn.SetReadLimit(maxMessageSize)
	cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		cl.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				cl.srv.log.Debug().Err(err).Str("user_id", cl.userID).Msg("read error")
			}
			return
		}
		var in inbound
		if err := json.Unmarshal(data, &in); err != nil || in.Type == "" {
			cl.srv.sendError(cl, "malformed frame")
			continue
		}
		cl.srv.handleCommand(cl, in)
	}
}

func (cl *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()

	for {
		select {
		case data, ok := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cl.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
