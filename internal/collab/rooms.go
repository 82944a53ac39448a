package collab

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"whyboard/api/internal/metrics"
)

// Session is one live websocket connection bound to a board room. Outbound
// events go through a buffered channel drained by the write pump; a session
// that cannot keep up is closed rather than allowed to block the room.
type Session struct {
	ID       string
	UserID   string
	UserName string
	TenantID string
	BoardKey string
	BoardID  string

	roomKey string
	conn    *websocket.Conn
	sendMu  sync.Mutex
	send    chan []byte
	closed  bool
}

func newSession(id string, conn *websocket.Conn, sendBuffer int) *Session {
	if sendBuffer <= 0 {
		sendBuffer = 32
	}
	return &Session{ID: id, conn: conn, send: make(chan []byte, sendBuffer)}
}

// RoomKey is tenantID:boardKey, set once the session has joined.
func (s *Session) RoomKey() string {
	return s.roomKey
}

func (s *Session) joined() bool {
	return s.roomKey != ""
}

// Emit queues one event for this session. Drops the connection instead of
// blocking when the outbound buffer is full.
func (s *Session) Emit(event string, data any) {
	payload, err := encodeEvent(event, data)
	if err != nil {
		slog.Error("encode event", "event", event, "err", err)
		return
	}
	s.enqueue(payload)
}

func (s *Session) enqueue(payload []byte) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.send <- payload:
	default:
		slog.Warn("session send buffer full, closing", "session", s.ID, "user", s.UserID)
		s.closeLocked()
	}
}

func (s *Session) close() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.closeLocked()
}

// closeLocked is called with sendMu held.
func (s *Session) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// writePump drains the outbound queue onto the wire. One per session.
func (s *Session) writePump() {
	for payload := range s.send {
		if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			_ = s.conn.Close()
			return
		}
	}
}

func encodeEvent(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// Rooms is the process-wide registry of live sessions per board. It is
// constructed once in main and injected wherever broadcasts happen; a
// server restart drops all rooms while persisted lock state survives.
type Rooms struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Session
}

func NewRooms() *Rooms {
	return &Rooms{rooms: make(map[string]map[string]*Session)}
}

// Join binds a session into the room for its board, creating the room
// lazily on first join.
func (r *Rooms) Join(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[s.roomKey]
	if !ok {
		room = make(map[string]*Session)
		r.rooms[s.roomKey] = room
	}
	room[s.ID] = s
	r.updateGauges()
}

// Leave removes a session; the room disappears with its last member.
func (r *Rooms) Leave(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[s.roomKey]
	if !ok {
		return
	}
	delete(room, s.ID)
	if len(room) == 0 {
		delete(r.rooms, s.roomKey)
	}
	r.updateGauges()
}

// Sessions returns the current members of a room.
func (r *Rooms) Sessions(roomKey string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Values(r.rooms[roomKey])
}

// Broadcast sends one event to every session in the room. The envelope is
// encoded once and fanned out.
func (r *Rooms) Broadcast(roomKey, event string, data any) {
	r.broadcast(roomKey, "", event, data)
}

// BroadcastExcept sends to every room member except the named session;
// used for node-updated so the originator gets its separate ack instead.
func (r *Rooms) BroadcastExcept(roomKey, exceptSessionID, event string, data any) {
	r.broadcast(roomKey, exceptSessionID, event, data)
}

func (r *Rooms) broadcast(roomKey, exceptSessionID, event string, data any) {
	payload, err := encodeEvent(event, data)
	if err != nil {
		slog.Error("encode broadcast", "event", event, "err", err)
		return
	}
	for _, s := range r.Sessions(roomKey) {
		if s.ID == exceptSessionID {
			continue
		}
		s.enqueue(payload)
	}
}

// updateGauges is called with r.mu held.
func (r *Rooms) updateGauges() {
	sessions := 0
	for _, room := range r.rooms {
		sessions += len(room)
	}
	metrics.RoomsActive.Set(float64(len(r.rooms)))
	metrics.SessionsActive.Set(float64(sessions))
}
