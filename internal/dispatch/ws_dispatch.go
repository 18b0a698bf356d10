package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/tracking"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512

	// sendQueue is how many messages a subscriber may lag behind before it
	// is dropped.
	sendQueue = 32
)

// WSSession is one subscriber connection to a ride. Only its write pump
// writes to the connection.
type WSSession struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func newWSSession(conn *websocket.Conn, queue int) *WSSession {
	return &WSSession{conn: conn, send: make(chan []byte, queue)}
}

// enqueue never blocks; false means the subscriber is full or gone.
func (s *WSSession) enqueue(b []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- b:
		return true
	default:
		return false
	}
}

func (s *WSSession) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

// writePump drains the queue and keeps the peer alive with pings. It owns
// the connection and closes it on exit.
func (s *WSSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type wsMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// WSRegistry holds websocket subscribers grouped by ride.
type WSRegistry struct {
	mu     sync.RWMutex
	rides  map[string]map[*WSSession]struct{}
	Logger *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	return &WSRegistry{rides: make(map[string]map[*WSSession]struct{}), Logger: logger}
}

func (r *WSRegistry) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Add registers conn for the ride and starts its write pump.
func (r *WSRegistry) Add(rideID string, conn *websocket.Conn) *WSSession {
	s := newWSSession(conn, sendQueue)
	r.register(rideID, s)
	go s.writePump()
	return s
}

func (r *WSRegistry) register(rideID string, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.rides[rideID]
	if !ok {
		subs = make(map[*WSSession]struct{})
		r.rides[rideID] = subs
	}
	subs[s] = struct{}{}
}

// Remove unregisters s and stops its write pump.
func (r *WSRegistry) Remove(rideID string, s *WSSession) {
	r.mu.Lock()
	if subs, ok := r.rides[rideID]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(r.rides, rideID)
		}
	}
	r.mu.Unlock()
	s.close()
}

func (r *WSRegistry) Subscribers(rideID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rides[rideID])
}

func (r *WSRegistry) send(rideID string, msg wsMessage) {
	r.mu.RLock()
	sessions := make([]*WSSession, 0, len(r.rides[rideID]))
	for s := range r.rides[rideID] {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()
	if len(sessions) == 0 {
		return
	}
	b, err := json.Marshal(msg)
	if err != nil {
		r.logger().Error("ws_encode_failed", "ride_id", rideID, "type", msg.Type, "error", err)
		return
	}
	for _, s := range sessions {
		if !s.enqueue(b) {
			r.logger().Debug("ws_subscriber_dropped", "ride_id", rideID)
			r.Remove(rideID, s)
		}
	}
}

// Broadcast pushes a tracking snapshot to the ride's subscribers.
func (r *WSRegistry) Broadcast(rideID string, snap tracking.Snapshot) {
	r.send(rideID, wsMessage{Type: "tracking", Data: snap})
}

// Publish forwards a lifecycle event to the ride's subscribers.
func (r *WSRegistry) Publish(ctx context.Context, ev Event) error {
	r.send(ev.RideID, wsMessage{Type: string(ev.Type), Data: ev})
	return nil
}

// Serve keeps a subscription open until the peer goes away. Incoming frames
// are read only to process control messages.
func (r *WSRegistry) Serve(rideID string, conn *websocket.Conn) {
	s := r.Add(rideID, conn)
	defer r.Remove(rideID, s)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger().Debug("ws_closed", "ride_id", rideID, "error", err)
			}
			return
		}
	}
}
