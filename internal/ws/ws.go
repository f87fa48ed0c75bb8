// Package ws serves live tracking subscriptions over WebSocket.
//
// Client frames:
//
//	{"action":"join","vehicleId":"V7"}
//	{"action":"leave","vehicleId":"V7"}
//	{"action":"join","deviceId":"D1"}
//
// Server frames:
//
//	{"type":"snapshot","data":{...}}
//	{"type":"error","error":"..."}
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"bus-tracker/internal/fleet"
	"bus-tracker/internal/hub"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096

	DefaultBuffer = 64
)

var (
	errClosed    = errors.New("connection closed")
	errQueueFull = errors.New("send queue full")
)

// Rooms is the hub as seen by a connection.
type Rooms interface {
	Join(ctx context.Context, sub hub.Subscriber, room string) error
	Leave(subID, room string)
	LeaveAll(subID string)
}

type request struct {
	Action    string `json:"action"`
	VehicleID string `json:"vehicleId,omitempty"`
	DeviceID  string `json:"deviceId,omitempty"`
}

type frame struct {
	Type  string          `json:"type"`
	Data  *fleet.Snapshot `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

type Server struct {
	rooms    Rooms
	buffer   int
	upgrader websocket.Upgrader
}

// NewServer returns an http.Handler that upgrades to WebSocket. An empty
// origin list accepts any origin.
func NewServer(rooms Rooms, buffer int, allowedOrigins []string) *Server {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &Server{rooms: rooms, buffer: buffer}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return s
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "err", err)
		return
	}
	c := &Client{
		id:    uuid.NewString(),
		conn:  conn,
		rooms: s.rooms,
		send:  make(chan []byte, s.buffer),
		done:  make(chan struct{}),
	}
	slog.Debug("websocket connected", "subscriber", c.id, "remote", r.RemoteAddr)
	go c.writePump()
	c.readPump(context.WithoutCancel(r.Context()))
}

// Client is one WebSocket connection. It implements hub.Subscriber.
type Client struct {
	id    string
	conn  *websocket.Conn
	rooms Rooms
	send  chan []byte

	once sync.Once
	done chan struct{}
}

func (c *Client) ID() string { return c.id }

// Send queues snap without blocking.
func (c *Client) Send(snap fleet.Snapshot) error {
	b, err := json.Marshal(frame{Type: "snapshot", Data: &snap})
	if err != nil {
		return err
	}
	return c.enqueue(b)
}

func (c *Client) sendError(msg string) {
	b, _ := json.Marshal(frame{Type: "error", Error: msg})
	if err := c.enqueue(b); err != nil {
		slog.Debug("error frame dropped", "subscriber", c.id, "err", err)
	}
}

func (c *Client) enqueue(b []byte) error {
	select {
	case <-c.done:
		return errClosed
	default:
	}
	select {
	case c.send <- b:
		return nil
	default:
		return errQueueFull
	}
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		c.rooms.LeaveAll(c.id)
		c.conn.Close()
		slog.Debug("websocket disconnected", "subscriber", c.id)
	})
}

func (c *Client) readPump(ctx context.Context) {
	defer c.close()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read error", "subscriber", c.id, "err", err)
			}
			return
		}
		c.handle(ctx, data)
	}
}

func (c *Client) handle(ctx context.Context, data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError("invalid message")
		return
	}
	var room string
	switch {
	case req.VehicleID != "" && req.DeviceID != "":
		c.sendError("specify vehicleId or deviceId, not both")
		return
	case req.VehicleID != "":
		room = hub.VehicleRoom(req.VehicleID)
	case req.DeviceID != "":
		room = hub.DeviceRoom(req.DeviceID)
	default:
		c.sendError("vehicleId or deviceId is required")
		return
	}
	switch req.Action {
	case "join":
		if err := c.rooms.Join(ctx, c, room); err != nil {
			c.sendError(err.Error())
		}
	case "leave":
		c.rooms.Leave(c.id, room)
	default:
		c.sendError("unknown action " + req.Action)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.done:
			return
		case b := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
