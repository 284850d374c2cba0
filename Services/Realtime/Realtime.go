package realtime

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendQueueSize  = 64
)

// Frame is the JSON envelope exchanged over every socket.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Publisher fans a room payload out to every instance, this one included.
type Publisher interface {
	Publish(room string, payload []byte) error
}

// Hub tracks sockets per room. A room is a profile id; one profile may hold several sockets.
type Hub struct {
	mu        sync.RWMutex
	rooms     map[string]map[*Client]struct{}
	publisher Publisher
	upgrader  websocket.Upgrader
}

var Default = NewHub()

func NewHub() *Hub {
	return &Hub{
		rooms: make(map[string]map[*Client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// SetPublisher routes Emit through p instead of delivering in-process.
func (h *Hub) SetPublisher(p Publisher) {
	h.mu.Lock()
	h.publisher = p
	h.mu.Unlock()
}

// Client is one websocket connection.
type Client struct {
	ProfileID string

	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

// Upgrade turns the request into a socket owned by profileID. The caller then runs Serve.
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request, profileID string) (*Client, error) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Client{
		ProfileID: profileID,
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, sendQueueSize),
		done:      make(chan struct{}),
	}, nil
}

// Serve runs the writer in the background and reads frames until the socket closes.
func (c *Client) Serve(handle func(c *Client, frame Frame)) {
	go c.writePump()
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("Client.Serve: read error for %s: %v", c.ProfileID, err)
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Event == "" {
			c.SendError("invalid frame")
			continue
		}
		handle(c, frame)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Close leaves every room and stops the writer. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.hub.leaveAll(c)
		close(c.done)
	})
}

// enqueue never blocks. A client whose queue is full is disconnected.
func (c *Client) enqueue(payload []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- payload:
	default:
		log.Printf("Client.enqueue: send queue full for %s, dropping socket", c.ProfileID)
		go c.Close()
	}
}

// Send writes one event to this socket only.
func (c *Client) Send(event string, data interface{}) {
	payload, err := Encode(event, data)
	if err != nil {
		log.Printf("Client.Send: failed to encode %s: %v", event, err)
		return
	}
	c.enqueue(payload)
}

func (c *Client) SendError(message string) {
	c.Send("error", map[string]string{"message": message})
}

// Encode builds the wire form of a frame.
func Encode(event string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

// Join adds the client to room.
func (h *Hub) Join(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
}

func (h *Hub) leaveAll(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room, members := range h.rooms {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// RoomSize returns the number of sockets in room on this instance.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Emit sends an event to every socket of room, across instances when a publisher is set.
func (h *Hub) Emit(room, event string, data interface{}) {
	payload, err := Encode(event, data)
	if err != nil {
		log.Printf("Hub.Emit: %v", err)
		return
	}

	h.mu.RLock()
	publisher := h.publisher
	h.mu.RUnlock()

	if publisher != nil {
		err := publisher.Publish(room, payload)
		if err == nil {
			return
		}
		log.Printf("Hub.Emit: publish to %s failed, delivering locally: %v", room, err)
	}
	h.DeliverLocal(room, payload)
}

// DeliverLocal queues payload on this instance's sockets in room.
func (h *Hub) DeliverLocal(room string, payload []byte) {
	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	for _, c := range members {
		c.enqueue(payload)
	}
}
