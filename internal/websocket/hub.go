package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	TypeSnapshot = "snapshot"

	// DefaultChannel is the room staff devices of a restaurant share.
	DefaultChannel = "staff"

	maxMessageSize = 1 << 20
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	writeWait      = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Devices connect from native shells and arbitrary dev origins
		return true
	},
}

type Message struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp,omitempty"`
	Source    string          `json:"source,omitempty"`
}

type room struct {
	restaurantID string
	channel      string
}

type subscriber struct {
	conn   *websocket.Conn
	send   chan Message
	room   room
	hub    *Hub
	logger *logrus.Logger
}

type delivery struct {
	message Message
	// target is a single room, or every room of restaurantID when nil
	target       *room
	restaurantID string
	from         *subscriber
	// clock gates snapshot relays; zero means ungated
	clock int64
}

// Hub relays device snapshots between the devices of one room and pushes
// service-side nudges to every room of a restaurant.
type Hub struct {
	rooms      map[room]map[*subscriber]bool
	highWater  map[room]int64
	deliveries chan delivery
	register   chan *subscriber
	unregister chan *subscriber
	done       chan struct{}
	mutex      sync.RWMutex
	logger     *logrus.Logger
}

func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		rooms:      make(map[room]map[*subscriber]bool),
		highWater:  make(map[room]int64),
		deliveries: make(chan delivery, 256),
		register:   make(chan *subscriber),
		unregister: make(chan *subscriber),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case s := <-h.register:
			h.mutex.Lock()
			members, ok := h.rooms[s.room]
			if !ok {
				members = make(map[*subscriber]bool)
				h.rooms[s.room] = members
			}
			members[s] = true
			count := len(members)
			h.mutex.Unlock()
			h.logger.WithFields(logrus.Fields{
				"restaurant_id": s.room.restaurantID,
				"channel":       s.room.channel,
				"client_count":  count,
			}).Info("Client connected")

		case s := <-h.unregister:
			h.mutex.Lock()
			h.remove(s)
			h.mutex.Unlock()
			h.logger.WithField("restaurant_id", s.room.restaurantID).Info("Client disconnected")

		case d := <-h.deliveries:
			h.deliver(d)
		}
	}
}

func (h *Hub) deliver(d delivery) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if d.target != nil && d.clock > 0 {
		if d.clock <= h.highWater[*d.target] {
			h.logger.WithFields(logrus.Fields{
				"restaurant_id": d.target.restaurantID,
				"updated_at":    d.clock,
				"high_water":    h.highWater[*d.target],
			}).Debug("Dropping stale snapshot")
			return
		}
		h.highWater[*d.target] = d.clock
	}

	for r, members := range h.rooms {
		if d.target != nil && r != *d.target {
			continue
		}
		if d.target == nil && r.restaurantID != d.restaurantID {
			continue
		}
		for s := range members {
			if s == d.from {
				continue
			}
			select {
			case s.send <- d.message:
			default:
				h.remove(s)
			}
		}
	}
}

// remove must be called with the lock held.
func (h *Hub) remove(s *subscriber) {
	members, ok := h.rooms[s.room]
	if !ok || !members[s] {
		return
	}
	delete(members, s)
	close(s.send)
	if len(members) == 0 {
		delete(h.rooms, s.room)
		delete(h.highWater, s.room)
	}
}

func (h *Hub) closeAll() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for _, members := range h.rooms {
		for s := range members {
			h.remove(s)
		}
	}
}

// BroadcastRestaurant sends a message to every room of a restaurant.
func (h *Hub) BroadcastRestaurant(restaurantID, messageType string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal broadcast payload")
		return
	}
	h.enqueue(delivery{
		message: Message{
			Type:      messageType,
			Data:      payload,
			Timestamp: time.Now().Format(time.RFC3339),
			Source:    "notice-service",
		},
		restaurantID: restaurantID,
	})
}

func (h *Hub) enqueue(d delivery) {
	select {
	case h.deliveries <- d:
	default:
		h.logger.Warn("Broadcast channel full, dropping message")
	}
}

// relay forwards a device message to the rest of its room. Snapshots not
// newer than the last one relayed in that room are dropped.
func (h *Hub) relay(from *subscriber, msg Message) {
	if msg.Type != TypeSnapshot {
		h.logger.WithField("type", msg.Type).Debug("Ignoring device message")
		return
	}
	var clock struct {
		UpdatedAt int64 `json:"updated_at"`
	}
	if err := json.Unmarshal(msg.Data, &clock); err != nil || clock.UpdatedAt <= 0 {
		h.logger.WithError(err).Warn("Ignoring snapshot without clock")
		return
	}
	h.enqueue(delivery{message: msg, target: &from.room, from: from, clock: clock.UpdatedAt})
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	restaurantID := r.URL.Query().Get("restaurant_id")
	if restaurantID == "" {
		http.Error(w, "restaurant_id is required", http.StatusBadRequest)
		return
	}
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		channel = DefaultChannel
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}

	s := &subscriber{
		conn:   conn,
		send:   make(chan Message, 256),
		room:   room{restaurantID: restaurantID, channel: channel},
		hub:    h,
		logger: h.logger,
	}
	select {
	case h.register <- s:
	case <-h.done:
		conn.Close()
		return
	}

	go s.writePump()
	go s.readPump()
}

func (s *subscriber) readPump() {
	defer func() {
		select {
		case s.hub.unregister <- s:
		case <-s.hub.done:
		}
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg Message
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.WithError(err).Error("WebSocket error")
			}
			return
		}
		s.hub.relay(s, msg)
	}
}

func (s *subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	n := 0
	for _, members := range h.rooms {
		n += len(members)
	}
	return n
}
