package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jogardn/allergy-notices/internal/events"
	"github.com/jogardn/allergy-notices/pkg/models"
	"github.com/sirupsen/logrus"
)

var ErrNotConnected = errors.New("websocket not connected")

// Handlers receive what other devices and the service push to this one.
type Handlers struct {
	// OnSnapshot returns whether the snapshot was accepted.
	OnSnapshot      func(s models.Snapshot) bool
	OnNoticeUpdated func(event events.NoticeUpdatedEvent)
}

type ClientConfig struct {
	URL          string
	RestaurantID string
	Channel      string
	MaxBackoff   time.Duration
}

// Client is a device's connection to the hub. It reconnects until its
// context ends; publishing while disconnected fails fast and the next poll
// catches the peers up.
type Client struct {
	config ClientConfig
	dialer *websocket.Dialer
	logger *logrus.Logger

	mutex sync.Mutex
	conn  *websocket.Conn
}

func NewClient(config ClientConfig, logger *logrus.Logger) *Client {
	if config.Channel == "" {
		config.Channel = DefaultChannel
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}
	return &Client{
		config: config,
		dialer: websocket.DefaultDialer,
		logger: logger,
	}
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("restaurant_id", c.config.RestaurantID)
	q.Set("channel", c.config.Channel)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run connects and reads until ctx is cancelled, redialing with backoff.
func (c *Client) Run(ctx context.Context, handlers Handlers) {
	backoff := time.Second
	for {
		err := c.session(ctx, handlers)
		if ctx.Err() != nil {
			return
		}
		c.logger.WithError(err).WithField("retry_in", backoff.String()).Warn("WebSocket connection lost")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.config.MaxBackoff {
			backoff = c.config.MaxBackoff
		}
	}
}

func (c *Client) session(ctx context.Context, handlers Handlers) error {
	endpoint, err := c.endpoint()
	if err != nil {
		return err
	}
	conn, _, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return err
	}
	conn.SetReadLimit(maxMessageSize)

	c.mutex.Lock()
	c.conn = conn
	c.mutex.Unlock()
	c.logger.WithFields(logrus.Fields{
		"restaurant_id": c.config.RestaurantID,
		"channel":       c.config.Channel,
	}).Info("WebSocket connected")

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		stop()
		c.mutex.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mutex.Unlock()
		conn.Close()
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		c.dispatch(msg, handlers)
	}
}

func (c *Client) dispatch(msg Message, handlers Handlers) {
	switch msg.Type {
	case TypeSnapshot:
		var s models.Snapshot
		if err := json.Unmarshal(msg.Data, &s); err != nil {
			c.logger.WithError(err).Warn("Failed to decode pushed snapshot")
			return
		}
		if handlers.OnSnapshot != nil {
			handlers.OnSnapshot(s)
		}
	case events.TypeNoticeUpdated:
		var event events.NoticeUpdatedEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			c.logger.WithError(err).Warn("Failed to decode notice update")
			return
		}
		if handlers.OnNoticeUpdated != nil {
			handlers.OnNoticeUpdated(event)
		}
	default:
		c.logger.WithField("type", msg.Type).Debug("Ignoring unknown message")
	}
}

// PublishSnapshot sends this device's snapshot to the rest of its room.
func (c *Client) PublishSnapshot(s models.Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(Message{Type: TypeSnapshot, Data: data})
}

func (c *Client) Connected() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.conn != nil
}
