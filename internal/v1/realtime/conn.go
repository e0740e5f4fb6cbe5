package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/woorichat/woorichat/internal/v1/logging"
	"github.com/woorichat/woorichat/internal/v1/metrics"
	"github.com/woorichat/woorichat/internal/v1/store"
)

// wsConn is the subset of *websocket.Conn the hub uses. Tests substitute
// mock connections.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 25 * time.Second
	pongWait   = 120 * time.Second
)

// Frame is the wire format of every event in both directions.
type Frame struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

func marshalFrame(name string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Name: name, Data: raw})
}

// Client is one live connection of one user. A user with several tabs holds
// several Clients.
type Client struct {
	hub  *Hub
	conn wsConn

	userID       int64
	sessionToken string

	// joined broadcast groups, guarded by hub.mu
	rooms map[int64]struct{}

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once

	send         chan []byte
	prioritySend chan []byte
}

func newClient(h *Hub, conn wsConn, user *store.User) *Client {
	return &Client{
		hub:          h,
		conn:         conn,
		userID:       user.ID,
		sessionToken: user.SessionToken,
		rooms:        make(map[int64]struct{}),
		send:         make(chan []byte, 64),
		prioritySend: make(chan []byte, 16),
	}
}

// Emit queues an event frame to this connection. Frames are dropped when the
// queue is full; the client reconciles over HTTP after reconnect.
func (c *Client) Emit(name string, data any) {
	frame, err := marshalFrame(name, data)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal outbound frame", zap.String("event", name), zap.Error(err))
		return
	}
	c.sendRaw(frame)
}

// EmitError delivers a user-visible error through the priority queue so it is
// not starved by a chat backlog.
func (c *Client) EmitError(message string) {
	frame, err := marshalFrame("error", map[string]string{"message": message})
	if err != nil {
		return
	}
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "Recovered from send on closed client", zap.Int64("userId", c.userID), zap.Any("panic", r))
		}
	}()

	select {
	case c.prioritySend <- frame:
	default:
		metrics.BroadcastDrops.Inc()
		logging.Error(context.Background(), "Client priority queue full, dropping error frame", zap.Int64("userId", c.userID))
	}
}

func (c *Client) sendRaw(frame []byte) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "Recovered from send on closed client", zap.Int64("userId", c.userID), zap.Any("panic", r))
		}
	}()

	select {
	case c.send <- frame:
	default:
		metrics.BroadcastDrops.Inc()
		logging.Warn(context.Background(), "Client send queue full, dropping frame", zap.Int64("userId", c.userID))
	}
}

// Disconnect closes the outbound queues once. The writePump drains, sends the
// close frame, and closes the socket.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.closeOnce.Do(func() {
		close(c.send)
		close(c.prioritySend)
	})
}

// readPump processes inbound frames in arrival order until the connection
// drops.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
		metrics.DecConnection()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			logging.Warn(context.Background(), "Failed to unmarshal inbound frame", zap.Int64("userId", c.userID), zap.Error(err))
			continue
		}

		c.hub.dispatch(context.Background(), c, frame)
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
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case message, ok := <-c.prioritySend:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case message, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		}
	}
}
