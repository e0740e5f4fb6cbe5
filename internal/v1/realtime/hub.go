// Package realtime implements the websocket engine: connection tracking,
// room broadcast groups, presence coalescing across a user's sessions, and
// the inbound event handlers.
package realtime

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/woorichat/woorichat/internal/v1/bus"
	"github.com/woorichat/woorichat/internal/v1/config"
	"github.com/woorichat/woorichat/internal/v1/logging"
	"github.com/woorichat/woorichat/internal/v1/metrics"
	"github.com/woorichat/woorichat/internal/v1/middleware"
	"github.com/woorichat/woorichat/internal/v1/ratelimit"
	"github.com/woorichat/woorichat/internal/v1/state"
	"github.com/woorichat/woorichat/internal/v1/store"
	"github.com/woorichat/woorichat/internal/v1/uploads"
)

const (
	roomsCacheTTL  = 5 * time.Minute
	typingInterval = time.Second
	typingTableMax = 1000
	typingEntryTTL = 5 * time.Minute
	quotaWindow    = time.Minute
)

type typingKey struct {
	userID int64
	roomID int64
}

// Hub is the central coordinator for all live connections on this instance.
type Hub struct {
	store   *store.Store
	state   *state.Store
	tokens  *uploads.Tokens
	bus     *bus.Service
	limiter *ratelimit.RateLimiter
	cfg     *config.Config

	upgrader websocket.Upgrader

	mu        sync.Mutex
	clients   map[*Client]struct{}
	userConns map[int64]map[*Client]struct{}
	rooms     map[int64]map[*Client]struct{}

	typingMu   sync.Mutex
	typingLast map[typingKey]time.Time
}

// NewHub wires the hub to its dependencies. bus may be nil in single-instance
// mode.
func NewHub(cfg *config.Config, st *store.Store, stateStore *state.Store, tokens *uploads.Tokens, busService *bus.Service, limiter *ratelimit.RateLimiter) *Hub {
	h := &Hub{
		store:      st,
		state:      stateStore,
		tokens:     tokens,
		bus:        busService,
		limiter:    limiter,
		cfg:        cfg,
		clients:    make(map[*Client]struct{}),
		userConns:  make(map[int64]map[*Client]struct{}),
		rooms:      make(map[int64]map[*Client]struct{}),
		typingLast: make(map[typingKey]time.Time),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r.Header.Get("Origin"), cfg.AllowedOrigins)
		},
	}
	return h
}

// originAllowed accepts requests without an Origin header (non-browser
// clients) and browser requests from the configured origins.
func originAllowed(origin string, allowed []string) bool {
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	for _, a := range allowed {
		if strings.TrimRight(a, "/") == origin {
			return true
		}
	}
	return false
}

// ServeWs upgrades an authenticated request to a websocket connection. The
// route must sit behind the session Auth middleware.
func (h *Hub) ServeWs(c *gin.Context) {
	ctx := c.Request.Context()

	if !h.limiter.CheckWebSocketIP(ctx, c.ClientIP()) {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error": "요청이 너무 많습니다. 잠시 후 다시 시도해주세요.",
			"code":  "RATE_LIMITED",
		})
		return
	}

	user := middleware.User(c)
	if user == nil || user.SessionToken == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "로그인이 필요합니다.", "code": "AUTH_REQUIRED"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(ctx, "WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(h, conn, user)
	h.register(context.Background(), client)

	go client.writePump()
	go client.readPump()
}

// register records the connection, joins the user's rooms, and announces the
// offline-to-online transition when this is the user's first live session
// anywhere.
func (h *Hub) register(ctx context.Context, c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	if h.userConns[c.userID] == nil {
		h.userConns[c.userID] = make(map[*Client]struct{})
	}
	h.userConns[c.userID][c] = struct{}{}
	h.mu.Unlock()

	metrics.IncConnection()

	roomIDs := h.roomIDs(ctx, c.userID)
	for _, roomID := range roomIDs {
		h.joinLocal(c, roomID)
	}

	cameOnline := h.state.Incr(ctx, presenceKey(c.userID), 0) == 1
	if cameOnline {
		if err := h.store.UpdateStatus(ctx, c.userID, "online"); err != nil {
			logging.Error(ctx, "Failed to mark user online", zap.Int64("userId", c.userID), zap.Error(err))
		}
		h.broadcastStatus(ctx, c.userID, "online", roomIDs)
	}

	logging.Info(ctx, "WebSocket connected", zap.Int64("userId", c.userID), zap.Bool("cameOnline", cameOnline))
}

// unregister drops the connection and announces the online-to-offline
// transition when the user's last session anywhere is gone.
func (h *Hub) unregister(c *Client) {
	ctx := context.Background()

	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	if set := h.userConns[c.userID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.userConns, c.userID)
		}
	}
	var roomIDs []int64
	for roomID := range c.rooms {
		roomIDs = append(roomIDs, roomID)
		if set := h.rooms[roomID]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(h.rooms, roomID)
			}
		}
	}
	metrics.SubscribedRooms.Set(float64(len(h.rooms)))
	h.mu.Unlock()

	c.Disconnect()

	wentOffline := h.state.Decr(ctx, presenceKey(c.userID)) == 0
	if wentOffline {
		if err := h.store.UpdateStatus(ctx, c.userID, "offline"); err != nil {
			logging.Error(ctx, "Failed to mark user offline", zap.Int64("userId", c.userID), zap.Error(err))
		}
		h.broadcastStatus(ctx, c.userID, "offline", roomIDs)
		h.clearTyping(c.userID)
	}

	logging.Info(ctx, "WebSocket disconnected", zap.Int64("userId", c.userID), zap.Bool("wentOffline", wentOffline))
}

func presenceKey(userID int64) string {
	return fmt.Sprintf("presence:user:%d", userID)
}

func roomsCacheKey(userID int64) string {
	return fmt.Sprintf("user_rooms:%d", userID)
}

// roomIDs returns the user's room ids through the short-lived cache.
func (h *Hub) roomIDs(ctx context.Context, userID int64) []int64 {
	var cached []int64
	if h.state.GetJSON(ctx, roomsCacheKey(userID), &cached) {
		return cached
	}

	ids, err := h.store.UserRoomIDs(ctx, userID)
	if err != nil {
		logging.Error(ctx, "Failed to load user rooms", zap.Int64("userId", userID), zap.Error(err))
		return nil
	}
	if err := h.state.SetJSON(ctx, roomsCacheKey(userID), ids, roomsCacheTTL); err != nil {
		logging.Warn(ctx, "Failed to cache user rooms", zap.Error(err))
	}
	return ids
}

// InvalidateRooms drops the user's cached room list. Called on every
// membership change (create, invite, leave, kick).
func (h *Hub) InvalidateRooms(ctx context.Context, userID int64) {
	h.state.Delete(ctx, roomsCacheKey(userID))
}

// memberOf checks membership through the cache with a store fallback for
// lists that went stale right after an invite.
func (h *Hub) memberOf(ctx context.Context, userID, roomID int64) bool {
	for _, id := range h.roomIDs(ctx, userID) {
		if id == roomID {
			return true
		}
	}
	ok, err := h.store.IsMember(ctx, roomID, userID)
	if err != nil {
		logging.Error(ctx, "Membership check failed", zap.Int64("roomId", roomID), zap.Error(err))
		return false
	}
	if ok {
		h.InvalidateRooms(ctx, userID)
	}
	return ok
}

func (h *Hub) joinLocal(c *Client, roomID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*Client]struct{})
	}
	h.rooms[roomID][c] = struct{}{}
	c.rooms[roomID] = struct{}{}
	metrics.SubscribedRooms.Set(float64(len(h.rooms)))
}

func (h *Hub) leaveLocal(c *Client, roomID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(c.rooms, roomID)
	if set := h.rooms[roomID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.rooms, roomID)
		}
	}
	metrics.SubscribedRooms.Set(float64(len(h.rooms)))
}

// roomClients snapshots the subscribers of a room.
func (h *Hub) roomClients(roomID int64) []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.rooms[roomID]
	out := make([]*Client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

func (h *Hub) userClients(userID int64) []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.userConns[userID]
	out := make([]*Client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// BroadcastRoom fans an event out to the room's local subscribers and
// forwards it to other instances over the bus.
func (h *Hub) BroadcastRoom(ctx context.Context, roomID int64, event string, payload any) {
	h.broadcastRoomLocal(roomID, event, payload, 0)
	if err := h.bus.Publish(ctx, roomID, event, payload); err != nil {
		logging.Warn(ctx, "Bus publish failed", zap.String("event", event), zap.Error(err))
	}
}

// broadcastRoomLocal delivers to local subscribers only, optionally skipping
// one user's connections.
func (h *Hub) broadcastRoomLocal(roomID int64, event string, payload any, exceptUserID int64) {
	frame, err := marshalFrame(event, payload)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal broadcast", zap.String("event", event), zap.Error(err))
		return
	}
	for _, c := range h.roomClients(roomID) {
		if exceptUserID != 0 && c.userID == exceptUserID {
			continue
		}
		c.sendRaw(frame)
	}
}

// BroadcastUser targets every session of one user, on this and other
// instances.
func (h *Hub) BroadcastUser(ctx context.Context, userID int64, event string, payload any) {
	h.broadcastUserLocal(userID, event, payload)
	if err := h.bus.PublishDirect(ctx, userID, event, payload); err != nil {
		logging.Warn(ctx, "Bus publish failed", zap.String("event", event), zap.Error(err))
	}
}

func (h *Hub) broadcastUserLocal(userID int64, event string, payload any) {
	frame, err := marshalFrame(event, payload)
	if err != nil {
		return
	}
	for _, c := range h.userClients(userID) {
		c.sendRaw(frame)
	}
}

// broadcastAllLocal reaches every connection on this instance.
func (h *Hub) broadcastAllLocal(event string, payload any, exceptUserID int64) {
	frame, err := marshalFrame(event, payload)
	if err != nil {
		return
	}
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if exceptUserID != 0 && c.userID == exceptUserID {
			continue
		}
		c.sendRaw(frame)
	}
}

// broadcastStatus announces a presence transition to every room the user
// belongs to.
func (h *Hub) broadcastStatus(ctx context.Context, userID int64, status string, roomIDs []int64) {
	payload := gin.H{"user_id": userID, "status": status}
	for _, roomID := range roomIDs {
		h.BroadcastRoom(ctx, roomID, "user_status", payload)
	}
}

// HandleBusEvent re-injects a frame that originated on another instance into
// the local fan-out. It never republishes.
func (h *Hub) HandleBusEvent(env bus.Envelope) {
	frame, err := marshalFrame(env.Event, env.Payload)
	if err != nil {
		return
	}
	switch {
	case env.UserID != 0:
		for _, c := range h.userClients(env.UserID) {
			c.sendRaw(frame)
		}
	case env.RoomID != 0:
		for _, c := range h.roomClients(env.RoomID) {
			c.sendRaw(frame)
		}
	default:
		h.mu.Lock()
		clients := make([]*Client, 0, len(h.clients))
		for c := range h.clients {
			clients = append(clients, c)
		}
		h.mu.Unlock()
		for _, c := range clients {
			c.sendRaw(frame)
		}
	}
}

// typingAllowed enforces one user_typing emit per user and room per second
// and garbage-collects the rate table.
func (h *Hub) typingAllowed(userID, roomID int64) bool {
	now := time.Now()
	h.typingMu.Lock()
	defer h.typingMu.Unlock()

	key := typingKey{userID: userID, roomID: roomID}
	if last, ok := h.typingLast[key]; ok && now.Sub(last) < typingInterval {
		return false
	}
	h.typingLast[key] = now

	if len(h.typingLast) > typingTableMax {
		for k, v := range h.typingLast {
			if now.Sub(v) > typingEntryTTL {
				delete(h.typingLast, k)
			}
		}
	}
	return true
}

func (h *Hub) clearTyping(userID int64) {
	h.typingMu.Lock()
	defer h.typingMu.Unlock()
	for k := range h.typingLast {
		if k.userID == userID {
			delete(h.typingLast, k)
		}
	}
}

// removeUploadFile deletes an orphaned upload from disk, confined to the
// uploads root.
func (h *Hub) removeUploadFile(rel string) {
	if rel == "" {
		return
	}
	root, err := filepath.Abs(h.cfg.UploadDir)
	if err != nil {
		return
	}
	abs := filepath.Clean(filepath.Join(root, rel))
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		logging.Warn(context.Background(), "Refusing to delete file outside uploads root", zap.String("path", rel))
		return
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		logging.Warn(context.Background(), "Failed to delete upload file", zap.String("path", rel), zap.Error(err))
	}
}

// Shutdown closes every live connection.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.Disconnect()
	}
	logging.Info(ctx, "Hub shut down", zap.Int("connections", len(clients)))
}
