// Package httpapi implements the JSON API: authentication, rooms, messages,
// pins, polls, uploads, search, and profile management. Responses use the
// localized {error, code} envelope; realtime fan-out is delegated to the hub.
package httpapi

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/woorichat/woorichat/internal/v1/config"
	"github.com/woorichat/woorichat/internal/v1/crypt"
	"github.com/woorichat/woorichat/internal/v1/middleware"
	"github.com/woorichat/woorichat/internal/v1/oidc"
	"github.com/woorichat/woorichat/internal/v1/ratelimit"
	"github.com/woorichat/woorichat/internal/v1/state"
	"github.com/woorichat/woorichat/internal/v1/store"
	"github.com/woorichat/woorichat/internal/v1/uploads"
)

// Notifier pushes realtime events that originate from HTTP mutations. The
// realtime hub implements it; a nil Notifier skips fan-out.
type Notifier interface {
	BroadcastRoom(ctx context.Context, roomID int64, event string, payload any)
	BroadcastUser(ctx context.Context, userID int64, event string, payload any)
	InvalidateRooms(ctx context.Context, userID int64)
}

// ScanEnqueuer schedules antivirus scans for quarantined uploads. The upload
// scan queue implements it.
type ScanEnqueuer interface {
	Enabled() bool
	Enqueue(jobID string) bool
}

// Handlers carries the shared dependencies of every endpoint.
type Handlers struct {
	cfg      *config.Config
	store    *store.Store
	state    *state.Store
	tokens   *uploads.Tokens
	hasher   *crypt.Hasher
	hub      Notifier
	scans    ScanEnqueuer
	limiter  *ratelimit.RateLimiter
	provider *oidc.Provider
}

// New wires the handler set. hub, scans, limiter, and provider may be nil.
func New(cfg *config.Config, st *store.Store, stateStore *state.Store,
	tokens *uploads.Tokens, hasher *crypt.Hasher, hub Notifier,
	scans ScanEnqueuer, limiter *ratelimit.RateLimiter, provider *oidc.Provider) *Handlers {
	return &Handlers{
		cfg:      cfg,
		store:    st,
		state:    stateStore,
		tokens:   tokens,
		hasher:   hasher,
		hub:      hub,
		scans:    scans,
		limiter:  limiter,
		provider: provider,
	}
}

// Register installs every route on the engine. Session and CSRF gates wrap
// the authenticated group; the public endpoints stay outside it.
func (h *Handlers) Register(r *gin.Engine) {
	r.POST("/api/register", h.rate(ratelimit.EndpointRegister), h.registerUser)
	r.POST("/api/login", h.rate(ratelimit.EndpointLogin), h.login)
	r.POST("/api/logout", h.logout)
	r.GET("/api/me", h.me)
	r.GET("/api/config", h.publicConfig)
	r.GET("/api/auth/providers", h.authProviders)
	r.GET("/auth/oidc/login", h.oidcLogin)
	r.GET("/auth/oidc/callback", h.oidcCallback)

	api := r.Group("/api", middleware.Auth(h.store), middleware.CSRF())

	api.GET("/csrf", h.csrfToken)
	api.GET("/users", h.listUsers)
	api.GET("/users/online", h.listOnlineUsers)

	api.GET("/rooms", h.listRooms)
	api.POST("/rooms", h.createRoom)
	api.GET("/rooms/:id/messages", h.listMessages)
	api.GET("/rooms/:id/unread", h.roomUnread)
	api.GET("/rooms/:id/info", h.roomInfo)
	api.POST("/rooms/:id/members", h.inviteMembers)
	api.DELETE("/rooms/:id/members/:uid", h.kickMember)
	api.POST("/rooms/:id/leave", h.leaveRoom)
	api.PUT("/rooms/:id/name", h.renameRoom)
	api.POST("/rooms/:id/pin-room", h.pinRoom)
	// Older clients post to /pin.
	api.POST("/rooms/:id/pin", h.pinRoom)
	api.POST("/rooms/:id/mute", h.muteRoom)
	api.GET("/rooms/:id/pins", h.listPins)
	api.POST("/rooms/:id/pins", h.createPin)
	api.DELETE("/rooms/:id/pins/:pinID", h.deletePin)
	api.GET("/rooms/:id/polls", h.listPolls)
	api.POST("/rooms/:id/polls", h.createPoll)
	api.GET("/rooms/:id/files", h.listFiles)
	api.DELETE("/rooms/:id/files/:fileID", h.deleteFile)
	api.GET("/rooms/:id/admins", h.listAdmins)
	api.POST("/rooms/:id/admins", h.setAdmin)
	api.GET("/rooms/:id/admin-check", h.adminCheck)
	api.GET("/rooms/:id/admin-audit-logs", h.adminAuditLogs)

	api.POST("/polls/:id/vote", h.votePoll)
	api.POST("/polls/:id/close", h.closePoll)

	api.GET("/messages/:id", h.getMessage)
	api.PUT("/messages/:id", h.editMessage)
	api.DELETE("/messages/:id", h.deleteMessage)
	api.GET("/messages/:id/reactions", h.listReactions)
	api.POST("/messages/:id/reactions", h.toggleReaction)

	api.GET("/search", h.rate(ratelimit.EndpointAdvancedSearch), h.search)
	api.POST("/search/advanced", h.rate(ratelimit.EndpointAdvancedSearch), h.advancedSearch)

	api.POST("/upload", h.rate(ratelimit.EndpointUpload), h.upload)
	api.GET("/upload/jobs/:jobID", h.uploadJob)

	api.GET("/me/profile", h.getProfile)
	api.PUT("/me/profile", h.updateProfile)
	api.POST("/me/profile/image", h.setProfileImage)
	api.DELETE("/me/profile/image", h.deleteProfileImage)
	api.PUT("/me/password", h.changePassword)
	api.DELETE("/me", h.deleteAccount)

	r.GET("/uploads/*filepath", middleware.Auth(h.store), h.download)
}

// rate returns the limiter middleware for an endpoint, or a pass-through when
// no limiter is wired (tests).
func (h *Handlers) rate(endpoint string) gin.HandlerFunc {
	if h.limiter == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return h.limiter.Middleware(endpoint)
}
