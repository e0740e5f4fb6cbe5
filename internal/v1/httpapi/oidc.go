package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/woorichat/woorichat/internal/v1/logging"
	"github.com/woorichat/woorichat/internal/v1/middleware"
	"github.com/woorichat/woorichat/internal/v1/oidc"
)

// oidcStateTTL bounds the window between the authorize redirect and the
// callback.
const oidcStateTTL = 10 * time.Minute

const oidcStateKeyPrefix = "oidc:state:"

type oidcState struct {
	Nonce string `json:"nonce"`
}

func (h *Handlers) oidcProviderName() string {
	if name := h.provider.ProviderName(); name != "" {
		return name
	}
	return "oidc"
}

func (h *Handlers) oidcLogin(c *gin.Context) {
	if h.provider == nil {
		c.Redirect(http.StatusFound, "/")
		return
	}

	state, err := oidc.RandomToken()
	if err != nil {
		c.Redirect(http.StatusFound, "/")
		return
	}
	nonce, err := oidc.RandomToken()
	if err != nil {
		c.Redirect(http.StatusFound, "/")
		return
	}

	ctx := c.Request.Context()
	if err := h.state.SetJSON(ctx, oidcStateKeyPrefix+state, oidcState{Nonce: nonce}, oidcStateTTL); err != nil {
		logging.Error(ctx, "Failed to stash OIDC state", zap.Error(err))
		c.Redirect(http.StatusFound, "/")
		return
	}
	c.Redirect(http.StatusFound, h.provider.AuthCodeURL(state, nonce))
}

// oidcCallback completes the code exchange and establishes a session exactly
// like a password login. Every failure redirects home; the detail is logged,
// never shown.
func (h *Handlers) oidcCallback(c *gin.Context) {
	if h.provider == nil {
		c.Redirect(http.StatusFound, "/")
		return
	}
	ctx := c.Request.Context()

	code := c.Query("code")
	state := c.Query("state")
	if code == "" || state == "" {
		c.Redirect(http.StatusFound, "/")
		return
	}

	// The stored state is single-use; a replayed callback finds nothing.
	var saved oidcState
	if !h.state.GetDelJSON(ctx, oidcStateKeyPrefix+state, &saved) {
		logging.Warn(ctx, "OIDC callback with unknown state")
		c.Redirect(http.StatusFound, "/")
		return
	}

	tok, err := h.provider.Exchange(ctx, code)
	if err != nil {
		logging.Error(ctx, "OIDC code exchange failed", zap.Error(err))
		c.Redirect(http.StatusFound, "/")
		return
	}
	claims, err := h.provider.Identity(ctx, tok, saved.Nonce)
	if err != nil {
		logging.Error(ctx, "OIDC identity verification failed", zap.Error(err))
		c.Redirect(http.StatusFound, "/")
		return
	}

	username := claims.PreferredUsername
	if username == "" {
		username = claims.Subject
	}
	nickname := claims.Nickname
	if nickname == "" {
		nickname = username
	}

	// SSO accounts get an unguessable local password; password login stays
	// possible only after an explicit reset.
	user, err := h.store.ProvisionSSOUser(ctx, h.oidcProviderName(), claims.Subject,
		username, nickname, h.hasher.HashPassword(randomToken()))
	if err != nil {
		logging.Error(ctx, "OIDC user provisioning failed", zap.Error(err))
		c.Redirect(http.StatusFound, "/")
		return
	}

	token := randomToken()
	if err := h.store.SetSessionToken(ctx, user.ID, token); err != nil {
		logging.Error(ctx, "Failed to rotate session token after OIDC login", zap.Error(err))
		c.Redirect(http.StatusFound, "/")
		return
	}

	sess := sessions.Default(c)
	sess.Clear()
	sess.Set(middleware.SessionUserID, user.ID)
	sess.Set(middleware.SessionToken, token)
	if err := sess.Save(); err != nil {
		logging.Error(ctx, "Failed to save session after OIDC login", zap.Error(err))
		c.Redirect(http.StatusFound, "/")
		return
	}
	middleware.EnsureCSRFToken(c)

	ip, ua := clientMeta(c)
	if err := h.store.LogAccess(ctx, user.ID, "oidc_login", ip, ua); err != nil {
		logging.Warn(ctx, "Failed to write access log", zap.Error(err))
	}
	logging.Info(ctx, "OIDC login complete", logging.UserID(user.ID))
	c.Redirect(http.StatusFound, "/")
}
