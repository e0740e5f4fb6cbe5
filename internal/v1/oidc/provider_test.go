package oidc

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/woorichat/woorichat/internal/v1/config"
)

// fakeIdP serves a discovery document, a JWKS and a token endpoint, and can
// mint signed ID tokens for its own issuer.
type fakeIdP struct {
	server  *httptest.Server
	privKey jwk.Key
	pubSet  jwk.Set

	tokenResponse map[string]any
	lastTokenForm url.Values
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()

	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	priv, err := jwk.FromRaw(raw)
	require.NoError(t, err)
	require.NoError(t, priv.Set(jwk.KeyIDKey, "test-key"))
	require.NoError(t, priv.Set(jwk.AlgorithmKey, jwa.RS256))

	pub, err := priv.PublicKey()
	require.NoError(t, err)
	pubSet := jwk.NewSet()
	require.NoError(t, pubSet.AddKey(pub))

	idp := &fakeIdP{privKey: priv, pubSet: pubSet}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"issuer":                 idp.server.URL,
			"authorization_endpoint": idp.server.URL + "/authorize",
			"token_endpoint":         idp.server.URL + "/token",
			"userinfo_endpoint":      idp.server.URL + "/userinfo",
			"jwks_uri":               idp.server.URL + "/jwks",
		})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(idp.pubSet)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		idp.lastTokenForm = r.PostForm
		_ = json.NewEncoder(w).Encode(idp.tokenResponse)
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at-123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"sub":                "sso-77",
			"preferred_username": "minsu",
			"email":              "minsu@corp.example",
		})
	})

	idp.server = httptest.NewServer(mux)
	t.Cleanup(idp.server.Close)
	return idp
}

func (f *fakeIdP) config() *config.Config {
	return &config.Config{
		FeatureOIDCEnabled:   true,
		OIDCIssuerURL:        f.server.URL,
		OIDCClientID:         "woorichat",
		OIDCClientSecret:     "secret",
		OIDCScope:            "openid profile email",
		OIDCRedirectURI:      "http://chat.internal/api/auth/oidc/callback",
		OIDCJWKSCacheSeconds: 300,
		OIDCProviderName:     "사내 SSO",
	}
}

func (f *fakeIdP) signIDToken(t *testing.T, audience, nonce string, extra map[string]any) string {
	t.Helper()

	b := jwt.NewBuilder().
		Issuer(f.server.URL).
		Audience([]string{audience}).
		Subject("sso-42").
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(5 * time.Minute))
	if nonce != "" {
		b = b.Claim("nonce", nonce)
	}
	for k, v := range extra {
		b = b.Claim(k, v)
	}
	tok, err := b.Build()
	require.NoError(t, err)

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, f.privKey))
	require.NoError(t, err)
	return string(signed)
}

func TestEnabled(t *testing.T) {
	assert.False(t, Enabled(&config.Config{}))
	assert.False(t, Enabled(&config.Config{FeatureOIDCEnabled: true, OIDCClientID: "x"}))
	assert.True(t, Enabled(&config.Config{
		FeatureOIDCEnabled: true,
		OIDCClientID:       "x",
		OIDCClientSecret:   "y",
		OIDCIssuerURL:      "https://idp.internal",
	}))
}

func TestNew_DiscoversEndpoints(t *testing.T) {
	idp := newFakeIdP(t)

	p, err := New(context.Background(), idp.config())
	require.NoError(t, err)

	assert.Equal(t, idp.server.URL+"/token", p.tokenURL)
	assert.Equal(t, idp.server.URL+"/jwks", p.jwksURL)
	assert.Equal(t, "사내 SSO", p.ProviderName())

	u, err := url.Parse(p.AuthCodeURL("state-1", "nonce-1"))
	require.NoError(t, err)
	assert.Equal(t, "/authorize", u.Path)
	q := u.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "woorichat", q.Get("client_id"))
	assert.Equal(t, "openid profile email", q.Get("scope"))
	assert.Equal(t, "state-1", q.Get("state"))
	assert.Equal(t, "nonce-1", q.Get("nonce"))
}

func TestNew_RequiresConfiguration(t *testing.T) {
	_, err := New(context.Background(), &config.Config{})
	assert.Error(t, err)
}

func TestExchangeAndIdentity_IDToken(t *testing.T) {
	idp := newFakeIdP(t)
	idToken := idp.signIDToken(t, "woorichat", "nonce-7", map[string]any{
		"name":  "김민수",
		"email": "minsu@corp.example",
	})
	idp.tokenResponse = map[string]any{"id_token": idToken, "token_type": "Bearer"}

	p, err := New(context.Background(), idp.config())
	require.NoError(t, err)

	tok, err := p.Exchange(context.Background(), "auth-code-1")
	require.NoError(t, err)
	assert.Equal(t, "authorization_code", idp.lastTokenForm.Get("grant_type"))
	assert.Equal(t, "auth-code-1", idp.lastTokenForm.Get("code"))
	assert.Equal(t, "secret", idp.lastTokenForm.Get("client_secret"))

	claims, err := p.Identity(context.Background(), tok, "nonce-7")
	require.NoError(t, err)
	assert.Equal(t, "sso-42", claims.Subject)
	// No preferred_username claim, so the display name fills both fields.
	assert.Equal(t, "김민수", claims.PreferredUsername)
	assert.Equal(t, "김민수", claims.Nickname)
	assert.Equal(t, "minsu@corp.example", claims.Email)
}

func TestIdentity_NonceMismatch(t *testing.T) {
	idp := newFakeIdP(t)
	p, err := New(context.Background(), idp.config())
	require.NoError(t, err)

	idToken := idp.signIDToken(t, "woorichat", "other-nonce", nil)
	_, err = p.Identity(context.Background(), &TokenResponse{IDToken: idToken}, "expected-nonce")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonce")
}

func TestIdentity_WrongAudience(t *testing.T) {
	idp := newFakeIdP(t)
	p, err := New(context.Background(), idp.config())
	require.NoError(t, err)

	idToken := idp.signIDToken(t, "someone-else", "n", nil)
	_, err = p.Identity(context.Background(), &TokenResponse{IDToken: idToken}, "n")
	assert.Error(t, err)
}

func TestIdentity_UserinfoFallback(t *testing.T) {
	idp := newFakeIdP(t)
	p, err := New(context.Background(), idp.config())
	require.NoError(t, err)

	claims, err := p.Identity(context.Background(), &TokenResponse{AccessToken: "at-123"}, "")
	require.NoError(t, err)
	assert.Equal(t, "sso-77", claims.Subject)
	assert.Equal(t, "minsu", claims.PreferredUsername)
	assert.Equal(t, "minsu", claims.Nickname, "nickname falls back to preferred_username")
}

func TestMapClaims_RequiresSubject(t *testing.T) {
	_, err := mapClaims(map[string]any{"name": "x"})
	assert.Error(t, err)
}

func TestRandomToken(t *testing.T) {
	a, err := RandomToken()
	require.NoError(t, err)
	b, err := RandomToken()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.GreaterOrEqual(t, len(a), 32)
	for _, r := range a {
		assert.NotContains(t, "+/=", fmt.Sprintf("%c", r))
	}
}
