// Package oidc implements the optional single sign-on flow against an
// OpenID Connect provider. Endpoints come from explicit configuration or
// from the issuer's discovery document, and ID tokens are verified against
// the provider's JWKS.
package oidc

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"go.uber.org/zap"

	"github.com/woorichat/woorichat/internal/v1/config"
	"github.com/woorichat/woorichat/internal/v1/logging"
)

// Claims is the identity extracted from a completed login.
type Claims struct {
	Subject           string `json:"sub"`
	Email             string `json:"email,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	Nickname          string `json:"nickname,omitempty"`
}

// TokenResponse is the token endpoint's answer to a code exchange.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// discoveryDoc is the subset of the provider metadata we use.
type discoveryDoc struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
}

// Provider holds the resolved endpoints and a refreshing JWKS cache.
type Provider struct {
	clientID     string
	clientSecret string
	scope        string
	redirectURI  string
	providerName string

	issuer       string
	authorizeURL string
	tokenURL     string
	userinfoURL  string
	jwksURL      string

	cache      *jwk.Cache
	httpClient *http.Client
}

// Enabled reports whether the configuration is complete enough to offer SSO.
func Enabled(cfg *config.Config) bool {
	if !cfg.FeatureOIDCEnabled || cfg.OIDCClientID == "" || cfg.OIDCClientSecret == "" {
		return false
	}
	return cfg.OIDCIssuerURL != "" || cfg.OIDCAuthorizeURL != ""
}

// New resolves the provider endpoints and primes the JWKS cache. Missing
// endpoints are filled in from the issuer's discovery document.
func New(ctx context.Context, cfg *config.Config) (*Provider, error) {
	if !Enabled(cfg) {
		return nil, errors.New("oidc is not configured")
	}

	p := &Provider{
		clientID:     cfg.OIDCClientID,
		clientSecret: cfg.OIDCClientSecret,
		scope:        cfg.OIDCScope,
		redirectURI:  cfg.OIDCRedirectURI,
		providerName: cfg.OIDCProviderName,
		issuer:       strings.TrimRight(strings.TrimSpace(cfg.OIDCIssuerURL), "/"),
		authorizeURL: strings.TrimSpace(cfg.OIDCAuthorizeURL),
		tokenURL:     strings.TrimSpace(cfg.OIDCTokenURL),
		userinfoURL:  strings.TrimSpace(cfg.OIDCUserinfoURL),
		jwksURL:      strings.TrimSpace(cfg.OIDCJWKSURL),
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
	if p.scope == "" {
		p.scope = "openid profile"
	}

	if p.issuer != "" && (p.authorizeURL == "" || p.tokenURL == "" || p.jwksURL == "") {
		doc, err := p.discover(ctx)
		if err != nil {
			return nil, fmt.Errorf("oidc discovery failed: %w", err)
		}
		if p.authorizeURL == "" {
			p.authorizeURL = doc.AuthorizationEndpoint
		}
		if p.tokenURL == "" {
			p.tokenURL = doc.TokenEndpoint
		}
		if p.userinfoURL == "" {
			p.userinfoURL = doc.UserinfoEndpoint
		}
		if p.jwksURL == "" {
			p.jwksURL = doc.JWKSURI
		}
		if doc.Issuer != "" {
			p.issuer = strings.TrimRight(doc.Issuer, "/")
		}
	}

	if p.authorizeURL == "" || p.tokenURL == "" {
		return nil, errors.New("oidc authorize and token endpoints are not configured")
	}

	if p.jwksURL != "" {
		cache := jwk.NewCache(ctx)
		refresh := time.Duration(cfg.OIDCJWKSCacheSeconds) * time.Second
		if refresh <= 0 {
			refresh = 5 * time.Minute
		}
		if err := cache.Register(p.jwksURL, jwk.WithRefreshInterval(refresh)); err != nil {
			return nil, fmt.Errorf("failed to register JWKS URL in cache: %w", err)
		}
		// Fetch the keys for the first time to ensure connectivity.
		if _, err := cache.Refresh(ctx, p.jwksURL); err != nil {
			return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
		}
		p.cache = cache
	}

	logging.Info(ctx, "OIDC provider configured",
		zap.String("provider", p.providerName),
		zap.String("issuer", p.issuer),
		zap.Bool("jwks", p.cache != nil),
	)
	return p, nil
}

// ProviderName is the display name shown on the login page.
func (p *Provider) ProviderName() string { return p.providerName }

func (p *Provider) discover(ctx context.Context) (*discoveryDoc, error) {
	wellKnown := p.issuer + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery document returned status %d", resp.StatusCode)
	}
	var doc discoveryDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode discovery document: %w", err)
	}
	return &doc, nil
}

// RandomToken returns a URL-safe random string for state and nonce values.
func RandomToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// AuthCodeURL builds the authorization redirect carrying state and nonce.
func (p *Provider) AuthCodeURL(state, nonce string) string {
	q := url.Values{
		"response_type": {"code"},
		"client_id":     {p.clientID},
		"redirect_uri":  {p.redirectURI},
		"scope":         {p.scope},
		"state":         {state},
		"nonce":         {nonce},
	}
	return p.authorizeURL + "?" + q.Encode()
}

// Exchange trades an authorization code for tokens at the token endpoint.
func (p *Provider) Exchange(ctx context.Context, code string) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {p.redirectURI},
		"client_id":     {p.clientID},
		"client_secret": {p.clientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tok TokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if tok.IDToken == "" && tok.AccessToken == "" {
		return nil, errors.New("token response carried neither id_token nor access_token")
	}
	return &tok, nil
}

// Identity resolves the logged-in user's claims. A signed ID token is
// verified against the JWKS, issuer, audience and nonce; when the provider
// only hands back an access token the userinfo endpoint is consulted.
func (p *Provider) Identity(ctx context.Context, tok *TokenResponse, nonce string) (*Claims, error) {
	if tok.IDToken != "" && p.cache != nil {
		return p.verifyIDToken(ctx, tok.IDToken, nonce)
	}
	if tok.AccessToken != "" && p.userinfoURL != "" {
		return p.fetchUserinfo(ctx, tok.AccessToken)
	}
	return nil, errors.New("no verifiable identity in token response")
}

func (p *Provider) verifyIDToken(ctx context.Context, raw, nonce string) (*Claims, error) {
	set, err := p.cache.Get(ctx, p.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to get keys from cache: %w", err)
	}

	parsed, err := jwt.Parse([]byte(raw),
		jwt.WithKeySet(set, jws.WithInferAlgorithmFromKey(true)),
		jwt.WithIssuer(p.issuer),
		jwt.WithAudience(p.clientID),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("id token verification failed: %w", err)
	}

	if nonce != "" {
		got, _ := parsed.Get("nonce")
		if s, _ := got.(string); s != nonce {
			return nil, errors.New("id token nonce mismatch")
		}
	}

	m := map[string]any{}
	for _, k := range []string{"email", "preferred_username", "name"} {
		if v, ok := parsed.Get(k); ok {
			m[k] = v
		}
	}
	m["sub"] = parsed.Subject()
	return mapClaims(m)
}

func (p *Provider) fetchUserinfo(ctx context.Context, accessToken string) (*Claims, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userinfoURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo endpoint returned status %d", resp.StatusCode)
	}
	var m map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode userinfo: %w", err)
	}
	return mapClaims(m)
}

// mapClaims normalizes raw claims. The nickname falls back from the display
// name to the login name so provisioning always has something to show.
func mapClaims(m map[string]any) (*Claims, error) {
	str := func(key string) string {
		v, _ := m[key].(string)
		return v
	}

	c := &Claims{
		Subject:           str("sub"),
		Email:             str("email"),
		PreferredUsername: str("preferred_username"),
		Nickname:          str("name"),
	}
	if c.Subject == "" {
		return nil, errors.New("identity claims are missing sub")
	}
	if c.PreferredUsername == "" {
		c.PreferredUsername = str("name")
	}
	if c.Nickname == "" {
		c.Nickname = c.PreferredUsername
	}
	return c, nil
}
