// Package idp is the OIDC authorization-code client for the external
// identity provider. Building the authorize URL is local; only Exchange
// talks to the provider.
package idp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/oauth2"
)

// SecretSource yields the OIDC client secret.
type SecretSource interface {
	Value(ctx context.Context) (string, error)
}

type Config struct {
	ProviderName string
	IssuerURL    string
	AuthURL      string
	TokenURL     string
	ClientID     string
	RedirectURL  string
	Scopes       []string
}

// IDToken is the identity token returned by the provider together with
// the claims the broker logs and checks. The signature is verified by the
// federation gateway, not here.
type IDToken struct {
	Raw     string
	Subject string
	Email   string
	Expiry  time.Time
}

// Client performs the authorization-code flow against one provider.
type Client struct {
	name       string
	issuer     string
	oauth      oauth2.Config
	secret     SecretSource
	httpClient *http.Client
	now        func() time.Time
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// New creates a Client. AuthURL and TokenURL default to the issuer's
// /authorize and /token endpoints.
func New(cfg Config, secret SecretSource, opts ...Option) (*Client, error) {
	if secret == nil {
		return nil, errors.New("idp: secret source must not be nil")
	}
	issuer := strings.TrimRight(strings.TrimSpace(cfg.IssuerURL), "/")
	if issuer == "" {
		return nil, errors.New("idp: issuer url must not be empty")
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, errors.New("idp: client id must not be empty")
	}
	if strings.TrimSpace(cfg.RedirectURL) == "" {
		return nil, errors.New("idp: redirect url must not be empty")
	}
	authURL := strings.TrimSpace(cfg.AuthURL)
	if authURL == "" {
		authURL = issuer + "/authorize"
	}
	tokenURL := strings.TrimSpace(cfg.TokenURL)
	if tokenURL == "" {
		tokenURL = issuer + "/token"
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "email"}
	}

	c := &Client{
		name:   cfg.ProviderName,
		issuer: issuer,
		oauth: oauth2.Config{
			ClientID:    cfg.ClientID,
			RedirectURL: cfg.RedirectURL,
			Scopes:      scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   authURL,
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Name returns the configured provider name.
func (c *Client) Name() string { return c.name }

// AuthCodeURL builds the provider authorize URL carrying state.
func (c *Client) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state)
}

// Exchange trades an authorization code for the provider's ID token.
func (c *Client) Exchange(ctx context.Context, code string) (IDToken, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return IDToken{}, errors.New("idp: authorization code is required")
	}
	secret, err := c.secret.Value(ctx)
	if err != nil {
		return IDToken{}, fmt.Errorf("idp: resolve client secret: %w", err)
	}

	conf := c.oauth
	conf.ClientSecret = secret
	if c.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	}
	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		return IDToken{}, fmt.Errorf("idp: exchange code: %w", err)
	}
	raw, _ := tok.Extra("id_token").(string)
	if raw == "" {
		return IDToken{}, errors.New("idp: token response has no id_token")
	}
	return c.readIDToken(raw)
}

func (c *Client) readIDToken(raw string) (IDToken, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return IDToken{}, fmt.Errorf("idp: parse id_token: %w", err)
	}
	if !claims.VerifyIssuer(c.issuer, true) {
		return IDToken{}, fmt.Errorf("idp: id_token issuer does not match %q", c.issuer)
	}
	if !claims.VerifyAudience(c.oauth.ClientID, true) {
		return IDToken{}, errors.New("idp: id_token audience does not include client id")
	}
	if !claims.VerifyExpiresAt(c.now().Unix(), true) {
		return IDToken{}, errors.New("idp: id_token is expired")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return IDToken{}, errors.New("idp: id_token missing sub claim")
	}
	email, _ := claims["email"].(string)

	var expiry time.Time
	if exp, ok := claims["exp"].(float64); ok {
		expiry = time.Unix(int64(exp), 0).UTC()
	}
	return IDToken{Raw: raw, Subject: sub, Email: email, Expiry: expiry}, nil
}
