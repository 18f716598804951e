// Package twitchapi talks to Twitch's identity service: the OAuth
// authorization code flow, refresh grants and token validation.
package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"
)

// OAuthConfig describes the registered Twitch application.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string

	// AuthURL and TokenURL override the Twitch endpoints (tests).
	AuthURL  string
	TokenURL string
	// HTTPClient is used for token requests; nil uses a 15s-timeout client.
	HTTPClient *http.Client
}

// Grant is the result of a code exchange or refresh.
type Grant struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scopes       []string
}

// OAuth runs the authorization code and refresh grants.
type OAuth struct {
	cfg *oauth2.Config
	hc  *http.Client
}

// NewOAuth validates c and returns a client for it.
func NewOAuth(c OAuthConfig) (*OAuth, error) {
	if c.ClientID == "" || c.RedirectURI == "" {
		return nil, errors.New("missing clientID or redirectURI")
	}
	endpoint := twitch.Endpoint
	if c.AuthURL != "" {
		endpoint.AuthURL = c.AuthURL
	}
	if c.TokenURL != "" {
		endpoint.TokenURL = c.TokenURL
	}
	// Twitch wants client credentials in the form body
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &OAuth{
		cfg: &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			RedirectURL:  c.RedirectURI,
			Scopes:       c.Scopes,
			Endpoint:     endpoint,
		},
		hc: hc,
	}, nil
}

// NewState returns an unguessable value for the OAuth state parameter.
func NewState() string {
	return uuid.NewString()
}

// AuthorizeURL builds the user authorization URL for the code grant.
func (o *OAuth) AuthorizeURL(state string) string {
	return o.cfg.AuthCodeURL(state)
}

// Exchange trades an authorization code for access and refresh tokens.
func (o *OAuth) Exchange(ctx context.Context, code string) (Grant, error) {
	if code == "" {
		return Grant{}, errors.New("missing authorization code")
	}
	tok, err := o.cfg.Exchange(o.clientCtx(ctx), code)
	if err != nil {
		return Grant{}, fmt.Errorf("twitch auth code exchange failed: %w", err)
	}
	return toGrant(tok), nil
}

// Refresh exchanges a refresh token for a new access token. Twitch may
// rotate the refresh token; the returned Grant carries the one to store.
func (o *OAuth) Refresh(ctx context.Context, refreshToken string) (Grant, error) {
	if refreshToken == "" {
		return Grant{}, errors.New("missing refresh token")
	}
	src := o.cfg.TokenSource(o.clientCtx(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return Grant{}, fmt.Errorf("twitch refresh failed: %w", err)
	}
	g := toGrant(tok)
	if g.RefreshToken == "" {
		g.RefreshToken = refreshToken
	}
	return g, nil
}

func (o *OAuth) clientCtx(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, o.hc)
}

func toGrant(tok *oauth2.Token) Grant {
	g := Grant{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if g.Expiry.IsZero() {
		g.Expiry = ComputeExpiry(0)
	}
	switch s := tok.Extra("scope").(type) {
	case []any:
		for _, v := range s {
			if str, ok := v.(string); ok {
				g.Scopes = append(g.Scopes, str)
			}
		}
	case string:
		if s != "" {
			g.Scopes = []string{s}
		}
	}
	return g
}

// ComputeExpiry returns absolute expiry time from seconds, defaulting to +60m when unknown.
func ComputeExpiry(seconds int) time.Time {
	if seconds <= 0 {
		return time.Now().Add(60 * time.Minute)
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}
