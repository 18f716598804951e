package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nicklaw5/helix/v2"
)

// ErrTokenInvalid is returned when Twitch rejects an access token.
var ErrTokenInvalid = errors.New("twitch rejected access token")

// Identity is what Twitch reports about a valid user access token.
type Identity struct {
	UserID    string
	Login     string
	ClientID  string
	Scopes    []string
	ExpiresIn time.Duration
}

// Validator checks user access tokens against the validate endpoint.
type Validator struct {
	// helix swaps the client's token around ValidateToken
	mu     sync.Mutex
	client *helix.Client
}

// NewValidator returns a validator for the given application. hc may be nil.
func NewValidator(clientID string, hc helix.HTTPClient) (*Validator, error) {
	opts := &helix.Options{ClientID: clientID}
	if hc != nil {
		opts.HTTPClient = hc
	}
	client, err := helix.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("helix: NewClient: %w", err)
	}
	return &Validator{client: client}, nil
}

// Validate returns the identity behind accessToken, or ErrTokenInvalid.
func (v *Validator) Validate(ctx context.Context, accessToken string) (Identity, error) {
	if accessToken == "" {
		return Identity{}, ErrTokenInvalid
	}
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	v.mu.Lock()
	ok, resp, err := v.client.ValidateToken(accessToken)
	v.mu.Unlock()
	if err != nil {
		return Identity{}, fmt.Errorf("helix: ValidateToken: %w", err)
	}
	if !ok || resp == nil {
		return Identity{}, ErrTokenInvalid
	}
	if resp.StatusCode != http.StatusOK {
		return Identity{}, fmt.Errorf("helix: ValidateToken failed (%d: %s) %s", resp.StatusCode, resp.Error, resp.ErrorMessage)
	}
	if resp.Data.UserID == "" {
		// app access tokens validate but carry no user
		return Identity{}, fmt.Errorf("%w: token has no user", ErrTokenInvalid)
	}
	return Identity{
		UserID:    resp.Data.UserID,
		Login:     resp.Data.Login,
		ClientID:  resp.Data.ClientID,
		Scopes:    resp.Data.Scopes,
		ExpiresIn: time.Duration(resp.Data.ExpiresIn) * time.Second,
	}, nil
}
