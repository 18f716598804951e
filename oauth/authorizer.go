// Package oauth keeps stored Twitch credentials usable. An Authorizer turns a
// fresh access/refresh pair into a persisted credential, restores stored
// credentials at startup, and refreshes those close to expiry on a jittered
// schedule.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deRockerTom/twitch-bot/store"
	"github.com/deRockerTom/twitch-bot/telemetry"
	"github.com/deRockerTom/twitch-bot/twitchapi"
)

// Validator resolves an access token to the Twitch identity behind it.
type Validator interface {
	Validate(ctx context.Context, accessToken string) (twitchapi.Identity, error)
}

// Refresher runs the refresh_token grant.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (twitchapi.Grant, error)
}

// AuthorizedFunc is called after a credential is saved or restored.
type AuthorizedFunc func(ctx context.Context, t store.Token)

// ErrMissingToken is returned for credentials without an access or refresh value.
var ErrMissingToken = errors.New("token or refresh missing")

// Authorizer validates, persists and refreshes user credentials.
type Authorizer struct {
	tokens    store.TokenStore
	validator Validator
	refresher Refresher

	hooksMu sync.RWMutex
	hooks   []AuthorizedFunc

	// user id -> access token expiry; zero means the token does not expire
	expMu    sync.Mutex
	expiries map[string]time.Time
}

// NewAuthorizer returns an Authorizer. refresher may be nil, in which case
// expired credentials are reported but not renewed.
func NewAuthorizer(tokens store.TokenStore, v Validator, r Refresher) *Authorizer {
	return &Authorizer{
		tokens:    tokens,
		validator: v,
		refresher: r,
		expiries:  make(map[string]time.Time),
	}
}

// OnAuthorized registers h to run after each successful Authorize or Restore.
func (a *Authorizer) OnAuthorized(h AuthorizedFunc) {
	if h == nil {
		return
	}
	a.hooksMu.Lock()
	defer a.hooksMu.Unlock()
	a.hooks = append(a.hooks, h)
}

func (a *Authorizer) notify(ctx context.Context, t store.Token) {
	a.hooksMu.RLock()
	hooks := append([]AuthorizedFunc(nil), a.hooks...)
	a.hooksMu.RUnlock()
	for _, h := range hooks {
		h(ctx, t)
	}
}

// Authorize validates access with Twitch and saves the credential under the
// user id Twitch reports, replacing any earlier one for that user.
func (a *Authorizer) Authorize(ctx context.Context, access, refresh string) (store.Token, error) {
	if access == "" || refresh == "" {
		return store.Token{}, ErrMissingToken
	}
	id, err := a.validator.Validate(ctx, access)
	if err != nil {
		return store.Token{}, fmt.Errorf("validate token: %w", err)
	}
	t := store.Token{UserID: id.UserID, Login: id.Login, Token: access, Refresh: refresh}
	if err := a.tokens.Save(ctx, t); err != nil {
		return store.Token{}, fmt.Errorf("save token: %w", err)
	}
	telemetry.Inc(telemetry.TokenSaves)
	a.setExpiry(id)
	slog.Info("added token", slog.String("user_id", t.UserID), slog.String("login", t.Login), slog.String("component", "oauth"))
	a.notify(ctx, t)
	return t, nil
}

// Restore loads every stored credential, revalidates it and refreshes the
// ones Twitch rejects. It returns the credentials that are usable now;
// failures are logged and skipped.
func (a *Authorizer) Restore(ctx context.Context) ([]store.Token, error) {
	rows, err := a.tokens.GetAll(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("load tokens: %w", err)
	}
	var ok []store.Token
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return ok, err
		}
		t, err := a.restoreOne(ctx, row)
		if err != nil {
			slog.Warn("could not restore token", slog.String("user_id", row.UserID), slog.Any("err", err), slog.String("component", "oauth"))
			continue
		}
		ok = append(ok, t)
	}
	slog.Info("restored tokens", slog.Int("usable", len(ok)), slog.Int("stored", len(rows)), slog.String("component", "oauth"))
	return ok, nil
}

func (a *Authorizer) restoreOne(ctx context.Context, row store.Token) (store.Token, error) {
	if row.Token == "" || row.Refresh == "" {
		return store.Token{}, ErrMissingToken
	}
	id, err := a.validator.Validate(ctx, row.Token)
	switch {
	case errors.Is(err, twitchapi.ErrTokenInvalid):
		return a.refresh(ctx, row)
	case err != nil:
		return store.Token{}, err
	}
	a.setExpiry(id)
	if id.Login != "" && id.Login != row.Login {
		row.Login = id.Login
		if err := a.tokens.Save(ctx, row); err != nil {
			return store.Token{}, fmt.Errorf("save renamed login: %w", err)
		}
	}
	a.notify(ctx, row)
	return row, nil
}

// RefreshDue refreshes every stored credential whose access token expires
// within window, or whose expiry is unknown and Twitch no longer accepts.
func (a *Authorizer) RefreshDue(ctx context.Context, window time.Duration) error {
	rows, err := a.tokens.GetAll(ctx, 0)
	if err != nil {
		return fmt.Errorf("load tokens: %w", err)
	}
	var errs []error
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if row.Refresh == "" {
			continue
		}
		due, err := a.due(ctx, row, window)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !due {
			continue
		}
		if _, err := a.refresh(ctx, row); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *Authorizer) due(ctx context.Context, row store.Token, window time.Duration) (bool, error) {
	exp, known := a.expiry(row.UserID)
	if !known {
		id, err := a.validator.Validate(ctx, row.Token)
		if errors.Is(err, twitchapi.ErrTokenInvalid) {
			return true, nil
		}
		if err != nil {
			return false, fmt.Errorf("validate %s: %w", row.UserID, err)
		}
		exp = a.setExpiry(id)
	}
	if exp.IsZero() {
		return false, nil
	}
	return time.Until(exp) <= window, nil
}

func (a *Authorizer) refresh(ctx context.Context, row store.Token) (store.Token, error) {
	if a.refresher == nil {
		return store.Token{}, fmt.Errorf("token for %s expired and no refresher is configured", row.UserID)
	}
	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	g, err := a.refresher.Refresh(ctx2, row.Refresh)
	if err != nil {
		telemetry.Inc(telemetry.TokenRefreshFailures)
		return store.Token{}, fmt.Errorf("refresh %s: %w", row.UserID, err)
	}
	if g.RefreshToken == "" {
		g.RefreshToken = row.Refresh
	}
	t, err := a.Authorize(ctx, g.AccessToken, g.RefreshToken)
	if err != nil {
		telemetry.Inc(telemetry.TokenRefreshFailures)
		return store.Token{}, err
	}
	slog.Info("token refreshed", slog.String("user_id", t.UserID), slog.String("component", "oauth"))
	return t, nil
}

func (a *Authorizer) setExpiry(id twitchapi.Identity) time.Time {
	var exp time.Time
	if id.ExpiresIn > 0 {
		exp = time.Now().Add(id.ExpiresIn)
	}
	a.expMu.Lock()
	a.expiries[id.UserID] = exp
	a.expMu.Unlock()
	return exp
}

func (a *Authorizer) expiry(userID string) (time.Time, bool) {
	a.expMu.Lock()
	defer a.expMu.Unlock()
	exp, ok := a.expiries[userID]
	return exp, ok
}
