package twitchapi

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/nicklaw5/helix/v2"
)

// maxStreamsPerRequest is the Helix page limit for user_id filters.
const maxStreamsPerRequest = 100

// TokenFunc supplies the user access token for Helix calls.
type TokenFunc func(ctx context.Context) (string, error)

// Streams looks up live status through Helix Get Streams.
type Streams struct {
	token TokenFunc

	mu     sync.Mutex
	client *helix.Client
}

// NewStreams returns a stream lookup for the given application. hc may be nil.
func NewStreams(clientID string, hc helix.HTTPClient, token TokenFunc) (*Streams, error) {
	opts := &helix.Options{ClientID: clientID}
	if hc != nil {
		opts.HTTPClient = hc
	}
	client, err := helix.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("helix: NewClient: %w", err)
	}
	return &Streams{client: client, token: token}, nil
}

// Live returns, for each of userIDs currently live, the broadcaster's display
// name keyed by user id.
func (s *Streams) Live(ctx context.Context, userIDs []string) (map[string]string, error) {
	live := make(map[string]string)
	if len(userIDs) == 0 {
		return live, nil
	}
	tok, err := s.token(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.client.SetUserAccessToken(tok)
	for start := 0; start < len(userIDs); start += maxStreamsPerRequest {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch := userIDs[start:min(start+maxStreamsPerRequest, len(userIDs))]
		resp, err := s.client.GetStreams(&helix.StreamsParams{UserIDs: batch, Type: "live", First: maxStreamsPerRequest})
		if err != nil {
			return nil, fmt.Errorf("helix: GetStreams: %w", err)
		}
		switch resp.StatusCode {
		case http.StatusOK:
		case http.StatusUnauthorized:
			return nil, fmt.Errorf("%w: GetStreams: %s", ErrTokenInvalid, resp.ErrorMessage)
		default:
			return nil, fmt.Errorf("helix: GetStreams failed (%d: %s) %s", resp.StatusCode, resp.Error, resp.ErrorMessage)
		}
		for _, st := range resp.Data.Streams {
			name := st.UserName
			if name == "" {
				name = st.UserLogin
			}
			live[st.UserID] = name
		}
	}
	return live, nil
}
