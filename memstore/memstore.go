// Package memstore is a process-local storage backend. It keeps credentials
// and overlay messages in memory and publishes inserts on a change feed, which
// makes the whole bot runnable without a database (STORE_BACKEND=memory).
package memstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/deRockerTom/twitch-bot/store"
)

// Store implements store.Backend.
type Store struct {
	tokens   *TokenStore
	messages *MessageStore
	feed     *Feed
}

// New returns an empty in-memory backend.
func New() *Store {
	feed := NewFeed()
	return &Store{
		tokens:   NewTokenStore(),
		messages: NewMessageStore(feed),
		feed:     feed,
	}
}

func (s *Store) Name() string                    { return "memory" }
func (s *Store) Tokens() store.TokenStore        { return s.tokens }
func (s *Store) Messages() store.MessageStore    { return s.messages }
func (s *Store) Feed() store.ChangeFeed          { return s.feed }
func (s *Store) Ping(ctx context.Context) error  { return ctx.Err() }
func (s *Store) Close(ctx context.Context) error { s.feed.Interrupt(errClosed); return nil }

// MessageLog exposes the concrete message store, for inspection in tests.
func (s *Store) MessageLog() *MessageStore { return s.messages }

// ChangeFeed exposes the concrete feed.
func (s *Store) ChangeFeed() *Feed { return s.feed }

var errClosed = errors.New("memstore: closed")

// TokenStore keeps one credential per user id.
type TokenStore struct {
	mu     sync.RWMutex
	tokens map[string]store.Token
}

func NewTokenStore() *TokenStore {
	return &TokenStore{tokens: make(map[string]store.Token)}
}

func (s *TokenStore) Save(ctx context.Context, t store.Token) error {
	if err := store.ValidateToken(t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.tokens[t.UserID] = t
	s.mu.Unlock()
	return nil
}

func (s *TokenStore) GetAll(ctx context.Context, limit int) ([]store.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]store.Token, 0, len(s.tokens))
	for _, t := range s.tokens {
		out = append(out, t)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if c := strings.Compare(out[i].Login, out[j].Login); c != 0 {
			return c < 0
		}
		return out[i].UserID < out[j].UserID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *TokenStore) FindByUser(ctx context.Context, userID string) (store.Token, bool, error) {
	if err := ctx.Err(); err != nil {
		return store.Token{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[userID]
	return t, ok, nil
}

// MessageStore is an append-only slice of messages.
type MessageStore struct {
	mu   sync.RWMutex
	log  []store.Message
	feed *Feed
}

func NewMessageStore(feed *Feed) *MessageStore {
	return &MessageStore{feed: feed}
}

func (s *MessageStore) Save(ctx context.Context, m store.Message) error {
	if err := store.ValidateMessage(m); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	// publish under the lock so feed order matches log order
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, m)
	if s.feed != nil {
		id := strconv.Itoa(len(s.log))
		s.feed.Publish(store.NewChangeEvent(store.OpInsert, id, func(v any) error {
			return json.Unmarshal(doc, v)
		}))
	}
	return nil
}

// List returns a copy of the log in insert order.
func (s *MessageStore) List() []store.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Message, len(s.log))
	copy(out, s.log)
	return out
}
