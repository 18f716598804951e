// Package store defines the persisted records of the bot (OAuth credentials and
// overlay messages), the storage contracts every backend implements, and the
// change feed abstraction the overlay relay consumes.
//
// Backends live in sibling packages: db (Postgres), mongodb and memstore.
package store

import (
	"context"
	"errors"
	"time"
)

// UnknownLogin is stored when an overlay message is saved without a login.
const UnknownLogin = "unknown"

// MaxMessageLength is the longest overlay message in characters, the same
// limit Twitch puts on a chat message.
const MaxMessageLength = 500

// Token is the credential record persisted per Twitch user.
type Token struct {
	UserID  string `json:"user_id" bson:"user_id" validate:"required"`
	Login   string `json:"login" bson:"login"`
	Token   string `json:"token" bson:"token"`
	Refresh string `json:"refresh" bson:"refresh"`
}

// Message is an overlay message. It is immutable once saved.
type Message struct {
	UserID    string    `json:"user_id" bson:"user_id" validate:"required"`
	Login     string    `json:"login" bson:"login" validate:"required"`
	Message   string    `json:"message" bson:"message" validate:"required,max=500"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp" validate:"required"`
}

// NewMessage builds a message the way chat commands record it: an empty login
// becomes UnknownLogin and a zero timestamp becomes now.
func NewMessage(userID, login, text string, ts, now time.Time) Message {
	if login == "" {
		login = UnknownLogin
	}
	if ts.IsZero() {
		ts = now
	}
	return Message{UserID: userID, Login: login, Message: text, Timestamp: ts.UTC()}
}

func (m Message) String() string {
	return m.Login + ": " + m.Message + " at " + m.Timestamp.Format(time.RFC3339)
}

// TokenStore persists one Token per user id.
type TokenStore interface {
	// Save inserts or replaces the record for t.UserID in a single atomic write.
	Save(ctx context.Context, t Token) error
	// GetAll returns every record ordered by login (byte-wise ascending).
	// A limit <= 0 returns all records.
	GetAll(ctx context.Context, limit int) ([]Token, error)
	// FindByUser reports ok=false when no record exists for userID.
	FindByUser(ctx context.Context, userID string) (t Token, ok bool, err error)
}

// MessageStore is the append-only overlay message log.
type MessageStore interface {
	Save(ctx context.Context, m Message) error
}

// ChangeOp is the kind of mutation a change event reports.
type ChangeOp string

const (
	OpInsert  ChangeOp = "insert"
	OpUpdate  ChangeOp = "update"
	OpReplace ChangeOp = "replace"
	OpDelete  ChangeOp = "delete"
)

// ErrNoDocument is returned by ChangeEvent.Decode when the event carries no
// document (deletes, or feeds that only report keys).
var ErrNoDocument = errors.New("change event has no document")

// ChangeEvent is one notification read from a ChangeStream.
type ChangeEvent struct {
	Op ChangeOp
	// ID identifies the changed record in the backend's own terms.
	ID string

	decode func(v any) error
}

// NewChangeEvent is used by backends to build events; decode unpacks the full
// document in the backend's native encoding.
func NewChangeEvent(op ChangeOp, id string, decode func(v any) error) ChangeEvent {
	return ChangeEvent{Op: op, ID: id, decode: decode}
}

// Decode unpacks the event's full document into v.
func (e ChangeEvent) Decode(v any) error {
	if e.decode == nil {
		return ErrNoDocument
	}
	return e.decode(v)
}

// ChangeStream is an open, non-restartable subscription to a change feed.
// Close must be called on every exit path.
type ChangeStream interface {
	Next(ctx context.Context) (ChangeEvent, error)
	Close(ctx context.Context) error
}

// ChangeFeed opens change streams over the overlay message log. A stream only
// reports changes made after it was opened.
type ChangeFeed interface {
	Watch(ctx context.Context) (ChangeStream, error)
}

// Backend bundles the stores of one storage engine.
type Backend interface {
	Name() string
	Tokens() TokenStore
	Messages() MessageStore
	Feed() ChangeFeed
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
