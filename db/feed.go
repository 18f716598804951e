package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/deRockerTom/twitch-bot/store"
)

// NotifyChannel is the channel the overlay_messages trigger notifies on.
const NotifyChannel = "overlay_messages"

// Feed opens a dedicated connection per stream and LISTENs on NotifyChannel.
// Notifications are only delivered for inserts committed after LISTEN.
type Feed struct {
	dsn string
}

func (f *Feed) Watch(ctx context.Context) (store.ChangeStream, error) {
	conn, err := pgx.Connect(ctx, f.dsn)
	if err != nil {
		return nil, fmt.Errorf("connect for listen: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		_ = conn.Close(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}
	return &listenStream{conn: conn}, nil
}

type listenStream struct {
	conn *pgx.Conn
}

func (s *listenStream) Next(ctx context.Context) (store.ChangeEvent, error) {
	n, err := s.conn.WaitForNotification(ctx)
	if err != nil {
		return store.ChangeEvent{}, err
	}
	return parseNotification(n.Payload), nil
}

func (s *listenStream) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}

type notification struct {
	Op  string          `json:"op"`
	ID  int64           `json:"id"`
	Doc json.RawMessage `json:"doc"`
}

// parseNotification never fails; a malformed payload becomes an insert whose
// Decode reports the error, so the stream itself stays usable.
func parseNotification(payload string) store.ChangeEvent {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return store.NewChangeEvent(store.OpInsert, "", func(any) error {
			return fmt.Errorf("decode notification: %w", err)
		})
	}
	var decode func(v any) error
	if len(n.Doc) > 0 && string(n.Doc) != "null" {
		doc := n.Doc
		decode = func(v any) error { return json.Unmarshal(doc, v) }
	}
	return store.NewChangeEvent(store.ChangeOp(n.Op), strconv.FormatInt(n.ID, 10), decode)
}
