package mongodb

import (
	"context"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/deRockerTom/twitch-bot/store"
)

// MessageStore appends to the messages collection. It has no update or
// delete path.
type MessageStore struct {
	coll *mongo.Collection
}

func (s *MessageStore) Save(ctx context.Context, m store.Message) error {
	if err := store.ValidateMessage(m); err != nil {
		return err
	}
	m.Timestamp = m.Timestamp.UTC()
	if _, err := s.coll.InsertOne(ctx, m); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	slog.Info("saved message", slog.String("user_id", m.UserID), slog.String("login", m.Login), slog.String("component", "mongodb"))
	return nil
}
