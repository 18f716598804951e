package mongodb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/deRockerTom/twitch-bot/store"
)

// TokenStore implements store.TokenStore on the tokens collection.
type TokenStore struct {
	coll   *mongo.Collection
	sealer store.Sealer
}

// Save upserts by user_id with a single $set, so concurrent saves for the
// same user converge on one document holding one of the written values.
func (s *TokenStore) Save(ctx context.Context, t store.Token) error {
	if err := store.ValidateToken(t); err != nil {
		return err
	}
	sealed, err := store.SealToken(s.sealer, t)
	if err != nil {
		return err
	}
	_, err = s.coll.UpdateOne(ctx,
		bson.M{"user_id": t.UserID},
		bson.M{"$set": bson.M{
			"user_id": sealed.UserID,
			"login":   sealed.Login,
			"token":   sealed.Token,
			"refresh": sealed.Refresh,
		}},
		options.Update().SetUpsert(true),
	)
	if mongo.IsDuplicateKeyError(err) {
		// lost an upsert race on the unique index; the document now exists
		_, err = s.coll.UpdateOne(ctx,
			bson.M{"user_id": t.UserID},
			bson.M{"$set": bson.M{"login": sealed.Login, "token": sealed.Token, "refresh": sealed.Refresh}})
	}
	if err != nil {
		return fmt.Errorf("save token for %s: %w", t.UserID, err)
	}
	slog.Info("saved token", slog.String("user_id", t.UserID), slog.String("login", t.Login), slog.String("component", "mongodb"))
	return nil
}

func (s *TokenStore) GetAll(ctx context.Context, limit int) ([]store.Token, error) {
	opts := options.Find().SetSort(bson.D{{Key: "login", Value: 1}, {Key: "user_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.coll.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("find tokens: %w", err)
	}
	var rows []store.Token
	if err := cur.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("decode tokens: %w", err)
	}
	out := make([]store.Token, 0, len(rows))
	for _, r := range rows {
		t, err := store.OpenToken(s.sealer, r)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	slog.Debug("fetched tokens", slog.Int("count", len(out)), slog.String("component", "mongodb"))
	return out, nil
}

func (s *TokenStore) FindByUser(ctx context.Context, userID string) (store.Token, bool, error) {
	var row store.Token
	err := s.coll.FindOne(ctx, bson.M{"user_id": userID}).Decode(&row)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.Token{}, false, nil
	}
	if err != nil {
		return store.Token{}, false, fmt.Errorf("find token for %s: %w", userID, err)
	}
	t, err := store.OpenToken(s.sealer, row)
	if err != nil {
		return store.Token{}, false, err
	}
	return t, true, nil
}
