// Package mongodb is the MongoDB storage backend. Credentials live in the
// "tokens" collection keyed by a unique user_id index; overlay messages are
// inserted into "messages" and observed through a change stream, which
// requires the server to run as a replica set.
package mongodb

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"

	"github.com/deRockerTom/twitch-bot/store"
)

const (
	TokensCollection   = "tokens"
	MessagesCollection = "messages"

	connectTimeout = 10 * time.Second
)

// Options select the deployment and database.
type Options struct {
	URI string
	// Database overrides the database named in URI.
	Database string
	// Sealer protects credential fields; nil stores plaintext.
	Sealer store.Sealer
}

// Backend implements store.Backend on one mongo.Database.
type Backend struct {
	client   *mongo.Client
	db       *mongo.Database
	tokens   *TokenStore
	messages *MessageStore
	feed     *Feed
}

// Open connects, pings the primary and ensures indexes.
func Open(ctx context.Context, o Options) (*Backend, error) {
	cs, err := connstring.ParseAndValidate(o.URI)
	if err != nil {
		return nil, fmt.Errorf("mongodb uri: %w", err)
	}
	dbName := o.Database
	if dbName == "" {
		dbName = cs.Database
	}
	if dbName == "" {
		return nil, fmt.Errorf("mongodb: no database name in uri or options")
	}

	client, err := mongo.Connect(ctx,
		options.Client().ApplyURI(cs.String()),
		options.Client().SetConnectTimeout(connectTimeout),
		options.Client().SetServerSelectionTimeout(connectTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("mongodb connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("mongodb ping: %w", err)
	}

	b := New(client.Database(dbName), o.Sealer)
	if err := b.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, err
	}
	slog.Info("mongodb connected", slog.String("database", dbName), slog.String("component", "mongodb"))
	return b, nil
}

// New wraps an already connected database.
func New(db *mongo.Database, sealer store.Sealer) *Backend {
	return &Backend{
		client:   db.Client(),
		db:       db,
		tokens:   &TokenStore{coll: db.Collection(TokensCollection), sealer: sealer},
		messages: &MessageStore{coll: db.Collection(MessagesCollection)},
		feed:     &Feed{coll: db.Collection(MessagesCollection)},
	}
}

func (b *Backend) Name() string                 { return "mongo" }
func (b *Backend) Tokens() store.TokenStore     { return b.tokens }
func (b *Backend) Messages() store.MessageStore { return b.messages }
func (b *Backend) Feed() store.ChangeFeed       { return b.feed }

// Database returns the underlying database handle.
func (b *Backend) Database() *mongo.Database { return b.db }

func (b *Backend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx, readpref.Primary())
}

func (b *Backend) Close(ctx context.Context) error {
	slog.Info("mongodb disconnect", slog.String("component", "mongodb"))
	return b.client.Disconnect(ctx)
}

// EnsureIndexes creates missing indexes. Existing ones are left alone.
func (b *Backend) EnsureIndexes(ctx context.Context) error {
	want := map[string]mongo.IndexModel{
		"user_id_1": {
			Keys:    bson.D{{Key: "user_id", Value: 1}},
			Options: options.Index().SetName("user_id_1").SetUnique(true),
		},
		"login_1": {
			Keys:    bson.D{{Key: "login", Value: 1}},
			Options: options.Index().SetName("login_1"),
		},
	}

	view := b.db.Collection(TokensCollection).Indexes()
	existing := make(map[string]struct{})
	cur, err := view.List(ctx)
	if err == nil {
		for cur.Next(ctx) {
			var idx bson.M
			if cur.Decode(&idx) != nil {
				continue
			}
			if name, _ := idx["name"].(string); name != "" {
				existing[name] = struct{}{}
			}
		}
		_ = cur.Close(ctx)
	}

	for name, model := range want {
		if _, ok := existing[name]; ok {
			continue
		}
		if _, err := view.CreateOne(ctx, model); err != nil {
			return fmt.Errorf("create index %s: %w", name, err)
		}
	}
	return nil
}
