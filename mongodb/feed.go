package mongodb

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/deRockerTom/twitch-bot/store"
)

// ErrStreamEnded is returned when the server closes a change stream without
// an error, e.g. after the collection is dropped.
var ErrStreamEnded = errors.New("mongodb: change stream ended")

// Feed opens change streams on the messages collection.
type Feed struct {
	coll *mongo.Collection
}

// Watch starts a change stream at the current cluster time.
func (f *Feed) Watch(ctx context.Context) (store.ChangeStream, error) {
	cs, err := f.coll.Watch(ctx, mongo.Pipeline{}, options.ChangeStream())
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", f.coll.Name(), err)
	}
	return &changeStream{cs: cs}, nil
}

type changeStream struct {
	cs *mongo.ChangeStream
}

type changeDoc struct {
	OperationType string   `bson:"operationType"`
	FullDocument  bson.Raw `bson:"fullDocument"`
	DocumentKey   bson.Raw `bson:"documentKey"`
}

func (s *changeStream) Next(ctx context.Context) (store.ChangeEvent, error) {
	if !s.cs.Next(ctx) {
		if err := s.cs.Err(); err != nil {
			return store.ChangeEvent{}, err
		}
		if err := ctx.Err(); err != nil {
			return store.ChangeEvent{}, err
		}
		return store.ChangeEvent{}, ErrStreamEnded
	}

	var doc changeDoc
	if err := s.cs.Decode(&doc); err != nil {
		// keep the stream alive; the watcher counts this as a bad document
		return store.NewChangeEvent(store.OpInsert, "", func(any) error {
			return fmt.Errorf("decode change event: %w", err)
		}), nil
	}
	return toChangeEvent(doc), nil
}

func toChangeEvent(doc changeDoc) store.ChangeEvent {
	var decode func(v any) error
	if len(doc.FullDocument) > 0 {
		full := doc.FullDocument
		decode = func(v any) error { return bson.Unmarshal(full, v) }
	}
	return store.NewChangeEvent(store.ChangeOp(doc.OperationType), documentID(doc.DocumentKey), decode)
}

func documentID(key bson.Raw) string {
	if len(key) == 0 {
		return ""
	}
	rv, err := key.LookupErr("_id")
	if err != nil {
		return ""
	}
	if oid, ok := rv.ObjectIDOK(); ok {
		return oid.Hex()
	}
	return rv.String()
}

func (s *changeStream) Close(ctx context.Context) error {
	return s.cs.Close(ctx)
}
