package mongostore

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dskora/vaultsync/internal/vault/remote"
	"github.com/dskora/vaultsync/internal/vault/schema"
)

// streamSubscription adapts a Mongo change stream to remote.Subscription.
type streamSubscription struct {
	cancel context.CancelFunc
	ch     chan []schema.Record

	mu  sync.Mutex
	err error
}

// Watch implements remote.Store using a change stream filtered on the
// owning user and, when since >= 0, on updatedAt strictly greater than the
// cursor. Replace/update events are delivered with the full document.
func (s *Store) Watch(ctx context.Context, collection, userID string, since int64) (remote.Subscription, error) {
	match := bson.M{
		"fullDocument.userId": userID,
	}
	if since >= 0 {
		match["fullDocument.updatedAt"] = bson.M{"$gt": since}
	}
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: match}},
	}

	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	stream, err := s.db.Collection(collection).Watch(ctx, pipeline, opts)
	if err != nil {
		return nil, mapError("watch", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	sub := &streamSubscription{
		cancel: cancel,
		ch:     make(chan []schema.Record, 64),
	}

	go sub.run(streamCtx, stream, s)
	return sub, nil
}

func (sub *streamSubscription) run(ctx context.Context, stream *mongo.ChangeStream, s *Store) {
	defer close(sub.ch)
	defer func() {
		if err := stream.Close(context.Background()); err != nil {
			s.logger.Printf("Warning: failed to close change stream: %v", err)
		}
	}()

	for stream.Next(ctx) {
		var event struct {
			FullDocument schema.Record `bson:"fullDocument"`
		}
		if err := stream.Decode(&event); err != nil {
			s.logger.Printf("Warning: failed to decode change event: %v", err)
			continue
		}
		if event.FullDocument.ID == "" {
			continue
		}

		select {
		case sub.ch <- []schema.Record{event.FullDocument}:
		case <-ctx.Done():
			return
		}
	}

	if err := stream.Err(); err != nil && ctx.Err() == nil {
		sub.mu.Lock()
		sub.err = mapError("change stream", err)
		sub.mu.Unlock()
	}
}

func (sub *streamSubscription) Changes() <-chan []schema.Record { return sub.ch }

func (sub *streamSubscription) Err() error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.err
}

func (sub *streamSubscription) Close() error {
	sub.cancel()
	return nil
}
