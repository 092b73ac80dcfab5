// Package mongostore implements remote.Store on MongoDB.
//
// One Mongo collection backs each logical vault collection; snapshot chunks
// live in a dedicated "snapshots" collection keyed by their deterministic
// id. Change subscriptions use change streams, which require the deployment
// to be a replica set (Atlas and any production topology qualify).
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dskora/vaultsync/internal/vault/remote"
	"github.com/dskora/vaultsync/internal/vault/schema"
)

const snapshotsCollection = "snapshots"

// Store implements remote.Store against a MongoDB database.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger *log.Logger
}

// Connect dials MongoDB and returns a Store bound to the given database.
// The caller must call Close when done.
func Connect(ctx context.Context, uri, database string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[mongostore] ", log.LstdFlags)
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &Store{
		client: client,
		db:     client.Database(database),
		logger: logger,
	}, nil
}

// Close disconnects from MongoDB.
func (s *Store) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect from MongoDB: %w", err)
	}
	return nil
}

// EnsureIndexes creates the per-collection indexes the delta path depends
// on. Index builds are asynchronous server-side; until a build completes,
// delta queries may fail with an index-unready error and the engine falls
// back to bootstrap.
func (s *Store) EnsureIndexes(ctx context.Context, collections []string) error {
	for _, name := range collections {
		_, err := s.db.Collection(name).Indexes().CreateMany(ctx, []mongo.IndexModel{
			{Keys: bson.D{{Key: "userId", Value: 1}}},
			{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "updatedAt", Value: 1}}},
		})
		if err != nil {
			return fmt.Errorf("failed to create indexes for %s: %w", name, err)
		}
	}
	_, err := s.db.Collection(snapshotsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "userId", Value: 1}, {Key: "collection", Value: 1}, {Key: "chunkIndex", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create snapshot index: %w", err)
	}
	return nil
}

// ListPage implements remote.Store using _id-ordered pagination: the
// continuation token is the last _id of the previous page.
func (s *Store) ListPage(ctx context.Context, collection, userID, pageToken string, limit int) (remote.Page, error) {
	filter := bson.M{"userId": userID}
	if pageToken != "" {
		filter["_id"] = bson.M{"$gt": pageToken}
	}

	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cur, err := s.db.Collection(collection).Find(ctx, filter, opts)
	if err != nil {
		return remote.Page{}, mapError("list page", err)
	}

	var records []schema.Record
	if err := cur.All(ctx, &records); err != nil {
		return remote.Page{}, mapError("decode page", err)
	}

	page := remote.Page{Records: records}
	if limit > 0 && len(records) == limit {
		page.NextToken = records[len(records)-1].ID
	}
	return page, nil
}

// ChangesSince implements remote.Store with the compound
// (userId, updatedAt > since) range query, ascending.
func (s *Store) ChangesSince(ctx context.Context, collection, userID string, since int64, limit int) ([]schema.Record, error) {
	filter := bson.M{
		"userId":    userID,
		"updatedAt": bson.M{"$gt": since},
	}
	opts := options.Find().SetSort(bson.D{{Key: "updatedAt", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cur, err := s.db.Collection(collection).Find(ctx, filter, opts)
	if err != nil {
		return nil, mapError("changes since", err)
	}

	var records []schema.Record
	if err := cur.All(ctx, &records); err != nil {
		return nil, mapError("decode changes", err)
	}
	return records, nil
}

// ListAll implements remote.Store: one full scan of the user's live
// records, used only by snapshot rebuilds.
func (s *Store) ListAll(ctx context.Context, collection, userID string) ([]schema.Record, error) {
	filter := bson.M{
		"userId":  userID,
		"deleted": bson.M{"$ne": true},
	}
	opts := options.Find().SetSort(bson.D{{Key: "updatedAt", Value: 1}, {Key: "_id", Value: 1}})

	cur, err := s.db.Collection(collection).Find(ctx, filter, opts)
	if err != nil {
		return nil, mapError("list all", err)
	}

	var records []schema.Record
	if err := cur.All(ctx, &records); err != nil {
		return nil, mapError("decode records", err)
	}
	return records, nil
}

// SoftDeleteBatch implements remote.Store. The tombstone writes run inside
// a single transaction so partial application is never observable.
func (s *Store) SoftDeleteBatch(ctx context.Context, collection, userID string, ids []string, now int64) error {
	if len(ids) == 0 {
		return nil
	}

	models := make([]mongo.WriteModel, 0, len(ids))
	for _, id := range ids {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": id, "userId": userID}).
			SetUpdate(bson.M{"$set": bson.M{"deleted": true, "updatedAt": now}}))
	}

	session, err := s.client.StartSession()
	if err != nil {
		return mapError("start session", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return s.db.Collection(collection).BulkWrite(sc, models, options.BulkWrite().SetOrdered(true))
	})
	if err != nil {
		return mapError("soft delete batch", err)
	}
	return nil
}

// ReadChunks implements remote.Store.
func (s *Store) ReadChunks(ctx context.Context, collection, userID string) ([]schema.SnapshotChunk, error) {
	filter := bson.M{"userId": userID, "collection": collection}
	opts := options.Find().SetSort(bson.D{{Key: "chunkIndex", Value: 1}})

	cur, err := s.db.Collection(snapshotsCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, mapError("read chunks", err)
	}

	var chunks []schema.SnapshotChunk
	if err := cur.All(ctx, &chunks); err != nil {
		return nil, mapError("decode chunks", err)
	}
	return chunks, nil
}

// LatestChunk implements remote.Store.
func (s *Store) LatestChunk(ctx context.Context, collection, userID string) (*schema.SnapshotChunk, error) {
	filter := bson.M{"userId": userID, "collection": collection}
	opts := options.FindOne().SetSort(bson.D{{Key: "chunkIndex", Value: -1}})

	var chunk schema.SnapshotChunk
	err := s.db.Collection(snapshotsCollection).FindOne(ctx, filter, opts).Decode(&chunk)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("latest chunk", err)
	}
	return &chunk, nil
}

// WriteChunk implements remote.Store. ReplaceOne with upsert on the
// deterministic _id overwrites a rebuilt chunk in place.
func (s *Store) WriteChunk(ctx context.Context, chunk schema.SnapshotChunk) error {
	if err := chunk.Validate(); err != nil {
		return err
	}
	_, err := s.db.Collection(snapshotsCollection).ReplaceOne(ctx,
		bson.M{"_id": chunk.ID}, chunk, options.Replace().SetUpsert(true))
	if err != nil {
		return mapError("write chunk", err)
	}
	return nil
}

// DeleteChunksFrom implements remote.Store.
func (s *Store) DeleteChunksFrom(ctx context.Context, collection, userID string, fromIndex int) error {
	filter := bson.M{
		"userId":     userID,
		"collection": collection,
		"chunkIndex": bson.M{"$gte": fromIndex},
	}
	if _, err := s.db.Collection(snapshotsCollection).DeleteMany(ctx, filter); err != nil {
		return mapError("delete chunks", err)
	}
	return nil
}

// healthCheckTimeout bounds the ping performed by Healthy.
const healthCheckTimeout = 5 * time.Second

// Healthy reports whether the remote deployment is reachable.
func (s *Store) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	if err := s.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("remote store unreachable: %w", err)
	}
	return nil
}
