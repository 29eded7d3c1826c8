// Package mongo provides a MongoDB implementation of store.Store.
package mongo

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/rbaliyan/inbox/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Compile-time check
var _ store.Store = (*Store)(nil)

// seqCounterID is the counters document holding the last allocated InboxSeq.
const seqCounterID = "inbox_seq"

// Store implements store.Store using MongoDB.
type Store struct {
	client    *mongo.Client
	db        *mongo.Database
	items     *mongo.Collection
	counters  *mongo.Collection
	cursors   *mongo.Collection
	opts      *options
	connected int32
	logger    *slog.Logger
}

// New creates a new MongoDB store with the provided client.
// Call Connect() to initialize the collections and indexes.
func New(client *mongo.Client, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		client: client,
		opts:   o,
		logger: o.logger,
	}
}

// Connect initializes the database, collections, and indexes.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}

	if s.client == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("mongo: client is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.client.Ping(ctx, nil); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("mongo ping: %w", err)
	}

	s.db = s.client.Database(s.opts.database)
	s.items = s.db.Collection(s.opts.collection)
	s.counters = s.db.Collection(s.opts.collection + "_counters")
	s.cursors = s.db.Collection(s.opts.collection + "_cursors")

	if err := s.ensureIndexes(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("ensure indexes: %w", err)
	}

	s.logger.Info("connected to MongoDB", "database", s.opts.database, "collection", s.opts.collection)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for disconnecting the MongoDB client.
func (s *Store) Close(ctx context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

// Drop removes every collection owned by the store. Intended for tests.
func (s *Store) Drop(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	for _, c := range []*mongo.Collection{s.items, s.counters, s.cursors} {
		if err := c.Drop(ctx); err != nil {
			return err
		}
	}
	return nil
}

// ensureIndexes creates required indexes.
func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		// Uniqueness: one item per recipient per source event.
		{
			Keys: bson.D{
				bson.E{Key: "tenant_id", Value: 1},
				bson.E{Key: "room_id", Value: 1},
				bson.E{Key: "actor_id", Value: 1},
				bson.E{Key: "source_event_id", Value: 1},
			},
			Options: mongoopts.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{bson.E{Key: "inbox_seq", Value: 1}},
			Options: mongoopts.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{bson.E{Key: "inbox_id", Value: 1}},
			Options: mongoopts.Index().SetUnique(true),
		},
		{Keys: bson.D{
			bson.E{Key: "tenant_id", Value: 1},
			bson.E{Key: "actor_id", Value: 1},
			bson.E{Key: "inbox_seq", Value: 1},
		}},
		{Keys: bson.D{
			bson.E{Key: "tenant_id", Value: 1},
			bson.E{Key: "room_id", Value: 1},
			bson.E{Key: "actor_id", Value: 1},
			bson.E{Key: "acked_at", Value: 1},
		}},
	}

	_, err := s.items.Indexes().CreateMany(ctx, indexes)
	return err
}

func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}
