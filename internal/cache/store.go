// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache provides the MongoDB-backed per-user email cache used to
// short-circuit remote mail fetches. Expiry is a TTL index on cachedAt; no
// eviction happens in application code.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nocreport/reporter/internal/models"
)

const (
	collectionName = "email_cache"

	// Retention is how long a cached message lives before the TTL index
	// removes it.
	Retention = 30 * 24 * time.Hour
)

// ErrDuplicateKey is returned by Insert when (user, message) is already cached.
var ErrDuplicateKey = errors.New("message already cached")

// Store reads and writes cached messages.
type Store struct {
	collection *mongo.Collection
}

// NewStore creates a cache store on db.
func NewStore(db *mongo.Database) *Store {
	return &Store{collection: db.Collection(collectionName)}
}

// EnsureIndexes creates the uniqueness, range and TTL indexes.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "userId", Value: 1}, {Key: "messageId", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("userId_messageId_unique"),
		},
		{
			Keys:    bson.D{{Key: "userId", Value: 1}, {Key: "receivedAt", Value: -1}},
			Options: options.Index().SetName("userId_receivedAt"),
		},
		{
			Keys:    bson.D{{Key: "cachedAt", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(Retention / time.Second)).SetName("ttl_30days"),
		},
	}

	if _, err := s.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("create email cache indexes: %w", err)
	}
	return nil
}

// Find returns one cached message, or nil when absent.
func (s *Store) Find(ctx context.Context, userID, messageID string) (*models.CachedMessage, error) {
	var msg models.CachedMessage
	err := s.collection.FindOne(ctx, bson.M{"userId": userID, "messageId": messageID}).Decode(&msg)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("find cached message: %w", err)
	}
	return &msg, nil
}

// FindByDateRange returns a user's messages received within [start, end),
// newest first.
func (s *Store) FindByDateRange(ctx context.Context, userID string, start, end time.Time) ([]models.CachedMessage, error) {
	filter := bson.M{
		"userId":     userID,
		"receivedAt": bson.M{"$gte": start.UTC(), "$lt": end.UTC()},
	}
	return s.find(ctx, filter)
}

func (s *Store) find(ctx context.Context, filter bson.M) ([]models.CachedMessage, error) {
	opts := options.Find().SetSort(bson.D{{Key: "receivedAt", Value: -1}})

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query email cache: %w", err)
	}
	defer cursor.Close(ctx)

	var out []models.CachedMessage
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode cached messages: %w", err)
	}
	return out, nil
}

// Insert stores msg. An existing (user, message) pair yields ErrDuplicateKey.
func (s *Store) Insert(ctx context.Context, msg *models.CachedMessage) error {
	if _, err := s.collection.InsertOne(ctx, msg); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert cached message: %w", err)
	}
	return nil
}
