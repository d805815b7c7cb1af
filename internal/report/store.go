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

package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nocreport/reporter/internal/models"
)

const collectionName = "reports"

// document is the stored form of a report; the id lives in _id.
type document struct {
	ObjectID      primitive.ObjectID `bson:"_id,omitempty"`
	models.Report `bson:",inline"`
}

func (d *document) report() *models.Report {
	r := d.Report
	r.ID = d.ObjectID.Hex()
	return &r
}

// MongoStore keeps reports in the "reports" collection.
type MongoStore struct {
	collection *mongo.Collection
}

// NewMongoStore creates a report store on db.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{collection: db.Collection(collectionName)}
}

// EnsureIndexes creates the lookup indexes and the one-report-per-day
// uniqueness constraint.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "userId", Value: 1}, {Key: "date", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("userId_date_unique"),
		},
		{
			Keys:    bson.D{{Key: "userId", Value: 1}, {Key: "date", Value: -1}},
			Options: options.Index().SetName("userId_date_desc"),
		},
		{
			Keys:    bson.D{{Key: "entries.sourceMessageId", Value: 1}},
			Options: options.Index().SetName("entries_sourceMessageId"),
		},
		{
			Keys:    bson.D{{Key: "createdAt", Value: -1}},
			Options: options.Index().SetName("createdAt_desc"),
		},
	}

	if _, err := s.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("create report indexes: %w", err)
	}
	return nil
}

// FindByUserAndDate returns the user's report for the day starting at date,
// or nil.
func (s *MongoStore) FindByUserAndDate(ctx context.Context, userID string, date time.Time) (*models.Report, error) {
	return s.findOne(ctx, bson.M{"userId": userID, "date": date.UTC()})
}

// FindByID returns the report with id, or nil. Malformed ids are treated
// as absent.
func (s *MongoStore) FindByID(ctx context.Context, id string) (*models.Report, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, nil
	}
	return s.findOne(ctx, bson.M{"_id": oid})
}

func (s *MongoStore) findOne(ctx context.Context, filter bson.M) (*models.Report, error) {
	var doc document
	if err := s.collection.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("query report: %w", err)
	}
	return doc.report(), nil
}

// FindByUser pages through a user's reports, newest day first.
func (s *MongoStore) FindByUser(ctx context.Context, userID string, limit, offset int) ([]models.Report, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "date", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))

	cursor, err := s.collection.Find(ctx, bson.M{"userId": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode reports: %w", err)
	}

	out := make([]models.Report, 0, len(docs))
	for i := range docs {
		out = append(out, *docs[i].report())
	}
	return out, nil
}

// Create inserts r and sets r.ID.
func (s *MongoStore) Create(ctx context.Context, r *models.Report) error {
	res, err := s.collection.InsertOne(ctx, document{Report: *r})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrExists
		}
		return fmt.Errorf("insert report: %w", err)
	}
	if oid, ok := res.InsertedID.(primitive.ObjectID); ok {
		r.ID = oid.Hex()
	}
	return nil
}

// Replace overwrites entries and statistics and bumps the version.
func (s *MongoStore) Replace(ctx context.Context, id string, upd Replacement) (*models.Report, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrNotFound
	}

	filter := bson.M{"_id": oid}
	if upd.ExpectedVersion != nil {
		filter["version"] = *upd.ExpectedVersion
	}
	update := bson.M{
		"$set": bson.M{
			"entries":        upd.Entries,
			"statistics":     upd.Statistics,
			"updatedAt":      upd.UpdatedAt.UTC(),
			"lastModifiedBy": upd.ModifiedBy,
		},
		"$inc": bson.M{"version": 1},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc document
	err = s.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err == nil {
		return doc.report(), nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("update report: %w", err)
	}

	if upd.ExpectedVersion != nil {
		n, cerr := s.collection.CountDocuments(ctx, bson.M{"_id": oid})
		if cerr != nil {
			return nil, fmt.Errorf("count reports: %w", cerr)
		}
		if n > 0 {
			return nil, ErrVersionConflict
		}
	}
	return nil, ErrNotFound
}
