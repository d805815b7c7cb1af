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

// Package database owns the process-wide MongoDB connection pool. The pool is
// opened lazily on first use, exactly once, and drained by Close.
package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ErrClosed is returned by DB after Close.
var ErrClosed = errors.New("database handle closed")

// Handle is an injectable, lazily connected MongoDB handle.
type Handle struct {
	uri  string
	name string

	once   sync.Once
	mu     sync.Mutex
	client *mongo.Client
	db     *mongo.Database
	err    error
	closed bool
}

// NewHandle records connection settings without dialling.
func NewHandle(uri, name string) *Handle {
	return &Handle{uri: uri, name: name}
}

// DB returns the database, connecting on the first call. A failed first
// connection is remembered and returned to every later caller.
func (h *Handle) DB(ctx context.Context) (*mongo.Database, error) {
	h.once.Do(func() { h.open(ctx) })

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	return h.db, h.err
}

// open dials outside the lock and publishes the client under it.
func (h *Handle) open(ctx context.Context) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return
	}

	client, err := connect(ctx, h.uri)

	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		h.err = err
		return
	}
	if h.closed {
		// Close ran while dialling
		_ = client.Disconnect(context.Background())
		return
	}
	h.client = client
	h.db = client.Database(h.name)
	slog.Info("connected to MongoDB", "database", h.name)
}

// Ping verifies the connection is alive.
func (h *Handle) Ping(ctx context.Context) error {
	db, err := h.DB(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return db.Client().Ping(ctx, nil)
}

// Close drains the pool. It is safe to call more than once.
func (h *Handle) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	if h.client == nil {
		return nil
	}
	if err := h.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect MongoDB: %w", err)
	}
	return nil
}

func connect(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	opts := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(10).
		SetMinPoolSize(2).
		SetMaxConnIdleTime(30 * time.Second)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping MongoDB: %w", err)
	}

	return client, nil
}
