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

// Package lock guards report generation with a short-lived Redis key per
// user and day, so two generate requests for the same report do not race.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nocreport/reporter/internal/timezone"
)

const (
	// DefaultTTL bounds how long a crashed generator can block the day.
	DefaultTTL = 2 * time.Minute

	keyPrefix = "noc:generate:"
)

// ErrBusy is returned by Acquire when another generation holds the key.
var ErrBusy = errors.New("report generation already in progress")

// releaseScript deletes the key only if it still holds our token.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// Client is the subset of go-redis used by Guard.
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Guard hands out per-(user, day) generation leases.
type Guard struct {
	rdb Client
	ttl time.Duration
}

// NewGuard creates a guard backed by Redis. A nil client yields a guard
// that always grants.
func NewGuard(rdb Client) *Guard {
	return &Guard{rdb: rdb, ttl: DefaultTTL}
}

// Lease is a held generation slot. Release is safe on a zero Lease.
type Lease struct {
	rdb   Client
	key   string
	token string
}

// Key returns the Redis key for a user's local day.
func Key(userID string, date time.Time) string {
	return fmt.Sprintf("%s%s:%s", keyPrefix, userID, timezone.FormatDate(date))
}

// Acquire takes the slot for userID's local day containing date. When Redis
// is unreachable it logs and grants an unguarded lease rather than blocking
// generation.
func (g *Guard) Acquire(ctx context.Context, userID string, date time.Time) (*Lease, error) {
	if g == nil || g.rdb == nil {
		return &Lease{}, nil
	}

	key := Key(userID, date)
	token := uuid.NewString()

	set, err := g.rdb.SetNX(ctx, key, token, g.ttl).Result()
	if err != nil {
		slog.Warn("generation lock unavailable, proceeding unguarded",
			"key", key,
			"error", err,
		)
		return &Lease{}, nil
	}
	if !set {
		return nil, ErrBusy
	}

	return &Lease{rdb: g.rdb, key: key, token: token}, nil
}

// Release frees the slot if this lease still owns it.
func (l *Lease) Release(ctx context.Context) {
	if l == nil || l.rdb == nil {
		return
	}
	if err := l.rdb.Eval(ctx, releaseScript, []string{l.key}, l.token).Err(); err != nil {
		slog.Warn("failed to release generation lock",
			"key", l.key,
			"error", err,
		)
	}
}
