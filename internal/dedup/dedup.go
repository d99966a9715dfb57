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

// Package dedup provides message deduplication using a Redis SET with TTL.
// This is a fast path only: the store's unique constraint on
// (org_id, external_message_id) remains the idempotency backstop.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long we remember a seen message. Queue retries
	// and transport redeliveries arrive well inside this window.
	DefaultTTL = 24 * time.Hour

	// keyPrefix namespaces dedup keys in Redis.
	keyPrefix = "mailroom:seen:"
)

// Filter tracks which (org, message-id) pairs have already been processed.
type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFilter creates a dedup filter backed by Redis.
func NewFilter(rdb *redis.Client) *Filter {
	return &Filter{
		rdb: rdb,
		ttl: DefaultTTL,
	}
}

func key(orgID int64, messageID string) string {
	return fmt.Sprintf("%s%d:%s", keyPrefix, orgID, messageID)
}

// IsNew returns true if the message has NOT been seen before. If true, the
// message is marked as seen atomically (SETNX).
func (f *Filter) IsNew(ctx context.Context, orgID int64, messageID string) (bool, error) {
	set, err := f.rdb.SetNX(ctx, key(orgID, messageID), 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}
	return set, nil
}

// Forget releases a seen marker. Called when processing fails so the
// queue's retry of the same message is not misclassified as a duplicate.
func (f *Filter) Forget(ctx context.Context, orgID int64, messageID string) error {
	if err := f.rdb.Del(ctx, key(orgID, messageID)).Err(); err != nil {
		return fmt.Errorf("dedup DEL: %w", err)
	}
	return nil
}
