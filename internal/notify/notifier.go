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

// Package notify publishes realtime events over Redis pub/sub so the
// client-facing layer can push updates to connected users. Notification
// is best effort: failures are logged, never propagated, because the
// message itself is already durably stored.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Event is one published notification. TargetIdentityIDs carries the
// public ids of the org-owned identities whose watchers should be woken.
type Event struct {
	Event             string            `json:"event"`
	TargetIdentityIDs []string          `json:"targetIdentityIds"`
	Data              map[string]string `json:"data"`
}

// Notifier publishes events to a Redis channel.
type Notifier struct {
	rdb     *redis.Client
	channel string
}

// NewNotifier creates a notifier publishing to the given channel.
func NewNotifier(rdb *redis.Client, channel string) *Notifier {
	return &Notifier{rdb: rdb, channel: channel}
}

// ConversationNew announces a newly created conversation.
func (n *Notifier) ConversationNew(ctx context.Context, targets []string, conversationPublicID string) {
	n.publish(ctx, Event{
		Event:             "convo:new",
		TargetIdentityIDs: targets,
		Data:              map[string]string{"publicId": conversationPublicID},
	})
}

// EntryNew announces a new entry appended to an existing conversation.
func (n *Notifier) EntryNew(ctx context.Context, targets []string, conversationPublicID, entryPublicID string) {
	n.publish(ctx, Event{
		Event:             "convo:entry:new",
		TargetIdentityIDs: targets,
		Data: map[string]string{
			"convoPublicId":      conversationPublicID,
			"convoEntryPublicId": entryPublicID,
		},
	})
}

func (n *Notifier) publish(ctx context.Context, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal notification", "event", event.Event, "error", err)
		return
	}

	if err := n.rdb.Publish(ctx, n.channel, payload).Err(); err != nil {
		slog.Error("failed to publish notification",
			"event", event.Event,
			"channel", n.channel,
			"error", err,
		)
		return
	}

	slog.Debug("published notification",
		"event", event.Event,
		"targets", len(event.TargetIdentityIDs),
	)
}
