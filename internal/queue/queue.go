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

// Package queue moves inbound jobs through Redis lists. The ingress side
// LPUSHes a JSON task envelope; workers BLMOVE tasks into a per-queue
// processing list, acknowledge with LREM on success, and requeue or
// dead-letter on failure.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/threadwell/mailroom/internal/models"
)

// Task wraps one inbound job for Redis transport.
type Task struct {
	ID         string            `json:"id"`
	Attempt    int               `json:"attempt"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
	Job        models.InboundJob `json:"job"`

	// raw is the exact payload pulled from Redis, kept for LREM.
	raw string
}

// Publisher enqueues inbound jobs.
type Publisher struct {
	rdb       *redis.Client
	queueName string
}

// NewPublisher creates a Redis publisher targeting the specified queue.
func NewPublisher(rdb *redis.Client, queueName string) *Publisher {
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
	}
}

// Publish serialises the job and pushes it onto the inbound queue.
func (p *Publisher) Publish(ctx context.Context, job models.InboundJob) error {
	task := Task{
		ID:         uuid.New().String(),
		Attempt:    0,
		EnqueuedAt: time.Now().UTC(),
		Job:        job,
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	if err := p.rdb.LPush(ctx, p.queueName, string(payload)).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Info("published inbound job",
		"task_id", task.ID,
		"external_id", job.RawMessage.ID,
		"recipient", job.RawMessage.RcptTo,
		"queue", p.queueName,
	)

	return nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}

// Consumer pulls tasks off the inbound queue. Each pulled task sits in the
// processing list until acknowledged, so a crashed worker leaves evidence
// behind for a reaper to requeue.
type Consumer struct {
	rdb         *redis.Client
	queueName   string
	processing  string
	deadLetter  string
	maxAttempts int
}

// NewConsumer creates a consumer for the given inbound queue.
func NewConsumer(rdb *redis.Client, queueName, deadLetter string, maxAttempts int) *Consumer {
	return &Consumer{
		rdb:         rdb,
		queueName:   queueName,
		processing:  queueName + ":processing",
		deadLetter:  deadLetter,
		maxAttempts: maxAttempts,
	}
}

// Next blocks for up to five seconds waiting for a task. Returns (nil, nil)
// when the wait times out so the caller can re-check its context.
func (c *Consumer) Next(ctx context.Context) (*Task, error) {
	payload, err := c.rdb.BLMove(ctx, c.queueName, c.processing, "RIGHT", "LEFT", 5*time.Second).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis BLMOVE: %w", err)
	}

	var task Task
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		// Unparseable payloads go straight to the dead-letter list.
		slog.Error("dropping unparseable task payload", "error", err)
		c.rdb.LRem(ctx, c.processing, 1, payload)
		c.rdb.LPush(ctx, c.deadLetter, payload)
		return nil, nil
	}

	task.raw = payload
	return &task, nil
}

// Ack removes a completed task from the processing list.
func (c *Consumer) Ack(ctx context.Context, task *Task) error {
	if err := c.rdb.LRem(ctx, c.processing, 1, task.raw).Err(); err != nil {
		return fmt.Errorf("redis LREM: %w", err)
	}
	return nil
}

// Fail removes the task from the processing list and either requeues it
// with an incremented attempt counter or, once attempts are exhausted,
// pushes it onto the dead-letter list.
func (c *Consumer) Fail(ctx context.Context, task *Task) error {
	if err := c.rdb.LRem(ctx, c.processing, 1, task.raw).Err(); err != nil {
		return fmt.Errorf("redis LREM: %w", err)
	}

	task.Attempt++
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	if task.Attempt >= c.maxAttempts {
		slog.Warn("task exhausted retries, dead-lettering",
			"task_id", task.ID,
			"attempts", task.Attempt,
		)
		if err := c.rdb.LPush(ctx, c.deadLetter, string(payload)).Err(); err != nil {
			return fmt.Errorf("redis LPUSH dead-letter: %w", err)
		}
		return nil
	}

	if err := c.rdb.LPush(ctx, c.queueName, string(payload)).Err(); err != nil {
		return fmt.Errorf("redis LPUSH requeue: %w", err)
	}
	return nil
}
