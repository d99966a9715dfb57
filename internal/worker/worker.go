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

// Package worker runs the inbound-message pipeline: consume a queued
// delivery, resolve its route, parse and clean the message, thread it
// into a conversation, upload attachments, finalize the entry, archive
// the original, and notify watchers.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/threadwell/mailroom/internal/address"
	"github.com/threadwell/mailroom/internal/attach"
	"github.com/threadwell/mailroom/internal/document"
	"github.com/threadwell/mailroom/internal/mailparse"
	"github.com/threadwell/mailroom/internal/models"
	"github.com/threadwell/mailroom/internal/queue"
	"github.com/threadwell/mailroom/internal/thread"
)

// Collaborator interfaces, narrowed to what the pipeline calls so tests
// can substitute fakes per stage.

type router interface {
	Resolve(ctx context.Context, params models.RouteParams, recipient string) (*models.ResolvedRoute, error)
}

type envelopeResolver interface {
	ResolveEnvelope(ctx context.Context, orgID int64, parsed *models.ParsedEmail, forwardingAddress string, sig address.Signature) (*address.Envelope, error)
}

type threader interface {
	Thread(ctx context.Context, in thread.Input) (*thread.Result, error)
}

type uploader interface {
	UploadAll(ctx context.Context, orgPublicID string, entryID, participantID int64, files []models.AttachmentFile) *attach.Result
}

type notifier interface {
	ConversationNew(ctx context.Context, targets []string, conversationPublicID string)
	EntryNew(ctx context.Context, targets []string, conversationPublicID, entryPublicID string)
}

type entryStore interface {
	EntryByExternalID(ctx context.Context, orgID int64, externalID string) (*models.Entry, error)
	FinalizeEntry(ctx context.Context, entryID int64, body, rawHTML string) error
	ArchiveEmail(ctx context.Context, entryID int64, headers map[string]string, html string, wipeDate time.Time) error
}

type seenFilter interface {
	IsNew(ctx context.Context, orgID int64, messageID string) (bool, error)
	Forget(ctx context.Context, orgID int64, messageID string) error
}

type taskSource interface {
	Next(ctx context.Context) (*queue.Task, error)
	Ack(ctx context.Context, task *queue.Task) error
	Fail(ctx context.Context, task *queue.Task) error
}

// Worker processes inbound jobs end to end. One goroutine per Run call;
// run several over the same consumer for parallelism.
type Worker struct {
	router      router
	transformer *document.Transformer
	resolver    envelopeResolver
	threader    threader
	uploader    uploader
	notifier    notifier
	entries     entryStore
	seen        seenFilter

	jobTimeout time.Duration
	retention  time.Duration
}

// New creates a worker wired to its collaborators.
func New(router router, transformer *document.Transformer, resolver envelopeResolver, threader threader, uploader uploader, notifier notifier, entries entryStore, seen seenFilter, jobTimeout, retention time.Duration) *Worker {
	return &Worker{
		router:      router,
		transformer: transformer,
		resolver:    resolver,
		threader:    threader,
		uploader:    uploader,
		notifier:    notifier,
		entries:     entries,
		seen:        seen,
		jobTimeout:  jobTimeout,
		retention:   retention,
	}
}

// Run consumes tasks until the context is cancelled. Each task gets its
// own timeout; failures go back through the queue's retry accounting.
func (w *Worker) Run(ctx context.Context, source taskSource) {
	for {
		task, err := source.Next(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Error("failed to fetch next task", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if task == nil {
			continue
		}

		jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
		err = w.Process(jobCtx, task.Job)
		cancel()

		if err != nil {
			slog.Error("job failed",
				"task_id", task.ID,
				"attempt", task.Attempt,
				"message_id", task.Job.RawMessage.ID,
				"error", err,
			)
			if failErr := source.Fail(ctx, task); failErr != nil {
				slog.Error("failed to requeue task", "task_id", task.ID, "error", failErr)
			}
			continue
		}

		if ackErr := source.Ack(ctx, task); ackErr != nil {
			slog.Error("failed to ack task", "task_id", task.ID, "error", ackErr)
		}
	}
}

// Process runs the full pipeline for one delivery. A nil return means
// the message is durably stored (or was already); any error means the
// queue should retry.
func (w *Worker) Process(ctx context.Context, job models.InboundJob) error {
	if !strings.Contains(job.RawMessage.RcptTo, "@") {
		return fmt.Errorf("%w: rcpt_to %q is not an address", models.ErrInvalidRoutingParameters, job.RawMessage.RcptTo)
	}

	route, err := w.router.Resolve(ctx, job.Params, job.RawMessage.RcptTo)
	if err != nil {
		return fmt.Errorf("route: %w", err)
	}

	raw, err := mailparse.Decode(job.RawMessage.Message, job.RawMessage.Base64)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	parsed, err := mailparse.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	// Fast-path dedup before any database work. The key is released on
	// failure so a retry is not misread as a duplicate.
	fresh, err := w.seen.IsNew(ctx, route.OrgID, parsed.MessageID)
	if err != nil {
		slog.Warn("dedup check failed, treating as new",
			"org_id", route.OrgID,
			"external_message_id", parsed.MessageID,
			"error", err,
		)
		fresh = true
	}
	if !fresh {
		// The seen key alone is not proof of persistence: a crashed or
		// timed-out attempt can leave it behind. Skip only when the
		// entry row actually exists; otherwise fall through and let the
		// threader's gate decide.
		existing, lookupErr := w.entries.EntryByExternalID(ctx, route.OrgID, parsed.MessageID)
		if lookupErr != nil {
			slog.Warn("duplicate confirmation lookup failed, reprocessing",
				"org_id", route.OrgID,
				"external_message_id", parsed.MessageID,
				"error", lookupErr,
			)
		}
		if lookupErr == nil && existing != nil {
			slog.Info("duplicate delivery skipped",
				"org_id", route.OrgID,
				"external_message_id", parsed.MessageID,
			)
			return nil
		}
	}

	if err := w.ingest(ctx, job, route, parsed); err != nil {
		// The release must survive the job deadline, or a timed-out job
		// leaves the key set and its retry is misread as a duplicate.
		forgetCtx, forgetCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer forgetCancel()
		if forgetErr := w.seen.Forget(forgetCtx, route.OrgID, parsed.MessageID); forgetErr != nil {
			slog.Warn("failed to release dedup key",
				"org_id", route.OrgID,
				"external_message_id", parsed.MessageID,
				"error", forgetErr,
			)
		}
		return err
	}
	return nil
}

func (w *Worker) ingest(ctx context.Context, job models.InboundJob, route *models.ResolvedRoute, parsed *models.ParsedEmail) error {
	full := w.transformer.Full(parsed.HTMLBody)
	stripped := w.transformer.Stripped(parsed.HTMLBody)
	sigHTML, sigText := w.transformer.Signature(parsed.HTMLBody)

	env, err := w.resolver.ResolveEnvelope(ctx, route.OrgID, parsed, route.ForwardingAddress, address.Signature{Text: sigText, HTML: sigHTML})
	if err != nil {
		return fmt.Errorf("resolve addresses: %w", err)
	}

	res, err := w.threader.Thread(ctx, thread.Input{
		Route:    *route,
		Parsed:   parsed,
		Envelope: env,
		Body:     stripped,
		Size:     job.RawMessage.Size,
	})
	if err != nil {
		return fmt.Errorf("thread: %w", err)
	}
	if res.Duplicate {
		slog.Info("message already threaded",
			"org_id", route.OrgID,
			"external_message_id", parsed.MessageID,
		)
		return nil
	}

	uploads := w.uploader.UploadAll(ctx, route.OrgPublicID, res.Entry.ID, res.Author.ID, parsed.Attachments)

	body := document.RewriteCIDs(stripped, uploads.CIDUrls)
	archived := document.RewriteCIDs(full, uploads.CIDUrls)

	if err := w.entries.FinalizeEntry(ctx, res.Entry.ID, body, archived); err != nil {
		return fmt.Errorf("finalize entry: %w", err)
	}
	if err := w.entries.ArchiveEmail(ctx, res.Entry.ID, parsed.Headers, archived, time.Now().Add(w.retention)); err != nil {
		return fmt.Errorf("archive: %w", err)
	}

	targets := env.IdentityPublicIDs()
	if res.NewConversation {
		w.notifier.ConversationNew(ctx, targets, res.Conversation.PublicID)
	} else {
		w.notifier.EntryNew(ctx, targets, res.Conversation.PublicID, res.Entry.PublicID)
	}

	slog.Info("message ingested",
		"org_id", route.OrgID,
		"conversation_id", res.Conversation.ID,
		"entry_id", res.Entry.ID,
		"new_conversation", res.NewConversation,
		"attachments", len(uploads.Attachments),
	)
	return nil
}
