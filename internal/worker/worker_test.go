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

package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/threadwell/mailroom/internal/address"
	"github.com/threadwell/mailroom/internal/attach"
	"github.com/threadwell/mailroom/internal/document"
	"github.com/threadwell/mailroom/internal/models"
	"github.com/threadwell/mailroom/internal/queue"
	"github.com/threadwell/mailroom/internal/thread"
)

const sampleMessage = "From: Alice <alice@ext.test>\r\n" +
	"To: sales@acme.test\r\n" +
	"Subject: Hello\r\n" +
	"Message-ID: <abc@x>\r\n" +
	"Content-Type: text/html\r\n" +
	"\r\n" +
	"<p>Hi there</p><img src=\"cid:logo@local\">\r\n"

type fakeRouter struct {
	route *models.ResolvedRoute
	err   error
}

func (f *fakeRouter) Resolve(_ context.Context, _ models.RouteParams, _ string) (*models.ResolvedRoute, error) {
	return f.route, f.err
}

type fakeResolver struct {
	env        *address.Envelope
	gotForward string
	gotSig     address.Signature
}

func (f *fakeResolver) ResolveEnvelope(_ context.Context, _ int64, _ *models.ParsedEmail, forwardingAddress string, sig address.Signature) (*address.Envelope, error) {
	f.gotForward = forwardingAddress
	f.gotSig = sig
	return f.env, nil
}

type fakeThreader struct {
	result *thread.Result
	err    error
	calls  int
	gotIn  thread.Input
}

func (f *fakeThreader) Thread(_ context.Context, in thread.Input) (*thread.Result, error) {
	f.calls++
	f.gotIn = in
	return f.result, f.err
}

type fakeUploader struct {
	result *attach.Result
	calls  int
}

func (f *fakeUploader) UploadAll(_ context.Context, _ string, _, _ int64, _ []models.AttachmentFile) *attach.Result {
	f.calls++
	if f.result == nil {
		return &attach.Result{CIDUrls: map[string]string{}}
	}
	return f.result
}

type fakeNotifier struct {
	newConvos  []string
	newEntries [][2]string
	targets    []string
}

func (f *fakeNotifier) ConversationNew(_ context.Context, targets []string, publicID string) {
	f.targets = targets
	f.newConvos = append(f.newConvos, publicID)
}

func (f *fakeNotifier) EntryNew(_ context.Context, targets []string, convoPublicID, entryPublicID string) {
	f.targets = targets
	f.newEntries = append(f.newEntries, [2]string{convoPublicID, entryPublicID})
}

type fakeEntryStore struct {
	stored      *models.Entry
	finalizedID int64
	body        string
	rawHTML     string
	archivedID  int64
	wipeDate    time.Time
}

func (f *fakeEntryStore) EntryByExternalID(_ context.Context, _ int64, _ string) (*models.Entry, error) {
	return f.stored, nil
}

func (f *fakeEntryStore) FinalizeEntry(_ context.Context, entryID int64, body, rawHTML string) error {
	f.finalizedID = entryID
	f.body = body
	f.rawHTML = rawHTML
	return nil
}

func (f *fakeEntryStore) ArchiveEmail(_ context.Context, entryID int64, _ map[string]string, _ string, wipeDate time.Time) error {
	f.archivedID = entryID
	f.wipeDate = wipeDate
	return nil
}

type fakeSeen struct {
	fresh        bool
	forgets      int
	forgetCtxErr error
}

func (f *fakeSeen) IsNew(_ context.Context, _ int64, _ string) (bool, error) { return f.fresh, nil }
func (f *fakeSeen) Forget(ctx context.Context, _ int64, _ string) error {
	f.forgets++
	f.forgetCtxErr = ctx.Err()
	return nil
}

type fixture struct {
	router   *fakeRouter
	resolver *fakeResolver
	threader *fakeThreader
	uploader *fakeUploader
	notifier *fakeNotifier
	entries  *fakeEntryStore
	seen     *fakeSeen
	worker   *Worker
}

func newFixture() *fixture {
	contactID := int64(30)
	f := &fixture{
		router: &fakeRouter{route: &models.ResolvedRoute{OrgID: 7, OrgPublicID: "org-pub"}},
		resolver: &fakeResolver{env: &address.Envelope{
			From: &models.AddressResolution{Kind: models.KindContact, ID: 30},
			To: []models.AddressResolution{
				{Kind: models.KindIdentity, ID: 1, PublicID: "id-1", Role: models.RoleTo},
			},
		}},
		threader: &fakeThreader{result: &thread.Result{
			NewConversation: true,
			Conversation:    &models.Conversation{ID: 100, PublicID: "convo-pub"},
			Entry:           &models.Entry{ID: 200, PublicID: "entry-pub"},
			Author:          &models.Participant{ID: 300, ContactID: &contactID},
		}},
		uploader: &fakeUploader{},
		notifier: &fakeNotifier{},
		entries:  &fakeEntryStore{},
		seen:     &fakeSeen{fresh: true},
	}
	f.worker = New(f.router, document.NewTransformer(), f.resolver, f.threader, f.uploader, f.notifier, f.entries, f.seen, time.Minute, 28*24*time.Hour)
	return f
}

func sampleJob() models.InboundJob {
	return models.InboundJob{
		RawMessage: models.RawMessage{ID: 1, RcptTo: "sales@acme.test", Message: sampleMessage, Size: int64(len(sampleMessage))},
		Params:     models.RouteParams{OrgID: 0, MailServerID: "root"},
	}
}

func TestProcess(t *testing.T) {
	f := newFixture()
	f.uploader.result = &attach.Result{
		Attachments: []models.Attachment{{ID: 1, PublicID: "blob-1"}},
		CIDUrls:     map[string]string{"logo@local": "https://cdn.example/attachments/blob-1"},
	}

	if err := f.worker.Process(context.Background(), sampleJob()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if f.threader.calls != 1 {
		t.Fatalf("thread calls = %d, want 1", f.threader.calls)
	}
	if f.threader.gotIn.Size != int64(len(sampleMessage)) {
		t.Errorf("size = %d, want transport size", f.threader.gotIn.Size)
	}

	if f.entries.finalizedID != 200 || f.entries.archivedID != 200 {
		t.Errorf("finalized = %d, archived = %d, want entry 200", f.entries.finalizedID, f.entries.archivedID)
	}
	if !strings.Contains(f.entries.body, "https://cdn.example/attachments/blob-1") {
		t.Errorf("body = %q, want inline cid rewritten", f.entries.body)
	}
	if remaining := time.Until(f.entries.wipeDate); remaining < 27*24*time.Hour {
		t.Errorf("wipe date only %v away, want ~28d", remaining)
	}

	if len(f.notifier.newConvos) != 1 || f.notifier.newConvos[0] != "convo-pub" {
		t.Errorf("convo:new = %v", f.notifier.newConvos)
	}
	if len(f.notifier.targets) != 1 || f.notifier.targets[0] != "id-1" {
		t.Errorf("targets = %v, want the resolved identity", f.notifier.targets)
	}
	if f.seen.forgets != 0 {
		t.Error("dedup key released on success")
	}
}

func TestProcess_EntryNotification(t *testing.T) {
	f := newFixture()
	f.threader.result.NewConversation = false

	if err := f.worker.Process(context.Background(), sampleJob()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.notifier.newEntries) != 1 {
		t.Fatalf("convo:entry:new = %v", f.notifier.newEntries)
	}
	if got := f.notifier.newEntries[0]; got != [2]string{"convo-pub", "entry-pub"} {
		t.Errorf("entry event = %v", got)
	}
}

// TestProcess_SeenSkips verifies the Redis fast path short-circuits once
// the stored entry confirms the earlier delivery actually persisted.
func TestProcess_SeenSkips(t *testing.T) {
	f := newFixture()
	f.seen.fresh = false
	f.entries.stored = &models.Entry{ID: 200, OrgID: 7, ExternalMessageID: "abc@x"}

	if err := f.worker.Process(context.Background(), sampleJob()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.threader.calls != 0 {
		t.Error("threader called for a seen message")
	}
	if len(f.notifier.newConvos) != 0 {
		t.Error("notification sent for a seen message")
	}
}

// TestProcess_SeenKeyWithoutRowReprocesses verifies a leftover seen key
// from a crashed or timed-out attempt does not drop the message: with no
// entry row stored, the pipeline runs again.
func TestProcess_SeenKeyWithoutRowReprocesses(t *testing.T) {
	f := newFixture()
	f.seen.fresh = false
	f.entries.stored = nil

	if err := f.worker.Process(context.Background(), sampleJob()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.threader.calls != 1 {
		t.Fatalf("thread calls = %d, want reprocessing", f.threader.calls)
	}
	if f.entries.finalizedID != 200 {
		t.Error("entry not finalized on reprocess")
	}
}

// TestProcess_ThreaderDuplicate verifies a store-level duplicate is a
// silent success: no uploads, no finalize, no notification.
func TestProcess_ThreaderDuplicate(t *testing.T) {
	f := newFixture()
	f.threader.result = &thread.Result{Duplicate: true}

	if err := f.worker.Process(context.Background(), sampleJob()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.uploader.calls != 0 {
		t.Error("uploader called for duplicate")
	}
	if f.entries.finalizedID != 0 {
		t.Error("entry finalized for duplicate")
	}
	if len(f.notifier.newConvos)+len(f.notifier.newEntries) != 0 {
		t.Error("notification sent for duplicate")
	}
}

// TestProcess_FailureReleasesDedupKey verifies a post-gate failure frees
// the key so the retry is not misread as a duplicate.
func TestProcess_FailureReleasesDedupKey(t *testing.T) {
	f := newFixture()
	f.threader.err = errors.New("db down")

	err := f.worker.Process(context.Background(), sampleJob())
	if err == nil {
		t.Fatal("want error")
	}
	if f.seen.forgets != 1 {
		t.Errorf("forgets = %d, want 1", f.seen.forgets)
	}
}

// TestProcess_ForgetSurvivesJobDeadline verifies the dedup-key release
// runs on a live context even when the job failed because its own
// deadline expired, so the retry is not misread as a duplicate.
func TestProcess_ForgetSurvivesJobDeadline(t *testing.T) {
	f := newFixture()
	f.threader.err = context.DeadlineExceeded

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	err := f.worker.Process(ctx, sampleJob())
	if err == nil {
		t.Fatal("want error")
	}
	if f.seen.forgets != 1 {
		t.Fatalf("forgets = %d, want 1", f.seen.forgets)
	}
	if f.seen.forgetCtxErr != nil {
		t.Errorf("forget ran on a dead context: %v", f.seen.forgetCtxErr)
	}
}

func TestProcess_RoutingErrors(t *testing.T) {
	f := newFixture()
	f.router.err = models.ErrRouting

	if err := f.worker.Process(context.Background(), sampleJob()); !errors.Is(err, models.ErrRouting) {
		t.Errorf("err = %v, want ErrRouting", err)
	}
	if f.seen.forgets != 0 {
		t.Error("dedup key touched before the gate")
	}

	job := sampleJob()
	job.RawMessage.RcptTo = "not-an-address"
	if err := f.worker.Process(context.Background(), job); !errors.Is(err, models.ErrInvalidRoutingParameters) {
		t.Errorf("err = %v, want ErrInvalidRoutingParameters", err)
	}
}

type fakeSource struct {
	cancel context.CancelFunc
	tasks  []*queue.Task
	acked  []string
	failed []string
}

func (f *fakeSource) Next(ctx context.Context) (*queue.Task, error) {
	if len(f.tasks) == 0 {
		f.cancel()
		return nil, ctx.Err()
	}
	task := f.tasks[0]
	f.tasks = f.tasks[1:]
	return task, nil
}

func (f *fakeSource) Ack(_ context.Context, task *queue.Task) error {
	f.acked = append(f.acked, task.ID)
	return nil
}

func (f *fakeSource) Fail(_ context.Context, task *queue.Task) error {
	f.failed = append(f.failed, task.ID)
	return nil
}

// TestRun verifies the consume loop acks successes, fails failures, and
// stops on cancellation.
func TestRun(t *testing.T) {
	f := newFixture()

	good := &queue.Task{ID: "t-good", Job: sampleJob()}
	badJob := sampleJob()
	badJob.RawMessage.RcptTo = "not-an-address"
	bad := &queue.Task{ID: "t-bad", Job: badJob}

	ctx, cancel := context.WithCancel(context.Background())
	source := &fakeSource{cancel: cancel, tasks: []*queue.Task{good, bad}}

	f.worker.Run(ctx, source)

	if len(source.acked) != 1 || source.acked[0] != "t-good" {
		t.Errorf("acked = %v, want [t-good]", source.acked)
	}
	if len(source.failed) != 1 || source.failed[0] != "t-bad" {
		t.Errorf("failed = %v, want [t-bad]", source.failed)
	}
}

// TestProcess_ForwardingAddressPassedThrough verifies the fwd-branch CC
// echo reaches address resolution.
func TestProcess_ForwardingAddressPassedThrough(t *testing.T) {
	f := newFixture()
	f.router.route.ForwardingAddress = "support@acme.test"

	if err := f.worker.Process(context.Background(), sampleJob()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.resolver.gotForward != "support@acme.test" {
		t.Errorf("forwardingAddress = %q", f.resolver.gotForward)
	}
}
