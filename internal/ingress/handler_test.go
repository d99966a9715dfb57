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

package ingress

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/threadwell/mailroom/internal/models"
)

type fakePublisher struct {
	published []models.InboundJob
	err       error
}

func (f *fakePublisher) Publish(_ context.Context, job models.InboundJob) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, job)
	return nil
}

const validBody = `{
	"rawMessage": {"id": 1, "rcpt_to": "sales@acme.test", "mail_from": "alice@ext.test", "message": "raw", "base64": false, "size": 3},
	"params": {"orgId": 0, "mailserverId": "root"}
}`

func post(t *testing.T, h *Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/deliveries", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeDelivery(rec, req)
	return rec
}

func TestServeDelivery(t *testing.T) {
	pub := &fakePublisher{}
	h := NewHandler(pub)

	rec := post(t, h, validBody)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if len(pub.published) != 1 {
		t.Fatalf("published = %d, want 1", len(pub.published))
	}

	job := pub.published[0]
	if job.RawMessage.RcptTo != "sales@acme.test" || job.Params.MailServerID != "root" {
		t.Errorf("job = %+v", job)
	}
}

func TestServeDelivery_Rejections(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"not json", "{nope", http.StatusBadRequest},
		{"missing rcpt", `{"rawMessage": {"id": 1, "message": "raw"}, "params": {"orgId": 0, "mailserverId": "root"}}`, http.StatusBadRequest},
		{"bare rcpt", `{"rawMessage": {"id": 1, "rcpt_to": "not-an-address", "message": "raw"}, "params": {}}`, http.StatusBadRequest},
		{"empty message", `{"rawMessage": {"id": 1, "rcpt_to": "a@b.test", "message": ""}, "params": {}}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &fakePublisher{}
			rec := post(t, NewHandler(pub), tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if len(pub.published) != 0 {
				t.Error("rejected delivery was published")
			}
		})
	}
}

func TestServeDelivery_QueueDown(t *testing.T) {
	pub := &fakePublisher{err: errors.New("redis down")}
	rec := post(t, NewHandler(pub), validBody)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestServeDelivery_MethodNotAllowed(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/deliveries", nil)
	rec := httptest.NewRecorder()
	NewHandler(&fakePublisher{}).ServeDelivery(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}
