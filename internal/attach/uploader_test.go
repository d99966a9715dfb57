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

package attach

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/threadwell/mailroom/internal/models"
)

type fakeRegistrar struct {
	mu      sync.Mutex
	created []models.Attachment
}

func (f *fakeRegistrar) CreateAttachment(_ context.Context, a models.Attachment) (*models.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a.ID = int64(len(f.created) + 1)
	f.created = append(f.created, a)
	return &a, nil
}

// blobServer simulates the presign + upload pair. failFilename, when set,
// makes the PUT for that file return 500.
func blobServer(t *testing.T, failFilename string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var puts atomic.Int32
	var n atomic.Int32

	mux := http.NewServeMux()
	var server *httptest.Server
	mux.HandleFunc("POST /attachments/presign", func(w http.ResponseWriter, r *http.Request) {
		var req presignRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad presign body: %v", err)
		}
		if req.OrgPublicID != "org-pub" {
			t.Errorf("orgPublicId = %q, want org-pub", req.OrgPublicID)
		}
		id := n.Add(1)
		json.NewEncoder(w).Encode(presignResponse{
			PublicID:  fmt.Sprintf("blob-%d", id),
			SignedURL: server.URL + "/upload/" + req.Filename,
		})
	})
	mux.HandleFunc("PUT /upload/", func(w http.ResponseWriter, r *http.Request) {
		puts.Add(1)
		if failFilename != "" && strings.HasSuffix(r.URL.Path, failFilename) {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if _, err := io.ReadAll(r.Body); err != nil {
			t.Errorf("read upload body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	})

	server = httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, &puts
}

func TestUploadAll(t *testing.T) {
	server, puts := blobServer(t, "")
	reg := &fakeRegistrar{}
	u := NewUploader(NewBlobClient(server.Client(), server.URL, "https://cdn.example"), reg)

	files := []models.AttachmentFile{
		{Filename: "report.pdf", ContentType: "application/pdf", Data: []byte("%PDF-")},
		{Filename: "logo.png", ContentType: "image/png", ContentID: "logo@local", Data: []byte{0x89, 0x50}},
	}

	res := u.UploadAll(context.Background(), "org-pub", 42, 9, files)

	if len(res.Attachments) != 2 {
		t.Fatalf("attachments = %d, want 2", len(res.Attachments))
	}
	if got := puts.Load(); got != 2 {
		t.Errorf("uploads = %d, want 2", got)
	}
	for _, a := range res.Attachments {
		if a.EntryID != 42 || a.ParticipantID != 9 {
			t.Errorf("attachment linkage = %+v", a)
		}
		if !strings.HasPrefix(a.URL, "https://cdn.example/attachments/blob-") {
			t.Errorf("url = %q, want public base", a.URL)
		}
	}

	url, ok := res.CIDUrls["logo@local"]
	if !ok || !strings.HasPrefix(url, "https://cdn.example/attachments/") {
		t.Errorf("cid map = %v, want logo@local entry", res.CIDUrls)
	}
	if _, ok := res.CIDUrls[""]; ok {
		t.Error("empty content id mapped")
	}
}

// TestUploadAll_FailureIsolation verifies one failed upload never sinks
// its siblings.
func TestUploadAll_FailureIsolation(t *testing.T) {
	server, _ := blobServer(t, "bad.bin")
	reg := &fakeRegistrar{}
	u := NewUploader(NewBlobClient(server.Client(), server.URL, ""), reg)

	files := []models.AttachmentFile{
		{Filename: "good.txt", ContentType: "text/plain", Data: []byte("ok")},
		{Filename: "bad.bin", ContentType: "application/octet-stream", Data: []byte{0}},
		{Filename: "also-good.txt", ContentType: "text/plain", Data: []byte("ok")},
	}

	res := u.UploadAll(context.Background(), "org-pub", 42, 9, files)

	if len(res.Attachments) != 2 {
		t.Fatalf("attachments = %d, want the 2 survivors", len(res.Attachments))
	}
	for _, a := range res.Attachments {
		if a.Filename == "bad.bin" {
			t.Error("failed upload was registered")
		}
	}
	if len(reg.created) != 2 {
		t.Errorf("registered = %d, want 2", len(reg.created))
	}
}

func TestFallbackFilename(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	if got := fallbackFilename(0, "text/calendar; method=REQUEST", now); got != "Calendar Invite.ics" {
		t.Errorf("calendar filename = %q", got)
	}
	got := fallbackFilename(2, "application/pdf", now)
	if !strings.HasPrefix(got, "Attachment 3 2026-03-14") || !strings.HasSuffix(got, ".pdf") {
		t.Errorf("pdf filename = %q", got)
	}
	got = fallbackFilename(0, "application/x-unknown-thing", now)
	if !strings.HasSuffix(got, ".bin") {
		t.Errorf("unknown-type filename = %q, want .bin fallback", got)
	}
}
