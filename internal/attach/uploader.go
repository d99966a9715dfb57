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

// Package attach uploads decoded MIME attachments to the blob-storage
// collaborator and registers them against their conversation entry.
// Uploads run concurrently and settle-all: one failed file is logged and
// dropped, the rest of the message still goes through.
package attach

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/threadwell/mailroom/internal/models"
)

// BlobClient talks to the blob-storage service. The HTTP client is
// expected to carry client-credentials auth.
type BlobClient struct {
	httpClient *http.Client
	baseURL    string
	publicURL  string
}

// NewBlobClient creates a blob-storage client. publicURL is the base for
// the durable download URLs recorded on attachments; it falls back to
// baseURL when empty.
func NewBlobClient(httpClient *http.Client, baseURL, publicURL string) *BlobClient {
	if publicURL == "" {
		publicURL = baseURL
	}
	return &BlobClient{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		publicURL:  strings.TrimRight(publicURL, "/"),
	}
}

type presignRequest struct {
	OrgPublicID string `json:"orgPublicId"`
	Filename    string `json:"filename"`
}

type presignResponse struct {
	PublicID  string `json:"publicId"`
	SignedURL string `json:"signedUrl"`
}

// Presign requests an upload grant for one file and returns the blob's
// public id together with the one-time signed upload URL.
func (c *BlobClient) Presign(ctx context.Context, orgPublicID, filename string) (*presignResponse, error) {
	body, err := json.Marshal(presignRequest{OrgPublicID: orgPublicID, Filename: filename})
	if err != nil {
		return nil, fmt.Errorf("marshal presign request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/attachments/presign", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build presign request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("presign: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("blob store returned HTTP %d for presign of %q", resp.StatusCode, filename)
	}

	var grant presignResponse
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return nil, fmt.Errorf("decode presign response: %w", err)
	}
	if grant.SignedURL == "" || grant.PublicID == "" {
		return nil, fmt.Errorf("incomplete presign response for %q", filename)
	}
	return &grant, nil
}

// Put uploads the file bytes to a signed URL with the original content type.
func (c *BlobClient) Put(ctx context.Context, signedURL, contentType string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, signedURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("blob store returned HTTP %d for upload", resp.StatusCode)
	}
	return nil
}

// URL returns the durable download URL for an uploaded blob.
func (c *BlobClient) URL(publicID string) string {
	return c.publicURL + "/attachments/" + publicID
}

// Registrar persists attachment records once their blobs are uploaded.
type Registrar interface {
	CreateAttachment(ctx context.Context, attachment models.Attachment) (*models.Attachment, error)
}

// Uploader uploads and registers the attachments of one entry.
type Uploader struct {
	blob      *BlobClient
	registrar Registrar
}

// NewUploader creates an attachment uploader.
func NewUploader(blob *BlobClient, registrar Registrar) *Uploader {
	return &Uploader{blob: blob, registrar: registrar}
}

// Result holds the registered attachments and the content-id → URL map
// used to rewrite inline cid: references in the message body.
type Result struct {
	Attachments []models.Attachment
	CIDUrls     map[string]string
}

// UploadAll uploads every file concurrently and registers the successful
// ones against the entry. Failures are logged and excluded; UploadAll
// itself only fails on a nil receiver misuse, never on per-file errors.
func (u *Uploader) UploadAll(ctx context.Context, orgPublicID string, entryID, participantID int64, files []models.AttachmentFile) *Result {
	uploaded := make([]*models.Attachment, len(files))
	cids := make([]string, len(files))

	var wg sync.WaitGroup
	for i, file := range files {
		wg.Add(1)
		go func(i int, file models.AttachmentFile) {
			defer wg.Done()

			filename := file.Filename
			if filename == "" {
				filename = fallbackFilename(i, file.ContentType, time.Now())
			}

			att, err := u.uploadOne(ctx, orgPublicID, entryID, participantID, filename, file)
			if err != nil {
				slog.Error("attachment upload failed",
					"entry_id", entryID,
					"filename", filename,
					"error", err,
				)
				return
			}
			uploaded[i] = att
			cids[i] = file.ContentID
		}(i, file)
	}
	wg.Wait()

	res := &Result{CIDUrls: make(map[string]string)}
	for i, att := range uploaded {
		if att == nil {
			continue
		}
		res.Attachments = append(res.Attachments, *att)
		if cids[i] != "" {
			res.CIDUrls[cids[i]] = att.URL
		}
	}
	return res
}

func (u *Uploader) uploadOne(ctx context.Context, orgPublicID string, entryID, participantID int64, filename string, file models.AttachmentFile) (*models.Attachment, error) {
	grant, err := u.blob.Presign(ctx, orgPublicID, filename)
	if err != nil {
		return nil, err
	}

	if err := u.blob.Put(ctx, grant.SignedURL, file.ContentType, file.Data); err != nil {
		return nil, err
	}

	att, err := u.registrar.CreateAttachment(ctx, models.Attachment{
		PublicID:      grant.PublicID,
		EntryID:       entryID,
		ParticipantID: participantID,
		Filename:      filename,
		ContentType:   file.ContentType,
		Size:          int64(len(file.Data)),
		URL:           u.blob.URL(grant.PublicID),
	})
	if err != nil {
		return nil, fmt.Errorf("register attachment: %w", err)
	}
	return att, nil
}

// fallbackFilename names parts that arrived without one. Calendar parts
// get a fixed human-readable name; everything else is numbered and dated
// with an extension guessed from the content type.
func fallbackFilename(index int, contentType string, now time.Time) string {
	base, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		base = contentType
	}
	if base == "text/calendar" {
		return "Calendar Invite.ics"
	}

	ext := ".bin"
	if exts, err := mime.ExtensionsByType(base); err == nil && len(exts) > 0 {
		ext = exts[0]
	}
	return fmt.Sprintf("Attachment %d %s%s", index+1, now.Format("2006-01-02"), ext)
}
