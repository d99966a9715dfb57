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

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/threadwell/mailroom/internal/models"
)

// CreateAttachment records an uploaded attachment against its entry. The
// public id comes from the blob-store grant, not generated here.
func (s *Store) CreateAttachment(ctx context.Context, attachment models.Attachment) (*models.Attachment, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO attachments
			(public_id, entry_id, participant_id, filename, content_type, size, url)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, attachment.PublicID, attachment.EntryID, attachment.ParticipantID,
		attachment.Filename, attachment.ContentType, attachment.Size, attachment.URL)

	if err := row.Scan(&attachment.ID); err != nil {
		return nil, err
	}
	return &attachment, nil
}

// ArchiveEmail stores the compliance copy of the delivered message with
// its retention deadline. The sweeper that honors wipe_date runs
// elsewhere.
func (s *Store) ArchiveEmail(ctx context.Context, entryID int64, headers map[string]string, html string, wipeDate time.Time) error {
	encoded, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("marshal archive headers: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO email_archive (entry_id, headers, html, wipe_date)
		VALUES ($1, $2, $3, $4)
	`, entryID, encoded, html, wipeDate)
	return err
}
