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

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/threadwell/mailroom/internal/models"
)

const entryColumns = `id, public_id, org_id, conversation_id, subject_id, author_participant_id,
	reply_to_id, external_message_id, body, raw_html, state, metadata, created_at`

// EntryByExternalID finds an entry by the (org, external message id)
// idempotency key.
func (s *Store) EntryByExternalID(ctx context.Context, orgID int64, externalID string) (*models.Entry, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM conversation_entries
		WHERE org_id = $1 AND external_message_id = $2
	`, orgID, externalID)
	return scanEntry(row)
}

// EntryByAnyExternalID finds the most recent entry whose external id is in
// the given ancestor set.
func (s *Store) EntryByAnyExternalID(ctx context.Context, orgID int64, externalIDs []string) (*models.Entry, error) {
	if len(externalIDs) == 0 {
		return nil, nil
	}
	row := s.db.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM conversation_entries
		WHERE org_id = $1 AND external_message_id = ANY($2)
		ORDER BY id DESC
		LIMIT 1
	`, orgID, externalIDs)
	return scanEntry(row)
}

// ConversationByID loads one conversation.
func (s *Store) ConversationByID(ctx context.Context, id int64) (*models.Conversation, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, public_id, org_id, created_at, last_updated_at
		FROM conversations
		WHERE id = $1
	`, id)

	var c models.Conversation
	err := row.Scan(&c.ID, &c.PublicID, &c.OrgID, &c.CreatedAt, &c.LastUpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SubjectByID loads one subject record.
func (s *Store) SubjectByID(ctx context.Context, id int64) (*models.Subject, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, conversation_id, subject, created_at
		FROM conversation_subjects
		WHERE id = $1
	`, id)

	var sub models.Subject
	err := row.Scan(&sub.ID, &sub.ConversationID, &sub.Subject, &sub.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// CreateConversation inserts a fresh conversation for the org.
func (s *Store) CreateConversation(ctx context.Context, orgID int64) (*models.Conversation, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO conversations (public_id, org_id)
		VALUES ($1, $2)
		RETURNING id, public_id, org_id, created_at, last_updated_at
	`, uuid.NewString(), orgID)

	var c models.Conversation
	if err := row.Scan(&c.ID, &c.PublicID, &c.OrgID, &c.CreatedAt, &c.LastUpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateSubject appends a subject record to a conversation.
func (s *Store) CreateSubject(ctx context.Context, conversationID int64, subject string) (*models.Subject, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO conversation_subjects (conversation_id, subject)
		VALUES ($1, $2)
		RETURNING id, conversation_id, subject, created_at
	`, conversationID, subject)

	var sub models.Subject
	if err := row.Scan(&sub.ID, &sub.ConversationID, &sub.Subject, &sub.CreatedAt); err != nil {
		return nil, err
	}
	return &sub, nil
}

// Participants lists a conversation's participants.
func (s *Store) Participants(ctx context.Context, conversationID int64) ([]models.Participant, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, conversation_id, member_id, team_id, contact_id, role
		FROM conversation_participants
		WHERE conversation_id = $1
		ORDER BY id
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Participant
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(&p.ID, &p.ConversationID, &p.MemberID, &p.TeamID, &p.ContactID, &p.Role); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AddParticipant inserts a participant row. A concurrent insert for the
// same member/team/contact trips a partial unique index; the insert is
// skipped and the existing row is returned instead.
func (s *Store) AddParticipant(ctx context.Context, p models.Participant) (*models.Participant, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO conversation_participants (conversation_id, member_id, team_id, contact_id, role)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING
		RETURNING id, conversation_id, member_id, team_id, contact_id, role
	`, p.ConversationID, p.MemberID, p.TeamID, p.ContactID, p.Role)

	created, err := scanParticipant(row)
	if err != nil {
		return nil, err
	}
	if created != nil {
		return created, nil
	}

	// Lost the race; load the row the other transaction inserted.
	var existing *models.Participant
	switch {
	case p.MemberID != nil:
		existing, err = s.participantBy(ctx, p.ConversationID, "member_id", *p.MemberID)
	case p.TeamID != nil:
		existing, err = s.participantBy(ctx, p.ConversationID, "team_id", *p.TeamID)
	case p.ContactID != nil:
		existing, err = s.participantBy(ctx, p.ConversationID, "contact_id", *p.ContactID)
	default:
		return nil, fmt.Errorf("participant for conversation %d has no member, team, or contact", p.ConversationID)
	}
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("participant insert skipped but no existing row for conversation %d", p.ConversationID)
	}
	return existing, nil
}

func (s *Store) participantBy(ctx context.Context, conversationID int64, column string, id int64) (*models.Participant, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, conversation_id, member_id, team_id, contact_id, role
		FROM conversation_participants
		WHERE conversation_id = $1 AND `+column+` = $2
	`, conversationID, id)
	return scanParticipant(row)
}

// DestinationsForIdentities lists the routing destinations of the given
// identities.
func (s *Store) DestinationsForIdentities(ctx context.Context, identityIDs []int64) ([]models.RoutingDestination, error) {
	if len(identityIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, identity_id, member_id, team_id, space_id, is_default
		FROM routing_destinations
		WHERE identity_id = ANY($1)
		ORDER BY id
	`, identityIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.RoutingDestination
	for rows.Next() {
		var d models.RoutingDestination
		if err := rows.Scan(&d.ID, &d.IdentityID, &d.MemberID, &d.TeamID, &d.SpaceID, &d.IsDefault); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ConversationSpaceIDs lists the spaces a conversation is linked into.
func (s *Store) ConversationSpaceIDs(ctx context.Context, conversationID int64) ([]int64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT space_id FROM conversation_spaces WHERE conversation_id = $1
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// FirstOpenStage returns the lowest-positioned open stage of a space.
func (s *Store) FirstOpenStage(ctx context.Context, spaceID int64) (*models.SpaceStage, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, space_id, name, kind, position
		FROM space_stages
		WHERE space_id = $1 AND kind = 'open'
		ORDER BY position
		LIMIT 1
	`, spaceID)

	var st models.SpaceStage
	err := row.Scan(&st.ID, &st.SpaceID, &st.Name, &st.Kind, &st.Position)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// LinkConversationSpace links a conversation into a space, reporting
// whether the link was newly inserted.
func (s *Store) LinkConversationSpace(ctx context.Context, conversationID, spaceID int64, stageID *int64) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO conversation_spaces (conversation_id, space_id, stage_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id, space_id) DO NOTHING
	`, conversationID, spaceID, stageID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// DefaultDestination returns the identity's default routing destination.
func (s *Store) DefaultDestination(ctx context.Context, identityID int64) (*models.RoutingDestination, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, identity_id, member_id, team_id, space_id, is_default
		FROM routing_destinations
		WHERE identity_id = $1 AND is_default
		LIMIT 1
	`, identityID)

	var d models.RoutingDestination
	err := row.Scan(&d.ID, &d.IdentityID, &d.MemberID, &d.TeamID, &d.SpaceID, &d.IsDefault)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// FirstAuthorizedSender returns the first-positioned member authorized to
// send as the identity.
func (s *Store) FirstAuthorizedSender(ctx context.Context, identityID int64) (*models.OrgMember, error) {
	row := s.db.QueryRow(ctx, `
		SELECT m.id, m.public_id, m.org_id, m.display_name
		FROM identity_senders s
		JOIN org_members m ON m.id = s.member_id
		WHERE s.identity_id = $1
		ORDER BY s.position
		LIMIT 1
	`, identityID)
	return scanMember(row)
}

// FirstSpaceMember returns the first member of the identity's first
// authorized space.
func (s *Store) FirstSpaceMember(ctx context.Context, identityID int64) (*models.OrgMember, error) {
	row := s.db.QueryRow(ctx, `
		SELECT m.id, m.public_id, m.org_id, m.display_name
		FROM identity_spaces isp
		JOIN space_members sm ON sm.space_id = isp.space_id
		JOIN org_members m ON m.id = sm.member_id
		WHERE isp.identity_id = $1
		ORDER BY isp.position, sm.position
		LIMIT 1
	`, identityID)
	return scanMember(row)
}

// CreateEntry inserts the first-phase entry row. A unique violation on
// (org_id, external_message_id) reports ErrDuplicateMessage so a lost
// race with a concurrent delivery reads as a duplicate, not a failure.
func (s *Store) CreateEntry(ctx context.Context, entry models.Entry) (*models.Entry, error) {
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal entry metadata: %w", err)
	}

	row := s.db.QueryRow(ctx, `
		INSERT INTO conversation_entries
			(public_id, org_id, conversation_id, subject_id, author_participant_id,
			 reply_to_id, external_message_id, body, state, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+entryColumns+`
	`, uuid.NewString(), entry.OrgID, entry.ConversationID, entry.SubjectID, entry.AuthorParticipantID,
		entry.ReplyToID, entry.ExternalMessageID, entry.Body, entry.State, metadata)

	created, err := scanEntry(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("entry %s: %w", entry.ExternalMessageID, models.ErrDuplicateMessage)
		}
		return nil, err
	}
	return created, nil
}

// TouchConversation bumps last_updated_at.
func (s *Store) TouchConversation(ctx context.Context, conversationID int64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE conversations SET last_updated_at = NOW() WHERE id = $1
	`, conversationID)
	return err
}

// LinkReply records the reply edge between two entries.
func (s *Store) LinkReply(ctx context.Context, entryID, replyToID int64) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO entry_replies (entry_id, reply_to_entry_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, entryID, replyToID)
	return err
}

// FinalizeEntry completes the two-phase write: the cid-rewritten body and
// sanitized full rendering land and the entry leaves pending state.
func (s *Store) FinalizeEntry(ctx context.Context, entryID int64, body, rawHTML string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE conversation_entries
		SET body = $1, raw_html = $2, state = $3
		WHERE id = $4
	`, body, rawHTML, models.EntryFinalized, entryID)
	return err
}

func scanEntry(row pgx.Row) (*models.Entry, error) {
	var e models.Entry
	var metadata []byte
	err := row.Scan(
		&e.ID, &e.PublicID, &e.OrgID, &e.ConversationID, &e.SubjectID, &e.AuthorParticipantID,
		&e.ReplyToID, &e.ExternalMessageID, &e.Body, &e.RawHTML, &e.State, &metadata, &e.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal entry metadata: %w", err)
		}
	}
	return &e, nil
}

func scanParticipant(row pgx.Row) (*models.Participant, error) {
	var p models.Participant
	err := row.Scan(&p.ID, &p.ConversationID, &p.MemberID, &p.TeamID, &p.ContactID, &p.Role)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanMember(row pgx.Row) (*models.OrgMember, error) {
	var m models.OrgMember
	err := row.Scan(&m.ID, &m.PublicID, &m.OrgID, &m.DisplayName)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}
