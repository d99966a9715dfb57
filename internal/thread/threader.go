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

// Package thread decides whether an inbound message continues an existing
// conversation or starts a new one, and reconciles participants and space
// membership around that decision.
package thread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/threadwell/mailroom/internal/address"
	"github.com/threadwell/mailroom/internal/models"
)

// Store is the persistence the threader needs. All writes in one Thread
// call happen inside a single transaction via DB.InTx.
type Store interface {
	EntryByExternalID(ctx context.Context, orgID int64, externalID string) (*models.Entry, error)
	EntryByAnyExternalID(ctx context.Context, orgID int64, externalIDs []string) (*models.Entry, error)
	ConversationByID(ctx context.Context, id int64) (*models.Conversation, error)
	SubjectByID(ctx context.Context, id int64) (*models.Subject, error)
	CreateConversation(ctx context.Context, orgID int64) (*models.Conversation, error)
	CreateSubject(ctx context.Context, conversationID int64, subject string) (*models.Subject, error)
	Participants(ctx context.Context, conversationID int64) ([]models.Participant, error)
	AddParticipant(ctx context.Context, p models.Participant) (*models.Participant, error)
	DestinationsForIdentities(ctx context.Context, identityIDs []int64) ([]models.RoutingDestination, error)
	ConversationSpaceIDs(ctx context.Context, conversationID int64) ([]int64, error)
	FirstOpenStage(ctx context.Context, spaceID int64) (*models.SpaceStage, error)
	LinkConversationSpace(ctx context.Context, conversationID, spaceID int64, stageID *int64) (bool, error)
	DefaultDestination(ctx context.Context, identityID int64) (*models.RoutingDestination, error)
	FirstAuthorizedSender(ctx context.Context, identityID int64) (*models.OrgMember, error)
	FirstSpaceMember(ctx context.Context, identityID int64) (*models.OrgMember, error)
	CreateEntry(ctx context.Context, entry models.Entry) (*models.Entry, error)
	TouchConversation(ctx context.Context, conversationID int64) error
	LinkReply(ctx context.Context, entryID, replyToID int64) error
}

// DB is a Store that can run a function transactionally.
type DB interface {
	Store
	InTx(ctx context.Context, fn func(Store) error) error
}

// Input carries one resolved, parsed message into the threader.
type Input struct {
	Route    models.ResolvedRoute
	Parsed   *models.ParsedEmail
	Envelope *address.Envelope

	// Body is the stripped rendering used as the entry body for the
	// first write phase.
	Body string

	// Size is the transport-reported message size for the metadata
	// snapshot.
	Size int64
}

// Result reports what the threader did.
type Result struct {
	// Duplicate means the message was already processed; nothing was
	// written and no notification should be sent.
	Duplicate bool

	// NewConversation distinguishes convo:new from convo:entry:new.
	NewConversation bool

	Conversation *models.Conversation
	Entry        *models.Entry
	Author       *models.Participant
}

// Threader is the conversation threading state machine.
type Threader struct {
	db DB
}

// NewThreader creates a threader over the given store.
func NewThreader(db DB) *Threader {
	return &Threader{db: db}
}

// Thread runs the threading decision for one message:
//
//  1. idempotency gate on (org, external message id)
//  2. ancestor lookup → continue that entry's conversation, or start new
//  3. participant and space reconciliation
//  4. author participant resolution
//  5. first-phase entry write (pending attachments)
//
// The write path runs in one transaction; a unique-violation race on the
// idempotency key is reported as a duplicate, not an error.
func (t *Threader) Thread(ctx context.Context, in Input) (*Result, error) {
	// Fast-path gate before any write.
	existing, err := t.db.EntryByExternalID(ctx, in.Route.OrgID, in.Parsed.MessageID)
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	if existing != nil {
		return &Result{Duplicate: true}, nil
	}

	var res *Result
	err = t.db.InTx(ctx, func(s Store) error {
		var txErr error
		res, txErr = t.thread(ctx, s, in)
		return txErr
	})
	if errors.Is(err, models.ErrDuplicateMessage) {
		// Lost a race with a concurrent delivery of the same message.
		return &Result{Duplicate: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (t *Threader) thread(ctx context.Context, s Store, in Input) (*Result, error) {
	conversation, subjectID, replyToID, err := t.findOrCreateConversation(ctx, s, in)
	if err != nil {
		return nil, err
	}
	isNew := replyToID == nil

	participants, destinations, err := t.reconcileParticipants(ctx, s, conversation.ID, in.Envelope)
	if err != nil {
		return nil, err
	}

	if !isNew {
		if err := t.reconcileSpaces(ctx, s, conversation.ID, destinations); err != nil {
			return nil, err
		}
	}

	author, err := t.resolveAuthor(ctx, s, conversation.ID, participants, in.Envelope.From)
	if err != nil {
		return nil, err
	}

	entry, err := s.CreateEntry(ctx, models.Entry{
		OrgID:               in.Route.OrgID,
		ConversationID:      conversation.ID,
		SubjectID:           subjectID,
		AuthorParticipantID: author.ID,
		ReplyToID:           replyToID,
		ExternalMessageID:   in.Parsed.MessageID,
		Body:                in.Body,
		State:               models.EntryPendingAttachments,
		Metadata: models.EntryMetadata{
			From:              in.Envelope.From,
			To:                in.Envelope.To,
			Cc:                in.Envelope.Cc,
			ExternalMessageID: in.Parsed.MessageID,
			Size:              in.Size,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create entry: %w", err)
	}

	if err := s.TouchConversation(ctx, conversation.ID); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}

	if replyToID != nil {
		if err := s.LinkReply(ctx, entry.ID, *replyToID); err != nil {
			return nil, fmt.Errorf("link reply: %w", err)
		}
	}

	return &Result{
		NewConversation: isNew,
		Conversation:    conversation,
		Entry:           entry,
		Author:          author,
	}, nil
}

// findOrCreateConversation locates the conversation a reply belongs to
// via the ancestor-id set, or creates a fresh one. A dangling reply to an
// unknown ancestor is treated identically to a fresh conversation.
func (t *Threader) findOrCreateConversation(ctx context.Context, s Store, in Input) (conversation *models.Conversation, subjectID int64, replyToID *int64, err error) {
	if len(in.Parsed.AncestorIDs) > 0 {
		candidate, err := s.EntryByAnyExternalID(ctx, in.Route.OrgID, in.Parsed.AncestorIDs)
		if err != nil {
			return nil, 0, nil, fmt.Errorf("ancestor lookup: %w", err)
		}
		if candidate != nil {
			conversation, err := s.ConversationByID(ctx, candidate.ConversationID)
			if err != nil {
				return nil, 0, nil, fmt.Errorf("load conversation %d: %w", candidate.ConversationID, err)
			}
			if conversation == nil {
				return nil, 0, nil, fmt.Errorf("entry %d references missing conversation %d", candidate.ID, candidate.ConversationID)
			}

			subjectID, err := t.subjectFor(ctx, s, candidate, in.Parsed.Subject)
			if err != nil {
				return nil, 0, nil, err
			}

			replyTo := candidate.ID
			return conversation, subjectID, &replyTo, nil
		}
	}

	conversation, err = s.CreateConversation(ctx, in.Route.OrgID)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("create conversation: %w", err)
	}
	subject, err := s.CreateSubject(ctx, conversation.ID, in.Parsed.Subject)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("create subject: %w", err)
	}
	return conversation, subject.ID, nil, nil
}

// subjectFor reuses the candidate entry's subject when unchanged, or
// versions a new subject record onto the same conversation.
func (t *Threader) subjectFor(ctx context.Context, s Store, candidate *models.Entry, subject string) (int64, error) {
	current, err := s.SubjectByID(ctx, candidate.SubjectID)
	if err != nil {
		return 0, fmt.Errorf("load subject %d: %w", candidate.SubjectID, err)
	}
	if current != nil && current.Subject == subject {
		return current.ID, nil
	}
	created, err := s.CreateSubject(ctx, candidate.ConversationID, subject)
	if err != nil {
		return 0, fmt.Errorf("version subject: %w", err)
	}
	return created.ID, nil
}

// reconcileParticipants unions resolved contacts and routing-destination
// members/teams into the conversation's participant set. Returns the full
// participant list (existing plus added) and the destinations for the
// resolved identities.
func (t *Threader) reconcileParticipants(ctx context.Context, s Store, conversationID int64, env *address.Envelope) ([]models.Participant, []models.RoutingDestination, error) {
	participants, err := s.Participants(ctx, conversationID)
	if err != nil {
		return nil, nil, fmt.Errorf("load participants: %w", err)
	}

	destinations, err := s.DestinationsForIdentities(ctx, env.IdentityIDs())
	if err != nil {
		return nil, nil, fmt.Errorf("load destinations: %w", err)
	}

	haveContact := make(map[int64]bool)
	haveMember := make(map[int64]bool)
	haveTeam := make(map[int64]bool)
	for _, p := range participants {
		switch {
		case p.ContactID != nil:
			haveContact[*p.ContactID] = true
		case p.MemberID != nil:
			haveMember[*p.MemberID] = true
		case p.TeamID != nil:
			haveTeam[*p.TeamID] = true
		}
	}

	add := func(p models.Participant) error {
		created, err := s.AddParticipant(ctx, p)
		if err != nil {
			return fmt.Errorf("add participant: %w", err)
		}
		participants = append(participants, *created)
		return nil
	}

	for _, contactID := range env.ContactIDs() {
		if haveContact[contactID] {
			continue
		}
		haveContact[contactID] = true
		id := contactID
		if err := add(models.Participant{ConversationID: conversationID, ContactID: &id, Role: "contributor"}); err != nil {
			return nil, nil, err
		}
	}

	for _, dest := range destinations {
		switch {
		case dest.MemberID != nil && !haveMember[*dest.MemberID]:
			haveMember[*dest.MemberID] = true
			id := *dest.MemberID
			if err := add(models.Participant{ConversationID: conversationID, MemberID: &id, Role: "contributor"}); err != nil {
				return nil, nil, err
			}
		case dest.TeamID != nil && !haveTeam[*dest.TeamID]:
			haveTeam[*dest.TeamID] = true
			id := *dest.TeamID
			if err := add(models.Participant{ConversationID: conversationID, TeamID: &id, Role: "contributor"}); err != nil {
				return nil, nil, err
			}
		}
	}

	return participants, destinations, nil
}

// reconcileSpaces links the conversation into every space a matching
// routing rule points to. On first insertion into a space with an ordered
// list of open workflow stages, the conversation lands in the first one.
func (t *Threader) reconcileSpaces(ctx context.Context, s Store, conversationID int64, destinations []models.RoutingDestination) error {
	linked, err := s.ConversationSpaceIDs(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load conversation spaces: %w", err)
	}
	have := make(map[int64]bool, len(linked))
	for _, id := range linked {
		have[id] = true
	}

	for _, dest := range destinations {
		if dest.SpaceID == nil || have[*dest.SpaceID] {
			continue
		}
		have[*dest.SpaceID] = true

		var stageID *int64
		stage, err := s.FirstOpenStage(ctx, *dest.SpaceID)
		if err != nil {
			return fmt.Errorf("load stages for space %d: %w", *dest.SpaceID, err)
		}
		if stage != nil {
			stageID = &stage.ID
		}

		inserted, err := s.LinkConversationSpace(ctx, conversationID, *dest.SpaceID, stageID)
		if err != nil {
			return fmt.Errorf("link space %d: %w", *dest.SpaceID, err)
		}
		if inserted {
			slog.Debug("conversation linked to space",
				"conversation_id", conversationID,
				"space_id", *dest.SpaceID,
			)
		}
	}
	return nil
}

// resolveAuthor determines the authoring participant for the from
// resolution. An existing participant for the underlying contact is
// reused; identity senders fall back through default routing destination,
// first authorized sender, then first member of the first authorized
// space. Only when every fallback is exhausted does this fail.
func (t *Threader) resolveAuthor(ctx context.Context, s Store, conversationID int64, participants []models.Participant, from *models.AddressResolution) (*models.Participant, error) {
	if from == nil {
		return nil, fmt.Errorf("%w: missing from resolution", models.ErrNoAuthorFound)
	}

	if from.Kind == models.KindContact {
		for i := range participants {
			if participants[i].ContactID != nil && *participants[i].ContactID == from.ID {
				return &participants[i], nil
			}
		}
		id := from.ID
		created, err := s.AddParticipant(ctx, models.Participant{ConversationID: conversationID, ContactID: &id, Role: "contributor"})
		if err != nil {
			return nil, fmt.Errorf("add author participant: %w", err)
		}
		return created, nil
	}

	memberID, teamID, err := t.authorDestination(ctx, s, from.ID)
	if err != nil {
		return nil, err
	}

	for i := range participants {
		p := &participants[i]
		if memberID != nil && p.MemberID != nil && *p.MemberID == *memberID {
			return p, nil
		}
		if teamID != nil && p.TeamID != nil && *p.TeamID == *teamID {
			return p, nil
		}
	}

	created, err := s.AddParticipant(ctx, models.Participant{
		ConversationID: conversationID,
		MemberID:       memberID,
		TeamID:         teamID,
		Role:           "contributor",
	})
	if err != nil {
		return nil, fmt.Errorf("add author participant: %w", err)
	}
	return created, nil
}

// authorDestination walks the fallback chain for an identity sender.
func (t *Threader) authorDestination(ctx context.Context, s Store, identityID int64) (memberID, teamID *int64, err error) {
	dest, err := s.DefaultDestination(ctx, identityID)
	if err != nil {
		return nil, nil, fmt.Errorf("default destination: %w", err)
	}
	if dest != nil && (dest.MemberID != nil || dest.TeamID != nil) {
		return dest.MemberID, dest.TeamID, nil
	}

	sender, err := s.FirstAuthorizedSender(ctx, identityID)
	if err != nil {
		return nil, nil, fmt.Errorf("first authorized sender: %w", err)
	}
	if sender != nil {
		return &sender.ID, nil, nil
	}

	member, err := s.FirstSpaceMember(ctx, identityID)
	if err != nil {
		return nil, nil, fmt.Errorf("first space member: %w", err)
	}
	if member != nil {
		return &member.ID, nil, nil
	}

	return nil, nil, fmt.Errorf("%w: identity %d has no destination, sender, or space member", models.ErrNoAuthorFound, identityID)
}
