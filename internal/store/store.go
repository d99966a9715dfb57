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

// Package store is the Postgres persistence layer. It implements the
// directory lookups used by routing and address resolution and the
// transactional conversation store used by the threader.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/threadwell/mailroom/internal/thread"
)

// dbtx is the query surface shared by *pgxpool.Pool and pgx.Tx, so the
// same methods serve both pooled and in-transaction stores.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store provides all database operations. The zero value is not usable;
// create one with New.
type Store struct {
	pool *pgxpool.Pool
	db   dbtx
}

// New creates a store backed by the given Postgres pool. It ensures the
// schema exists on creation.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool, db: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	slog.Info("store initialised")
	return s, nil
}

// InTx runs fn inside a single transaction. The Store passed to fn issues
// every query on that transaction; it is rolled back when fn errors.
func (s *Store) InTx(ctx context.Context, fn func(thread.Store) error) error {
	if s.pool == nil {
		// Already inside a transaction; run directly.
		return fn(s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&Store{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Ping verifies database connectivity, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS orgs (
			id        BIGSERIAL PRIMARY KEY,
			public_id TEXT NOT NULL UNIQUE,
			name      TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS mail_servers (
			id        BIGSERIAL PRIMARY KEY,
			public_id TEXT NOT NULL UNIQUE,
			org_id    BIGINT NOT NULL REFERENCES orgs(id),
			hostname  TEXT DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS identities (
			id             BIGSERIAL PRIMARY KEY,
			public_id      TEXT NOT NULL UNIQUE,
			org_id         BIGINT NOT NULL REFERENCES orgs(id),
			username       TEXT NOT NULL,
			domain         TEXT NOT NULL,
			catch_all      BOOLEAN DEFAULT FALSE,
			forward_alias  TEXT DEFAULT '',
			signature_html TEXT DEFAULT '',
			UNIQUE(org_id, username, domain)
		);
		CREATE INDEX IF NOT EXISTS idx_identities_address ON identities(username, domain);
		CREATE INDEX IF NOT EXISTS idx_identities_alias ON identities(forward_alias) WHERE forward_alias <> '';

		CREATE TABLE IF NOT EXISTS org_members (
			id           BIGSERIAL PRIMARY KEY,
			public_id    TEXT NOT NULL UNIQUE,
			org_id       BIGINT NOT NULL REFERENCES orgs(id),
			display_name TEXT DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS teams (
			id        BIGSERIAL PRIMARY KEY,
			public_id TEXT NOT NULL UNIQUE,
			org_id    BIGINT NOT NULL REFERENCES orgs(id),
			name      TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS spaces (
			id        BIGSERIAL PRIMARY KEY,
			public_id TEXT NOT NULL UNIQUE,
			org_id    BIGINT NOT NULL REFERENCES orgs(id),
			name      TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS space_stages (
			id       BIGSERIAL PRIMARY KEY,
			space_id BIGINT NOT NULL REFERENCES spaces(id),
			name     TEXT NOT NULL,
			kind     TEXT NOT NULL,
			position INT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_space_stages_space ON space_stages(space_id, position);

		CREATE TABLE IF NOT EXISTS space_members (
			space_id  BIGINT NOT NULL REFERENCES spaces(id),
			member_id BIGINT NOT NULL REFERENCES org_members(id),
			position  INT DEFAULT 0,
			PRIMARY KEY (space_id, member_id)
		);

		CREATE TABLE IF NOT EXISTS routing_destinations (
			id          BIGSERIAL PRIMARY KEY,
			identity_id BIGINT NOT NULL REFERENCES identities(id),
			member_id   BIGINT REFERENCES org_members(id),
			team_id     BIGINT REFERENCES teams(id),
			space_id    BIGINT REFERENCES spaces(id),
			is_default  BOOLEAN DEFAULT FALSE
		);
		CREATE INDEX IF NOT EXISTS idx_routing_dest_identity ON routing_destinations(identity_id);

		CREATE TABLE IF NOT EXISTS identity_senders (
			id          BIGSERIAL PRIMARY KEY,
			identity_id BIGINT NOT NULL REFERENCES identities(id),
			member_id   BIGINT NOT NULL REFERENCES org_members(id),
			position    INT DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_identity_senders ON identity_senders(identity_id, position);

		CREATE TABLE IF NOT EXISTS identity_spaces (
			identity_id BIGINT NOT NULL REFERENCES identities(id),
			space_id    BIGINT NOT NULL REFERENCES spaces(id),
			position    INT DEFAULT 0,
			PRIMARY KEY (identity_id, space_id)
		);

		CREATE TABLE IF NOT EXISTS contact_reputation (
			id    BIGSERIAL PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			score INT DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS contacts (
			id             BIGSERIAL PRIMARY KEY,
			public_id      TEXT NOT NULL UNIQUE,
			org_id         BIGINT NOT NULL REFERENCES orgs(id),
			reputation_id  BIGINT NOT NULL REFERENCES contact_reputation(id),
			username       TEXT NOT NULL,
			domain         TEXT NOT NULL,
			display_name   TEXT DEFAULT '',
			status         TEXT DEFAULT 'pending',
			signature_text TEXT DEFAULT '',
			signature_html TEXT DEFAULT '',
			UNIQUE(org_id, username, domain)
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id              BIGSERIAL PRIMARY KEY,
			public_id       TEXT NOT NULL UNIQUE,
			org_id          BIGINT NOT NULL REFERENCES orgs(id),
			created_at      TIMESTAMPTZ DEFAULT NOW(),
			last_updated_at TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS conversation_subjects (
			id              BIGSERIAL PRIMARY KEY,
			conversation_id BIGINT NOT NULL REFERENCES conversations(id),
			subject         TEXT NOT NULL,
			created_at      TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS conversation_participants (
			id              BIGSERIAL PRIMARY KEY,
			conversation_id BIGINT NOT NULL REFERENCES conversations(id),
			member_id       BIGINT REFERENCES org_members(id),
			team_id         BIGINT REFERENCES teams(id),
			contact_id      BIGINT REFERENCES contacts(id),
			role            TEXT DEFAULT 'contributor'
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_participants_member
			ON conversation_participants(conversation_id, member_id) WHERE member_id IS NOT NULL;
		CREATE UNIQUE INDEX IF NOT EXISTS idx_participants_team
			ON conversation_participants(conversation_id, team_id) WHERE team_id IS NOT NULL;
		CREATE UNIQUE INDEX IF NOT EXISTS idx_participants_contact
			ON conversation_participants(conversation_id, contact_id) WHERE contact_id IS NOT NULL;

		CREATE TABLE IF NOT EXISTS conversation_entries (
			id                    BIGSERIAL PRIMARY KEY,
			public_id             TEXT NOT NULL UNIQUE,
			org_id                BIGINT NOT NULL REFERENCES orgs(id),
			conversation_id       BIGINT NOT NULL REFERENCES conversations(id),
			subject_id            BIGINT NOT NULL REFERENCES conversation_subjects(id),
			author_participant_id BIGINT NOT NULL REFERENCES conversation_participants(id),
			reply_to_id           BIGINT REFERENCES conversation_entries(id),
			external_message_id   TEXT NOT NULL,
			body                  TEXT DEFAULT '',
			raw_html              TEXT DEFAULT '',
			state                 TEXT NOT NULL DEFAULT 'pending_attachments',
			metadata              JSONB NOT NULL DEFAULT '{}',
			created_at            TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE(org_id, external_message_id)
		);
		CREATE INDEX IF NOT EXISTS idx_entries_conversation ON conversation_entries(conversation_id);

		CREATE TABLE IF NOT EXISTS entry_replies (
			entry_id          BIGINT NOT NULL REFERENCES conversation_entries(id),
			reply_to_entry_id BIGINT NOT NULL REFERENCES conversation_entries(id),
			PRIMARY KEY (entry_id, reply_to_entry_id)
		);

		CREATE TABLE IF NOT EXISTS conversation_spaces (
			conversation_id BIGINT NOT NULL REFERENCES conversations(id),
			space_id        BIGINT NOT NULL REFERENCES spaces(id),
			stage_id        BIGINT REFERENCES space_stages(id),
			PRIMARY KEY (conversation_id, space_id)
		);

		CREATE TABLE IF NOT EXISTS attachments (
			id             BIGSERIAL PRIMARY KEY,
			public_id      TEXT NOT NULL UNIQUE,
			entry_id       BIGINT NOT NULL REFERENCES conversation_entries(id),
			participant_id BIGINT NOT NULL REFERENCES conversation_participants(id),
			filename       TEXT NOT NULL,
			content_type   TEXT DEFAULT '',
			size           BIGINT DEFAULT 0,
			url            TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_attachments_entry ON attachments(entry_id);

		CREATE TABLE IF NOT EXISTS email_archive (
			id        BIGSERIAL PRIMARY KEY,
			entry_id  BIGINT NOT NULL REFERENCES conversation_entries(id),
			headers   JSONB NOT NULL DEFAULT '{}',
			html      TEXT DEFAULT '',
			wipe_date TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_archive_wipe ON email_archive(wipe_date);
	`)
	return err
}
