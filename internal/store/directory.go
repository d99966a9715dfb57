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
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/threadwell/mailroom/internal/models"
)

const identityColumns = `id, public_id, org_id, username, domain, catch_all, forward_alias, signature_html`

// IdentityByAddress finds an identity by exact address match across all
// orgs (the "root" routing branch).
func (s *Store) IdentityByAddress(ctx context.Context, username, domain string) (*models.Identity, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+identityColumns+`
		FROM identities
		WHERE username = $1 AND domain = $2
	`, username, domain)
	return scanIdentity(row)
}

// IdentityByForwardAlias finds the identity whose forwarding alias equals
// the full recipient address, across all orgs (the "fwd" routing branch).
func (s *Store) IdentityByForwardAlias(ctx context.Context, alias string) (*models.Identity, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+identityColumns+`
		FROM identities
		WHERE forward_alias = $1
	`, alias)
	return scanIdentity(row)
}

// IdentityByOrgAddress finds an org-owned identity by exact address match.
func (s *Store) IdentityByOrgAddress(ctx context.Context, orgID int64, username, domain string) (*models.Identity, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+identityColumns+`
		FROM identities
		WHERE org_id = $1 AND username = $2 AND domain = $3
	`, orgID, username, domain)
	return scanIdentity(row)
}

// CatchAllIdentity finds the org's catch-all identity for a domain.
func (s *Store) CatchAllIdentity(ctx context.Context, orgID int64, domain string) (*models.Identity, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+identityColumns+`
		FROM identities
		WHERE org_id = $1 AND domain = $2 AND catch_all
	`, orgID, domain)
	return scanIdentity(row)
}

// IdentityByOrgForwardAlias finds the org identity with the given
// forwarding alias.
func (s *Store) IdentityByOrgForwardAlias(ctx context.Context, orgID int64, alias string) (*models.Identity, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+identityColumns+`
		FROM identities
		WHERE org_id = $1 AND forward_alias = $2
	`, orgID, alias)
	return scanIdentity(row)
}

// MailServerByPublicID finds a provisioned mail server by its routing token.
func (s *Store) MailServerByPublicID(ctx context.Context, publicID string) (*models.MailServer, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, public_id, org_id, hostname
		FROM mail_servers
		WHERE public_id = $1
	`, publicID)

	var m models.MailServer
	err := row.Scan(&m.ID, &m.PublicID, &m.OrgID, &m.Hostname)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// OrgByID loads one organization.
func (s *Store) OrgByID(ctx context.Context, id int64) (*models.Org, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, public_id, name FROM orgs WHERE id = $1
	`, id)

	var o models.Org
	err := row.Scan(&o.ID, &o.PublicID, &o.Name)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

const contactColumns = `id, public_id, org_id, reputation_id, username, domain, display_name, status, signature_text, signature_html`

// ContactByAddress finds an existing contact for the org.
func (s *Store) ContactByAddress(ctx context.Context, orgID int64, username, domain string) (*models.Contact, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+contactColumns+`
		FROM contacts
		WHERE org_id = $1 AND username = $2 AND domain = $3
	`, orgID, username, domain)
	return scanContact(row)
}

// UpsertReputation looks up or creates the cross-org reputation record
// for a bare address. The no-op DO UPDATE makes RETURNING yield the id
// for both the insert and the concurrent-insert case.
func (s *Store) UpsertReputation(ctx context.Context, address string) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO contact_reputation (email)
		VALUES ($1)
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING id
	`, address).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert reputation %s: %w", address, err)
	}
	return id, nil
}

// CreateContact inserts a contact, assigning its public id. A concurrent
// insert of the same address resolves to the existing row.
func (s *Store) CreateContact(ctx context.Context, contact models.Contact) (*models.Contact, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO contacts
			(public_id, org_id, reputation_id, username, domain, display_name, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (org_id, username, domain) DO UPDATE SET
			display_name = CASE WHEN contacts.display_name = '' THEN EXCLUDED.display_name ELSE contacts.display_name END
		RETURNING `+contactColumns+`
	`, uuid.NewString(), contact.OrgID, contact.ReputationID, contact.Username, contact.Domain, contact.DisplayName, contact.Status)
	return scanContact(row)
}

// SaveContactSignature backfills the stored signature of a contact.
func (s *Store) SaveContactSignature(ctx context.Context, contactID int64, sigText, sigHTML string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE contacts
		SET signature_text = $1, signature_html = $2
		WHERE id = $3
	`, sigText, sigHTML, contactID)
	return err
}

func scanIdentity(row pgx.Row) (*models.Identity, error) {
	var i models.Identity
	err := row.Scan(&i.ID, &i.PublicID, &i.OrgID, &i.Username, &i.Domain, &i.CatchAll, &i.ForwardAlias, &i.SignatureHTML)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func scanContact(row pgx.Row) (*models.Contact, error) {
	var c models.Contact
	err := row.Scan(&c.ID, &c.PublicID, &c.OrgID, &c.ReputationID, &c.Username, &c.Domain, &c.DisplayName, &c.Status, &c.SignatureText, &c.SignatureHTML)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
