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

// Package address maps parsed email addresses to internal identities and
// contacts. Resolution is an ordered chain of predicate+action steps
// evaluated short-circuit, so the priority order stays auditable:
//
//  1. exact org-owned identity
//  2. catch-all identity for the domain (skipped for "from")
//  3. forwarding-alias identity (skipped for "from")
//  4. existing external contact (with opportunistic signature backfill)
//  5. newly created contact via the cross-org reputation record
package address

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/threadwell/mailroom/internal/models"
)

// Directory is the subset of the store the resolver needs.
type Directory interface {
	// IdentityByOrgAddress finds an org-owned address by exact
	// username+domain match within the org.
	IdentityByOrgAddress(ctx context.Context, orgID int64, username, domain string) (*models.Identity, error)

	// CatchAllIdentity finds the catch-all identity for a domain within
	// the org, if one is configured.
	CatchAllIdentity(ctx context.Context, orgID int64, domain string) (*models.Identity, error)

	// IdentityByOrgForwardAlias finds the org identity whose configured
	// forwarding alias equals the full address.
	IdentityByOrgForwardAlias(ctx context.Context, orgID int64, alias string) (*models.Identity, error)

	// ContactByAddress finds an existing external contact.
	ContactByAddress(ctx context.Context, orgID int64, username, domain string) (*models.Contact, error)

	// UpsertReputation looks up or creates the cross-org reputation
	// record for a bare address and returns its id. Safe under
	// concurrent creation.
	UpsertReputation(ctx context.Context, address string) (int64, error)

	// CreateContact inserts a new contact row. The store assigns id and
	// public id and tolerates a concurrent insert of the same address.
	CreateContact(ctx context.Context, contact models.Contact) (*models.Contact, error)

	// SaveContactSignature backfills a contact's stored signature.
	SaveContactSignature(ctx context.Context, contactID int64, sigText, sigHTML string) error
}

// Signature is the sender's signature extracted from the cleaned message
// body, used to backfill contacts that have none stored yet.
type Signature struct {
	Text string
	HTML string
}

// Resolver maps addresses to resolutions via the fixed priority chain.
type Resolver struct {
	dir   Directory
	chain []step
}

// step is one predicate+action pair in the chain. resolve returns
// (nil, nil) when the step does not match.
type step struct {
	name        string
	skipForFrom bool
	resolve     func(ctx context.Context, q *query) (*models.AddressResolution, error)
}

// query carries one address through the chain.
type query struct {
	orgID    int64
	address  string
	username string
	domain   string
	name     string
	role     models.Role
	sig      Signature
}

// NewResolver creates an address resolver over the given directory.
func NewResolver(dir Directory) *Resolver {
	r := &Resolver{dir: dir}
	r.chain = []step{
		{name: "identity", resolve: r.resolveIdentity},
		{name: "catch-all", skipForFrom: true, resolve: r.resolveCatchAll},
		{name: "forward-alias", skipForFrom: true, resolve: r.resolveForwardAlias},
		{name: "contact", resolve: r.resolveContact},
		{name: "new-contact", resolve: r.createContact},
	}
	return r
}

// Resolve maps one address to a resolution. First matching step wins; no
// further checks run.
func (r *Resolver) Resolve(ctx context.Context, orgID int64, addr models.EmailAddress, role models.Role, sig Signature) (*models.AddressResolution, error) {
	username, domain, ok := splitAddress(addr.Address)
	if !ok {
		return nil, fmt.Errorf("%w: address %q has no domain", models.ErrMalformedMessage, addr.Address)
	}

	q := &query{
		orgID:    orgID,
		address:  strings.ToLower(addr.Address),
		username: username,
		domain:   domain,
		name:     addr.Name,
		role:     role,
		sig:      sig,
	}

	for _, s := range r.chain {
		if s.skipForFrom && role == models.RoleFrom {
			continue
		}
		res, err := s.resolve(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("resolve %s via %s: %w", q.address, s.name, err)
		}
		if res != nil {
			res.Role = role
			res.Address = q.address
			return res, nil
		}
	}

	// Unreachable: the new-contact step always matches or errors.
	return nil, fmt.Errorf("no resolution for %s", q.address)
}

func (r *Resolver) resolveIdentity(ctx context.Context, q *query) (*models.AddressResolution, error) {
	identity, err := r.dir.IdentityByOrgAddress(ctx, q.orgID, q.username, q.domain)
	if err != nil || identity == nil {
		return nil, err
	}
	return identityResolution(identity), nil
}

func (r *Resolver) resolveCatchAll(ctx context.Context, q *query) (*models.AddressResolution, error) {
	identity, err := r.dir.CatchAllIdentity(ctx, q.orgID, q.domain)
	if err != nil || identity == nil {
		return nil, err
	}
	return identityResolution(identity), nil
}

func (r *Resolver) resolveForwardAlias(ctx context.Context, q *query) (*models.AddressResolution, error) {
	identity, err := r.dir.IdentityByOrgForwardAlias(ctx, q.orgID, q.address)
	if err != nil || identity == nil {
		return nil, err
	}
	return identityResolution(identity), nil
}

func (r *Resolver) resolveContact(ctx context.Context, q *query) (*models.AddressResolution, error) {
	contact, err := r.dir.ContactByAddress(ctx, q.orgID, q.username, q.domain)
	if err != nil || contact == nil {
		return nil, err
	}

	// Opportunistic signature backfill for senders without one stored.
	// A side effect, never a failure.
	if q.role == models.RoleFrom && contact.SignatureText == "" && contact.SignatureHTML == "" && q.sig.Text != "" {
		if err := r.dir.SaveContactSignature(ctx, contact.ID, q.sig.Text, q.sig.HTML); err != nil {
			slog.Warn("contact signature backfill failed",
				"contact_id", contact.ID,
				"error", err,
			)
		}
	}

	return contactResolution(contact), nil
}

func (r *Resolver) createContact(ctx context.Context, q *query) (*models.AddressResolution, error) {
	reputationID, err := r.dir.UpsertReputation(ctx, q.address)
	if err != nil {
		return nil, fmt.Errorf("upsert reputation: %w", err)
	}

	contact, err := r.dir.CreateContact(ctx, models.Contact{
		OrgID:        q.orgID,
		ReputationID: reputationID,
		Username:     q.username,
		Domain:       q.domain,
		DisplayName:  q.name,
		Status:       models.ContactPending,
	})
	if err != nil {
		return nil, fmt.Errorf("create contact: %w", err)
	}

	slog.Info("created contact",
		"org_id", q.orgID,
		"contact_id", contact.ID,
		"address", q.address,
	)

	return contactResolution(contact), nil
}

func identityResolution(i *models.Identity) *models.AddressResolution {
	return &models.AddressResolution{
		Kind:     models.KindIdentity,
		ID:       i.ID,
		PublicID: i.PublicID,
	}
}

func contactResolution(c *models.Contact) *models.AddressResolution {
	return &models.AddressResolution{
		Kind:     models.KindContact,
		ID:       c.ID,
		PublicID: c.PublicID,
	}
}

// splitAddress splits an email address at its last "@", lowercasing both
// halves.
func splitAddress(address string) (username, domain string, ok bool) {
	idx := strings.LastIndex(address, "@")
	if idx <= 0 || idx == len(address)-1 {
		return "", "", false
	}
	return strings.ToLower(address[:idx]), strings.ToLower(address[idx+1:]), true
}

// Envelope holds the resolutions for one message's from/to/cc addresses.
type Envelope struct {
	From *models.AddressResolution
	To   []models.AddressResolution
	Cc   []models.AddressResolution
}

// IdentityIDs returns the ids of org-owned identities among to and cc.
func (e *Envelope) IdentityIDs() []int64 {
	var ids []int64
	for _, res := range append(append([]models.AddressResolution{}, e.To...), e.Cc...) {
		if res.Kind == models.KindIdentity {
			ids = append(ids, res.ID)
		}
	}
	return ids
}

// IdentityPublicIDs returns the public ids of org-owned identities among
// to and cc, used as notification targets.
func (e *Envelope) IdentityPublicIDs() []string {
	var ids []string
	for _, res := range append(append([]models.AddressResolution{}, e.To...), e.Cc...) {
		if res.Kind == models.KindIdentity {
			ids = append(ids, res.PublicID)
		}
	}
	return ids
}

// ContactIDs returns the ids of external contacts across all roles.
func (e *Envelope) ContactIDs() []int64 {
	var ids []int64
	all := append(append([]models.AddressResolution{}, e.To...), e.Cc...)
	if e.From != nil {
		all = append(all, *e.From)
	}
	seen := make(map[int64]struct{})
	for _, res := range all {
		if res.Kind != models.KindContact {
			continue
		}
		if _, ok := seen[res.ID]; ok {
			continue
		}
		seen[res.ID] = struct{}{}
		ids = append(ids, res.ID)
	}
	return ids
}

// ResolveEnvelope resolves a parsed message's from, to, and cc addresses.
// forwardingAddress, when non-empty, is appended to the cc list (the
// routing "fwd" branch). The from address resolves first since its
// failure is fatal; to and cc resolve concurrently — no resolution
// depends on another's outcome. Each distinct address resolves exactly
// once: duplicates within and across to/cc are dropped.
//
// Fails with ErrNoDestinationIdentity when no org-owned identity exists
// among the to and cc resolutions.
func (r *Resolver) ResolveEnvelope(ctx context.Context, orgID int64, parsed *models.ParsedEmail, forwardingAddress string, sig Signature) (*Envelope, error) {
	from, err := r.Resolve(ctx, orgID, parsed.From, models.RoleFrom, sig)
	if err != nil {
		return nil, fmt.Errorf("resolve from: %w", err)
	}

	cc := parsed.Cc
	if forwardingAddress != "" {
		cc = append(append([]models.EmailAddress{}, cc...), models.EmailAddress{Address: forwardingAddress})
	}

	type slot struct {
		addr models.EmailAddress
		role models.Role
	}
	var slots []slot
	seen := make(map[string]struct{})
	add := func(addr models.EmailAddress, role models.Role) {
		key := strings.ToLower(addr.Address)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		slots = append(slots, slot{addr: addr, role: role})
	}
	for _, a := range parsed.To {
		add(a, models.RoleTo)
	}
	for _, a := range cc {
		add(a, models.RoleCc)
	}

	results := make([]*models.AddressResolution, len(slots))
	errs := make([]error, len(slots))
	var wg sync.WaitGroup
	for i, s := range slots {
		wg.Add(1)
		go func(i int, s slot) {
			defer wg.Done()
			results[i], errs[i] = r.Resolve(ctx, orgID, s.addr, s.role, Signature{})
		}(i, s)
	}
	wg.Wait()

	env := &Envelope{From: from}
	for i, res := range results {
		if errs[i] != nil {
			return nil, fmt.Errorf("resolve %s: %w", slots[i].addr.Address, errs[i])
		}
		if res.Role == models.RoleTo {
			env.To = append(env.To, *res)
		} else {
			env.Cc = append(env.Cc, *res)
		}
	}

	if len(env.IdentityIDs()) == 0 {
		return nil, fmt.Errorf("%w: no org-owned identity among to/cc", models.ErrNoDestinationIdentity)
	}

	return env, nil
}
