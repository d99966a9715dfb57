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

// Package routing maps a delivery's (orgId, mailServerId, recipient)
// triple to the organization that owns it.
package routing

import (
	"context"
	"fmt"
	"strings"

	"github.com/threadwell/mailroom/internal/models"
)

// Root and forwarding deliveries arrive with orgId 0 and one of these
// pseudo server ids instead of a provisioned mail-server public id.
const (
	ServerRoot = "root"
	ServerFwd  = "fwd"
)

// Directory is the subset of the store the resolver needs.
type Directory interface {
	// IdentityByAddress finds an org-owned address by exact
	// username+domain match, across all orgs.
	IdentityByAddress(ctx context.Context, username, domain string) (*models.Identity, error)

	// IdentityByForwardAlias finds the org-owned address whose
	// configured forwarding alias equals the given full address.
	IdentityByForwardAlias(ctx context.Context, alias string) (*models.Identity, error)

	// MailServerByPublicID finds a provisioned mail server.
	MailServerByPublicID(ctx context.Context, publicID string) (*models.MailServer, error)

	// OrgByID loads an organization.
	OrgByID(ctx context.Context, id int64) (*models.Org, error)
}

// Resolver decides which organization a delivery belongs to.
type Resolver struct {
	dir Directory
}

// NewResolver creates a routing resolver over the given directory.
func NewResolver(dir Directory) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve maps routing parameters and a recipient address to a concrete
// organization. Exactly one of four branches applies:
//
//   - orgId 0 + "root": exact org-address match on the recipient
//   - orgId 0 + "fwd": forwarding-alias match; the owning address is
//     returned as ForwardingAddress so it is CC'd back in
//   - orgId N + server public id: the server must belong to org N
//   - anything else: invalid parameters
func (r *Resolver) Resolve(ctx context.Context, params models.RouteParams, recipient string) (*models.ResolvedRoute, error) {
	pseudo := params.MailServerID == ServerRoot || params.MailServerID == ServerFwd
	if (params.OrgID == 0) != pseudo {
		return nil, fmt.Errorf("%w: orgId=%d mailserverId=%q",
			models.ErrInvalidRoutingParameters, params.OrgID, params.MailServerID)
	}

	switch {
	case params.MailServerID == ServerRoot:
		username, domain, ok := splitAddress(recipient)
		if !ok {
			return nil, fmt.Errorf("%w: recipient %q has no domain", models.ErrRouting, recipient)
		}
		identity, err := r.dir.IdentityByAddress(ctx, username, domain)
		if err != nil {
			return nil, fmt.Errorf("look up identity for %s: %w", recipient, err)
		}
		if identity == nil {
			return nil, fmt.Errorf("%w: no identity for %s", models.ErrRouting, recipient)
		}
		return r.route(ctx, identity.OrgID, "")

	case params.MailServerID == ServerFwd:
		identity, err := r.dir.IdentityByForwardAlias(ctx, recipient)
		if err != nil {
			return nil, fmt.Errorf("look up forward alias %s: %w", recipient, err)
		}
		if identity == nil {
			return nil, fmt.Errorf("%w: no forwarding alias %s", models.ErrRouting, recipient)
		}
		// The alias stays the "to"; the owning address is CC'd so the
		// true owner is notified as well.
		return r.route(ctx, identity.OrgID, identity.Address())

	default:
		server, err := r.dir.MailServerByPublicID(ctx, params.MailServerID)
		if err != nil {
			return nil, fmt.Errorf("look up mail server %s: %w", params.MailServerID, err)
		}
		if server == nil {
			return nil, fmt.Errorf("%w: mail server %s not found", models.ErrRouting, params.MailServerID)
		}
		if server.OrgID != params.OrgID {
			return nil, fmt.Errorf("%w: mail server %s belongs to org %d, not %d",
				models.ErrRouting, params.MailServerID, server.OrgID, params.OrgID)
		}
		return r.route(ctx, server.OrgID, "")
	}
}

func (r *Resolver) route(ctx context.Context, orgID int64, forwardingAddress string) (*models.ResolvedRoute, error) {
	org, err := r.dir.OrgByID(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("load org %d: %w", orgID, err)
	}
	if org == nil {
		return nil, fmt.Errorf("%w: org %d not found", models.ErrRouting, orgID)
	}
	return &models.ResolvedRoute{
		OrgID:             org.ID,
		OrgPublicID:       org.PublicID,
		ForwardingAddress: forwardingAddress,
	}, nil
}

// splitAddress splits an email address at its last "@".
func splitAddress(address string) (username, domain string, ok bool) {
	idx := strings.LastIndex(address, "@")
	if idx <= 0 || idx == len(address)-1 {
		return "", "", false
	}
	return strings.ToLower(address[:idx]), strings.ToLower(address[idx+1:]), true
}
