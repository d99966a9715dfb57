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

package routing

import (
	"context"
	"errors"
	"testing"

	"github.com/threadwell/mailroom/internal/models"
)

type fakeDirectory struct {
	identities map[string]*models.Identity // keyed by username@domain
	aliases    map[string]*models.Identity // keyed by alias
	servers    map[string]*models.MailServer
	orgs       map[int64]*models.Org
}

func (f *fakeDirectory) IdentityByAddress(_ context.Context, username, domain string) (*models.Identity, error) {
	return f.identities[username+"@"+domain], nil
}

func (f *fakeDirectory) IdentityByForwardAlias(_ context.Context, alias string) (*models.Identity, error) {
	return f.aliases[alias], nil
}

func (f *fakeDirectory) MailServerByPublicID(_ context.Context, publicID string) (*models.MailServer, error) {
	return f.servers[publicID], nil
}

func (f *fakeDirectory) OrgByID(_ context.Context, id int64) (*models.Org, error) {
	return f.orgs[id], nil
}

func newFakeDirectory() *fakeDirectory {
	sales := &models.Identity{ID: 1, OrgID: 7, Username: "sales", Domain: "acme.test"}
	support := &models.Identity{ID: 2, OrgID: 7, Username: "support", Domain: "acme.test", ForwardAlias: "fwd-9x@relay.test"}
	return &fakeDirectory{
		identities: map[string]*models.Identity{
			"sales@acme.test": sales,
		},
		aliases: map[string]*models.Identity{
			"fwd-9x@relay.test": support,
		},
		servers: map[string]*models.MailServer{
			"srv-abc": {ID: 3, PublicID: "srv-abc", OrgID: 7},
		},
		orgs: map[int64]*models.Org{
			7: {ID: 7, PublicID: "org-pub-7", Name: "Acme"},
		},
	}
}

// TestResolve_Partition verifies exactly one branch fires per parameter
// combination and invalid combinations always fail.
func TestResolve_Partition(t *testing.T) {
	r := NewResolver(newFakeDirectory())

	tests := []struct {
		name      string
		params    models.RouteParams
		recipient string
		wantOrg   int64
		wantFwd   string
		wantErr   error
	}{
		{
			name:      "root exact match",
			params:    models.RouteParams{OrgID: 0, MailServerID: "root"},
			recipient: "sales@acme.test",
			wantOrg:   7,
		},
		{
			name:      "root no match",
			params:    models.RouteParams{OrgID: 0, MailServerID: "root"},
			recipient: "nobody@acme.test",
			wantErr:   models.ErrRouting,
		},
		{
			name:      "fwd alias match echoes owner as cc",
			params:    models.RouteParams{OrgID: 0, MailServerID: "fwd"},
			recipient: "fwd-9x@relay.test",
			wantOrg:   7,
			wantFwd:   "support@acme.test",
		},
		{
			name:      "fwd no match",
			params:    models.RouteParams{OrgID: 0, MailServerID: "fwd"},
			recipient: "unknown@relay.test",
			wantErr:   models.ErrRouting,
		},
		{
			name:      "server id owned by org",
			params:    models.RouteParams{OrgID: 7, MailServerID: "srv-abc"},
			recipient: "anything@acme.test",
			wantOrg:   7,
		},
		{
			name:      "server org mismatch",
			params:    models.RouteParams{OrgID: 8, MailServerID: "srv-abc"},
			recipient: "anything@acme.test",
			wantErr:   models.ErrRouting,
		},
		{
			name:      "server not found",
			params:    models.RouteParams{OrgID: 7, MailServerID: "srv-missing"},
			recipient: "anything@acme.test",
			wantErr:   models.ErrRouting,
		},
		{
			name:      "nonzero org with root is invalid",
			params:    models.RouteParams{OrgID: 5, MailServerID: "root"},
			recipient: "sales@acme.test",
			wantErr:   models.ErrInvalidRoutingParameters,
		},
		{
			name:      "nonzero org with fwd is invalid",
			params:    models.RouteParams{OrgID: 5, MailServerID: "fwd"},
			recipient: "fwd-9x@relay.test",
			wantErr:   models.ErrInvalidRoutingParameters,
		},
		{
			name:      "zero org with server id is invalid",
			params:    models.RouteParams{OrgID: 0, MailServerID: "srv-abc"},
			recipient: "sales@acme.test",
			wantErr:   models.ErrInvalidRoutingParameters,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			route, err := r.Resolve(context.Background(), tt.params, tt.recipient)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if route.OrgID != tt.wantOrg {
				t.Errorf("orgID = %d, want %d", route.OrgID, tt.wantOrg)
			}
			if route.ForwardingAddress != tt.wantFwd {
				t.Errorf("forwardingAddress = %q, want %q", route.ForwardingAddress, tt.wantFwd)
			}
			if route.OrgPublicID != "org-pub-7" {
				t.Errorf("orgPublicID = %q, want org-pub-7", route.OrgPublicID)
			}
		})
	}
}
