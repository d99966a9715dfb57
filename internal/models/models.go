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

// Package models defines the data structures shared across the mailroom
// service: the queued job envelope, the parsed message representation,
// address resolutions, and the persisted conversation records.
package models

import "time"

// RawMessage is the transport-layer message as delivered by the external
// mail-transfer service. The JSON field names are the wire contract.
type RawMessage struct {
	ID       int64  `json:"id"`
	RcptTo   string `json:"rcpt_to"`
	MailFrom string `json:"mail_from"`
	Message  string `json:"message"`
	Base64   bool   `json:"base64"`
	Size     int64  `json:"size"`
}

// RouteParams identifies which organization and mail server a delivery
// was routed through. MailServerID is either "root", "fwd", or the public
// id of a provisioned mail server.
type RouteParams struct {
	OrgID        int64  `json:"orgId"`
	MailServerID string `json:"mailserverId"`
}

// InboundJob is one queued delivery. Ephemeral; not retained after
// processing succeeds.
type InboundJob struct {
	RawMessage RawMessage  `json:"rawMessage"`
	Params     RouteParams `json:"params"`
}

// ResolvedRoute is the outcome of routing resolution. ForwardingAddress is
// non-empty only for the "fwd" branch: the org-owned address whose
// forwarding alias matched, which must be CC'd so the true owner is
// notified.
type ResolvedRoute struct {
	OrgID             int64
	OrgPublicID       string
	ForwardingAddress string
}

// EmailAddress represents a sender or recipient with an address and
// optional display name.
type EmailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// AttachmentFile is one decoded MIME attachment part.
type AttachmentFile struct {
	Filename    string
	ContentType string
	ContentID   string
	Disposition string
	Data        []byte
}

// ParsedEmail is the structured form of a raw message. Immutable once
// produced by the parser.
type ParsedEmail struct {
	From    EmailAddress
	To      []EmailAddress
	Cc      []EmailAddress
	Subject string

	// MessageID is the RFC822 Message-ID with angle brackets stripped.
	MessageID string

	// AncestorIDs is the de-duplicated union of In-Reply-To and
	// References ids, used to locate the conversation a reply belongs to.
	AncestorIDs []string

	HTMLBody    string
	TextBody    string
	Headers     map[string]string
	Attachments []AttachmentFile
}

// Role tags which envelope position an address resolution came from.
type Role string

const (
	RoleFrom Role = "from"
	RoleTo   Role = "to"
	RoleCc   Role = "cc"
)

// ResolutionKind distinguishes org-owned identities from external contacts.
type ResolutionKind string

const (
	KindIdentity ResolutionKind = "identity"
	KindContact  ResolutionKind = "contact"
)

// AddressResolution maps one parsed address to an internal identity or
// contact. Exactly one resolution exists per distinct address per role-set.
type AddressResolution struct {
	Kind     ResolutionKind `json:"kind"`
	ID       int64          `json:"id"`
	PublicID string         `json:"publicId"`
	Address  string         `json:"address"`
	Role     Role           `json:"role"`
}

// Org is an organization. Conversations are exclusively owned by one org.
type Org struct {
	ID       int64
	PublicID string
	Name     string
}

// MailServer is a provisioned inbound mail server. PublicID is the
// routing token carried in RouteParams.MailServerID.
type MailServer struct {
	ID       int64
	PublicID string
	OrgID    int64
	Hostname string
}

// Identity is an org-owned email address. A catch-all identity accepts any
// username at its domain; ForwardAlias, if set, is the external alias that
// forwards into this address.
type Identity struct {
	ID            int64
	PublicID      string
	OrgID         int64
	Username      string
	Domain        string
	CatchAll      bool
	ForwardAlias  string
	SignatureHTML string
}

// Address returns the identity's full email address.
func (i Identity) Address() string {
	return i.Username + "@" + i.Domain
}

// ContactStatus is the screening state of an external contact.
type ContactStatus string

const (
	ContactPending  ContactStatus = "pending"
	ContactApproved ContactStatus = "approved"
	ContactBlocked  ContactStatus = "blocked"
)

// Contact is an external correspondent scoped to one org. ReputationID
// links to the cross-org reputation record for the bare address.
type Contact struct {
	ID            int64
	PublicID      string
	OrgID         int64
	ReputationID  int64
	Username      string
	Domain        string
	DisplayName   string
	Status        ContactStatus
	SignatureText string
	SignatureHTML string
}

// Address returns the contact's full email address.
func (c Contact) Address() string {
	return c.Username + "@" + c.Domain
}

// OrgMember is a user belonging to an org.
type OrgMember struct {
	ID          int64
	PublicID    string
	OrgID       int64
	DisplayName string
}

// Team is a group of org members.
type Team struct {
	ID       int64
	PublicID string
	OrgID    int64
	Name     string
}

// RoutingDestination maps an identity to the member, team, or space that
// should receive mail sent to it. Exactly one of MemberID/TeamID/SpaceID
// is set.
type RoutingDestination struct {
	ID         int64
	IdentityID int64
	MemberID   *int64
	TeamID     *int64
	SpaceID    *int64
	IsDefault  bool
}

// SpaceStage is one workflow stage within a space. Kind is "open" or
// "closed"; stages are ordered by Position.
type SpaceStage struct {
	ID       int64
	SpaceID  int64
	Name     string
	Kind     string
	Position int
}

// Conversation is the thread aggregate grouping related messages.
type Conversation struct {
	ID            int64
	PublicID      string
	OrgID         int64
	CreatedAt     time.Time
	LastUpdatedAt time.Time
}

// Subject is one versioned subject line of a conversation. Subjects are
// appended, never overwritten.
type Subject struct {
	ID             int64
	ConversationID int64
	Subject        string
	CreatedAt      time.Time
}

// EntryState tracks the two-phase entry write: the row is inserted as
// pending_attachments and finalized once attachment URLs are known.
type EntryState string

const (
	EntryPendingAttachments EntryState = "pending_attachments"
	EntryFinalized          EntryState = "finalized"
)

// EntryMetadata is a denormalized snapshot of the resolved email envelope,
// kept on the entry for audit and reply-chain lookups.
type EntryMetadata struct {
	From              *AddressResolution  `json:"from,omitempty"`
	To                []AddressResolution `json:"to,omitempty"`
	Cc                []AddressResolution `json:"cc,omitempty"`
	ExternalMessageID string              `json:"externalMessageId"`
	Size              int64               `json:"size"`
}

// Entry is one message within a conversation. (OrgID, ExternalMessageID)
// is unique; this is the idempotency key.
type Entry struct {
	ID                  int64
	PublicID            string
	OrgID               int64
	ConversationID      int64
	SubjectID           int64
	AuthorParticipantID int64
	ReplyToID           *int64
	ExternalMessageID   string
	Body                string
	RawHTML             string
	State               EntryState
	Metadata            EntryMetadata
	CreatedAt           time.Time
}

// Participant links a conversation to exactly one of an org member, a
// team, or a contact.
type Participant struct {
	ID             int64
	ConversationID int64
	MemberID       *int64
	TeamID         *int64
	ContactID      *int64
	Role           string
}

// Attachment is one uploaded file linked to an entry and the participant
// who sent it.
type Attachment struct {
	ID            int64
	PublicID      string
	EntryID       int64
	ParticipantID int64
	Filename      string
	ContentType   string
	Size          int64
	URL           string
}
