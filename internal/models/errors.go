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

package models

import "errors"

var (
	// ErrInvalidRoutingParameters means the (orgId, mailserverId)
	// combination is not one of the valid routing branches.
	ErrInvalidRoutingParameters = errors.New("invalid routing parameters")

	// ErrRouting means the routing lookup found nothing, or the mail
	// server belongs to a different org than the one claimed.
	ErrRouting = errors.New("routing failed")

	// ErrMalformedMessage means a required header (From, To, Subject,
	// Message-ID) is missing from the raw message.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrNoDestinationIdentity means no org-owned identity was resolved
	// among the to/cc addresses; there is nowhere internal for the mail
	// to land.
	ErrNoDestinationIdentity = errors.New("no destination identity")

	// ErrNoAuthorFound means every fallback for resolving the authoring
	// participant was exhausted.
	ErrNoAuthorFound = errors.New("no author participant found")

	// ErrDuplicateMessage marks a replayed delivery. It is a
	// short-circuit success signal, not a failure: the message is
	// already durably stored.
	ErrDuplicateMessage = errors.New("duplicate message")
)
