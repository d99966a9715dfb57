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

// Package mailparse decodes raw transport-layer messages into the
// structured representation the pipeline works with: headers, address
// lists, HTML/plain bodies, attachments, and normalized threading ids.
package mailparse

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"html"
	"io"
	"mime"
	"regexp"
	"strings"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	htmlcharset "golang.org/x/net/html/charset"

	"github.com/threadwell/mailroom/internal/models"
)

func init() {
	gomessage.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}
}

// msgIDPattern matches one angle-bracketed message id.
var msgIDPattern = regexp.MustCompile(`<([^<>\s]+)>`)

// subjectPrefix matches a single leading RE:/FW:/FWD: marker.
var subjectPrefix = regexp.MustCompile(`(?i)^(re|fw|fwd)\s*:\s*`)

// Decode returns the raw message bytes, reversing base64 transport
// encoding when the envelope flags it.
func Decode(message string, isBase64 bool) ([]byte, error) {
	if !isBase64 {
		return []byte(message), nil
	}
	decoded, err := io.ReadAll(base64.NewDecoder(base64.StdEncoding, strings.NewReader(message)))
	if err != nil {
		return nil, fmt.Errorf("%w: base64 decode: %v", models.ErrMalformedMessage, err)
	}
	return decoded, nil
}

// Parse converts raw message bytes into a ParsedEmail. From, To, Subject,
// and Message-ID are required; absence of any is a hard failure.
func Parse(raw []byte) (*models.ParsedEmail, error) {
	mr, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedMessage, err)
	}

	header := mr.Header

	from, err := header.AddressList("From")
	if err != nil || len(from) == 0 {
		return nil, fmt.Errorf("%w: missing From header", models.ErrMalformedMessage)
	}

	to, err := header.AddressList("To")
	if err != nil || len(to) == 0 {
		return nil, fmt.Errorf("%w: missing To header", models.ErrMalformedMessage)
	}

	// Cc is optional; a parse error here is treated as no Cc.
	cc, _ := header.AddressList("Cc")

	subject, _ := header.Subject()
	if strings.TrimSpace(subject) == "" {
		return nil, fmt.Errorf("%w: missing Subject header", models.ErrMalformedMessage)
	}

	messageID := firstMsgID(header.Get("Message-Id"))
	if messageID == "" {
		return nil, fmt.Errorf("%w: missing Message-ID header", models.ErrMalformedMessage)
	}

	parsed := &models.ParsedEmail{
		From:        toEmailAddress(from[0]),
		To:          toEmailAddresses(to),
		Cc:          toEmailAddresses(cc),
		Subject:     NormalizeSubject(subject),
		MessageID:   messageID,
		AncestorIDs: ancestorIDs(header.Get("In-Reply-To"), header.Get("References")),
		Headers:     headerMap(header),
	}

	if err := readParts(mr, parsed); err != nil {
		return nil, err
	}

	// Fall back to a generated HTML body when only plain text exists.
	// Neither body existing is not an error; the body is simply empty.
	if parsed.HTMLBody == "" && parsed.TextBody != "" {
		parsed.HTMLBody = htmlFromText(parsed.TextBody)
	}

	return parsed, nil
}

// readParts walks the MIME structure collecting bodies and attachments.
func readParts(mr *gomail.Reader, parsed *models.ParsedEmail) error {
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: read part: %v", models.ErrMalformedMessage, err)
		}

		switch h := p.Header.(type) {
		case *gomail.InlineHeader:
			ctype, params, _ := h.ContentType()
			switch {
			case ctype == "text/html" && parsed.HTMLBody == "":
				body, err := io.ReadAll(p.Body)
				if err != nil {
					return fmt.Errorf("%w: read html body: %v", models.ErrMalformedMessage, err)
				}
				parsed.HTMLBody = string(body)
			case ctype == "text/plain" && parsed.TextBody == "":
				body, err := io.ReadAll(p.Body)
				if err != nil {
					return fmt.Errorf("%w: read text body: %v", models.ErrMalformedMessage, err)
				}
				parsed.TextBody = string(body)
			case !strings.HasPrefix(ctype, "text/") || ctype == "text/calendar":
				// Inline non-text parts (embedded images, calendar
				// invites) are attachments with an inline disposition.
				data, err := io.ReadAll(p.Body)
				if err != nil {
					continue
				}
				parsed.Attachments = append(parsed.Attachments, models.AttachmentFile{
					Filename:    params["name"],
					ContentType: ctype,
					ContentID:   firstMsgID(h.Get("Content-Id")),
					Disposition: "inline",
					Data:        data,
				})
			}

		case *gomail.AttachmentHeader:
			filename, _ := h.Filename()
			ctype, _, _ := h.ContentType()
			data, err := io.ReadAll(p.Body)
			if err != nil {
				continue
			}
			parsed.Attachments = append(parsed.Attachments, models.AttachmentFile{
				Filename:    filename,
				ContentType: ctype,
				ContentID:   firstMsgID(h.Get("Content-Id")),
				Disposition: "attachment",
				Data:        data,
			})
		}
	}
}

// NormalizeSubject strips a single leading RE:/FW:/FWD: prefix
// (case-insensitive) and trims surrounding whitespace.
func NormalizeSubject(subject string) string {
	subject = strings.TrimSpace(subject)
	subject = subjectPrefix.ReplaceAllString(subject, "")
	return strings.TrimSpace(subject)
}

// ancestorIDs unions the In-Reply-To and References ids into a
// de-duplicated set of candidate ancestor ids. Ordering is irrelevant to
// the threader, but first-seen order is kept for stable logs.
func ancestorIDs(inReplyTo, references string) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, raw := range []string{inReplyTo, references} {
		for _, m := range msgIDPattern.FindAllStringSubmatch(raw, -1) {
			id := m[1]
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}

// firstMsgID extracts the first angle-bracketed id from a header value,
// falling back to the trimmed raw value when no brackets are present.
func firstMsgID(raw string) string {
	if m := msgIDPattern.FindStringSubmatch(raw); m != nil {
		return m[1]
	}
	return strings.TrimSpace(raw)
}

// htmlFromText renders escaped plain text as minimal HTML.
func htmlFromText(text string) string {
	escaped := html.EscapeString(text)
	escaped = strings.ReplaceAll(escaped, "\r\n", "\n")
	return "<div>" + strings.ReplaceAll(escaped, "\n", "<br>") + "</div>"
}

func toEmailAddress(a *gomail.Address) models.EmailAddress {
	name := a.Name
	if name != "" {
		if decoded, err := new(mime.WordDecoder).DecodeHeader(name); err == nil {
			name = decoded
		}
	}
	return models.EmailAddress{Address: a.Address, Name: name}
}

func toEmailAddresses(list []*gomail.Address) []models.EmailAddress {
	out := make([]models.EmailAddress, 0, len(list))
	for _, a := range list {
		out = append(out, toEmailAddress(a))
	}
	return out
}

// headerMap flattens the message header for the archive record. Repeated
// keys keep the first value.
func headerMap(h gomail.Header) map[string]string {
	out := make(map[string]string)
	fields := h.Fields()
	for fields.Next() {
		key := fields.Key()
		if _, ok := out[key]; ok {
			continue
		}
		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}
		out[key] = value
	}
	return out
}
