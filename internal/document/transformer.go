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

// Package document converts raw email HTML into the two renderings the
// pipeline stores: a full rendering for the raw-email archive and a
// stripped rendering (quotes and signatures removed, remote content
// suppressed) used as the canonical conversation entry body. Both
// tolerate malformed HTML.
package document

import (
	"html"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
)

// quoteSelectors match the quoted-reply containers the common mail
// clients emit.
const quoteSelectors = "blockquote, .gmail_quote, #divRplyFwdMsg, .yahoo_quoted, .moz-cite-prefix"

// signatureSelectors match client-specific signature containers.
const signatureSelectors = ".gmail_signature, #Signature, .moz-signature"

// lineBreakTags match tags that end a visual line.
var lineBreakTags = regexp.MustCompile(`(?i)<(br|/p|/div|/tr|/li)[^>]*>`)

// Transformer produces the full and stripped HTML renderings.
type Transformer struct {
	policy *bluemonday.Policy
	strict *bluemonday.Policy
}

// NewTransformer builds a transformer with the email display policy.
func NewTransformer() *Transformer {
	p := bluemonday.NewPolicy()

	// Basic formatting
	p.AllowElements("b", "strong", "i", "em", "u", "s", "strike", "del")
	p.AllowElements("h1", "h2", "h3", "h4", "h5", "h6")
	p.AllowElements("p", "br", "hr", "div", "span")
	p.AllowElements("ul", "ol", "li")
	p.AllowElements("blockquote", "code", "pre")

	// Tables
	p.AllowElements("table", "thead", "tbody", "tfoot", "tr", "th", "td")
	p.AllowAttrs("colspan", "rowspan").OnElements("td", "th")

	// Images — cid: sources survive sanitization so they can be
	// rewritten to public attachment URLs after upload.
	p.AllowElements("img")
	p.AllowAttrs("src", "alt", "title", "width", "height").OnElements("img")
	p.AllowURLSchemes("http", "https", "cid", "data")

	// Links
	p.AllowElements("a")
	p.AllowAttrs("href").OnElements("a")
	p.RequireParseableURLs(true)
	p.RequireNoFollowOnLinks(true)
	p.RequireNoReferrerOnLinks(true)
	p.AddTargetBlankToFullyQualifiedLinks(true)

	p.AllowAttrs("class").Matching(bluemonday.SpaceSeparatedTokens).OnElements(
		"div", "span", "p", "ul", "ol", "li", "table", "tr", "td", "th",
		"h1", "h2", "h3", "h4", "h5", "h6", "blockquote", "code", "pre", "img",
	)

	return &Transformer{
		policy: p,
		strict: bluemonday.StrictPolicy(),
	}
}

// Full sanitizes the HTML without stripping quotes or signatures. Used
// for the permanent raw-email archive rendering.
func (t *Transformer) Full(htmlBody string) string {
	return t.policy.Sanitize(htmlBody)
}

// Stripped removes quoted replies, signature blocks, and remote image
// content, then sanitizes. Used as the canonical entry body.
func (t *Transformer) Stripped(htmlBody string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlBody))
	if err != nil {
		// Unparseable input still gets sanitized output.
		return t.policy.Sanitize(htmlBody)
	}

	doc.Find(quoteSelectors).Remove()
	doc.Find(signatureSelectors).Remove()

	// Suppress remote content; cid: references stay for rewriting.
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
			s.RemoveAttr("src")
		}
	})

	out, err := doc.Find("body").Html()
	if err != nil {
		return t.policy.Sanitize(htmlBody)
	}
	return t.policy.Sanitize(out)
}

// ToText strips all markup and collapses whitespace, yielding the plain
// text form of an HTML body.
func (t *Transformer) ToText(htmlBody string) string {
	// Line-ish elements become newlines before tags are stripped, so
	// paragraphs don't run together.
	replaced := lineBreakTags.ReplaceAllString(htmlBody, "\n")
	text := t.strict.Sanitize(replaced)
	text = html.UnescapeString(text)

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return strings.Join(out, "\n")
}

// RewriteCIDs replaces cid: image references with the public attachment
// URLs known after upload. Content ids missing from the map are left
// untouched.
func RewriteCIDs(htmlBody string, urls map[string]string) string {
	if len(urls) == 0 {
		return htmlBody
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlBody))
	if err != nil {
		return htmlBody
	}

	rewritten := false
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		src, ok := s.Attr("src")
		if !ok || !strings.HasPrefix(src, "cid:") {
			return
		}
		cid := strings.TrimPrefix(src, "cid:")
		if url, ok := urls[cid]; ok {
			s.SetAttr("src", url)
			rewritten = true
		}
	})

	if !rewritten {
		return htmlBody
	}
	out, err := doc.Find("body").Html()
	if err != nil {
		return htmlBody
	}
	return out
}

// Signature extracts a signature block from a cleaned HTML body,
// returning both renderings. Looks for client signature containers
// first, then the conventional "-- " text marker. Empty strings mean no
// signature was found.
func (t *Transformer) Signature(htmlBody string) (sigHTML, sigText string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlBody))
	if err == nil {
		sel := doc.Find(signatureSelectors).First()
		if sel.Length() > 0 {
			if h, err := sel.Html(); err == nil {
				sigHTML = strings.TrimSpace(h)
				sigText = t.ToText(sigHTML)
				return sigHTML, sigText
			}
		}
	}

	text := t.ToText(htmlBody)
	if idx := strings.LastIndex(text, "\n--\n"); idx >= 0 {
		sigText = strings.TrimSpace(text[idx+4:])
		if sigText != "" {
			sigHTML = "<div>" + strings.ReplaceAll(html.EscapeString(sigText), "\n", "<br>") + "</div>"
		}
	}
	return sigHTML, sigText
}
