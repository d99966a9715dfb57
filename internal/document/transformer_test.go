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

package document

import (
	"strings"
	"testing"
)

// TestStripped verifies quote and signature removal plus remote image
// suppression.
func TestStripped(t *testing.T) {
	tr := NewTransformer()

	in := `<div>Reply text</div>` +
		`<div class="gmail_quote"><blockquote>Older message</blockquote></div>` +
		`<div class="gmail_signature">Sent from my phone</div>` +
		`<img src="https://tracker.test/pixel.gif">` +
		`<img src="cid:inline-1">`

	out := tr.Stripped(in)

	if !strings.Contains(out, "Reply text") {
		t.Errorf("stripped = %q, want the reply text kept", out)
	}
	if strings.Contains(out, "Older message") {
		t.Errorf("stripped = %q, want quoted reply removed", out)
	}
	if strings.Contains(out, "Sent from my phone") {
		t.Errorf("stripped = %q, want signature removed", out)
	}
	if strings.Contains(out, "tracker.test") {
		t.Errorf("stripped = %q, want remote image suppressed", out)
	}
	if !strings.Contains(out, "cid:inline-1") {
		t.Errorf("stripped = %q, want cid reference kept for rewriting", out)
	}
}

// TestFull verifies the archive rendering keeps quotes and signatures.
func TestFull(t *testing.T) {
	tr := NewTransformer()

	in := `<div>Reply</div><blockquote>Older</blockquote>` +
		`<div class="gmail_signature">Sig</div>` +
		`<script>alert(1)</script>`

	out := tr.Full(in)

	if !strings.Contains(out, "Older") {
		t.Errorf("full = %q, want quotes kept", out)
	}
	if !strings.Contains(out, "Sig") {
		t.Errorf("full = %q, want signature kept", out)
	}
	if strings.Contains(out, "script") {
		t.Errorf("full = %q, want script stripped", out)
	}
}

// TestMalformedHTMLDoesNotPanic verifies both renderings tolerate broken
// input.
func TestMalformedHTMLDoesNotPanic(t *testing.T) {
	tr := NewTransformer()

	inputs := []string{
		"<div><p>unclosed",
		"<<<>>>",
		"",
		"<blockquote><blockquote><div>",
	}

	for _, in := range inputs {
		_ = tr.Full(in)
		_ = tr.Stripped(in)
		_ = tr.ToText(in)
	}
}

// TestToText verifies markup stripping and line handling.
func TestToText(t *testing.T) {
	tr := NewTransformer()

	in := "<div>first line</div><div>second &amp; third</div>"
	out := tr.ToText(in)

	if out != "first line\nsecond & third" {
		t.Errorf("text = %q, want two unescaped lines", out)
	}
}

// TestRewriteCIDs verifies inline references are rewritten to public URLs.
func TestRewriteCIDs(t *testing.T) {
	in := `<div><img src="cid:img-1"><img src="cid:img-2"></div>`

	out := RewriteCIDs(in, map[string]string{
		"img-1": "https://files.test/attachments/pub-1",
	})

	if !strings.Contains(out, `src="https://files.test/attachments/pub-1"`) {
		t.Errorf("rewritten = %q, want img-1 URL substituted", out)
	}
	if !strings.Contains(out, "cid:img-2") {
		t.Errorf("rewritten = %q, want unknown cid left untouched", out)
	}

	// No mapping means no change at all.
	if got := RewriteCIDs(in, nil); got != in {
		t.Errorf("rewrite with empty map changed the body")
	}
}

// TestSignature verifies extraction from container and text markers.
func TestSignature(t *testing.T) {
	tr := NewTransformer()

	html, text := tr.Signature(`<div>Body</div><div class="gmail_signature">Jo<br>Acme Inc</div>`)
	if !strings.Contains(text, "Acme Inc") {
		t.Errorf("sig text = %q, want container contents", text)
	}
	if html == "" {
		t.Error("sig html empty, want container markup")
	}

	_, text = tr.Signature("<div>Body</div><div>--</div><div>Jo from Acme</div>")
	if text != "Jo from Acme" {
		t.Errorf("sig text = %q, want text after -- marker", text)
	}

	html, text = tr.Signature("<div>No signature here</div>")
	if html != "" || text != "" {
		t.Errorf("sig = (%q, %q), want empty", html, text)
	}
}
