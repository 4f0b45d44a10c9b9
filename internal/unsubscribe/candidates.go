package unsubscribe

import (
	"encoding/base64"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"
	gmailv1 "google.golang.org/api/gmail/v1"
)

// Candidates is the structured form of a message's unsubscribe options.
// HTTPURLs keeps header order with exact-string duplicates removed. BodyURL
// is only ever set when the headers offered nothing.
type Candidates struct {
	HTTPURLs        []string
	MailtoURL       string
	BodyURL         string
	HasOneClickPost bool
}

// Empty reports whether no unsubscribe option of any kind was found.
func (c Candidates) Empty() bool {
	return len(c.HTTPURLs) == 0 && c.MailtoURL == "" && c.BodyURL == ""
}

// ExtractCandidates parses the List-Unsubscribe header value and, when the
// headers yield nothing, falls back to scanning the message's HTML part for
// an unsubscribe link. The header is a comma-separated list of
// angle-bracketed URIs (RFC 2369); tokens without angle brackets are
// malformed and skipped. Only the first mailto token is kept. No validation
// happens here.
func ExtractCandidates(listUnsubscribe, listUnsubscribePost string, payload *gmailv1.MessagePart) Candidates {
	var c Candidates

	for _, tok := range strings.Split(listUnsubscribe, ",") {
		tok = strings.TrimSpace(tok)
		if len(tok) < 2 || !strings.HasPrefix(tok, "<") || !strings.HasSuffix(tok, ">") {
			continue
		}
		uri := tok[1 : len(tok)-1]
		switch {
		case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
			if !slices.Contains(c.HTTPURLs, uri) {
				c.HTTPURLs = append(c.HTTPURLs, uri)
			}
		case strings.HasPrefix(uri, "mailto:"):
			if c.MailtoURL == "" {
				c.MailtoURL = uri
			}
		}
	}

	c.HasOneClickPost = strings.TrimSpace(listUnsubscribePost) != ""

	if len(c.HTTPURLs) == 0 && c.MailtoURL == "" {
		c.BodyURL = findBodyUnsubscribeURL(payload)
	}

	return c
}

// findBodyUnsubscribeURL returns the href of the first anchor in the
// message's HTML part whose href mentions "unsubscribe", or "".
func findBodyUnsubscribeURL(payload *gmailv1.MessagePart) string {
	html := htmlPart(payload)
	if html == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	var found string
	doc.Find("a").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, ok := sel.Attr("href")
		if !ok {
			return true
		}
		if strings.Contains(strings.ToLower(href), "unsubscribe") {
			found = href
			return false
		}
		return true
	})
	return found
}

// htmlPart walks the MIME tree and returns the first text/html body, decoded.
func htmlPart(part *gmailv1.MessagePart) string {
	if part == nil {
		return ""
	}
	if strings.ToLower(part.MimeType) == "text/html" && part.Body != nil && part.Body.Data != "" {
		return decodePartData(part.Body.Data)
	}
	for _, sub := range part.Parts {
		if body := htmlPart(sub); body != "" {
			return body
		}
	}
	return ""
}

func decodePartData(data string) string {
	b, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		// Gmail emits unpadded base64url
		b, err = base64.RawURLEncoding.DecodeString(data)
		if err != nil {
			return ""
		}
	}
	return string(b)
}
