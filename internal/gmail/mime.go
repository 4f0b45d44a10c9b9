package gmail

import (
	"encoding/base64"
	"strings"

	"github.com/PuerkitoBio/goquery"
	gmailv1 "google.golang.org/api/gmail/v1"
)

// extractPlainText recursively walks a MIME part tree and returns the first
// text/plain body found (base64url decoded). For multipart/alternative it
// prefers text/plain over text/html.
func extractPlainText(part *gmailv1.MessagePart) string {
	if part == nil {
		return ""
	}

	mime := strings.ToLower(part.MimeType)

	// Leaf node with text/plain body data
	if mime == "text/plain" && part.Body != nil && part.Body.Data != "" {
		return decodeBase64URL(part.Body.Data)
	}

	// Recurse into sub-parts (multipart/*)
	if len(part.Parts) > 0 {
		// For multipart/alternative, prefer text/plain
		for _, sub := range part.Parts {
			if strings.ToLower(sub.MimeType) == "text/plain" {
				if body := extractPlainText(sub); body != "" {
					return body
				}
			}
		}
		// Otherwise try all parts
		for _, sub := range part.Parts {
			if body := extractPlainText(sub); body != "" {
				return body
			}
		}
	}

	return ""
}

// extractHTML recursively walks a MIME part tree and returns the first
// text/html body found (base64url decoded).
func extractHTML(part *gmailv1.MessagePart) string {
	if part == nil {
		return ""
	}

	mime := strings.ToLower(part.MimeType)

	if mime == "text/html" && part.Body != nil && part.Body.Data != "" {
		return decodeBase64URL(part.Body.Data)
	}

	for _, sub := range part.Parts {
		if body := extractHTML(sub); body != "" {
			return body
		}
	}

	return ""
}

// stripHTMLTags renders HTML as readable plain text. Script and style
// contents are dropped and entities are decoded by the parser; block-level
// closings become newlines so paragraphs survive.
func stripHTMLTags(src string) string {
	for _, tag := range []string{"<br>", "<br/>", "<br />", "</p>", "</div>", "</tr>", "</li>", "</h1>", "</h2>", "</h3>", "</h4>", "</h5>", "</h6>"} {
		src = strings.ReplaceAll(src, tag, "\n"+tag)
		src = strings.ReplaceAll(src, strings.ToUpper(tag), "\n"+tag)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	if err != nil {
		return strings.TrimSpace(src)
	}
	doc.Find("script, style").Remove()
	result := doc.Find("body").Text()

	// Collapse multiple blank lines
	for strings.Contains(result, "\n\n\n") {
		result = strings.ReplaceAll(result, "\n\n\n", "\n\n")
	}

	return strings.TrimSpace(result)
}

func decodeBase64URL(data string) string {
	b, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		// Gmail uses unpadded base64url
		b, err = base64.RawURLEncoding.DecodeString(data)
		if err != nil {
			return ""
		}
	}
	return string(b)
}
