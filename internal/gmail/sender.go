package gmail

import (
	"net/mail"
	"strings"
	"time"
)

// NormalizeSender extracts and normalizes an email address from a From header.
// - Parses RFC 5322 "From" values like "Name <user+alias@Example.COM>"
// - Lowercases
// - Strips +alias in local part: user+news@x.com -> user@x.com
// Returns empty string if parsing fails or address is missing.
func NormalizeSender(fromHeader string) string {
	if fromHeader == "" {
		return ""
	}
	addr, err := mail.ParseAddress(fromHeader)
	if err != nil || addr == nil {
		// Some headers may be a list; try a crude fallback by splitting on comma.
		parts := strings.Split(fromHeader, ",")
		for _, p := range parts {
			p = strings.TrimSpace(p)
			a, e := mail.ParseAddress(p)
			if e == nil && a != nil {
				addr = a
				break
			}
		}
		if addr == nil {
			return ""
		}
	}

	email := strings.ToLower(strings.TrimSpace(addr.Address))
	at := strings.LastIndexByte(email, '@')
	if at <= 0 {
		return email
	}
	local := email[:at]
	domain := email[at+1:]

	// Strip +alias in local part.
	if plus := strings.IndexByte(local, '+'); plus > -1 {
		local = local[:plus]
	}
	// Some providers ignore dots in local part (e.g., Gmail). We WON'T remove dots
	// by default to avoid over-grouping across providers. Keep dots as-is.

	return local + "@" + domain
}

func displayNameFromFrom(fromHeader, normalized string) string {
	// If header contains a quoted name, strip address and return remaining.
	// E.g., "Twitter <notify@twitter.com>" -> "Twitter"
	if idx := strings.Index(fromHeader, "<"); idx > 0 {
		name := strings.TrimSpace(fromHeader[:idx])
		name = strings.Trim(name, `"'`)
		if name != "" {
			return name
		}
	}
	// Fallback to local-part as "Name".
	if at := strings.IndexByte(normalized, '@'); at > 0 {
		lp := normalized[:at]
		parts := strings.Split(lp, ".")
		for i := range parts {
			if parts[i] == "" {
				continue
			}
			parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
		}
		return strings.Join(parts, " ")
	}
	return normalized
}

func parseDateRFC3339(h string) string {
	if h == "" {
		return ""
	}
	// Try common formats Gmail uses in Date header.
	layouts := []string{
		time.RFC1123Z,
		time.RFC1123,
		time.RFC822Z,
		time.RFC822,
		time.RFC850,
		time.RFC3339,
		"Mon, 2 Jan 2006 15:04:05 -0700",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, h); err == nil {
			return t.UTC().Format(time.RFC3339)
		}
	}
	return ""
}
