package unsubscribe

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationResult reports whether a URL is safe to request. Reason is set
// only when Valid is false.
type ValidationResult struct {
	Valid  bool
	Reason string
}

// Validate decides, from the URL text alone, whether an unsubscribe target is
// safe to contact. Checks run in order and the first failure wins: parse,
// scheme, embedded credentials, then hostname. Hostname checks are lexical;
// no DNS lookup happens here. Resolved addresses are checked again at dial
// time by the client from NewHTTPClient.
func Validate(raw string) ValidationResult {
	u, err := url.Parse(raw)
	if err != nil {
		return ValidationResult{Reason: "malformed URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ValidationResult{Reason: fmt.Sprintf("scheme %q not allowed", u.Scheme)}
	}
	if u.User != nil {
		return ValidationResult{Reason: "URL embeds credentials"}
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return ValidationResult{Reason: "missing host"}
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return ValidationResult{Reason: "loopback host"}
	}
	if host == "metadata" || host == "metadata.google.internal" {
		return ValidationResult{Reason: "cloud metadata host"}
	}
	if ip := net.ParseIP(host); ip != nil {
		if reason := forbiddenIP(ip); reason != "" {
			return ValidationResult{Reason: reason}
		}
	}
	return ValidationResult{Valid: true}
}

// forbiddenIP classifies addresses the engine must never contact. Returns
// the rejection reason, or "" when the address is acceptable. Shared between
// the lexical check above and the dial-time check in NewHTTPClient.
func forbiddenIP(ip net.IP) string {
	switch {
	case ip.IsLoopback():
		return "loopback address"
	case ip.IsPrivate():
		return "private address"
	case ip.IsLinkLocalUnicast():
		return "link-local address"
	case ip.IsUnspecified():
		return "unspecified address"
	}
	// Rest of 0.0.0.0/8: not dialable as a destination on most stacks but
	// historically abused for localhost tricks, so reject the whole block.
	if v4 := ip.To4(); v4 != nil && v4[0] == 0 {
		return "reserved address"
	}
	return ""
}
