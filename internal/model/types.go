package model

// MessageRef holds the cached header metadata for one inbox message. From is
// stored normalized (lowercased, +alias stripped) at sync time.
type MessageRef struct {
	ID                  string
	Subject             string
	DateRFC3339         string
	From                string
	ListUnsubscribe     string // List-Unsubscribe header value
	ListUnsubscribePost string // List-Unsubscribe-Post header value
}

// HasUnsubscribeHeader reports whether the sender declared any unsubscribe
// mechanism in its headers. The HTML body may still carry a link when this
// is false.
func (m MessageRef) HasUnsubscribeHeader() bool {
	return m.ListUnsubscribe != ""
}

// SenderGroup aggregates messages by normalized sender email and exact,
// case-sensitive subject.
type SenderGroup struct {
	Email          string
	Subject        string
	DisplayName    string
	Count          int
	Sample         string   // representative subject
	FirstDate      string   // oldest RFC3339 among grouped
	LastDate       string   // newest RFC3339 among grouped
	MessageIDs     []string // all Gmail message IDs in this group
	UnsubscribeURL string   // first HTTP unsubscribe link found in group (empty if none)
}
