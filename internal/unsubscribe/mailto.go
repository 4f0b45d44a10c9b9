package unsubscribe

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

// MailtoFields is an unsubscribe mailto URI broken into send arguments.
type MailtoFields struct {
	To      string
	Subject string
	Body    string
}

// ParseMailto splits a mailto URI (RFC 6068) into recipient, subject and
// body. Subject defaults to "Unsubscribe" and body to "" when the query
// omits them. A URI without a recipient is an error.
func ParseMailto(raw string) (MailtoFields, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return MailtoFields{}, fmt.Errorf("parse mailto URI: %w", err)
	}
	if u.Scheme != "mailto" {
		return MailtoFields{}, fmt.Errorf("not a mailto URI: scheme %q", u.Scheme)
	}
	if u.Opaque == "" {
		return MailtoFields{}, errors.New("mailto URI has no recipient")
	}

	fields := MailtoFields{To: u.Opaque, Subject: "Unsubscribe"}
	q := u.Query()
	if s := q.Get("subject"); s != "" {
		fields.Subject = s
	}
	fields.Body = q.Get("body")
	return fields, nil
}

// performMailto sends the unsubscribe mail through the caller's send
// capability. Missing capability and unparseable URIs fail without any
// send attempt.
func performMailto(ctx context.Context, rawURI string, sender MailSender) error {
	if sender == nil || !sender.CanSend() {
		return errors.New("send capability not available")
	}
	fields, err := ParseMailto(rawURI)
	if err != nil {
		return err
	}
	if err := sender.Send(ctx, fields.To, fields.Subject, fields.Body); err != nil {
		return fmt.Errorf("send unsubscribe mail: %w", err)
	}
	return nil
}
