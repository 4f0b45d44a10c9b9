package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	gmailv1 "google.golang.org/api/gmail/v1"
)

// Sender sends mail through the authenticated account. It satisfies the
// unsubscribe engine's MailSender interface; CanSend is false for a Sender
// built without a service, which the engine treats as "no mailto support".
type Sender struct {
	svc *gmailv1.Service
}

func NewSender(svc *gmailv1.Service) *Sender {
	return &Sender{svc: svc}
}

func (s *Sender) CanSend() bool {
	return s != nil && s.svc != nil
}

// Send composes a plain-text message and submits it via the Gmail API. The
// From address is implied by the authenticated account.
func (s *Sender) Send(ctx context.Context, to, subject, body string) error {
	if !s.CanSend() {
		return fmt.Errorf("gmail sender not configured")
	}
	raw := buildRawMessage(to, subject, body)
	msg := &gmailv1.Message{Raw: raw}
	if _, err := s.svc.Users.Messages.Send("me", msg).Context(ctx).Do(); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// buildRawMessage assembles an RFC 2822 message and base64url-encodes it the
// way the Gmail API wants raw payloads (unpadded, URL-safe alphabet).
func buildRawMessage(to, subject, body string) string {
	var b strings.Builder
	b.WriteString("To: " + sanitizeHeader(to) + "\r\n")
	b.WriteString("Subject: " + sanitizeHeader(subject) + "\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return base64.RawURLEncoding.EncodeToString([]byte(b.String()))
}

// sanitizeHeader strips CR and LF so values decoded from untrusted mailto
// URIs cannot smuggle extra headers into the composed message.
func sanitizeHeader(v string) string {
	v = strings.ReplaceAll(v, "\r", "")
	v = strings.ReplaceAll(v, "\n", " ")
	return strings.TrimSpace(v)
}
