package gmail

import (
	"context"
	"fmt"
	"strings"

	gmailv1 "google.golang.org/api/gmail/v1"
)

// TrashMessages moves the given messages to trash.
func TrashMessages(ctx context.Context, svc *gmailv1.Service, messageIDs []string) error {
	user := "me"
	for _, id := range messageIDs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if _, err := svc.Users.Messages.Trash(user, id).Context(ctx).Do(); err != nil {
			return fmt.Errorf("trash message %s: %w", id, err)
		}
	}
	return nil
}

// GetMessageBody fetches the full message and extracts the body as plain text.
// It prefers text/plain, falls back to stripped HTML, then the message snippet.
func GetMessageBody(ctx context.Context, svc *gmailv1.Service, messageID string) (string, error) {
	user := "me"
	msg, err := svc.Users.Messages.Get(user, messageID).Format("full").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("get message %s: %w", messageID, err)
	}
	if msg.Payload != nil {
		if body := extractPlainText(msg.Payload); body != "" {
			return body, nil
		}
		if html := extractHTML(msg.Payload); html != "" {
			if text := stripHTMLTags(html); text != "" {
				return text, nil
			}
		}
	}
	if msg.Snippet != "" {
		return msg.Snippet, nil
	}
	return "(no content)", nil
}

// UnsubscribeInput is everything the unsubscribe cascade needs from one
// message: the two headers as sent and the MIME payload for the body scan.
type UnsubscribeInput struct {
	ListUnsubscribe     string
	ListUnsubscribePost string
	Payload             *gmailv1.MessagePart
}

// GetUnsubscribeInput fetches the full message and pulls out the raw
// List-Unsubscribe headers plus the payload. One call serves both the header
// parse and the HTML body fallback.
func GetUnsubscribeInput(ctx context.Context, svc *gmailv1.Service, messageID string) (UnsubscribeInput, error) {
	user := "me"
	msg, err := svc.Users.Messages.Get(user, messageID).Format("full").Context(ctx).Do()
	if err != nil {
		return UnsubscribeInput{}, fmt.Errorf("get message %s: %w", messageID, err)
	}
	var in UnsubscribeInput
	if msg.Payload != nil {
		in.Payload = msg.Payload
		for _, h := range msg.Payload.Headers {
			switch strings.ToLower(h.Name) {
			case "list-unsubscribe":
				in.ListUnsubscribe = h.Value
			case "list-unsubscribe-post":
				in.ListUnsubscribePost = h.Value
			}
		}
	}
	return in, nil
}
