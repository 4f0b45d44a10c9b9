package gmail

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
)

// Mailbox bundles the Gmail service with the local cache and exposes the
// handful of operations the HTTP layer needs. Handlers talk to this, never
// to the raw service.
type Mailbox struct {
	svc              *gmailv1.Service
	store            MessageStore
	includeSpamTrash bool
	log              *slog.Logger
}

func NewMailbox(svc *gmailv1.Service, store MessageStore, includeSpamTrash bool, log *slog.Logger) *Mailbox {
	if log == nil {
		log = slog.Default()
	}
	return &Mailbox{svc: svc, store: store, includeSpamTrash: includeSpamTrash, log: log}
}

// Sender returns the send capability for mailto unsubscribes.
func (m *Mailbox) Sender() *Sender {
	return NewSender(m.svc)
}

// Trash moves one message to the Gmail trash.
func (m *Mailbox) Trash(ctx context.Context, messageID string) error {
	return TrashMessages(ctx, m.svc, []string{messageID})
}

// Body returns the message body as plain text for preview.
func (m *Mailbox) Body(ctx context.Context, messageID string) (string, error) {
	return GetMessageBody(ctx, m.svc, messageID)
}

// UnsubscribeInput fetches the headers and payload the cascade works from.
func (m *Mailbox) UnsubscribeInput(ctx context.Context, messageID string) (UnsubscribeInput, error) {
	return GetUnsubscribeInput(ctx, m.svc, messageID)
}

// Sync brings the local cache up to date. The first run walks the whole
// INBOX; later runs replay Gmail history from the stored checkpoint. A
// checkpoint the server no longer remembers (404) forces a fresh full scan.
func (m *Mailbox) Sync(ctx context.Context) error {
	hid, err := m.store.GetLastHistoryID(ctx)
	if err != nil {
		return err
	}
	if strings.TrimSpace(hid) == "" {
		return FullScan(ctx, m.svc, m.store, m.includeSpamTrash, m.logProgress)
	}

	err = SyncSinceHistory(ctx, m.svc, m.store, hid, m.logProgress)
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
		m.log.Info("history checkpoint expired, falling back to full scan")
		return FullScan(ctx, m.svc, m.store, m.includeSpamTrash, m.logProgress)
	}
	return err
}

func (m *Mailbox) logProgress(p SyncProgress) {
	if strings.HasSuffix(p.Phase, "-start") || strings.HasSuffix(p.Phase, "-done") {
		m.log.Info("sync progress", "phase", p.Phase, "done", p.Done, "total", p.Total)
		return
	}
	m.log.Debug("sync progress", "phase", p.Phase, "done", p.Done, "total", p.Total)
}
