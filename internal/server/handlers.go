package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"mailswipe/internal/gmail"
	"mailswipe/internal/model"
	"mailswipe/internal/store"
	"mailswipe/internal/unsubscribe"
)

const (
	defaultQueueLimit = 50
	maxQueueLimit     = 200
)

type sessionRequest struct {
	DeviceSecret string `json:"device_secret"`
}

type sessionResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	token, expiry, err := s.sessions.Issue(req.DeviceSecret)
	if err != nil {
		s.log.Warn("pairing attempt rejected", "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid device secret")
		return
	}
	s.log.Info("device paired", "remote", r.RemoteAddr)
	writeJSON(w, http.StatusOK, sessionResponse{Token: token, ExpiresAt: expiry})
}

type queueMessage struct {
	ID             string `json:"id"`
	From           string `json:"from"`
	Subject        string `json:"subject"`
	Date           string `json:"date,omitempty"`
	HasUnsubscribe bool   `json:"has_unsubscribe"`
}

type queueResponse struct {
	Messages []queueMessage `json:"messages"`
	Total    int            `json:"total"`
}

// handleQueue returns undecided messages newest-first, ready to swipe.
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	limit := defaultQueueLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxQueueLimit)
	}

	msgs, err := s.store.LoadAllMessages(r.Context())
	if err != nil {
		s.log.Error("load messages", "error", err)
		writeError(w, http.StatusInternalServerError, "could not load messages")
		return
	}

	pending := make([]model.MessageRef, 0, len(msgs))
	for _, m := range msgs {
		if s.decisions.Decided(m.ID) {
			continue
		}
		pending = append(pending, m)
	}

	out := queueResponse{Messages: []queueMessage{}, Total: len(pending)}
	for _, m := range pending {
		if len(out.Messages) >= limit {
			break
		}
		out.Messages = append(out.Messages, queueMessage{
			ID:             m.ID,
			From:           m.From,
			Subject:        m.Subject,
			Date:           m.DateRFC3339,
			HasUnsubscribe: m.HasUnsubscribeHeader(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type senderGroup struct {
	Email          string   `json:"email"`
	DisplayName    string   `json:"display_name,omitempty"`
	Subject        string   `json:"subject"`
	Count          int      `json:"count"`
	FirstDate      string   `json:"first_date,omitempty"`
	LastDate       string   `json:"last_date,omitempty"`
	UnsubscribeURL string   `json:"unsubscribe_url,omitempty"`
	MessageIDs     []string `json:"message_ids"`
}

func (s *Server) handleSenders(w http.ResponseWriter, r *http.Request) {
	groups, err := gmail.LoadGroupsFromDB(r.Context(), s.store)
	if err != nil {
		s.log.Error("load sender groups", "error", err)
		writeError(w, http.StatusInternalServerError, "could not load senders")
		return
	}
	out := make([]senderGroup, 0, len(groups))
	for _, g := range groups {
		out = append(out, senderGroup{
			Email:          g.Email,
			DisplayName:    g.DisplayName,
			Subject:        g.Subject,
			Count:          g.Count,
			FirstDate:      g.FirstDate,
			LastDate:       g.LastDate,
			UnsubscribeURL: g.UnsubscribeURL,
			MessageIDs:     g.MessageIDs,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"senders": out})
}

type messageDetail struct {
	ID             string `json:"id"`
	From           string `json:"from"`
	Subject        string `json:"subject"`
	Date           string `json:"date,omitempty"`
	HasUnsubscribe bool   `json:"has_unsubscribe"`
	Body           string `json:"body,omitempty"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	refs, err := s.store.GetMessagesByIDs(r.Context(), []string{id})
	if err != nil {
		s.log.Error("load message", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "could not load message")
		return
	}
	if len(refs) == 0 {
		writeError(w, http.StatusNotFound, "unknown message")
		return
	}
	ref := refs[0]

	body, err := s.mailbox.Body(r.Context(), id)
	if err != nil {
		// Metadata is still worth returning; the preview just stays empty.
		s.log.Warn("body fetch failed", "id", id, "error", err)
		body = ""
	}

	writeJSON(w, http.StatusOK, messageDetail{
		ID:             ref.ID,
		From:           ref.From,
		Subject:        ref.Subject,
		Date:           ref.DateRFC3339,
		HasUnsubscribe: ref.HasUnsubscribeHeader(),
		Body:           body,
	})
}

type swipeRequest struct {
	MessageID string `json:"message_id"`
	Direction string `json:"direction"`
}

type swipeResponse struct {
	MessageID   string              `json:"message_id"`
	Direction   store.Direction     `json:"direction"`
	Unsubscribe *unsubscribe.Result `json:"unsubscribe,omitempty"`
}

// handleSwipe records a verdict. A dismiss trashes the message and then
// walks the unsubscribe cascade; whatever the cascade reports goes back to
// the app verbatim. Retrying a swipe that already happened returns the
// stored outcome instead of acting twice.
func (s *Server) handleSwipe(w http.ResponseWriter, r *http.Request) {
	var req swipeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.MessageID == "" {
		writeError(w, http.StatusBadRequest, "message_id is required")
		return
	}
	dir := store.Direction(req.Direction)
	if dir != store.DirectionKeep && dir != store.DirectionDismiss {
		writeError(w, http.StatusBadRequest, `direction must be "keep" or "dismiss"`)
		return
	}

	if prior, ok := s.decisions.Get(req.MessageID); ok {
		if prior.Direction == dir {
			writeJSON(w, http.StatusOK, swipeResponse{
				MessageID:   prior.MessageID,
				Direction:   prior.Direction,
				Unsubscribe: prior.Unsubscribe,
			})
			return
		}
		writeError(w, http.StatusConflict, "message already swiped the other way")
		return
	}

	refs, err := s.store.GetMessagesByIDs(r.Context(), []string{req.MessageID})
	if err != nil {
		s.log.Error("load message", "id", req.MessageID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not load message")
		return
	}
	if len(refs) == 0 {
		writeError(w, http.StatusNotFound, "unknown message")
		return
	}
	ref := refs[0]

	if dir == store.DirectionKeep {
		if err := s.decisions.Append(store.Decision{
			MessageID: ref.ID,
			Sender:    ref.From,
			Subject:   ref.Subject,
			Direction: dir,
		}); err != nil {
			s.log.Error("record decision", "id", ref.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "could not record decision")
			return
		}
		writeJSON(w, http.StatusOK, swipeResponse{MessageID: ref.ID, Direction: dir})
		return
	}

	s.dismiss(w, r, ref)
}

// dismiss gathers the unsubscribe input before touching the message, so a
// failed full fetch can still fall back to the cached headers.
func (s *Server) dismiss(w http.ResponseWriter, r *http.Request, ref model.MessageRef) {
	ctx := r.Context()

	in, err := s.mailbox.UnsubscribeInput(ctx, ref.ID)
	if err != nil {
		s.log.Warn("full message fetch failed, using cached headers", "id", ref.ID, "error", err)
		in = gmail.UnsubscribeInput{
			ListUnsubscribe:     ref.ListUnsubscribe,
			ListUnsubscribePost: ref.ListUnsubscribePost,
		}
	}
	cands := unsubscribe.ExtractCandidates(in.ListUnsubscribe, in.ListUnsubscribePost, in.Payload)

	if err := s.mailbox.Trash(ctx, ref.ID); err != nil {
		s.log.Error("trash failed", "id", ref.ID, "error", err)
		writeError(w, http.StatusBadGateway, "could not trash message")
		return
	}

	result := s.engine.Execute(ctx, cands, s.sender)

	if err := s.decisions.Append(store.Decision{
		MessageID:   ref.ID,
		Sender:      ref.From,
		Subject:     ref.Subject,
		Direction:   store.DirectionDismiss,
		Unsubscribe: &result,
	}); err != nil {
		s.log.Error("record decision", "id", ref.ID, "error", err)
	}
	if err := s.store.DeleteMessages(ctx, []string{ref.ID}); err != nil {
		s.log.Error("drop cached message", "id", ref.ID, "error", err)
	}

	writeJSON(w, http.StatusOK, swipeResponse{
		MessageID:   ref.ID,
		Direction:   store.DirectionDismiss,
		Unsubscribe: &result,
	})
}

// handleSync kicks a background sync. A second request while one is running
// gets a 409 instead of a second sync.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if !s.StartSync(s.baseCtx) {
		writeError(w, http.StatusConflict, "sync already running")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}
