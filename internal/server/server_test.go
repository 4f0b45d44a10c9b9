package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"mailswipe/internal/gmail"
	"mailswipe/internal/model"
	"mailswipe/internal/store"
	"mailswipe/internal/unsubscribe"
)

const testSecret = "test-device-secret"

// fakeMailbox implements Mailbox without any Gmail behind it.
type fakeMailbox struct {
	mu       sync.Mutex
	trashed  []string
	trashErr error

	bodies  map[string]string
	bodyErr error

	inputs   map[string]gmail.UnsubscribeInput
	inputErr error

	syncErr     error
	syncStarted chan struct{}
	syncRelease chan struct{}
	syncCalls   int
}

func (f *fakeMailbox) Trash(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.trashErr != nil {
		return f.trashErr
	}
	f.trashed = append(f.trashed, id)
	return nil
}

func (f *fakeMailbox) Body(ctx context.Context, id string) (string, error) {
	if f.bodyErr != nil {
		return "", f.bodyErr
	}
	return f.bodies[id], nil
}

func (f *fakeMailbox) UnsubscribeInput(ctx context.Context, id string) (gmail.UnsubscribeInput, error) {
	if f.inputErr != nil {
		return gmail.UnsubscribeInput{}, f.inputErr
	}
	return f.inputs[id], nil
}

func (f *fakeMailbox) Sync(ctx context.Context) error {
	if f.syncStarted != nil {
		f.syncStarted <- struct{}{}
	}
	if f.syncRelease != nil {
		<-f.syncRelease
	}
	f.mu.Lock()
	f.syncCalls++
	f.mu.Unlock()
	return f.syncErr
}

func (f *fakeMailbox) trashedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.trashed...)
}

// fakeTransport answers every outbound unsubscribe request with one status.
type fakeTransport struct {
	mu     sync.Mutex
	status int
	calls  []string // "METHOD host"
}

func (f *fakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.Method+" "+req.URL.Host)
	f.mu.Unlock()
	return &http.Response{
		StatusCode: f.status,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader("")),
		Request:    req,
	}, nil
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type sentMail struct{ to, subject string }

type fakeSender struct {
	mu      sync.Mutex
	canSend bool
	sent    []sentMail
}

func (f *fakeSender) CanSend() bool { return f.canSend }

func (f *fakeSender) Send(ctx context.Context, to, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMail{to: to, subject: subject})
	return nil
}

type testEnv struct {
	srv       *httptest.Server
	store     *store.SQLiteStore
	decisions *store.DecisionLog
	mailbox   *fakeMailbox
	transport *fakeTransport
	sender    *fakeSender
	token     string
}

func newTestEnv(t *testing.T, mb *fakeMailbox) *testEnv {
	t.Helper()
	if mb == nil {
		mb = &fakeMailbox{}
	}
	if mb.bodies == nil {
		mb.bodies = map[string]string{}
	}
	if mb.inputs == nil {
		mb.inputs = map[string]gmail.UnsubscribeInput{}
	}

	dir := t.TempDir()
	st, err := store.NewSQLiteStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	decisions, err := store.OpenDecisionLog(filepath.Join(dir, "decisions.json"))
	if err != nil {
		t.Fatalf("OpenDecisionLog: %v", err)
	}

	logd := slog.New(slog.DiscardHandler)
	rt := &fakeTransport{status: http.StatusOK}
	sender := &fakeSender{canSend: true}

	s := New(Config{
		DeviceSecret: testSecret,
		Store:        st,
		Decisions:    decisions,
		Mailbox:      mb,
		Engine:       unsubscribe.NewEngine(&http.Client{Transport: rt}, logd),
		Sender:       sender,
		Log:          logd,
	})

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	env := &testEnv{
		srv:       ts,
		store:     st,
		decisions: decisions,
		mailbox:   mb,
		transport: rt,
		sender:    sender,
	}
	env.token = env.pair(t)
	return env
}

func (e *testEnv) pair(t *testing.T) string {
	t.Helper()
	resp := e.request(t, http.MethodPost, "/api/session", "", map[string]string{"device_secret": testSecret})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pairing failed with status %d", resp.StatusCode)
	}
	var out sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode session response: %v", err)
	}
	return out.Token
}

func (e *testEnv) request(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func (e *testEnv) seed(t *testing.T, msgs ...model.MessageRef) {
	t.Helper()
	if err := e.store.UpsertMessages(context.Background(), msgs); err != nil {
		t.Fatalf("seed messages: %v", err)
	}
}

func TestSessionEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.request(t, http.MethodPost, "/api/session", "", map[string]string{"device_secret": "wrong"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong secret: status %d", resp.StatusCode)
	}

	resp = env.request(t, http.MethodGet, "/api/queue", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status %d", resp.StatusCode)
	}

	resp = env.request(t, http.MethodGet, "/api/queue", "bogus-token", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bogus token: status %d", resp.StatusCode)
	}

	resp = env.request(t, http.MethodGet, "/api/queue", env.token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid token: status %d", resp.StatusCode)
	}
}

func TestQueueNewestFirstSkippingDecided(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t,
		model.MessageRef{ID: "old", From: "a@b.com", Subject: "first", DateRFC3339: "2025-01-01T00:00:00Z"},
		model.MessageRef{ID: "new", From: "a@b.com", Subject: "third", DateRFC3339: "2025-03-01T00:00:00Z", ListUnsubscribe: "<https://a.example.com/u>"},
		model.MessageRef{ID: "mid", From: "a@b.com", Subject: "second", DateRFC3339: "2025-02-01T00:00:00Z"},
	)
	if err := env.decisions.Append(store.Decision{MessageID: "mid", Sender: "a@b.com", Direction: store.DirectionKeep}); err != nil {
		t.Fatal(err)
	}

	resp := env.request(t, http.MethodGet, "/api/queue", env.token, nil)
	out := decodeBody[queueResponse](t, resp)

	if out.Total != 2 {
		t.Fatalf("total = %d", out.Total)
	}
	if len(out.Messages) != 2 || out.Messages[0].ID != "new" || out.Messages[1].ID != "old" {
		t.Fatalf("unexpected queue order: %+v", out.Messages)
	}
	if !out.Messages[0].HasUnsubscribe {
		t.Error("new message should report an unsubscribe header")
	}
	if out.Messages[1].HasUnsubscribe {
		t.Error("old message should not report an unsubscribe header")
	}
}

func TestQueueLimit(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t,
		model.MessageRef{ID: "1", From: "a@b.com", DateRFC3339: "2025-01-01T00:00:00Z"},
		model.MessageRef{ID: "2", From: "a@b.com", DateRFC3339: "2025-01-02T00:00:00Z"},
		model.MessageRef{ID: "3", From: "a@b.com", DateRFC3339: "2025-01-03T00:00:00Z"},
	)

	resp := env.request(t, http.MethodGet, "/api/queue?limit=2", env.token, nil)
	out := decodeBody[queueResponse](t, resp)
	if len(out.Messages) != 2 || out.Total != 3 {
		t.Fatalf("limit=2: got %d messages, total %d", len(out.Messages), out.Total)
	}

	resp = env.request(t, http.MethodGet, "/api/queue?limit=nope", env.token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit: status %d", resp.StatusCode)
	}

	resp = env.request(t, http.MethodGet, "/api/queue?limit=-3", env.token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative limit: status %d", resp.StatusCode)
	}
}

func TestSendersEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t,
		model.MessageRef{ID: "1", From: "news@example.com", Subject: "Digest", DateRFC3339: "2025-01-01T00:00:00Z",
			ListUnsubscribe: "<https://news.example.com/unsub>"},
		model.MessageRef{ID: "2", From: "news@example.com", Subject: "Digest", DateRFC3339: "2025-01-02T00:00:00Z"},
		model.MessageRef{ID: "3", From: "other@example.com", Subject: "Hi", DateRFC3339: "2025-01-03T00:00:00Z"},
	)

	resp := env.request(t, http.MethodGet, "/api/senders", env.token, nil)
	out := decodeBody[struct {
		Senders []senderGroup `json:"senders"`
	}](t, resp)

	if len(out.Senders) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(out.Senders))
	}
	// Sorted by count descending, so the digest group comes first.
	g := out.Senders[0]
	if g.Email != "news@example.com" || g.Count != 2 {
		t.Fatalf("unexpected first group: %+v", g)
	}
	if g.UnsubscribeURL != "https://news.example.com/unsub" {
		t.Fatalf("unsubscribe url = %q", g.UnsubscribeURL)
	}
	if len(g.MessageIDs) != 2 {
		t.Fatalf("message ids = %v", g.MessageIDs)
	}
}

func TestMessageDetail(t *testing.T) {
	mb := &fakeMailbox{bodies: map[string]string{"m1": "hello body"}}
	env := newTestEnv(t, mb)
	env.seed(t, model.MessageRef{ID: "m1", From: "a@b.com", Subject: "Hi", DateRFC3339: "2025-01-01T00:00:00Z"})

	resp := env.request(t, http.MethodGet, "/api/messages/m1", env.token, nil)
	out := decodeBody[messageDetail](t, resp)
	if out.ID != "m1" || out.Body != "hello body" {
		t.Fatalf("unexpected detail: %+v", out)
	}

	resp = env.request(t, http.MethodGet, "/api/messages/nope", env.token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown id: status %d", resp.StatusCode)
	}
}

func TestMessageDetailBodyFetchFailure(t *testing.T) {
	mb := &fakeMailbox{bodyErr: errors.New("gmail down")}
	env := newTestEnv(t, mb)
	env.seed(t, model.MessageRef{ID: "m1", From: "a@b.com", Subject: "Hi"})

	resp := env.request(t, http.MethodGet, "/api/messages/m1", env.token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	out := decodeBody[messageDetail](t, resp)
	if out.Body != "" {
		t.Fatalf("expected empty body, got %q", out.Body)
	}
	if out.Subject != "Hi" {
		t.Fatalf("metadata lost: %+v", out)
	}
}

func TestSwipeKeep(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, model.MessageRef{ID: "m1", From: "a@b.com", Subject: "Hi"})

	resp := env.request(t, http.MethodPost, "/api/swipe", env.token,
		map[string]string{"message_id": "m1", "direction": "keep"})
	out := decodeBody[swipeResponse](t, resp)
	if out.Direction != store.DirectionKeep || out.Unsubscribe != nil {
		t.Fatalf("unexpected response: %+v", out)
	}

	d, ok := env.decisions.Get("m1")
	if !ok || d.Direction != store.DirectionKeep {
		t.Fatalf("decision not recorded: %+v, ok=%v", d, ok)
	}
	if len(env.mailbox.trashedIDs()) != 0 {
		t.Fatal("keep must not trash")
	}
	// Kept message stays cached but leaves the queue.
	n, _ := env.store.CountMessages(context.Background())
	if n != 1 {
		t.Fatalf("message count = %d", n)
	}
	qresp := env.request(t, http.MethodGet, "/api/queue", env.token, nil)
	q := decodeBody[queueResponse](t, qresp)
	if q.Total != 0 {
		t.Fatalf("kept message still queued: %+v", q)
	}
}

func TestSwipeDismissOneClick(t *testing.T) {
	mb := &fakeMailbox{inputs: map[string]gmail.UnsubscribeInput{
		"m1": {
			ListUnsubscribe:     "<https://esp.example.com/unsub?u=1>",
			ListUnsubscribePost: "List-Unsubscribe=One-Click",
		},
	}}
	env := newTestEnv(t, mb)
	env.seed(t, model.MessageRef{ID: "m1", From: "news@example.com", Subject: "Digest"})

	resp := env.request(t, http.MethodPost, "/api/swipe", env.token,
		map[string]string{"message_id": "m1", "direction": "dismiss"})
	out := decodeBody[swipeResponse](t, resp)

	if out.Unsubscribe == nil || !out.Unsubscribe.Success {
		t.Fatalf("cascade did not succeed: %+v", out.Unsubscribe)
	}
	if out.Unsubscribe.Method != unsubscribe.MethodRFC8058 {
		t.Fatalf("method = %q", out.Unsubscribe.Method)
	}
	if got := env.mailbox.trashedIDs(); len(got) != 1 || got[0] != "m1" {
		t.Fatalf("trashed = %v", got)
	}
	if env.transport.callCount() != 1 {
		t.Fatalf("expected exactly one unsubscribe request, got %d", env.transport.callCount())
	}
	// Message leaves the local cache.
	n, _ := env.store.CountMessages(context.Background())
	if n != 0 {
		t.Fatalf("message count = %d", n)
	}
	d, ok := env.decisions.Get("m1")
	if !ok || d.Direction != store.DirectionDismiss || d.Unsubscribe == nil || !d.Unsubscribe.Success {
		t.Fatalf("decision not recorded with outcome: %+v, ok=%v", d, ok)
	}
}

func TestSwipeDismissUsesCachedHeadersWhenFetchFails(t *testing.T) {
	mb := &fakeMailbox{inputErr: errors.New("gmail down")}
	env := newTestEnv(t, mb)
	env.seed(t, model.MessageRef{
		ID: "m1", From: "news@example.com", Subject: "Digest",
		ListUnsubscribe: "<https://esp.example.com/unsub>",
	})

	resp := env.request(t, http.MethodPost, "/api/swipe", env.token,
		map[string]string{"message_id": "m1", "direction": "dismiss"})
	out := decodeBody[swipeResponse](t, resp)

	if out.Unsubscribe == nil || !out.Unsubscribe.Success {
		t.Fatalf("cascade should have run off cached headers: %+v", out.Unsubscribe)
	}
	if env.transport.callCount() == 0 {
		t.Fatal("no unsubscribe request went out")
	}
}

func TestSwipeDismissMailtoOnly(t *testing.T) {
	mb := &fakeMailbox{inputs: map[string]gmail.UnsubscribeInput{
		"m1": {ListUnsubscribe: "<mailto:unsub@example.com?subject=Remove>"},
	}}
	env := newTestEnv(t, mb)
	env.seed(t, model.MessageRef{ID: "m1", From: "news@example.com", Subject: "Digest"})

	resp := env.request(t, http.MethodPost, "/api/swipe", env.token,
		map[string]string{"message_id": "m1", "direction": "dismiss"})
	out := decodeBody[swipeResponse](t, resp)

	if out.Unsubscribe == nil || !out.Unsubscribe.Success || out.Unsubscribe.Method != unsubscribe.MethodMailto {
		t.Fatalf("unexpected outcome: %+v", out.Unsubscribe)
	}
	env.sender.mu.Lock()
	defer env.sender.mu.Unlock()
	if len(env.sender.sent) != 1 || env.sender.sent[0].to != "unsub@example.com" {
		t.Fatalf("sent = %+v", env.sender.sent)
	}
	if env.sender.sent[0].subject != "Remove" {
		t.Fatalf("subject = %q", env.sender.sent[0].subject)
	}
}

func TestSwipeDismissNoMethods(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, model.MessageRef{ID: "m1", From: "person@example.com", Subject: "Hey"})

	resp := env.request(t, http.MethodPost, "/api/swipe", env.token,
		map[string]string{"message_id": "m1", "direction": "dismiss"})
	out := decodeBody[swipeResponse](t, resp)

	if out.Unsubscribe == nil || out.Unsubscribe.Success {
		t.Fatalf("unexpected outcome: %+v", out.Unsubscribe)
	}
	if out.Unsubscribe.Error != "No unsubscribe methods available" {
		t.Fatalf("error = %q", out.Unsubscribe.Error)
	}
	if len(out.Unsubscribe.Attempted) != 0 {
		t.Fatalf("attempted = %v", out.Unsubscribe.Attempted)
	}
	// The trash still happened; only the cascade had nothing to do.
	if got := env.mailbox.trashedIDs(); len(got) != 1 {
		t.Fatalf("trashed = %v", got)
	}
}

func TestSwipeIdempotentRetry(t *testing.T) {
	mb := &fakeMailbox{inputs: map[string]gmail.UnsubscribeInput{
		"m1": {
			ListUnsubscribe:     "<https://esp.example.com/unsub>",
			ListUnsubscribePost: "List-Unsubscribe=One-Click",
		},
	}}
	env := newTestEnv(t, mb)
	env.seed(t, model.MessageRef{ID: "m1", From: "news@example.com", Subject: "Digest"})

	body := map[string]string{"message_id": "m1", "direction": "dismiss"}
	first := decodeBody[swipeResponse](t, env.request(t, http.MethodPost, "/api/swipe", env.token, body))

	resp := env.request(t, http.MethodPost, "/api/swipe", env.token, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("retry status %d", resp.StatusCode)
	}
	second := decodeBody[swipeResponse](t, resp)

	if second.Unsubscribe == nil || second.Unsubscribe.Method != first.Unsubscribe.Method {
		t.Fatalf("retry did not return the stored outcome: %+v", second)
	}
	if got := env.mailbox.trashedIDs(); len(got) != 1 {
		t.Fatalf("retry acted twice, trashed = %v", got)
	}
	if env.transport.callCount() != 1 {
		t.Fatalf("retry re-ran cascade, %d requests", env.transport.callCount())
	}
}

func TestSwipeConflictOnOppositeDirection(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, model.MessageRef{ID: "m1", From: "a@b.com"})

	resp := env.request(t, http.MethodPost, "/api/swipe", env.token,
		map[string]string{"message_id": "m1", "direction": "keep"})
	resp.Body.Close()

	resp = env.request(t, http.MethodPost, "/api/swipe", env.token,
		map[string]string{"message_id": "m1", "direction": "dismiss"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestSwipeValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.request(t, http.MethodPost, "/api/swipe", env.token,
		map[string]string{"message_id": "m1", "direction": "sideways"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad direction: status %d", resp.StatusCode)
	}

	resp = env.request(t, http.MethodPost, "/api/swipe", env.token,
		map[string]string{"direction": "keep"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing id: status %d", resp.StatusCode)
	}

	resp = env.request(t, http.MethodPost, "/api/swipe", env.token,
		map[string]string{"message_id": "ghost", "direction": "keep"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown message: status %d", resp.StatusCode)
	}
}

func TestSwipeDismissTrashFailure(t *testing.T) {
	mb := &fakeMailbox{trashErr: errors.New("gmail says no")}
	env := newTestEnv(t, mb)
	env.seed(t, model.MessageRef{ID: "m1", From: "a@b.com", ListUnsubscribe: "<https://esp.example.com/u>"})

	resp := env.request(t, http.MethodPost, "/api/swipe", env.token,
		map[string]string{"message_id": "m1", "direction": "dismiss"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if env.decisions.Decided("m1") {
		t.Fatal("decision recorded despite failed trash")
	}
	// Message stays queued for a retry.
	n, _ := env.store.CountMessages(context.Background())
	if n != 1 {
		t.Fatalf("message count = %d", n)
	}
}

func TestSyncEndpoint(t *testing.T) {
	mb := &fakeMailbox{
		syncStarted: make(chan struct{}, 1),
		syncRelease: make(chan struct{}),
	}
	env := newTestEnv(t, mb)

	resp := env.request(t, http.MethodPost, "/api/sync", env.token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first sync: status %d", resp.StatusCode)
	}

	// Wait until the background sync is really running, then ask again.
	select {
	case <-mb.syncStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("sync never started")
	}

	resp = env.request(t, http.MethodPost, "/api/sync", env.token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("concurrent sync: status %d", resp.StatusCode)
	}

	close(mb.syncRelease)

	// The gate frees up once the first sync finishes.
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp = env.request(t, http.MethodPost, "/api/sync", env.token, nil)
		resp.Body.Close()
		if resp.StatusCode == http.StatusAccepted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("sync gate never released, last status %d", resp.StatusCode)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
