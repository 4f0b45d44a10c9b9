package unsubscribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"
)

const (
	// attemptTimeout bounds every single HTTP request in the cascade.
	attemptTimeout = 10 * time.Second

	// oneClickBody is the fixed form body RFC 8058 requires on the POST.
	oneClickBody = "List-Unsubscribe=One-Click"

	maxRedirects = 10
	drainLimit   = 1 << 20
)

type httpOutcome struct {
	ok     bool
	status int
	detail string
}

// performHTTP runs one unsubscribe attempt against rawURL. One-click mode
// issues a single RFC 8058 POST; standard mode posts first and falls back to
// GET, each under a fresh timeout. The URL is re-validated here even when
// the caller validated it already; a rejected URL produces no request.
func (e *Engine) performHTTP(ctx context.Context, rawURL string, oneClick bool) httpOutcome {
	if v := Validate(rawURL); !v.Valid {
		return httpOutcome{detail: "validation failed: " + v.Reason}
	}
	host := hostOf(rawURL)

	if oneClick {
		e.log.Debug("one-click unsubscribe", "host", host)
		status, err := e.doRequest(ctx, http.MethodPost, rawURL, oneClickBody)
		switch {
		case err != nil:
			return httpOutcome{detail: classifyRequestErr(err)}
		case is2xx(status):
			return httpOutcome{ok: true, status: status}
		default:
			return httpOutcome{status: status, detail: fmt.Sprintf("status %d", status)}
		}
	}

	e.log.Debug("standard unsubscribe", "host", host)
	status, err := e.doRequest(ctx, http.MethodPost, rawURL, "")
	if err == nil && is2xx(status) {
		return httpOutcome{ok: true, status: status}
	}
	if ctx.Err() != nil {
		return httpOutcome{detail: classifyRequestErr(ctx.Err())}
	}
	status, err = e.doRequest(ctx, http.MethodGet, rawURL, "")
	switch {
	case err != nil:
		return httpOutcome{detail: classifyRequestErr(err)}
	case is2xx(status):
		return httpOutcome{ok: true, status: status}
	default:
		return httpOutcome{status: status, detail: fmt.Sprintf("status %d", status)}
	}
}

// doRequest issues one request under its own timeout derived from ctx, so a
// caller cancellation still aborts it. The response body is drained so the
// transport can reuse the connection.
func (e *Engine) doRequest(ctx context.Context, method, rawURL, body string) (int, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, rawURL, rdr)
	if err != nil {
		return 0, err
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, drainLimit))
	return resp.StatusCode, nil
}

// classifyRequestErr folds a transport error into a short diagnostic. The
// URL is never echoed; its query may carry per-recipient tokens.
func classifyRequestErr(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return "network error: " + uerr.Err.Error()
	}
	return "network error: " + err.Error()
}

func is2xx(status int) bool {
	return status >= 200 && status < 300
}

// hostOf is for logging only. Validation has already ensured the URL parses.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// NewHTTPClient builds the outbound client for unsubscribe requests. It
// carries no cookies or ambient credentials, ignores proxy configuration,
// re-validates every redirect hop, and refuses at dial time to connect to
// loopback, private, link-local or otherwise reserved addresses, whatever
// hostname resolved to them.
func NewHTTPClient() *http.Client {
	dialer := &net.Dialer{
		Timeout:   attemptTimeout,
		KeepAlive: 30 * time.Second,
		Control: func(_, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return fmt.Errorf("split dial address: %w", err)
			}
			ip := net.ParseIP(host)
			if ip == nil {
				return fmt.Errorf("dial address %q is not an IP", host)
			}
			if reason := forbiddenIP(ip); reason != "" {
				return fmt.Errorf("refusing to dial %s: %s", ip, reason)
			}
			return nil
		},
	}
	transport := &http.Transport{
		Proxy:               nil,
		DialContext:         dialer.DialContext,
		MaxIdleConns:        20,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: attemptTimeout,
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return errors.New("too many redirects")
			}
			if v := Validate(req.URL.String()); !v.Valid {
				return fmt.Errorf("redirect target rejected: %s", v.Reason)
			}
			return nil
		},
	}
}
