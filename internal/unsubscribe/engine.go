// Package unsubscribe turns a message's List-Unsubscribe headers (and, as a
// last resort, its HTML body) into unsubscribe attempts, guarded so that no
// attempt can be steered into private address space.
package unsubscribe

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Method names one strategy in the cascade.
type Method string

const (
	MethodRFC8058    Method = "rfc8058"
	MethodHTTPHeader Method = "http-header"
	MethodHTTPBody   Method = "http-body"
	MethodMailto     Method = "mailto"
)

// MailSender is the send capability the caller hands in for mailto
// unsubscribes. The engine never manages credentials or scopes itself.
type MailSender interface {
	CanSend() bool
	Send(ctx context.Context, to, subject, body string) error
}

// Result is the terminal outcome of one cascade run. Attempted lists every
// strategy that was entered, in order, whether or not it worked.
type Result struct {
	Success   bool     `json:"success"`
	Method    Method   `json:"method,omitempty"`
	Attempted []Method `json:"attempted"`
	Error     string   `json:"error,omitempty"`
}

// Engine executes unsubscribe cascades. It keeps no per-message state, so
// one Engine serves any number of concurrent callers.
type Engine struct {
	client  *http.Client
	log     *slog.Logger
	timeout time.Duration
}

// NewEngine returns an engine using the given outbound client. A nil client
// falls back to NewHTTPClient, a nil logger to slog.Default.
func NewEngine(client *http.Client, log *slog.Logger) *Engine {
	if client == nil {
		client = NewHTTPClient()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{client: client, log: log, timeout: attemptTimeout}
}

// Execute tries the available unsubscribe methods in priority order and
// stops at the first success: the RFC 8058 one-click POST on the first
// header URL, then each header URL with the standard POST/GET pair, then
// the body-scraped URL, then mailto. Strategies run strictly one after
// another; a caller cancellation aborts the cascade between and within
// attempts.
func (e *Engine) Execute(ctx context.Context, c Candidates, sender MailSender) Result {
	res := Result{Attempted: []Method{}}
	var failures []string

	succeed := func(m Method) Result {
		res.Success = true
		res.Method = m
		e.log.Info("unsubscribed", "method", string(m))
		return res
	}
	fail := func(m Method, detail string) {
		failures = append(failures, string(m)+": "+detail)
		e.log.Debug("unsubscribe attempt failed", "method", string(m), "detail", detail)
	}
	canceled := func() Result {
		res.Error = classifyRequestErr(ctx.Err())
		return res
	}

	if c.HasOneClickPost && len(c.HTTPURLs) > 0 {
		if ctx.Err() != nil {
			return canceled()
		}
		res.Attempted = append(res.Attempted, MethodRFC8058)
		out := e.performHTTP(ctx, c.HTTPURLs[0], true)
		if out.ok {
			return succeed(MethodRFC8058)
		}
		fail(MethodRFC8058, out.detail)
	}

	if len(c.HTTPURLs) > 0 {
		if ctx.Err() != nil {
			return canceled()
		}
		res.Attempted = append(res.Attempted, MethodHTTPHeader)
		var last string
		for _, u := range c.HTTPURLs {
			out := e.performHTTP(ctx, u, false)
			if out.ok {
				return succeed(MethodHTTPHeader)
			}
			last = out.detail
			if ctx.Err() != nil {
				break
			}
		}
		fail(MethodHTTPHeader, last)
	}

	if c.BodyURL != "" {
		if ctx.Err() != nil {
			return canceled()
		}
		res.Attempted = append(res.Attempted, MethodHTTPBody)
		out := e.performHTTP(ctx, c.BodyURL, false)
		if out.ok {
			return succeed(MethodHTTPBody)
		}
		fail(MethodHTTPBody, out.detail)
	}

	if c.MailtoURL != "" {
		if ctx.Err() != nil {
			return canceled()
		}
		res.Attempted = append(res.Attempted, MethodMailto)
		err := performMailto(ctx, c.MailtoURL, sender)
		if err == nil {
			return succeed(MethodMailto)
		}
		fail(MethodMailto, err.Error())
	}

	if len(res.Attempted) == 0 {
		res.Error = "No unsubscribe methods available"
		return res
	}
	res.Error = strings.Join(failures, "; ")
	e.log.Warn("unsubscribe exhausted", "attempts", len(res.Attempted))
	return res
}
