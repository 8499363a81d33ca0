package relay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/nugget/switchboard/internal/buildinfo"
	"github.com/nugget/switchboard/internal/config"
)

// Transport limits. Agent backends think before they answer, so the
// header wait is longer than a typical API's.
const (
	dialTimeout           = 10 * time.Second
	tlsHandshakeTimeout   = 10 * time.Second
	responseHeaderTimeout = 90 * time.Second
	idleConnTimeout       = 90 * time.Second
	maxIdleConnsPerHost   = 5

	firstRetryDelay = 500 * time.Millisecond
	maxRetryDelay   = 8 * time.Second
)

// newHTTPClient builds the client used for every backend call. Requests
// carry the Switchboard User-Agent and, when configured, the API key as
// a bearer token. Dial failures are retried RetryCount times.
func newHTTPClient(cfg config.BackendConfig, logger *slog.Logger) *http.Client {
	var rt http.RoundTripper = &backendTransport{
		base: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   tlsHandshakeTimeout,
			ResponseHeaderTimeout: responseHeaderTimeout,
			IdleConnTimeout:       idleConnTimeout,
			MaxIdleConnsPerHost:   maxIdleConnsPerHost,
			ForceAttemptHTTP2:     true,
		},
		userAgent: buildinfo.UserAgent(),
		apiKey:    cfg.APIKey,
	}
	if cfg.RetryCount > 0 {
		rt = &dialRetry{base: rt, attempts: cfg.RetryCount, delay: firstRetryDelay, logger: logger}
	}

	return &http.Client{
		Timeout:   time.Duration(cfg.TimeoutSec) * time.Second,
		Transport: rt,
	}
}

// backendTransport sets the identifying headers the caller left empty.
type backendTransport struct {
	base      http.RoundTripper
	userAgent string
	apiKey    string
}

func (t *backendTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	setUA := req.Header.Get("User-Agent") == ""
	setAuth := t.apiKey != "" && req.Header.Get("Authorization") == ""
	if setUA || setAuth {
		// RoundTrippers must not modify the caller's request.
		req = req.Clone(req.Context())
		if setUA {
			req.Header.Set("User-Agent", t.userAgent)
		}
		if setAuth {
			req.Header.Set("Authorization", "Bearer "+t.apiKey)
		}
	}
	return t.base.RoundTrip(req)
}

// dialRetry repeats a request whose connection never opened. The
// delay doubles after each attempt up to maxRetryDelay. Requests with
// a body are only repeated when GetBody can rewind it.
type dialRetry struct {
	base     http.RoundTripper
	attempts int
	delay    time.Duration
	logger   *slog.Logger
}

func (t *dialRetry) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	rewindable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil

	delay := t.delay
	for attempt := 1; attempt <= t.attempts && isDialFailure(err) && rewindable; attempt++ {
		t.logger.Debug("backend unreachable, retrying",
			"url", req.URL.Redacted(),
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}
		delay = min(delay*2, maxRetryDelay)

		next := req.Clone(req.Context())
		if req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, fmt.Errorf("rewind request body: %w", bodyErr)
			}
			next.Body = body
		}
		resp, err = t.base.RoundTrip(next)
	}
	return resp, err
}

// isDialFailure reports whether err happened before the request reached
// the backend. A reset connection does not count: the backend may
// already be running the turn.
func isDialFailure(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.ECONNREFUSED, syscall.EHOSTUNREACH, syscall.ENETUNREACH:
		return true
	}
	return false
}

// drain discards what is left of a response body so the connection can
// be reused.
func drain(rc io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, 4<<10))
	rc.Close()
}

// errorExcerpt returns the start of an error response body for logs and
// error messages, then drains the rest.
func errorExcerpt(rc io.ReadCloser) string {
	body, err := io.ReadAll(io.LimitReader(rc, 512))
	drain(rc)
	if err != nil {
		return fmt.Sprintf("(unreadable body: %v)", err)
	}
	return string(body)
}
